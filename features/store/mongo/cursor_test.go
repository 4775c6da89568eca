package mongo

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func TestCursorRoundTrip(t *testing.T) {
	t.Parallel()
	ts := time.Date(2026, 3, 14, 9, 26, 53, 589_000_000, time.UTC)
	cursor := EncodeCursor(ts, "entry-42")
	gotTS, gotID, err := DecodeCursor(cursor)
	require.NoError(t, err)
	require.True(t, ts.Equal(gotTS))
	require.Equal(t, "entry-42", gotID)
}

func TestCursorRejectsMalformed(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"not base64":    "!!!not-base64!!!",
		"no separator":  "MjAyNi0wMy0xNFQwOToyNjo1M1o=", // "2026-03-14T09:26:53Z"
		"bad timestamp": "bm90LWEtdGltZXxpZA==",         // "not-a-time|id"
		"empty":         "",
	}
	for name, cursor := range cases {
		_, _, err := DecodeCursor(cursor)
		require.Error(t, err, name)
	}
}

func TestCursorRoundTripProperty(t *testing.T) {
	t.Parallel()
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	genTime := gen.Int64Range(0, 4_102_444_800_000).Map(func(ms int64) time.Time {
		return time.UnixMilli(ms).UTC()
	})

	properties.Property("decode(encode(ts,id)) = (ts,id)", prop.ForAll(
		func(ts time.Time, id string) bool {
			gotTS, gotID, err := DecodeCursor(EncodeCursor(ts, id))
			return err == nil && ts.Equal(gotTS) && gotID == id
		},
		genTime,
		gen.AnyString(),
	))

	properties.Property("ids containing the separator survive", prop.ForAll(
		func(ts time.Time, prefix, suffix string) bool {
			id := prefix + "|" + suffix
			_, gotID, err := DecodeCursor(EncodeCursor(ts, id))
			return err == nil && gotID == id
		},
		genTime,
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
