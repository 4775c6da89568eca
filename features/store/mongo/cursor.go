package mongo

import (
	"encoding/base64"
	"strings"
	"time"

	"github.com/shipsec/shipsec/runtime/fault"
)

// EncodeCursor packs a page boundary into an opaque base64url token. The
// payload is "isoTimestamp|id"; the timestamp comes first so the separator
// cut is unambiguous for any id.
func EncodeCursor(ts time.Time, id string) string {
	raw := ts.UTC().Format(time.RFC3339Nano) + "|" + id
	return base64.URLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor reverses EncodeCursor. Malformed cursors are validation
// faults so callers can map them to a 400.
func DecodeCursor(cursor string) (time.Time, string, error) {
	raw, err := base64.URLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fault.Wrap(fault.KindValidation, "invalid cursor encoding", err)
	}
	tsPart, id, ok := strings.Cut(string(raw), "|")
	if !ok {
		return time.Time{}, "", fault.New(fault.KindValidation, "invalid cursor payload")
	}
	ts, err := time.Parse(time.RFC3339Nano, tsPart)
	if err != nil {
		return time.Time{}, "", fault.Wrap(fault.KindValidation, "invalid cursor timestamp", err)
	}
	return ts, id, nil
}
