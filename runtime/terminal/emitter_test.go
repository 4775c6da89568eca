package terminal

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func testSession() Session {
	return Session{RunID: "run-1", NodeRef: "node-1", Stream: StreamStdout}
}

func TestEmitterIndexAndDelta(t *testing.T) {
	t.Parallel()
	var got []Chunk
	clock := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	em := NewEmitter(testSession(), func(_ context.Context, c Chunk) error {
		got = append(got, c)
		return nil
	}, EmitterOptions{Now: func() time.Time { return clock }})

	em.Emit(context.Background(), []byte("first"))
	clock = clock.Add(150 * time.Millisecond)
	em.Emit(context.Background(), []byte("second"))
	clock = clock.Add(40 * time.Millisecond)
	em.Emit(context.Background(), []byte("third"))

	require.Len(t, got, 3)
	require.Equal(t, 1, got[0].ChunkIndex)
	require.Equal(t, int64(0), got[0].DeltaMs)
	require.Equal(t, 2, got[1].ChunkIndex)
	require.Equal(t, int64(150), got[1].DeltaMs)
	require.Equal(t, 3, got[2].ChunkIndex)
	require.Equal(t, int64(40), got[2].DeltaMs)
}

func TestEmitterSkipsEmptyData(t *testing.T) {
	t.Parallel()
	var calls int
	em := NewEmitter(testSession(), func(context.Context, Chunk) error {
		calls++
		return nil
	}, EmitterOptions{})
	em.Emit(context.Background(), nil)
	em.Emit(context.Background(), []byte{})
	em.EmitString(context.Background(), "")
	require.Zero(t, calls)
}

func TestNilEmitterIsNoop(t *testing.T) {
	t.Parallel()
	em := NewEmitter(testSession(), nil, EmitterOptions{})
	require.Nil(t, em)
	em.Emit(context.Background(), []byte("ignored")) // must not panic
}

func TestEmitterSwallowsSinkErrors(t *testing.T) {
	t.Parallel()
	em := NewEmitter(testSession(), func(context.Context, Chunk) error {
		return errors.New("collector down")
	}, EmitterOptions{})
	em.Emit(context.Background(), []byte("data"))
	em.Emit(context.Background(), []byte("more"))
}

// Emitted chunks carry strictly consecutive indexes starting at 1, and
// decoding the payloads in index order reproduces the original byte stream.
func TestEmitterChunkStreamProperties(t *testing.T) {
	t.Parallel()
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	properties.Property("index and payload round-trip", prop.ForAll(
		func(segments [][]byte) bool {
			var chunks []Chunk
			em := NewEmitter(testSession(), func(_ context.Context, c Chunk) error {
				chunks = append(chunks, c)
				return nil
			}, EmitterOptions{})
			var want bytes.Buffer
			for _, seg := range segments {
				em.Emit(context.Background(), seg)
				want.Write(seg)
			}
			nonEmpty := 0
			for _, seg := range segments {
				if len(seg) > 0 {
					nonEmpty++
				}
			}
			if len(chunks) != nonEmpty {
				return false
			}
			var gotStream bytes.Buffer
			for i, c := range chunks {
				if c.ChunkIndex != i+1 {
					return false
				}
				if i == 0 && c.DeltaMs != 0 {
					return false
				}
				raw, err := c.Decode()
				if err != nil || len(raw) == 0 {
					return false
				}
				gotStream.Write(raw)
			}
			return bytes.Equal(want.Bytes(), gotStream.Bytes())
		},
		gen.SliceOf(gen.SliceOf(gen.UInt8())),
	))

	properties.TestingRun(t)
}
