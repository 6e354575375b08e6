package simplerecords_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-records/pkg/simplerecords"
)

// trackingReader records the largest single read it served.
type trackingReader struct {
	r       io.Reader
	reads   int
	maxRead int
}

func (t *trackingReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	t.reads++
	if n > t.maxRead {
		t.maxRead = n
	}
	return n, err
}

func TestStreamChunks(t *testing.T) {
	ctx := context.Background()
	data := bytes.Repeat([]byte("0123456789"), 1000)

	t.Run("object larger than the chunk size", func(t *testing.T) {
		src := &trackingReader{r: bytes.NewReader(data)}
		var out bytes.Buffer
		var chunks, largest int

		n, err := simplerecords.StreamChunks(ctx, src, 1024, func(chunk []byte) error {
			chunks++
			if len(chunk) > largest {
				largest = len(chunk)
			}
			out.Write(chunk)
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, int64(len(data)), n)
		assert.Equal(t, data, out.Bytes())
		assert.Equal(t, 10, chunks)
		assert.LessOrEqual(t, largest, 1024)
		assert.LessOrEqual(t, src.maxRead, 1024)
	})

	t.Run("empty input emits nothing", func(t *testing.T) {
		n, err := simplerecords.StreamChunks(ctx, bytes.NewReader(nil), 16, func([]byte) error {
			t.Fatal("unexpected chunk")
			return nil
		})
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("emit errors stop the stream", func(t *testing.T) {
		boom := errors.New("client went away")
		n, err := simplerecords.StreamChunks(ctx, bytes.NewReader(data), 4096, func([]byte) error {
			return boom
		})
		assert.ErrorIs(t, err, boom)
		assert.Zero(t, n)
	})

	t.Run("cancelled context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := simplerecords.StreamChunks(cctx, bytes.NewReader(data), 4096, func([]byte) error { return nil })
		assert.ErrorIs(t, err, context.Canceled)
	})
}
