package simplerecords

import (
	"context"
	"errors"
	"io"
)

// DefaultChunkSize is the read size used when streaming file bytes out.
const DefaultChunkSize = 4 << 20

// StreamChunks reads r in chunks of at most chunkSize bytes and hands each to
// emit, so only one chunk is held in memory at a time. The slice passed to
// emit is reused for the next chunk. It returns the number of bytes emitted.
func StreamChunks(ctx context.Context, r io.Reader, chunkSize int, emit func([]byte) error) (int64, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	buf := make([]byte, chunkSize)
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			if emitErr := emit(buf[:n]); emitErr != nil {
				return total, emitErr
			}
			total += int64(n)
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}
