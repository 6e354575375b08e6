package inline

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/tendant/simple-records/pkg/simplerecords"
)

// Backend keeps file bytes in the repository next to the record metadata.
// Staging is implicit: blocks are held under the object key until commit.
type Backend struct {
	store simplerecords.InlineStore
}

// New creates an inline backend on top of a repository's inline store
func New(store simplerecords.InlineStore) simplerecords.BlobBackend {
	return &Backend{store: store}
}

func (b *Backend) Name() string {
	return "inline"
}

func (b *Backend) Storage() simplerecords.FileStorage {
	return simplerecords.FileStorageInline
}

// Put reads the whole object into the store
func (b *Backend) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, fmt.Errorf("failed to read content: %w", err)
	}
	if err := b.store.PutInlineContent(ctx, key, data); err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}

// Stage keeps one block. Every call gets a fresh block ID, so restaging an
// index never overwrites bytes a concurrent commit might read.
func (b *Backend) Stage(ctx context.Context, key string, blockIndex int, r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("failed to read block %d: %w", blockIndex, err)
	}
	blockID := uuid.New().String()
	if err := b.store.PutInlineBlock(ctx, key, blockID, data); err != nil {
		return "", err
	}
	return blockID, nil
}

// Commit concatenates the blocks in order. No blocks yields an empty object.
func (b *Backend) Commit(ctx context.Context, key string, blockIDs []string) (int64, error) {
	var buf bytes.Buffer
	for _, id := range blockIDs {
		data, err := b.store.GetInlineBlock(ctx, key, id)
		if err != nil {
			return 0, fmt.Errorf("failed to load block %s: %w", id, err)
		}
		buf.Write(data)
	}
	if err := b.store.PutInlineContent(ctx, key, buf.Bytes()); err != nil {
		return 0, err
	}
	return int64(buf.Len()), nil
}

func (b *Backend) Discard(ctx context.Context, key string, blockIDs []string) error {
	return b.store.DeleteInlineBlocks(ctx, key, blockIDs)
}

func (b *Backend) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	data, err := b.store.GetInlineContent(ctx, key)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (b *Backend) Delete(ctx context.Context, key string) error {
	return b.store.DeleteInlineContent(ctx, key)
}
