package inline_test

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-records/pkg/simplerecords"
	"github.com/tendant/simple-records/pkg/simplerecords/repo/memory"
	"github.com/tendant/simple-records/pkg/simplerecords/storage/inline"
)

func TestInlineBackend(t *testing.T) {
	ctx := context.Background()
	backend := inline.New(memory.New())

	assert.Equal(t, "inline", backend.Name())
	assert.Equal(t, simplerecords.FileStorageInline, backend.Storage())

	t.Run("put and get", func(t *testing.T) {
		n, err := backend.Put(ctx, "a@None@1", strings.NewReader("content"))
		require.NoError(t, err)
		assert.Equal(t, int64(7), n)

		r, err := backend.Get(ctx, "a@None@1")
		require.NoError(t, err)
		data, err := io.ReadAll(r)
		require.NoError(t, err)
		assert.Equal(t, "content", string(data))

		require.NoError(t, backend.Delete(ctx, "a@None@1"))
		_, err = backend.Get(ctx, "a@None@1")
		assert.ErrorIs(t, err, simplerecords.ErrNotFound)
	})

	t.Run("restaged blocks get fresh IDs", func(t *testing.T) {
		first, err := backend.Stage(ctx, "b@0@2", 0, strings.NewReader("x"))
		require.NoError(t, err)
		second, err := backend.Stage(ctx, "b@0@2", 0, strings.NewReader("y"))
		require.NoError(t, err)
		assert.NotEqual(t, first, second)

		require.NoError(t, backend.Discard(ctx, "b@0@2", []string{first}))
		n, err := backend.Commit(ctx, "b@0@2", []string{second})
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	t.Run("blocks survive commit until discarded", func(t *testing.T) {
		id, err := backend.Stage(ctx, "c@None@3", 0, strings.NewReader("once"))
		require.NoError(t, err)
		_, err = backend.Commit(ctx, "c@None@3", []string{id})
		require.NoError(t, err)

		n, err := backend.Commit(ctx, "c@None@3", []string{id})
		require.NoError(t, err)
		assert.Equal(t, int64(4), n)

		require.NoError(t, backend.Discard(ctx, "c@None@3", []string{id}))
		_, err = backend.Commit(ctx, "c@None@3", []string{id})
		assert.ErrorIs(t, err, simplerecords.ErrNotFound)
	})
}
