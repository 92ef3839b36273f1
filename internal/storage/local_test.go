package storage_test

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"vision-backend/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalObjectStore(t *testing.T) {
	store, err := storage.NewLocalObjectStore(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.CreateBucket(ctx, "data"))

	t.Run("PutGet", func(t *testing.T) {
		require.NoError(t, store.PutObject(ctx, "data", "train/cats/a.png", bytes.NewReader([]byte("cat bytes"))))

		obj, err := store.GetObject(ctx, "data", "train/cats/a.png")
		require.NoError(t, err)
		defer obj.Close()

		data, err := io.ReadAll(obj)
		require.NoError(t, err)
		assert.Equal(t, []byte("cat bytes"), data)
	})

	t.Run("GetMissing", func(t *testing.T) {
		_, err := store.GetObject(ctx, "data", "train/cats/missing.png")
		assert.Error(t, err)
	})

	t.Run("List", func(t *testing.T) {
		require.NoError(t, store.PutObject(ctx, "data", "train/dogs/b.png", bytes.NewReader([]byte("dog bytes"))))
		require.NoError(t, store.PutObject(ctx, "data", "other/c.png", bytes.NewReader([]byte("other"))))

		keys, err := store.ListObjects(ctx, "data", "train")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"train/cats/a.png", "train/dogs/b.png"}, keys)
	})

	t.Run("ListMissingBucket", func(t *testing.T) {
		keys, err := store.ListObjects(ctx, "nope", "")
		require.NoError(t, err)
		assert.Empty(t, keys)
	})

	t.Run("ListPrefixIsDirectory", func(t *testing.T) {
		require.NoError(t, store.PutObject(ctx, "data", "training/birds/d.png", bytes.NewReader([]byte("bird"))))

		keys, err := store.ListObjects(ctx, "data", "train")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"train/cats/a.png", "train/dogs/b.png"}, keys)
	})
}

func TestLocalObjectStoreDirs(t *testing.T) {
	store, err := storage.NewLocalObjectStore(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()

	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "sub"), 0777))
	require.NoError(t, os.WriteFile(filepath.Join(src, "head.json"), []byte("{}"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "sub", "extra.bin"), []byte("x"), 0644))

	require.NoError(t, store.UploadDir(ctx, "models", "model-1", src))

	keys, err := store.ListObjects(ctx, "models", "model-1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"model-1/head.json", "model-1/sub/extra.bin"}, keys)

	dest := filepath.Join(t.TempDir(), "downloaded")
	require.NoError(t, store.DownloadDir(ctx, "models", "model-1", dest, false))

	data, err := os.ReadFile(filepath.Join(dest, "head.json"))
	require.NoError(t, err)
	assert.Equal(t, []byte("{}"), data)

	_, err = os.Stat(filepath.Join(dest, "sub", "extra.bin"))
	assert.NoError(t, err)

	t.Run("NoOverwrite", func(t *testing.T) {
		err := store.DownloadDir(ctx, "models", "model-1", dest, false)
		assert.Error(t, err)
	})

	t.Run("Overwrite", func(t *testing.T) {
		require.NoError(t, store.DownloadDir(ctx, "models", "model-1", dest, true))
		_, err := os.Stat(filepath.Join(dest, "head.json"))
		assert.NoError(t, err)
	})
}
