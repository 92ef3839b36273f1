package dataset_test

import (
	"os"
	"path/filepath"
	"testing"

	"vision-backend/internal/dataset"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path string) {
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0777))
	require.NoError(t, os.WriteFile(path, []byte("data"), 0644))
}

func TestScan(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "cats", "a.png"))
	writeFile(t, filepath.Join(dir, "cats", "b.jpg"))
	writeFile(t, filepath.Join(dir, "cats", "notes.txt"))
	writeFile(t, filepath.Join(dir, "dogs", "c.jpeg"))
	writeFile(t, filepath.Join(dir, "stray.png")) // not inside a class dir

	items, err := dataset.Scan(dir)
	require.NoError(t, err)
	require.Len(t, items, 3)

	assert.Equal(t, []string{"cats", "dogs"}, dataset.Labels(items))
	assert.Equal(t, map[string]int{"cats": 2, "dogs": 1}, dataset.CountByLabel(items))

	for _, item := range items {
		_, err := os.Stat(item.Path)
		assert.NoError(t, err)
	}
}

func TestScanEmptyDir(t *testing.T) {
	items, err := dataset.Scan(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.Empty(t, dataset.Labels(items))
}

func TestScanMissingDir(t *testing.T) {
	_, err := dataset.Scan(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

func TestStatsFromKeys(t *testing.T) {
	keys := []string{
		"train/cats/a.png",
		"train/cats/b.jpg",
		"train/dogs/c.png",
		"train/readme.txt",       // no class component
		"train/cats/notes.txt",   // not an image
		"train/fish/deep/e.png",  // nested one level deeper
		"training/birds/d.png",   // shares the string prefix, different directory
		"train_backup/mice/f.png",
	}

	counts := dataset.StatsFromKeys(keys, "train")
	assert.Equal(t, map[string]int{"cats": 2, "dogs": 1, "fish": 1}, counts)
}

func TestStatsFromKeysEmpty(t *testing.T) {
	assert.Empty(t, dataset.StatsFromKeys(nil, "train"))
}

func TestAllowedImageFile(t *testing.T) {
	allowed := []string{"cat.png", "dog.JPG", "bird.jpeg", "fish.gif", "old.bmp", "dir/photo.PNG"}
	for _, name := range allowed {
		assert.True(t, dataset.AllowedImageFile(name), name)
	}

	rejected := []string{"notes.txt", "archive.zip", "image.png.exe", "noext", "model.onnx"}
	for _, name := range rejected {
		assert.False(t, dataset.AllowedImageFile(name), name)
	}
}
