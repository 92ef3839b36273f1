package core

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassIndices(t *testing.T) {
	indices := NewClassIndices([]string{"dogs", "cats", "birds"})

	// Indices are assigned in sorted label order so retraining on the same
	// class set reproduces the same mapping.
	assert.Equal(t, ClassIndices{"birds": 0, "cats": 1, "dogs": 2}, indices)
	assert.Equal(t, []string{"birds", "cats", "dogs"}, indices.Names())

	path := filepath.Join(t.TempDir(), ClassIndicesFile)
	require.NoError(t, indices.Save(path))

	loaded, err := LoadClassIndices(path)
	require.NoError(t, err)
	assert.Equal(t, indices, loaded)
}

func TestMetadataRoundTrip(t *testing.T) {
	meta := Metadata{
		ImageSize:    224,
		EmbeddingDim: 1280,
		InputName:    "input",
		OutputName:   "embedding",
		NumClasses:   3,
		LearningRate: 0.01,
		SavedAt:      "2026-08-26 12:00:00",
	}

	path := filepath.Join(t.TempDir(), MetadataFile)
	require.NoError(t, meta.Save(path))

	loaded, err := LoadMetadata(path)
	require.NoError(t, err)
	assert.Equal(t, meta, loaded)
}

func TestLoadMetadataMissing(t *testing.T) {
	_, err := LoadMetadata(filepath.Join(t.TempDir(), MetadataFile))
	assert.Error(t, err)
}
