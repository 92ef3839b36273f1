package core

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"vision-backend/internal/dataset"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEmbedder stands in for the ONNX session. It maps each tensor to its
// per-channel means, so images of different colors land in different
// clusters.
type fakeEmbedder struct {
	dims     int
	calls    int
	released bool
}

func (f *fakeEmbedder) EmbedTensor(data []float32) ([]float32, error) {
	f.calls++

	out := make([]float32, f.dims)
	channel := len(data) / 3
	for c := 0; c < 3 && c < f.dims; c++ {
		var sum float32
		for _, v := range data[c*channel : (c+1)*channel] {
			sum += v
		}
		out[c] = sum / float32(channel)
	}
	return out, nil
}

func (f *fakeEmbedder) Release() { f.released = true }

func writeClassImage(t *testing.T, path string, c color.RGBA) {
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			img.Set(x, y, c)
		}
	}

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0777))
	file, err := os.Create(path)
	require.NoError(t, err)
	defer file.Close()
	require.NoError(t, png.Encode(file, img))
}

// writeTrainerFixtures builds a base model dir and a two-class dataset with
// one undecodable file mixed in.
func writeTrainerFixtures(t *testing.T) (string, string) {
	baseDir := t.TempDir()
	meta := Metadata{ImageSize: 16, EmbeddingDim: 4, InputName: "input", OutputName: "output", NumClasses: 2}
	require.NoError(t, meta.Save(MetadataPath(baseDir)))
	require.NoError(t, os.WriteFile(BaseModelPath(baseDir), []byte("frozen network"), 0644))

	dataDir := t.TempDir()
	for i := 0; i < 3; i++ {
		writeClassImage(t, filepath.Join(dataDir, "cats", fmt.Sprintf("cat%d.png", i)), color.RGBA{R: 250, A: 255})
		writeClassImage(t, filepath.Join(dataDir, "dogs", fmt.Sprintf("dog%d.png", i)), color.RGBA{B: 250, A: 255})
	}
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "cats", "broken.png"), []byte("not a png"), 0644))

	return baseDir, dataDir
}

func TestOnnxTrainerRetrain(t *testing.T) {
	baseDir, dataDir := writeTrainerFixtures(t)
	outDir := filepath.Join(t.TempDir(), "out")

	embedder := &fakeEmbedder{dims: 4}
	trainer := &OnnxTrainer{
		PreprocessWorkers: 2,
		NewEmbedder: func(modelPath string, meta Metadata) (Embedder, error) {
			assert.Equal(t, BaseModelPath(baseDir), modelPath)
			assert.Equal(t, 4, meta.EmbeddingDim)
			return embedder, nil
		},
	}

	var milestones []int
	result, err := trainer.Retrain(context.Background(), baseDir, dataDir, outDir, TrainOpts{Epochs: 3, Seed: 1}, func(pct int, msg string) {
		milestones = append(milestones, pct)
		assert.NotEmpty(t, msg)
	})
	require.NoError(t, err)

	assert.Equal(t, 7, result.NumImages)
	assert.Equal(t, ClassIndices{"cats": 0, "dogs": 1}, result.Classes)

	// Every decodable image is embedded once; the corrupt file is skipped.
	assert.Equal(t, 6, embedder.calls)
	assert.True(t, embedder.released)

	assert.Contains(t, milestones, 10)
	assert.Contains(t, milestones, 30)
	assert.Contains(t, milestones, 80)

	head, err := LoadHead(HeadPath(outDir))
	require.NoError(t, err)
	assert.Equal(t, 4, head.Dims)
	assert.Equal(t, 2, head.NumClasses)

	indices, err := LoadClassIndices(ClassIndicesPath(outDir))
	require.NoError(t, err)
	assert.Equal(t, result.Classes, indices)

	meta, err := LoadMetadata(MetadataPath(outDir))
	require.NoError(t, err)
	assert.Equal(t, 2, meta.NumClasses)
	assert.NotEmpty(t, meta.SavedAt)

	frozen, err := os.ReadFile(BaseModelPath(outDir))
	require.NoError(t, err)
	assert.Equal(t, []byte("frozen network"), frozen)
}

func TestExtractEmbeddings(t *testing.T) {
	_, dataDir := writeTrainerFixtures(t)

	items, err := dataset.Scan(dataDir)
	require.NoError(t, err)
	require.Len(t, items, 7)

	indices := NewClassIndices(dataset.Labels(items))
	embedder := &fakeEmbedder{dims: 4}
	trainer := &OnnxTrainer{PreprocessWorkers: 2}

	embeddings, labels, err := trainer.extractEmbeddings(context.Background(), embedder, items, indices, 16)
	require.NoError(t, err)

	assert.Len(t, embeddings, 6)
	assert.Len(t, labels, 6)
	for _, embedding := range embeddings {
		assert.Len(t, embedding, 4)
	}
	for _, label := range labels {
		assert.Contains(t, []int{0, 1}, label)
	}
}

func TestExtractEmbeddingsNoUsableImages(t *testing.T) {
	dataDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dataDir, "cats"), 0777))
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "cats", "broken.png"), []byte("junk"), 0644))

	items, err := dataset.Scan(dataDir)
	require.NoError(t, err)
	require.NotEmpty(t, items)

	trainer := &OnnxTrainer{PreprocessWorkers: 2}
	_, _, err = trainer.extractEmbeddings(context.Background(), &fakeEmbedder{dims: 4}, items, ClassIndices{"cats": 0}, 16)
	assert.Error(t, err)
}
