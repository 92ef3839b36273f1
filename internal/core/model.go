package core

import (
	"encoding/json"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"
)

// Artifact filenames within a model directory.
const (
	BaseModelFile    = "base_model.onnx"
	HeadFile         = "head.json"
	ClassIndicesFile = "class_indices.json"
	MetadataFile     = "metadata.json"
)

type Prediction struct {
	Index         int
	Class         string
	Confidence    float32
	Probabilities map[string]float32
}

// Model is a deployed classifier. Implementations must be safe for
// concurrent Predict calls.
type Model interface {
	Predict(img image.Image) (Prediction, error)

	Classes() []string

	InputSize() int

	Release()
}

type ModelLoader func(modelDir string) (Model, error)

// Metadata is the side-car describing a model artifact: how to feed the
// frozen base network and how the head was trained.
type Metadata struct {
	ImageSize    int     `json:"image_size"`
	EmbeddingDim int     `json:"embedding_dim"`
	InputName    string  `json:"input_name"`
	OutputName   string  `json:"output_name"`
	NumClasses   int     `json:"num_classes"`
	LearningRate float64 `json:"learning_rate"`
	SavedAt      string  `json:"saved_at"`
}

func LoadMetadata(path string) (Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to read metadata: %w", err)
	}

	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return Metadata{}, fmt.Errorf("failed to parse metadata: %w", err)
	}
	return meta, nil
}

func (m Metadata) Save(path string) error {
	data, err := json.MarshalIndent(m, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// ClassIndices maps class names to the classifier's output positions.
type ClassIndices map[string]int

func LoadClassIndices(path string) (ClassIndices, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read class indices: %w", err)
	}

	var indices ClassIndices
	if err := json.Unmarshal(data, &indices); err != nil {
		return nil, fmt.Errorf("failed to parse class indices: %w", err)
	}
	return indices, nil
}

func (c ClassIndices) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to marshal class indices: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// Names returns class names ordered by output index.
func (c ClassIndices) Names() []string {
	names := make([]string, len(c))
	for name, idx := range c {
		if idx >= 0 && idx < len(names) {
			names[idx] = name
		}
	}
	return names
}

// NewClassIndices assigns output positions to labels in sorted order, so
// that the mapping is deterministic across retrains on the same classes.
func NewClassIndices(labels []string) ClassIndices {
	sorted := make([]string, len(labels))
	copy(sorted, labels)
	sort.Strings(sorted)

	indices := make(ClassIndices, len(sorted))
	for i, label := range sorted {
		indices[label] = i
	}
	return indices
}

func MetadataPath(modelDir string) string    { return filepath.Join(modelDir, MetadataFile) }
func HeadPath(modelDir string) string        { return filepath.Join(modelDir, HeadFile) }
func ClassIndicesPath(dir string) string     { return filepath.Join(dir, ClassIndicesFile) }
func BaseModelPath(modelDir string) string   { return filepath.Join(modelDir, BaseModelFile) }
