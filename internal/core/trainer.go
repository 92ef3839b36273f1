package core

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"time"

	"vision-backend/internal/core/utils"
	"vision-backend/internal/dataset"
)

type TrainResult struct {
	NumImages   int
	Classes     ClassIndices
	ValAccuracy float64
}

// Trainer produces a new model artifact directory from a base model and a
// dataset directory. progress receives coarse percentages for the status
// endpoint.
type Trainer interface {
	Retrain(ctx context.Context, baseModelDir, datasetDir, outDir string, opts TrainOpts, progress func(pct int, msg string)) (TrainResult, error)
}

// Embedder maps a preprocessed NCHW tensor to a fixed-width embedding.
// Satisfied by FeatureExtractor.
type Embedder interface {
	EmbedTensor(data []float32) ([]float32, error)
	Release()
}

// OnnxTrainer retrains the classification head on embeddings computed by
// the frozen ONNX base network. The base network itself is copied through
// unchanged.
type OnnxTrainer struct {
	// PreprocessWorkers bounds the goroutines decoding and resizing
	// images; embedding extraction itself is serialized by the session.
	PreprocessWorkers int

	// NewEmbedder overrides how the base network is loaded. Nil means an
	// ONNX session; tests substitute a fake.
	NewEmbedder func(modelPath string, meta Metadata) (Embedder, error)
}

var _ Trainer = (*OnnxTrainer)(nil)

type labeledTensor struct {
	label  string
	tensor []float32
}

func (t *OnnxTrainer) Retrain(ctx context.Context, baseModelDir, datasetDir, outDir string, opts TrainOpts, progress func(pct int, msg string)) (TrainResult, error) {
	opts.applyDefaults()

	meta, err := LoadMetadata(MetadataPath(baseModelDir))
	if err != nil {
		return TrainResult{}, fmt.Errorf("error loading base model metadata: %w", err)
	}

	progress(10, "Loading data...")

	items, err := dataset.Scan(datasetDir)
	if err != nil {
		return TrainResult{}, err
	}
	labels := dataset.Labels(items)
	if len(labels) < 2 {
		return TrainResult{}, fmt.Errorf("need at least 2 classes to train, found %d", len(labels))
	}

	indices := NewClassIndices(labels)
	slog.Info("dataset loaded", "images", len(items), "classes", len(labels))

	newEmbedder := t.NewEmbedder
	if newEmbedder == nil {
		newEmbedder = func(modelPath string, meta Metadata) (Embedder, error) {
			return NewFeatureExtractor(modelPath, meta)
		}
	}
	extractor, err := newEmbedder(BaseModelPath(baseModelDir), meta)
	if err != nil {
		return TrainResult{}, fmt.Errorf("error loading base network: %w", err)
	}
	defer extractor.Release()

	progress(30, "Computing image embeddings...")

	embeddings, labelIdx, err := t.extractEmbeddings(ctx, extractor, items, indices, meta.ImageSize)
	if err != nil {
		return TrainResult{}, err
	}

	head := NewSoftmaxHead(meta.EmbeddingDim, len(indices))
	t.warmStart(head, baseModelDir, indices)

	opts.OnEpoch = func(epoch int, trainLoss float64, valAccuracy float64) {
		pct := 30 + epoch*50/max(opts.Epochs, 1)
		progress(pct, fmt.Sprintf("Retraining model... (epoch %d/%d, val_accuracy %.4f)", epoch, opts.Epochs, valAccuracy))
	}

	valAccuracy, err := head.Train(embeddings, labelIdx, opts)
	if err != nil {
		return TrainResult{}, fmt.Errorf("error training classification head: %w", err)
	}

	progress(80, "Saving retrained model...")

	if err := t.saveArtifacts(baseModelDir, outDir, meta, head, indices, opts); err != nil {
		return TrainResult{}, err
	}

	return TrainResult{
		NumImages:   len(items),
		Classes:     indices,
		ValAccuracy: valAccuracy,
	}, nil
}

func (t *OnnxTrainer) extractEmbeddings(ctx context.Context, extractor Embedder, items []dataset.Item, indices ClassIndices, imageSize int) ([][]float32, []int, error) {
	workers := t.PreprocessWorkers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	queue := make(chan dataset.Item, len(items))
	completed := make(chan utils.CompletedTask[labeledTensor], len(items))

	for _, item := range items {
		queue <- item
	}
	close(queue)

	utils.RunInPool(func(item dataset.Item) (labeledTensor, error) {
		file, err := os.Open(item.Path)
		if err != nil {
			return labeledTensor{}, fmt.Errorf("failed to open %s: %w", item.Path, err)
		}
		defer file.Close()

		img, err := DecodeImage(file)
		if err != nil {
			return labeledTensor{}, fmt.Errorf("failed to decode %s: %w", item.Path, err)
		}

		return labeledTensor{label: item.Label, tensor: ImageToTensor(img, imageSize)}, nil
	}, queue, completed, workers)

	var embeddings [][]float32
	var labelIdx []int
	for result := range completed {
		if result.Error != nil {
			// Undecodable uploads should not sink the whole retrain.
			slog.Warn("skipping training image", "error", result.Error)
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		embedding, err := extractor.EmbedTensor(result.Result.tensor)
		if err != nil {
			return nil, nil, fmt.Errorf("error computing embedding: %w", err)
		}
		embeddings = append(embeddings, embedding)
		labelIdx = append(labelIdx, indices[result.Result.label])
	}

	if len(embeddings) == 0 {
		return nil, nil, fmt.Errorf("no usable training images found")
	}
	return embeddings, labelIdx, nil
}

// warmStart copies the base model's head weights when it was trained on the
// same classes, so retraining refines rather than starts over.
func (t *OnnxTrainer) warmStart(head *SoftmaxHead, baseModelDir string, indices ClassIndices) {
	baseHead, err := LoadHead(HeadPath(baseModelDir))
	if err != nil {
		return
	}
	baseIndices, err := LoadClassIndices(ClassIndicesPath(baseModelDir))
	if err != nil {
		return
	}

	if baseHead.Dims != head.Dims || len(baseIndices) != len(indices) {
		return
	}
	for name, idx := range indices {
		if baseIndices[name] != idx {
			return
		}
	}

	for c := range head.Weights {
		copy(head.Weights[c], baseHead.Weights[c])
	}
	copy(head.Bias, baseHead.Bias)
	slog.Info("warm-starting head from base model")
}

func (t *OnnxTrainer) saveArtifacts(baseModelDir, outDir string, meta Metadata, head *SoftmaxHead, indices ClassIndices, opts TrainOpts) error {
	if err := os.MkdirAll(outDir, os.ModePerm); err != nil {
		return fmt.Errorf("failed to create model dir %s: %w", outDir, err)
	}

	if err := copyFile(BaseModelPath(baseModelDir), BaseModelPath(outDir)); err != nil {
		return fmt.Errorf("failed to copy base network: %w", err)
	}
	if err := head.Save(HeadPath(outDir)); err != nil {
		return err
	}
	if err := indices.Save(ClassIndicesPath(outDir)); err != nil {
		return err
	}

	meta.NumClasses = len(indices)
	meta.LearningRate = float64(opts.LearningRate)
	meta.SavedAt = time.Now().UTC().Format("2006-01-02 15:04:05")
	return meta.Save(MetadataPath(outDir))
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
