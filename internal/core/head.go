package core

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"os"
)

// SoftmaxHead is the trainable classification head sitting on top of the
// frozen feature extractor: a single dense layer with softmax output,
// trained by mini-batch SGD on cross-entropy loss.
type SoftmaxHead struct {
	Dims       int         `json:"dims"`
	NumClasses int         `json:"num_classes"`
	Weights    [][]float32 `json:"weights"` // [class][dim]
	Bias       []float32   `json:"bias"`
}

func NewSoftmaxHead(dims, numClasses int) *SoftmaxHead {
	weights := make([][]float32, numClasses)
	for i := range weights {
		weights[i] = make([]float32, dims)
	}
	return &SoftmaxHead{
		Dims:       dims,
		NumClasses: numClasses,
		Weights:    weights,
		Bias:       make([]float32, numClasses),
	}
}

func LoadHead(path string) (*SoftmaxHead, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read head: %w", err)
	}

	var head SoftmaxHead
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("failed to parse head: %w", err)
	}

	if len(head.Weights) != head.NumClasses || len(head.Bias) != head.NumClasses {
		return nil, fmt.Errorf("head shape mismatch: %d classes, %d weight rows, %d biases",
			head.NumClasses, len(head.Weights), len(head.Bias))
	}
	for _, row := range head.Weights {
		if len(row) != head.Dims {
			return nil, fmt.Errorf("head weight row has %d dims, expected %d", len(row), head.Dims)
		}
	}

	return &head, nil
}

func (h *SoftmaxHead) Save(path string) error {
	data, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("failed to marshal head: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

func (h *SoftmaxHead) Logits(x []float32) []float32 {
	logits := make([]float32, h.NumClasses)
	for c := 0; c < h.NumClasses; c++ {
		sum := h.Bias[c]
		row := h.Weights[c]
		for d, v := range x {
			sum += row[d] * v
		}
		logits[c] = sum
	}
	return logits
}

// Softmax converts logits into probabilities summing to 1.
func Softmax(logits []float32) []float32 {
	maxLogit := logits[0]
	for _, l := range logits[1:] {
		if l > maxLogit {
			maxLogit = l
		}
	}

	probs := make([]float32, len(logits))
	var total float64
	for i, l := range logits {
		e := math.Exp(float64(l - maxLogit))
		probs[i] = float32(e)
		total += e
	}
	for i := range probs {
		probs[i] = float32(float64(probs[i]) / total)
	}
	return probs
}

// Predict returns the argmax class index and the full probability vector.
func (h *SoftmaxHead) Predict(x []float32) (int, []float32) {
	probs := Softmax(h.Logits(x))

	best := 0
	for i, p := range probs {
		if p > probs[best] {
			best = i
		}
	}
	return best, probs
}

type TrainOpts struct {
	Epochs          int
	LearningRate    float32
	WeightDecay     float32
	BatchSize       int
	ValidationSplit float64
	Seed            int64

	// OnEpoch, if set, is called after each epoch with the mean training
	// loss and the validation accuracy so far.
	OnEpoch func(epoch int, trainLoss float64, valAccuracy float64)
}

func (o *TrainOpts) applyDefaults() {
	if o.Epochs <= 0 {
		o.Epochs = 10
	}
	if o.LearningRate <= 0 {
		o.LearningRate = 0.01
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 32
	}
	if o.ValidationSplit <= 0 || o.ValidationSplit >= 1 {
		o.ValidationSplit = 0.2
	}
}

// Train fits the head on the given embeddings and label indices. It returns
// the final validation accuracy. The embeddings are held out into a
// validation set according to opts.ValidationSplit; with very few samples
// the whole set is used for both.
func (h *SoftmaxHead) Train(embeddings [][]float32, labels []int, opts TrainOpts) (float64, error) {
	if len(embeddings) == 0 {
		return 0, fmt.Errorf("no training samples")
	}
	if len(embeddings) != len(labels) {
		return 0, fmt.Errorf("got %d embeddings but %d labels", len(embeddings), len(labels))
	}
	for i, x := range embeddings {
		if len(x) != h.Dims {
			return 0, fmt.Errorf("embedding %d has %d dims, expected %d", i, len(x), h.Dims)
		}
		if labels[i] < 0 || labels[i] >= h.NumClasses {
			return 0, fmt.Errorf("label %d out of range [0, %d)", labels[i], h.NumClasses)
		}
	}

	opts.applyDefaults()

	rng := rand.New(rand.NewSource(opts.Seed))

	perm := rng.Perm(len(embeddings))
	valCount := int(float64(len(perm)) * opts.ValidationSplit)

	trainIdx := perm[valCount:]
	valIdx := perm[:valCount]
	if len(valIdx) == 0 || len(trainIdx) == 0 {
		trainIdx = perm
		valIdx = perm
	}

	grads := make([][]float32, h.NumClasses)
	for c := range grads {
		grads[c] = make([]float32, h.Dims)
	}
	biasGrads := make([]float32, h.NumClasses)

	var valAccuracy float64
	for epoch := 0; epoch < opts.Epochs; epoch++ {
		rng.Shuffle(len(trainIdx), func(i, j int) {
			trainIdx[i], trainIdx[j] = trainIdx[j], trainIdx[i]
		})

		var epochLoss float64
		for start := 0; start < len(trainIdx); start += opts.BatchSize {
			end := min(start+opts.BatchSize, len(trainIdx))
			batch := trainIdx[start:end]

			for c := range grads {
				clear(grads[c])
			}
			clear(biasGrads)

			for _, i := range batch {
				x, y := embeddings[i], labels[i]
				probs := Softmax(h.Logits(x))

				epochLoss += -math.Log(math.Max(float64(probs[y]), 1e-12))

				for c := 0; c < h.NumClasses; c++ {
					g := probs[c]
					if c == y {
						g -= 1
					}
					row := grads[c]
					for d, v := range x {
						row[d] += g * v
					}
					biasGrads[c] += g
				}
			}

			scale := opts.LearningRate / float32(len(batch))
			for c := 0; c < h.NumClasses; c++ {
				row := h.Weights[c]
				grad := grads[c]
				for d := range row {
					row[d] -= scale*grad[d] + opts.LearningRate*opts.WeightDecay*row[d]
				}
				h.Bias[c] -= scale * biasGrads[c]
			}
		}

		valAccuracy = h.accuracy(embeddings, labels, valIdx)
		if opts.OnEpoch != nil {
			opts.OnEpoch(epoch+1, epochLoss/float64(len(trainIdx)), valAccuracy)
		}
	}

	return valAccuracy, nil
}

func (h *SoftmaxHead) accuracy(embeddings [][]float32, labels []int, idx []int) float64 {
	if len(idx) == 0 {
		return 0
	}

	correct := 0
	for _, i := range idx {
		pred, _ := h.Predict(embeddings[i])
		if pred == labels[i] {
			correct++
		}
	}
	return float64(correct) / float64(len(idx))
}
