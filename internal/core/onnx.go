package core

import (
	"fmt"
	"image"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// FeatureExtractor wraps the frozen base network (an ONNX export of a
// pretrained convolutional backbone, e.g. MobileNetV2 without its top) and
// produces fixed-width embeddings. The ONNX runtime environment must be
// initialized before constructing one.
type FeatureExtractor struct {
	mu           sync.Mutex
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]

	imageSize    int
	embeddingDim int
}

func NewFeatureExtractor(modelPath string, meta Metadata) (*FeatureExtractor, error) {
	inputShape := ort.NewShape(1, 3, int64(meta.ImageSize), int64(meta.ImageSize))
	outputShape := ort.NewShape(1, int64(meta.EmbeddingDim))

	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{meta.InputName}, []string{meta.OutputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &FeatureExtractor{
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
		imageSize:    meta.ImageSize,
		embeddingDim: meta.EmbeddingDim,
	}, nil
}

func (e *FeatureExtractor) ImageSize() int { return e.imageSize }

func (e *FeatureExtractor) EmbeddingDim() int { return e.embeddingDim }

// EmbedTensor runs the base network on preprocessed NCHW input data. The
// session reuses its tensors, so runs are serialized.
func (e *FeatureExtractor) EmbedTensor(data []float32) ([]float32, error) {
	if len(data) != 3*e.imageSize*e.imageSize {
		return nil, fmt.Errorf("expected %d input values, got %d", 3*e.imageSize*e.imageSize, len(data))
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	copy(e.inputTensor.GetData(), data)

	if err := e.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	embedding := make([]float32, e.embeddingDim)
	copy(embedding, e.outputTensor.GetData())
	return embedding, nil
}

func (e *FeatureExtractor) Embed(img image.Image) ([]float32, error) {
	return e.EmbedTensor(ImageToTensor(img, e.imageSize))
}

func (e *FeatureExtractor) Release() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.inputTensor != nil {
		e.inputTensor.Destroy()
		e.inputTensor = nil
	}
	if e.outputTensor != nil {
		e.outputTensor.Destroy()
		e.outputTensor = nil
	}
	if e.session != nil {
		e.session.Destroy()
		e.session = nil
	}
}

// OnnxClassifier is the deployed model: frozen extractor plus trained head.
type OnnxClassifier struct {
	extractor *FeatureExtractor
	head      *SoftmaxHead
	classes   []string
}

var _ Model = (*OnnxClassifier)(nil)

// LoadOnnxClassifier loads a model artifact directory produced by training
// (base_model.onnx, head.json, class_indices.json, metadata.json).
func LoadOnnxClassifier(modelDir string) (Model, error) {
	meta, err := LoadMetadata(MetadataPath(modelDir))
	if err != nil {
		return nil, err
	}

	indices, err := LoadClassIndices(ClassIndicesPath(modelDir))
	if err != nil {
		return nil, err
	}

	head, err := LoadHead(HeadPath(modelDir))
	if err != nil {
		return nil, err
	}

	if head.NumClasses != len(indices) {
		return nil, fmt.Errorf("head has %d classes but class indices map %d", head.NumClasses, len(indices))
	}

	extractor, err := NewFeatureExtractor(BaseModelPath(modelDir), meta)
	if err != nil {
		return nil, err
	}

	if head.Dims != extractor.EmbeddingDim() {
		extractor.Release()
		return nil, fmt.Errorf("head expects %d dims but extractor produces %d", head.Dims, extractor.EmbeddingDim())
	}

	return &OnnxClassifier{
		extractor: extractor,
		head:      head,
		classes:   indices.Names(),
	}, nil
}

func (c *OnnxClassifier) Predict(img image.Image) (Prediction, error) {
	embedding, err := c.extractor.Embed(img)
	if err != nil {
		return Prediction{}, err
	}

	best, probs := c.head.Predict(embedding)

	probabilities := make(map[string]float32, len(c.classes))
	for i, class := range c.classes {
		probabilities[class] = probs[i]
	}

	return Prediction{
		Index:         best,
		Class:         c.classes[best],
		Confidence:    probs[best],
		Probabilities: probabilities,
	}, nil
}

func (c *OnnxClassifier) Classes() []string {
	return c.classes
}

func (c *OnnxClassifier) InputSize() int {
	return c.extractor.ImageSize()
}

func (c *OnnxClassifier) Release() {
	c.extractor.Release()
}
