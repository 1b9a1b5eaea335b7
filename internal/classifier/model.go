package classifier

import (
	"fmt"
	"os"
	"runtime"
	"sync"

	tflite "github.com/tphakala/go-tflite"
)

// Normalization describes how raw 0-255 pixel channel values are mapped into
// the range the model was trained on. Carried on the loaded model rather
// than hardcoded, since different model exports expect different ranges.
type Normalization struct {
	Min float64
	Max float64
}

func (n Normalization) apply(v float32) float32 {
	return float32(float64(n.Min) + (float64(v)/255.0)*(n.Max-n.Min))
}

// DefaultNormalization is the [0,1] range used when a model carries no
// explicit metadata.
var DefaultNormalization = Normalization{Min: 0, Max: 1}

// loadedModel wraps a single tflite interpreter plus the metadata needed to
// preprocess images for it. A loadedModel is immutable once built; swapping
// in a new model means building a new loadedModel and atomically replacing
// the pointer the runtime holds, never mutating one in place.
type loadedModel struct {
	path          string
	interpreter   *tflite.Interpreter
	labels        []string
	inputWidth    int
	inputHeight   int
	normalization Normalization
	invokeMu      sync.Mutex
}

func loadModel(modelPath, labelsPath string, threads int) (*loadedModel, error) {
	data, err := os.ReadFile(modelPath)
	if err != nil {
		return nil, fmt.Errorf("read model file: %w", err)
	}

	model := tflite.NewModel(data)
	if model == nil {
		return nil, fmt.Errorf("cannot parse model file %s", modelPath)
	}

	if threads <= 0 || threads > runtime.NumCPU() {
		threads = runtime.NumCPU()
	}
	options := tflite.NewInterpreterOptions()
	options.SetNumThread(threads)
	options.SetErrorReporter(func(msg string, _ interface{}) {}, nil)

	interpreter := tflite.NewInterpreter(model, options)
	if interpreter == nil {
		return nil, fmt.Errorf("cannot create interpreter for %s", modelPath)
	}
	if status := interpreter.AllocateTensors(); status != tflite.OK {
		return nil, fmt.Errorf("tensor allocation failed for %s", modelPath)
	}

	inputTensor := interpreter.GetInputTensor(0)
	if inputTensor == nil {
		return nil, fmt.Errorf("model %s has no input tensor", modelPath)
	}
	height, width := 224, 224
	if inputTensor.NumDims() >= 3 {
		height = inputTensor.Dim(1)
		width = inputTensor.Dim(2)
	}

	labels, err := loadLabels(labelsPath)
	if err != nil {
		return nil, fmt.Errorf("load labels: %w", err)
	}

	return &loadedModel{
		path:          modelPath,
		interpreter:   interpreter,
		labels:        labels,
		inputWidth:    width,
		inputHeight:   height,
		normalization: normalizationFromMetadata(modelPath),
	}, nil
}

func loadLabels(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var labels []string
	start := 0
	for i, b := range data {
		if b == '\n' {
			if line := trimRight(data[start:i]); len(line) > 0 {
				labels = append(labels, string(line))
			}
			start = i + 1
		}
	}
	if start < len(data) {
		if line := trimRight(data[start:]); len(line) > 0 {
			labels = append(labels, string(line))
		}
	}
	return labels, nil
}

func trimRight(b []byte) []byte {
	end := len(b)
	for end > 0 && (b[end-1] == '\r' || b[end-1] == ' ' || b[end-1] == '\t') {
		end--
	}
	return b[:end]
}

// normalizationFromMetadata is a placeholder for reading the model's own
// packaged metadata (a companion .json sidecar, or FlatBuffer metadata in a
// future model format). Until a model ships that metadata, every model uses
// DefaultNormalization.
func normalizationFromMetadata(_ string) Normalization {
	return DefaultNormalization
}

func (m *loadedModel) Close() {
	if m.interpreter != nil {
		m.interpreter.Delete()
	}
}

// modelHolder atomically swaps the active loadedModel. Readers take a
// snapshot pointer under a read lock and run inference against it without
// holding the lock, so a reload never blocks in-flight classification; it
// only prevents a second reload from racing the first.
type modelHolder struct {
	mu      sync.RWMutex
	current *loadedModel
	loadErr error
}

func (h *modelHolder) snapshot() (*loadedModel, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current, h.loadErr
}

func (h *modelHolder) swap(next *loadedModel, err error) {
	h.mu.Lock()
	prev := h.current
	h.current = next
	h.loadErr = err
	h.mu.Unlock()
	if prev != nil && prev != next {
		prev.Close()
	}
}
