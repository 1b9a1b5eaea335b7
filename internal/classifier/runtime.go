// Package classifier runs image classification inference against a single
// loaded model, swapped behind a writer lock so readers never block on a
// reload. It provides both single-image and multi-frame (soft-voting)
// classification, plus model status for health reporting.
package classifier

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"time"

	tflite "github.com/tphakala/go-tflite"

	"github.com/corvidio/sentinel/internal/apperr"
	"github.com/corvidio/sentinel/internal/metrics"
)

// Label is one scored class from a classification result.
type Label struct {
	Name  string
	Score float64
}

// FrameResult is classifyFrames' per-frame contribution to the aggregate.
type FrameResult struct {
	FrameIndex int
	Top        Label
	Labels     []Label
}

// AggregateResult is the soft-voted outcome of classifyFrames.
type AggregateResult struct {
	Label    string
	Score    float64
	PerFrame []FrameResult
}

// Status reports the runtime's current model without side effects.
type Status struct {
	Runtime string
	Loaded  bool
	Error   string
}

// Runtime is the model backend interface. The shipped adapter loads a
// go-tflite interpreter; a stub or alternate backend can satisfy the same
// interface for testing.
type Runtime interface {
	ClassifyImage(ctx context.Context, img []byte) ([]Label, error)
	ClassifyFrames(ctx context.Context, frames [][]byte) (AggregateResult, error)
	Status() Status
	Reload(ctx context.Context) error
	Close()
}

// Config configures the TFLite-backed runtime.
type Config struct {
	ModelPath         string
	LabelsPath        string
	Threads           int
	WorkerPoolSize    int
	InferenceDeadline time.Duration
	Metrics           metrics.Recorder
}

// tfliteRuntime is the shipped Runtime implementation.
type tfliteRuntime struct {
	config  Config
	model   modelHolder
	pool    *workerPool
	metrics metrics.Recorder
}

// New loads the configured model and returns a ready Runtime. A load failure
// is returned immediately rather than deferred to first inference, so
// startup readiness checks can surface it.
func New(config Config) (Runtime, error) {
	if config.Threads <= 0 {
		config.Threads = runtime.NumCPU()
	}
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = runtime.NumCPU()
	}
	if config.InferenceDeadline <= 0 {
		config.InferenceDeadline = 10 * time.Second
	}
	if config.Metrics == nil {
		config.Metrics = metrics.NoOp()
	}

	r := &tfliteRuntime{
		config:  config,
		pool:    newWorkerPool(config.WorkerPoolSize),
		metrics: config.Metrics,
	}
	m, err := loadModel(config.ModelPath, config.LabelsPath, config.Threads)
	if err != nil {
		return nil, apperr.New(err).Component("classifier").AsKind(apperr.KindInternal).Build()
	}
	r.model.swap(m, nil)
	return r, nil
}

// Reload swaps in a freshly loaded model built from the runtime's configured
// paths, atomically replacing the handle in-flight inferences hold.
func (r *tfliteRuntime) Reload(ctx context.Context) error {
	m, err := loadModel(r.config.ModelPath, r.config.LabelsPath, r.config.Threads)
	if err != nil {
		r.model.swap(nil, err)
		return apperr.New(err).Component("classifier").AsKind(apperr.KindInternal).Build()
	}
	r.model.swap(m, nil)
	return nil
}

func (r *tfliteRuntime) Close() {
	r.model.swap(nil, fmt.Errorf("runtime closed"))
	r.pool.close()
}

func (r *tfliteRuntime) Status() Status {
	m, err := r.model.snapshot()
	if err != nil || m == nil {
		s := Status{Runtime: "tflite", Loaded: false}
		if err != nil {
			s.Error = err.Error()
		}
		return s
	}
	return Status{Runtime: "tflite", Loaded: true}
}

// ClassifyImage runs a single-frame inference, enforcing the configured
// per-call deadline so a stuck interpreter call can't wedge a caller forever.
func (r *tfliteRuntime) ClassifyImage(ctx context.Context, img []byte) ([]Label, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, r.config.InferenceDeadline)
	defer cancel()

	type result struct {
		labels []Label
		err    error
	}
	out := make(chan result, 1)

	if err := r.pool.submit(ctx, func() {
		labels, err := r.classifyOne(img)
		out <- result{labels, err}
	}); err != nil {
		r.metrics.RecordError("classifier_inference", "pool_submit")
		return nil, err
	}

	select {
	case <-ctx.Done():
		r.metrics.RecordError("classifier_inference", "timeout")
		return nil, apperr.Newf("inference_timeout").Component("classifier").AsKind(apperr.KindTimeout).Build()
	case res := <-out:
		metrics.Time(r.metrics, "classifier_inference", start)
		status := "success"
		if res.err != nil {
			status = "error"
			r.metrics.RecordError("classifier_inference", "runtime")
		}
		r.metrics.RecordOperation("classifier_inference", status)
		return res.labels, res.err
	}
}

func (r *tfliteRuntime) classifyOne(img []byte) ([]Label, error) {
	m, err := r.model.snapshot()
	if err != nil {
		return nil, apperr.New(err).Component("classifier").AsKind(apperr.KindInternal).Build()
	}
	if m == nil {
		return nil, apperr.Newf("no model loaded").Component("classifier").AsKind(apperr.KindInternal).Build()
	}

	tensor, err := letterbox(img, m.inputWidth, m.inputHeight, m.normalization)
	if err != nil {
		return nil, apperr.New(err).Component("classifier").AsKind(apperr.KindInvalidInput).Build()
	}

	// go-tflite interpreters are not safe for concurrent Invoke on the same
	// handle; the worker pool bounds concurrency but a single model handle
	// still serializes inference behind this lock.
	m.invokeMu.Lock()
	defer m.invokeMu.Unlock()

	input := m.interpreter.GetInputTensor(0)
	if input == nil {
		return nil, apperr.Newf("model has no input tensor").Component("classifier").AsKind(apperr.KindInternal).Build()
	}
	copy(input.Float32s(), tensor)

	if status := m.interpreter.Invoke(); status != tflite.OK {
		return nil, apperr.Newf("interpreter invoke failed (status %v)", status).Component("classifier").AsKind(apperr.KindInternal).Build()
	}

	output := m.interpreter.GetOutputTensor(0)
	if output == nil {
		return nil, apperr.Newf("model has no output tensor").Component("classifier").AsKind(apperr.KindInternal).Build()
	}
	scores := output.Float32s()

	labels := make([]Label, 0, len(m.labels))
	for i, name := range m.labels {
		var score float64
		if i < len(scores) {
			score = float64(scores[i])
		}
		labels = append(labels, Label{Name: name, Score: score})
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].Score != labels[j].Score {
			return labels[i].Score > labels[j].Score
		}
		return labels[i].Name < labels[j].Name
	})
	return labels, nil
}

// ClassifyFrames runs inference over every frame and combines results by
// soft voting: sum each label's score across frames, normalize by frame
// count, and return the argmax. Ties break first on higher mean score
// (already the sort key) then lexicographically on label name.
func (r *tfliteRuntime) ClassifyFrames(ctx context.Context, frames [][]byte) (AggregateResult, error) {
	if len(frames) == 0 {
		return AggregateResult{}, apperr.Newf("no frames to classify").Component("classifier").AsKind(apperr.KindInvalidInput).Build()
	}

	perFrame := make([]FrameResult, len(frames))

	for i, frame := range frames {
		labels, err := r.ClassifyImage(ctx, frame)
		if err != nil {
			return AggregateResult{}, err
		}
		var top Label
		if len(labels) > 0 {
			top = labels[0]
		}
		perFrame[i] = FrameResult{FrameIndex: i, Top: top, Labels: labels}
	}

	return SoftVote(perFrame), nil
}

// SoftVote sums each label's score across frames, normalizes by frame
// count, and returns the argmax. Ties break first on higher mean score
// (already the comparison key) then lexicographically on label name.
// Exported so callers that classify frames incrementally (to emit
// per-frame progress, e.g. the Deep Video Reclassifier) can aggregate with
// the exact same rule ClassifyFrames uses internally.
func SoftVote(perFrame []FrameResult) AggregateResult {
	totals := make(map[string]float64)
	for _, f := range perFrame {
		for _, l := range f.Labels {
			totals[l.Name] += l.Score
		}
	}

	var bestLabel string
	var bestMean float64
	first := true
	for name, sum := range totals {
		mean := sum / float64(len(perFrame))
		if first || mean > bestMean || (mean == bestMean && name < bestLabel) {
			bestLabel, bestMean, first = name, mean, false
		}
	}

	return AggregateResult{Label: bestLabel, Score: bestMean, PerFrame: perFrame}
}
