// Package layers implements the forward pass of each supported layer type.
// Every algorithm is written against value.Arithmetic so the same code runs
// on plaintext floats and on CKKS ciphertexts.
package layers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/23skdu/longbow-bodkin/internal/activation"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/exp/constraints"
)

var (
	ErrNotConnected      = errors.New("layers: layer has no input")
	ErrWeightCount       = errors.New("layers: wrong number of weight tensors")
	ErrWeightShape       = errors.New("layers: weight tensor shape mismatch")
	ErrChannelsFirstRank = errors.New("layers: channel first flatten currently only works on 4D tensors")
)

// Kind identifies a layer variant.
type Kind int

const (
	KindConv2D Kind = iota
	KindDense
	KindRNN
	KindAveragePooling
	KindFlatten
	KindZeroPadding2D
)

func (k Kind) String() string {
	switch k {
	case KindConv2D:
		return "conv2d"
	case KindDense:
		return "dense"
	case KindRNN:
		return "rnn"
	case KindAveragePooling:
		return "average_pooling"
	case KindFlatten:
		return "flatten"
	case KindZeroPadding2D:
		return "zero_padding2d"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Layer is implemented only by the types in this package.
type Layer[V any, W constraints.Float] interface {
	Name() string
	Kind() Kind
	Description() string

	// OutputShape is a pure function of the input shape and the layer's
	// parameters.
	OutputShape() tensor.Shape
	// FeedForward runs the layer, writing into the output tensor. Violated
	// preconditions panic.
	FeedForward()
	// Setup allocates extra state once before the first FeedForward.
	Setup()

	// LoadWeights reads the layer's weight files from dir, using the
	// layer name as file stem.
	LoadWeights(dir string) error
	LoadWeightsFile(dir, file string) error
	RandomInit()

	// WeightShapes lists the expected shapes in AllWeights order.
	WeightShapes() []tensor.Shape
	// AllWeights returns every weight-bearing tensor in a fixed order.
	// Exporters rely on that order.
	AllWeights() []*tensor.Tensor[W]

	// BuildsOwnOutputTensor reports whether Connect must leave output
	// allocation to the layer.
	BuildsOwnOutputTensor() bool

	Input() *tensor.Tensor[V]
	SetInput(t *tensor.Tensor[V])
	Output() *tensor.Tensor[V]
	SetOutput(t *tensor.Tensor[V])
	Weights() *tensor.Tensor[W]
	Biases() *tensor.Tensor[W]
	Activation() activation.Activation[V]
	SetActivation(a activation.Activation[V])
	ConvertedWeights() []*tensor.Tensor[W]
	SetConvertedWeights(ts []*tensor.Tensor[W])
	Clear()

	environment() Env[V, W]
	assignWeights(ts []*tensor.Tensor[W])
	buildOutput() error
}

// Connect wires in as the layer's input and allocates its output.
func Connect[V any, W constraints.Float](l Layer[V, W], in *tensor.Tensor[V]) error {
	l.SetInput(in)
	if l.BuildsOwnOutputTensor() {
		if err := l.buildOutput(); err != nil {
			return fmt.Errorf("failed to build output of %s: %w", l.Name(), err)
		}
		return nil
	}
	l.SetOutput(l.environment().Data.Create(l.OutputShape()))
	return nil
}

// Run executes FeedForward with timing and tracing around it.
func Run[V any, W constraints.Float](ctx context.Context, l Layer[V, W]) {
	_, span := otel.Tracer("bodkin-layers").Start(ctx, l.Name(),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("layer.kind", l.Kind().String()),
			attribute.String("layer.output_shape", l.OutputShape().String()),
		))
	defer span.End()

	backend := l.environment().Options.Backend
	start := time.Now()
	l.FeedForward()
	elapsed := time.Since(start)

	LayerDuration.WithLabelValues(l.Kind().String(), backend).Observe(elapsed.Seconds())
	log.Debug().
		Str("layer", l.Name()).
		Str("kind", l.Kind().String()).
		Float64("seconds", elapsed.Seconds()).
		Msg("layer finished")
}

// SetAllWeights validates ts against l.WeightShapes and installs them.
func SetAllWeights[V any, W constraints.Float](l Layer[V, W], ts []*tensor.Tensor[W]) error {
	if l.Input() == nil {
		return fmt.Errorf("%w: %s", ErrNotConnected, l.Name())
	}
	shapes := l.WeightShapes()
	if len(ts) != len(shapes) {
		return fmt.Errorf("%w: %s wants %d, got %d", ErrWeightCount, l.Name(), len(shapes), len(ts))
	}
	for i, s := range shapes {
		if ts[i] == nil || !ts[i].Shape().Equal(s) {
			got := tensor.Shape(nil)
			if ts[i] != nil {
				got = ts[i].Shape()
			}
			return fmt.Errorf("%w: %s weight %d wants %v, got %v", ErrWeightShape, l.Name(), i, s, got)
		}
	}
	l.assignWeights(ts)
	return nil
}

// mustCheck aborts when a layer produced an invalid output.
func mustCheck[V any](name string, t *tensor.Tensor[V]) {
	if err := t.PerformChecks(); err != nil {
		log.Panic().Err(err).Str("layer", name).Msg("output failed checks")
	}
}
