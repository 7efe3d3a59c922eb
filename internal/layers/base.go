package layers

import (
	"fmt"

	"github.com/23skdu/longbow-bodkin/internal/activation"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
	"github.com/rs/zerolog/log"
	"golang.org/x/exp/constraints"
)

// Base carries the state shared by every layer.
type Base[V any, W constraints.Float] struct {
	name      string
	env       Env[V, W]
	act       activation.Activation[V]
	input     *tensor.Tensor[V]
	output    *tensor.Tensor[V]
	weights   *tensor.Tensor[W]
	biases    *tensor.Tensor[W]
	converted []*tensor.Tensor[W]
}

func newBase[V any, W constraints.Float](name string, act activation.Activation[V], env Env[V, W]) Base[V, W] {
	if act == nil {
		act = activation.Linear[V]{}
	}
	return Base[V, W]{name: name, env: env, act: act}
}

func (b *Base[V, W]) Name() string                         { return b.name }
func (b *Base[V, W]) Input() *tensor.Tensor[V]             { return b.input }
func (b *Base[V, W]) SetInput(t *tensor.Tensor[V])         { b.input = t }
func (b *Base[V, W]) Output() *tensor.Tensor[V]            { return b.output }
func (b *Base[V, W]) SetOutput(t *tensor.Tensor[V])        { b.output = t }
func (b *Base[V, W]) Weights() *tensor.Tensor[W]           { return b.weights }
func (b *Base[V, W]) Biases() *tensor.Tensor[W]            { return b.biases }
func (b *Base[V, W]) Activation() activation.Activation[V] { return b.act }
func (b *Base[V, W]) ConvertedWeights() []*tensor.Tensor[W] {
	return b.converted
}

func (b *Base[V, W]) SetActivation(a activation.Activation[V]) {
	if a == nil {
		a = activation.Linear[V]{}
	}
	b.act = a
}

// SetConvertedWeights stores ts, ordered like AllWeights. The list only
// takes effect when Options.HonorConvertedWeights is set.
func (b *Base[V, W]) SetConvertedWeights(ts []*tensor.Tensor[W]) {
	b.converted = ts
	if len(ts) > 0 && !b.env.Options.HonorConvertedWeights {
		log.Warn().Str("layer", b.name).Int("tensors", len(ts)).
			Msg("converted weights set but ignored; enable HonorConvertedWeights to use them")
	}
}

// Clear drops all tensors so the layer can be garbage collected.
func (b *Base[V, W]) Clear() {
	b.input = nil
	b.output = nil
	b.weights = nil
	b.biases = nil
	b.converted = nil
}

func (b *Base[V, W]) Setup()                      {}
func (b *Base[V, W]) BuildsOwnOutputTensor() bool { return false }
func (b *Base[V, W]) buildOutput() error          { return nil }
func (b *Base[V, W]) environment() Env[V, W]      { return b.env }

func (b *Base[V, W]) assignWeights(ts []*tensor.Tensor[W]) {
	if len(ts) > 0 {
		b.weights = ts[0]
	}
	if len(ts) > 1 {
		b.biases = ts[1]
	}
}

// useConverted reports whether the conversion slot replaces the loaded
// weights.
func (b *Base[V, W]) useConverted() bool {
	return b.env.Options.HonorConvertedWeights && len(b.converted) > 0
}

// weightAt returns converted tensor i when the slot is active, else def.
func (b *Base[V, W]) weightAt(i int, def *tensor.Tensor[W]) *tensor.Tensor[W] {
	if b.useConverted() && i < len(b.converted) && b.converted[i] != nil {
		return b.converted[i]
	}
	return def
}

func (b *Base[V, W]) pool() Pool {
	return NewPool(b.env.Options.poolSize())
}

// requireInput asserts the input is wired and has the given rank.
func (b *Base[V, W]) requireInput(rank int) tensor.Shape {
	if b.input == nil {
		panic(fmt.Sprintf("layers: %s has no input", b.name))
	}
	s := b.input.Shape()
	if s.Rank() != rank {
		panic(fmt.Sprintf("layers: %s needs a rank %d input, got %v", b.name, rank, s))
	}
	return s
}

// requireWeights asserts the given tensors are loaded.
func (b *Base[V, W]) requireWeights(ts ...*tensor.Tensor[W]) {
	for i, t := range ts {
		if t == nil {
			panic(fmt.Sprintf("layers: %s weight %d not loaded", b.name, i))
		}
	}
}

// requireOutput asserts the output has been allocated with shape s.
func (b *Base[V, W]) requireOutput(s tensor.Shape) {
	if b.output == nil {
		panic(fmt.Sprintf("layers: %s has no output tensor", b.name))
	}
	if !b.output.Shape().Equal(s) {
		panic(fmt.Sprintf("layers: %s output is %v, want %v", b.name, b.output.Shape(), s))
	}
}

// weightless layers

func (b *Base[V, W]) WeightShapes() []tensor.Shape         { return nil }
func (b *Base[V, W]) AllWeights() []*tensor.Tensor[W]      { return nil }
func (b *Base[V, W]) LoadWeights(string) error             { return nil }
func (b *Base[V, W]) LoadWeightsFile(string, string) error { return nil }
func (b *Base[V, W]) RandomInit()                          {}
