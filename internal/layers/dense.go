package layers

import (
	"fmt"

	"github.com/23skdu/longbow-bodkin/internal/activation"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
	"github.com/23skdu/longbow-bodkin/internal/value"
	"github.com/23skdu/longbow-bodkin/internal/weights"
	"golang.org/x/exp/constraints"
)

var _ Layer[float64, float64] = (*Dense[float64, float64])(nil)

// Dense is a fully connected layer over [batch, features] inputs.
type Dense[V any, W constraints.Float] struct {
	Base[V, W]
	neurons int
}

func NewDense[V any, W constraints.Float](name string, neurons int, act activation.Activation[V], env Env[V, W]) *Dense[V, W] {
	if neurons <= 0 {
		panic(fmt.Sprintf("layers: dense %s needs positive neurons, got %d", name, neurons))
	}
	return &Dense[V, W]{Base: newBase(name, act, env), neurons: neurons}
}

func (d *Dense[V, W]) Kind() Kind { return KindDense }

func (d *Dense[V, W]) Description() string {
	return fmt.Sprintf("Dense %s: %d neurons, %s", d.name, d.neurons, d.act.Name())
}

func (d *Dense[V, W]) OutputShape() tensor.Shape {
	in := d.requireInput(2)
	return tensor.NewShape(in[0], d.neurons)
}

func (d *Dense[V, W]) WeightShapes() []tensor.Shape {
	in := d.requireInput(2)
	return []tensor.Shape{tensor.NewShape(d.neurons, in[1]), tensor.NewShape(d.neurons)}
}

func (d *Dense[V, W]) AllWeights() []*tensor.Tensor[W] {
	return []*tensor.Tensor[W]{d.weights, d.biases}
}

func (d *Dense[V, W]) LoadWeights(dir string) error {
	return d.LoadWeightsFile(dir, d.name)
}

func (d *Dense[V, W]) LoadWeightsFile(dir, file string) error {
	if d.input == nil {
		return fmt.Errorf("%w: %s", ErrNotConnected, d.name)
	}
	shapes := d.WeightShapes()
	p := weights.Paths(dir, file)
	w, err := loadText(d.env.Weights, p.Weights, shapes[0])
	if err != nil {
		return fmt.Errorf("failed to load dense %s weights: %w", d.name, err)
	}
	b, err := loadText(d.env.Weights, p.Bias, shapes[1])
	if err != nil {
		return fmt.Errorf("failed to load dense %s bias: %w", d.name, err)
	}
	return SetAllWeights[V, W](d, []*tensor.Tensor[W]{w, b})
}

func (d *Dense[V, W]) RandomInit() {
	shapes := d.WeightShapes()
	fanIn := shapes[0][1]
	d.weights = glorot(d.env.Weights, shapes[0], fanIn, d.neurons)
	d.biases = glorot(d.env.Weights, shapes[1], fanIn, d.neurons)
}

func (d *Dense[V, W]) FeedForward() {
	in := d.requireInput(2)
	d.requireOutput(d.OutputShape())
	w := d.weightAt(0, d.weights)
	b := d.weightAt(1, d.biases)
	d.requireWeights(w, b)
	if !w.Shape().Equal(d.WeightShapes()[0]) {
		panic(fmt.Sprintf("layers: dense %s weights are %v, want %v", d.name, w.Shape(), d.WeightShapes()[0]))
	}

	ar := d.env.Arith
	d.pool().For(d.neurons, func(n int) {
		for bt := 0; bt < in[0]; bt++ {
			acc := ar.Empty()
			for i := 0; i < in[1]; i++ {
				acc = value.MulAdd(ar, acc, d.input.At(bt, i), w.At(n, i))
			}
			acc = ar.AddWeight(acc, b.At(n))
			d.output.Set(d.act.Activate(acc), bt, n)
		}
	})
	mustCheck(d.name, d.output)
}
