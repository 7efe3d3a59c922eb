package layers

import (
	"fmt"

	"github.com/23skdu/longbow-bodkin/internal/activation"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
	"github.com/23skdu/longbow-bodkin/internal/value"
	"github.com/23skdu/longbow-bodkin/internal/weights"
	"github.com/rs/zerolog/log"
	"golang.org/x/exp/constraints"
)

var _ Layer[float64, float64] = (*RNN[float64, float64])(nil)

// checkEvery is the timestep interval of state checks in debug mode.
const checkEvery = 27

// RNN is a simple recurrent layer over [batch, timesteps, features].
//
// Each timestep runs three phases separated by barriers: input
// contribution, recurrent contribution from the previous step, then bias
// and activation. Without returnSequences two [batch, units] state tensors
// are double-buffered and swapped after every step.
type RNN[V any, W constraints.Float] struct {
	Base[V, W]
	units           int
	returnSequences bool
	recurrent       *tensor.Tensor[W]

	current  *tensor.Tensor[V]
	previous *tensor.Tensor[V]
}

func NewRNN[V any, W constraints.Float](name string, units int, returnSequences bool,
	act activation.Activation[V], env Env[V, W]) *RNN[V, W] {
	if units <= 0 {
		panic(fmt.Sprintf("layers: rnn %s needs positive units, got %d", name, units))
	}
	return &RNN[V, W]{Base: newBase(name, act, env), units: units, returnSequences: returnSequences}
}

func (r *RNN[V, W]) Kind() Kind { return KindRNN }

func (r *RNN[V, W]) Description() string {
	return fmt.Sprintf("RNN %s: %d units, return sequences %t, %s", r.name, r.units, r.returnSequences, r.act.Name())
}

// RecurrentWeights returns the [units, units] recurrent matrix.
func (r *RNN[V, W]) RecurrentWeights() *tensor.Tensor[W] { return r.recurrent }

func (r *RNN[V, W]) OutputShape() tensor.Shape {
	in := r.requireInput(3)
	if r.returnSequences {
		return tensor.NewShape(in[0], in[1], r.units)
	}
	return tensor.NewShape(in[0], r.units)
}

func (r *RNN[V, W]) WeightShapes() []tensor.Shape {
	in := r.requireInput(3)
	return []tensor.Shape{
		tensor.NewShape(r.units, in[2]),
		tensor.NewShape(r.units),
		tensor.NewShape(r.units, r.units),
	}
}

func (r *RNN[V, W]) AllWeights() []*tensor.Tensor[W] {
	return []*tensor.Tensor[W]{r.weights, r.biases, r.recurrent}
}

func (r *RNN[V, W]) assignWeights(ts []*tensor.Tensor[W]) {
	r.Base.assignWeights(ts)
	if len(ts) > 2 {
		r.recurrent = ts[2]
	}
}

func (r *RNN[V, W]) LoadWeights(dir string) error {
	return r.LoadWeightsFile(dir, r.name)
}

func (r *RNN[V, W]) LoadWeightsFile(dir, file string) error {
	if r.input == nil {
		return fmt.Errorf("%w: %s", ErrNotConnected, r.name)
	}
	shapes := r.WeightShapes()
	p := weights.Paths(dir, file)
	w, err := loadText(r.env.Weights, p.Weights, shapes[0])
	if err != nil {
		return fmt.Errorf("failed to load rnn %s weights: %w", r.name, err)
	}
	b, err := loadText(r.env.Weights, p.Bias, shapes[1])
	if err != nil {
		return fmt.Errorf("failed to load rnn %s bias: %w", r.name, err)
	}
	rw, err := loadText(r.env.Weights, p.Recurrent, shapes[2])
	if err != nil {
		return fmt.Errorf("failed to load rnn %s recurrent weights: %w", r.name, err)
	}
	return SetAllWeights[V, W](r, []*tensor.Tensor[W]{w, b, rw})
}

func (r *RNN[V, W]) RandomInit() {
	shapes := r.WeightShapes()
	features := shapes[0][1]
	r.weights = glorot(r.env.Weights, shapes[0], features, r.units)
	r.biases = glorot(r.env.Weights, shapes[1], features, r.units)
	r.recurrent = glorot(r.env.Weights, shapes[2], r.units, r.units)
}

// Setup allocates the state tensors. With returnSequences the output
// itself holds the state.
func (r *RNN[V, W]) Setup() {
	if r.returnSequences {
		r.current = nil
		r.previous = nil
		return
	}
	in := r.requireInput(3)
	s := tensor.NewShape(in[0], r.units)
	r.current = r.env.Data.Create(s)
	r.previous = r.env.Data.Create(s)
}

func (r *RNN[V, W]) Clear() {
	r.Base.Clear()
	r.recurrent = nil
	r.current = nil
	r.previous = nil
}

// state reads the accumulator of unit u at step t.
func (r *RNN[V, W]) state(b, t, u int) V {
	if r.returnSequences {
		return r.output.At(b, t, u)
	}
	return r.current.At(b, u)
}

func (r *RNN[V, W]) setState(v V, b, t, u int) {
	if r.returnSequences {
		r.output.Set(v, b, t, u)
		return
	}
	r.current.Set(v, b, u)
}

// last reads unit j of the state produced by step t-1.
func (r *RNN[V, W]) last(b, t, j int) V {
	if r.returnSequences {
		return r.output.At(b, t-1, j)
	}
	return r.previous.At(b, j)
}

func (r *RNN[V, W]) FeedForward() {
	in := r.requireInput(3)
	r.requireOutput(r.OutputShape())
	w := r.weightAt(0, r.weights)
	b := r.weightAt(1, r.biases)
	rw := r.weightAt(2, r.recurrent)
	r.requireWeights(w, b, rw)
	if !r.returnSequences && (r.current == nil || r.previous == nil) {
		panic(fmt.Sprintf("layers: rnn %s used before Setup", r.name))
	}

	pool := r.pool()
	if r.env.Options.SingleThreadedRNN {
		pool = NewPool(1)
	}

	r.output.Clear()
	if !r.returnSequences {
		r.current.Clear()
		r.previous.Clear()
	}

	for t := 0; t < in[1]; t++ {
		pool.For(r.units, func(u int) { r.inputUnit(in, t, u, w) })
		if t > 0 {
			pool.For(r.units, func(u int) { r.recurrentUnit(in, t, u, rw) })
		}
		pool.ForQueues(r.units, func(u int) { r.activateUnit(in, t, u, b) })

		if !r.returnSequences {
			r.current, r.previous = r.previous, r.current
		}
		if r.env.Options.DebugLayer {
			r.debugStep(t)
		}
	}

	if !r.returnSequences {
		ar := r.env.Arith
		for bt := 0; bt < in[0]; bt++ {
			for u := 0; u < r.units; u++ {
				r.output.Set(value.Copy(ar, r.previous.At(bt, u)), bt, u)
			}
		}
	}
	mustCheck(r.name, r.output)
}

func (r *RNN[V, W]) inputUnit(in tensor.Shape, t, u int, w *tensor.Tensor[W]) {
	ar := r.env.Arith
	for bt := 0; bt < in[0]; bt++ {
		acc := ar.Empty()
		for i := 0; i < in[2]; i++ {
			wt := w.At(u, i)
			if wt == 0 {
				continue
			}
			acc = value.MulAdd(ar, acc, r.input.At(bt, t, i), wt)
		}
		r.setState(acc, bt, t, u)
	}
}

func (r *RNN[V, W]) recurrentUnit(in tensor.Shape, t, u int, rw *tensor.Tensor[W]) {
	ar := r.env.Arith
	for bt := 0; bt < in[0]; bt++ {
		acc := r.state(bt, t, u)
		for j := 0; j < r.units; j++ {
			wt := rw.At(u, j)
			if wt == 0 {
				continue
			}
			acc = value.MulAdd(ar, acc, r.last(bt, t, j), wt)
		}
		r.setState(acc, bt, t, u)
	}
}

func (r *RNN[V, W]) activateUnit(in tensor.Shape, t, u int, b *tensor.Tensor[W]) {
	ar := r.env.Arith
	bias := b.At(u)
	for bt := 0; bt < in[0]; bt++ {
		v := ar.AddWeight(r.state(bt, t, u), bias)
		r.setState(r.act.Activate(v), bt, t, u)
	}
}

func (r *RNN[V, W]) debugStep(t int) {
	log.Debug().Str("layer", r.name).Int("timestep", t).Msg("rnn step done")
	if t%checkEvery != 0 {
		return
	}
	st := r.output
	if !r.returnSequences {
		st = r.previous
	}
	mustCheck(r.name, st)
}
