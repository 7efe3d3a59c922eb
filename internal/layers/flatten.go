package layers

import (
	"fmt"

	"github.com/23skdu/longbow-bodkin/internal/activation"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
	"github.com/23skdu/longbow-bodkin/internal/value"
	"golang.org/x/exp/constraints"
)

var _ Layer[float64, float64] = (*Flatten[float64, float64])(nil)

// Flatten collapses every non-batch axis. By default the output is a view
// of the input in its stored order. With channelsFirst a [b, c, h, w]
// input is reordered to h, w, c before flattening, matching models trained
// on channels-last data.
type Flatten[V any, W constraints.Float] struct {
	Base[V, W]
	channelsFirst bool
}

func NewFlatten[V any, W constraints.Float](name string, channelsFirst bool, env Env[V, W]) *Flatten[V, W] {
	return &Flatten[V, W]{Base: newBase[V, W](name, activation.Linear[V]{}, env), channelsFirst: channelsFirst}
}

func (f *Flatten[V, W]) Kind() Kind { return KindFlatten }

func (f *Flatten[V, W]) Description() string {
	return fmt.Sprintf("Flatten %s: channels first %t", f.name, f.channelsFirst)
}

func (f *Flatten[V, W]) OutputShape() tensor.Shape {
	if f.input == nil {
		panic(fmt.Sprintf("layers: %s has no input", f.name))
	}
	in := f.input.Shape()
	if in.Rank() < 1 {
		panic(fmt.Sprintf("layers: %s needs a batch axis", f.name))
	}
	return tensor.NewShape(in[0], tensor.Shape(in[1:]).Numel())
}

func (f *Flatten[V, W]) BuildsOwnOutputTensor() bool { return true }

func (f *Flatten[V, W]) buildOutput() error {
	out := f.OutputShape()
	if !f.channelsFirst {
		f.output = f.env.Data.CreateView(out, f.input)
		return nil
	}
	if f.input.Shape().Rank() != 4 {
		return fmt.Errorf("%w: got %v", ErrChannelsFirstRank, f.input.Shape())
	}
	f.output = f.env.Data.Create(out)
	return nil
}

func (f *Flatten[V, W]) FeedForward() {
	f.requireOutput(f.OutputShape())
	if !f.channelsFirst {
		mustCheck(f.name, f.output)
		return
	}
	in := f.requireInput(4)
	ar := f.env.Arith
	flat := f.output.Shape().Clone()

	f.output.Reshape(tensor.NewShape(in[0], in[2], in[3], in[1]))
	f.pool().For(in[1], func(c int) {
		for n := 0; n < in[0]; n++ {
			for y := 0; y < in[2]; y++ {
				for x := 0; x < in[3]; x++ {
					f.output.Set(value.Copy(ar, f.input.At(n, c, y, x)), n, y, x, c)
				}
			}
		}
	})
	f.output.Reshape(flat)
	mustCheck(f.name, f.output)
}
