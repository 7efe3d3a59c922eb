package layers

import (
	"fmt"

	"github.com/23skdu/longbow-bodkin/internal/activation"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
	"github.com/23skdu/longbow-bodkin/internal/value"
	"golang.org/x/exp/constraints"
)

var _ Layer[float64, float64] = (*ZeroPadding2D[float64, float64])(nil)

// ZeroPadding2D surrounds every channel with a border of empty values.
type ZeroPadding2D[V any, W constraints.Float] struct {
	Base[V, W]
	padding int
}

func NewZeroPadding2D[V any, W constraints.Float](name string, padding int, env Env[V, W]) *ZeroPadding2D[V, W] {
	if padding < 0 {
		panic(fmt.Sprintf("layers: zero padding %s needs a non-negative size, got %d", name, padding))
	}
	return &ZeroPadding2D[V, W]{Base: newBase[V, W](name, activation.Linear[V]{}, env), padding: padding}
}

func (z *ZeroPadding2D[V, W]) Kind() Kind { return KindZeroPadding2D }

func (z *ZeroPadding2D[V, W]) Description() string {
	return fmt.Sprintf("ZeroPadding2D %s: %d", z.name, z.padding)
}

func (z *ZeroPadding2D[V, W]) OutputShape() tensor.Shape {
	in := z.requireInput(4)
	return tensor.NewShape(in[0], in[1], in[2]+2*z.padding, in[3]+2*z.padding)
}

func (z *ZeroPadding2D[V, W]) FeedForward() {
	in := z.requireInput(4)
	z.requireOutput(z.OutputShape())
	ar := z.env.Arith
	p := z.padding

	z.output.Clear()
	z.pool().For(in[1], func(c int) {
		for n := 0; n < in[0]; n++ {
			for y := 0; y < in[2]; y++ {
				for x := 0; x < in[3]; x++ {
					z.output.Set(value.Copy(ar, z.input.At(n, c, y, x)), n, c, y+p, x+p)
				}
			}
		}
	})
	mustCheck(z.name, z.output)
}
