package layers

import (
	"fmt"

	"github.com/23skdu/longbow-bodkin/internal/activation"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
	"github.com/23skdu/longbow-bodkin/internal/value"
	"golang.org/x/exp/constraints"
)

var _ Layer[float64, float64] = (*AveragePooling[float64, float64])(nil)

// AveragePooling averages square windows of each channel. With SAME padding
// border cells average only over the taps inside the input.
type AveragePooling[V any, W constraints.Float] struct {
	Base[V, W]
	scaler  value.Scaler[V]
	kernel  int
	stride  int
	padding Padding
}

// NewAveragePooling takes a ScalingArithmetic because the divisor is a
// plaintext reciprocal; it replaces env.Arith for this layer. A nil act
// is linear.
func NewAveragePooling[V any, W constraints.Float](name string, ar value.ScalingArithmetic[V, W],
	kernel, stride int, padding Padding, act activation.Activation[V], env Env[V, W]) *AveragePooling[V, W] {
	if kernel <= 0 {
		panic(fmt.Sprintf("layers: average pooling %s needs a positive kernel, got %d", name, kernel))
	}
	env.Arith = ar
	return &AveragePooling[V, W]{
		Base:    newBase[V, W](name, act, env),
		scaler:  ar,
		kernel:  kernel,
		stride:  stride,
		padding: padding,
	}
}

func (p *AveragePooling[V, W]) Kind() Kind { return KindAveragePooling }

func (p *AveragePooling[V, W]) Description() string {
	return fmt.Sprintf("AveragePooling %s: %dx%d stride %d %s, %s", p.name, p.kernel, p.kernel, p.stride, p.padding, p.act.Name())
}

func (p *AveragePooling[V, W]) OutputShape() tensor.Shape {
	in := p.requireInput(4)
	return tensor.NewShape(in[0], in[1],
		outDim(in[2], p.kernel, p.stride, p.padding),
		outDim(in[3], p.kernel, p.stride, p.padding))
}

func (p *AveragePooling[V, W]) FeedForward() {
	in := p.requireInput(4)
	out := p.OutputShape()
	p.requireOutput(out)

	p.pool().For(in[1], func(c int) {
		for n := 0; n < in[0]; n++ {
			if p.padding == Same {
				p.sameChannel(n, c, in)
			} else {
				p.validChannel(n, c, in, out)
			}
		}
	})
	mustCheck(p.name, p.output)
}

// sameChannel divides each cell by its own count of in-bounds taps.
func (p *AveragePooling[V, W]) sameChannel(n, c int, in tensor.Shape) {
	ar := p.env.Arith
	padTop := leadingPad(in[2], p.kernel, p.stride)
	padLeft := leadingPad(in[3], p.kernel, p.stride)

	for y := 0; y < in[2]; y += p.stride {
		for x := 0; x < in[3]; x += p.stride {
			acc := ar.Empty()
			uses := 0
			for fy := 0; fy < p.kernel; fy++ {
				iy := y + fy - padTop
				if iy < 0 || iy >= in[2] {
					continue
				}
				for fx := 0; fx < p.kernel; fx++ {
					ix := x + fx - padLeft
					if ix < 0 || ix >= in[3] {
						continue
					}
					acc = ar.Add(acc, p.input.At(n, c, iy, ix))
					uses++
				}
			}
			if uses == 0 {
				panic(fmt.Sprintf("layers: %s window at (%d, %d) has no taps", p.name, y, x))
			}
			p.output.Set(p.act.Activate(p.scaler.Scale(acc, 1/float64(uses))), n, c, y/p.stride, x/p.stride)
		}
	}
}

// validChannel keeps windows starting at (y, x) that fit entirely and
// packs them into the output in row-major order.
func (p *AveragePooling[V, W]) validChannel(n, c int, in, out tensor.Shape) {
	ar := p.env.Arith
	inv := 1 / float64(p.kernel*p.kernel)
	cells := out[2] * out[3]

	for y := 0; y < out[2]; y++ {
		for x := 0; x < out[3]; x++ {
			p.output.Set(ar.Empty(), n, c, y, x)
		}
	}

	idx := 0
	for y := 0; y < in[2]; y += p.stride {
		if y+p.kernel > in[2] {
			continue
		}
		for x := 0; x < in[3]; x += p.stride {
			if x+p.kernel > in[3] || idx >= cells {
				continue
			}
			acc := ar.Empty()
			for fy := 0; fy < p.kernel; fy++ {
				for fx := 0; fx < p.kernel; fx++ {
					acc = ar.Add(acc, p.input.At(n, c, y+fy, x+fx))
				}
			}
			p.output.Set(p.act.Activate(p.scaler.Scale(acc, inv)), n, c, idx/out[3], idx%out[3])
			idx++
		}
	}
}
