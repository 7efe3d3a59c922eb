package layers

import (
	"fmt"

	"github.com/23skdu/longbow-bodkin/internal/activation"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
	"github.com/23skdu/longbow-bodkin/internal/value"
	"github.com/23skdu/longbow-bodkin/internal/weights"
	"golang.org/x/exp/constraints"
)

var _ Layer[float64, float64] = (*Conv2D[float64, float64])(nil)

// Conv2D is a square-kernel 2D convolution over [batch, channels, h, w]
// inputs. Weights are [filters, channels, k, k] and biases [filters].
type Conv2D[V any, W constraints.Float] struct {
	Base[V, W]
	filters int
	kernel  int
	stride  int
	padding Padding
}

func NewConv2D[V any, W constraints.Float](name string, filters, kernel, stride int, padding Padding,
	act activation.Activation[V], env Env[V, W]) *Conv2D[V, W] {
	if filters <= 0 || kernel <= 0 {
		panic(fmt.Sprintf("layers: conv2d %s needs positive filters and kernel, got %d and %d", name, filters, kernel))
	}
	return &Conv2D[V, W]{
		Base:    newBase(name, act, env),
		filters: filters,
		kernel:  kernel,
		stride:  stride,
		padding: padding,
	}
}

func (c *Conv2D[V, W]) Kind() Kind { return KindConv2D }

func (c *Conv2D[V, W]) Description() string {
	return fmt.Sprintf("Conv2D %s: %d filters %dx%d stride %d %s, %s", c.name, c.filters,
		c.kernel, c.kernel, c.stride, c.padding, c.act.Name())
}

func (c *Conv2D[V, W]) OutputShape() tensor.Shape {
	in := c.requireInput(4)
	return tensor.NewShape(in[0], c.filters,
		outDim(in[2], c.kernel, c.stride, c.padding),
		outDim(in[3], c.kernel, c.stride, c.padding))
}

func (c *Conv2D[V, W]) WeightShapes() []tensor.Shape {
	in := c.requireInput(4)
	return []tensor.Shape{
		tensor.NewShape(c.filters, in[1], c.kernel, c.kernel),
		tensor.NewShape(c.filters),
	}
}

func (c *Conv2D[V, W]) AllWeights() []*tensor.Tensor[W] {
	return []*tensor.Tensor[W]{c.weights, c.biases}
}

func (c *Conv2D[V, W]) LoadWeights(dir string) error {
	return c.LoadWeightsFile(dir, c.name)
}

// LoadWeightsFile reads a [filters*channels, k*k] matrix and a bias row.
func (c *Conv2D[V, W]) LoadWeightsFile(dir, file string) error {
	if c.input == nil {
		return fmt.Errorf("%w: %s", ErrNotConnected, c.name)
	}
	shapes := c.WeightShapes()
	p := weights.Paths(dir, file)
	w, err := loadText(c.env.Weights, p.Weights, shapes[0])
	if err != nil {
		return fmt.Errorf("failed to load conv2d %s weights: %w", c.name, err)
	}
	b, err := loadText(c.env.Weights, p.Bias, shapes[1])
	if err != nil {
		return fmt.Errorf("failed to load conv2d %s bias: %w", c.name, err)
	}
	return SetAllWeights[V, W](c, []*tensor.Tensor[W]{w, b})
}

func (c *Conv2D[V, W]) RandomInit() {
	shapes := c.WeightShapes()
	channels := shapes[0][1]
	area := c.kernel * c.kernel
	c.weights = glorot(c.env.Weights, shapes[0], channels*area, c.filters*area)
	c.biases = glorot(c.env.Weights, shapes[1], channels*area, c.filters*area)
}

func (c *Conv2D[V, W]) FeedForward() {
	in := c.requireInput(4)
	out := c.OutputShape()
	c.requireOutput(out)
	w := c.weightAt(0, c.weights)
	b := c.weightAt(1, c.biases)
	c.requireWeights(w, b)
	if !w.Shape().Equal(c.WeightShapes()[0]) {
		panic(fmt.Sprintf("layers: conv2d %s weights are %v, want %v", c.name, w.Shape(), c.WeightShapes()[0]))
	}

	c.pool().For(c.filters, func(f int) {
		c.clearFilter(f, out)
		if c.padding == Same {
			c.sameFilter(f, in, w)
		} else {
			c.validFilter(f, in, out, w)
		}
		c.finishFilter(f, out, b)
	})
	mustCheck(c.name, c.output)
}

func (c *Conv2D[V, W]) clearFilter(f int, out tensor.Shape) {
	for n := 0; n < out[0]; n++ {
		for y := 0; y < out[2]; y++ {
			for x := 0; x < out[3]; x++ {
				c.output.Set(c.env.Arith.Empty(), n, f, y, x)
			}
		}
	}
}

// sameFilter skips each out-of-bounds tap on its own.
func (c *Conv2D[V, W]) sameFilter(f int, in tensor.Shape, w *tensor.Tensor[W]) {
	ar := c.env.Arith
	padTop := leadingPad(in[2], c.kernel, c.stride)
	padLeft := leadingPad(in[3], c.kernel, c.stride)

	for n := 0; n < in[0]; n++ {
		for d := 0; d < in[1]; d++ {
			for y := 0; y < in[2]; y += c.stride {
				for x := 0; x < in[3]; x += c.stride {
					oy, ox := y/c.stride, x/c.stride
					acc := c.output.At(n, f, oy, ox)
					for fy := 0; fy < c.kernel; fy++ {
						iy := y + fy - padTop
						if iy < 0 || iy >= in[2] {
							continue
						}
						for fx := 0; fx < c.kernel; fx++ {
							ix := x + fx - padLeft
							if ix < 0 || ix >= in[3] {
								continue
							}
							acc = value.MulAdd(ar, acc, c.input.At(n, d, iy, ix), w.At(f, d, fy, fx))
						}
					}
					c.output.Set(acc, n, f, oy, ox)
				}
			}
		}
	}
}

// validFilter drops a whole position as soon as one tap leaves the input.
// Windows are centred on the position and kept positions fill the output
// in row-major order.
func (c *Conv2D[V, W]) validFilter(f int, in, out tensor.Shape, w *tensor.Tensor[W]) {
	ar := c.env.Arith
	from, to := centeredSpan(c.kernel)
	half := c.kernel / 2
	cells := out[2] * out[3]

	for n := 0; n < in[0]; n++ {
		for d := 0; d < in[1]; d++ {
			idx := 0
			for y := 0; y < in[2]; y += c.stride {
				if y+from < 0 || y+to >= in[2] {
					continue
				}
				for x := 0; x < in[3]; x += c.stride {
					if x+from < 0 || x+to >= in[3] {
						continue
					}
					if idx >= cells {
						continue
					}
					oy, ox := idx/out[3], idx%out[3]
					idx++
					acc := c.output.At(n, f, oy, ox)
					for fy := from; fy <= to; fy++ {
						for fx := from; fx <= to; fx++ {
							acc = value.MulAdd(ar, acc, c.input.At(n, d, y+fy, x+fx), w.At(f, d, fy+half, fx+half))
						}
					}
					c.output.Set(acc, n, f, oy, ox)
				}
			}
		}
	}
}

func (c *Conv2D[V, W]) finishFilter(f int, out tensor.Shape, b *tensor.Tensor[W]) {
	ar := c.env.Arith
	bias := b.At(f)
	for n := 0; n < out[0]; n++ {
		for y := 0; y < out[2]; y++ {
			for x := 0; x < out[3]; x++ {
				v := ar.AddWeight(c.output.At(n, f, y, x), bias)
				c.output.Set(c.act.Activate(v), n, f, y, x)
			}
		}
	}
}
