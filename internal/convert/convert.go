// Package convert derives alternative weight tensors for backends that
// need pre-transformed weights, and installs them in a layer's
// conversion slot.
package convert

import (
	"fmt"
	"math"

	"github.com/23skdu/longbow-bodkin/internal/layers"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
	"golang.org/x/exp/constraints"
)

// Converter maps one weight tensor to its converted form.
type Converter[W constraints.Float] interface {
	Convert(t *tensor.Tensor[W]) *tensor.Tensor[W]
	Name() string
}

// Quantizer rounds every weight to the nearest multiple of 2^-Bits, the
// fixed-point grid integer encodings work on.
type Quantizer[W constraints.Float] struct {
	Bits    int
	Factory tensor.Factory[W]
}

func (q Quantizer[W]) Name() string { return fmt.Sprintf("fixed%d", q.Bits) }

func (q Quantizer[W]) Convert(t *tensor.Tensor[W]) *tensor.Tensor[W] {
	step := math.Ldexp(1, -q.Bits)
	out := q.Factory.Create(t.Shape())
	dst := out.Data()
	for i, v := range t.Data() {
		dst[i] = W(math.Round(float64(v)/step) * step)
	}
	return out
}

// Apply converts every tensor of l in AllWeights order and hands the list
// to SetConvertedWeights. Weightless layers are left alone.
func Apply[V any, W constraints.Float](l layers.Layer[V, W], c Converter[W]) error {
	all := l.AllWeights()
	if len(all) == 0 {
		return nil
	}
	out := make([]*tensor.Tensor[W], len(all))
	for i, t := range all {
		if t == nil {
			return fmt.Errorf("convert %s: weight %d of %s not loaded", c.Name(), i, l.Name())
		}
		out[i] = c.Convert(t)
	}
	l.SetConvertedWeights(out)
	return nil
}
