package layers

import (
	"fmt"
	"math"

	"github.com/23skdu/longbow-bodkin/internal/tensor"
	"github.com/23skdu/longbow-bodkin/internal/weights"
	"golang.org/x/exp/constraints"
	"gonum.org/v1/gonum/stat/distuv"
)

// glorot fills a new tensor of shape s from U(-limit, limit) with
// limit = sqrt(6 / (fanIn + fanOut)).
func glorot[W constraints.Float](f tensor.Factory[W], s tensor.Shape, fanIn, fanOut int) *tensor.Tensor[W] {
	limit := math.Sqrt(6.0 / float64(fanIn+fanOut))
	dist := distuv.Uniform{Min: -limit, Max: limit}
	t := f.Create(s)
	data := t.Data()
	for i := range data {
		data[i] = W(dist.Rand())
	}
	return t
}

// loadText reads path into a new tensor holding shape s.
func loadText[W constraints.Float](f tensor.Factory[W], path string, s tensor.Shape) (*tensor.Tensor[W], error) {
	rows, err := weights.ReadText[W](path)
	if err != nil {
		return nil, err
	}
	t := f.Create(s)
	if err := t.InitRows(rows); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}
