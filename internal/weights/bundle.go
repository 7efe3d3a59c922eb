package weights

import (
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// ErrLayerMissing is returned when a bundle lacks a requested layer.
var ErrLayerMissing = errors.New("weights: layer missing from bundle")

// Entry is one tensor in row-major order.
type Entry struct {
	Shape []int     `cbor:"shape"`
	Data  []float64 `cbor:"data"`
}

// LayerWeights holds a layer's tensors in its AllWeights order.
type LayerWeights struct {
	Name    string  `cbor:"name"`
	Kind    string  `cbor:"kind"`
	Tensors []Entry `cbor:"tensors"`
}

// Bundle is the serialized form of every weight in a model.
type Bundle struct {
	Model  string         `cbor:"model"`
	Layers []LayerWeights `cbor:"layers"`
}

// Layer looks up a layer by name.
func (b *Bundle) Layer(name string) (LayerWeights, error) {
	for _, l := range b.Layers {
		if l.Name == name {
			return l, nil
		}
	}
	return LayerWeights{}, fmt.Errorf("%w: %s", ErrLayerMissing, name)
}

// Params counts every scalar in the bundle.
func (b *Bundle) Params() int {
	n := 0
	for _, l := range b.Layers {
		for _, e := range l.Tensors {
			n += len(e.Data)
		}
	}
	return n
}

// Encode writes b as CBOR.
func Encode(w io.Writer, b *Bundle) error {
	if err := cbor.NewEncoder(w).Encode(b); err != nil {
		return fmt.Errorf("failed to encode weight bundle: %w", err)
	}
	return nil
}

// Decode reads a CBOR bundle.
func Decode(r io.Reader) (*Bundle, error) {
	var b Bundle
	if err := cbor.NewDecoder(r).Decode(&b); err != nil {
		return nil, fmt.Errorf("failed to decode weight bundle: %w", err)
	}
	return &b, nil
}
