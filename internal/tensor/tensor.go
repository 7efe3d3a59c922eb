package tensor

import (
	"errors"
	"fmt"
)

// ErrShapeMismatch is returned when initial data does not fit a tensor.
var ErrShapeMismatch = errors.New("tensor: shape mismatch")

// Validator inspects a tensor's elements after a layer has written them.
// Plaintext tensors reject NaN/Inf, ciphertext tensors reject exhausted
// levels or corrupted scales.
type Validator[V any] interface {
	Validate(v V) error
}

// Tensor is a dense row-major tensor of values. Views created through
// Factory.CreateView share the backing storage of their source.
type Tensor[V any] struct {
	shape   Shape
	strides []int
	data    []V
	empty   func() V
	check   Validator[V]
	view    bool
}

// Shape returns the tensor's current shape. Callers must not modify it.
func (t *Tensor[V]) Shape() Shape { return t.shape }

// Data exposes the backing storage in row-major order.
func (t *Tensor[V]) Data() []V { return t.data }

// IsView reports whether t aliases another tensor's storage.
func (t *Tensor[V]) IsView() bool { return t.view }

// Empty returns a fresh additive identity for this tensor's value type.
func (t *Tensor[V]) Empty() V { return t.empty() }

func (t *Tensor[V]) offset(idx []int) int {
	if len(idx) != len(t.shape) {
		panic(fmt.Sprintf("tensor: %d indices for rank %d tensor", len(idx), len(t.shape)))
	}
	off := 0
	for i, x := range idx {
		if x < 0 || x >= t.shape[i] {
			panic(fmt.Sprintf("tensor: index %v out of bounds for shape %v", idx, t.shape))
		}
		off += x * t.strides[i]
	}
	return off
}

// At returns the element at idx.
func (t *Tensor[V]) At(idx ...int) V {
	return t.data[t.offset(idx)]
}

// Set stores v at idx.
func (t *Tensor[V]) Set(v V, idx ...int) {
	t.data[t.offset(idx)] = v
}

// Reshape changes the shape in place. The element count must not change.
func (t *Tensor[V]) Reshape(s Shape) {
	if s.Numel() != t.shape.Numel() {
		panic(fmt.Sprintf("tensor: cannot reshape %v to %v", t.shape, s))
	}
	t.shape = s.Clone()
	t.strides = t.shape.Strides()
}

// Clear resets every element to the empty value.
func (t *Tensor[V]) Clear() {
	for i := range t.data {
		t.data[i] = t.empty()
	}
}

// Feed copies the elements of src into t. Shapes must hold the same count.
func (t *Tensor[V]) Feed(src *Tensor[V]) {
	if len(src.data) != len(t.data) {
		panic(fmt.Sprintf("tensor: cannot feed %v into %v", src.shape, t.shape))
	}
	copy(t.data, src.data)
}

// InitFlat fills the tensor from a flat row-major slice.
func (t *Tensor[V]) InitFlat(vals []V) error {
	if len(vals) != len(t.data) {
		return fmt.Errorf("%w: %d values for shape %v", ErrShapeMismatch, len(vals), t.shape)
	}
	copy(t.data, vals)
	return nil
}

// InitRows fills the tensor from nested rows, as read from weight files.
func (t *Tensor[V]) InitRows(rows [][]V) error {
	n := 0
	for _, r := range rows {
		n += len(r)
	}
	if n != len(t.data) {
		return fmt.Errorf("%w: %d rows holding %d values for shape %v", ErrShapeMismatch, len(rows), n, t.shape)
	}
	off := 0
	for _, r := range rows {
		off += copy(t.data[off:], r)
	}
	return nil
}

// PerformChecks validates every element. Tensors without a validator
// always pass.
func (t *Tensor[V]) PerformChecks() error {
	if t.check == nil {
		return nil
	}
	for i, v := range t.data {
		if err := t.check.Validate(v); err != nil {
			return fmt.Errorf("element %d of %v: %w", i, t.shape, err)
		}
	}
	return nil
}
