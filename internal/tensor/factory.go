package tensor

import (
	"fmt"
	"sync"
)

// Factory creates tensors of one value type. Implementations must be safe
// for concurrent use.
type Factory[V any] interface {
	// Create allocates a tensor of shape s filled with empty values.
	Create(s Shape) *Tensor[V]
	// CreateView returns a tensor of shape s aliasing src's storage.
	// s must hold exactly as many elements as src.
	CreateView(s Shape, src *Tensor[V]) *Tensor[V]
	// Put hands a tensor back for reuse. Views are ignored.
	Put(t *Tensor[V])
	// Empty returns the additive identity for V.
	Empty() V
}

// ensure interface compliance
var _ Factory[float64] = (*PooledFactory[float64])(nil)

// Option configures a PooledFactory.
type Option[V any] func(*PooledFactory[V])

// WithValidator attaches v to every tensor the factory creates.
func WithValidator[V any](v Validator[V]) Option[V] {
	return func(f *PooledFactory[V]) { f.check = v }
}

// WithLabel names the factory in pool metrics.
func WithLabel[V any](label string) Option[V] {
	return func(f *PooledFactory[V]) { f.label = label }
}

// PooledFactory recycles backing slices through a sync.Pool.
type PooledFactory[V any] struct {
	pool  sync.Pool
	empty func() V
	check Validator[V]
	label string
}

// NewFactory returns a factory whose tensors are cleared with empty.
func NewFactory[V any](empty func() V, opts ...Option[V]) *PooledFactory[V] {
	f := &PooledFactory[V]{empty: empty, label: "default"}
	for _, o := range opts {
		o(f)
	}
	return f
}

func (f *PooledFactory[V]) Empty() V { return f.empty() }

func (f *PooledFactory[V]) Create(s Shape) *Tensor[V] {
	size := s.Numel()
	var data []V
	if v := f.pool.Get(); v != nil {
		buf := v.([]V)
		if cap(buf) >= size {
			data = buf[:size]
			poolHits.WithLabelValues(f.label).Inc()
		}
	}
	if data == nil {
		data = make([]V, size)
		poolMisses.WithLabelValues(f.label).Inc()
	}
	t := &Tensor[V]{
		shape:   s.Clone(),
		strides: s.Strides(),
		data:    data,
		empty:   f.empty,
		check:   f.check,
	}
	t.Clear()
	return t
}

func (f *PooledFactory[V]) CreateView(s Shape, src *Tensor[V]) *Tensor[V] {
	if s.Numel() != len(src.data) {
		panic(fmt.Sprintf("tensor: view %v does not match %v", s, src.shape))
	}
	return &Tensor[V]{
		shape:   s.Clone(),
		strides: s.Strides(),
		data:    src.data,
		empty:   f.empty,
		check:   f.check,
		view:    true,
	}
}

func (f *PooledFactory[V]) Put(t *Tensor[V]) {
	if t == nil || t.view {
		return
	}
	buf := t.data
	t.data = nil
	f.pool.Put(buf) //nolint:staticcheck
}
