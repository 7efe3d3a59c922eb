// Package model chains layers into a network and runs them in order.
package model

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/23skdu/longbow-bodkin/internal/convert"
	"github.com/23skdu/longbow-bodkin/internal/layers"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
	"github.com/23skdu/longbow-bodkin/internal/weights"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/exp/constraints"
)

var (
	ErrEmpty       = errors.New("model: no layers")
	ErrRawTrailing = errors.New("model: raw weights longer than the model")
)

// Model owns an input tensor and a sequence of layers, each reading the
// previous layer's output.
type Model[V any, W constraints.Float] struct {
	name   string
	env    layers.Env[V, W]
	input  *tensor.Tensor[V]
	layers []layers.Layer[V, W]
	ready  bool
}

// New creates an empty model fed from a tensor of shape input.
func New[V any, W constraints.Float](name string, input tensor.Shape, env layers.Env[V, W]) *Model[V, W] {
	return &Model[V, W]{
		name:  name,
		env:   env,
		input: env.Data.Create(input),
	}
}

func (m *Model[V, W]) Name() string                 { return m.name }
func (m *Model[V, W]) Env() layers.Env[V, W]        { return m.env }
func (m *Model[V, W]) Input() *tensor.Tensor[V]     { return m.input }
func (m *Model[V, W]) Layers() []layers.Layer[V, W] { return m.layers }

// Output is the last layer's output, or the input of an empty model.
func (m *Model[V, W]) Output() *tensor.Tensor[V] {
	if len(m.layers) == 0 {
		return m.input
	}
	return m.layers[len(m.layers)-1].Output()
}

// Add connects l to the current output.
func (m *Model[V, W]) Add(l layers.Layer[V, W]) error {
	if err := layers.Connect(l, m.Output()); err != nil {
		return err
	}
	m.layers = append(m.layers, l)
	m.ready = false
	log.Debug().Str("model", m.name).Str("layer", l.Name()).
		Str("output_shape", l.Output().Shape().String()).Msg("layer added")
	return nil
}

// Setup prepares every layer's extra state. Run calls it when needed.
func (m *Model[V, W]) Setup() {
	for _, l := range m.layers {
		l.Setup()
	}
	m.ready = true
}

// Run feeds the input through every layer. Cancellation is honored
// between layers.
func (m *Model[V, W]) Run(ctx context.Context) (*tensor.Tensor[V], error) {
	if len(m.layers) == 0 {
		return nil, ErrEmpty
	}
	if !m.ready {
		m.Setup()
	}
	ctx, span := otel.Tracer("bodkin-model").Start(ctx, "model.Run")
	defer span.End()
	span.SetAttributes(
		attribute.String("model.name", m.name),
		attribute.Int("model.layers", len(m.layers)),
	)

	for _, l := range m.layers {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("model %s stopped before %s: %w", m.name, l.Name(), err)
		}
		layers.Run(ctx, l)
	}
	return m.Output(), nil
}

// LoadWeights reads text weight files for every layer from dir.
func (m *Model[V, W]) LoadWeights(dir string) error {
	for _, l := range m.layers {
		if err := l.LoadWeights(dir); err != nil {
			return err
		}
	}
	return nil
}

// RandomInit gives every weighted layer fresh random weights.
func (m *Model[V, W]) RandomInit() {
	for _, l := range m.layers {
		l.RandomInit()
	}
}

// ConvertWeights fills every layer's conversion slot using c.
func (m *Model[V, W]) ConvertWeights(c convert.Converter[W]) error {
	for _, l := range m.layers {
		if err := convert.Apply(l, c); err != nil {
			return err
		}
	}
	return nil
}

// Bundle captures all weights, each layer in AllWeights order.
func (m *Model[V, W]) Bundle() (*weights.Bundle, error) {
	b := &weights.Bundle{Model: m.name}
	for _, l := range m.layers {
		all := l.AllWeights()
		if len(all) == 0 {
			continue
		}
		lw := weights.LayerWeights{Name: l.Name(), Kind: l.Kind().String()}
		for i, t := range all {
			if t == nil {
				return nil, fmt.Errorf("layer %s weight %d not loaded", l.Name(), i)
			}
			data := make([]float64, len(t.Data()))
			for j, v := range t.Data() {
				data[j] = float64(v)
			}
			lw.Tensors = append(lw.Tensors, weights.Entry{Shape: t.Shape().Clone(), Data: data})
		}
		b.Layers = append(b.Layers, lw)
	}
	return b, nil
}

// ExportWeights writes a CBOR weight bundle.
func (m *Model[V, W]) ExportWeights(w io.Writer) error {
	b, err := m.Bundle()
	if err != nil {
		return err
	}
	return weights.Encode(w, b)
}

// ImportWeights reads a CBOR bundle written by ExportWeights.
func (m *Model[V, W]) ImportWeights(r io.Reader) error {
	b, err := weights.Decode(r)
	if err != nil {
		return err
	}
	return m.ApplyBundle(b)
}

// ExportRaw writes every weight as little-endian float32, layer by layer
// in AllWeights order, with no header.
func (m *Model[V, W]) ExportRaw(w io.Writer) error {
	for _, l := range m.layers {
		for i, t := range l.AllWeights() {
			if t == nil {
				return fmt.Errorf("layer %s weight %d not loaded", l.Name(), i)
			}
			if err := weights.WriteRaw(w, t.Data()); err != nil {
				return fmt.Errorf("layer %s weight %d: %w", l.Name(), i, err)
			}
		}
	}
	return nil
}

// ImportRaw reads weights in the ExportRaw layout. Tensor sizes come from
// each layer's WeightShapes, so the model must be built first.
func (m *Model[V, W]) ImportRaw(r io.Reader) error {
	for _, l := range m.layers {
		shapes := l.WeightShapes()
		if len(shapes) == 0 {
			continue
		}
		ts := make([]*tensor.Tensor[W], len(shapes))
		for i, s := range shapes {
			vals, err := weights.ReadRaw[W](r, s.Numel())
			if err != nil {
				return fmt.Errorf("layer %s weight %d: %w", l.Name(), i, err)
			}
			ts[i] = m.env.Weights.Create(s)
			if err := ts[i].InitFlat(vals); err != nil {
				return err
			}
		}
		if err := layers.SetAllWeights(l, ts); err != nil {
			return err
		}
	}
	var extra [1]byte
	if _, err := io.ReadFull(r, extra[:]); err == nil {
		return ErrRawTrailing
	}
	log.Debug().Str("model", m.name).Int("params", m.Params()).Msg("Imported raw weights")
	return nil
}

// ApplyBundle installs the weights of every weighted layer from b.
func (m *Model[V, W]) ApplyBundle(b *weights.Bundle) error {
	for _, l := range m.layers {
		shapes := l.WeightShapes()
		if len(shapes) == 0 {
			continue
		}
		lw, err := b.Layer(l.Name())
		if err != nil {
			return err
		}
		ts := make([]*tensor.Tensor[W], len(lw.Tensors))
		for i, e := range lw.Tensors {
			t := m.env.Weights.Create(tensor.NewShape(e.Shape...))
			data := t.Data()
			if len(e.Data) != len(data) {
				return fmt.Errorf("layer %s weight %d: %w", l.Name(), i, tensor.ErrShapeMismatch)
			}
			for j, v := range e.Data {
				data[j] = W(v)
			}
			ts[i] = t
		}
		if err := layers.SetAllWeights(l, ts); err != nil {
			return err
		}
	}
	return nil
}

// Clear releases every tensor the model holds.
func (m *Model[V, W]) Clear() {
	for _, l := range m.layers {
		if out := l.Output(); out != nil {
			m.env.Data.Put(out)
		}
		l.Clear()
	}
	m.layers = nil
	m.ready = false
}
