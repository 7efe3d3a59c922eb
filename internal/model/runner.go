package model

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/23skdu/longbow-bodkin/internal/cipher"
	"github.com/23skdu/longbow-bodkin/internal/simd"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
	"github.com/tuneinsight/lattigo/v4/rlwe"
)

var (
	ErrInputShape = errors.New("model: input shape mismatch")
	ErrNonFinite  = errors.New("model: non-finite input")
)

// Sample is a plaintext batch in row-major order.
type Sample struct {
	Shape []int     `cbor:"shape" json:"shape"`
	Data  []float64 `cbor:"data" json:"data"`
}

// Rows splits the sample into one slice per batch entry.
func (s Sample) Rows() [][]float64 {
	if len(s.Shape) == 0 || s.Shape[0] == 0 {
		return nil
	}
	width := len(s.Data) / s.Shape[0]
	rows := make([][]float64, s.Shape[0])
	for i := range rows {
		rows[i] = s.Data[i*width : (i+1)*width]
	}
	return rows
}

// Softmax returns a copy of s with every batch row normalized.
func Softmax(s Sample) Sample {
	out := Sample{Shape: append([]int(nil), s.Shape...), Data: append([]float64(nil), s.Data...)}
	for _, row := range out.Rows() {
		simd.SoftmaxFast(row)
	}
	return out
}

// Runner executes a model on plaintext samples. Implementations serialize
// calls because a model's tensors are reused between runs.
type Runner interface {
	Name() string
	InputShape() tensor.Shape
	Infer(ctx context.Context, in Sample) (Sample, error)
}

var (
	_ Runner = (*PlainRunner)(nil)
	_ Runner = (*CipherRunner)(nil)
)

func checkShape(want tensor.Shape, in Sample) error {
	if !want.Equal(tensor.Shape(in.Shape)) || len(in.Data) != want.Numel() {
		return fmt.Errorf("%w: want %v, got %v with %d values", ErrInputShape, want, tensor.Shape(in.Shape), len(in.Data))
	}
	// layers panic on NaN and Inf, so they never reach the model
	for i, v := range in.Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: value %d is %v", ErrNonFinite, i, v)
		}
	}
	return nil
}

// PlainRunner runs a float64 model.
type PlainRunner struct {
	mu sync.Mutex
	m  *Model[float64, float64]
}

func NewPlainRunner(m *Model[float64, float64]) *PlainRunner {
	return &PlainRunner{m: m}
}

func (r *PlainRunner) Name() string             { return r.m.Name() }
func (r *PlainRunner) InputShape() tensor.Shape { return r.m.Input().Shape() }

func (r *PlainRunner) Infer(ctx context.Context, in Sample) (Sample, error) {
	if err := checkShape(r.InputShape(), in); err != nil {
		return Sample{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.m.Input().InitFlat(in.Data); err != nil {
		return Sample{}, err
	}
	out, err := r.m.Run(ctx)
	if err != nil {
		return Sample{}, err
	}
	return Sample{Shape: out.Shape().Clone(), Data: append([]float64(nil), out.Data()...)}, nil
}

// CipherRunner encrypts each sample, runs the model on ciphertexts and
// decrypts the result. It holds the secret key, so it is meant for local
// evaluation and testing of encrypted models.
type CipherRunner struct {
	mu  sync.Mutex
	ctx *cipher.Context
	m   *Model[*rlwe.Ciphertext, float64]
}

func NewCipherRunner(ctx *cipher.Context, m *Model[*rlwe.Ciphertext, float64]) *CipherRunner {
	return &CipherRunner{ctx: ctx, m: m}
}

func (r *CipherRunner) Name() string             { return r.m.Name() }
func (r *CipherRunner) InputShape() tensor.Shape { return r.m.Input().Shape() }

func (r *CipherRunner) Infer(ctx context.Context, in Sample) (Sample, error) {
	if err := checkShape(r.InputShape(), in); err != nil {
		return Sample{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.m.Input().InitFlat(r.ctx.EncryptAll(in.Data)); err != nil {
		return Sample{}, err
	}
	out, err := r.m.Run(ctx)
	if err != nil {
		return Sample{}, err
	}
	return Sample{Shape: out.Shape().Clone(), Data: r.ctx.DecryptAll(out.Data())}, nil
}
