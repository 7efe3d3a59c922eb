// Package activation provides the element-wise functions applied after a
// layer's bias.
package activation

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/23skdu/longbow-bodkin/internal/value"
	"golang.org/x/exp/constraints"
)

// ErrUnknown is returned by Lookup for an unregistered activation name.
var ErrUnknown = errors.New("activation: unknown")

// Activation transforms a value in place. Activate returns the value to
// store, which may share storage with v.
type Activation[V any] interface {
	Activate(v V) V
	Name() string
}

// Linear is the identity.
type Linear[V any] struct{}

func (Linear[V]) Activate(v V) V { return v }
func (Linear[V]) Name() string   { return "linear" }

// Square computes v*v. It is the usual polynomial stand-in for ReLU under
// homomorphic encryption.
type Square[V any] struct {
	M value.Multiplier[V]
}

func (s Square[V]) Activate(v V) V { return s.M.Mul(v, v) }
func (Square[V]) Name() string     { return "square" }

type ReLU[F constraints.Float] struct{}

func (ReLU[F]) Activate(v F) F {
	if v < 0 {
		return 0
	}
	return v
}
func (ReLU[F]) Name() string { return "relu" }

type Sigmoid[F constraints.Float] struct{}

func (Sigmoid[F]) Activate(v F) F { return F(1 / (1 + math.Exp(-float64(v)))) }
func (Sigmoid[F]) Name() string   { return "sigmoid" }

type Tanh[F constraints.Float] struct{}

func (Tanh[F]) Activate(v F) F { return F(math.Tanh(float64(v))) }
func (Tanh[F]) Name() string   { return "tanh" }

// Lookup resolves a plaintext activation by name. An empty name is linear.
func Lookup[F constraints.Float](name string) (Activation[F], error) {
	switch strings.ToLower(name) {
	case "", "linear":
		return Linear[F]{}, nil
	case "square":
		return Square[F]{M: value.Plain[F]{}}, nil
	case "relu":
		return ReLU[F]{}, nil
	case "sigmoid":
		return Sigmoid[F]{}, nil
	case "tanh":
		return Tanh[F]{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknown, name)
}
