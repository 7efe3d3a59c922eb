package value

import (
	"errors"
	"math"

	"golang.org/x/exp/constraints"
)

// ErrNotFinite marks a plaintext value that overflowed or became NaN.
var ErrNotFinite = errors.New("value: not finite")

// ensure interface compliance
var (
	_ ScalingArithmetic[float64, float64] = Plain[float64]{}
	_ Multiplier[float32]                 = Plain[float32]{}
)

// Plain is the arithmetic of ordinary floats. Values and weights share F.
type Plain[F constraints.Float] struct{}

func (Plain[F]) Empty() F               { return 0 }
func (Plain[F]) Add(acc, v F) F         { return acc + v }
func (Plain[F]) AddWeight(acc, w F) F   { return acc + w }
func (Plain[F]) MulWeight(v, w F) F     { return v * w }
func (Plain[F]) Scale(v F, s float64) F { return v * F(s) }
func (Plain[F]) Mul(a, b F) F           { return a * b }

// Finite rejects NaN and infinite values.
type Finite[F constraints.Float] struct{}

func (Finite[F]) Validate(v F) error {
	f := float64(v)
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return ErrNotFinite
	}
	return nil
}
