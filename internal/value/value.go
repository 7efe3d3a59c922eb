// Package value defines the arithmetic a layer needs from its element type.
// Layers never touch a value directly; every add or multiply goes through an
// Arithmetic, so the same algorithm runs over floats or ciphertexts.
package value

import (
	"golang.org/x/exp/constraints"
)

// Arithmetic is the minimal capability set every layer requires.
// W is the plaintext type of weights and biases.
//
// Implementations must be safe for concurrent use: layers call them from
// many goroutines at once, each on distinct values.
type Arithmetic[V any, W constraints.Float] interface {
	// Empty returns a fresh additive identity.
	Empty() V
	// Add returns acc + v. The result may reuse acc's storage; v is never
	// modified.
	Add(acc, v V) V
	// AddWeight returns acc + w.
	AddWeight(acc V, w W) V
	// MulWeight returns v * w. The result may reuse v's storage.
	MulWeight(v V, w W) V
}

// Scaler multiplies values by an arbitrary plaintext scalar.
type Scaler[V any] interface {
	Scale(v V, s float64) V
}

// Multiplier multiplies two values together.
type Multiplier[V any] interface {
	Mul(a, b V) V
}

// ScalingArithmetic is required by pooling layers, which divide by a tap
// count.
type ScalingArithmetic[V any, W constraints.Float] interface {
	Arithmetic[V, W]
	Scaler[V]
}

// Copy returns an independent copy of v.
func Copy[V any, W constraints.Float](a Arithmetic[V, W], v V) V {
	return a.Add(a.Empty(), v)
}

// MulAdd returns acc + v*w without modifying v.
func MulAdd[V any, W constraints.Float](a Arithmetic[V, W], acc, v V, w W) V {
	return a.Add(acc, a.MulWeight(Copy(a, v), w))
}
