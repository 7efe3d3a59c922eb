// Package simd holds approximated float kernels for the plaintext
// softmax applied to predictions.
package simd

import (
	"math"

	"golang.org/x/exp/constraints"
)

// ExpFast is a fast approximation of exp(x).
// Uses the identity exp(x) = 2^(x/ln2) and a cubic for the fractional power.
func ExpFast[F constraints.Float](x F) F {
	v := float64(x)
	if v > 88 {
		return F(1e38)
	}
	if v < -88 {
		return 0
	}

	const log2e = 1.4426950408889634
	t := v * log2e
	k := int(t)
	if t < 0 {
		k--
	}

	// fractional part in [0, 1)
	f := t - float64(k)
	p := 1.0 + f*(0.6931471805599453+f*(0.24022650695910072+f*0.05550410866482157))

	return F(math.Ldexp(p, k))
}

// SoftmaxFast applies softmax in place to a row.
func SoftmaxFast[F constraints.Float](row []F) {
	if len(row) == 0 {
		return
	}
	max := row[0]
	for _, v := range row {
		if v > max {
			max = v
		}
	}

	var sum F
	for i, v := range row {
		row[i] = ExpFast(v - max)
		sum += row[i]
	}

	inv := 1 / sum
	for i := range row {
		row[i] *= inv
	}
}
