package layers

import (
	"fmt"
	"strings"
)

// Padding selects how windows treat the input border.
type Padding int

const (
	// Same keeps ceil(in/stride) outputs; out-of-bounds taps contribute
	// nothing.
	Same Padding = iota
	// Valid discards every window that leaves the input.
	Valid
)

func (p Padding) String() string {
	if p == Valid {
		return "valid"
	}
	return "same"
}

// ParsePadding accepts "same" or "valid" in any case.
func ParsePadding(s string) (Padding, error) {
	switch strings.ToLower(s) {
	case "same", "":
		return Same, nil
	case "valid":
		return Valid, nil
	}
	return Same, fmt.Errorf("layers: unknown padding %q", s)
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

// outDim is the spatial output size along one axis.
func outDim(in, kernel, stride int, p Padding) int {
	if stride <= 0 {
		panic(fmt.Sprintf("layers: stride must be positive, got %d", stride))
	}
	if p == Same {
		return ceilDiv(in, stride)
	}
	n := in - kernel + 1
	if n <= 0 {
		panic(fmt.Sprintf("layers: kernel %d larger than input %d with valid padding", kernel, in))
	}
	return ceilDiv(n, stride)
}

// leadingPad is the top or left padding for SAME along one axis.
// The trailing edge takes the remainder implicitly.
func leadingPad(in, kernel, stride int) int {
	var total int
	if in%stride == 0 {
		total = kernel - stride
	} else {
		total = kernel - in%stride
	}
	if total < 0 {
		total = 0
	}
	return total / 2
}

// centeredSpan returns the tap offsets of a VALID convolution window
// centred on the output position.
func centeredSpan(kernel int) (from, to int) {
	from = -(kernel / 2)
	to = kernel / 2
	if kernel%2 == 0 {
		to--
	}
	return from, to
}
