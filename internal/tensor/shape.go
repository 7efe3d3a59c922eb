package tensor

import (
	"fmt"
	"strings"
)

// Shape is an ordered sequence of dimension sizes. Index 0 is the batch.
type Shape []int

// NewShape validates dims and returns them as a Shape.
func NewShape(dims ...int) Shape {
	for i, d := range dims {
		if d < 0 {
			panic(fmt.Sprintf("tensor: negative dimension %d at axis %d", d, i))
		}
	}
	s := make(Shape, len(dims))
	copy(s, dims)
	return s
}

func (s Shape) Rank() int { return len(s) }

// At returns the size of axis i.
func (s Shape) At(i int) int {
	if i < 0 || i >= len(s) {
		panic(fmt.Sprintf("tensor: axis %d out of range for shape %v", i, s))
	}
	return s[i]
}

// Numel is the product of all dimensions. A rank-0 shape holds one element.
func (s Shape) Numel() int {
	n := 1
	for _, d := range s {
		n *= d
	}
	return n
}

// Strides returns row-major strides for s.
func (s Shape) Strides() []int {
	st := make([]int, len(s))
	acc := 1
	for i := len(s) - 1; i >= 0; i-- {
		st[i] = acc
		acc *= s[i]
	}
	return st
}

func (s Shape) Equal(o Shape) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}

func (s Shape) Clone() Shape {
	c := make(Shape, len(s))
	copy(c, s)
	return c
}

func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, d := range s {
		parts[i] = fmt.Sprint(d)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
