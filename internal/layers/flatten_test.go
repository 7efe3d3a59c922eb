package layers

import (
	"testing"

	"github.com/23skdu/longbow-bodkin/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlattenIsView(t *testing.T) {
	env := testEnv(2)
	in := newInput(t, env, tensor.NewShape(2, 2, 2, 3), seq(24))
	f := NewFlatten("flat", false, env)
	require.True(t, f.BuildsOwnOutputTensor())
	require.NoError(t, Connect[float64, float64](f, in))

	out := f.Output()
	require.True(t, out.IsView())
	assert.Equal(t, tensor.Shape{2, 12}, out.Shape())

	f.FeedForward()
	for i, v := range in.Data() {
		assert.Equal(t, v, out.At(i/12, i%12))
	}

	in.Set(-1, 1, 1, 1, 2)
	assert.Equal(t, -1.0, out.At(1, 11))
}

func TestFlattenChannelsFirst(t *testing.T) {
	env := testEnv(2)
	// channel 0 holds 1..4, channel 1 holds 5..8
	in := newInput(t, env, tensor.NewShape(1, 2, 2, 2), seq(8))
	f := NewFlatten("flat", true, env)
	require.NoError(t, Connect[float64, float64](f, in))
	require.False(t, f.Output().IsView())

	f.FeedForward()
	assert.Equal(t, tensor.Shape{1, 8}, f.Output().Shape())
	assert.Equal(t, []float64{1, 5, 2, 6, 3, 7, 4, 8}, f.Output().Data())
}

func TestFlattenChannelsFirstRank(t *testing.T) {
	env := testEnv(1)
	f := NewFlatten("flat", true, env)
	err := Connect[float64, float64](f, env.Data.Create(tensor.NewShape(2, 3, 4)))
	assert.ErrorIs(t, err, ErrChannelsFirstRank)
}

func TestZeroPadding2D(t *testing.T) {
	env := testEnv(2)
	z := NewZeroPadding2D("pad", 1, env)
	require.NoError(t, Connect[float64, float64](z, newInput(t, env, tensor.NewShape(1, 1, 2, 2), seq(4))))

	z.FeedForward()
	assert.Equal(t, tensor.Shape{1, 1, 4, 4}, z.Output().Shape())
	assert.Equal(t, []float64{
		0, 0, 0, 0,
		0, 1, 2, 0,
		0, 3, 4, 0,
		0, 0, 0, 0,
	}, z.Output().Data())

	z.Output().Set(9, 0, 0, 0, 0)
	z.FeedForward()
	assert.Equal(t, 0.0, z.Output().At(0, 0, 0, 0))
}
