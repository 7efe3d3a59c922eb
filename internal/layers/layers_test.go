package layers

import (
	"context"
	"math/rand"
	"sync/atomic"
	"testing"

	"github.com/23skdu/longbow-bodkin/internal/tensor"
	"github.com/23skdu/longbow-bodkin/internal/value"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var plainArith = value.Plain[float64]{}

func testEnv(poolSize int) Env[float64, float64] {
	opts := DefaultOptions()
	opts.PoolSize = poolSize
	return PlainEnv[float64](opts)
}

func newInput(t *testing.T, env Env[float64, float64], s tensor.Shape, vals []float64) *tensor.Tensor[float64] {
	t.Helper()
	x := env.Data.Create(s)
	require.NoError(t, x.InitFlat(vals))
	return x
}

func seq(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = float64(i + 1)
	}
	return out
}

func randomVals(rng *rand.Rand, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = rng.Float64()*2 - 1
	}
	return out
}

func setWeights(t *testing.T, l Layer[float64, float64], vals ...[]float64) {
	t.Helper()
	shapes := l.WeightShapes()
	require.Len(t, vals, len(shapes))
	ts := make([]*tensor.Tensor[float64], len(shapes))
	for i, s := range shapes {
		ts[i] = l.environment().Weights.Create(s)
		require.NoError(t, ts[i].InitFlat(vals[i]))
	}
	require.NoError(t, SetAllWeights(l, ts))
}

func TestOutDim(t *testing.T) {
	tests := []struct {
		name    string
		in, k   int
		s       int
		padding Padding
		want    int
	}{
		{"same 5/3/2", 5, 3, 2, Same, 3},
		{"valid 5/3/2", 5, 3, 2, Valid, 2},
		{"same 28/5/2", 28, 5, 2, Same, 14},
		{"valid 28/5/1", 28, 5, 1, Valid, 24},
		{"same stride 1", 7, 3, 1, Same, 7},
		{"valid exact", 3, 3, 1, Valid, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, outDim(tt.in, tt.k, tt.s, tt.padding))
		})
	}

	assert.Panics(t, func() { outDim(5, 3, 0, Same) })
	assert.Panics(t, func() { outDim(2, 3, 1, Valid) })
}

func TestPaddingHelpers(t *testing.T) {
	assert.Equal(t, 0, leadingPad(3, 2, 2))
	assert.Equal(t, 1, leadingPad(5, 3, 1))
	assert.Equal(t, 1, leadingPad(6, 5, 2))
	assert.Equal(t, 0, leadingPad(4, 1, 2))

	from, to := centeredSpan(3)
	assert.Equal(t, []int{-1, 1}, []int{from, to})
	from, to = centeredSpan(2)
	assert.Equal(t, []int{-1, 0}, []int{from, to})

	p, err := ParsePadding("VALID")
	require.NoError(t, err)
	assert.Equal(t, Valid, p)
	_, err = ParsePadding("full")
	assert.Error(t, err)
}

func TestOutputShapes(t *testing.T) {
	env := testEnv(1)
	img := env.Data.Create(tensor.NewShape(2, 3, 5, 5))
	seqIn := env.Data.Create(tensor.NewShape(2, 4, 6))
	flat := env.Data.Create(tensor.NewShape(2, 10))

	tests := []struct {
		name  string
		layer Layer[float64, float64]
		input *tensor.Tensor[float64]
		want  tensor.Shape
	}{
		{"conv same", NewConv2D("c", 4, 3, 2, Same, nil, env), img, tensor.Shape{2, 4, 3, 3}},
		{"conv valid", NewConv2D("c", 4, 3, 2, Valid, nil, env), img, tensor.Shape{2, 4, 2, 2}},
		{"pool same", NewAveragePooling[float64, float64]("p", plainArith, 3, 2, Same, nil, env), img, tensor.Shape{2, 3, 3, 3}},
		{"pool valid", NewAveragePooling[float64, float64]("p", plainArith, 3, 2, Valid, nil, env), img, tensor.Shape{2, 3, 2, 2}},
		{"dense", NewDense("d", 7, nil, env), flat, tensor.Shape{2, 7}},
		{"rnn last", NewRNN("r", 5, false, nil, env), seqIn, tensor.Shape{2, 5}},
		{"rnn sequences", NewRNN("r", 5, true, nil, env), seqIn, tensor.Shape{2, 4, 5}},
		{"flatten", NewFlatten("f", false, env), img, tensor.Shape{2, 75}},
		{"zero padding", NewZeroPadding2D("z", 2, env), img, tensor.Shape{2, 3, 9, 9}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.layer.SetInput(tt.input)
			assert.Equal(t, tt.want, tt.layer.OutputShape())
		})
	}

	t.Run("zero stride", func(t *testing.T) {
		l := NewConv2D("c", 1, 3, 0, Same, nil, env)
		l.SetInput(img)
		assert.Panics(t, func() { l.OutputShape() })
	})

	t.Run("wrong rank", func(t *testing.T) {
		l := NewDense("d", 3, nil, env)
		l.SetInput(img)
		assert.Panics(t, func() { l.OutputShape() })
	})
}

func TestAllWeightsOrder(t *testing.T) {
	env := testEnv(1)

	d := NewDense("d", 2, nil, env)
	require.NoError(t, Connect[float64, float64](d, env.Data.Create(tensor.NewShape(1, 3))))
	setWeights(t, d, seq(6), []float64{7, 8})
	all := d.AllWeights()
	require.Len(t, all, 2)
	assert.Same(t, d.Weights(), all[0])
	assert.Same(t, d.Biases(), all[1])

	r := NewRNN("r", 2, false, nil, env)
	require.NoError(t, Connect[float64, float64](r, env.Data.Create(tensor.NewShape(1, 2, 3))))
	setWeights(t, r, seq(6), []float64{1, 2}, []float64{1, 2, 3, 4})
	all = r.AllWeights()
	require.Len(t, all, 3)
	assert.Same(t, r.Weights(), all[0])
	assert.Same(t, r.Biases(), all[1])
	assert.Same(t, r.RecurrentWeights(), all[2])

	assert.Empty(t, NewFlatten("f", false, env).AllWeights())
	assert.Empty(t, NewZeroPadding2D("z", 1, env).AllWeights())
}

func TestSetAllWeightsErrors(t *testing.T) {
	env := testEnv(1)
	d := NewDense("d", 2, nil, env)
	assert.ErrorIs(t, SetAllWeights[float64, float64](d, nil), ErrNotConnected)

	require.NoError(t, Connect[float64, float64](d, env.Data.Create(tensor.NewShape(1, 3))))
	w := env.Weights.Create(tensor.NewShape(2, 3))
	assert.ErrorIs(t, SetAllWeights[float64, float64](d, []*tensor.Tensor[float64]{w}), ErrWeightCount)

	bad := env.Weights.Create(tensor.NewShape(3))
	assert.ErrorIs(t, SetAllWeights[float64, float64](d, []*tensor.Tensor[float64]{w, bad}), ErrWeightShape)
}

func TestPool(t *testing.T) {
	for _, size := range []int{1, 3, 16} {
		p := NewPool(size)
		hits := make([]int32, 50)
		p.For(len(hits), func(i int) { atomic.AddInt32(&hits[i], 1) })
		for i, h := range hits {
			assert.Equalf(t, int32(1), h, "size %d item %d", size, i)
		}

		hits = make([]int32, 7)
		p.ForQueues(len(hits), func(i int) { atomic.AddInt32(&hits[i], 1) })
		for i, h := range hits {
			assert.Equalf(t, int32(1), h, "queues size %d item %d", size, i)
		}
	}
	assert.Equal(t, 1, NewPool(0).Size())
}

func TestOptionsFromEnv(t *testing.T) {
	t.Setenv("DEBUG_LAYER", "1")
	t.Setenv("RNN_SINGLE_THREAD", "false")
	o := OptionsFromEnv()
	assert.True(t, o.DebugLayer)
	assert.False(t, o.SingleThreadedRNN)
	assert.Equal(t, DefaultPoolSize(), o.PoolSize)
}

func TestRun(t *testing.T) {
	env := testEnv(2)
	d := NewDense("d", 1, nil, env)
	require.NoError(t, Connect[float64, float64](d, newInput(t, env, tensor.NewShape(1, 2), []float64{1, 2})))
	setWeights(t, d, []float64{3, 4}, []float64{0.5})

	Run[float64, float64](context.Background(), d)
	assert.Equal(t, 11.5, d.Output().At(0, 0))
}
