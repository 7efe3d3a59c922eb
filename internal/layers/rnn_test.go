package layers

import (
	"math"
	"math/rand"
	"testing"

	"github.com/23skdu/longbow-bodkin/internal/activation"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
	"github.com/23skdu/longbow-bodkin/internal/weights"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

type rnnCase struct {
	batch, steps, features, units int
	in, w, b, rw                  []float64
}

func newRNNCase(seed int64, batch, steps, features, units int) rnnCase {
	rng := rand.New(rand.NewSource(seed))
	c := rnnCase{batch: batch, steps: steps, features: features, units: units}
	c.in = randomVals(rng, batch*steps*features)
	c.w = randomVals(rng, units*features)
	c.b = randomVals(rng, units)
	c.rw = randomVals(rng, units*units)
	// exercise the zero-weight skip
	c.w[0] = 0
	c.rw[len(c.rw)-1] = 0
	return c
}

// unrolled computes h_t = tanh(W x_t + RW h_{t-1} + b) step by step and
// returns every h_t as [batch][steps][units].
func (c rnnCase) unrolled() [][][]float64 {
	W := mat.NewDense(c.units, c.features, c.w)
	RW := mat.NewDense(c.units, c.units, c.rw)
	out := make([][][]float64, c.batch)
	for b := 0; b < c.batch; b++ {
		h := mat.NewVecDense(c.units, nil)
		out[b] = make([][]float64, c.steps)
		for t := 0; t < c.steps; t++ {
			x := mat.NewVecDense(c.features, c.in[(b*c.steps+t)*c.features:(b*c.steps+t+1)*c.features])
			var next, rec mat.VecDense
			next.MulVec(W, x)
			if t > 0 {
				rec.MulVec(RW, h)
				next.AddVec(&next, &rec)
			}
			step := make([]float64, c.units)
			for u := range step {
				step[u] = math.Tanh(next.AtVec(u) + c.b[u])
			}
			out[b][t] = step
			h = mat.NewVecDense(c.units, step)
		}
	}
	return out
}

func (c rnnCase) run(t *testing.T, opts Options, returnSequences bool) *RNN[float64, float64] {
	t.Helper()
	env := PlainEnv[float64](opts)
	r := NewRNN("rnn", c.units, returnSequences, activation.Linear[float64]{}, env)
	r.SetActivation(activation.Tanh[float64]{})
	in := newInput(t, env, tensor.NewShape(c.batch, c.steps, c.features), c.in)
	require.NoError(t, Connect[float64, float64](r, in))
	setWeights(t, r, c.w, c.b, c.rw)
	r.Setup()
	r.FeedForward()
	return r
}

func TestRNNMatchesUnrolled(t *testing.T) {
	for _, steps := range []int{1, 2, 3, 4, 7} {
		c := newRNNCase(int64(steps), 2, steps, 3, 4)
		want := c.unrolled()

		t.Run("last", func(t *testing.T) {
			r := c.run(t, Options{PoolSize: 3}, false)
			require.Equal(t, tensor.Shape{2, 4}, r.Output().Shape())
			for b := 0; b < c.batch; b++ {
				for u := 0; u < c.units; u++ {
					assert.InDeltaf(t, want[b][steps-1][u], r.Output().At(b, u), 1e-12, "T=%d (%d, %d)", steps, b, u)
				}
			}
		})

		t.Run("sequences", func(t *testing.T) {
			r := c.run(t, Options{PoolSize: 3}, true)
			require.Equal(t, tensor.Shape{2, steps, 4}, r.Output().Shape())
			for b := 0; b < c.batch; b++ {
				for s := 0; s < steps; s++ {
					for u := 0; u < c.units; u++ {
						assert.InDeltaf(t, want[b][s][u], r.Output().At(b, s, u), 1e-12, "T=%d (%d, %d, %d)", steps, b, s, u)
					}
				}
			}
		})
	}
}

func TestRNNSingleThreadedIsIdentical(t *testing.T) {
	c := newRNNCase(42, 3, 6, 5, 9)
	for _, seqs := range []bool{false, true} {
		parallel := c.run(t, Options{PoolSize: 8}, seqs).Output().Data()
		single := c.run(t, Options{PoolSize: 8, SingleThreadedRNN: true}, seqs).Output().Data()
		pool1 := c.run(t, Options{PoolSize: 1}, seqs).Output().Data()
		assert.Equal(t, single, parallel)
		assert.Equal(t, single, pool1)
	}
}

func TestRNNRerunIsIdempotent(t *testing.T) {
	c := newRNNCase(9, 1, 5, 2, 3)
	r := c.run(t, Options{PoolSize: 2, DebugLayer: true}, false)
	first := append([]float64(nil), r.Output().Data()...)
	r.FeedForward()
	assert.Equal(t, first, r.Output().Data())
}

func TestRNNRequiresSetup(t *testing.T) {
	env := testEnv(1)
	r := NewRNN("rnn", 2, false, nil, env)
	require.NoError(t, Connect[float64, float64](r, env.Data.Create(tensor.NewShape(1, 2, 2))))
	setWeights(t, r, seq(4), seq(2), seq(4))
	assert.Panics(t, r.FeedForward)
}

func TestRNNLoadWeights(t *testing.T) {
	dir := t.TempDir()
	files := weights.Paths(dir, "rnn")
	require.NoError(t, weights.WriteText(files.Weights, [][]float64{{1}, {0}}))
	require.NoError(t, weights.WriteText(files.Bias, [][]float64{{0, 0}}))
	require.NoError(t, weights.WriteText(files.Recurrent, [][]float64{{0, 0}, {1, 0}}))

	env := testEnv(2)
	r := NewRNN("rnn", 2, true, nil, env)
	require.NoError(t, Connect[float64, float64](r, newInput(t, env, tensor.NewShape(1, 3, 1), []float64{1, 2, 3})))
	require.NoError(t, r.LoadWeights(dir))
	r.Setup()
	r.FeedForward()

	// unit 0 echoes the input, unit 1 echoes unit 0 one step late
	assert.Equal(t, []float64{1, 0, 2, 1, 3, 2}, r.Output().Data())
}
