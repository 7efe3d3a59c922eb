package layers

import (
	"math/rand"
	"testing"

	"github.com/23skdu/longbow-bodkin/internal/activation"
	"github.com/23skdu/longbow-bodkin/internal/cipher"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tuneinsight/lattigo/v4/rlwe"
)

const cipherTol = 1e-3

type cipherHarness struct {
	ctx   *cipher.Context
	ar    *cipher.Arithmetic
	env   Env[*rlwe.Ciphertext, float64]
	plain Env[float64, float64]
}

func newCipherHarness(t *testing.T) *cipherHarness {
	t.Helper()
	ctx, err := cipher.NewContext(cipher.TestParams)
	require.NoError(t, err)
	ar := cipher.NewArithmetic(ctx)
	opts := Options{PoolSize: 4, Backend: "ckks"}
	return &cipherHarness{
		ctx: ctx,
		ar:  ar,
		env: Env[*rlwe.Ciphertext, float64]{
			Arith:   ar,
			Data:    ar.NewFactory(),
			Weights: tensor.NewFactory(func() float64 { return 0 }),
			Options: opts,
		},
		plain: PlainEnv[float64](opts),
	}
}

func (h *cipherHarness) encrypt(t *testing.T, s tensor.Shape, vals []float64) *tensor.Tensor[*rlwe.Ciphertext] {
	t.Helper()
	x := h.env.Data.Create(s)
	require.NoError(t, x.InitFlat(h.ctx.EncryptAll(vals)))
	return x
}

func (h *cipherHarness) assertClose(t *testing.T, want *tensor.Tensor[float64], got *tensor.Tensor[*rlwe.Ciphertext]) {
	t.Helper()
	require.Equal(t, want.Shape(), got.Shape())
	dec := h.ctx.DecryptAll(got.Data())
	for i, v := range want.Data() {
		assert.InDeltaf(t, v, dec[i], cipherTol, "element %d", i)
	}
}

func copyWeights(t *testing.T, dst Layer[*rlwe.Ciphertext, float64], src Layer[float64, float64]) {
	t.Helper()
	require.NoError(t, SetAllWeights(dst, src.AllWeights()))
}

func TestCipherConvPoolDense(t *testing.T) {
	h := newCipherHarness(t)
	rng := rand.New(rand.NewSource(1))
	vals := randomVals(rng, 1*1*4*4)
	shape := tensor.NewShape(1, 1, 4, 4)

	pc := NewConv2D("conv", 2, 2, 1, Same, activation.Square[float64]{M: plainArith}, h.plain)
	require.NoError(t, Connect[float64, float64](pc, newInput(t, h.plain, shape, vals)))
	pc.RandomInit()
	pp := NewAveragePooling[float64, float64]("pool", plainArith, 2, 2, Valid, nil, h.plain)
	require.NoError(t, Connect[float64, float64](pp, pc.Output()))
	pf := NewFlatten("flat", false, h.plain)
	require.NoError(t, Connect[float64, float64](pf, pp.Output()))
	pd := NewDense("fc", 3, nil, h.plain)
	require.NoError(t, Connect[float64, float64](pd, pf.Output()))
	pd.RandomInit()

	cc := NewConv2D[*rlwe.Ciphertext, float64]("conv", 2, 2, 1, Same, activation.Square[*rlwe.Ciphertext]{M: h.ar}, h.env)
	require.NoError(t, Connect[*rlwe.Ciphertext, float64](cc, h.encrypt(t, shape, vals)))
	copyWeights(t, cc, pc)
	cp := NewAveragePooling[*rlwe.Ciphertext, float64]("pool", h.ar, 2, 2, Valid, nil, h.env)
	require.NoError(t, Connect[*rlwe.Ciphertext, float64](cp, cc.Output()))
	cf := NewFlatten[*rlwe.Ciphertext, float64]("flat", false, h.env)
	require.NoError(t, Connect[*rlwe.Ciphertext, float64](cf, cp.Output()))
	cd := NewDense[*rlwe.Ciphertext, float64]("fc", 3, nil, h.env)
	require.NoError(t, Connect[*rlwe.Ciphertext, float64](cd, cf.Output()))
	copyWeights(t, cd, pd)

	for _, pair := range []struct {
		p Layer[float64, float64]
		c Layer[*rlwe.Ciphertext, float64]
	}{{pc, cc}, {pp, cp}, {pf, cf}, {pd, cd}} {
		pair.p.FeedForward()
		pair.c.FeedForward()
		h.assertClose(t, pair.p.Output(), pair.c.Output())
	}
}

func TestCipherRNN(t *testing.T) {
	h := newCipherHarness(t)
	c := newRNNCase(4, 1, 2, 2, 3)
	shape := tensor.NewShape(1, 2, 2)

	pr := NewRNN("rnn", 3, true, nil, h.plain)
	require.NoError(t, Connect[float64, float64](pr, newInput(t, h.plain, shape, c.in)))
	setWeights(t, pr, c.w, c.b, c.rw)
	pr.Setup()
	pr.FeedForward()

	cr := NewRNN[*rlwe.Ciphertext, float64]("rnn", 3, true, nil, h.env)
	require.NoError(t, Connect[*rlwe.Ciphertext, float64](cr, h.encrypt(t, shape, c.in)))
	copyWeights(t, cr, pr)
	cr.Setup()
	cr.FeedForward()

	h.assertClose(t, pr.Output(), cr.Output())
}

func TestCipherZeroPadding(t *testing.T) {
	h := newCipherHarness(t)
	shape := tensor.NewShape(1, 1, 2, 2)

	pz := NewZeroPadding2D("pad", 1, h.plain)
	require.NoError(t, Connect[float64, float64](pz, newInput(t, h.plain, shape, seq(4))))
	pz.FeedForward()

	cz := NewZeroPadding2D[*rlwe.Ciphertext, float64]("pad", 1, h.env)
	require.NoError(t, Connect[*rlwe.Ciphertext, float64](cz, h.encrypt(t, shape, seq(4))))
	cz.FeedForward()

	h.assertClose(t, pz.Output(), cz.Output())
}
