package cipher

import (
	"sync"

	"github.com/23skdu/longbow-bodkin/internal/tensor"
	"github.com/23skdu/longbow-bodkin/internal/value"
	"github.com/rs/zerolog/log"
	"github.com/tuneinsight/lattigo/v4/ckks"
	"github.com/tuneinsight/lattigo/v4/rlwe"
)

// ensure interface compliance
var (
	_ value.ScalingArithmetic[*rlwe.Ciphertext, float64] = (*Arithmetic)(nil)
	_ value.Multiplier[*rlwe.Ciphertext]                 = (*Arithmetic)(nil)
	_ tensor.Validator[*rlwe.Ciphertext]                 = Validator{}
)

// Arithmetic implements value arithmetic on ciphertexts. CKKS evaluators
// hold scratch buffers, so each call borrows a shallow copy from a pool.
type Arithmetic struct {
	params ckks.Parameters
	pool   sync.Pool
}

// NewArithmetic derives evaluators from ctx's evaluation key.
func NewArithmetic(ctx *Context) *Arithmetic {
	base := ctx.Evaluator
	a := &Arithmetic{params: ctx.Parameters}
	a.pool.New = func() any {
		return base.ShallowCopy()
	}
	return a
}

func (a *Arithmetic) evaluator() ckks.Evaluator {
	return a.pool.Get().(ckks.Evaluator)
}

// Empty is a trivial encryption of zero at max level.
func (a *Arithmetic) Empty() *rlwe.Ciphertext {
	ct := rlwe.NewCiphertext(a.params.Parameters, 1, a.params.MaxLevel())
	ct.Scale = a.params.DefaultScale()
	ct.IsNTT = true
	return ct
}

func (a *Arithmetic) Add(acc, v *rlwe.Ciphertext) *rlwe.Ciphertext {
	ev := a.evaluator()
	defer a.pool.Put(ev)
	ev.Add(acc, v, acc)
	return acc
}

func (a *Arithmetic) AddWeight(acc *rlwe.Ciphertext, w float64) *rlwe.Ciphertext {
	if w == 0 {
		return acc
	}
	ev := a.evaluator()
	defer a.pool.Put(ev)
	ev.AddConst(acc, w, acc)
	return acc
}

func (a *Arithmetic) MulWeight(v *rlwe.Ciphertext, w float64) *rlwe.Ciphertext {
	ev := a.evaluator()
	defer a.pool.Put(ev)
	ev.MultByConst(v, w, v)
	a.rescale(ev, v)
	return v
}

// Scale multiplies by a plaintext scalar, used for pooling divisors.
func (a *Arithmetic) Scale(v *rlwe.Ciphertext, s float64) *rlwe.Ciphertext {
	return a.MulWeight(v, s)
}

// Mul multiplies two ciphertexts and relinearizes. The inputs are left
// untouched.
func (a *Arithmetic) Mul(x, y *rlwe.Ciphertext) *rlwe.Ciphertext {
	ev := a.evaluator()
	defer a.pool.Put(ev)
	out := ev.MulRelinNew(x, y)
	a.rescale(ev, out)
	return out
}

// rescale brings the scale back near the default after a multiplication
// by a non-integer constant or another ciphertext. Integer constants leave
// the scale unchanged and need no rescale.
func (a *Arithmetic) rescale(ev ckks.Evaluator, ct *rlwe.Ciphertext) {
	def := a.params.DefaultScale()
	if ct.Scale.Float64() < 2*def.Float64() {
		return
	}
	if err := ev.Rescale(ct, def, ct); err != nil {
		log.Error().Err(err).Int("level", ct.Level()).Msg("rescale failed")
	}
}

// NewFactory returns a tensor factory for ciphertext tensors.
func (a *Arithmetic) NewFactory() *tensor.PooledFactory[*rlwe.Ciphertext] {
	return tensor.NewFactory(a.Empty,
		tensor.WithValidator[*rlwe.Ciphertext](Validator{}),
		tensor.WithLabel[*rlwe.Ciphertext]("ckks"))
}
