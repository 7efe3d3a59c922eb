package layers

import (
	"os"
	"runtime"
	"strconv"

	"github.com/23skdu/longbow-bodkin/internal/tensor"
	"github.com/23skdu/longbow-bodkin/internal/value"
	"golang.org/x/exp/constraints"
)

// Options are the process-wide tuning knobs, passed explicitly to every
// layer.
type Options struct {
	// DebugLayer enables per-step diagnostics and periodic state checks.
	DebugLayer bool
	// SingleThreadedRNN runs the recurrent phases without the worker pool.
	SingleThreadedRNN bool
	// PoolSize bounds the number of concurrent work items per phase.
	// Zero means twice the number of CPUs.
	PoolSize int
	// HonorConvertedWeights lets a non-empty converted-weight list replace
	// the loaded weights. When false the list is stored but ignored.
	HonorConvertedWeights bool
	// Backend labels metrics, e.g. "plain" or "ckks".
	Backend string
}

// DefaultPoolSize is twice the number of logical CPUs.
func DefaultPoolSize() int { return 2 * runtime.NumCPU() }

// DefaultOptions returns options for a plaintext backend.
func DefaultOptions() Options {
	return Options{PoolSize: DefaultPoolSize(), Backend: "plain"}
}

// OptionsFromEnv reads DEBUG_LAYER and RNN_SINGLE_THREAD on top of the
// defaults. Any value strconv.ParseBool accepts is honored; a set but
// unparsable variable counts as true.
func OptionsFromEnv() Options {
	o := DefaultOptions()
	o.DebugLayer = envFlag("DEBUG_LAYER")
	o.SingleThreadedRNN = envFlag("RNN_SINGLE_THREAD")
	return o
}

func envFlag(name string) bool {
	v, ok := os.LookupEnv(name)
	if !ok {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return true
	}
	return b
}

func (o Options) poolSize() int {
	if o.PoolSize <= 0 {
		return DefaultPoolSize()
	}
	return o.PoolSize
}

// Env bundles what every layer needs besides its own parameters.
type Env[V any, W constraints.Float] struct {
	Arith   value.Arithmetic[V, W]
	Data    tensor.Factory[V]
	Weights tensor.Factory[W]
	Options Options
}

// PlainEnv is an environment over ordinary floats whose tensors reject
// NaN and Inf.
func PlainEnv[F constraints.Float](opts Options) Env[F, F] {
	zero := func() F { return 0 }
	return Env[F, F]{
		Arith:   value.Plain[F]{},
		Data:    tensor.NewFactory(zero, tensor.WithValidator[F](value.Finite[F]{}), tensor.WithLabel[F]("plain")),
		Weights: tensor.NewFactory(zero, tensor.WithLabel[F]("weights")),
		Options: opts,
	}
}
