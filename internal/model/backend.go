package model

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/23skdu/longbow-bodkin/internal/activation"
	"github.com/23skdu/longbow-bodkin/internal/cipher"
	"github.com/23skdu/longbow-bodkin/internal/layers"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
	"github.com/23skdu/longbow-bodkin/internal/value"
	"github.com/rs/zerolog/log"
	"github.com/tuneinsight/lattigo/v4/rlwe"
)

const (
	BackendPlain = "plain"
	BackendCKKS  = "ckks"
)

var ErrUnknownBackend = errors.New("model: unknown backend")

// CipherActivations resolves the activations that CKKS can evaluate.
// Only polynomials are available, so relu, sigmoid and tanh are rejected.
func CipherActivations(ar *cipher.Arithmetic) ActivationFunc[*rlwe.Ciphertext] {
	return func(name string) (activation.Activation[*rlwe.Ciphertext], error) {
		switch strings.ToLower(name) {
		case "", "linear":
			return activation.Linear[*rlwe.Ciphertext]{}, nil
		case "square":
			return activation.Square[*rlwe.Ciphertext]{M: ar}, nil
		}
		return nil, fmt.Errorf("%w for ckks: %q", activation.ErrUnknown, name)
	}
}

// CipherEnv is an environment whose tensors hold ciphertexts.
func CipherEnv(ar *cipher.Arithmetic, opts layers.Options) layers.Env[*rlwe.Ciphertext, float64] {
	opts.Backend = BackendCKKS
	return layers.Env[*rlwe.Ciphertext, float64]{
		Arith:   ar,
		Data:    ar.NewFactory(),
		Weights: tensor.NewFactory(func() float64 { return 0 }, tensor.WithLabel[float64]("weights")),
		Options: opts,
	}
}

// BuildPlain builds m over float64.
func BuildPlain(m *Manifest, opts layers.Options) (*Model[float64, float64], error) {
	opts.Backend = BackendPlain
	return Build[float64, float64](m, value.Plain[float64]{}, activation.Lookup[float64], layers.PlainEnv[float64](opts))
}

// BuildCipher builds m over CKKS ciphertexts under ctx.
func BuildCipher(m *Manifest, ctx *cipher.Context, opts layers.Options) (*Model[*rlwe.Ciphertext, float64], error) {
	ar := cipher.NewArithmetic(ctx)
	return Build[*rlwe.Ciphertext, float64](m, ar, CipherActivations(ar), CipherEnv(ar, opts))
}

// IsRaw reports whether path names a raw float32 weight file.
func IsRaw(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".bin", ".raw":
		return true
	}
	return false
}

// LoadAny fills weights from path: a directory of text files, a raw
// float32 file (.bin or .raw), a CBOR bundle file, or random values when
// path is empty.
func LoadAny[V any](m *Model[V, float64], path string) error {
	if path == "" {
		log.Warn().Str("model", m.Name()).Msg("no weights given, using random initialization")
		m.RandomInit()
		return nil
	}
	fi, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to open weights: %w", err)
	}
	if fi.IsDir() {
		return m.LoadWeights(path)
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open weights: %w", err)
	}
	defer f.Close()
	if IsRaw(path) {
		return m.ImportRaw(bufio.NewReader(f))
	}
	return m.ImportWeights(f)
}

// NewRunner builds m for the named backend and loads its weights.
// CKKS keys are generated from cipher.DefaultParams.
func NewRunner(m *Manifest, backend, weightsPath string, opts layers.Options) (Runner, error) {
	if weightsPath == "" {
		weightsPath = m.Weights
	}
	switch strings.ToLower(backend) {
	case "", BackendPlain:
		mod, err := BuildPlain(m, opts)
		if err != nil {
			return nil, err
		}
		if err := LoadAny(mod, weightsPath); err != nil {
			return nil, err
		}
		return NewPlainRunner(mod), nil
	case BackendCKKS:
		ctx, err := cipher.NewContext(cipher.DefaultParams)
		if err != nil {
			return nil, err
		}
		mod, err := BuildCipher(m, ctx, opts)
		if err != nil {
			return nil, err
		}
		if err := LoadAny(mod, weightsPath); err != nil {
			return nil, err
		}
		return NewCipherRunner(ctx, mod), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
}
