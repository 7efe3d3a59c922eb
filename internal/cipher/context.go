// Package cipher runs layer arithmetic over CKKS ciphertexts. Every scalar
// of a tensor is its own ciphertext; only slot 0 carries data.
package cipher

import (
	"errors"
	"fmt"
	"math"

	"github.com/tuneinsight/lattigo/v4/ckks"
	"github.com/tuneinsight/lattigo/v4/rlwe"
)

// DefaultParams gives 17 rescaling levels at 128-bit security.
var DefaultParams = ckks.ParametersLiteral{
	LogN:     13,
	LogSlots: 12,

	LogQ: []int{
		53, 40, 40, 40, 40, 40, 40, 40, 40,
		40, 40, 40, 40, 40, 40, 40, 40, 40,
	},

	LogP:         []int{53, 53},
	DefaultScale: 1 << 40,
}

// TestParams is a small, insecure ring for unit tests.
var TestParams = ckks.ParametersLiteral{
	LogN:         10,
	LogSlots:     9,
	LogQ:         []int{55, 40, 40, 40, 40, 40, 40},
	LogP:         []int{55},
	DefaultScale: 1 << 40,
}

var (
	ErrLevelExhausted = errors.New("cipher: ciphertext has no levels left")
	ErrBadScale       = errors.New("cipher: ciphertext scale is invalid")
)

// Context owns the key material and the encoder used to move plaintext
// values in and out of ciphertexts.
type Context struct {
	Parameters ckks.Parameters

	Encoder   ckks.Encoder
	Encryptor rlwe.Encryptor
	Decryptor rlwe.Decryptor
	Evaluator ckks.Evaluator

	SecretKey     *rlwe.SecretKey
	EvaluationKey rlwe.EvaluationKey
}

// NewContext generates a fresh key pair and relinearization key.
func NewContext(lit ckks.ParametersLiteral) (*Context, error) {
	params, err := ckks.NewParametersFromLiteral(lit)
	if err != nil {
		return nil, fmt.Errorf("failed to build ckks parameters: %w", err)
	}

	kgen := ckks.NewKeyGenerator(params)
	sk := kgen.GenSecretKey()
	rlk := kgen.GenRelinearizationKey(sk, 2)
	evk := rlwe.EvaluationKey{Rlk: rlk}

	return &Context{
		Parameters:    params,
		Encoder:       ckks.NewEncoder(params),
		Encryptor:     ckks.NewEncryptor(params, sk),
		Decryptor:     ckks.NewDecryptor(params, sk),
		Evaluator:     ckks.NewEvaluator(params, evk),
		SecretKey:     sk,
		EvaluationKey: evk,
	}, nil
}

// Encrypt encrypts x into slot 0 of a fresh ciphertext at max level.
// The encoder and encryptor are not goroutine-safe; callers serialize.
func (c *Context) Encrypt(x float64) *rlwe.Ciphertext {
	pt := c.Encoder.EncodeNew([]float64{x}, c.Parameters.MaxLevel(), c.Parameters.DefaultScale(), c.Parameters.LogSlots())
	return c.Encryptor.EncryptNew(pt)
}

// Decrypt returns the real part of slot 0.
func (c *Context) Decrypt(ct *rlwe.Ciphertext) float64 {
	pt := c.Decryptor.DecryptNew(ct)
	return real(c.Encoder.Decode(pt, c.Parameters.LogSlots())[0])
}

// EncryptAll encrypts a flat slice.
func (c *Context) EncryptAll(xs []float64) []*rlwe.Ciphertext {
	out := make([]*rlwe.Ciphertext, len(xs))
	for i, x := range xs {
		out[i] = c.Encrypt(x)
	}
	return out
}

// DecryptAll decrypts a flat slice.
func (c *Context) DecryptAll(cts []*rlwe.Ciphertext) []float64 {
	out := make([]float64, len(cts))
	for i, ct := range cts {
		out[i] = c.Decrypt(ct)
	}
	return out
}

// Validator rejects ciphertexts whose scale has been corrupted or that
// carry no modulus left to rescale into.
type Validator struct{}

func (Validator) Validate(ct *rlwe.Ciphertext) error {
	if ct == nil {
		return ErrBadScale
	}
	if ct.Level() < 0 {
		return ErrLevelExhausted
	}
	s := ct.Scale.Float64()
	if math.IsNaN(s) || math.IsInf(s, 0) || s <= 0 {
		return fmt.Errorf("%w: %v", ErrBadScale, s)
	}
	return nil
}
