package model

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/23skdu/longbow-bodkin/internal/activation"
	"github.com/23skdu/longbow-bodkin/internal/layers"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
	"github.com/23skdu/longbow-bodkin/internal/value"
	"golang.org/x/exp/constraints"
	"gopkg.in/yaml.v3"
)

var (
	ErrUnknownLayer = errors.New("model: unknown layer type")
	ErrInvalidLayer = errors.New("model: invalid layer parameters")
)

// Manifest describes a network topology.
//
//	name: mnist
//	input: [1, 1, 28, 28]
//	layers:
//	  - type: conv2d
//	    filters: 5
//	    kernel: 5
//	    stride: 2
//	    padding: same
//	    activation: square
//	  - type: flatten
//	  - type: dense
//	    units: 10
type Manifest struct {
	Name    string      `yaml:"name"`
	Input   []int       `yaml:"input"`
	Weights string      `yaml:"weights,omitempty"`
	Layers  []LayerSpec `yaml:"layers"`
}

// LayerSpec holds the parameters of one layer. Fields a type does not use
// are ignored.
type LayerSpec struct {
	Type            string `yaml:"type"`
	Name            string `yaml:"name,omitempty"`
	Activation      string `yaml:"activation,omitempty"`
	Filters         int    `yaml:"filters,omitempty"`
	Kernel          int    `yaml:"kernel,omitempty"`
	Stride          int    `yaml:"stride,omitempty"`
	Padding         string `yaml:"padding,omitempty"`
	Units           int    `yaml:"units,omitempty"`
	ReturnSequences bool   `yaml:"return_sequences,omitempty"`
	ChannelsFirst   bool   `yaml:"channels_first,omitempty"`
	Size            int    `yaml:"size,omitempty"`
}

// ParseManifest decodes YAML.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if len(m.Input) == 0 {
		return nil, fmt.Errorf("manifest %q has no input shape", m.Name)
	}
	if len(m.Layers) == 0 {
		return nil, fmt.Errorf("manifest %q: %w", m.Name, ErrEmpty)
	}
	return &m, nil
}

// LoadManifest reads and parses a YAML manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return ParseManifest(data)
}

// ActivationFunc resolves activation names for a value type.
type ActivationFunc[V any] func(name string) (activation.Activation[V], error)

// Build creates a model from m. ar serves every layer, including pooling.
func Build[V any, W constraints.Float](m *Manifest, ar value.ScalingArithmetic[V, W],
	acts ActivationFunc[V], env layers.Env[V, W]) (*Model[V, W], error) {
	env.Arith = ar
	mod := New(m.Name, tensor.NewShape(m.Input...), env)

	for i, ls := range m.Layers {
		l, err := buildLayer(i, ls, ar, acts, env)
		if err != nil {
			return nil, err
		}
		if err := mod.Add(l); err != nil {
			return nil, err
		}
	}
	return mod, nil
}

func buildLayer[V any, W constraints.Float](i int, ls LayerSpec, ar value.ScalingArithmetic[V, W],
	acts ActivationFunc[V], env layers.Env[V, W]) (layers.Layer[V, W], error) {
	kind := strings.ToLower(ls.Type)
	name := ls.Name
	if name == "" {
		name = fmt.Sprintf("%s_%d", kind, i)
	}
	stride := ls.Stride
	if stride == 0 {
		stride = 1
	}
	act, err := acts(ls.Activation)
	if err != nil {
		return nil, fmt.Errorf("layer %s: %w", name, err)
	}
	padding, err := layers.ParsePadding(ls.Padding)
	if err != nil {
		return nil, fmt.Errorf("layer %s: %w", name, err)
	}

	if err := ls.validate(kind); err != nil {
		return nil, fmt.Errorf("layer %s: %w", name, err)
	}

	switch kind {
	case "conv2d", "convolution2d":
		return layers.NewConv2D(name, ls.Filters, ls.Kernel, stride, padding, act, env), nil
	case "dense":
		return layers.NewDense(name, ls.Units, act, env), nil
	case "rnn", "simplernn":
		return layers.NewRNN(name, ls.Units, ls.ReturnSequences, act, env), nil
	case "average_pooling", "averagepooling2d", "avgpool":
		return layers.NewAveragePooling(name, ar, ls.Kernel, stride, padding, act, env), nil
	case "flatten":
		return layers.NewFlatten(name, ls.ChannelsFirst, env), nil
	case "zero_padding2d", "zeropadding2d":
		return layers.NewZeroPadding2D(name, ls.Size, env), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownLayer, ls.Type)
}

func (s LayerSpec) validate(kind string) error {
	switch kind {
	case "conv2d", "convolution2d":
		if s.Filters <= 0 || s.Kernel <= 0 {
			return fmt.Errorf("%w: filters and kernel must be positive", ErrInvalidLayer)
		}
	case "dense", "rnn", "simplernn":
		if s.Units <= 0 {
			return fmt.Errorf("%w: units must be positive", ErrInvalidLayer)
		}
	case "average_pooling", "averagepooling2d", "avgpool":
		if s.Kernel <= 0 {
			return fmt.Errorf("%w: kernel must be positive", ErrInvalidLayer)
		}
	case "zero_padding2d", "zeropadding2d":
		if s.Size < 0 {
			return fmt.Errorf("%w: size must not be negative", ErrInvalidLayer)
		}
	}
	if s.Stride < 0 {
		return fmt.Errorf("%w: stride must not be negative", ErrInvalidLayer)
	}
	return nil
}
