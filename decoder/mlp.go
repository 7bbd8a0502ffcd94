package decoder

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"

	"github.com/pdevine/tensor"

	"github.com/weightspace/w2w/fs/safetensors"
	"github.com/weightspace/w2w/ml"
)

type Activation string

const (
	ActivationIdentity Activation = "identity"
	ActivationReLU     Activation = "relu"
	ActivationTanh     Activation = "tanh"
	ActivationSiLU     Activation = "silu"
)

func ParseActivation(s string) (Activation, error) {
	switch a := Activation(strings.ToLower(s)); a {
	case "":
		return ActivationReLU, nil
	case ActivationIdentity, ActivationReLU, ActivationTanh, ActivationSiLU:
		return a, nil
	default:
		return "", fmt.Errorf("decoder: unsupported activation %q", s)
	}
}

// Layer is a dense layer with Weight shaped [out, in] and an optional
// Bias of out elements.
type Layer struct {
	Weight []float32
	Bias   []float32
	In     int
	Out    int
}

type dense struct {
	weight *tensor.Dense
	bias   *tensor.Dense
}

// MLP is a stack of dense layers with an activation between them. The
// last layer is linear. When an output mean and std are set, the result is
// denormalised as y*std + mean.
type MLP struct {
	layers     []dense
	activation Activation

	mean, std *tensor.Dense
}

var _ Decoder = (*MLP)(nil)

func NewMLP(activation Activation, layers ...Layer) (*MLP, error) {
	if len(layers) == 0 {
		return nil, errors.New("decoder: no layers")
	}

	m := MLP{activation: activation}
	for i, l := range layers {
		if len(l.Weight) != l.In*l.Out || l.In <= 0 || l.Out <= 0 {
			return nil, fmt.Errorf("decoder: layer %d: %d weights do not fit [%d, %d]", i, len(l.Weight), l.Out, l.In)
		}

		if i > 0 && l.In != layers[i-1].Out {
			return nil, fmt.Errorf("decoder: layer %d takes %d inputs, previous layer emits %d", i, l.In, layers[i-1].Out)
		}

		d := dense{weight: tensor.New(tensor.WithShape(l.Out, l.In), tensor.WithBacking(slices.Clone(l.Weight)))}
		if l.Bias != nil {
			if len(l.Bias) != l.Out {
				return nil, fmt.Errorf("decoder: layer %d: %d biases for %d outputs", i, len(l.Bias), l.Out)
			}

			d.bias = tensor.New(tensor.WithShape(l.Out), tensor.WithBacking(slices.Clone(l.Bias)))
		}

		m.layers = append(m.layers, d)
	}

	return &m, nil
}

// SetNormalization sets the per-element output statistics.
func (m *MLP) SetNormalization(mean, std []float32) error {
	if len(mean) != m.OutputDim() || len(std) != m.OutputDim() {
		return fmt.Errorf("decoder: normalization has %d, %d elements, want %d", len(mean), len(std), m.OutputDim())
	}

	m.mean = tensor.New(tensor.WithShape(len(mean)), tensor.WithBacking(slices.Clone(mean)))
	m.std = tensor.New(tensor.WithShape(len(std)), tensor.WithBacking(slices.Clone(std)))
	return nil
}

func (m *MLP) LatentDim() int {
	return m.layers[0].weight.Shape()[1]
}

func (m *MLP) OutputDim() int {
	return m.layers[len(m.layers)-1].weight.Shape()[0]
}

func (m *MLP) Decode(ctx ml.Context, z ml.Tensor) (ml.Tensor, error) {
	in := z.Floats()
	if len(in) != m.LatentDim() {
		return nil, fmt.Errorf("decoder: latent has %d elements, want %d", len(in), m.LatentDim())
	}

	x := tensor.New(tensor.WithShape(len(in)), tensor.WithBacking(in))
	for i, l := range m.layers {
		y, err := l.weight.MatVecMul(x)
		if err != nil {
			return nil, fmt.Errorf("decoder: layer %d: %w", i, err)
		}

		if l.bias != nil {
			if y, err = y.Add(l.bias); err != nil {
				return nil, fmt.Errorf("decoder: layer %d: %w", i, err)
			}
		}

		if i < len(m.layers)-1 {
			if y, err = activate(m.activation, y); err != nil {
				return nil, fmt.Errorf("decoder: layer %d: %w", i, err)
			}
		}

		x = y
	}

	if m.std != nil {
		y, err := x.Mul(m.std)
		if err != nil {
			return nil, err
		}

		if x, err = y.Add(m.mean); err != nil {
			return nil, err
		}
	}

	out, ok := x.Data().([]float32)
	if !ok {
		return nil, fmt.Errorf("decoder: unexpected output %T", x.Data())
	}

	return ctx.FromFloatSlice(slices.Clone(out), len(out))
}

func activate(a Activation, x *tensor.Dense) (*tensor.Dense, error) {
	switch a {
	case ActivationIdentity:
		return x, nil
	case ActivationReLU:
		t, err := tensor.Clamp(x, float32(0), float32(math.MaxFloat32))
		if err != nil {
			return nil, err
		}

		return tensor.Materialize(t).(*tensor.Dense), nil
	case ActivationTanh:
		t, err := tensor.Tanh(x)
		if err != nil {
			return nil, err
		}

		return tensor.Materialize(t).(*tensor.Dense), nil
	case ActivationSiLU:
		data := slices.Clone(x.Data().([]float32))
		for i, v := range data {
			data[i] = v / (1 + float32(math.Exp(float64(-v))))
		}

		return tensor.New(tensor.WithShape(x.Shape()...), tensor.WithBacking(data)), nil
	default:
		return nil, fmt.Errorf("unsupported activation %q", a)
	}
}

// LoadMLP builds an MLP from tensors named layers.<i>.weight and
// layers.<i>.bias. The "activation" metadata entry selects the activation,
// and optional output.mean and output.std tensors denormalise the output.
func LoadMLP(f *safetensors.File) (*MLP, error) {
	activation, err := ParseActivation(f.Metadata()["activation"])
	if err != nil {
		return nil, err
	}

	var layers []Layer
	for i := 0; ; i++ {
		name := fmt.Sprintf("layers.%d.weight", i)
		info, ok := f.Info(name)
		if !ok {
			break
		}

		if len(info.Shape) != 2 {
			return nil, fmt.Errorf("decoder: %s has shape %v, want [out, in]", name, info.Shape)
		}

		w, err := f.Floats(name)
		if err != nil {
			return nil, err
		}

		l := Layer{Weight: w, Out: info.Shape[0], In: info.Shape[1]}
		if bias := fmt.Sprintf("layers.%d.bias", i); f.Has(bias) {
			if l.Bias, err = f.Floats(bias); err != nil {
				return nil, err
			}
		}

		layers = append(layers, l)
	}

	m, err := NewMLP(activation, layers...)
	if err != nil {
		return nil, err
	}

	if f.Has("output.mean") || f.Has("output.std") {
		mean, err := f.Floats("output.mean")
		if err != nil {
			return nil, err
		}

		std, err := f.Floats("output.std")
		if err != nil {
			return nil, err
		}

		if err := m.SetNormalization(mean, std); err != nil {
			return nil, err
		}
	}

	slog.Debug("loaded decoder", "layers", len(m.layers), "activation", m.activation, "latent", m.LatentDim(), "output", m.OutputDim())
	return m, nil
}
