package nn

import "github.com/weightspace/w2w/ml"

// Linear computes x @ Weightᵀ + Bias with Weight shaped [out, in]. Its
// forward computation can be replaced through SetForwardFunc.
type Linear struct {
	Weight ml.Tensor `weight:"weight"`
	Bias   ml.Tensor `weight:"bias,optional"`

	forward ForwardFunc
}

func NewLinear(weight, bias ml.Tensor) *Linear {
	return &Linear{Weight: weight, Bias: bias}
}

func (m *Linear) Forward(ctx ml.Context, t ml.Tensor) ml.Tensor {
	if m.forward != nil {
		return m.forward(ctx, t)
	}

	return m.linear(ctx, t)
}

func (m *Linear) linear(ctx ml.Context, t ml.Tensor) ml.Tensor {
	t = t.Matmul(ctx, m.Weight.Transpose(ctx))
	if m.Bias != nil {
		t = t.Add(ctx, m.Bias)
	}

	return t
}

// ForwardFunc returns the computation Forward currently runs.
func (m *Linear) ForwardFunc() ForwardFunc {
	if m.forward != nil {
		return m.forward
	}

	return m.linear
}

func (m *Linear) SetForwardFunc(fn ForwardFunc) {
	m.forward = fn
}

// InFeatures and OutFeatures report the weight dimensions.
func (m *Linear) InFeatures() int  { return m.Weight.Dim(1) }
func (m *Linear) OutFeatures() int { return m.Weight.Dim(0) }
