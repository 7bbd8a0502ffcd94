// Package cpu is a pure Go tensor backend. Values are stored as float32 and
// rounded to the tensor's dtype after every operation so that f16 and bf16
// tensors carry exactly the precision of their storage format.
package cpu

import (
	"fmt"
	"slices"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/weightspace/w2w/ml"
)

func init() {
	ml.RegisterBackend("cpu", func() (ml.Backend, error) {
		return &Backend{}, nil
	})
}

type Backend struct{}

func (b *Backend) Name() string { return "cpu" }

func (b *Backend) NewContext() ml.Context {
	return &Context{}
}

// NewContext returns a context without going through the backend registry.
func NewContext() ml.Context {
	return &Context{}
}

type Context struct{}

var _ ml.Context = (*Context)(nil)

func (c *Context) Zeros(dtype ml.DType, shape ...int) ml.Tensor {
	return &Tensor{
		dtype: dtype,
		shape: slices.Clone(shape),
		data:  make([]float32, ml.NumElements(shape...)),
	}
}

func (c *Context) FromFloatSlice(s []float32, shape ...int) (ml.Tensor, error) {
	if n := ml.NumElements(shape...); n != len(s) {
		return nil, fmt.Errorf("cpu: %d values do not fit shape %v (%d elements)", len(s), shape, n)
	}

	return &Tensor{
		dtype: ml.DTypeF32,
		shape: slices.Clone(shape),
		data:  slices.Clone(s),
	}, nil
}

func (c *Context) Close() {}

type Tensor struct {
	dtype ml.DType
	shape []int
	data  []float32
}

var _ ml.Tensor = (*Tensor)(nil)

func (t *Tensor) Dim(n int) int {
	return t.shape[n]
}

func (t *Tensor) Shape() []int {
	return slices.Clone(t.shape)
}

func (t *Tensor) DType() ml.DType {
	return t.dtype
}

func (t *Tensor) Floats() []float32 {
	return slices.Clone(t.data)
}

func (t *Tensor) String() string {
	return fmt.Sprintf("cpu.Tensor(%v, %v)", t.dtype, t.shape)
}

func (t *Tensor) Add(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	a := float64s(t.data)
	b := float64s(floatsOf(t2))

	switch {
	case len(a) == len(b):
		floats.Add(a, b)
	case len(b) > 0 && len(a)%len(b) == 0 && t.shape[len(t.shape)-1] == len(b):
		for i := 0; i < len(a); i += len(b) {
			floats.Add(a[i:i+len(b)], b)
		}
	default:
		panic(fmt.Errorf("cpu: cannot add %v to %v", t2.Shape(), t.shape))
	}

	return t.result(t.shape, a)
}

func (t *Tensor) Scale(ctx ml.Context, s float64) ml.Tensor {
	a := float64s(t.data)
	floats.Scale(s, a)
	return t.result(t.shape, a)
}

func (t *Tensor) Matmul(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	shape2 := t2.Shape()
	if len(t.shape) < 1 || len(shape2) != 2 {
		panic(fmt.Errorf("cpu: cannot multiply %v by %v", t.shape, shape2))
	}

	k := t.shape[len(t.shape)-1]
	if k != shape2[0] {
		panic(fmt.Errorf("cpu: inner dimensions differ: %v x %v", t.shape, shape2))
	}

	rows := ml.NumElements(t.shape[:len(t.shape)-1]...)
	shape := append(slices.Clone(t.shape[:len(t.shape)-1]), shape2[1])
	if rows == 0 || k == 0 || shape2[1] == 0 {
		return t.result(shape, make([]float64, ml.NumElements(shape...)))
	}

	a := mat.NewDense(rows, k, float64s(t.data))
	b := mat.NewDense(k, shape2[1], float64s(floatsOf(t2)))

	var c mat.Dense
	c.Mul(a, b)
	return t.result(shape, c.RawMatrix().Data)
}

func (t *Tensor) Transpose(ctx ml.Context) ml.Tensor {
	if len(t.shape) < 2 {
		panic(fmt.Errorf("cpu: cannot transpose %v", t.shape))
	}

	r, c := t.shape[len(t.shape)-2], t.shape[len(t.shape)-1]
	batch := len(t.data) / max(r*c, 1)

	out := make([]float32, len(t.data))
	for n := range batch {
		src := t.data[n*r*c : (n+1)*r*c]
		dst := out[n*r*c : (n+1)*r*c]
		for i := range r {
			for j := range c {
				dst[j*r+i] = src[i*c+j]
			}
		}
	}

	shape := slices.Clone(t.shape)
	shape[len(shape)-2], shape[len(shape)-1] = c, r
	return &Tensor{dtype: t.dtype, shape: shape, data: out}
}

func (t *Tensor) Reshape(ctx ml.Context, shape ...int) ml.Tensor {
	shape = slices.Clone(shape)
	infer := -1
	known := 1
	for i, d := range shape {
		if d == -1 {
			if infer >= 0 {
				panic("cpu: only one dimension can be inferred")
			}
			infer = i
			continue
		}
		known *= d
	}

	if infer >= 0 {
		if known == 0 || len(t.data)%known != 0 {
			panic(fmt.Errorf("cpu: cannot reshape %v into %v", t.shape, shape))
		}
		shape[infer] = len(t.data) / known
	}

	if ml.NumElements(shape...) != len(t.data) {
		panic(fmt.Errorf("cpu: cannot reshape %v into %v", t.shape, shape))
	}

	return &Tensor{dtype: t.dtype, shape: shape, data: t.data}
}

func (t *Tensor) View(ctx ml.Context, offset int, shape ...int) ml.Tensor {
	n := ml.NumElements(shape...)
	if offset < 0 || offset+n > len(t.data) {
		panic(fmt.Errorf("cpu: view [%d, %d) out of range for %d elements", offset, offset+n, len(t.data)))
	}

	return &Tensor{dtype: t.dtype, shape: slices.Clone(shape), data: t.data[offset : offset+n : offset+n]}
}

func (t *Tensor) Cast(ctx ml.Context, dtype ml.DType) ml.Tensor {
	data := slices.Clone(t.data)
	round(dtype, data)
	return &Tensor{dtype: dtype, shape: slices.Clone(t.shape), data: data}
}

func (t *Tensor) result(shape []int, f64s []float64) *Tensor {
	data := make([]float32, len(f64s))
	for i, v := range f64s {
		data[i] = float32(v)
	}

	round(t.dtype, data)
	return &Tensor{dtype: t.dtype, shape: slices.Clone(shape), data: data}
}

// round truncates values to the precision of dtype in place.
func round(dtype ml.DType, data []float32) {
	switch dtype {
	case ml.DTypeF16:
		for i, v := range data {
			data[i] = float16.Fromfloat32(v).Float32()
		}
	case ml.DTypeBF16:
		for i, v := range data {
			data[i] = bfloat16.ToFloat32(bfloat16.FromFloat32(v))
		}
	}
}

func floatsOf(t ml.Tensor) []float32 {
	if t, ok := t.(*Tensor); ok {
		return t.data
	}

	return t.Floats()
}

func float64s(s []float32) []float64 {
	f64s := make([]float64, len(s))
	for i, v := range s {
		f64s[i] = float64(v)
	}

	return f64s
}
