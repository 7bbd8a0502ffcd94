package ml

import (
	"fmt"
	"strings"
)

type Backend interface {
	Name() string
	NewContext() Context
}

var backends = make(map[string]func() (Backend, error))

func RegisterBackend(name string, f func() (Backend, error)) {
	if _, ok := backends[name]; ok {
		panic("backend: backend already registered")
	}

	backends[name] = f
}

func NewBackend(name string) (Backend, error) {
	if backend, ok := backends[name]; ok {
		return backend()
	}

	return nil, fmt.Errorf("unsupported backend %q", name)
}

// Context creates tensors. Tensors created by a context stay valid until
// the context is closed.
type Context interface {
	Zeros(dtype DType, shape ...int) Tensor
	FromFloatSlice(s []float32, shape ...int) (Tensor, error)

	Close()
}

// Tensor is a row-major tensor. Operations return new tensors; View and
// Reshape share storage with the receiver. Shape mismatches panic.
type Tensor interface {
	Dim(n int) int
	Shape() []int
	DType() DType

	// Floats returns a copy of the values.
	Floats() []float32

	Add(ctx Context, t2 Tensor) Tensor
	Scale(ctx Context, s float64) Tensor
	// Matmul multiplies over the last dimension of t and the first of t2.
	Matmul(ctx Context, t2 Tensor) Tensor
	// Transpose swaps the last two dimensions.
	Transpose(ctx Context) Tensor

	// Reshape accepts a single -1 to infer a dimension.
	Reshape(ctx Context, shape ...int) Tensor
	// View selects a contiguous run of elements starting at offset.
	View(ctx Context, offset int, shape ...int) Tensor
	Cast(ctx Context, dtype DType) Tensor
}

type DType int

const (
	DTypeF32 DType = iota
	DTypeF16
	DTypeBF16
)

func (d DType) String() string {
	switch d {
	case DTypeF32:
		return "f32"
	case DTypeF16:
		return "f16"
	case DTypeBF16:
		return "bf16"
	default:
		return fmt.Sprintf("DType(%d)", int(d))
	}
}

func ParseDType(s string) (DType, error) {
	switch strings.ToLower(s) {
	case "f32", "float32", "fp32":
		return DTypeF32, nil
	case "f16", "float16", "fp16":
		return DTypeF16, nil
	case "bf16", "bfloat16":
		return DTypeBF16, nil
	default:
		return 0, fmt.Errorf("unsupported dtype %q", s)
	}
}

// NumElements returns the product of the dimensions in shape.
func NumElements(shape ...int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}

	return n
}

type DumpOptions struct {
	// Items is the number of elements to print at the beginning and end of each dimension.
	Items int

	// Precision is the number of decimal places to print.
	Precision int
}

func Dump(t Tensor, opts ...DumpOptions) string {
	if t == nil {
		return "<nil>"
	}

	if len(opts) < 1 {
		opts = append(opts, DumpOptions{
			Items:     3,
			Precision: 4,
		})
	}

	s := t.Floats()
	shape := t.Shape()
	if len(shape) == 0 {
		return "[]"
	}

	var sb strings.Builder
	var f func([]int, int)
	f = func(dims []int, offset int) {
		prefix := strings.Repeat(" ", len(shape)-len(dims)+1)
		fmt.Fprint(&sb, "[")
		defer func() { fmt.Fprint(&sb, "]") }()
		stride := NumElements(dims[1:]...)
		for i := 0; i < dims[0]; i++ {
			if i >= opts[0].Items && i < dims[0]-opts[0].Items {
				fmt.Fprint(&sb, "..., ")
				if len(dims) > 1 {
					fmt.Fprint(&sb, strings.Repeat("\n", len(dims)-1), prefix)
				}
				i = dims[0] - opts[0].Items - 1
				continue
			}

			if len(dims) > 1 {
				f(dims[1:], offset+i*stride)
				if i < dims[0]-1 {
					fmt.Fprint(&sb, ",", strings.Repeat("\n", len(dims)-1), prefix)
				}
			} else {
				fmt.Fprintf(&sb, "%.*f", opts[0].Precision, s[offset+i])
				if i < dims[0]-1 {
					fmt.Fprint(&sb, ", ")
				}
			}
		}
	}
	f(shape, 0)

	return sb.String()
}
