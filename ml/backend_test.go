package ml

import "testing"

type sliceTensor struct {
	Tensor
	shape []int
	data  []float32
}

func (t sliceTensor) Shape() []int      { return t.shape }
func (t sliceTensor) Floats() []float32 { return t.data }

func TestDump(t *testing.T) {
	cases := []struct {
		name  string
		shape []int
		data  []float32
		opts  DumpOptions
		want  string
	}{
		{
			name:  "vector",
			shape: []int{3},
			data:  []float32{1, 2, 3},
			opts:  DumpOptions{Items: 3, Precision: 1},
			want:  "[1.0, 2.0, 3.0]",
		},
		{
			name:  "truncated",
			shape: []int{6},
			data:  []float32{1, 2, 3, 4, 5, 6},
			opts:  DumpOptions{Items: 1, Precision: 0},
			want:  "[1, ..., 6]",
		},
		{
			name:  "matrix",
			shape: []int{2, 2},
			data:  []float32{1, 2, 3, 4},
			opts:  DumpOptions{Items: 2, Precision: 0},
			want:  "[[1, 2],\n [3, 4]]",
		},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			if got := Dump(sliceTensor{shape: tt.shape, data: tt.data}, tt.opts); got != tt.want {
				t.Errorf("Dump() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseDType(t *testing.T) {
	for s, want := range map[string]DType{"f32": DTypeF32, "FP16": DTypeF16, "bfloat16": DTypeBF16} {
		got, err := ParseDType(s)
		if err != nil {
			t.Fatal(err)
		}

		if got != want {
			t.Errorf("ParseDType(%q) = %v, want %v", s, got, want)
		}

		if again, _ := ParseDType(got.String()); again != got {
			t.Errorf("String() of %v does not parse back", got)
		}
	}

	if _, err := ParseDType("q4_0"); err == nil {
		t.Error("expected error")
	}
}
