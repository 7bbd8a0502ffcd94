package safetensors

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/google/go-cmp/cmp"

	"github.com/weightspace/w2w/ml"
	"github.com/weightspace/w2w/ml/backend/cpu"
	"github.com/weightspace/w2w/ml/nn"
)

func encode(t *testing.T, tensors []Named, metadata map[string]string) []byte {
	t.Helper()

	var b bytes.Buffer
	if err := Write(&b, tensors, metadata); err != nil {
		t.Fatal(err)
	}

	return b.Bytes()
}

func TestWriteOpen(t *testing.T) {
	ctx := cpu.NewContext()
	f32, _ := ctx.FromFloatSlice([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	f16 := f32.Reshape(ctx, 6).Cast(ctx, ml.DTypeF16)
	bf16, _ := ctx.FromFloatSlice([]float32{0.5, -1.25, 3.140625}, 1, 3)
	bf16 = bf16.Cast(ctx, ml.DTypeBF16)

	data := encode(t, []Named{
		{"z.weight", f32},
		{"a.weight", f16},
		{"m.weight", bf16},
	}, map[string]string{"rank": "4"})

	var n int64
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &n); err != nil {
		t.Fatal(err)
	}

	if n%8 != 0 {
		t.Errorf("header size %d is not 8-byte aligned", n)
	}

	// header keeps write order
	hdr := string(data[8 : 8+n])
	if z, a := strings.Index(hdr, "z.weight"), strings.Index(hdr, "a.weight"); z > a {
		t.Errorf("header order not preserved: %s", hdr)
	}

	f, err := Open(fstest.MapFS{"model.safetensors": {Data: data}}, "model.safetensors")
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]string{"a.weight", "m.weight", "z.weight"}, f.Names()); diff != "" {
		t.Errorf("names mismatch (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff(map[string]string{"rank": "4"}, f.Metadata()); diff != "" {
		t.Errorf("metadata mismatch (-want +got):\n%s", diff)
	}

	cases := []struct {
		name  string
		dtype string
		shape []int
		want  []float32
	}{
		{"z.weight", "F32", []int{2, 3}, []float32{1, 2, 3, 4, 5, 6}},
		{"a.weight", "F16", []int{6}, []float32{1, 2, 3, 4, 5, 6}},
		{"m.weight", "BF16", []int{1, 3}, []float32{0.5, -1.25, 3.140625}},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			info, ok := f.Info(tt.name)
			if !ok {
				t.Fatal("missing")
			}

			if info.DType != tt.dtype {
				t.Errorf("dtype = %s, want %s", info.DType, tt.dtype)
			}

			tensor, err := f.Tensor(ctx, tt.name)
			if err != nil {
				t.Fatal(err)
			}

			if diff := cmp.Diff(tt.shape, tensor.Shape()); diff != "" {
				t.Errorf("shape mismatch (-want +got):\n%s", diff)
			}

			if diff := cmp.Diff(tt.want, tensor.Floats()); diff != "" {
				t.Errorf("values mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestOpenShards(t *testing.T) {
	ctx := cpu.NewContext()
	one, _ := ctx.FromFloatSlice([]float32{1}, 1)
	two, _ := ctx.FromFloatSlice([]float32{2, 2}, 2)

	fsys := fstest.MapFS{
		"a.safetensors": {Data: encode(t, []Named{{"layers.0.weight", one}}, nil)},
		"b.safetensors": {Data: encode(t, []Named{{"layers.1.weight", two}}, map[string]string{"activation": "relu"})},
		"c.safetensors": {Data: encode(t, []Named{{"layers.1.weight", one}}, nil)},
	}

	f, err := Open(fsys, "a.safetensors", "b.safetensors")
	if err != nil {
		t.Fatal(err)
	}

	if !f.Has("layers.0.weight") || !f.Has("layers.1.weight") {
		t.Errorf("names = %v", f.Names())
	}

	if f.Metadata()["activation"] != "relu" {
		t.Errorf("metadata = %v", f.Metadata())
	}

	if _, err := Open(fsys, "b.safetensors", "c.safetensors"); err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Errorf("expected duplicate error, got %v", err)
	}

	if _, err := Open(fsys, "missing.safetensors"); err == nil {
		t.Error("expected error")
	}
}

func TestOpenCorrupt(t *testing.T) {
	cases := map[string][]byte{
		"short":    {1, 2, 3},
		"huge":     {0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x7f},
		"not json": append([]byte{4, 0, 0, 0, 0, 0, 0, 0}, "nope"...),
	}

	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Open(fstest.MapFS{"x": {Data: data}}, "x"); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestSourceLoad(t *testing.T) {
	ctx := cpu.NewContext()
	w, _ := ctx.FromFloatSlice([]float32{1, 0, 0, 1}, 2, 2)

	f, err := Open(fstest.MapFS{"m": {Data: encode(t, []Named{{"proj.weight", w}}, nil)}}, "m")
	if err != nil {
		t.Fatal(err)
	}

	var m struct {
		Proj *nn.Linear `weight:"proj"`
	}

	if err := nn.Load(&m, Source{File: f, Ctx: ctx}, ""); err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]float32{1, 0, 0, 1}, m.Proj.Weight.Floats()); diff != "" {
		t.Errorf("weight mismatch (-want +got):\n%s", diff)
	}

	if m.Proj.Bias != nil {
		t.Error("optional bias loaded")
	}
}
