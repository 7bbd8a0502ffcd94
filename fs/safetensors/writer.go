package safetensors

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"

	"github.com/weightspace/w2w/internal/orderedmap"
	"github.com/weightspace/w2w/ml"
)

// Named is a tensor to be written under Name.
type Named struct {
	Name   string
	Tensor ml.Tensor
}

// Write writes tensors in the given order with their own dtype. The header
// lists tensors in the same order and is padded with spaces to a multiple
// of 8 bytes.
func Write(w io.Writer, tensors []Named, metadata map[string]string) error {
	hdr := orderedmap.New[string, any]()
	if len(metadata) > 0 {
		hdr.Set(metadataKey, metadata)
	}

	var offset int64
	for _, t := range tensors {
		if _, ok := hdr.Get(t.Name); ok || t.Name == metadataKey {
			return fmt.Errorf("safetensors: duplicate tensor %q", t.Name)
		}

		dtype, size, err := storage(t.Tensor.DType())
		if err != nil {
			return fmt.Errorf("safetensors: %s: %w", t.Name, err)
		}

		n := int64(ml.NumElements(t.Tensor.Shape()...)) * size
		hdr.Set(t.Name, header{
			DType:   dtype,
			Shape:   t.Tensor.Shape(),
			Offsets: [2]int64{offset, offset + n},
		})

		offset += n
	}

	b, err := json.Marshal(hdr)
	if err != nil {
		return err
	}

	if pad := len(b) % 8; pad != 0 {
		b = append(b, bytes.Repeat([]byte(" "), 8-pad)...)
	}

	if err := binary.Write(w, binary.LittleEndian, int64(len(b))); err != nil {
		return err
	}

	if _, err := w.Write(b); err != nil {
		return err
	}

	for _, t := range tensors {
		if err := writeData(w, t.Tensor); err != nil {
			return fmt.Errorf("safetensors: %s: %w", t.Name, err)
		}
	}

	return nil
}

func storage(dtype ml.DType) (string, int64, error) {
	switch dtype {
	case ml.DTypeF32:
		return "F32", 4, nil
	case ml.DTypeF16:
		return "F16", 2, nil
	case ml.DTypeBF16:
		return "BF16", 2, nil
	default:
		return "", 0, fmt.Errorf("unsupported dtype %v", dtype)
	}
}

func writeData(w io.Writer, t ml.Tensor) error {
	f32s := t.Floats()
	switch t.DType() {
	case ml.DTypeF32:
		return binary.Write(w, binary.LittleEndian, f32s)
	case ml.DTypeF16:
		u16s := make([]uint16, len(f32s))
		for i := range f32s {
			u16s[i] = float16.Fromfloat32(f32s[i]).Bits()
		}

		return binary.Write(w, binary.LittleEndian, u16s)
	case ml.DTypeBF16:
		u16s := make([]uint16, len(f32s))
		for i := range f32s {
			u16s[i] = uint16(bfloat16.FromFloat32(f32s[i]))
		}

		return binary.Write(w, binary.LittleEndian, u16s)
	default:
		return fmt.Errorf("unsupported dtype %v", t.DType())
	}
}
