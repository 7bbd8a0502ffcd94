// Package safetensors reads and writes the safetensors tensor format: an
// 8-byte little-endian header length, a JSON header, then tensor data.
package safetensors

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"maps"
	"slices"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
	"golang.org/x/sync/errgroup"

	"github.com/weightspace/w2w/ml"
)

const metadataKey = "__metadata__"

// maxHeaderSize bounds the header allocation for corrupt files.
const maxHeaderSize = 100 << 20

type header struct {
	DType   string   `json:"dtype"`
	Shape   []int    `json:"shape"`
	Offsets [2]int64 `json:"data_offsets"`
}

// Info describes a tensor stored in a file.
type Info struct {
	Name  string
	DType string
	Shape []int

	path   string
	offset int64
	size   int64
}

// File is a set of safetensors shards opened as one collection of tensors.
type File struct {
	fsys     fs.FS
	tensors  map[string]Info
	metadata map[string]string
}

type shard struct {
	tensors  []Info
	metadata map[string]string
}

// Open reads the headers of every path in fsys. Tensor data is read
// lazily. A tensor name present in more than one shard is an error.
func Open(fsys fs.FS, paths ...string) (*File, error) {
	if len(paths) == 0 {
		return nil, errors.New("safetensors: no files")
	}

	shards := make([]shard, len(paths))

	var g errgroup.Group
	for i, p := range paths {
		g.Go(func() error {
			s, err := readHeader(fsys, p)
			if err != nil {
				return fmt.Errorf("safetensors: %s: %w", p, err)
			}

			shards[i] = s
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	f := &File{
		fsys:     fsys,
		tensors:  make(map[string]Info),
		metadata: make(map[string]string),
	}

	for _, s := range shards {
		for _, info := range s.tensors {
			if prev, ok := f.tensors[info.Name]; ok {
				return nil, fmt.Errorf("safetensors: duplicate tensor %q in %s and %s", info.Name, prev.path, info.path)
			}

			f.tensors[info.Name] = info
		}

		maps.Copy(f.metadata, s.metadata)
	}

	return f, nil
}

func readHeader(fsys fs.FS, p string) (shard, error) {
	r, err := fsys.Open(p)
	if err != nil {
		return shard{}, err
	}
	defer r.Close()

	var n int64
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return shard{}, err
	}

	if n <= 0 || n > maxHeaderSize {
		return shard{}, fmt.Errorf("invalid header size %d", n)
	}

	b := bytes.NewBuffer(make([]byte, 0, n))
	if _, err := io.CopyN(b, r, n); err != nil {
		return shard{}, err
	}

	var raw map[string]json.RawMessage
	if err := json.NewDecoder(b).Decode(&raw); err != nil {
		return shard{}, err
	}

	var s shard
	for _, name := range slices.Sorted(maps.Keys(raw)) {
		if name == metadataKey {
			if err := json.Unmarshal(raw[name], &s.metadata); err != nil {
				return shard{}, fmt.Errorf("metadata: %w", err)
			}
			continue
		}

		var h header
		if err := json.Unmarshal(raw[name], &h); err != nil {
			return shard{}, fmt.Errorf("%s: %w", name, err)
		}

		size, err := elementSize(h.DType)
		if err != nil {
			return shard{}, fmt.Errorf("%s: %w", name, err)
		}

		if want := int64(ml.NumElements(h.Shape...)) * size; h.Offsets[1]-h.Offsets[0] != want {
			return shard{}, fmt.Errorf("%s: data offsets %v do not match shape %v", name, h.Offsets, h.Shape)
		}

		s.tensors = append(s.tensors, Info{
			Name:   name,
			DType:  h.DType,
			Shape:  h.Shape,
			path:   p,
			offset: 8 + n + h.Offsets[0],
			size:   h.Offsets[1] - h.Offsets[0],
		})
	}

	return s, nil
}

func elementSize(dtype string) (int64, error) {
	switch dtype {
	case "F32":
		return 4, nil
	case "F16", "BF16":
		return 2, nil
	default:
		return 0, fmt.Errorf("unsupported dtype %q", dtype)
	}
}

// Names returns every tensor name in sorted order.
func (f *File) Names() []string {
	return slices.Sorted(maps.Keys(f.tensors))
}

func (f *File) Has(name string) bool {
	_, ok := f.tensors[name]
	return ok
}

func (f *File) Info(name string) (Info, bool) {
	info, ok := f.tensors[name]
	return info, ok
}

// Metadata returns the merged __metadata__ of every shard.
func (f *File) Metadata() map[string]string {
	return maps.Clone(f.metadata)
}

// Floats reads a tensor's data widened to float32.
func (f *File) Floats(name string) ([]float32, error) {
	info, ok := f.tensors[name]
	if !ok {
		return nil, fmt.Errorf("safetensors: tensor %q not found", name)
	}

	r, err := f.fsys.Open(info.path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	if seeker, ok := r.(io.Seeker); ok {
		if _, err := seeker.Seek(info.offset, io.SeekStart); err != nil {
			return nil, err
		}
	} else if _, err := io.CopyN(io.Discard, r, info.offset); err != nil {
		return nil, err
	}

	var f32s []float32
	switch info.DType {
	case "F32":
		f32s = make([]float32, info.size/4)
		if err := binary.Read(r, binary.LittleEndian, f32s); err != nil {
			return nil, err
		}
	case "F16":
		u16s := make([]uint16, info.size/2)
		if err := binary.Read(r, binary.LittleEndian, u16s); err != nil {
			return nil, err
		}

		f32s = make([]float32, len(u16s))
		for i := range u16s {
			f32s[i] = float16.Frombits(u16s[i]).Float32()
		}
	case "BF16":
		u8s := make([]uint8, info.size)
		if _, err := io.ReadFull(r, u8s); err != nil {
			return nil, err
		}

		f32s = bfloat16.DecodeFloat32(u8s)
	default:
		return nil, fmt.Errorf("safetensors: unsupported dtype %q", info.DType)
	}

	return f32s, nil
}

// Tensor reads name into a tensor of ctx, keeping its stored precision.
func (f *File) Tensor(ctx ml.Context, name string) (ml.Tensor, error) {
	f32s, err := f.Floats(name)
	if err != nil {
		return nil, err
	}

	info := f.tensors[name]
	t, err := ctx.FromFloatSlice(f32s, info.Shape...)
	if err != nil {
		return nil, err
	}

	switch info.DType {
	case "F16":
		t = t.Cast(ctx, ml.DTypeF16)
	case "BF16":
		t = t.Cast(ctx, ml.DTypeBF16)
	}

	return t, nil
}

// Source adapts a File to nn.WeightSource by materialising tensors in Ctx.
type Source struct {
	*File
	Ctx ml.Context
}

func (s Source) Get(name string) (ml.Tensor, error) {
	return s.Tensor(s.Ctx, name)
}
