package layout

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
)

// Load reads a declared layout, choosing the format by file extension:
// ".json" is a JSON object, anything else a torch pickle.
func Load(path string) (*Declared, error) {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()

		return LoadJSON(f)
	}

	return LoadTorch(path)
}

// LoadJSON reads a JSON object of key to shapes, keeping key order.
func LoadJSON(r io.Reader) (*Declared, error) {
	decl := NewDeclared()
	if err := json.NewDecoder(r).Decode(decl); err != nil {
		return nil, fmt.Errorf("layout: %w", err)
	}

	return decl, nil
}

// LoadTorch reads a torch-saved dict of key to a sequence of torch.Size.
func LoadTorch(path string) (*Declared, error) {
	pt, err := pytorch.Load(path)
	if err != nil {
		return nil, fmt.Errorf("layout: %s: %w", path, err)
	}

	return fromPickle(pt)
}

func fromPickle(v any) (*Declared, error) {
	d, ok := v.(*types.Dict)
	if !ok {
		return nil, fmt.Errorf("layout: expected dict, got %T", v)
	}

	decl := NewDeclared()
	for _, k := range d.Keys() {
		key, ok := k.(string)
		if !ok {
			return nil, fmt.Errorf("layout: expected string key, got %T", k)
		}

		dims, err := pickleDimensions(d.MustGet(k))
		if err != nil {
			return nil, fmt.Errorf("layout: %s: %w", key, err)
		}

		decl.Set(key, dims)
	}

	return decl, nil
}

type sequence interface {
	Len() int
	Get(int) interface{}
}

func pickleDimensions(v any) (Dimensions, error) {
	items, err := pickleSequence(v)
	if err != nil {
		return nil, err
	}

	var dims Dimensions
	for _, item := range items {
		shape, err := pickleShape(item)
		if err != nil {
			return nil, err
		}

		dims = append(dims, shape)
	}

	return dims, nil
}

// pickleShape converts a torch.Size, tuple or list of ints into a shape. A
// bare int is a one-dimensional shape.
func pickleShape(v any) ([]int, error) {
	if n, ok := pickleInt(v); ok {
		return []int{n}, nil
	}

	items, err := pickleSequence(v)
	if err != nil {
		return nil, err
	}

	shape := make([]int, len(items))
	for i, item := range items {
		n, ok := pickleInt(item)
		if !ok {
			return nil, fmt.Errorf("expected int dimension, got %T", item)
		}

		shape[i] = n
	}

	return shape, nil
}

func pickleSequence(v any) ([]any, error) {
	// torch.Size reduces to its class called with a single tuple
	if obj, ok := v.(*types.GenericObject); ok {
		if len(obj.ConstructorArgs) != 1 {
			return nil, fmt.Errorf("unexpected %v constructor", obj.Class)
		}

		v = obj.ConstructorArgs[0]
	}

	s, ok := v.(sequence)
	if !ok {
		return nil, fmt.Errorf("expected sequence, got %T", v)
	}

	items := make([]any, s.Len())
	for i := range items {
		items[i] = s.Get(i)
	}

	return items, nil
}

func pickleInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case int32:
		return int(n), true
	default:
		return 0, false
	}
}
