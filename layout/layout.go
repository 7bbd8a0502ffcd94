// Package layout partitions a decoder's flat output among backbone modules.
//
// A declared layout maps decoder keys, in order, to factor shapes. Keys are
// rewritten into backbone naming, paired into down (A) and up (B) factors
// per module, filtered by a training [Method], and assigned contiguous
// ranges of the flat buffer by a single running counter.
package layout

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/weightspace/w2w/internal/orderedmap"
	"github.com/weightspace/w2w/logutil"
	"github.com/weightspace/w2w/types/errtypes"
)

// Dimensions is the list of shapes declared for one decoder key. The first
// entry of the first shape is the factor's element count.
type Dimensions [][]int

// Size returns the factor's element count.
func (d Dimensions) Size() (int, error) {
	if len(d) == 0 || len(d[0]) == 0 {
		return 0, fmt.Errorf("no dimensions")
	}

	if d[0][0] <= 0 {
		return 0, fmt.Errorf("invalid factor size %d", d[0][0])
	}

	return d[0][0], nil
}

// UnmarshalJSON accepts a list of shapes or a single flat shape.
func (d *Dimensions) UnmarshalJSON(b []byte) error {
	var shapes [][]int
	if err := json.Unmarshal(b, &shapes); err == nil {
		*d = shapes
		return nil
	}

	var shape []int
	if err := json.Unmarshal(b, &shape); err != nil {
		return err
	}

	*d = Dimensions{shape}
	return nil
}

// Declared is the decoder's layout in declaration order. The order decides
// every range and must be preserved exactly.
type Declared struct {
	orderedmap.Map[string, Dimensions]
}

func NewDeclared() *Declared {
	return &Declared{}
}

// Add declares a factor of size elements under key.
func (d *Declared) Add(key string, size int) {
	d.Set(key, Dimensions{{size}})
}

// Range is a half-open interval [Start, End) of the flat buffer.
type Range struct {
	Start, End int
}

func (r Range) Len() int {
	return r.End - r.Start
}

func (r Range) String() string {
	return fmt.Sprintf("[%d, %d)", r.Start, r.End)
}

// Entry assigns one backbone module its factor ranges.
type Entry struct {
	// Path is the dotted module path from the backbone root.
	Path string
	// Key is the rewritten base key of the module.
	Key string

	A, B Range
}

// Skipped records a module left without an adapter.
type Skipped struct {
	Path   string
	Reason string
}

// Layout is the resolved assignment of ranges to modules, in declared order.
type Layout struct {
	Method  Method
	Entries []Entry
	Skipped []Skipped

	// Total is the number of parameters the entries consume.
	Total int
}

type resolveOptions struct {
	lenient bool
}

type ResolveOption func(*resolveOptions)

// WithLenient makes malformed groups a logged skip instead of an error.
func WithLenient(lenient bool) ResolveOption {
	return func(o *resolveOptions) {
		o.lenient = lenient
	}
}

type factor struct {
	key  string
	size int
}

type group struct {
	base string
	a, b *factor
	err  *errtypes.MalformedLayoutError
}

// Resolve pairs the declared factors and assigns their ranges. Errors
// are *errtypes.MalformedLayoutError.
func Resolve(decl *Declared, method Method, opts ...ResolveOption) (*Layout, error) {
	var o resolveOptions
	for _, opt := range opts {
		opt(&o)
	}

	if _, err := ParseMethod(string(method)); err != nil {
		return nil, err
	}

	if decl == nil {
		decl = NewDeclared()
	}

	groups := orderedmap.New[string, *group]()
	for key, dims := range decl.All() {
		base, down := splitKey(RewriteKey(key))

		g, ok := groups.Get(base)
		if !ok {
			g = &group{base: base}
			groups.Set(base, g)
		}

		if g.err != nil {
			continue
		}

		size, err := dims.Size()
		if err != nil {
			g.err = &errtypes.MalformedLayoutError{Key: key, Reason: err.Error()}
			continue
		}

		slot := &g.b
		if down {
			slot = &g.a
		}

		if *slot != nil {
			g.err = &errtypes.MalformedLayoutError{Key: key, Reason: fmt.Sprintf("duplicates %q", (*slot).key)}
			continue
		}

		*slot = &factor{key: key, size: size}
	}

	l := Layout{Method: method}

	var counter int
	for base, g := range groups.All() {
		path := ModulePath(base)

		if g.err == nil {
			switch {
			case g.a == nil:
				g.err = &errtypes.MalformedLayoutError{Key: g.b.key, Reason: "missing " + downFactor + " partner"}
			case g.b == nil:
				g.err = &errtypes.MalformedLayoutError{Key: g.a.key, Reason: "missing " + upFactor + " partner"}
			}
		}

		if g.err != nil {
			if !o.lenient {
				return nil, g.err
			}

			slog.Warn("skipping malformed layout group", "path", path, "error", g.err)
			l.Skipped = append(l.Skipped, Skipped{Path: path, Reason: g.err.Reason})
			continue
		}

		if method.Skip(path) {
			slog.Warn("module excluded by training method", "path", path, "method", method)
			l.Skipped = append(l.Skipped, Skipped{Path: path, Reason: "excluded by " + string(method)})
			continue
		}

		e := Entry{Path: path, Key: base}
		e.A = Range{counter, counter + g.a.size}
		counter = e.A.End
		e.B = Range{counter, counter + g.b.size}
		counter = e.B.End

		logutil.Trace("assigned adapter ranges", "path", path, "a", e.A, "b", e.B)
		l.Entries = append(l.Entries, e)
	}

	l.Total = counter
	slog.Debug("resolved layout", "method", method, "modules", len(l.Entries), "skipped", len(l.Skipped), "total", l.Total)
	return &l, nil
}
