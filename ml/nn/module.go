package nn

import (
	"fmt"
	"reflect"
	"slices"
	"strconv"
	"strings"

	"github.com/weightspace/w2w/ml"
)

// ForwardFunc is a module's forward computation.
type ForwardFunc func(ctx ml.Context, t ml.Tensor) ml.Tensor

// Hookable is a module whose forward computation can be captured and replaced.
type Hookable interface {
	ForwardFunc() ForwardFunc
	SetForwardFunc(ForwardFunc)
}

// Container lets a module resolve its own children by name instead of
// through struct tags.
type Container interface {
	Child(name string) (any, bool)
}

// Lookup walks root along a dotted module path such as
// "down_blocks.0.attentions.1.transformer_blocks.0.attn1.to_q".
//
// Struct fields are matched by their `weight` tag, which may itself span
// several segments. Untagged struct pointers and maps are searched with the
// current prefix. Numeric segments index slices and arrays, and string-keyed maps
// are indexed directly.
func Lookup(root any, path string) (any, error) {
	if path == "" {
		return root, nil
	}

	v, ok := lookup(reflect.ValueOf(root), strings.Split(path, "."))
	if !ok {
		return nil, fmt.Errorf("nn: module %q not found", path)
	}

	return v.Interface(), nil
}

func lookup(v reflect.Value, segments []string) (reflect.Value, bool) {
	if len(segments) == 0 {
		if v.IsValid() && v.Kind() == reflect.Struct && v.CanAddr() {
			v = v.Addr()
		}

		if v.IsValid() && (v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface) && v.IsNil() {
			return reflect.Value{}, false
		}

		return v, v.IsValid() && v.CanInterface()
	}

	if v.IsValid() && v.Kind() == reflect.Struct && v.CanAddr() {
		v = v.Addr()
	}

	if v.IsValid() && v.CanInterface() {
		if c, ok := v.Interface().(Container); ok {
			if child, ok := c.Child(segments[0]); ok {
				return lookup(reflect.ValueOf(child), segments[1:])
			}

			return reflect.Value{}, false
		}
	}

	v = indirect(v)
	if !v.IsValid() {
		return reflect.Value{}, false
	}

	switch v.Kind() {
	case reflect.Struct:
		t := v.Type()
		for i := range t.NumField() {
			field := t.Field(i)
			if !field.IsExported() {
				continue
			}

			tag, hasTag := field.Tag.Lookup("weight")
			name, _, _ := strings.Cut(tag, ",")
			if name == "-" {
				continue
			}

			if !hasTag {
				if field.Type.Kind() == reflect.Map || field.Type.Kind() == reflect.Pointer && field.Type.Elem().Kind() == reflect.Struct {
					if found, ok := lookup(v.Field(i), segments); ok {
						return found, true
					}
				}
				continue
			}

			parts := strings.Split(name, ".")
			if len(parts) > len(segments) || !slices.Equal(parts, segments[:len(parts)]) {
				continue
			}

			if found, ok := lookup(v.Field(i), segments[len(parts):]); ok {
				return found, true
			}
		}
	case reflect.Slice, reflect.Array:
		i, err := strconv.Atoi(segments[0])
		if err != nil || i < 0 || i >= v.Len() {
			return reflect.Value{}, false
		}

		return lookup(v.Index(i), segments[1:])
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return reflect.Value{}, false
		}

		child := v.MapIndex(reflect.ValueOf(segments[0]).Convert(v.Type().Key()))
		if !child.IsValid() {
			return reflect.Value{}, false
		}

		return lookup(child, segments[1:])
	}

	return reflect.Value{}, false
}

// indirect follows pointers and interfaces down to a concrete value.
func indirect(v reflect.Value) reflect.Value {
	for v.IsValid() && (v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface) {
		if v.IsNil() {
			return reflect.Value{}
		}
		v = v.Elem()
	}

	return v
}
