package nn

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/weightspace/w2w/ml"
)

// WeightSource provides named tensors to Load.
type WeightSource interface {
	Get(name string) (ml.Tensor, error)
	Has(name string) bool
}

var tensorType = reflect.TypeOf((*ml.Tensor)(nil)).Elem()

// Load fills dst with weights using reflection and struct tags.
//
// Struct tags use the format `weight:"path[,optional]"`:
//   - path is appended to prefix with a dot
//   - optional means a missing weight is not an error
//   - "-" skips the field
//   - an untagged struct pointer is loaded with the current prefix
//   - an untagged ml.Tensor is a computed field and is skipped
//
// Slices of struct pointers are loaded with .0, .1, .2... suffixes and
// must be allocated to the correct length beforehand.
func Load(dst any, weights WeightSource, prefix string) error {
	v := reflect.ValueOf(dst)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return fmt.Errorf("nn: Load dst must be a non-nil pointer")
	}

	v = v.Elem()
	if v.Kind() != reflect.Struct {
		return fmt.Errorf("nn: Load dst must be a pointer to struct, got %v", v.Kind())
	}

	var errs []string
	loadStruct(v, weights, prefix, &errs, false)
	if len(errs) > 0 {
		return fmt.Errorf("nn: missing weights:\n  %s", strings.Join(errs, "\n  "))
	}

	return nil
}

func loadStruct(v reflect.Value, weights WeightSource, prefix string, errs *[]string, parentOptional bool) {
	t := v.Type()
	for i := range t.NumField() {
		field := t.Field(i)
		fv := v.Field(i)
		if !fv.CanSet() {
			continue
		}

		tag, hasTag := field.Tag.Lookup("weight")
		if tag == "-" {
			continue
		}

		name, opts, _ := strings.Cut(tag, ",")
		optional := parentOptional || strings.Contains(opts, "optional")
		path := joinPath(prefix, name)

		if field.Type == tensorType {
			if !hasTag {
				continue
			}

			if !weights.Has(path) {
				if !optional {
					*errs = append(*errs, path)
				}
				continue
			}

			tt, err := weights.Get(path)
			if err != nil {
				*errs = append(*errs, path+": "+err.Error())
				continue
			}

			fv.Set(reflect.ValueOf(tt))
			continue
		}

		switch fv.Kind() {
		case reflect.Pointer:
			elem := fv.Type().Elem()
			if elem.Kind() != reflect.Struct {
				continue
			}

			if !hasTag {
				path = prefix
			} else if optional && !hasPrefix(weights, path) {
				continue
			}

			if fv.IsNil() {
				fv.Set(reflect.New(elem))
			}

			loadStruct(fv.Elem(), weights, path, errs, optional)
		case reflect.Struct:
			loadStruct(fv, weights, path, errs, optional)
		case reflect.Slice:
			if elem := fv.Type().Elem(); hasTag && elem.Kind() == reflect.Pointer && elem.Elem().Kind() == reflect.Struct {
				loadSlice(fv, weights, path, errs)
			}
		}
	}
}

func loadSlice(v reflect.Value, weights WeightSource, prefix string, errs *[]string) {
	elem := v.Type().Elem().Elem()
	for i := range v.Len() {
		e := v.Index(i)
		if e.IsNil() {
			e.Set(reflect.New(elem))
		}

		loadStruct(e.Elem(), weights, fmt.Sprintf("%s.%d", prefix, i), errs, false)
	}
}

// hasPrefix reports whether weights has any tensor under prefix. Only
// sources that can list their names are checked; others are assumed to.
func hasPrefix(weights WeightSource, prefix string) bool {
	lister, ok := weights.(interface{ Names() []string })
	if !ok {
		return true
	}

	for _, name := range lister.Names() {
		if name == prefix || strings.HasPrefix(name, prefix+".") {
			return true
		}
	}

	return false
}

func joinPath(prefix, suffix string) string {
	if prefix == "" {
		return suffix
	}
	if suffix == "" {
		return prefix
	}

	return prefix + "." + suffix
}
