package layout

import (
	"strings"

	"github.com/weightspace/w2w/types/errtypes"
)

// Method selects which backbone modules receive adapters.
type Method string

const (
	MethodNoXAttn          Method = "noxattn"
	MethodNoXAttnHSpace    Method = "noxattn-hspace"
	MethodNoXAttnHSpaceEnd Method = "noxattn-hspace-last"
	MethodInNoXAttn        Method = "innoxattn"
	MethodSelfAttn         Method = "selfattn"
	MethodXAttn            Method = "xattn"
	MethodXAttnStrict      Method = "xattn-strict"
	MethodFull             Method = "full"
)

// Methods lists every supported method.
var Methods = []Method{
	MethodNoXAttn,
	MethodNoXAttnHSpace,
	MethodNoXAttnHSpaceEnd,
	MethodInNoXAttn,
	MethodSelfAttn,
	MethodXAttn,
	MethodXAttnStrict,
	MethodFull,
}

// ParseMethod returns an *errtypes.UnsupportedMethodError for unknown names.
func ParseMethod(s string) (Method, error) {
	switch m := Method(s); m {
	case MethodNoXAttn, MethodNoXAttnHSpace, MethodNoXAttnHSpaceEnd,
		MethodInNoXAttn, MethodSelfAttn, MethodXAttn, MethodXAttnStrict, MethodFull:
		return m, nil
	default:
		return "", &errtypes.UnsupportedMethodError{Method: s}
	}
}

// Skip reports whether the module at path is excluded by m.
func (m Method) Skip(path string) bool {
	switch m {
	case MethodNoXAttn, MethodNoXAttnHSpace, MethodNoXAttnHSpaceEnd:
		return strings.Contains(path, "attn2") || strings.Contains(path, "time_embed")
	case MethodInNoXAttn:
		return strings.Contains(path, "attn2")
	case MethodSelfAttn:
		return !strings.Contains(path, "attn1")
	case MethodXAttn:
		return strings.Contains(path, "to_k")
	case MethodXAttnStrict:
		return strings.Contains(path, "to_k") || strings.Contains(path, "out")
	default:
		return false
	}
}

func (m Method) String() string {
	return string(m)
}
