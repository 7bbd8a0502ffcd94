// Package errtypes contains custom error types
package errtypes

import (
	"fmt"
	"strings"
)

const (
	UnsupportedMethodErrMsg = "unsupported training method"
	MalformedLayoutErrMsg   = "malformed adapter layout"
	ParameterMismatchErrMsg = "adapter parameter count mismatch"
)

// UnsupportedMethodError is returned when a training method name does not
// select any known inclusion policy.
type UnsupportedMethodError struct {
	Method string
}

func (e *UnsupportedMethodError) Error() string {
	return fmt.Sprintf("%s %q", UnsupportedMethodErrMsg, strings.TrimSpace(e.Method))
}

// MalformedLayoutError is returned when a declared layout key cannot be
// paired into a complete down/up factor group.
type MalformedLayoutError struct {
	Key    string
	Reason string
}

func (e *MalformedLayoutError) Error() string {
	return fmt.Sprintf("%s: %q: %s", MalformedLayoutErrMsg, e.Key, e.Reason)
}

// ParameterCountMismatchError is returned when the resolved layout does not
// cover exactly the decoder's output width.
type ParameterCountMismatchError struct {
	Resolved int
	Declared int
}

func (e *ParameterCountMismatchError) Error() string {
	return fmt.Sprintf("%s: layout resolves %d parameters, decoder emits %d", ParameterMismatchErrMsg, e.Resolved, e.Declared)
}
