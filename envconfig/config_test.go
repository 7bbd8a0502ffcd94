package envconfig

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":      slog.LevelInfo,
		"false": slog.LevelInfo,
		"0":     slog.LevelInfo,
		"true":  slog.LevelDebug,
		"1":     slog.LevelDebug,
		"2":     slog.Level(-8),
	}

	for k, v := range cases {
		t.Run(k, func(t *testing.T) {
			t.Setenv("W2W_DEBUG", k)
			require.Equal(t, v, LogLevel())
		})
	}
}

func TestMethod(t *testing.T) {
	t.Setenv("W2W_METHOD", "")
	assert.Equal(t, "full", Method())

	t.Setenv("W2W_METHOD", " 'selfattn' ")
	assert.Equal(t, "selfattn", Method())
}

func TestDType(t *testing.T) {
	t.Setenv("W2W_DTYPE", "")
	assert.Equal(t, "bf16", DType())

	t.Setenv("W2W_DTYPE", "F16")
	assert.Equal(t, "f16", DType())
}

func TestBackend(t *testing.T) {
	t.Setenv("W2W_BACKEND", "")
	assert.Equal(t, "cpu", Backend())
}

func TestBool(t *testing.T) {
	cases := map[string]bool{
		"":      false,
		"true":  true,
		"false": false,
		"1":     true,
		"0":     false,
		// invalid values
		"random":    true,
		"something": true,
	}

	for k, v := range cases {
		t.Run(k, func(t *testing.T) {
			t.Setenv("W2W_BOOL", k)
			if b := Bool("W2W_BOOL")(); b != v {
				t.Errorf("%s: expected %t, got %t", k, v, b)
			}
		})
	}
}

func TestUint(t *testing.T) {
	cases := map[string]uint{
		"0":     0,
		"1":     1,
		"8":     8,
		"-1":    4,
		"bogus": 4,
	}

	for k, v := range cases {
		t.Run(k, func(t *testing.T) {
			t.Setenv("W2W_RANK", k)
			if i := Rank(); i != v {
				t.Errorf("%s: expected %d, got %d", k, v, i)
			}
		})
	}
}

func TestFloat(t *testing.T) {
	t.Setenv("W2W_ALPHA", "")
	assert.InDelta(t, 1, Alpha(), 1e-6)

	t.Setenv("W2W_ALPHA", "0.5")
	assert.InDelta(t, 0.5, Alpha(), 1e-6)

	t.Setenv("W2W_MULTIPLIER", "strong")
	assert.InDelta(t, 1, Multiplier(), 1e-6)
}

func TestVar(t *testing.T) {
	cases := map[string]string{
		"value":       "value",
		" value ":     "value",
		" 'value' ":   "value",
		` "value" `:   "value",
		" ' value ' ": " value ",
		` " value " `: " value ",
	}

	for k, v := range cases {
		t.Run(k, func(t *testing.T) {
			t.Setenv("W2W_VAR", k)
			if s := Var("W2W_VAR"); s != v {
				t.Errorf("%s: expected %q, got %q", k, v, s)
			}
		})
	}
}

func TestAsMap(t *testing.T) {
	m := AsMap()
	for _, k := range []string{"W2W_DEBUG", "W2W_METHOD", "W2W_DTYPE", "W2W_RANK", "W2W_ALPHA", "W2W_MULTIPLIER", "W2W_LENIENT_LAYOUT", "W2W_BACKEND"} {
		v, ok := m[k]
		require.True(t, ok, k)
		assert.Equal(t, k, v.Name)
		assert.NotEmpty(t, v.Description)
	}

	assert.Len(t, Values(), len(m))
}
