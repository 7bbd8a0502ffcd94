package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// LogLevel returns the log level for the application.
// Values are 0 or false INFO (Default), 1 or true DEBUG, 2 TRACE
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("W2W_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}

	return level
}

// Method returns the training method used to select adapter targets.
// Configured via W2W_METHOD, default "full".
func Method() string {
	if s := Var("W2W_METHOD"); s != "" {
		return s
	}

	return "full"
}

// DType returns the working precision the decoded adapter buffer is cast to.
// Configured via W2W_DTYPE, default "bf16".
func DType() string {
	if s := strings.ToLower(Var("W2W_DTYPE")); s != "" {
		return s
	}

	return "bf16"
}

// Backend returns the tensor backend name. Configured via W2W_BACKEND, default "cpu".
func Backend() string {
	if s := Var("W2W_BACKEND"); s != "" {
		return s
	}

	return "cpu"
}

func BoolWithDefault(k string) func(defaultValue bool) bool {
	return func(defaultValue bool) bool {
		if s := Var(k); s != "" {
			b, err := strconv.ParseBool(s)
			if err != nil {
				return true
			}

			return b
		}

		return defaultValue
	}
}

func Bool(k string) func() bool {
	withDefault := BoolWithDefault(k)
	return func() bool {
		return withDefault(false)
	}
}

var (
	// LenientLayout skips malformed layout groups with a warning instead of failing.
	LenientLayout = Bool("W2W_LENIENT_LAYOUT")
)

func Uint(key string, defaultValue uint) func() uint {
	return func() uint {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return uint(n)
			}
		}

		return defaultValue
	}
}

var (
	// Rank is the adapter rank used for scaling. Configured via W2W_RANK.
	Rank = Uint("W2W_RANK", 4)
)

func Float(key string, defaultValue float32) func() float32 {
	return func() float32 {
		if s := Var(key); s != "" {
			if f, err := strconv.ParseFloat(s, 32); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return float32(f)
			}
		}

		return defaultValue
	}
}

var (
	// Alpha is the adapter alpha; zero falls back to the rank.
	Alpha = Float("W2W_ALPHA", 1)
	// Multiplier is the adapter strength applied while a scope is active.
	Multiplier = Float("W2W_MULTIPLIER", 1)
)

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"W2W_DEBUG":          {"W2W_DEBUG", LogLevel(), "Show additional debug information (e.g. W2W_DEBUG=1)"},
		"W2W_METHOD":         {"W2W_METHOD", Method(), "Training method selecting adapter targets (default \"full\")"},
		"W2W_DTYPE":          {"W2W_DTYPE", DType(), "Working precision of decoded adapter weights: f32, f16 or bf16 (default \"bf16\")"},
		"W2W_LENIENT_LAYOUT": {"W2W_LENIENT_LAYOUT", LenientLayout(), "Skip malformed layout groups instead of failing"},
		"W2W_BACKEND":        {"W2W_BACKEND", Backend(), "Tensor backend (default \"cpu\")"},
		"W2W_RANK":           {"W2W_RANK", Rank(), "Adapter rank (default 4)"},
		"W2W_ALPHA":          {"W2W_ALPHA", Alpha(), "Adapter alpha, 0 uses the rank (default 1)"},
		"W2W_MULTIPLIER":     {"W2W_MULTIPLIER", Multiplier(), "Adapter strength while active (default 1)"},
	}
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}

	return vals
}

// Var returns an environment variable stripped of leading and trailing quotes or spaces
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}
