package lora

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/weightspace/w2w/logutil"
	"github.com/weightspace/w2w/ml"
)

var ErrInactive = errors.New("lora: scope is closed")

// Scope is an active adapter scope. Forward passes through the backbone
// include the adapter updates until Close.
type Scope struct {
	m      *Manager
	params ml.Tensor

	once   sync.Once
	closed bool
	mu     sync.Mutex
}

// Enter decodes the latent into a fresh buffer and activates every
// adapter with it. It blocks while another scope of m is open, until ctx
// is done.
func (m *Manager) Enter(ctx context.Context) (*Scope, error) {
	if err := m.scope.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	// released here unless the scope is handed to the caller, including
	// when the decoder panics
	held := true
	defer func() {
		if held {
			m.Deactivate()
			m.scope.Release(1)
		}
	}()

	params, err := m.decode()
	if err != nil {
		return nil, err
	}

	if logger := slog.Default(); logger.Enabled(ctx, logutil.LevelTrace) {
		logutil.TraceContext(ctx, "decoded adapter buffer", "params", ml.Dump(params))
	}

	multiplier := m.Multiplier()
	for _, a := range m.adapters {
		a.activate(params, multiplier)
	}

	s := &Scope{m: m, params: params}
	held = false
	return s, nil
}

// Params returns the decoded buffer the scope activated adapters with.
func (s *Scope) Params() (ml.Tensor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrInactive
	}

	return s.params, nil
}

// Close returns every adapter to passthrough and lets the next scope
// enter. Only the first call has an effect.
func (s *Scope) Close() error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.params = nil
		s.mu.Unlock()

		s.m.Deactivate()
		s.m.scope.Release(1)
	})

	return nil
}

// With runs fn inside a scope. The scope is closed when fn returns or
// panics.
func (m *Manager) With(ctx context.Context, fn func() error) error {
	s, err := m.Enter(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	return fn()
}
