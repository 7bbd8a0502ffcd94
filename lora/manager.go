// Package lora injects low-rank adapters into a frozen backbone. The
// adapter factors are not learned directly: a frozen decoder expands a
// single latent vector into one flat buffer that every adapter reads its
// slice from. The latent is the only learnable tensor.
package lora

import (
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/weightspace/w2w/decoder"
	"github.com/weightspace/w2w/envconfig"
	"github.com/weightspace/w2w/layout"
	"github.com/weightspace/w2w/ml"
	"github.com/weightspace/w2w/ml/nn"
	"github.com/weightspace/w2w/types/errtypes"
)

type options struct {
	rank       int
	alpha      float32
	multiplier float32
	method     string
	dtype      ml.DType
	lenient    bool
	ctx        ml.Context
}

type Option func(*options)

func WithRank(rank int) Option {
	return func(o *options) { o.rank = rank }
}

// WithAlpha sets the scale numerator. Zero uses the rank.
func WithAlpha(alpha float32) Option {
	return func(o *options) { o.alpha = alpha }
}

func WithMultiplier(multiplier float32) Option {
	return func(o *options) { o.multiplier = multiplier }
}

func WithMethod(method string) Option {
	return func(o *options) { o.method = method }
}

// WithDType sets the precision the decoded buffer is cast to.
func WithDType(dtype ml.DType) Option {
	return func(o *options) { o.dtype = dtype }
}

func WithLenientLayout(lenient bool) Option {
	return func(o *options) { o.lenient = lenient }
}

// WithContext sets the context that owns the latent and decoded buffers.
func WithContext(ctx ml.Context) Option {
	return func(o *options) { o.ctx = ctx }
}

func defaultOptions() options {
	o := options{
		rank:       int(envconfig.Rank()),
		alpha:      envconfig.Alpha(),
		multiplier: envconfig.Multiplier(),
		method:     envconfig.Method(),
		dtype:      ml.DTypeBF16,
		lenient:    envconfig.LenientLayout(),
	}

	if dtype, err := ml.ParseDType(envconfig.DType()); err != nil {
		slog.Warn("invalid W2W_DTYPE, using default", "error", err, "default", o.dtype)
	} else {
		o.dtype = dtype
	}

	return o
}

// Manager owns the latent, the decoder and the adapters installed into a
// backbone. At most one scope is active at a time.
type Manager struct {
	decoder  decoder.Decoder
	layout   *layout.Layout
	adapters []*Adapter

	ctx   ml.Context
	dtype ml.DType

	rank  int
	alpha float32

	// scope is held from Enter until the scope is closed.
	scope *semaphore.Weighted

	mu         sync.RWMutex
	latent     ml.Tensor
	multiplier float32
}

// New resolves decl against the training method, checks that the decoder
// emits exactly the resolved parameter count, finds every target module
// in backbone and installs an adapter on each. Nothing is installed unless
// every check passes.
func New(backbone any, dec decoder.Decoder, decl *layout.Declared, opts ...Option) (*Manager, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	method, err := layout.ParseMethod(o.method)
	if err != nil {
		return nil, fmt.Errorf("lora: %w", err)
	}

	if o.rank <= 0 {
		return nil, fmt.Errorf("lora: invalid rank %d", o.rank)
	}

	l, err := layout.Resolve(decl, method, layout.WithLenient(o.lenient))
	if err != nil {
		return nil, fmt.Errorf("lora: %w", err)
	}

	if l.Total != dec.OutputDim() {
		return nil, fmt.Errorf("lora: %w", &errtypes.ParameterCountMismatchError{Resolved: l.Total, Declared: dec.OutputDim()})
	}

	targets := make([]nn.Hookable, len(l.Entries))
	for i, e := range l.Entries {
		module, err := nn.Lookup(backbone, e.Path)
		if err != nil {
			return nil, fmt.Errorf("lora: %w", err)
		}

		h, ok := module.(nn.Hookable)
		if !ok {
			return nil, fmt.Errorf("lora: module %q (%T) has no replaceable forward", e.Path, module)
		}

		targets[i] = h
	}

	if o.ctx == nil {
		b, err := ml.NewBackend(envconfig.Backend())
		if err != nil {
			return nil, fmt.Errorf("lora: %w", err)
		}

		o.ctx = b.NewContext()
	}

	m := Manager{
		decoder:    dec,
		layout:     l,
		ctx:        o.ctx,
		dtype:      o.dtype,
		rank:       o.rank,
		alpha:      o.alpha,
		scope:      semaphore.NewWeighted(1),
		latent:     o.ctx.Zeros(ml.DTypeF32, dec.LatentDim()),
		multiplier: o.multiplier,
	}

	for i, e := range l.Entries {
		a := NewAdapter(e, o.rank, o.alpha)
		if err := a.Install(targets[i]); err != nil {
			return nil, fmt.Errorf("lora: %s: %w", e.Path, err)
		}

		m.adapters = append(m.adapters, a)
	}

	slog.Info("installed adapters", "method", method, "modules", len(m.adapters), "skipped", len(l.Skipped), "parameters", l.Total, "dtype", o.dtype)
	return &m, nil
}

// Parameters yields the tensors an optimizer should update: only the
// latent.
func (m *Manager) Parameters() iter.Seq[ml.Tensor] {
	return func(yield func(ml.Tensor) bool) {
		yield(m.Latent())
	}
}

func (m *Manager) Latent() ml.Tensor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latent
}

// SetLatent replaces the latent. It takes effect at the next Enter.
func (m *Manager) SetLatent(z []float32) error {
	if len(z) != m.decoder.LatentDim() {
		return fmt.Errorf("lora: latent has %d elements, want %d", len(z), m.decoder.LatentDim())
	}

	t, err := m.ctx.FromFloatSlice(z, len(z))
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.latent = t
	return nil
}

func (m *Manager) Multiplier() float32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.multiplier
}

// SetMultiplier sets the adapter strength used from the next Enter.
func (m *Manager) SetMultiplier(multiplier float32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.multiplier = multiplier
}

func (m *Manager) Layout() *layout.Layout {
	return m.layout
}

func (m *Manager) Adapters() []*Adapter {
	return slices.Clone(m.adapters)
}

// Deactivate returns every adapter to passthrough. It is safe to call
// without a matching Enter and to call repeatedly. It does not end an
// open scope; use Scope.Close for that.
func (m *Manager) Deactivate() {
	for _, a := range m.adapters {
		a.deactivate()
	}
}

// decode expands the latent into a flat buffer in the working dtype.
func (m *Manager) decode() (ml.Tensor, error) {
	m.mu.RLock()
	z := m.latent
	m.mu.RUnlock()

	out, err := m.decoder.Decode(m.ctx, z)
	if err != nil {
		return nil, fmt.Errorf("lora: decode: %w", err)
	}

	if n := ml.NumElements(out.Shape()...); n != m.layout.Total {
		return nil, fmt.Errorf("lora: decode: %w", &errtypes.ParameterCountMismatchError{Resolved: m.layout.Total, Declared: n})
	}

	return out.Reshape(m.ctx, -1).Cast(m.ctx, m.dtype), nil
}
