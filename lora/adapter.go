package lora

import (
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/weightspace/w2w/layout"
	"github.com/weightspace/w2w/ml"
	"github.com/weightspace/w2w/ml/nn"
)

var ErrAlreadyInstalled = errors.New("lora: adapter already installed")

// activation is published as one value so a forward pass never sees
// params from one scope with the multiplier of another.
type activation struct {
	params     ml.Tensor
	multiplier float32
}

// Adapter adds a rank-one update, read from a shared parameter buffer, to
// the output of one backbone module.
type Adapter struct {
	// Name is the backbone-style key of the target module.
	Name string
	Path string

	A, B layout.Range

	Rank  int
	Scale float64

	original nn.ForwardFunc
	active   atomic.Pointer[activation]
}

// NewAdapter returns an uninstalled adapter for e. An alpha of zero uses
// the rank, giving a scale of one.
func NewAdapter(e layout.Entry, rank int, alpha float32) *Adapter {
	a := float64(alpha)
	if a == 0 {
		a = float64(rank)
	}

	return &Adapter{
		Name:  e.Key,
		Path:  e.Path,
		A:     e.A,
		B:     e.B,
		Rank:  rank,
		Scale: a / float64(rank),
	}
}

// Install captures target's forward computation and replaces it with
// the adapter's. The adapter keeps no reference to target.
func (a *Adapter) Install(target nn.Hookable) error {
	if a.original != nil {
		return ErrAlreadyInstalled
	}

	a.original = target.ForwardFunc()
	target.SetForwardFunc(a.Forward)
	slog.Debug("adapter installed", "path", a.Path, "a", a.A, "b", a.B)
	return nil
}

func (a *Adapter) Installed() bool {
	return a.original != nil
}

func (a *Adapter) Active() bool {
	return a.active.Load() != nil
}

func (a *Adapter) activate(params ml.Tensor, multiplier float32) {
	a.active.Store(&activation{params: params, multiplier: multiplier})
}

func (a *Adapter) deactivate() {
	a.active.Store(nil)
}

// Forward returns the original output when inactive. When active it
// returns original(x) + (x @ Aᵀ @ Bᵀ) * multiplier * scale with
// A = params[A] as [1, n] and B = params[B] as [m, 1].
func (a *Adapter) Forward(ctx ml.Context, x ml.Tensor) ml.Tensor {
	act := a.active.Load()
	if act == nil || act.params == nil || act.multiplier == 0 {
		return a.original(ctx, x)
	}

	down := act.params.View(ctx, a.A.Start, a.A.Len()).Reshape(ctx, 1, -1)
	up := act.params.View(ctx, a.B.Start, a.B.Len()).Reshape(ctx, -1, 1)

	delta := x.Matmul(ctx, down.Transpose(ctx)).Matmul(ctx, up.Transpose(ctx))
	delta = delta.Scale(ctx, float64(act.multiplier)*a.Scale)

	return a.original(ctx, x).Add(ctx, delta)
}
