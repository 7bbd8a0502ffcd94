package lora

import (
	"sync/atomic"
	"testing"

	"github.com/weightspace/w2w/layout"
	"github.com/weightspace/w2w/ml"
	"github.com/weightspace/w2w/ml/backend/cpu"
	"github.com/weightspace/w2w/ml/nn"
)

const (
	selfAttnQuery = "down_blocks.0.attentions.0.transformer_blocks.0.attn1.to_q"
	crossAttnKey  = "down_blocks.0.attentions.0.transformer_blocks.0.attn2.to_k"
)

// countingLinear is a linear target that counts how often its forward is replaced.
type countingLinear struct {
	nn.Linear
	installs int
}

func (l *countingLinear) SetForwardFunc(fn nn.ForwardFunc) {
	l.installs++
	l.Linear.SetForwardFunc(fn)
}

type attention struct {
	Query *countingLinear `weight:"to_q"`
	Key   *countingLinear `weight:"to_k"`
}

type transformerBlock struct {
	SelfAttention  *attention `weight:"attn1"`
	CrossAttention *attention `weight:"attn2"`
}

type transformer struct {
	Blocks []*transformerBlock `weight:"transformer_blocks"`
}

type downBlock struct {
	Attentions []*transformer `weight:"attentions"`
}

type unet struct {
	DownBlocks []*downBlock `weight:"down_blocks"`
}

func (u *unet) query() *countingLinear {
	return u.DownBlocks[0].Attentions[0].Blocks[0].SelfAttention.Query
}

func (u *unet) key() *countingLinear {
	return u.DownBlocks[0].Attentions[0].Blocks[0].CrossAttention.Key
}

func (u *unet) installs() int {
	return u.query().installs + u.key().installs
}

func ramp(n int, step float32) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = float32(i%5-2) * step
	}

	return s
}

func fromFloats(t *testing.T, ctx ml.Context, s []float32, shape ...int) ml.Tensor {
	t.Helper()
	tt, err := ctx.FromFloatSlice(s, shape...)
	if err != nil {
		t.Fatal(err)
	}

	return tt
}

// newBackbone returns a backbone with to_q [out 4, in 8] with bias under
// attn1 and to_k [out 8, in 16] under attn2.
func newBackbone(t *testing.T, ctx ml.Context) *unet {
	t.Helper()

	q := &countingLinear{Linear: *nn.NewLinear(fromFloats(t, ctx, ramp(32, 0.25), 4, 8), fromFloats(t, ctx, ramp(4, 1), 4))}
	k := &countingLinear{Linear: *nn.NewLinear(fromFloats(t, ctx, ramp(128, 0.125), 8, 16), nil)}

	return &unet{
		DownBlocks: []*downBlock{{
			Attentions: []*transformer{{
				Blocks: []*transformerBlock{{
					SelfAttention:  &attention{Query: q, Key: &countingLinear{}},
					CrossAttention: &attention{Query: &countingLinear{}, Key: k},
				}},
			}},
		}},
	}
}

// declared returns the (8, 4), (16, 8) layout for to_q and to_k.
func declared() *layout.Declared {
	decl := layout.NewDeclared()
	decl.Add("lora_unet_"+selfAttnQuery+"_lora_A.weight", 8)
	decl.Add("lora_unet_"+selfAttnQuery+"_lora_B.weight", 4)
	decl.Add("lora_unet_"+crossAttnKey+"_lora_A.weight", 16)
	decl.Add("lora_unet_"+crossAttnKey+"_lora_B.weight", 8)
	return decl
}

// fakeDecoder emits a fixed pattern shifted by the latent and counts calls.
// It panics while panics is set and fails with err when it is non-nil.
type fakeDecoder struct {
	latent, out int
	calls       atomic.Int32

	panics bool
	err    error
}

func (d *fakeDecoder) LatentDim() int { return d.latent }
func (d *fakeDecoder) OutputDim() int { return d.out }

func (d *fakeDecoder) Decode(ctx ml.Context, z ml.Tensor) (ml.Tensor, error) {
	d.calls.Add(1)
	if d.panics {
		panic("decoder: shape mismatch")
	}

	if d.err != nil {
		return nil, d.err
	}

	zs := z.Floats()
	out := make([]float32, d.out)
	for i := range out {
		out[i] = float32(i%7-3)/8 + zs[i%len(zs)]
	}

	return ctx.FromFloatSlice(out, d.out)
}

func newManager(t *testing.T, opts ...Option) (*Manager, *unet, *fakeDecoder, ml.Context) {
	t.Helper()

	ctx := cpu.NewContext()
	u := newBackbone(t, ctx)
	dec := &fakeDecoder{latent: 3, out: 36}

	m, err := New(u, dec, declared(), append([]Option{
		WithContext(ctx),
		WithMethod("full"),
		WithRank(4),
		WithAlpha(1),
		WithMultiplier(1),
		WithDType(ml.DTypeF32),
		WithLenientLayout(false),
	}, opts...)...)
	if err != nil {
		t.Fatal(err)
	}

	return m, u, dec, ctx
}
