package lora

import (
	"context"
	"io"
	"strconv"

	"github.com/weightspace/w2w/fs/safetensors"
)

// Export decodes the current latent and writes every adapter's factors
// as <path>.lora_A.weight [1, n] and <path>.lora_B.weight [m, 1], in
// layout order.
func (m *Manager) Export(ctx context.Context, w io.Writer) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	params, err := m.decode()
	if err != nil {
		return err
	}

	tensors := make([]safetensors.Named, 0, 2*len(m.adapters))
	for _, a := range m.adapters {
		tensors = append(tensors,
			safetensors.Named{
				Name:   a.Path + ".lora_A.weight",
				Tensor: params.View(m.ctx, a.A.Start, a.A.Len()).Reshape(m.ctx, 1, -1),
			},
			safetensors.Named{
				Name:   a.Path + ".lora_B.weight",
				Tensor: params.View(m.ctx, a.B.Start, a.B.Len()).Reshape(m.ctx, -1, 1),
			},
		)
	}

	return safetensors.Write(w, tensors, map[string]string{
		"rank":       strconv.Itoa(m.rank),
		"alpha":      strconv.FormatFloat(float64(m.alpha), 'g', -1, 32),
		"method":     m.layout.Method.String(),
		"multiplier": strconv.FormatFloat(float64(m.Multiplier()), 'g', -1, 32),
		"parameters": strconv.Itoa(m.layout.Total),
	})
}
