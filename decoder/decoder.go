// Package decoder maps a latent vector to the flat adapter parameter
// buffer.
package decoder

import (
	"github.com/weightspace/w2w/ml"
)

// Decoder is a frozen, deterministic map from a latent of LatentDim
// elements to a flat vector of OutputDim elements.
type Decoder interface {
	LatentDim() int
	OutputDim() int
	Decode(ctx ml.Context, z ml.Tensor) (ml.Tensor, error)
}
