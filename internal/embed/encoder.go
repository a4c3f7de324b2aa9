package embed

import (
	"context"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// EncoderTokenizer is the part of a quantized autoencoder the embedder needs.
type EncoderTokenizer interface {
	// Encode maps [B,C,H,W] images in [-1,1] to a [B,D,h,w] latent and its
	// [B,h,w] code indices.
	Encode(images *tensors.Tensor) (quant, indices *tensors.Tensor, err error)
}

// EncoderEmbedder uses the quantized encoder output directly as the spatial
// embedding.
type EncoderEmbedder struct {
	vae EncoderTokenizer
}

// NewEncoderEmbedder returns an Embedder over vae.
func NewEncoderEmbedder(vae EncoderTokenizer) *EncoderEmbedder {
	return &EncoderEmbedder{vae: vae}
}

// Name implements Embedder.
func (e *EncoderEmbedder) Name() string { return "vqgan" }

// Embed implements Embedder. Images in [0,1] are mapped to [-1,1] first.
func (e *EncoderEmbedder) Embed(ctx context.Context, images *tensors.Tensor) (*tensors.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if images == nil {
		return nil, errors.New("embed: nil image tensor")
	}
	quant, _, err := e.vae.Encode(Rescale(images))
	if err != nil {
		return nil, errors.Wrap(err, "encode")
	}
	return quant, nil
}

// Rescale returns a new tensor holding 2x-1 for every x of images.
func Rescale(images *tensors.Tensor) *tensors.Tensor {
	flat := tensors.MustCopyFlatData[float32](images)
	for i, v := range flat {
		flat[i] = 2*v - 1
	}
	return tensors.FromFlatDataAndDimensions(flat, images.Shape().Dimensions...)
}
