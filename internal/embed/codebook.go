package embed

import (
	"context"
	"math"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// ErrNonSquareSequence reports a codebook sequence whose length is not a
// perfect square and so has no square spatial layout.
var ErrNonSquareSequence = errors.New("embed: codebook sequence length is not a perfect square")

// CodebookTokenizer is the part of a discrete tokenizer the embedder needs.
type CodebookTokenizer interface {
	// CodebookIndices returns int32 [B,N].
	CodebookIndices(images *tensors.Tensor) (*tensors.Tensor, error)
	// Codebook returns float32 [B,N,D] for int32 [B,N] indices.
	Codebook(indices *tensors.Tensor) (*tensors.Tensor, error)
}

// CodebookEmbedder turns images into codebook vectors laid out on a square
// grid.
type CodebookEmbedder struct {
	vae CodebookTokenizer
}

// NewCodebookEmbedder returns an Embedder over vae.
func NewCodebookEmbedder(vae CodebookTokenizer) *CodebookEmbedder {
	return &CodebookEmbedder{vae: vae}
}

// Name implements Embedder.
func (e *CodebookEmbedder) Name() string { return "dvae" }

// Embed implements Embedder.
func (e *CodebookEmbedder) Embed(ctx context.Context, images *tensors.Tensor) (*tensors.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	indices, err := e.vae.CodebookIndices(images)
	if err != nil {
		return nil, errors.Wrap(err, "codebook indices")
	}
	vectors, err := e.vae.Codebook(indices)
	if err != nil {
		return nil, errors.Wrap(err, "codebook lookup")
	}
	dims := vectors.Shape().Dimensions
	if len(dims) != 3 {
		return nil, errors.Errorf("embed: codebook vectors have shape %v, want [B,N,D]", dims)
	}
	b, n, d := dims[0], dims[1], dims[2]
	side, err := GridSide(n)
	if err != nil {
		return nil, err
	}
	return tensors.FromFlatDataAndDimensions(
		SequenceToGrid(tensors.MustCopyFlatData[float32](vectors), b, side, d),
		b, d, side, side), nil
}

// GridSide returns h such that h*h == n.
func GridSide(n int) (int, error) {
	if n <= 0 {
		return 0, errors.Wrapf(ErrNonSquareSequence, "N=%d", n)
	}
	h := int(math.Sqrt(float64(n)))
	for h*h > n {
		h--
	}
	for (h+1)*(h+1) <= n {
		h++
	}
	if h*h != n {
		return 0, errors.Wrapf(ErrNonSquareSequence, "N=%d", n)
	}
	return h, nil
}

// SequenceToGrid rearranges a row-major [b, side*side, d] sequence into
// [b, d, side, side]: position i of the sequence lands at row i/side,
// column i%side.
func SequenceToGrid(seq []float32, b, side, d int) []float32 {
	n := side * side
	out := make([]float32, len(seq))
	for bi := 0; bi < b; bi++ {
		for i := 0; i < n; i++ {
			src := (bi*n + i) * d
			for di := 0; di < d; di++ {
				out[(bi*d+di)*n+i] = seq[src+di]
			}
		}
	}
	return out
}
