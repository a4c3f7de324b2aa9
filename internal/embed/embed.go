// Package embed replaces the raw conditioning image of each batch with its
// latent embedding from a frozen tokenizer.
//
// The Adapter wraps a batch Source and is itself a Source. It is pull based:
// a batch is embedded only when the consumer asks for one, so nothing is
// buffered between the raw loader and the training loop.
package embed

import (
	"context"
	"time"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"

	"latentforge/internal/dataset"
	"latentforge/internal/metrics"
)

var (
	// ErrMissingImageField reports a raw batch without the conditioning image.
	ErrMissingImageField = errors.New("embed: batch has no " + dataset.KeyImage128 + " field")
	// ErrBatchSize reports an embedding whose leading dimension differs from
	// the batch size.
	ErrBatchSize = errors.New("embed: embedding batch size mismatch")
)

// Source yields batches in order.
type Source interface {
	Next(ctx context.Context) (dataset.Batch, error)
}

// Embedder maps a [B,3,H,W] image batch in [0,1] to a [B,D,h,w] embedding.
// The returned tensor is a host copy owned by the caller.
type Embedder interface {
	Name() string
	Embed(ctx context.Context, images *tensors.Tensor) (*tensors.Tensor, error)
}

// Adapter is a Source whose batches carry dataset.KeyImageEmbeds in place of
// dataset.KeyImage128. Images and every other conditioning entry pass
// through untouched.
type Adapter struct {
	src      Source
	embedder Embedder
	batches  int
}

// NewAdapter wraps src.
func NewAdapter(src Source, embedder Embedder) *Adapter {
	return &Adapter{src: src, embedder: embedder}
}

// Batches reports how many batches have been emitted.
func (a *Adapter) Batches() int { return a.batches }

// Next pulls one raw batch and returns its latent form.
func (a *Adapter) Next(ctx context.Context) (dataset.Batch, error) {
	raw, err := a.src.Next(ctx)
	if err != nil {
		return dataset.Batch{}, err
	}
	image, ok := raw.Cond[dataset.KeyImage128]
	if !ok || image == nil {
		return dataset.Batch{}, errors.Wrapf(ErrMissingImageField, "batch %d", a.batches)
	}

	start := time.Now()
	emb, err := a.embedder.Embed(ctx, image)
	if err != nil {
		return dataset.Batch{}, errors.Wrapf(err, "embed batch %d", a.batches)
	}
	metrics.EmbedDuration.WithLabelValues(a.embedder.Name()).Observe(time.Since(start).Seconds())

	want := raw.Size()
	if want == 0 {
		want = image.Shape().Dimensions[0]
	}
	if dims := emb.Shape().Dimensions; len(dims) == 0 || dims[0] != want {
		return dataset.Batch{}, errors.Wrapf(ErrBatchSize, "batch %d: embedding shape %v, want leading dim %d", a.batches, dims, want)
	}

	cond := make(map[string]*tensors.Tensor, len(raw.Cond))
	for k, v := range raw.Cond {
		if k != dataset.KeyImage128 {
			cond[k] = v
		}
	}
	cond[dataset.KeyImageEmbeds] = emb

	a.batches++
	metrics.EmbeddedBatches.WithLabelValues(a.embedder.Name()).Inc()
	return dataset.Batch{Images: raw.Images, Cond: cond}, nil
}
