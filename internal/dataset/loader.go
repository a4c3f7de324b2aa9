package dataset

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// ErrClosed is returned by Next after Close or once the sampler stops.
var ErrClosed = errors.New("dataset: loader closed")

// LoaderOptions configures NewLoader.
type LoaderOptions struct {
	DataDir   string
	BatchSize int
	ImageSize int
	// CondSize is the side of the image_128 entry; 0 means CondSize.
	CondSize int
	// ClassCond adds integer labels under KeyLabels.
	ClassCond bool
	// EmbCondition adds the KeyImage128 entry the embedding adapter consumes.
	EmbCondition bool
	RandomFlip   bool
	Seed         int64
	NumWorkers   int
	PendingCap   int
}

// Loader is an infinite source of batches read from DataDir. WebDataset
// shards are preferred; loose image files are used when no shard exists.
type Loader struct {
	opts   LoaderOptions
	stream <-chan Example
	errs   <-chan error
	cancel context.CancelFunc
}

// NewLoader discovers the data under opts.DataDir and starts the decode
// pipeline.
func NewLoader(opts LoaderOptions, log zerolog.Logger) (*Loader, error) {
	if opts.DataDir == "" {
		return nil, errors.New("dataset: data dir is required")
	}
	if opts.BatchSize <= 0 {
		return nil, errors.Errorf("dataset: batch size must be > 0, got %d", opts.BatchSize)
	}
	if opts.CondSize <= 0 {
		opts.CondSize = CondSize
	}
	if !opts.EmbCondition {
		opts.CondSize = 0
	}

	shards, err := DiscoverShards(opts.DataDir)
	if err != nil {
		return nil, err
	}
	var images []string
	if len(shards) == 0 {
		images, err = DiscoverImages(opts.DataDir)
		if err != nil {
			return nil, err
		}
	}
	log.Info().
		Str("data_dir", opts.DataDir).
		Int("shards", len(shards)).
		Int("images", len(images)).
		Bool("class_cond", opts.ClassCond).
		Msg("dataset discovered")

	ctx, cancel := context.WithCancel(context.Background())
	stream, errs, err := StartSampler(ctx, SamplerOptions{
		Shards:     shards,
		Images:     images,
		Labeled:    opts.ClassCond,
		Seed:       opts.Seed,
		NumWorkers: opts.NumWorkers,
		PendingCap: opts.PendingCap,
		ImageSize:  opts.ImageSize,
		CondSize:   opts.CondSize,
		RandomFlip: opts.RandomFlip,
	})
	if err != nil {
		cancel()
		return nil, errors.Wrapf(err, "dataset %s", opts.DataDir)
	}
	return &Loader{opts: opts, stream: stream, errs: errs, cancel: cancel}, nil
}

// Next returns the next batch of BatchSize examples.
func (l *Loader) Next(ctx context.Context) (Batch, error) {
	examples := make([]Example, 0, l.opts.BatchSize)
	for len(examples) < l.opts.BatchSize {
		select {
		case <-ctx.Done():
			return Batch{}, ctx.Err()
		case err, ok := <-l.errs:
			if ok && err != nil {
				return Batch{}, err
			}
			if !ok {
				l.errs = nil
			}
		case ex, ok := <-l.stream:
			if !ok {
				if l.errs != nil {
					if err, ok := <-l.errs; ok && err != nil {
						return Batch{}, err
					}
				}
				return Batch{}, ErrClosed
			}
			examples = append(examples, ex)
		}
	}
	return stack(examples, l.opts.ImageSize, l.opts.CondSize, l.opts.ClassCond), nil
}

// Close stops the decode pipeline.
func (l *Loader) Close() error {
	l.cancel()
	return nil
}
