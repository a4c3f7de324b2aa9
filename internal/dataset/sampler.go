package dataset

import (
	"context"
	"math/rand"
	"os"
	"sync"

	"github.com/pkg/errors"
)

// SamplerOptions configures the decode pipeline. Exactly one of Shards or
// Images is normally set; both may be, in which case shards come first in
// every epoch before shuffling.
type SamplerOptions struct {
	Shards []string
	Images []string
	// Labeled requests class labels: .cls entries for shards, ClassIndex of
	// the file name for loose images.
	Labeled    bool
	Seed       int64
	NumWorkers int
	PendingCap int
	ImageSize  int
	// CondSize is the side of the conditioning image. Zero disables it.
	CondSize   int
	RandomFlip bool
}

// StartSampler launches the sampler pipeline. Sources are visited in a
// seeded random order that is reshuffled every epoch; the stream never ends
// on its own. Output order depends only on the seed, not on NumWorkers.
// The first decode or read error is sent on the error channel and stops the
// pipeline.
func StartSampler(parent context.Context, opts SamplerOptions) (<-chan Example, <-chan error, error) {
	sources := make([]source, 0, len(opts.Shards)+len(opts.Images))
	for _, p := range opts.Shards {
		sources = append(sources, source{path: p, shard: true})
	}
	for _, p := range opts.Images {
		sources = append(sources, source{path: p})
	}
	if len(sources) == 0 {
		return nil, nil, errors.New("sampler: no images or shards discovered")
	}
	if opts.ImageSize <= 0 {
		return nil, nil, errors.Errorf("sampler: image size must be > 0, got %d", opts.ImageSize)
	}
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = 1
	}
	if opts.PendingCap <= 0 {
		opts.PendingCap = defaultPendingCap
	}

	s := &sampler{
		opts: opts,
		pre:  preprocessor{imageSize: opts.ImageSize, condSize: opts.CondSize},
	}
	if opts.Labeled && len(opts.Images) > 0 {
		s.classes = ClassIndex(opts.Images)
	}

	ctx, cancel := context.WithCancel(parent)

	jobs := make(chan sourceJob, opts.NumWorkers)
	cursors := make(chan exampleCursor, opts.NumWorkers)
	out := make(chan Example, opts.NumWorkers*2)
	errCh := make(chan error, 1)

	rng := rand.New(rand.NewSource(opts.Seed))

	go produceJobs(ctx, jobs, sources, rng)

	var wg sync.WaitGroup
	for i := 0; i < opts.NumWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.worker(ctx, jobs, cursors)
		}()
	}

	go func() {
		wg.Wait()
		close(cursors)
	}()

	go func() {
		defer cancel()
		defer close(out)
		defer close(errCh)
		runAggregator(ctx, cursors, out, errCh)
	}()

	return out, errCh, nil
}

type source struct {
	path  string
	shard bool
}

type sourceJob struct {
	id int64
	source
}

type exampleCursor struct {
	id       int64
	examples <-chan Example
	errCh    <-chan error
}

type sampler struct {
	opts    SamplerOptions
	pre     preprocessor
	classes map[string]int
}

func (s *sampler) worker(ctx context.Context, jobs <-chan sourceJob, cursors chan<- exampleCursor) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-jobs:
			if !ok {
				return
			}
			cursor := s.open(ctx, job)
			select {
			case <-ctx.Done():
				return
			case cursors <- cursor:
			}
		}
	}
}

// open starts decoding job in the background. Flip decisions come from an
// rng seeded by the job id so they do not depend on scheduling.
func (s *sampler) open(ctx context.Context, job sourceJob) exampleCursor {
	examples := make(chan Example, 1)
	errCh := make(chan error, 1)
	go func() {
		defer close(examples)
		defer close(errCh)

		rng := rand.New(rand.NewSource(s.opts.Seed + job.id))
		emit := func(sample Sample) error {
			flip := s.opts.RandomFlip && rng.Intn(2) == 0
			ex, err := s.pre.process(sample, flip)
			if err != nil {
				return err
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case examples <- ex:
				return nil
			}
		}

		if !job.shard {
			data, err := os.ReadFile(job.path)
			if err != nil {
				errCh <- errors.Wrap(err, "read image")
				return
			}
			sample := Sample{Key: job.path, Image: data}
			if s.classes != nil {
				sample.Label = s.classes[ClassName(job.path)]
			}
			if err := emit(sample); err != nil {
				errCh <- err
			}
			return
		}

		samples, shardErr := StreamShard(ctx, job.path, s.opts.PendingCap, s.opts.Labeled)
		for sample := range samples {
			if err := emit(sample); err != nil {
				errCh <- errors.Wrapf(err, "shard %s", job.path)
				return
			}
		}
		if err := <-shardErr; err != nil {
			errCh <- err
		}
	}()
	return exampleCursor{id: job.id, examples: examples, errCh: errCh}
}

// runAggregator forwards cursors strictly in job id order.
func runAggregator(ctx context.Context, cursors <-chan exampleCursor, out chan<- Example, errCh chan<- error) {
	pending := make(map[int64]exampleCursor)
	var nextID int64
	for {
		cursor, ok := pending[nextID]
		if !ok {
			select {
			case <-ctx.Done():
				return
			case cursor, ok = <-cursors:
				if !ok {
					return
				}
				pending[cursor.id] = cursor
			}
			continue
		}

		if !drain(ctx, cursor, out) {
			return
		}
		if err := <-cursor.errCh; err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
			return
		}
		delete(pending, nextID)
		nextID++
	}
}

// drain copies every example of cursor to out. It reports false when ctx
// ends first.
func drain(ctx context.Context, cursor exampleCursor, out chan<- Example) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case ex, ok := <-cursor.examples:
			if !ok {
				return true
			}
			select {
			case <-ctx.Done():
				return false
			case out <- ex:
			}
		}
	}
}

func produceJobs(ctx context.Context, jobs chan<- sourceJob, sources []source, rng *rand.Rand) {
	var jobID int64
	for {
		for _, src := range epochOrder(sources, rng) {
			select {
			case <-ctx.Done():
				return
			case jobs <- sourceJob{id: jobID, source: src}:
				jobID++
			}
		}
	}
}

// epochOrder returns a shuffled copy of sources.
func epochOrder(sources []source, rng *rand.Rand) []source {
	order := append([]source(nil), sources...)
	rng.Shuffle(len(order), func(i, j int) {
		order[i], order[j] = order[j], order[i]
	})
	return order
}
