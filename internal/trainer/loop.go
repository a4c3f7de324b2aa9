// Package trainer runs the diffusion training loop over a stream of latent
// batches.
package trainer

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"latentforge/internal/dataset"
	"latentforge/internal/diffusion"
	"latentforge/internal/metrics"
	"latentforge/internal/model"
)

// initialLgLossScale is the starting log2 loss scale in fp16 mode.
const initialLgLossScale = 20.0

// Source yields training batches.
type Source interface {
	Next(ctx context.Context) (dataset.Batch, error)
}

// Config carries every knob of the training loop.
type Config struct {
	Model            model.Model
	Diffusion        *diffusion.Gaussian
	Data             Source
	ScheduleSampler  diffusion.ScheduleSampler
	BatchSize        int
	Microbatch       int
	LR               float64
	EMARates         []float64
	LogInterval      int
	SaveInterval     int
	ResumeCheckpoint string
	UseFP16          bool
	FP16ScaleGrowth  float64
	WeightDecay      float64
	LRAnnealSteps    int
	LRWarmupSteps    int
	// RunDir receives checkpoints and progress.csv.
	RunDir string
	Seed   int64
	Log    zerolog.Logger
}

// Loop is a configured training run.
type Loop struct {
	cfg    Config
	params []float64
	ema    [][]float64
	opt    *model.AdamW
	rng    *rand.Rand
	log    zerolog.Logger

	// step counts completed optimizer steps, including resumed ones.
	step        int
	resumeStep  int
	lastSaved   int
	lgLossScale float64
	window      metrics.Window
	stats       *stepStats
	progress    *progressWriter
}

// New validates cfg, initializes or restores the parameters and returns a
// loop ready to Run.
func New(cfg Config) (*Loop, error) {
	if cfg.Model == nil || cfg.Diffusion == nil || cfg.Data == nil || cfg.ScheduleSampler == nil {
		return nil, errors.New("trainer: model, diffusion, data and schedule sampler are required")
	}
	if cfg.BatchSize <= 0 {
		return nil, errors.New("trainer: batch size must be > 0")
	}
	if cfg.Microbatch <= 0 || cfg.Microbatch > cfg.BatchSize {
		cfg.Microbatch = cfg.BatchSize
	}
	if cfg.LogInterval <= 0 {
		cfg.LogInterval = 10
	}
	if cfg.SaveInterval <= 0 {
		cfg.SaveInterval = 10000
	}
	if cfg.RunDir == "" {
		return nil, errors.New("trainer: run dir is required")
	}

	l := &Loop{
		cfg:         cfg,
		params:      cfg.Model.InitParams(cfg.Seed),
		opt:         model.NewAdamW(cfg.Model.NumParams(), cfg.WeightDecay),
		rng:         rand.New(rand.NewSource(cfg.Seed)),
		log:         cfg.Log.With().Str("component", "trainer").Logger(),
		lgLossScale: initialLgLossScale,
		stats:       newStepStats(cfg.Diffusion.NumTimesteps()),
		lastSaved:   -1,
	}
	if cfg.ResumeCheckpoint != "" {
		if err := l.resume(cfg.ResumeCheckpoint); err != nil {
			return nil, err
		}
	} else {
		l.ema = make([][]float64, len(cfg.EMARates))
		for i := range l.ema {
			l.ema[i] = append([]float64(nil), l.params...)
		}
	}
	return l, nil
}

// Step is the number of completed steps.
func (l *Loop) Step() int { return l.step }

// Params returns the current model parameters.
func (l *Loop) Params() []float64 { return l.params }

// EMA returns the parameters averaged at EMARates[i].
func (l *Loop) EMA(i int) []float64 { return l.ema[i] }

// Run trains until lr_anneal_steps is reached, forever when it is 0, or
// until ctx is cancelled. A checkpoint is written every save interval and
// once more on the way out.
func (l *Loop) Run(ctx context.Context) (err error) {
	progress, err := openProgress(l.cfg.RunDir)
	if err != nil {
		return err
	}
	l.progress = progress
	defer func() {
		if cerr := progress.Close(); err == nil {
			err = cerr
		}
	}()

	l.log.Info().
		Str("params", humanize.Comma(int64(l.cfg.Model.NumParams()))).
		Int("resume_step", l.resumeStep).
		Int("batch_size", l.cfg.BatchSize).
		Int("microbatch", l.cfg.Microbatch).
		Msg("training")

	for l.cfg.LRAnnealSteps == 0 || l.step < l.cfg.LRAnnealSteps {
		startData := time.Now()
		batch, err := l.cfg.Data.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return l.stop(ctx.Err())
			}
			return errors.Wrapf(err, "step %d: next batch", l.step)
		}
		dataTime := time.Since(startData)

		startCompute := time.Now()
		loss, err := l.runStep(batch)
		if err != nil {
			return errors.Wrapf(err, "step %d", l.step)
		}
		computeTime := time.Since(startCompute)

		l.step++
		l.window.Record(batch.Size(), dataTime, computeTime, loss)
		metrics.TrainSteps.Inc()
		metrics.TrainSamples.Add(float64(batch.Size()))
		metrics.TrainLoss.Set(loss)
		metrics.DataWait.Observe(dataTime.Seconds())
		metrics.ComputeDuration.Observe(computeTime.Seconds())

		if l.step%l.cfg.LogInterval == 0 {
			if err := l.dump(); err != nil {
				return err
			}
		}
		if l.step%l.cfg.SaveInterval == 0 {
			if err := l.save(); err != nil {
				return err
			}
		}
		if err := ctx.Err(); err != nil {
			return l.stop(err)
		}
	}
	if l.lastSaved != l.step {
		return l.save()
	}
	return nil
}

// stop saves the current state and returns cause.
func (l *Loop) stop(cause error) error {
	l.log.Warn().Int("step", l.step).Err(cause).Msg("training interrupted")
	if l.lastSaved != l.step && l.step > l.resumeStep {
		if err := l.save(); err != nil {
			return err
		}
	}
	return cause
}

// runStep accumulates gradients over the microbatches of batch, takes one
// optimizer step and updates the EMAs. It returns the weighted mean loss.
func (l *Loop) runStep(batch dataset.Batch) (float64, error) {
	n := batch.Size()
	if n == 0 {
		return 0, errors.New("empty batch")
	}
	scale := 1.0
	if l.cfg.UseFP16 {
		scale = math.Exp2(l.lgLossScale)
	}

	h, err := toHost(batch)
	if err != nil {
		return 0, err
	}
	grad := make([]float64, l.cfg.Model.NumParams())
	var lossSum float64
	var micros int
	for lo := 0; lo < n; lo += l.cfg.Microbatch {
		hi := min(lo+l.cfg.Microbatch, n)
		mb, ts, err := l.microbatch(h, lo, hi)
		if err != nil {
			return 0, err
		}
		losses, g, err := l.cfg.Model.LossAndGrad(l.params, mb, scale, l.rng)
		if err != nil {
			return 0, err
		}
		l.cfg.ScheduleSampler.UpdateWithLosses(ts, losses)
		l.stats.add(ts, losses)
		var weighted float64
		for i, loss := range losses {
			weighted += loss * mb.Weights[i]
		}
		lossSum += weighted / float64(len(losses))
		micros++
		for i, v := range g {
			grad[i] += v
		}
	}
	loss := lossSum / float64(micros)

	if !l.optimize(grad, scale) {
		return loss, nil
	}
	for i, rate := range l.cfg.EMARates {
		updateEMA(l.ema[i], l.params, rate)
	}
	return loss, nil
}

// optimize applies grad, which was computed at loss scale scale. In fp16
// mode an overflowing gradient skips the step and halves the scale.
func (l *Loop) optimize(grad []float64, scale float64) bool {
	if l.cfg.UseFP16 {
		for _, g := range grad {
			if h := model.RoundHalf(g); math.IsInf(h, 0) || math.IsNaN(h) {
				l.lgLossScale--
				metrics.SkippedSteps.Inc()
				metrics.LossScale.Set(l.lgLossScale)
				l.log.Debug().Float64("lg_loss_scale", l.lgLossScale).Msg("found NaN, decreased lg_loss_scale")
				return false
			}
		}
		for i := range grad {
			grad[i] /= scale
		}
	}
	l.stats.gradNorm = norm(grad)
	lr := l.learningRate()
	metrics.LearningRate.Set(lr)
	l.opt.Step(l.params, grad, lr)
	if l.cfg.UseFP16 {
		l.lgLossScale += l.cfg.FP16ScaleGrowth
		metrics.LossScale.Set(l.lgLossScale)
	}
	return true
}

// learningRate applies linear warmup and linear annealing to the base rate
// for the step about to be taken.
func (l *Loop) learningRate() float64 {
	lr := l.cfg.LR
	if l.cfg.LRWarmupSteps > 0 && l.step < l.cfg.LRWarmupSteps {
		lr *= float64(l.step+1) / float64(l.cfg.LRWarmupSteps)
	}
	if l.cfg.LRAnnealSteps > 0 {
		lr *= 1 - float64(l.step)/float64(l.cfg.LRAnnealSteps)
	}
	return lr
}

// hostBatch is a batch copied out of its tensors once per step.
type hostBatch struct {
	size    int
	images  []float32
	embeds  []float32
	embGrid [2]int
	labels  []int32
}

func toHost(batch dataset.Batch) (hostBatch, error) {
	h := hostBatch{size: batch.Size(), images: tensors.MustCopyFlatData[float32](batch.Images)}
	if emb, ok := batch.Cond[dataset.KeyImageEmbeds]; ok {
		dims := emb.Shape().Dimensions
		if len(dims) != 4 || dims[0] != h.size {
			return hostBatch{}, errors.Errorf("%s has shape %v, want [%d,D,h,w]", dataset.KeyImageEmbeds, dims, h.size)
		}
		h.embeds = tensors.MustCopyFlatData[float32](emb)
		h.embGrid = [2]int{dims[2], dims[3]}
	}
	if y, ok := batch.Cond[dataset.KeyLabels]; ok {
		h.labels = tensors.MustCopyFlatData[int32](y)
	}
	return h, nil
}

// microbatch noises samples [lo,hi) of h at sampled timesteps.
func (l *Loop) microbatch(h hostBatch, lo, hi int) (model.Batch, []int, error) {
	size := hi - lo
	per := len(h.images) / h.size
	ts, weights := diffusion.Sample(l.cfg.ScheduleSampler, size, l.rng)
	noised, err := l.cfg.Diffusion.Noise(h.images[lo*per:hi*per], size, ts, l.rng)
	if err != nil {
		return model.Batch{}, nil, err
	}
	mb := model.Batch{
		XT:        noised.XT,
		Target:    noised.Target,
		Size:      size,
		Weights:   weights,
		Timesteps: make([]float64, size),
	}
	for i, t := range ts {
		mb.Timesteps[i] = l.cfg.Diffusion.ModelTimestep(t)
	}
	if h.embeds != nil {
		per := len(h.embeds) / h.size
		mb.Embeds = h.embeds[lo*per : hi*per]
		mb.EmbGrid = h.embGrid
	}
	if h.labels != nil {
		mb.Labels = h.labels[lo:hi]
	}
	return mb, ts, nil
}

func updateEMA(ema, params []float64, rate float64) {
	for i, p := range params {
		ema[i] = rate*ema[i] + (1-rate)*p
	}
}

func norm(v []float64) float64 {
	var s float64
	for _, x := range v {
		s += x * x
	}
	return math.Sqrt(s)
}
