package diffusion

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
)

// LossType is the training objective implied by the diffusion flags.
type LossType string

const (
	LossMSE         LossType = "mse"
	LossRescaledMSE LossType = "rescaled_mse"
	LossKL          LossType = "kl"
)

// Options selects the forward process. Field meanings follow the
// model/diffusion flags of the same snake_case name.
type Options struct {
	Steps                int
	NoiseSchedule        string
	TimestepRespacing    string
	LearnSigma           bool
	UseKL                bool
	PredictXStart        bool
	RescaleTimesteps     bool
	RescaleLearnedSigmas bool
}

// LossType derives the objective from the flags.
func (o Options) LossType() LossType {
	switch {
	case o.UseKL:
		return LossKL
	case o.RescaleLearnedSigmas:
		return LossRescaledMSE
	default:
		return LossMSE
	}
}

// Gaussian is a discrete Gaussian forward process q(x_t | x_0).
type Gaussian struct {
	betas          []float64
	alphasCumprod  []float64
	sqrtAC         []float64
	sqrtOneMinusAC []float64
	// timestepMap maps a respaced step to the original step index.
	timestepMap      []int
	originalSteps    int
	predictXStart    bool
	rescaleTimesteps bool
}

// New builds the forward process described by opts.
func New(opts Options) (*Gaussian, error) {
	betas, err := BetaSchedule(opts.NoiseSchedule, opts.Steps)
	if err != nil {
		return nil, err
	}
	use, err := SpaceTimesteps(opts.Steps, opts.TimestepRespacing)
	if err != nil {
		return nil, err
	}
	if opts.LossType() == LossKL {
		return nil, errors.New("diffusion: use_kl is not supported, only the noise regression objective is trained")
	}

	// Respacing keeps the cumulative products of the kept steps and derives
	// new betas from them.
	full := cumprod(betas)
	spaced := make([]float64, 0, len(use))
	last := 1.0
	for _, t := range use {
		spaced = append(spaced, 1-full[t]/last)
		last = full[t]
	}

	g, err := newGaussian(spaced)
	if err != nil {
		return nil, err
	}
	g.timestepMap = use
	g.originalSteps = opts.Steps
	g.predictXStart = opts.PredictXStart
	g.rescaleTimesteps = opts.RescaleTimesteps
	return g, nil
}

func newGaussian(betas []float64) (*Gaussian, error) {
	for i, b := range betas {
		if !(b > 0 && b <= 1) {
			return nil, errors.Errorf("diffusion: beta[%d]=%v outside (0,1]", i, b)
		}
	}
	g := &Gaussian{betas: betas, alphasCumprod: cumprod(betas)}
	g.sqrtAC = make([]float64, len(betas))
	g.sqrtOneMinusAC = make([]float64, len(betas))
	for i, ac := range g.alphasCumprod {
		g.sqrtAC[i] = math.Sqrt(ac)
		g.sqrtOneMinusAC[i] = math.Sqrt(1 - ac)
	}
	g.timestepMap = make([]int, len(betas))
	for i := range g.timestepMap {
		g.timestepMap[i] = i
	}
	g.originalSteps = len(betas)
	return g, nil
}

func cumprod(betas []float64) []float64 {
	out := make([]float64, len(betas))
	acc := 1.0
	for i, b := range betas {
		acc *= 1 - b
		out[i] = acc
	}
	return out
}

// NumTimesteps is the number of (possibly respaced) steps.
func (g *Gaussian) NumTimesteps() int { return len(g.betas) }

// Betas returns a copy of the per-step variances.
func (g *Gaussian) Betas() []float64 { return append([]float64(nil), g.betas...) }

// AlphaCumprod returns the cumulative signal fraction at step t.
func (g *Gaussian) AlphaCumprod(t int) float64 { return g.alphasCumprod[t] }

// ModelTimestep is the timestep value fed to the model for step t: the
// original step index, rescaled to a 1000-step range when requested.
func (g *Gaussian) ModelTimestep(t int) float64 {
	orig := float64(g.timestepMap[t])
	if g.rescaleTimesteps {
		return orig * 1000 / float64(g.originalSteps)
	}
	return orig
}

// QSample noises x0 to step t: sqrt(ac)*x0 + sqrt(1-ac)*noise, written to
// dst, which may alias neither input.
func (g *Gaussian) QSample(dst, x0, noise []float32, t int) {
	s, n := float32(g.sqrtAC[t]), float32(g.sqrtOneMinusAC[t])
	for i := range x0 {
		dst[i] = s*x0[i] + n*noise[i]
	}
}

// Noised is one training example after the forward process.
type Noised struct {
	XT     []float32
	Target []float32
}

// Noise draws Gaussian noise for each of the b samples of x0 (each of
// length per), noises sample i to step ts[i] and returns the noisy input
// with the regression target: the noise itself, or x0 when predicting x0.
func (g *Gaussian) Noise(x0 []float32, b int, ts []int, rng *rand.Rand) (Noised, error) {
	if b <= 0 || len(x0)%b != 0 || len(ts) != b {
		return Noised{}, errors.Errorf("diffusion: %d values, %d timesteps for batch of %d", len(x0), len(ts), b)
	}
	per := len(x0) / b
	noise := make([]float32, len(x0))
	for i := range noise {
		noise[i] = float32(rng.NormFloat64())
	}
	xt := make([]float32, len(x0))
	for i := 0; i < b; i++ {
		if ts[i] < 0 || ts[i] >= g.NumTimesteps() {
			return Noised{}, errors.Errorf("diffusion: timestep %d outside [0,%d)", ts[i], g.NumTimesteps())
		}
		lo, hi := i*per, (i+1)*per
		g.QSample(xt[lo:hi], x0[lo:hi], noise[lo:hi], ts[i])
	}
	target := noise
	if g.predictXStart {
		target = append([]float32(nil), x0...)
	}
	return Noised{XT: xt, Target: target}, nil
}
