package diffusion

import (
	"math"
	"math/rand"
	"sort"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// Sampler names accepted by NewScheduleSampler.
const (
	SamplerUniform          = "uniform"
	SamplerLossSecondMoment = "loss-second-moment"
)

const (
	historyPerTerm = 10
	uniformProb    = 0.001
)

// ScheduleSampler picks the timesteps of a batch and the importance weights
// that keep the loss unbiased.
type ScheduleSampler interface {
	// Weights returns one unnormalized, positive weight per timestep.
	Weights() []float64
	// UpdateWithLosses reports the per-sample losses observed at ts.
	UpdateWithLosses(ts []int, losses []float64)
}

// NewScheduleSampler returns the named sampler over g's timesteps.
func NewScheduleSampler(name string, g *Gaussian) (ScheduleSampler, error) {
	switch name {
	case SamplerUniform:
		return &UniformSampler{n: g.NumTimesteps()}, nil
	case SamplerLossSecondMoment:
		n := g.NumTimesteps()
		return &LossSecondMomentSampler{
			history: make([][historyPerTerm]float64, n),
			counts:  make([]int, n),
		}, nil
	default:
		return nil, errors.Errorf("diffusion: unknown schedule sampler %q", name)
	}
}

// Sample draws n timesteps with probability proportional to s.Weights() and
// returns them with weights 1/(N*p(t)).
func Sample(s ScheduleSampler, n int, rng *rand.Rand) ([]int, []float64) {
	w := s.Weights()
	p := make([]float64, len(w))
	floats.ScaleTo(p, 1/floats.Sum(w), w)
	cdf := floats.CumSum(make([]float64, len(p)), p)
	cdf[len(cdf)-1] = 1

	ts := make([]int, n)
	weights := make([]float64, n)
	for i := range ts {
		t := sort.SearchFloat64s(cdf, rng.Float64())
		if t >= len(p) {
			t = len(p) - 1
		}
		ts[i] = t
		weights[i] = 1 / (float64(len(p)) * p[t])
	}
	return ts, weights
}

// UniformSampler weights every timestep equally.
type UniformSampler struct {
	n int
}

// Weights implements ScheduleSampler.
func (u *UniformSampler) Weights() []float64 {
	w := make([]float64, u.n)
	for i := range w {
		w[i] = 1
	}
	return w
}

// UpdateWithLosses implements ScheduleSampler; uniform sampling ignores
// losses.
func (u *UniformSampler) UpdateWithLosses([]int, []float64) {}

// LossSecondMomentSampler samples timesteps in proportion to the root mean
// square of their recent losses once every timestep has a full history.
type LossSecondMomentSampler struct {
	history [][historyPerTerm]float64
	counts  []int
}

// Weights implements ScheduleSampler.
func (s *LossSecondMomentSampler) Weights() []float64 {
	n := len(s.counts)
	w := make([]float64, n)
	if !s.warmedUp() {
		for i := range w {
			w[i] = 1
		}
		return w
	}
	for i := range w {
		var sq float64
		for _, l := range s.history[i] {
			sq += l * l
		}
		w[i] = math.Sqrt(sq / historyPerTerm)
	}
	if floats.Sum(w) == 0 {
		for i := range w {
			w[i] = 1
		}
		return w
	}
	floats.Scale((1-uniformProb)/floats.Sum(w), w)
	floats.AddConst(uniformProb/float64(n), w)
	return w
}

// UpdateWithLosses implements ScheduleSampler.
func (s *LossSecondMomentSampler) UpdateWithLosses(ts []int, losses []float64) {
	for i, t := range ts {
		if s.counts[t] == historyPerTerm {
			copy(s.history[t][:], s.history[t][1:])
			s.history[t][historyPerTerm-1] = losses[i]
			continue
		}
		s.history[t][s.counts[t]] = losses[i]
		s.counts[t]++
	}
}

func (s *LossSecondMomentSampler) warmedUp() bool {
	for _, c := range s.counts {
		if c != historyPerTerm {
			return false
		}
	}
	return true
}
