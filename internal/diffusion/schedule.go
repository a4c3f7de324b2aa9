// Package diffusion is the Gaussian forward process used to train the
// denoiser: named beta schedules, timestep respacing, noising of clean
// images and the timestep samplers that pick which steps to train on.
package diffusion

import (
	"math"

	"github.com/pkg/errors"
)

// Schedule names accepted by BetaSchedule.
const (
	ScheduleLinear = "linear"
	ScheduleCosine = "cosine"
)

// maxBeta caps the cosine schedule so the last steps stay invertible.
const maxBeta = 0.999

// BetaSchedule returns the per-step noise variances for a named schedule.
// The linear schedule is scaled so that any step count spans the same range
// as the 1000-step schedule.
func BetaSchedule(name string, steps int) ([]float64, error) {
	if steps <= 0 {
		return nil, errors.Errorf("diffusion: steps must be > 0, got %d", steps)
	}
	switch name {
	case ScheduleLinear:
		scale := 1000 / float64(steps)
		start, end := scale*0.0001, scale*0.02
		betas := make([]float64, steps)
		for i := range betas {
			if steps == 1 {
				betas[i] = start
				continue
			}
			betas[i] = start + (end-start)*float64(i)/float64(steps-1)
		}
		return betas, nil
	case ScheduleCosine:
		return betasForAlphaBar(steps, func(t float64) float64 {
			c := math.Cos((t + 0.008) / 1.008 * math.Pi / 2)
			return c * c
		}), nil
	default:
		return nil, errors.Errorf("diffusion: unknown beta schedule %q", name)
	}
}

// betasForAlphaBar discretizes a cumulative alpha function over [0,1].
func betasForAlphaBar(steps int, alphaBar func(t float64) float64) []float64 {
	betas := make([]float64, steps)
	for i := range betas {
		t1 := float64(i) / float64(steps)
		t2 := float64(i+1) / float64(steps)
		betas[i] = math.Min(1-alphaBar(t2)/alphaBar(t1), maxBeta)
	}
	return betas
}
