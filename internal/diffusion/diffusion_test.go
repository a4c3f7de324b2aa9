package diffusion

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"latentforge/internal/config"
)

func TestBetaSchedules(t *testing.T) {
	for _, name := range []string{ScheduleLinear, ScheduleCosine} {
		betas, err := BetaSchedule(name, 1000)
		require.NoError(t, err, name)
		require.Len(t, betas, 1000)
		for i := 1; i < len(betas); i++ {
			assert.GreaterOrEqual(t, betas[i], betas[i-1], "%s not monotone at %d", name, i)
		}
		assert.Greater(t, betas[0], 0.0)
		assert.LessOrEqual(t, betas[len(betas)-1], maxBeta)
	}

	linear, err := BetaSchedule(ScheduleLinear, 1000)
	require.NoError(t, err)
	assert.InDelta(t, 0.0001, linear[0], 1e-12)
	assert.InDelta(t, 0.02, linear[999], 1e-12)

	short, err := BetaSchedule(ScheduleLinear, 100)
	require.NoError(t, err)
	assert.InDelta(t, 0.001, short[0], 1e-12)
	assert.InDelta(t, 0.2, short[99], 1e-12)

	_, err = BetaSchedule("quadratic", 10)
	assert.Error(t, err)
}

func TestSpaceTimesteps(t *testing.T) {
	all, err := SpaceTimesteps(10, "")
	require.NoError(t, err)
	assert.Len(t, all, 10)

	ddim, err := SpaceTimesteps(100, "ddim25")
	require.NoError(t, err)
	assert.Equal(t, 25, len(ddim))
	assert.Equal(t, 0, ddim[0])
	assert.Equal(t, 4, ddim[1])

	sections, err := SpaceTimesteps(300, "10,20")
	require.NoError(t, err)
	assert.Len(t, sections, 30)
	assert.Equal(t, 0, sections[0])
	assert.Equal(t, 299, sections[len(sections)-1])

	_, err = SpaceTimesteps(10, "20")
	assert.Error(t, err)
}

func TestGaussianQSample(t *testing.T) {
	g, err := New(Options{Steps: 100, NoiseSchedule: ScheduleLinear})
	require.NoError(t, err)
	assert.Equal(t, 100, g.NumTimesteps())

	x0 := []float32{1, -1}
	noise := []float32{0.5, 0.5}
	dst := make([]float32, 2)
	g.QSample(dst, x0, noise, 0)
	ac := g.AlphaCumprod(0)
	assert.InDelta(t, math.Sqrt(ac)*1+math.Sqrt(1-ac)*0.5, float64(dst[0]), 1e-6)

	// Late steps are almost pure noise.
	g.QSample(dst, x0, noise, 99)
	assert.InDelta(t, 0.5, float64(dst[0]), 0.05)
}

func TestGaussianNoiseTargets(t *testing.T) {
	g, err := New(Options{Steps: 10, NoiseSchedule: ScheduleCosine, PredictXStart: true})
	require.NoError(t, err)
	x0 := []float32{1, 2, 3, 4}
	n, err := g.Noise(x0, 2, []int{0, 9}, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	assert.Equal(t, x0, n.Target)

	_, err = g.Noise(x0, 2, []int{0, 10}, rand.New(rand.NewSource(1)))
	assert.Error(t, err)
}

func TestRespacedModelTimesteps(t *testing.T) {
	g, err := New(Options{Steps: 1000, NoiseSchedule: ScheduleLinear, TimestepRespacing: "ddim10", RescaleTimesteps: true})
	require.NoError(t, err)
	assert.Equal(t, 10, g.NumTimesteps())
	assert.Equal(t, 900.0, g.ModelTimestep(9))

	full, err := New(Options{Steps: 1000, NoiseSchedule: ScheduleLinear})
	require.NoError(t, err)
	// Respacing keeps the cumulative signal of the kept steps.
	assert.InDelta(t, full.AlphaCumprod(900), g.AlphaCumprod(9), 1e-9)
}

func TestUseKLRejected(t *testing.T) {
	_, err := New(Options{Steps: 10, NoiseSchedule: ScheduleLinear, UseKL: true})
	assert.Error(t, err)
}

func TestUniformSamplerWeights(t *testing.T) {
	g, err := New(Options{Steps: 50, NoiseSchedule: ScheduleLinear})
	require.NoError(t, err)
	s, err := NewScheduleSampler(SamplerUniform, g)
	require.NoError(t, err)

	ts, weights := Sample(s, 64, rand.New(rand.NewSource(3)))
	require.Len(t, ts, 64)
	for i, w := range weights {
		assert.InDelta(t, 1.0, w, 1e-9)
		assert.True(t, ts[i] >= 0 && ts[i] < 50)
	}
}

func TestLossSecondMomentSampler(t *testing.T) {
	g, err := New(Options{Steps: 4, NoiseSchedule: ScheduleLinear})
	require.NoError(t, err)
	s, err := NewScheduleSampler(SamplerLossSecondMoment, g)
	require.NoError(t, err)

	assert.Equal(t, []float64{1, 1, 1, 1}, s.Weights())
	for i := 0; i < historyPerTerm; i++ {
		s.UpdateWithLosses([]int{0, 1, 2, 3}, []float64{1, 1, 1, 4})
	}
	w := s.Weights()
	assert.Greater(t, w[3], w[0])
	var sum float64
	for _, v := range w {
		sum += v
	}
	assert.InDelta(t, 1.0, sum, 1e-9)

	ts, weights := Sample(s, 200, rand.New(rand.NewSource(5)))
	for i, t3 := range ts {
		assert.InDelta(t, 1/(4*w[t3]), weights[i], 1e-9)
	}

	_, err = NewScheduleSampler("importance", g)
	assert.Error(t, err)
}

func TestCreateModelAndDiffusion(t *testing.T) {
	opts := config.Defaults()
	opts.ImageSize = 8
	opts.NumChannels = 16
	opts.ClassCond = true
	opts.EmbInputDim = 256
	opts.EmbOutputDim = 512

	m, g, err := CreateModelAndDiffusion(&opts, 256)
	require.NoError(t, err)
	assert.Equal(t, 1000, g.NumTimesteps())
	assert.Equal(t, NumClasses, m.Options().NumClasses)
	assert.Equal(t, 512, m.Options().EmbOutputDim)

	_, _, err = CreateModelAndDiffusion(&opts, 64)
	assert.Error(t, err)

	opts.EmbCondition = false
	m, _, err = CreateModelAndDiffusion(&opts, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, m.Options().EmbInputDim)
}
