package model

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tinyOptions() Options {
	return Options{
		ImageSize:    4,
		InChannels:   3,
		Hidden:       8,
		EmbInputDim:  5,
		EmbOutputDim: 6,
		NumClasses:   3,
		TimeDim:      4,
	}
}

func tinyBatch(rng *rand.Rand, opts Options) Batch {
	b := 2
	n := b * opts.InChannels * opts.ImageSize * opts.ImageSize
	batch := Batch{
		XT:        make([]float32, n),
		Target:    make([]float32, n),
		Size:      b,
		Embeds:    make([]float32, b*opts.EmbInputDim*2*2),
		EmbGrid:   [2]int{2, 2},
		Labels:    []int32{0, 2},
		Timesteps: []float64{3, 700},
		Weights:   []float64{1, 1},
	}
	for i := range batch.XT {
		batch.XT[i] = float32(rng.NormFloat64())
		batch.Target[i] = 0.5 * batch.XT[i]
	}
	for i := range batch.Embeds {
		batch.Embeds[i] = float32(rng.NormFloat64())
	}
	return batch
}

func TestDenoiserTrainStepReducesLoss(t *testing.T) {
	opts := tinyOptions()
	m, err := NewDenoiser(opts)
	require.NoError(t, err)
	params := m.InitParams(1)
	batch := tinyBatch(rand.New(rand.NewSource(2)), opts)
	opt := NewAdamW(m.NumParams(), 0)

	mean := func(l []float64) float64 { return (l[0] + l[1]) / 2 }
	first, grad, err := m.LossAndGrad(params, batch, 1, nil)
	require.NoError(t, err)
	opt.Step(params, grad, 0.01)
	for i := 0; i < 50; i++ {
		_, grad, err = m.LossAndGrad(params, batch, 1, nil)
		require.NoError(t, err)
		opt.Step(params, grad, 0.01)
	}
	last, _, err := m.LossAndGrad(params, batch, 1, nil)
	require.NoError(t, err)
	if mean(last) >= mean(first) {
		t.Fatalf("expected loss to decrease; first=%f last=%f", mean(first), mean(last))
	}
}

// TestDenoiserGradientMatchesFiniteDifference checks a sample of
// coordinates from every parameter tensor.
func TestDenoiserGradientMatchesFiniteDifference(t *testing.T) {
	opts := tinyOptions()
	m, err := NewDenoiser(opts)
	require.NoError(t, err)
	params := m.InitParams(3)
	rng := rand.New(rand.NewSource(4))
	// Non-zero output weights so every layer receives gradient.
	for _, p := range m.Names() {
		if p.Name == "out.weight" {
			for i := p.Offset; i < p.Offset+p.Size(); i++ {
				params[i] = rng.NormFloat64() * 0.3
			}
		}
	}
	batch := tinyBatch(rng, opts)
	batch.Weights = []float64{0.5, 2}

	objective := func(p []float64) float64 {
		losses, _, err := m.LossAndGrad(p, batch, 1, nil)
		require.NoError(t, err)
		return (0.5*losses[0] + 2*losses[1]) / 2
	}
	_, grad, err := m.LossAndGrad(params, batch, 1, nil)
	require.NoError(t, err)

	const h = 1e-5
	for _, p := range m.Names() {
		for _, i := range []int{p.Offset, p.Offset + p.Size()/2, p.Offset + p.Size() - 1} {
			orig := params[i]
			params[i] = orig + h
			up := objective(params)
			params[i] = orig - h
			down := objective(params)
			params[i] = orig
			numeric := (up - down) / (2 * h)
			assert.InDelta(t, numeric, grad[i], 1e-4+1e-3*math.Abs(numeric), "%s[%d]", p.Name, i-p.Offset)
		}
	}
}

func TestDenoiserRejectsBadBatch(t *testing.T) {
	m, err := NewDenoiser(tinyOptions())
	require.NoError(t, err)
	params := m.InitParams(1)
	batch := tinyBatch(rand.New(rand.NewSource(1)), tinyOptions())
	batch.Labels = []int32{0, 9}
	_, _, err = m.LossAndGrad(params, batch, 1, nil)
	require.Error(t, err)

	batch = tinyBatch(rand.New(rand.NewSource(1)), tinyOptions())
	batch.Embeds = batch.Embeds[:3]
	_, _, err = m.LossAndGrad(params, batch, 1, nil)
	require.Error(t, err)
}

func TestDenoiserLayout(t *testing.T) {
	opts := tinyOptions()
	opts.LearnSigma = true
	m, err := NewDenoiser(opts)
	require.NoError(t, err)
	want := 5*6 + 6 + 3*4 + (3+6+4)*8 + 8 + 8*6 + 6
	assert.Equal(t, want, m.NumParams())
	names := m.Names()
	last := names[len(names)-1]
	assert.Equal(t, "out.bias", last.Name)
	assert.Equal(t, []int{6}, last.Dims)
}

func TestRoundHalf(t *testing.T) {
	assert.Equal(t, 1.0, RoundHalf(1.0))
	assert.InDelta(t, 0.1, RoundHalf(0.1), 1e-4)
	assert.NotEqual(t, 0.1, RoundHalf(0.1))
	assert.True(t, math.IsInf(RoundHalf(1e6), 1))
}

func TestAdamWDecoupledDecay(t *testing.T) {
	opt := NewAdamW(1, 0.1)
	params := []float64{2}
	opt.Step(params, []float64{0}, 0.5)
	// Zero gradient: only the decay term moves the parameter.
	assert.InDelta(t, 2-0.5*0.1*2, params[0], 1e-9)

	m, v, step := opt.State()
	other := NewAdamW(1, 0.1)
	require.NoError(t, other.Restore(m, v, step))
	assert.Equal(t, 1, other.Steps())
	assert.Error(t, other.Restore([]float64{1, 2}, v, 1))
}
