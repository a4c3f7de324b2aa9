package model

import "math/rand"

// Batch is one microbatch as seen by the denoiser. Image tensors are flat
// NCHW float32.
type Batch struct {
	// XT is the noised image [B,C,S,S].
	XT   []float32
	Size int
	// Embeds is the latent embedding [B,D,h,w]; nil when unconditioned.
	Embeds  []float32
	EmbGrid [2]int
	// Labels holds one class per sample; nil when class-unconditional.
	Labels []int32
	// Timesteps are the model-facing timestep values, one per sample.
	Timesteps []float64
	// Target is what the model regresses onto, shaped like XT.
	Target []float32
	// Weights scale each sample's loss in the gradient.
	Weights []float64
}

// Model is the trainable denoiser consumed by the training loop.
type Model interface {
	// LossAndGrad returns the unweighted per-sample losses and the gradient
	// of mean(weights*losses)*scale with respect to params.
	LossAndGrad(params []float64, batch Batch, scale float64, rng *rand.Rand) (losses []float64, grad []float64, err error)
	NumParams() int
	// InitParams returns freshly initialized parameters.
	InitParams(seed int64) []float64
	// Names lists the parameter tensors and their shapes in the order they
	// are laid out in the flat vector.
	Names() []Param
}

// Param is one named tensor inside the flat parameter vector.
type Param struct {
	Name   string
	Dims   []int
	Offset int
}

// Size is the number of values of p.
func (p Param) Size() int {
	n := 1
	for _, d := range p.Dims {
		n *= d
	}
	return n
}
