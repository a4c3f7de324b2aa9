package diffusion

import (
	"github.com/pkg/errors"

	"latentforge/internal/config"
	"latentforge/internal/model"
)

// NumClasses is the size of the class embedding table when class_cond is
// set.
const NumClasses = 1000

// timeDim is the width of the sinusoidal timestep features.
const timeDim = 32

// CreateModelAndDiffusion builds the denoiser and the forward process from
// the model and diffusion options. embedDim is the channel count of the
// tokenizer embeddings the model is conditioned on; it is ignored when
// emb_condition is off.
//
// The denoiser is pointwise: num_channels sets its hidden width, and the
// U-Net layout options (res blocks, heads, attention resolutions, channel
// multipliers) are accepted but have no counterpart.
func CreateModelAndDiffusion(opts *config.Options, embedDim int) (*model.Denoiser, *Gaussian, error) {
	g, err := New(Options{
		Steps:                opts.DiffusionSteps,
		NoiseSchedule:        opts.NoiseSchedule,
		TimestepRespacing:    opts.TimestepRespacing,
		LearnSigma:           opts.LearnSigma,
		UseKL:                opts.UseKL,
		PredictXStart:        opts.PredictXStart,
		RescaleTimesteps:     opts.RescaleTimesteps,
		RescaleLearnedSigmas: opts.RescaleLearnedSigmas,
	})
	if err != nil {
		return nil, nil, err
	}

	mo := model.Options{
		ImageSize:  opts.ImageSize,
		InChannels: 3,
		LearnSigma: opts.LearnSigma,
		Hidden:     opts.NumChannels,
		TimeDim:    timeDim,
		Dropout:    opts.Dropout,
		UseFP16:    opts.UseFP16,
	}
	if opts.ClassCond {
		mo.NumClasses = NumClasses
	}
	if opts.EmbCondition {
		if embedDim <= 0 {
			return nil, nil, errors.Errorf("diffusion: emb_condition needs a positive embedding dim, got %d", embedDim)
		}
		if opts.EmbInputDim > 0 && opts.EmbInputDim != embedDim {
			return nil, nil, errors.Errorf("diffusion: emb_input_dim=%d but the tokenizer produces %d channels", opts.EmbInputDim, embedDim)
		}
		mo.EmbInputDim = embedDim
		mo.EmbOutputDim = opts.EmbOutputDim
	}
	m, err := model.NewDenoiser(mo)
	if err != nil {
		return nil, nil, err
	}
	return m, g, nil
}
