package cli

import (
	"latentforge/internal/config"
	"latentforge/internal/embed"
	"latentforge/internal/tokenizer"
)

// Frozen is what every tokenizer handle exposes besides inference.
type Frozen interface {
	RequiresGrad() bool
	Fingerprint() uint64
}

// Tokenizer is a loaded tokenizer wrapped for the data adapter.
type Tokenizer struct {
	Embedder embed.Embedder
	// EmbedDim is the channel count of the embeddings.
	EmbedDim int
	Frozen   Frozen
}

// Variant describes one training entry point: which tokenizer it loads and
// which options it adds or hides.
type Variant struct {
	Name  string
	Short string
	// Setup is logged before the tokenizer is loaded.
	Setup string
	// Defaults adjusts the shared defaults.
	Defaults func(o *config.Options)
	// Exclude lists flags this variant does not accept.
	Exclude []string
	Load    func(o *config.Options) (*Tokenizer, error)
}

// Default tokenizer locations, relative to the working directory.
const (
	DefaultDVAECheckpoint  = "./models/dvae/vae-classifier-128-8192.arrow"
	DefaultVQGanConfig     = "rudalle/vae/vqgan.gumbelf8-sber.config.yml"
	DefaultVQGanCheckpoint = "rudalle/vqgan.gumbelf8-sber.model.arrow"
)

// DVAE trains against a discrete VAE, using its codebook vectors laid out
// on a square grid as the embedding.
func DVAE() Variant {
	return Variant{
		Name:  "image-dvae-train",
		Short: "Train a diffusion model conditioned on discrete VAE codebook embeddings",
		Setup: "setting up discrete vae",
		Defaults: func(o *config.Options) {
			o.TokenizerCheckpoint = DefaultDVAECheckpoint
		},
		Exclude: []string{"emb_input_dim", "emb_output_dim", "tokenizer_config"},
		Load: func(o *config.Options) (*Tokenizer, error) {
			vae, err := tokenizer.LoadDiscreteVAE(o.TokenizerCheckpoint)
			if err != nil {
				return nil, err
			}
			return &Tokenizer{
				Embedder: embed.NewCodebookEmbedder(vae),
				EmbedDim: vae.CodebookDim(),
				Frozen:   vae,
			}, nil
		},
	}
}

// RU trains against the gumbel VQGAN, using its quantized encoder output as
// the embedding.
func RU() Variant {
	return Variant{
		Name:  "image-ru-train",
		Short: "Train a diffusion model conditioned on VQGAN gumbel encoder embeddings",
		Setup: "setting up vqgan gumbel vae",
		Defaults: func(o *config.Options) {
			o.TokenizerCheckpoint = DefaultVQGanCheckpoint
			o.TokenizerConfig = DefaultVQGanConfig
			o.EmbInputDim = 256
			o.EmbOutputDim = 512
		},
		Load: func(o *config.Options) (*Tokenizer, error) {
			vae, err := tokenizer.LoadVQGan(o.TokenizerConfig, o.TokenizerCheckpoint)
			if err != nil {
				return nil, err
			}
			return &Tokenizer{
				Embedder: embed.NewEncoderEmbedder(vae),
				EmbedDim: vae.EmbedDim(),
				Frozen:   vae,
			}, nil
		},
	}
}
