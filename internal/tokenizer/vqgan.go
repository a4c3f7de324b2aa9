package tokenizer

import (
	"os"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"

	"latentforge/internal/checkpoint"
)

// VQGanGroups lists the parameter groups of a gumbel VQGAN checkpoint. The
// decoder, the post-quantization conv and the training loss weights are
// discarded at load time.
var VQGanGroups = checkpoint.Groups{
	Required: []string{"encoder.", "quant_conv.", "quantize."},
	Dropped:  []string{"decoder.", "post_quant_conv.", "loss."},
}

// VQGanConfig mirrors the model section of the VQGAN YAML config.
type VQGanConfig struct {
	Model struct {
		Target string `yaml:"target"`
		Params struct {
			KLWeight float64       `yaml:"kl_weight"`
			EmbedDim int           `yaml:"embed_dim"`
			NEmbed   int           `yaml:"n_embed"`
			DDConfig VQGanDDConfig `yaml:"ddconfig"`
		} `yaml:"params"`
	} `yaml:"model"`
}

// VQGanDDConfig is the encoder/decoder architecture block.
type VQGanDDConfig struct {
	DoubleZ         bool    `yaml:"double_z"`
	ZChannels       int     `yaml:"z_channels"`
	Resolution      int     `yaml:"resolution"`
	InChannels      int     `yaml:"in_channels"`
	OutCh           int     `yaml:"out_ch"`
	Ch              int     `yaml:"ch"`
	ChMult          []int   `yaml:"ch_mult"`
	NumResBlocks    int     `yaml:"num_res_blocks"`
	AttnResolutions []int   `yaml:"attn_resolutions"`
	Dropout         float64 `yaml:"dropout"`
}

// Downsample is the spatial reduction factor of the encoder.
func (c VQGanDDConfig) Downsample() int {
	if len(c.ChMult) == 0 {
		return 1
	}
	return 1 << (len(c.ChMult) - 1)
}

// LoadVQGanConfig parses a VQGAN YAML config.
func LoadVQGanConfig(path string) (*VQGanConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "open vqgan config")
	}
	cfg := &VQGanConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "parse vqgan config %s", path)
	}
	p := cfg.Model.Params
	if p.EmbedDim <= 0 || p.NEmbed <= 0 || p.DDConfig.ZChannels <= 0 || p.DDConfig.InChannels <= 0 {
		return nil, errors.Errorf("vqgan config %s: embed_dim, n_embed, z_channels and in_channels must be > 0", path)
	}
	return cfg, nil
}

// VQGan is a frozen gumbel-quantized autoencoder, encoder path only.
type VQGan struct {
	cfg           VQGanConfig
	encProj       *mat.Dense
	encBias       []float64
	quantConv     *mat.Dense
	quantConvBias []float64
	quantProj     *mat.Dense
	quantBias     []float64
	embed         *mat.Dense
}

// LoadVQGan reads the YAML config and the checkpoint bundle. Decoder and
// post-quantization weights are dropped and never held in memory.
func LoadVQGan(configPath, checkpointPath string) (*VQGan, error) {
	cfg, err := LoadVQGanConfig(configPath)
	if err != nil {
		return nil, err
	}
	b, err := checkpoint.Read(checkpointPath)
	if err != nil {
		return nil, err
	}
	vae, err := NewVQGan(*cfg, b.Tensors)
	if err != nil {
		return nil, errors.Wrapf(err, "vqgan %s", checkpointPath)
	}
	return vae, nil
}

// NewVQGan builds the encoder from a config and named weights.
func NewVQGan(cfg VQGanConfig, params map[string]*tensors.Tensor) (*VQGan, error) {
	kept, _, err := VQGanGroups.Select(params)
	if err != nil {
		return nil, err
	}
	p := cfg.Model.Params
	dd := p.DDConfig
	f := dd.Downsample()
	v := &VQGan{cfg: cfg}
	if v.encProj, err = matrix(kept, "encoder.proj.weight", dd.InChannels*f*f, dd.ZChannels); err != nil {
		return nil, err
	}
	if v.encBias, err = vector(kept, "encoder.proj.bias", dd.ZChannels); err != nil {
		return nil, err
	}
	if v.quantConv, err = matrix(kept, "quant_conv.weight", dd.ZChannels, p.EmbedDim); err != nil {
		return nil, err
	}
	if v.quantConvBias, err = vector(kept, "quant_conv.bias", p.EmbedDim); err != nil {
		return nil, err
	}
	if v.quantProj, err = matrix(kept, "quantize.proj.weight", p.EmbedDim, p.NEmbed); err != nil {
		return nil, err
	}
	if v.quantBias, err = vector(kept, "quantize.proj.bias", p.NEmbed); err != nil {
		return nil, err
	}
	if v.embed, err = matrix(kept, "quantize.embed.weight", p.NEmbed, p.EmbedDim); err != nil {
		return nil, err
	}
	return v, nil
}

// EmbedDim is the channel count of Encode's output.
func (v *VQGan) EmbedDim() int { return v.cfg.Model.Params.EmbedDim }

// RequiresGrad is always false: the tokenizer is never trained.
func (v *VQGan) RequiresGrad() bool { return false }

// Fingerprint hashes the weights.
func (v *VQGan) Fingerprint() uint64 {
	return fingerprint(map[string][]float64{
		"encoder.proj.weight":   v.encProj.RawMatrix().Data,
		"encoder.proj.bias":     v.encBias,
		"quant_conv.weight":     v.quantConv.RawMatrix().Data,
		"quant_conv.bias":       v.quantConvBias,
		"quantize.proj.weight":  v.quantProj.RawMatrix().Data,
		"quantize.proj.bias":    v.quantBias,
		"quantize.embed.weight": v.embed.RawMatrix().Data,
	})
}

// Encode maps a [B,C,H,W] batch with values in [-1,1] to the quantized
// spatial latent [B,D,H/f,W/f] and the chosen codebook indices [B,H/f,W/f].
// The quantizer runs in eval mode: hard argmax over the code logits.
func (v *VQGan) Encode(images *tensors.Tensor) (quant, indices *tensors.Tensor, err error) {
	dd := v.cfg.Model.Params.DDConfig
	f := dd.Downsample()
	b, c, h, w, err := imageDims(images, dd.InChannels, f)
	if err != nil {
		return nil, nil, err
	}
	gh, gw := h/f, w/f
	flat := tensors.MustCopyFlatData[float32](images)

	z := project(patchify(flat, b, c, h, w, f, nil, nil), v.encProj, v.encBias)
	z = project(z, v.quantConv, v.quantConvBias)
	codes := argmaxRows(project(z, v.quantProj, v.quantBias))
	vectors, err := lookup(v.embed, codes)
	if err != nil {
		return nil, nil, err
	}

	// Rows are (b, gy, gx) with D values each; the latent is channels first.
	d := v.EmbedDim()
	spatial := gh * gw
	out := make([]float32, len(vectors))
	for bi := 0; bi < b; bi++ {
		for s := 0; s < spatial; s++ {
			src := (bi*spatial + s) * d
			for k := 0; k < d; k++ {
				out[(bi*d+k)*spatial+s] = vectors[src+k]
			}
		}
	}
	quant = tensors.FromFlatDataAndDimensions(out, b, d, gh, gw)
	indices = tensors.FromFlatDataAndDimensions(codes, b, gh, gw)
	return quant, indices, nil
}
