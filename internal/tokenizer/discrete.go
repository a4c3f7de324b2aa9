package tokenizer

import (
	"encoding/json"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"latentforge/internal/checkpoint"
)

// DiscreteHParamsKey is the checkpoint metadata key holding DiscreteHParams
// as JSON.
const DiscreteHParamsKey = "hparams"

// DiscreteGroups lists the parameter groups of a discrete VAE checkpoint.
// Only the encoder and codebook are used; the decoder is discarded.
var DiscreteGroups = checkpoint.Groups{
	Required: []string{"encoder.", "codebook."},
	Dropped:  []string{"decoder."},
}

// DiscreteHParams are the hyperparameters stored alongside the weights.
type DiscreteHParams struct {
	ImageSize     int          `json:"image_size"`
	NumTokens     int          `json:"num_tokens"`
	CodebookDim   int          `json:"codebook_dim"`
	NumLayers     int          `json:"num_layers"`
	HiddenDim     int          `json:"hidden_dim"`
	Channels      int          `json:"channels"`
	Normalization [2][]float64 `json:"normalization,omitempty"`
}

// PatchSize is the side of the image patch mapped to one token.
func (h DiscreteHParams) PatchSize() int {
	return 1 << h.NumLayers
}

func (h DiscreteHParams) validate() error {
	if h.NumTokens <= 0 || h.CodebookDim <= 0 || h.Channels <= 0 || h.NumLayers < 0 {
		return errors.Errorf("invalid discrete VAE hparams %+v", h)
	}
	mean, std := h.Normalization[0], h.Normalization[1]
	if len(mean) != 0 && (len(mean) != h.Channels || len(std) != h.Channels) {
		return errors.Errorf("normalization needs %d means and stds", h.Channels)
	}
	for _, s := range std {
		if s == 0 {
			return errors.New("normalization std must be non-zero")
		}
	}
	return nil
}

// DiscreteVAE is a frozen discrete-codebook tokenizer.
type DiscreteVAE struct {
	hp       DiscreteHParams
	scale    []float64
	shift    []float64
	proj     *mat.Dense
	projBias []float64
	codebook *mat.Dense
}

// LoadDiscreteVAE reads hyperparameters and weights from a single
// checkpoint bundle. Decoder weights in the checkpoint are discarded.
func LoadDiscreteVAE(path string) (*DiscreteVAE, error) {
	b, err := checkpoint.Read(path)
	if err != nil {
		return nil, err
	}
	raw, ok := b.Metadata[DiscreteHParamsKey]
	if !ok {
		return nil, errors.Errorf("discrete VAE %s: no %q metadata", path, DiscreteHParamsKey)
	}
	var hp DiscreteHParams
	if err := json.Unmarshal([]byte(raw), &hp); err != nil {
		return nil, errors.Wrapf(err, "discrete VAE %s: hparams", path)
	}
	vae, err := NewDiscreteVAE(hp, b.Tensors)
	if err != nil {
		return nil, errors.Wrapf(err, "discrete VAE %s", path)
	}
	return vae, nil
}

// NewDiscreteVAE builds the tokenizer from hyperparameters and named weights.
func NewDiscreteVAE(hp DiscreteHParams, params map[string]*tensors.Tensor) (*DiscreteVAE, error) {
	if err := hp.validate(); err != nil {
		return nil, err
	}
	kept, _, err := DiscreteGroups.Select(params)
	if err != nil {
		return nil, err
	}
	p := hp.PatchSize()
	in := hp.Channels * p * p
	vae := &DiscreteVAE{hp: hp}
	if vae.proj, err = matrix(kept, "encoder.proj.weight", in, hp.NumTokens); err != nil {
		return nil, err
	}
	if vae.projBias, err = vector(kept, "encoder.proj.bias", hp.NumTokens); err != nil {
		return nil, err
	}
	if vae.codebook, err = matrix(kept, "codebook.weight", hp.NumTokens, hp.CodebookDim); err != nil {
		return nil, err
	}

	vae.scale = make([]float64, hp.Channels)
	vae.shift = make([]float64, hp.Channels)
	for c := range vae.scale {
		mean, std := 0.5, 0.5
		if len(hp.Normalization[0]) > 0 {
			mean, std = hp.Normalization[0][c], hp.Normalization[1][c]
		}
		vae.scale[c] = 1 / std
		vae.shift[c] = -mean / std
	}
	return vae, nil
}

// CodebookDim is the size of one codebook vector.
func (v *DiscreteVAE) CodebookDim() int { return v.hp.CodebookDim }

// RequiresGrad is always false: the tokenizer is never trained.
func (v *DiscreteVAE) RequiresGrad() bool { return false }

// Fingerprint hashes the weights.
func (v *DiscreteVAE) Fingerprint() uint64 { return v.fingerprint() }

func (v *DiscreteVAE) fingerprint() uint64 {
	return fingerprint(map[string][]float64{
		"encoder.proj.weight": v.proj.RawMatrix().Data,
		"encoder.proj.bias":   v.projBias,
		"codebook.weight":     v.codebook.RawMatrix().Data,
	})
}

// CodebookIndices maps a [B,C,H,W] batch with values in [0,1] to codebook
// indices [B,N] (int32), N = (H/p)*(W/p). Pixels are normalized with the
// tokenizer's own per-channel mean and std.
func (v *DiscreteVAE) CodebookIndices(images *tensors.Tensor) (*tensors.Tensor, error) {
	p := v.hp.PatchSize()
	b, c, h, w, err := imageDims(images, v.hp.Channels, p)
	if err != nil {
		return nil, err
	}
	flat := tensors.MustCopyFlatData[float32](images)
	patches := patchify(flat, b, c, h, w, p, v.scale, v.shift)
	indices := argmaxRows(project(patches, v.proj, v.projBias))
	return tensors.FromFlatDataAndDimensions(indices, b, (h/p)*(w/p)), nil
}

// Codebook looks up the codebook vectors of [B,N] indices, returning
// [B,N,D] float32.
func (v *DiscreteVAE) Codebook(indices *tensors.Tensor) (*tensors.Tensor, error) {
	dims := indices.Shape().Dimensions
	if len(dims) != 2 {
		return nil, errors.Wrapf(ErrBadInput, "want indices [B,N], got shape %v", dims)
	}
	embeds, err := lookup(v.codebook, tensors.MustCopyFlatData[int32](indices))
	if err != nil {
		return nil, err
	}
	return tensors.FromFlatDataAndDimensions(embeds, dims[0], dims[1], v.hp.CodebookDim), nil
}
