package tokenizer_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"latentforge/internal/checkpoint"
	"latentforge/internal/tokenizer"
	"latentforge/internal/tokenizer/tokenizertest"
)

func TestLoadDiscreteVAEDropsDecoder(t *testing.T) {
	hp := tokenizertest.DiscreteHParams()
	path := tokenizertest.WriteDiscrete(t, t.TempDir(), hp, 1)

	vae, err := tokenizer.LoadDiscreteVAE(path)
	require.NoError(t, err)
	assert.False(t, vae.RequiresGrad())
	assert.Equal(t, hp.CodebookDim, vae.CodebookDim())

	images := tensors.FromFlatDataAndDimensions(make([]float32, 2*3*8*8), 2, 3, 8, 8)
	indices, err := vae.CodebookIndices(images)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 16}, indices.Shape().Dimensions)

	embeds, err := vae.Codebook(indices)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 16, 4}, embeds.Shape().Dimensions)
}

func TestLoadDiscreteVAERejectsUnknownGroup(t *testing.T) {
	hp := tokenizertest.DiscreteHParams()
	b := tokenizertest.DiscreteBundle(hp, 1)
	b.Put("classifier.weight", []float32{1, 2}, 2)
	path := filepath.Join(t.TempDir(), "dvae.arrow")
	require.NoError(t, checkpoint.Write(path, b))

	_, err := tokenizer.LoadDiscreteVAE(path)
	require.ErrorIs(t, err, checkpoint.ErrUnexpectedParam)
}

func TestLoadDiscreteVAEMissingFile(t *testing.T) {
	_, err := tokenizer.LoadDiscreteVAE(filepath.Join(t.TempDir(), "missing.arrow"))
	require.Error(t, err)
}

func TestDiscreteCodebookIndicesDeterministic(t *testing.T) {
	// One channel, patch 1: positive normalized pixels pick token 0,
	// negative ones token 1.
	hp := tokenizer.DiscreteHParams{
		NumTokens:     2,
		CodebookDim:   1,
		NumLayers:     0,
		Channels:      1,
		Normalization: [2][]float64{{0.5}, {0.5}},
	}
	params := map[string]*tensors.Tensor{
		"encoder.proj.weight": tensors.FromFlatDataAndDimensions([]float32{1, -1}, 1, 2),
		"encoder.proj.bias":   tensors.FromFlatDataAndDimensions([]float32{0, 0}, 2),
		"codebook.weight":     tensors.FromFlatDataAndDimensions([]float32{7, 9}, 2, 1),
	}
	vae, err := tokenizer.NewDiscreteVAE(hp, params)
	require.NoError(t, err)

	images := tensors.FromFlatDataAndDimensions([]float32{1, 0, 0.9, 0.1}, 1, 1, 2, 2)
	indices, err := vae.CodebookIndices(images)
	require.NoError(t, err)
	assert.Equal(t, []int32{0, 1, 0, 1}, tensors.MustCopyFlatData[int32](indices))

	embeds, err := vae.Codebook(indices)
	require.NoError(t, err)
	assert.Equal(t, []float32{7, 9, 7, 9}, tensors.MustCopyFlatData[float32](embeds))
}

func TestDiscreteRejectsWrongChannels(t *testing.T) {
	hp := tokenizertest.DiscreteHParams()
	vae, err := tokenizer.NewDiscreteVAE(hp, tokenizertest.DiscreteBundle(hp, 2).Tensors)
	require.NoError(t, err)
	images := tensors.FromFlatDataAndDimensions(make([]float32, 8*8), 1, 1, 8, 8)
	_, err = vae.CodebookIndices(images)
	require.ErrorIs(t, err, tokenizer.ErrBadInput)
}

func TestLoadVQGan(t *testing.T) {
	cfgPath, ckptPath := tokenizertest.WriteVQGan(t, t.TempDir(), 5, 12, 3)
	vae, err := tokenizer.LoadVQGan(cfgPath, ckptPath)
	require.NoError(t, err)
	assert.Equal(t, 5, vae.EmbedDim())

	images := tensors.FromFlatDataAndDimensions(make([]float32, 2*3*16*16), 2, 3, 16, 16)
	quant, indices, err := vae.Encode(images)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 5, 2, 2}, quant.Shape().Dimensions)
	assert.Equal(t, []int{2, 2, 2}, indices.Shape().Dimensions)
}

func TestLoadVQGanMissingConfig(t *testing.T) {
	dir := t.TempDir()
	_, ckptPath := tokenizertest.WriteVQGan(t, dir, 5, 12, 3)
	require.NoError(t, os.Remove(filepath.Join(dir, "vqgan.config.yml")))
	_, err := tokenizer.LoadVQGan(filepath.Join(dir, "vqgan.config.yml"), ckptPath)
	require.Error(t, err)
}

func TestVQGanEncodeLayout(t *testing.T) {
	var cfg tokenizer.VQGanConfig
	cfg.Model.Params.EmbedDim = 2
	cfg.Model.Params.NEmbed = 2
	cfg.Model.Params.DDConfig = tokenizer.VQGanDDConfig{ZChannels: 1, InChannels: 1, ChMult: []int{1}}
	params := map[string]*tensors.Tensor{
		"encoder.proj.weight":   tensors.FromFlatDataAndDimensions([]float32{1}, 1, 1),
		"encoder.proj.bias":     tensors.FromFlatDataAndDimensions([]float32{0}, 1),
		"quant_conv.weight":     tensors.FromFlatDataAndDimensions([]float32{1, -1}, 1, 2),
		"quant_conv.bias":       tensors.FromFlatDataAndDimensions([]float32{0, 0}, 2),
		"quantize.proj.weight":  tensors.FromFlatDataAndDimensions([]float32{1, 0, 0, 1}, 2, 2),
		"quantize.proj.bias":    tensors.FromFlatDataAndDimensions([]float32{0, 0}, 2),
		"quantize.embed.weight": tensors.FromFlatDataAndDimensions([]float32{10, 20, 30, 40}, 2, 2),
	}
	vae, err := tokenizer.NewVQGan(cfg, params)
	require.NoError(t, err)

	images := tensors.FromFlatDataAndDimensions([]float32{0.5, -0.5}, 1, 1, 1, 2)
	quant, indices, err := vae.Encode(images)
	require.NoError(t, err)
	assert.Equal(t, []int32{0, 1}, tensors.MustCopyFlatData[int32](indices))
	assert.Equal(t, []int{1, 2, 1, 2}, quant.Shape().Dimensions)
	assert.Equal(t, []float32{10, 30, 20, 40}, tensors.MustCopyFlatData[float32](quant))
}

func TestFingerprintStableAcrossInference(t *testing.T) {
	cfgPath, ckptPath := tokenizertest.WriteVQGan(t, t.TempDir(), 4, 6, 9)
	vae, err := tokenizer.LoadVQGan(cfgPath, ckptPath)
	require.NoError(t, err)
	before := vae.Fingerprint()
	images := tensors.FromFlatDataAndDimensions(make([]float32, 3*8*8), 1, 3, 8, 8)
	for i := 0; i < 3; i++ {
		_, _, err := vae.Encode(images)
		require.NoError(t, err)
	}
	assert.Equal(t, before, vae.Fingerprint())
	assert.False(t, vae.RequiresGrad())
}
