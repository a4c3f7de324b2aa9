// Package tokenizertest writes small random tokenizer checkpoints for tests.
package tokenizertest

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"latentforge/internal/checkpoint"
	"latentforge/internal/tokenizer"
)

// DiscreteHParams returns hyperparameters for a tiny discrete VAE over 8x8
// RGB images: patch 2, so 16 tokens per image, codebook of 8 vectors of 4.
func DiscreteHParams() tokenizer.DiscreteHParams {
	return tokenizer.DiscreteHParams{
		ImageSize:   8,
		NumTokens:   8,
		CodebookDim: 4,
		NumLayers:   1,
		HiddenDim:   16,
		Channels:    3,
	}
}

// DiscreteBundle fills a bundle with random weights for hp, including
// decoder weights the loader is expected to drop.
func DiscreteBundle(hp tokenizer.DiscreteHParams, seed int64) *checkpoint.Bundle {
	rng := rand.New(rand.NewSource(seed))
	p := hp.PatchSize()
	in := hp.Channels * p * p
	b := checkpoint.NewBundle()
	raw, _ := json.Marshal(hp)
	b.Metadata[tokenizer.DiscreteHParamsKey] = string(raw)
	b.Put("encoder.proj.weight", random(rng, in*hp.NumTokens), in, hp.NumTokens)
	b.Put("encoder.proj.bias", random(rng, hp.NumTokens), hp.NumTokens)
	b.Put("codebook.weight", random(rng, hp.NumTokens*hp.CodebookDim), hp.NumTokens, hp.CodebookDim)
	b.Put("decoder.proj.weight", random(rng, hp.CodebookDim*in), hp.CodebookDim, in)
	return b
}

// WriteDiscrete writes a random discrete VAE checkpoint under dir.
func WriteDiscrete(t testing.TB, dir string, hp tokenizer.DiscreteHParams, seed int64) string {
	t.Helper()
	path := filepath.Join(dir, "dvae.arrow")
	if err := checkpoint.Write(path, DiscreteBundle(hp, seed)); err != nil {
		t.Fatalf("write discrete checkpoint: %v", err)
	}
	return path
}

// VQGanYAML is a config for an 8x downsampling encoder over RGB with a
// codebook of n vectors of dim values.
func VQGanYAML(dim, n int) string {
	return fmt.Sprintf(`model:
  base_learning_rate: 4.5e-06
  target: vqgan.models.vqgan.GumbelVQ
  params:
    kl_weight: 1.0e-08
    embed_dim: %d
    n_embed: %d
    ddconfig:
      double_z: false
      z_channels: 6
      resolution: 16
      in_channels: 3
      out_ch: 3
      ch: 8
      ch_mult: [1, 1, 2, 4]
      num_res_blocks: 1
      attn_resolutions: []
      dropout: 0.0
`, dim, n)
}

// VQGanBundle fills a bundle with random weights matching VQGanYAML(dim, n),
// including decoder, post-quant and loss weights the loader drops.
func VQGanBundle(dim, n int, seed int64) *checkpoint.Bundle {
	rng := rand.New(rand.NewSource(seed))
	const z, in = 6, 3 * 8 * 8
	b := checkpoint.NewBundle()
	b.Put("encoder.proj.weight", random(rng, in*z), in, z)
	b.Put("encoder.proj.bias", random(rng, z), z)
	b.Put("quant_conv.weight", random(rng, z*dim), z, dim)
	b.Put("quant_conv.bias", random(rng, dim), dim)
	b.Put("quantize.proj.weight", random(rng, dim*n), dim, n)
	b.Put("quantize.proj.bias", random(rng, n), n)
	b.Put("quantize.embed.weight", random(rng, n*dim), n, dim)
	b.Put("post_quant_conv.weight", random(rng, dim*z), dim, z)
	b.Put("decoder.proj.weight", random(rng, z*in), z, in)
	b.Put("loss.discriminator.weight", random(rng, 4), 4)
	return b
}

// WriteVQGan writes a config and a random checkpoint under dir.
func WriteVQGan(t testing.TB, dir string, dim, n int, seed int64) (configPath, checkpointPath string) {
	t.Helper()
	configPath = filepath.Join(dir, "vqgan.config.yml")
	if err := os.WriteFile(configPath, []byte(VQGanYAML(dim, n)), 0o644); err != nil {
		t.Fatalf("write vqgan config: %v", err)
	}
	checkpointPath = filepath.Join(dir, "vqgan.arrow")
	if err := checkpoint.Write(checkpointPath, VQGanBundle(dim, n, seed)); err != nil {
		t.Fatalf("write vqgan checkpoint: %v", err)
	}
	return configPath, checkpointPath
}

func random(rng *rand.Rand, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(rng.NormFloat64())
	}
	return out
}
