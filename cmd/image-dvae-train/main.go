// Command image-dvae-train trains a diffusion model conditioned on the
// codebook embeddings of a frozen discrete VAE.
package main

import "latentforge/internal/cli"

func main() {
	cli.Execute(cli.DVAE())
}
