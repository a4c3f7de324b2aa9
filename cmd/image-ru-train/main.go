// Command image-ru-train trains a diffusion model conditioned on the
// quantized latents of a frozen VQGAN gumbel encoder.
package main

import "latentforge/internal/cli"

func main() {
	cli.Execute(cli.RU())
}
