// Package cli is the command shared by the training entry points: flags and
// config file into options, then tokenizer, model, data and training loop.
package cli

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"latentforge/internal/config"
	"latentforge/internal/dataset"
	"latentforge/internal/diffusion"
	"latentforge/internal/embed"
	"latentforge/internal/logging"
	"latentforge/internal/trainer"
)

var (
	// ErrTokenizerTrainable reports a tokenizer handle with trainable weights.
	ErrTokenizerTrainable = errors.New("cli: tokenizer reports trainable parameters")
	// ErrTokenizerChanged reports tokenizer weights modified during training.
	ErrTokenizerChanged = errors.New("cli: tokenizer weights changed during training")
)

// Version is reported by --version.
const Version = "0.3.0"

// NewCommand builds the cobra command for v.
func NewCommand(v Variant) *cobra.Command {
	defaults := config.Defaults()
	if v.Defaults != nil {
		v.Defaults(&defaults)
	}
	flagged := defaults
	var configPath string

	cmd := &cobra.Command{
		Use:           v.Name,
		Short:         v.Short,
		Version:       Version,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts, err := resolveOptions(cmd.Flags(), configPath, defaults, &flagged, v.Exclude...)
			if err != nil {
				return err
			}
			log, runDir, closer, err := logging.Setup(opts.LogLevel, opts.LogFormat, opts.LogDir)
			if err != nil {
				return err
			}
			defer closer.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			err = Run(ctx, v, opts, log, runDir)
			if errors.Is(err, context.Canceled) {
				log.Info().Msg("stopped")
				return nil
			}
			if err != nil {
				log.Error().Err(err).Msg("training failed")
			}
			return err
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "YAML file with option values; flags set on the command line win")
	config.RegisterFlags(cmd.Flags(), &flagged, v.Exclude...)
	return cmd
}

// resolveOptions layers defaults, the optional YAML file and the flags that
// were set explicitly, then validates the result. Options in exclude may not
// appear in the file.
func resolveOptions(fs *pflag.FlagSet, configPath string, defaults config.Options, flagged *config.Options, exclude ...string) (*config.Options, error) {
	opts := defaults
	if configPath != "" {
		loaded, err := config.Load(configPath, defaults, exclude...)
		if err != nil {
			return nil, err
		}
		opts = *loaded
	}
	opts.ApplyOverrides(fs, flagged)
	if err := opts.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid options")
	}
	return &opts, nil
}

// Execute runs the command for v and exits non-zero on failure.
func Execute(v Variant) {
	if err := NewCommand(v).ExecuteContext(context.Background()); err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

// Run is the training pipeline: tokenizer, model and diffusion, data
// loader, embedding adapter, training loop.
func Run(ctx context.Context, v Variant, opts *config.Options, log zerolog.Logger, runDir string) error {
	log.Info().Str("run_dir", runDir).Str("variant", v.Name).Msg("starting")
	if opts.MetricsAddr != "" {
		srv := serveMetrics(opts.MetricsAddr, log)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	log.Info().Msg(v.Setup)
	tok, err := v.Load(opts)
	if err != nil {
		return errors.Wrap(err, "load tokenizer")
	}
	if tok.Frozen.RequiresGrad() {
		return ErrTokenizerTrainable
	}
	fingerprint := tok.Frozen.Fingerprint()
	log.Info().
		Int("embed_dim", tok.EmbedDim).
		Uint64("fingerprint", fingerprint).
		Msg("tokenizer frozen")

	log.Info().Msg("creating model and diffusion")
	mdl, diff, err := diffusion.CreateModelAndDiffusion(opts, tok.EmbedDim)
	if err != nil {
		return err
	}
	log.Info().Interface("args", opts.ToMap(config.ModelAndDiffusionKeys())).Msg("model and diffusion options")
	if inert := opts.Inert(); len(inert) > 0 {
		log.Warn().Strs("options", inert).Msg("options have no effect on the pointwise denoiser")
	}

	sampler, err := diffusion.NewScheduleSampler(opts.ScheduleSampler, diff)
	if err != nil {
		return err
	}

	log.Info().Msg("creating data loader")
	loader, err := dataset.NewLoader(dataset.LoaderOptions{
		DataDir:      opts.DataDir,
		BatchSize:    opts.BatchSize,
		ImageSize:    opts.ImageSize,
		ClassCond:    opts.ClassCond,
		EmbCondition: true,
		RandomFlip:   opts.RandomFlip,
		Seed:         opts.Seed,
		NumWorkers:   opts.NumWorkers,
	}, log)
	if err != nil {
		return err
	}
	defer loader.Close()
	data := embed.NewAdapter(loader, tok.Embedder)

	rates, err := opts.EMARates()
	if err != nil {
		return err
	}
	log.Info().Msg("training")
	loop, err := trainer.New(trainer.Config{
		Model:            mdl,
		Diffusion:        diff,
		Data:             data,
		ScheduleSampler:  sampler,
		BatchSize:        opts.BatchSize,
		Microbatch:       opts.Microbatch,
		LR:               opts.LR,
		EMARates:         rates,
		LogInterval:      opts.LogInterval,
		SaveInterval:     opts.SaveInterval,
		ResumeCheckpoint: opts.ResumeCheckpoint,
		UseFP16:          opts.UseFP16,
		FP16ScaleGrowth:  opts.FP16ScaleGrowth,
		WeightDecay:      opts.WeightDecay,
		LRAnnealSteps:    opts.LRAnnealSteps,
		LRWarmupSteps:    opts.LRWarmupSteps,
		RunDir:           runDir,
		Seed:             opts.Seed,
		Log:              log,
	})
	if err != nil {
		return err
	}
	runErr := loop.Run(ctx)

	if err := checkUnchanged(tok.Frozen, fingerprint); err != nil {
		return err
	}
	log.Info().
		Int("step", loop.Step()).
		Int("embedded_batches", data.Batches()).
		Msg("done")
	return runErr
}

// checkUnchanged fails when the tokenizer weights no longer hash to before.
func checkUnchanged(f Frozen, before uint64) error {
	if after := f.Fingerprint(); after != before {
		return errors.Wrapf(ErrTokenizerChanged, "fingerprint %x, was %x", after, before)
	}
	return nil
}

func serveMetrics(addr string, log zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.Info().Str("address", addr+"/metrics").Msg("metrics serving")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server")
		}
	}()
	return srv
}
