package config

import (
	"bytes"
	"fmt"
	"os"
	"reflect"
	"slices"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Groups of options, as tagged on Options fields.
const (
	GroupTrain     = "train"
	GroupModel     = "model"
	GroupDiffusion = "diffusion"
	GroupRuntime   = "runtime"
)

// Options captures the runtime knobs for a training run. It is a flat
// structure: the `flag` tag is the canonical snake_case name shared by the
// command line, the YAML file and ToMap.
type Options struct {
	DataDir          string  `flag:"data_dir" yaml:"data_dir" group:"train" help:"Directory with training images or WebDataset shards"`
	ScheduleSampler  string  `flag:"schedule_sampler" yaml:"schedule_sampler" group:"train" help:"Timestep sampler: uniform or loss-second-moment"`
	LR               float64 `flag:"lr" yaml:"lr" group:"train" help:"Learning rate"`
	WeightDecay      float64 `flag:"weight_decay" yaml:"weight_decay" group:"train" help:"Decoupled weight decay"`
	LRAnnealSteps    int     `flag:"lr_anneal_steps" yaml:"lr_anneal_steps" group:"train" help:"Anneal the learning rate to zero over this many steps, 0 trains forever"`
	LRWarmupSteps    int     `flag:"lr_warmup_steps" yaml:"lr_warmup_steps" group:"train" help:"Linear learning rate warmup steps"`
	BatchSize        int     `flag:"batch_size" yaml:"batch_size" group:"train" help:"Batch size"`
	Microbatch       int     `flag:"microbatch" yaml:"microbatch" group:"train" help:"Microbatch size, -1 disables microbatches"`
	EMARate          string  `flag:"ema_rate" yaml:"ema_rate" group:"train" help:"Comma-separated list of EMA rates"`
	LogInterval      int     `flag:"log_interval" yaml:"log_interval" group:"train" help:"Log every N steps"`
	SaveInterval     int     `flag:"save_interval" yaml:"save_interval" group:"train" help:"Save a checkpoint every N steps"`
	ResumeCheckpoint string  `flag:"resume_checkpoint" yaml:"resume_checkpoint" group:"train" help:"Model checkpoint to resume from"`
	FP16ScaleGrowth  float64 `flag:"fp16_scale_growth" yaml:"fp16_scale_growth" group:"train" help:"Log2 loss scale growth per step"`
	EmbCondition     bool    `flag:"emb_condition" yaml:"emb_condition" group:"train" help:"Condition the model on tokenizer embeddings"`
	EmbInputDim      int     `flag:"emb_input_dim" yaml:"emb_input_dim" group:"train" help:"Tokenizer embedding channels"`
	EmbOutputDim     int     `flag:"emb_output_dim" yaml:"emb_output_dim" group:"train" help:"Projected embedding channels"`
	Seed             int64   `flag:"seed" yaml:"seed" group:"train" help:"PRNG seed"`
	NumWorkers       int     `flag:"num_workers" yaml:"num_workers" group:"train" help:"Number of image decoding workers"`
	RandomFlip       bool    `flag:"random_flip" yaml:"random_flip" group:"train" help:"Randomly flip training images horizontally"`

	TokenizerCheckpoint string `flag:"tokenizer_checkpoint" yaml:"tokenizer_checkpoint" group:"runtime" help:"Tokenizer checkpoint bundle"`
	TokenizerConfig     string `flag:"tokenizer_config" yaml:"tokenizer_config" group:"runtime" help:"Tokenizer YAML config"`
	LogDir              string `flag:"log_dir" yaml:"log_dir" group:"runtime" help:"Run directory for logs and checkpoints"`
	LogLevel            string `flag:"log_level" yaml:"log_level" group:"runtime" help:"debug, info, warn or error"`
	LogFormat           string `flag:"log_format" yaml:"log_format" group:"runtime" help:"console or json"`
	MetricsAddr         string `flag:"metrics_addr" yaml:"metrics_addr" group:"runtime" help:"Serve prometheus metrics on this address"`

	ImageSize            int     `flag:"image_size" yaml:"image_size" group:"model"`
	NumChannels          int     `flag:"num_channels" yaml:"num_channels" group:"model"`
	NumResBlocks         int     `flag:"num_res_blocks" yaml:"num_res_blocks" group:"model"`
	NumHeads             int     `flag:"num_heads" yaml:"num_heads" group:"model"`
	NumHeadsUpsample     int     `flag:"num_heads_upsample" yaml:"num_heads_upsample" group:"model"`
	NumHeadChannels      int     `flag:"num_head_channels" yaml:"num_head_channels" group:"model"`
	AttentionResolutions string  `flag:"attention_resolutions" yaml:"attention_resolutions" group:"model"`
	ChannelMult          string  `flag:"channel_mult" yaml:"channel_mult" group:"model"`
	Dropout              float64 `flag:"dropout" yaml:"dropout" group:"model"`
	ClassCond            bool    `flag:"class_cond" yaml:"class_cond" group:"model"`
	UseCheckpoint        bool    `flag:"use_checkpoint" yaml:"use_checkpoint" group:"model"`
	UseScaleShiftNorm    bool    `flag:"use_scale_shift_norm" yaml:"use_scale_shift_norm" group:"model"`
	ResblockUpdown       bool    `flag:"resblock_updown" yaml:"resblock_updown" group:"model"`
	UseFP16              bool    `flag:"use_fp16" yaml:"use_fp16" group:"model" help:"Train with float16 rounding and dynamic loss scaling"`
	UseNewAttentionOrder bool    `flag:"use_new_attention_order" yaml:"use_new_attention_order" group:"model"`

	LearnSigma           bool   `flag:"learn_sigma" yaml:"learn_sigma" group:"diffusion"`
	DiffusionSteps       int    `flag:"diffusion_steps" yaml:"diffusion_steps" group:"diffusion"`
	NoiseSchedule        string `flag:"noise_schedule" yaml:"noise_schedule" group:"diffusion"`
	TimestepRespacing    string `flag:"timestep_respacing" yaml:"timestep_respacing" group:"diffusion"`
	UseKL                bool   `flag:"use_kl" yaml:"use_kl" group:"diffusion"`
	PredictXStart        bool   `flag:"predict_xstart" yaml:"predict_xstart" group:"diffusion"`
	RescaleTimesteps     bool   `flag:"rescale_timesteps" yaml:"rescale_timesteps" group:"diffusion"`
	RescaleLearnedSigmas bool   `flag:"rescale_learned_sigmas" yaml:"rescale_learned_sigmas" group:"diffusion"`
}

// Defaults returns the training defaults merged with ModelAndDiffusionDefaults.
func Defaults() Options {
	o := ModelAndDiffusionDefaults()
	o.DataDir = ""
	o.ScheduleSampler = "uniform"
	o.LR = 1e-4
	o.WeightDecay = 0
	o.LRAnnealSteps = 0
	o.LRWarmupSteps = 0
	o.BatchSize = 1
	o.Microbatch = -1
	o.EMARate = "0.9999"
	o.LogInterval = 10
	o.SaveInterval = 10000
	o.ResumeCheckpoint = ""
	o.FP16ScaleGrowth = 1e-3
	o.EmbCondition = true
	o.NumWorkers = 4
	o.RandomFlip = true
	o.LogLevel = "info"
	o.LogFormat = "console"
	return o
}

// ModelAndDiffusionDefaults returns the architecture and diffusion defaults.
func ModelAndDiffusionDefaults() Options {
	return Options{
		ImageSize:            64,
		NumChannels:          128,
		NumResBlocks:         2,
		NumHeads:             4,
		NumHeadsUpsample:     -1,
		NumHeadChannels:      -1,
		AttentionResolutions: "16,8",
		ChannelMult:          "",
		Dropout:              0,
		ClassCond:            false,
		UseCheckpoint:        false,
		UseScaleShiftNorm:    true,
		ResblockUpdown:       false,
		UseFP16:              false,
		UseNewAttentionOrder: false,
		LearnSigma:           false,
		DiffusionSteps:       1000,
		NoiseSchedule:        "linear",
		TimestepRespacing:    "",
		UseKL:                false,
		PredictXStart:        false,
		RescaleTimesteps:     false,
		RescaleLearnedSigmas: false,
	}
}

// Keys lists the option names belonging to any of the given groups, in
// declaration order.
func Keys(groups ...string) []string {
	t := reflect.TypeOf(Options{})
	var keys []string
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if slices.Contains(groups, f.Tag.Get("group")) {
			keys = append(keys, f.Tag.Get("flag"))
		}
	}
	return keys
}

// ModelAndDiffusionKeys lists the options consumed by CreateModelAndDiffusion.
func ModelAndDiffusionKeys() []string {
	return Keys(GroupModel, GroupDiffusion)
}

// RegisterFlags adds one flag per option to fs, bound to the fields of o.
// The current values of o are the flag defaults.
func RegisterFlags(fs *pflag.FlagSet, o *Options, exclude ...string) {
	v := reflect.ValueOf(o).Elem()
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name := f.Tag.Get("flag")
		if name == "" || slices.Contains(exclude, name) {
			continue
		}
		usage := f.Tag.Get("help")
		switch p := v.Field(i).Addr().Interface().(type) {
		case *string:
			fs.StringVar(p, name, *p, usage)
		case *int:
			fs.IntVar(p, name, *p, usage)
		case *int64:
			fs.Int64Var(p, name, *p, usage)
		case *float64:
			fs.Float64Var(p, name, *p, usage)
		case *bool:
			fs.BoolVar(p, name, *p, usage)
		default:
			panic(fmt.Sprintf("config: unsupported option type %s for %q", f.Type, name))
		}
	}
}

// Load reads a YAML file over base. Keys missing from the file keep their
// value from base; unknown keys and keys listed in exclude are an error.
func Load(path string, base Options, exclude ...string) (*Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "open config")
	}
	if len(exclude) > 0 {
		var keys map[string]yaml.Node
		if err := yaml.Unmarshal(data, &keys); err != nil {
			return nil, errors.Wrapf(err, "parse config %s", path)
		}
		for _, name := range exclude {
			if _, ok := keys[name]; ok {
				return nil, errors.Errorf("config %s: option %q is not accepted by this command", path, name)
			}
		}
	}
	cfg := base
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	return &cfg, nil
}

// ApplyOverrides copies into c every option whose flag was explicitly set on
// fs, taking the value from flagged (the Options bound by RegisterFlags).
func (c *Options) ApplyOverrides(fs *pflag.FlagSet, flagged *Options) {
	dst := reflect.ValueOf(c).Elem()
	src := reflect.ValueOf(flagged).Elem()
	t := dst.Type()
	for i := 0; i < t.NumField(); i++ {
		name := t.Field(i).Tag.Get("flag")
		if name == "" || fs.Lookup(name) == nil || !fs.Changed(name) {
			continue
		}
		dst.Field(i).Set(src.Field(i))
	}
}

// ToMap returns the named options as a flat name to value mapping.
func (c *Options) ToMap(keys []string) map[string]any {
	v := reflect.ValueOf(c).Elem()
	t := v.Type()
	out := make(map[string]any, len(keys))
	for i := 0; i < t.NumField(); i++ {
		name := t.Field(i).Tag.Get("flag")
		if slices.Contains(keys, name) {
			out[name] = v.Field(i).Interface()
		}
	}
	return out
}

// inertKeys are accepted for compatibility with existing run configs but do
// not change the pointwise denoiser or its loss.
var inertKeys = []string{
	"num_res_blocks", "num_heads", "num_heads_upsample", "num_head_channels",
	"attention_resolutions", "channel_mult", "use_checkpoint", "use_scale_shift_norm",
	"resblock_updown", "use_new_attention_order", "rescale_learned_sigmas",
}

// Inert lists the options in inertKeys whose value differs from
// ModelAndDiffusionDefaults.
func (c *Options) Inert() []string {
	defaults := ModelAndDiffusionDefaults()
	want := defaults.ToMap(inertKeys)
	got := c.ToMap(inertKeys)
	var out []string
	for _, name := range inertKeys {
		if got[name] != want[name] {
			out = append(out, name)
		}
	}
	return out
}

// EMARates parses the comma-separated ema_rate option.
func (c *Options) EMARates() ([]float64, error) {
	var rates []float64
	for _, part := range strings.Split(c.EMARate, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		r, err := strconv.ParseFloat(part, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "ema_rate %q", part)
		}
		if r <= 0 || r >= 1 {
			return nil, errors.Errorf("ema_rate must be in (0, 1) (got %g)", r)
		}
		rates = append(rates, r)
	}
	return rates, nil
}

// Validate verifies the options are runnable.
func (c *Options) Validate() error {
	if c == nil {
		return errors.New("options are nil")
	}
	if c.DataDir == "" {
		return errors.New("data_dir must be set")
	}
	if c.BatchSize <= 0 {
		return errors.Errorf("batch_size must be > 0 (got %d)", c.BatchSize)
	}
	if c.Microbatch == 0 || c.Microbatch > c.BatchSize {
		return errors.Errorf("microbatch must be -1 or in [1, batch_size] (got %d)", c.Microbatch)
	}
	if c.LR <= 0 {
		return errors.Errorf("lr must be > 0 (got %g)", c.LR)
	}
	if c.WeightDecay < 0 {
		return errors.Errorf("weight_decay must be >= 0 (got %g)", c.WeightDecay)
	}
	if c.LRAnnealSteps < 0 || c.LRWarmupSteps < 0 {
		return errors.New("lr_anneal_steps and lr_warmup_steps must be >= 0")
	}
	if _, err := c.EMARates(); err != nil {
		return err
	}
	if c.ImageSize <= 0 {
		return errors.Errorf("image_size must be > 0 (got %d)", c.ImageSize)
	}
	if c.DiffusionSteps <= 0 {
		return errors.Errorf("diffusion_steps must be > 0 (got %d)", c.DiffusionSteps)
	}
	switch c.ScheduleSampler {
	case "uniform", "loss-second-moment":
	default:
		return errors.Errorf("unknown schedule_sampler %q", c.ScheduleSampler)
	}
	switch c.NoiseSchedule {
	case "linear", "cosine":
	default:
		return errors.Errorf("unknown noise_schedule %q", c.NoiseSchedule)
	}
	if c.NumWorkers <= 0 {
		c.NumWorkers = 1
	}
	if c.LogInterval <= 0 {
		c.LogInterval = 10
	}
	if c.SaveInterval <= 0 {
		c.SaveInterval = 10000
	}
	return nil
}
