package trainer

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"

	"latentforge/internal/checkpoint"
	"latentforge/internal/metrics"
	"latentforge/internal/model"
)

const (
	metaStep        = "step"
	metaAdamStep    = "adam_step"
	metaLgLossScale = "lg_loss_scale"
	tensorAdamM     = "adam.m"
	tensorAdamV     = "adam.v"
)

func modelFile(step int) string { return fmt.Sprintf("model%06d.arrow", step) }

func optFile(step int) string { return fmt.Sprintf("opt%06d.arrow", step) }

func emaFile(rate float64, step int) string {
	return fmt.Sprintf("ema_%s_%06d.arrow", strconv.FormatFloat(rate, 'g', -1, 64), step)
}

// ParseResumeStep extracts NNNNNN from a path like .../modelNNNNNN.arrow. It
// returns 0 when the name does not follow that pattern.
func ParseResumeStep(path string) int {
	base := filepath.Base(path)
	_, rest, ok := strings.Cut(base, "model")
	if !ok {
		return 0
	}
	digits, _, _ := strings.Cut(rest, ".")
	step, err := strconv.Atoi(digits)
	if err != nil {
		return 0
	}
	return step
}

// paramsBundle lays a flat parameter vector out as named tensors.
func paramsBundle(names []model.Param, params []float64, step int) *checkpoint.Bundle {
	b := checkpoint.NewBundle()
	b.Metadata[metaStep] = strconv.Itoa(step)
	for _, p := range names {
		b.Put(p.Name, toFloat32(params[p.Offset:p.Offset+p.Size()]), p.Dims...)
	}
	return b
}

// bundleParams is the inverse of paramsBundle. Every parameter must be
// present with its exact shape.
func bundleParams(names []model.Param, total int, b *checkpoint.Bundle) ([]float64, error) {
	params := make([]float64, total)
	for _, p := range names {
		t, ok := b.Tensors[p.Name]
		if !ok {
			return nil, errors.Errorf("checkpoint has no %s", p.Name)
		}
		if got := t.Shape().Dimensions; !slices.Equal(got, p.Dims) {
			return nil, errors.Errorf("%s has shape %v, want %v", p.Name, got, p.Dims)
		}
		for i, v := range tensors.MustCopyFlatData[float32](t) {
			params[p.Offset+i] = float64(v)
		}
	}
	return params, nil
}

func (l *Loop) save() error {
	names := l.cfg.Model.Names()
	write := func(name string, b *checkpoint.Bundle) error {
		path := filepath.Join(l.cfg.RunDir, name)
		if err := checkpoint.Write(path, b); err != nil {
			return errors.Wrapf(err, "save %s", name)
		}
		l.log.Info().Int("step", l.step).Str("path", path).Msg("saved checkpoint")
		metrics.Checkpoints.Inc()
		return nil
	}

	if err := write(modelFile(l.step), paramsBundle(names, l.params, l.step)); err != nil {
		return err
	}
	for i, rate := range l.cfg.EMARates {
		if err := write(emaFile(rate, l.step), paramsBundle(names, l.ema[i], l.step)); err != nil {
			return err
		}
	}

	m, v, adamStep := l.opt.State()
	ob := checkpoint.NewBundle()
	ob.Metadata[metaStep] = strconv.Itoa(l.step)
	ob.Metadata[metaAdamStep] = strconv.Itoa(adamStep)
	ob.Metadata[metaLgLossScale] = strconv.FormatFloat(l.lgLossScale, 'g', -1, 64)
	ob.Put(tensorAdamM, toFloat32(m), len(m))
	ob.Put(tensorAdamV, toFloat32(v), len(v))
	if err := write(optFile(l.step), ob); err != nil {
		return err
	}
	l.lastSaved = l.step
	return nil
}

// resume loads the model checkpoint at path. EMA and optimizer state are
// read from sibling files of the same step when they exist; a missing EMA
// starts from the model parameters.
func (l *Loop) resume(path string) error {
	names := l.cfg.Model.Names()
	total := l.cfg.Model.NumParams()
	b, err := checkpoint.Read(path)
	if err != nil {
		return errors.Wrap(err, "resume")
	}
	params, err := bundleParams(names, total, b)
	if err != nil {
		return errors.Wrapf(err, "resume %s", path)
	}
	l.params = params
	l.resumeStep = ParseResumeStep(path)
	l.step = l.resumeStep
	l.lastSaved = l.step
	dir := filepath.Dir(path)

	l.ema = make([][]float64, len(l.cfg.EMARates))
	for i, rate := range l.cfg.EMARates {
		emaPath := filepath.Join(dir, emaFile(rate, l.resumeStep))
		if _, err := os.Stat(emaPath); err != nil {
			l.ema[i] = append([]float64(nil), params...)
			continue
		}
		eb, err := checkpoint.Read(emaPath)
		if err != nil {
			return errors.Wrap(err, "resume ema")
		}
		if l.ema[i], err = bundleParams(names, total, eb); err != nil {
			return errors.Wrapf(err, "resume %s", emaPath)
		}
	}

	optPath := filepath.Join(dir, optFile(l.resumeStep))
	if _, err := os.Stat(optPath); err == nil {
		ob, err := checkpoint.Read(optPath)
		if err != nil {
			return errors.Wrap(err, "resume optimizer")
		}
		if err := l.restoreOptimizer(ob); err != nil {
			return errors.Wrapf(err, "resume %s", optPath)
		}
	}
	l.log.Info().Str("path", path).Int("step", l.resumeStep).Msg("resumed")
	return nil
}

func (l *Loop) restoreOptimizer(b *checkpoint.Bundle) error {
	mt, okM := b.Tensors[tensorAdamM]
	vt, okV := b.Tensors[tensorAdamV]
	if !okM || !okV {
		return errors.New("optimizer checkpoint lacks moment tensors")
	}
	step, err := strconv.Atoi(b.Metadata[metaAdamStep])
	if err != nil {
		return errors.Wrap(err, "adam step")
	}
	if s, ok := b.Metadata[metaLgLossScale]; ok {
		if l.lgLossScale, err = strconv.ParseFloat(s, 64); err != nil {
			return errors.Wrap(err, "lg loss scale")
		}
	}
	return l.opt.Restore(
		toFloat64(tensors.MustCopyFlatData[float32](mt)),
		toFloat64(tensors.MustCopyFlatData[float32](vt)),
		step)
}

func toFloat32(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}

func toFloat64(in []float32) []float64 {
	out := make([]float64, len(in))
	for i, v := range in {
		out[i] = float64(v)
	}
	return out
}
