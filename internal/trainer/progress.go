package trainer

import (
	"encoding/csv"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
)

// stepStats collects the loss per timestep quartile between two log lines.
type stepStats struct {
	numTimesteps int
	sum          [4]float64
	count        [4]int
	gradNorm     float64
}

func newStepStats(numTimesteps int) *stepStats {
	return &stepStats{numTimesteps: numTimesteps}
}

func (s *stepStats) add(ts []int, losses []float64) {
	for i, t := range ts {
		q := 4 * t / s.numTimesteps
		s.sum[q] += losses[i]
		s.count[q]++
	}
}

// quartile returns the mean loss of quartile q, or NaN when no sample fell
// into it.
func (s *stepStats) quartile(q int) float64 {
	if s.count[q] == 0 {
		return math.NaN()
	}
	return s.sum[q] / float64(s.count[q])
}

func (s *stepStats) reset() {
	s.sum = [4]float64{}
	s.count = [4]int{}
}

var progressHeader = []string{
	"step", "samples", "loss", "loss_q0", "loss_q1", "loss_q2", "loss_q3",
	"grad_norm", "lr", "lg_loss_scale", "images_per_sec", "data_ms", "compute_ms",
}

// progressWriter appends one CSV row per log interval to progress.csv.
type progressWriter struct {
	f *os.File
	w *csv.Writer
}

func openProgress(dir string) (*progressWriter, error) {
	path := filepath.Join(dir, "progress.csv")
	_, statErr := os.Stat(path)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "open progress")
	}
	p := &progressWriter{f: f, w: csv.NewWriter(f)}
	if os.IsNotExist(statErr) {
		if err := p.w.Write(progressHeader); err != nil {
			f.Close()
			return nil, errors.Wrap(err, "write progress header")
		}
		p.w.Flush()
	}
	return p, nil
}

func (p *progressWriter) write(row []string) error {
	if err := p.w.Write(row); err != nil {
		return errors.Wrap(err, "write progress")
	}
	p.w.Flush()
	return p.w.Error()
}

func (p *progressWriter) Close() error {
	p.w.Flush()
	return p.f.Close()
}

// dump logs the window since the last dump and appends it to progress.csv.
func (l *Loop) dump() error {
	snap := l.window.Snapshot()
	samples := int64(l.step) * int64(l.cfg.BatchSize)
	lr := l.learningRate()

	ev := l.log.Info().
		Int("step", l.step).
		Str("samples", humanize.Comma(samples)).
		Float64("loss", snap.MeanLoss).
		Float64("grad_norm", l.stats.gradNorm).
		Float64("lr", lr).
		Float64("images_per_sec", snap.ImagesPerSec).
		Float64("data_ms", snap.AvgDataMS).
		Float64("compute_ms", snap.AvgComputeMS)
	for q := 0; q < 4; q++ {
		if v := l.stats.quartile(q); !math.IsNaN(v) {
			ev = ev.Float64("loss_q"+strconv.Itoa(q), v)
		}
	}
	if l.cfg.UseFP16 {
		ev = ev.Float64("lg_loss_scale", l.lgLossScale)
	}
	ev.Msg("progress")

	row := []string{
		strconv.Itoa(l.step),
		strconv.FormatInt(samples, 10),
		fmtFloat(snap.MeanLoss),
		fmtFloat(l.stats.quartile(0)),
		fmtFloat(l.stats.quartile(1)),
		fmtFloat(l.stats.quartile(2)),
		fmtFloat(l.stats.quartile(3)),
		fmtFloat(l.stats.gradNorm),
		fmtFloat(lr),
		fmtFloat(l.lgLossScale),
		fmtFloat(snap.ImagesPerSec),
		fmtFloat(snap.AvgDataMS),
		fmtFloat(snap.AvgComputeMS),
	}
	l.stats.reset()
	return l.progress.write(row)
}

func fmtFloat(v float64) string {
	if math.IsNaN(v) {
		return ""
	}
	return strconv.FormatFloat(v, 'g', 6, 64)
}
