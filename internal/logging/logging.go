// Package logging sets up the zerolog logger and the run directory shared by
// logs and checkpoints.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// EnvLogDir overrides the default run directory when --log_dir is empty.
const EnvLogDir = "LATENTFORGE_LOGDIR"

// New builds a logger writing to stderr in the given format ("json" or
// console) and, when extra is non-nil, also to extra as JSON lines.
func New(level, format string, extra io.Writer) zerolog.Logger {
	var out io.Writer
	if strings.ToLower(format) == "json" {
		out = os.Stderr
	} else {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	if extra != nil {
		out = zerolog.MultiLevelWriter(out, extra)
	}
	return zerolog.New(out).Level(ParseLevel(level)).With().Timestamp().Logger()
}

// ParseLevel maps a level name to zerolog, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return zerolog.DebugLevel
	case "WARN":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// RunDir resolves and creates the run directory: dir if set, else
// $LATENTFORGE_LOGDIR, else a fresh timestamped directory under the system
// temp dir.
func RunDir(dir string) (string, error) {
	if dir == "" {
		dir = os.Getenv(EnvLogDir)
	}
	if dir == "" {
		name := "latentforge-" + time.Now().Format("2006-01-02-15-04-05") + "-" + uuid.NewString()[:8]
		dir = filepath.Join(os.TempDir(), name)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrapf(err, "create run dir %s", dir)
	}
	return dir, nil
}

// Setup creates the run directory and a logger that also appends to
// log.txt inside it. The returned closer flushes the log file.
func Setup(level, format, dir string) (zerolog.Logger, string, io.Closer, error) {
	runDir, err := RunDir(dir)
	if err != nil {
		return zerolog.Nop(), "", nil, err
	}
	f, err := os.OpenFile(filepath.Join(runDir, "log.txt"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return zerolog.Nop(), "", nil, errors.Wrap(err, "open log file")
	}
	return New(level, format, f), runDir, f, nil
}
