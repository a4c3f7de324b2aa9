package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("debug"))
	assert.Equal(t, zerolog.WarnLevel, ParseLevel("WARN"))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("whatever"))
}

func TestSetupWritesLogFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "run")
	log, runDir, closer, err := Setup("info", "json", dir)
	require.NoError(t, err)
	assert.Equal(t, dir, runDir)
	log.Info().Str("stage", "test").Msg("hello")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(filepath.Join(dir, "log.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"stage":"test"`)
}

func TestRunDirFromEnv(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "env")
	t.Setenv(EnvLogDir, dir)
	got, err := RunDir("")
	require.NoError(t, err)
	assert.Equal(t, dir, got)
}
