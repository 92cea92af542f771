package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"":        zerolog.InfoLevel,
		"DEBUG":   zerolog.DebugLevel,
		" warn ":  zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"trace":   zerolog.TraceLevel,
		"off":     zerolog.Disabled,
		"bogus":   zerolog.InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, parseLogLevel(in), "level %q", in)
	}
}

func TestInitWithOptions_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "bluechat.log")

	log, closer, err := InitWithOptions(Options{File: path, Level: "debug"})
	require.NoError(t, err)
	log.Debug().Str("k", "v").Msg("hello")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"message":"hello"`)
	assert.Contains(t, string(data), `"k":"v"`)
	assert.Equal(t, zerolog.DebugLevel, log.GetLevel())
}

func TestInitWithOptions_EnvLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "error")
	log, closer, err := InitWithOptions(Options{})
	require.NoError(t, err)
	assert.Equal(t, zerolog.ErrorLevel, log.GetLevel())
	assert.NoError(t, closer.Close())
}
