package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "info")
	require.NotNil(t, log)

	log.Info().Msg("test message")
	assert.Contains(t, buf.String(), "test message")
}

func TestSubAndWith(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "debug")

	log.Sub("monitor").With("session", "abc").Info().Msg("session terminated")
	output := buf.String()
	assert.Contains(t, output, "session terminated")
	assert.Contains(t, output, `"subsystem":"monitor"`)
	assert.Contains(t, output, `"session":"abc"`)
}

func TestLogLevels(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "warn")

	log.Debug().Msg("debug msg")
	log.Info().Msg("info msg")
	assert.Empty(t, buf.String(), "debug and info should be filtered at warn level")

	log.Warn().Msg("warn msg")
	assert.Contains(t, buf.String(), "warn msg")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  zerolog.Level
	}{
		{"trace", zerolog.TraceLevel},
		{"debug", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"fatal", zerolog.FatalLevel},
		{"silent", zerolog.Disabled},
		{"", zerolog.InfoLevel},
		{"unknown", zerolog.InfoLevel},
		{"DEBUG", zerolog.DebugLevel},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, parseLevel(tt.input))
		})
	}
}

func TestOpenJSONConsole(t *testing.T) {
	var buf bytes.Buffer
	log, closer := Open(Options{Level: "info", Style: "json", Console: &buf})
	defer closer.Close()

	log.Info().Msg("json line")
	assert.Contains(t, buf.String(), `"message":"json line"`)
}

func TestOpenWithFile(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "docchat.log")

	log, closer := Open(Options{Level: "info", Style: "json", Console: &buf, File: path})
	log.Info().Msg("to both")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "to both")
	assert.Contains(t, buf.String(), "to both")
}

func TestNopDiscards(t *testing.T) {
	log := Nop()
	log.Error().Msg("nothing")
	assert.Equal(t, zerolog.Disabled, log.Zerolog().GetLevel())
}
