package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJSONLoggerWritesStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	log := New("info", "json", &buf)

	log.With(LogFields{"component": "broker"}).Info("Broker connected", LogFields{"attempt": 3})

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "Broker connected", entry["msg"])
	assert.Equal(t, "broker", entry["component"])
	assert.EqualValues(t, 3, entry["attempt"])
}

func TestNewTextLoggerHonoursLevel(t *testing.T) {
	var buf bytes.Buffer
	log := New("error", "text", &buf)

	log.Info("dropped", nil)
	log.Debug("dropped", nil)
	log.Error("kept", errors.New("boom"), LogFields{"queue": "q"})

	out := buf.String()
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, "kept")
	assert.Contains(t, out, "boom")
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestPrintfLoggerTrimsNewline(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrintfLogger(New("info", "text", &buf))

	p.Printf("worker %d exited\n", 7)

	assert.Contains(t, buf.String(), "worker 7 exited")
	assert.Equal(t, 1, strings.Count(buf.String(), "\n"))
}

func TestConstructorsPanicOnNil(t *testing.T) {
	assert.Panics(t, func() { NewSlogServiceLogger(nil) })
	assert.Panics(t, func() { NewWatermillServiceLogger(nil) })
	assert.Panics(t, func() { NewPrintfLogger(nil) })
}
