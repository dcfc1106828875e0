package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bufferLogger(buf *bytes.Buffer, level string) Logger {
	zl := zerolog.New(buf).Level(parseLevel(level))
	return Logger{base: &zl}
}

func TestLogger_ZeroValueIsNoop(t *testing.T) {
	t.Parallel()

	var l Logger
	assert.True(t, l.IsZero())
	l.Info("dropped", String("k", "v"))
	assert.False(t, Nop().IsZero())
	assert.False(t, l.With(String("comp", "x")).IsZero())
}

func TestLogger_WithFieldsAreAppliedInOrder(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	l := bufferLogger(&buf, "debug").With(String("comp", "store"))
	l.Warn("write failed", String("comp", "override"), Int("attempt", 2), Err(errors.New("boom")), Err(nil))

	var m map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	assert.Equal(t, "warn", m["level"])
	assert.Equal(t, "write failed", m["message"])
	assert.Equal(t, "boom", m["err"])
	assert.Equal(t, "override", m["comp"])
	assert.EqualValues(t, 2, m["attempt"])
	assert.Contains(t, m["caller"], "logging_test.go")
}

func TestLogger_LevelFilter(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	l := bufferLogger(&buf, "warn")
	l.Info("hidden")
	assert.Zero(t, buf.Len())
	l.Error("shown")
	assert.NotZero(t, buf.Len())
}

func TestService_ApplyKeepsOpenFileAndSwapsLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "intentd.log")
	cfg := Config{Level: "info", File: FileConfig{Enabled: true, Path: path}}
	svc, log := New(cfg)
	defer svc.Close()
	first := svc.file

	log.Debug("hidden")
	log.Info("hello", String("k", "v"))

	cfg.Level = "debug"
	svc.Apply(cfg)
	assert.Same(t, first, svc.file, "same path keeps the file open")
	log.Debug("now visible")

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(b)
	assert.Contains(t, out, `"message":"hello"`)
	assert.Contains(t, out, `"message":"now visible"`)
	assert.NotContains(t, out, "hidden")
	assert.Equal(t, 2, strings.Count(out, "\n"))

	svc.Apply(Config{Level: "info", Console: true})
	assert.Nil(t, svc.file)
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := map[string]zerolog.Level{
		"trace":   zerolog.TraceLevel,
		" DEBUG ": zerolog.DebugLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"bogus":   zerolog.InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, parseLevel(in), in)
	}
}
