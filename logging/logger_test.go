package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew_FiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New("warn", &buf)

	logger.Info("kb: hidden message")
	logger.Warn("kb: visible message", slog.String("site_id", "acme"))

	out := buf.String()
	assert.NotContains(t, out, "hidden message")
	assert.Contains(t, out, "visible message")
	assert.Contains(t, out, "acme")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel(" DEBUG "))
	assert.Equal(t, slog.LevelWarn, parseLevel("warning"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel("verbose"))
}

func TestContextLogger(t *testing.T) {
	assert.Same(t, Default(), From(context.Background()))

	var buf bytes.Buffer
	logger := New("debug", &buf)
	ctx := With(context.Background(), logger)
	assert.Same(t, logger, From(ctx))

	previous := Default()
	SetDefault(nil)
	assert.Same(t, previous, Default())
	SetDefault(logger)
	t.Cleanup(func() { SetDefault(previous) })
	assert.Same(t, logger, From(nil))
}
