package logging

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger_Production_JSONHandler(t *testing.T) {
	logger := NewLogger("production", false)
	require.NotNil(t, logger)

	handler := logger.Handler()
	_, ok := handler.(*slog.JSONHandler)
	assert.True(t, ok, "production logger should use JSONHandler, got %T", handler)
}

func TestNewLogger_Development_NotJSON(t *testing.T) {
	logger := NewLogger("development", false)
	require.NotNil(t, logger)

	handler := logger.Handler()
	_, ok := handler.(*slog.JSONHandler)
	assert.False(t, ok, "development logger should not use JSONHandler")
}

func TestNewLogger_InfoLevelByDefault(t *testing.T) {
	logger := NewLogger("production", false)

	assert.True(t, logger.Handler().Enabled(context.Background(), slog.LevelInfo))
	assert.False(t, logger.Handler().Enabled(context.Background(), slog.LevelDebug))
}

func TestNewLogger_VerboseEnablesDebug(t *testing.T) {
	logger := NewLogger("development", true)

	assert.True(t, logger.Handler().Enabled(context.Background(), slog.LevelDebug))
}
