package logging

import (
	"os"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   LogLevel
		want zerolog.Level
	}{
		{LevelDebug, zerolog.DebugLevel},
		{LevelInfo, zerolog.InfoLevel},
		{LevelWarn, zerolog.WarnLevel},
		{LevelError, zerolog.ErrorLevel},
		{"WARN", zerolog.WarnLevel},
		{"bogus", zerolog.InfoLevel},
	}

	for _, tc := range tests {
		assert.Equal(t, tc.want, ParseLevel(tc.in), "level %q", tc.in)
	}
}

func TestNew_WritesComponentLogsToFile(t *testing.T) {
	dir := t.TempDir()

	logger, err := New(&Config{LogDir: dir, Level: LevelDebug})
	require.NoError(t, err)

	comp := logger.Component("session")
	comp.Info().Str("session_id", "abc").Msg("state changed")
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(logger.Path())
	require.NoError(t, err)

	content := string(data)
	assert.True(t, strings.HasPrefix(logger.Path(), dir))
	assert.Contains(t, content, `"component":"session"`)
	assert.Contains(t, content, `"session_id":"abc"`)
	assert.Contains(t, content, `"app":"avatartalk"`)
}

func TestNew_RespectsLevel(t *testing.T) {
	dir := t.TempDir()

	logger, err := New(&Config{LogDir: dir, Level: LevelWarn})
	require.NoError(t, err)

	zl := logger.Zerolog()
	zl.Debug().Msg("hidden-debug")
	zl.Warn().Msg("visible-warn")
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(logger.Path())
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hidden-debug")
	assert.Contains(t, string(data), "visible-warn")
}
