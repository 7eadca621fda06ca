package observability

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"register/internal/config"
)

func TestJSONLoggerFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(config.Log{Level: "warn", Format: "json"}, &buf)
	require.NoError(t, err)

	logger.Info().Msg("hidden")
	logger.Warn().Str("id", "x").Msg("shown")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "shown", entry["message"])
	assert.Equal(t, "register", entry["service"])
	assert.Equal(t, "x", entry["id"])
	assert.Contains(t, entry, "time")
}

func TestConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(config.Log{Format: "console"}, &buf)
	require.NoError(t, err)
	logger.Info().Msg("listening")
	assert.Contains(t, buf.String(), "listening")
	assert.NotContains(t, buf.String(), "{")
}

func TestRejectsUnknownSettings(t *testing.T) {
	_, err := NewLogger(config.Log{Level: "loud"}, nil)
	assert.Error(t, err)
	_, err = NewLogger(config.Log{Format: "xml"}, nil)
	assert.Error(t, err)
}
