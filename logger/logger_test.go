package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()

	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}

	return out
}

func TestNewJSONLogger(t *testing.T) {
	t.Run("writes service name and fields", func(t *testing.T) {
		var buf bytes.Buffer
		l := NewJSONLogger(&buf, "replicon-server", zerolog.DebugLevel)

		l.Info("session connected", Field{Key: "session_id", Value: 42})

		lines := decodeLines(t, &buf)
		require.Len(t, lines, 1)
		assert.Equal(t, "replicon-server", lines[0]["service"])
		assert.Equal(t, "session connected", lines[0]["message"])
		assert.Equal(t, float64(42), lines[0]["session_id"])
		assert.Equal(t, "info", lines[0]["level"])
	})

	t.Run("filters entries below level", func(t *testing.T) {
		var buf bytes.Buffer
		l := NewJSONLogger(&buf, "svc", zerolog.WarnLevel)

		l.Debug("dropped")
		l.Info("dropped")
		l.Warn("kept")
		l.Error("kept")

		assert.Len(t, decodeLines(t, &buf), 2)
	})
}

func TestLogger_With(t *testing.T) {
	var buf bytes.Buffer
	base := NewJSONLogger(&buf, "svc", zerolog.DebugLevel)
	scoped := base.With(Field{Key: "channel", Value: "control"})

	scoped.Warn("unknown channel")
	base.Warn("no scope")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "control", lines[0]["channel"])
	_, ok := lines[1]["channel"]
	assert.False(t, ok, "parent logger must not inherit derived fields")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("debug"))
	assert.Equal(t, zerolog.WarnLevel, ParseLevel("warn"))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("nonsense"))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel(""))
}

func TestNop(t *testing.T) {
	l := Nop()
	l.Info("ignored", Field{Key: "k", Value: 1})
	assert.Nil(t, l.GetLoggerInstance())
	assert.NoError(t, l.With(Field{Key: "a", Value: 1}).Close())
}
