package logger

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHandlerWritesRecord(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewHandler(&buf, nil))

	log.Info("hello", "key", 42)

	line := buf.String()
	assert.Contains(t, line, "INFO hello", "record should carry level and message")
	assert.Contains(t, line, "key=42", "attributes should be rendered as key=value")
	assert.True(t, strings.HasSuffix(line, "\n"), "record should be one line")
}

func TestHandlerLevelGate(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewHandler(&buf, &Options{Level: slog.LevelWarn}))

	log.Debug("too quiet")
	log.Info("still too quiet")
	assert.Empty(t, buf.String(), "records below the level should be dropped")

	log.Warn("loud enough")
	assert.Contains(t, buf.String(), "WARN loud enough")
}

func TestHandlerGroupsAndAttrs(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewHandler(&buf, nil))

	log = log.With("op", "insert").WithGroup("list")
	log.Info("traced", "key", 7)

	line := buf.String()
	assert.Contains(t, line, "op=insert", "bound attributes should appear on every record")
	assert.Contains(t, line, "list.key=7", "group names should prefix attribute keys")
}

func TestHandlerColorize(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewHandler(&buf, &Options{Colorize: true}))

	log.Error("boom")

	line := buf.String()
	assert.True(t, strings.HasPrefix(line, red), "error records should start with the red escape")
	assert.Contains(t, line, reset, "records should reset the color")
}
