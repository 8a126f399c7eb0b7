package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAutoFormatIsJSONWhenNotTerminal(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Options{Output: &buf})
	require.NoError(t, err)

	logger.WithField("session", "abc").Info("connected")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "connected", entry["msg"])
	assert.Equal(t, "abc", entry["session"])
}

func TestDebugOverridesLevel(t *testing.T) {
	logger, err := New(Options{Level: "warn", Debug: true, Output: &bytes.Buffer{}})
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
}

func TestInvalidOptions(t *testing.T) {
	_, err := New(Options{Level: "loud"})
	assert.Error(t, err)

	_, err = New(Options{Format: "xml"})
	assert.Error(t, err)
}

func TestTextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Options{Format: "text", Output: &buf})
	require.NoError(t, err)

	logger.Info("hello")
	assert.Contains(t, buf.String(), "msg=hello")
}
