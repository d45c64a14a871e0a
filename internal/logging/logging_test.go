package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigure_JSONFieldNames(t *testing.T) {
	var buf bytes.Buffer
	entry, err := configure(logrus.New(), &buf, "json", "debug", "marketdata")
	require.NoError(t, err)

	entry.WithField("symbol", "NIFTY").Debug("fetched")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "debug", line["severity"])
	assert.Equal(t, "fetched", line["message"])
	assert.Equal(t, "marketdata", line["service"])
	assert.Equal(t, "NIFTY", line["symbol"])
}

func TestConfigure_Level(t *testing.T) {
	var buf bytes.Buffer
	entry, err := configure(logrus.New(), &buf, "text", "warn", "feedworker")
	require.NoError(t, err)

	entry.Info("hidden")
	assert.Empty(t, buf.String())

	entry.Warn("shown")
	assert.Contains(t, buf.String(), "severity=warning")
	assert.Contains(t, buf.String(), "message=shown")
}

func TestConfigure_Errors(t *testing.T) {
	_, err := configure(logrus.New(), &bytes.Buffer{}, "xml", "info", "x")
	assert.Error(t, err)

	_, err = configure(logrus.New(), &bytes.Buffer{}, "json", "loud", "x")
	assert.Error(t, err)
}
