package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: "debug", Format: "json"}, &buf)

	l.WithField("component", "cache.memory").Debug("sweep finished")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "sweep finished", line["msg"])
	assert.Equal(t, "cache.memory", line["component"])
	assert.Equal(t, "debug", line["level"])
}

func TestNew_InvalidLevelFallsBackToInfo(t *testing.T) {
	l := New(Config{Level: "verbose"}, &bytes.Buffer{})
	assert.Equal(t, logrus.InfoLevel, l.GetLevel())
}

func TestInitFromEnv(t *testing.T) {
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("LOG_FORMAT", "json")

	InitFromEnv()
	assert.Equal(t, logrus.WarnLevel, GetLogger().GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, GetLogger().Formatter)

	SetLevel("ERROR")
	assert.Equal(t, logrus.ErrorLevel, GetLogger().GetLevel())

	entry := WithComponent("fetch")
	assert.Equal(t, "fetch", entry.Data["component"])
}
