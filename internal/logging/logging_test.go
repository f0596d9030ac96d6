package logging

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshdash/internal/config"
)

func TestNew_Disabled(t *testing.T) {
	logger := New(config.Log{Enabled: false, Level: "debug"}, SinkStderr)
	assert.Equal(t, io.Discard, logger.Out)
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
}

func TestNew_FileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meshdash.log")
	logger := New(config.Log{Enabled: true, Level: "info", File: path}, SinkFile)

	logger.WithField("agent", "coder").Info("poll cycle complete")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "poll cycle complete")
	assert.Contains(t, string(data), "agent=coder")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, logrus.WarnLevel, parseLevel("warning"))
	assert.Equal(t, logrus.ErrorLevel, parseLevel("ERROR"))
	assert.Equal(t, logrus.TraceLevel, parseLevel(" trace "))
	assert.Equal(t, logrus.InfoLevel, parseLevel("chatty"))
	assert.Equal(t, logrus.InfoLevel, parseLevel(""))
}
