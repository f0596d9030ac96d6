// Package logging builds the logrus logger shared by every meshdash component.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"meshdash/internal/config"
)

// Sink selects where log lines go.
type Sink int

const (
	// SinkStderr is used by headless commands.
	SinkStderr Sink = iota
	// SinkFile is used while the TUI owns the terminal.
	SinkFile
)

// New returns a configured logger. When logging is disabled the logger still
// exists but discards everything, so callers never nil-check it.
func New(cfg config.Log, sink Sink) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
		DisableColors:   sink == SinkFile,
	})
	logger.SetLevel(parseLevel(cfg.Level))

	if !cfg.Enabled {
		logger.SetOutput(io.Discard)
		return logger
	}

	switch sink {
	case SinkFile:
		file := cfg.File
		if strings.TrimSpace(file) == "" {
			file = "meshdash.log"
		}
		logger.SetOutput(&lumberjack.Logger{
			Filename:   file,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     7, // days
		})
	default:
		logger.SetOutput(os.Stderr)
	}
	return logger
}

// Discard returns a logger that writes nowhere; handy in tests.
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// LogConfig records the effective configuration at startup.
func LogConfig(logger *logrus.Logger, cfg *config.Config) {
	logger.WithFields(logrus.Fields{
		"baseURL":        cfg.API.BaseURL,
		"timeout":        cfg.API.Timeout,
		"agents":         strings.Join(cfg.Agents, ","),
		"pollInterval":   cfg.Poll.Interval,
		"chatMode":       cfg.Chat.Mode,
		"chatAgent":      cfg.Chat.AgentID,
		"forceAllAgents": cfg.Chat.ForceAllAgents,
	}).Info("Configuration loaded")
}

// parseLevel falls back to info for anything logrus does not recognise.
func parseLevel(level string) logrus.Level {
	parsed, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		return logrus.InfoLevel
	}
	return parsed
}
