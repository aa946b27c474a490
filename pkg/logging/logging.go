// Package logging configures the logrus logger used across instctl.
package logging

import (
	"io"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// InitLog parses the level and points the standard logger at logPath.
// An empty path or "console" keeps output on stderr.
func InitLog(logLevel string, logPath string) error {
	return Configure(log.StandardLogger(), logLevel, logPath)
}

// Configure applies level, output and formatter to logger.
func Configure(logger *log.Logger, logLevel string, logPath string) error {
	level, err := log.ParseLevel(logLevel)
	if err != nil {
		logger.Errorf("failed parsing log-level %s: %s", logLevel, err)
		return err
	}

	if logPath != "" && logPath != "console" {
		logger.SetOutput(io.Writer(&lumberjack.Logger{
			Filename:   filepath.ToSlash(logPath),
			MaxSize:    5, // MB
			MaxBackups: 10,
			MaxAge:     30, // days
			Compress:   true,
		}))
	}

	logger.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	})
	logger.SetLevel(level)
	return nil
}

// Discard returns a logger that drops everything. Useful as a default.
func Discard() *log.Logger {
	l := log.New()
	l.SetOutput(io.Discard)
	return l
}
