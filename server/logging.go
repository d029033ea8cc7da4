package server

import (
	"os"

	"github.com/sirupsen/logrus"
)

// NewLogger builds the process logger from the logging section.
func NewLogger(config *Config) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)

	level, err := logrus.ParseLevel(config.Logging.Level)
	if err != nil {
		logger.WithField("level", config.Logging.Level).Warn("Unknown log level, using info")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if config.Logging.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger
}
