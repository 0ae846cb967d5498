// logging.go - Structured logging setup for the wallet daemon
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// setupLogger configures the process-wide logrus logger from config and
// returns the root entry every component hangs its fields off.
func setupLogger(cfg *Config) (*logrus.Entry, func() error, error) {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	closer := func() error { return nil }
	if cfg.LogFile != "" {
		file, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		logger.SetOutput(io.MultiWriter(os.Stdout, file))
		closer = file.Close
	}

	return logger.WithField("service", "shieldwalletd"), closer, nil
}
