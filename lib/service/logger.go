// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/term"
)

// Log output formats accepted by LoggerConfig.Format.
const (
	LogFormatJSON = "json"
	LogFormatText = "text"
	LogFormatAuto = "auto"
)

// LoggerConfig configures NewLogger.
type LoggerConfig struct {
	// Level is one of "error", "warn", "info", "debug". Empty means
	// "info".
	Level string

	// Format is LogFormatJSON, LogFormatText, or LogFormatAuto
	// (text on a terminal, JSON otherwise). Empty means JSON.
	Format string

	// Output defaults to os.Stderr.
	Output io.Writer
}

// ParseLevel maps a level name to its slog level.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(name) {
	case "error":
		return slog.LevelError, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	default:
		return 0, fmt.Errorf("unknown log level %q (valid: error, warn, info, debug)", name)
	}
}

// NewLogger creates the process logger and installs it as the slog
// default.
func NewLogger(config LoggerConfig) (*slog.Logger, error) {
	level, err := ParseLevel(config.Level)
	if err != nil {
		return nil, err
	}
	output := config.Output
	if output == nil {
		output = os.Stderr
	}

	format := config.Format
	if format == LogFormatAuto {
		format = LogFormatJSON
		if file, ok := output.(*os.File); ok && term.IsTerminal(int(file.Fd())) {
			format = LogFormatText
		}
	}

	options := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch format {
	case "", LogFormatJSON:
		handler = slog.NewJSONHandler(output, options)
	case LogFormatText:
		handler = slog.NewTextHandler(output, options)
	default:
		return nil, fmt.Errorf("unknown log format %q (valid: json, text, auto)", config.Format)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, nil
}
