// Package logging builds the slog loggers shared by every escrow binary.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/coldbell/escrow/backend/internal/config"
)

type handlerFactory func(io.Writer, *slog.HandlerOptions) slog.Handler

var handlers = map[string]handlerFactory{
	"text": func(w io.Writer, opts *slog.HandlerOptions) slog.Handler { return slog.NewTextHandler(w, opts) },
	"json": func(w io.Writer, opts *slog.HandlerOptions) slog.Handler { return slog.NewJSONHandler(w, opts) },
}

func nopClose() error { return nil }

// New builds the service logger described by cfg. The returned func closes
// the log file, if any.
func New(serviceName string, cfg config.LogConfig) (*slog.Logger, func() error, error) {
	factory, level, err := parse(cfg)
	if err != nil {
		return nil, nil, err
	}
	writer, closeWriter, err := openWriter(serviceName, cfg)
	if err != nil {
		return nil, nil, err
	}
	return newLogger(serviceName, factory, level, writer), closeWriter, nil
}

// NewWithWriter is New with the output fixed to w. Output and FilePath in
// cfg are ignored.
func NewWithWriter(serviceName string, cfg config.LogConfig, w io.Writer) (*slog.Logger, error) {
	factory, level, err := parse(cfg)
	if err != nil {
		return nil, err
	}
	return newLogger(serviceName, factory, level, w), nil
}

func newLogger(serviceName string, factory handlerFactory, level slog.Level, w io.Writer) *slog.Logger {
	return slog.New(factory(w, &slog.HandlerOptions{Level: level})).With("service", serviceName)
}

func parse(cfg config.LogConfig) (handlerFactory, slog.Level, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, 0, err
	}
	format := strings.ToLower(strings.TrimSpace(cfg.Format))
	if format == "" {
		format = "text"
	}
	factory, ok := handlers[format]
	if !ok {
		return nil, 0, fmt.Errorf("invalid log format %q (expected text|json)", cfg.Format)
	}
	return factory, level, nil
}

// openWriter resolves the output: console (stdout), stderr, file, or both
// console and file.
func openWriter(serviceName string, cfg config.LogConfig) (io.Writer, func() error, error) {
	output := strings.ToLower(strings.TrimSpace(cfg.Output))
	switch output {
	case "", "console":
		return os.Stdout, nopClose, nil
	case "stderr":
		return os.Stderr, nopClose, nil
	case "file", "both":
	default:
		return nil, nil, fmt.Errorf("invalid log output %q (expected console|stderr|file|both)", cfg.Output)
	}

	file, err := openLogFile(serviceName, cfg.FilePath)
	if err != nil {
		return nil, nil, err
	}
	if output == "both" {
		return io.MultiWriter(os.Stdout, file), file.Close, nil
	}
	return file, file.Close, nil
}

func openLogFile(serviceName string, configuredPath string) (*os.File, error) {
	logPath := strings.TrimSpace(configuredPath)
	if logPath == "" {
		logPath = filepath.Join(".docker", serviceName, serviceName+".log")
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory for %q: %w", logPath, err)
	}
	file, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %q: %w", logPath, err)
	}
	return file, nil
}

// ParseLevel accepts the slog level names in any case, "warning" as an alias
// for warn, and offsets such as "info+2". Empty means info.
func ParseLevel(raw string) (slog.Level, error) {
	raw = strings.TrimSpace(raw)
	switch strings.ToLower(raw) {
	case "":
		return slog.LevelInfo, nil
	case "warning":
		return slog.LevelWarn, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(raw)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug|info|warn|error)", raw)
	}
	return level, nil
}
