// Package logging builds the application logger and scrubs credentials
// from anything that might end up in it.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// DisabledFile turns off file logging when used as Options.File.
const DisabledFile = "-"

// Options configures NewLogger.
type Options struct {
	Level      string // debug, info, warn, error
	File       string // rotated JSON log; empty or DisabledFile for none
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Console    bool
	// ConsoleWriter defaults to stderr so command output on stdout stays clean.
	ConsoleWriter io.Writer
}

// DefaultLogPath returns <user config dir>/<app>/logs/navigator.log.
func DefaultLogPath(app string) (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve user config dir: %w", err)
	}
	return filepath.Join(dir, app, "logs", "navigator.log"), nil
}

// NewLogger tees a human-readable console core and a JSON core writing to a
// lumberjack-rotated file. The returned cleanup flushes and closes the file.
func NewLogger(opts Options) (*zap.Logger, func(), error) {
	level, err := zapcore.ParseLevel(opts.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("parse log level: %w", err)
	}

	var cores []zapcore.Core
	var rotator *lumberjack.Logger

	if opts.Console {
		w := opts.ConsoleWriter
		if w == nil {
			w = os.Stderr
		}
		encCfg := zap.NewDevelopmentEncoderConfig()
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(w), level))
	}

	if opts.File != "" && opts.File != DisabledFile {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		rotator = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   true,
		}
		encCfg := zap.NewProductionEncoderConfig()
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(rotator), level))
	}

	if len(cores) == 0 {
		return zap.NewNop(), func() {}, nil
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller())
	cleanup := func() {
		_ = logger.Sync()
		if rotator != nil {
			_ = rotator.Close()
		}
	}
	return logger, cleanup, nil
}
