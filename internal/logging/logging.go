// Package logging builds the zap loggers used across fluxsweep.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures New.
type Options struct {
	Level      string
	Format     string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	// Output receives console logs; defaults to stderr.
	Output io.Writer
}

// New builds a logger writing to Output and, when File is set, to a rotating
// file. The returned func flushes and closes the file.
func New(opts Options) (*zap.Logger, func(), error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, nil, err
	}

	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	cores := []zapcore.Core{
		zapcore.NewCore(encoder(opts.Format, isTerminal(out)), zapcore.AddSync(out), level),
	}

	var rotator *lumberjack.Logger
	if strings.TrimSpace(opts.File) != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log dir: %w", err)
		}
		rotator = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    positive(opts.MaxSizeMB, 50),
			MaxBackups: positive(opts.MaxBackups, 3),
			MaxAge:     positive(opts.MaxAgeDays, 7),
		}
		cores = append(cores, zapcore.NewCore(encoder("json", false), zapcore.AddSync(rotator), level))
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

// ForSweep tees base into a plain-text log file dedicated to one sweep.
func ForSweep(base *zap.Logger, path string) (*zap.Logger, func(), error) {
	if base == nil {
		base = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create sweep log dir: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open sweep log: %w", err)
	}

	fileCore := zapcore.NewCore(encoder("console", false), zapcore.AddSync(file), zapcore.DebugLevel)
	logger := base.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, fileCore)
	}))
	cleanup := func() {
		_ = logger.Sync()
		_ = file.Close()
	}
	return logger, cleanup, nil
}

// ParseLevel accepts zap level names; blank means info.
func ParseLevel(value string) (zapcore.Level, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return zapcore.InfoLevel, nil
	}
	level, err := zapcore.ParseLevel(strings.ToLower(value))
	if err != nil {
		return zapcore.InfoLevel, fmt.Errorf("invalid log level %q", value)
	}
	return level, nil
}

func encoder(format string, color bool) zapcore.Encoder {
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		cfg := zap.NewProductionEncoderConfig()
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		return zapcore.NewJSONEncoder(cfg)
	}
	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05")
	if color {
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	return zapcore.NewConsoleEncoder(cfg)
}

func isTerminal(w io.Writer) bool {
	file, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := file.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

func positive(value, fallback int) int {
	if value <= 0 {
		return fallback
	}
	return value
}

// CleanupOld removes *.log files in dir last modified more than retain ago.
// It returns how many files were removed.
func CleanupOld(dir string, retain time.Duration) int {
	if retain <= 0 {
		retain = 7 * 24 * time.Hour
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	cutoff := time.Now().Add(-retain)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".log") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if os.Remove(filepath.Join(dir, entry.Name())) == nil {
				removed++
			}
		}
	}
	return removed
}
