package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var (
	globalLogger = Nop()
	closers      []io.Closer
	once         sync.Once
)

type Config struct {
	Level   string   `json:"level" yaml:"level"`     // debug/info/warn/error
	Format  string   `json:"format" yaml:"format"`   // text/json
	Outputs []string `json:"outputs" yaml:"outputs"` // stdout/stderr/file path
}

// Init builds the process-wide logger. Only the first call has an effect.
func Init(cfg Config) error {
	var err error
	once.Do(func() {
		var l *slog.Logger
		var c []io.Closer
		l, c, err = New(cfg)
		if err != nil {
			return
		}
		globalLogger = l
		closers = c
	})
	return err
}

// New builds a logger writing to every configured output. The returned
// closers belong to files opened for it.
func New(cfg Config) (*slog.Logger, []io.Closer, error) {
	var writers []io.Writer
	var files []io.Closer
	for _, output := range cfg.Outputs {
		switch output {
		case "", "stdout":
			writers = append(writers, os.Stdout)
		case "stderr":
			writers = append(writers, os.Stderr)
		default:
			if err := os.MkdirAll(filepath.Dir(output), 0755); err != nil {
				closeAll(files)
				return nil, nil, fmt.Errorf("create log dir: %w", err)
			}
			file, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
			if err != nil {
				closeAll(files)
				return nil, nil, fmt.Errorf("open log file: %w", err)
			}
			writers = append(writers, file)
			files = append(files, file)
		}
	}
	if len(writers) == 0 {
		writers = append(writers, os.Stdout)
	}
	return NewWithWriter(cfg, io.MultiWriter(writers...)), files, nil
}

// NewWithWriter builds a logger on w, ignoring cfg.Outputs.
func NewWithWriter(cfg Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Nop discards everything.
func Nop() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// Sync closes any log files opened by Init.
func Sync() {
	closeAll(closers)
	closers = nil
}

func closeAll(cs []io.Closer) {
	for _, c := range cs {
		_ = c.Close()
	}
}

func Debug(msg string, args ...interface{}) {
	globalLogger.Debug(msg, args...)
}

func Info(msg string, args ...interface{}) {
	globalLogger.Info(msg, args...)
}

func Warn(msg string, args ...interface{}) {
	globalLogger.Warn(msg, args...)
}

func Error(msg string, args ...interface{}) {
	globalLogger.Error(msg, args...)
}

func Logger() *slog.Logger {
	return globalLogger
}
