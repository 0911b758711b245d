package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"clinicbooking/internal/config"

	"github.com/rs/zerolog"
)

// New builds the process logger. An empty config logs JSON at info level to stdout.
// The closer is nil unless output goes to a file, in which case it flushes and closes it.
func New(cfg config.LoggingConfig, app config.AppConfig) (*zerolog.Logger, io.Closer, error) {
	sink, closer, err := openSink(cfg)
	if err != nil {
		return nil, nil, err
	}
	if normalize(cfg.Format) == "console" {
		sink = zerolog.ConsoleWriter{Out: sink, TimeFormat: "2006-01-02 15:04:05.000"}
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano
	logger := zerolog.New(sink).
		Level(levelOf(cfg.Level)).
		With().
		Timestamp().
		Str("app", app.Name).
		Str("env", app.Environment).
		Str("version", app.Version).
		Logger()

	return &logger, closer, nil
}

// Component derives a child logger tagged with the component name.
func Component(logger *zerolog.Logger, name string) *zerolog.Logger {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", name).Logger()
	return &l
}

// levelOf falls back to info for empty or unrecognised names.
func levelOf(name string) zerolog.Level {
	switch lvl, err := zerolog.ParseLevel(normalize(name)); {
	case err != nil, lvl == zerolog.NoLevel:
		return zerolog.InfoLevel
	default:
		return lvl
	}
}

func openSink(cfg config.LoggingConfig) (io.Writer, io.Closer, error) {
	switch normalize(cfg.Output) {
	case "", "stdout":
		return os.Stdout, nil, nil
	case "stderr":
		return os.Stderr, nil, nil
	case "file":
		return openLogFile(cfg.FilePath)
	default:
		return nil, nil, fmt.Errorf("unknown logging.output %q", cfg.Output)
	}
}

func openLogFile(path string) (io.Writer, io.Closer, error) {
	if path == "" {
		return nil, nil, fmt.Errorf("logging.output=file requires logging.file_path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file %s: %w", path, err)
	}
	return f, fileCloser{f}, nil
}

type fileCloser struct{ f *os.File }

// Close syncs before closing so the tail of the log survives a crash right after shutdown.
func (c fileCloser) Close() error {
	syncErr := c.f.Sync()
	if err := c.f.Close(); err != nil {
		return err
	}
	return syncErr
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
