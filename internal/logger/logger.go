package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger owns the process zerolog.Logger and the files behind it.
type Logger struct {
	logger   zerolog.Logger
	closer   io.Closer
	redactor *Redactor
}

// Config holds logger configuration
type Config struct {
	Level     string    // debug, info, warn, error
	File      string    // log file path, empty disables file output
	Console   bool      // enable console output
	Pretty    bool      // human readable console output
	Redaction bool      // redact API keys and tokens before writing
	Secrets   []string  // literal values to mask when Redaction is on
	MaxSize   int       // max size in MB before rotation, 0 disables rotation
	MaxAge    int       // days to keep rotated files
	Compress  bool      // gzip rotated files
	Output    io.Writer // console destination, defaults to stderr
}

// New builds the logger described by cfg and installs it as the global
// zerolog logger.
func New(cfg Config) (*Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	console := cfg.Output
	if console == nil {
		console = os.Stderr
	}

	var writers []io.Writer
	if cfg.Console {
		if cfg.Pretty {
			writers = append(writers, zerolog.ConsoleWriter{Out: console, TimeFormat: time.RFC3339})
		} else {
			writers = append(writers, console)
		}
	}

	var closer io.Closer
	if cfg.File != "" {
		fileWriter, err := openFileWriter(cfg)
		if err != nil {
			return nil, err
		}
		closer = fileWriter
		writers = append(writers, fileWriter)
	}

	var writer io.Writer
	switch len(writers) {
	case 0:
		writer = io.Discard
	case 1:
		writer = writers[0]
	default:
		writer = io.MultiWriter(writers...)
	}

	var redactor *Redactor
	if cfg.Redaction {
		redactor = NewRedactor()
		for _, secret := range cfg.Secrets {
			redactor.AddSecret(secret)
		}
		writer = redactor.Wrap(writer)
	}

	zl := zerolog.New(writer).
		Level(level).
		With().
		Timestamp().
		Logger()

	log.Logger = zl

	return &Logger{
		logger:   zl,
		closer:   closer,
		redactor: redactor,
	}, nil
}

func openFileWriter(cfg Config) (io.WriteCloser, error) {
	if cfg.MaxSize > 0 {
		return NewRotatingWriter(RotationConfig{
			Path:       cfg.File,
			MaxSizeMB:  cfg.MaxSize,
			MaxAgeDays: cfg.MaxAge,
			Compress:   cfg.Compress,
		})
	}

	if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return file, nil
}

// Close releases the log file, if any.
func (l *Logger) Close() error {
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}

// Debug logs a debug message
func (l *Logger) Debug() *zerolog.Event {
	return l.logger.Debug()
}

// Info logs an info message
func (l *Logger) Info() *zerolog.Event {
	return l.logger.Info()
}

// Warn logs a warning message
func (l *Logger) Warn() *zerolog.Event {
	return l.logger.Warn()
}

// Error logs an error message
func (l *Logger) Error() *zerolog.Event {
	return l.logger.Error()
}

// With creates a child logger context
func (l *Logger) With() zerolog.Context {
	return l.logger.With()
}

// GetZerolog returns the underlying zerolog.Logger
func (l *Logger) GetZerolog() zerolog.Logger {
	return l.logger
}

// DefaultConfig returns default logger configuration
func DefaultConfig() Config {
	return Config{
		Level:     "info",
		Console:   true,
		Pretty:    true,
		Redaction: true,
		MaxSize:   100,
		MaxAge:    7,
		Compress:  true,
	}
}
