// Package logging provides structured logging functionality.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig holds logging configuration.
type LogConfig struct {
	Level      string
	Console    bool
	File       bool
	FilePath   string
	MaxSize    int // megabytes
	MaxBackups int
	MaxAge     int // days
}

// DefaultLogConfig returns the default logging configuration.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:      "info",
		Console:    true,
		File:       true,
		FilePath:   "logs/autosell.log",
		MaxSize:    10,
		MaxBackups: 5,
		MaxAge:     14,
	}
}

// NewLogger creates a logger for the given mode. Development mode logs at
// debug level; production at the configured level.
func NewLogger(cfg LogConfig, mode string) zerolog.Logger {
	if mode == "development" {
		cfg.Level = "debug"
	}
	return NewLoggerWithConfig(cfg)
}

// NewLoggerWithConfig creates a new logger with the specified configuration.
func NewLoggerWithConfig(cfg LogConfig) zerolog.Logger {
	var writers []io.Writer

	if cfg.Console {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	}

	if cfg.File {
		logDir := filepath.Dir(cfg.FilePath)
		if err := os.MkdirAll(logDir, 0755); err == nil {
			writers = append(writers, &lumberjack.Logger{
				Filename:   cfg.FilePath,
				MaxSize:    cfg.MaxSize,
				MaxBackups: cfg.MaxBackups,
				MaxAge:     cfg.MaxAge,
				Compress:   true,
			})
		}
	}

	var writer io.Writer
	switch len(writers) {
	case 0:
		writer = os.Stdout
	case 1:
		writer = writers[0]
	default:
		writer = zerolog.MultiLevelWriter(writers...)
	}

	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	return zerolog.New(writer).
		With().
		Timestamp().
		Logger()
}

func parseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// WithComponent adds a component name to the logger context.
func WithComponent(logger zerolog.Logger, component string) zerolog.Logger {
	return logger.With().Str("component", component).Logger()
}

// WithSymbol adds a symbol to the logger context.
func WithSymbol(logger zerolog.Logger, symbol string) zerolog.Logger {
	return logger.With().Str("symbol", symbol).Logger()
}

// WithOrderID adds an order ID to the logger context.
func WithOrderID(logger zerolog.Logger, orderID string) zerolog.Logger {
	return logger.With().Str("order_id", orderID).Logger()
}

// LogAPICall logs an outbound brokerage API call.
func LogAPICall(logger zerolog.Logger, op string, duration time.Duration, err error) {
	event := logger.Debug().
		Str("event", "api_call").
		Str("op", op).
		Dur("duration", duration)

	if err != nil {
		event.Err(err).Msg("API call failed")
	} else {
		event.Msg("API call completed")
	}
}

// LogFill logs a detected buy fill.
func LogFill(logger zerolog.Logger, executionID, symbol string, qty int, price float64) {
	logger.Info().
		Str("event", "fill").
		Str("execution_id", executionID).
		Str("symbol", symbol).
		Int("quantity", qty).
		Float64("price", price).
		Msg("Buy fill detected")
}

// LogSell logs a sell order submission.
func LogSell(logger zerolog.Logger, orderID, symbol string, qty int, price float64) {
	logger.Info().
		Str("event", "sell").
		Str("order_id", orderID).
		Str("symbol", symbol).
		Int("quantity", qty).
		Float64("price", price).
		Msg("Limit sell submitted")
}
