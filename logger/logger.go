// Package logger provides the structured logging interface used by every
// replicon component, with zerolog-backed implementations for JSON and
// human-readable console output.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Field is a key-value pair attached to a log entry.
type Field struct {
	Key   string
	Value any
}

// Logger is a leveled, structured logger. Components receive a Logger at
// construction and derive scoped loggers (per session, per channel) with With.
type Logger interface {
	// Debug logs a message at debug level with optional structured fields.
	Debug(msg string, fields ...Field)

	// Info logs a message at info level with optional structured fields.
	Info(msg string, fields ...Field)

	// Warn logs a message at warn level with optional structured fields.
	Warn(msg string, fields ...Field)

	// Error logs a message at error level with optional structured fields.
	Error(msg string, fields ...Field)

	// With returns a Logger that adds fields to every subsequent entry.
	// The receiver is unchanged.
	//
	// Parameters:
	//   - fields: Key-value pairs to attach to the derived logger
	//
	// Returns:
	//   - A new Logger carrying the given fields
	With(fields ...Field) Logger

	// GetLoggerInstance returns the underlying zerolog.Logger (or nil for
	// loggers that have none).
	GetLoggerInstance() interface{}

	// Close flushes and releases the output, if the logger owns it.
	Close() error
}

type zerologLogger struct {
	logger zerolog.Logger
	closer io.Closer
}

// NewZerologLogger wraps l, tagging every entry with the service name and a
// timestamp and discarding entries below level.
//
// Parameters:
//   - l: The zerolog.Logger to wrap
//   - serviceName: Value of the "service" field on every entry
//   - level: Minimum level to emit
//
// Returns:
//   - A Logger writing through l
func NewZerologLogger(l zerolog.Logger, serviceName string, level zerolog.Level) Logger {
	return &zerologLogger{
		logger: l.With().Str("service", serviceName).Timestamp().Logger().Level(level),
	}
}

// NewConsoleLogger builds a Logger that writes colorized, human-readable
// lines to w (stderr when w is nil). It is what the replicon CLI uses when
// --log-format=console.
//
// Parameters:
//   - w: Destination writer, or nil for os.Stderr
//   - serviceName: Value of the "service" field on every entry
//   - level: Minimum level to emit
//
// Returns:
//   - A Logger writing console-formatted lines
func NewConsoleLogger(w io.Writer, serviceName string, level zerolog.Level) Logger {
	if w == nil {
		w = os.Stderr
	}

	cw := zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}
	return NewZerologLogger(zerolog.New(cw), serviceName, level)
}

// NewJSONLogger builds a Logger that writes one JSON object per entry to w
// (stdout when w is nil). If w is an io.Closer, Close closes it.
func NewJSONLogger(w io.Writer, serviceName string, level zerolog.Level) Logger {
	if w == nil {
		w = os.Stdout
	}

	l := NewZerologLogger(zerolog.New(w), serviceName, level).(*zerologLogger)
	if c, ok := w.(io.Closer); ok && w != os.Stdout && w != os.Stderr {
		l.closer = c
	}

	return l
}

// ParseLevel maps a level name ("debug", "info", "warn", "error") to a
// zerolog level. Unknown names fall back to info.
func ParseLevel(name string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(name)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}

	return lvl
}

// Debug implements Logger.
func (z *zerologLogger) Debug(msg string, fields ...Field) {
	z.logger.Debug().Fields(toMap(fields)).Msg(msg)
}

// Info implements Logger.
func (z *zerologLogger) Info(msg string, fields ...Field) {
	z.logger.Info().Fields(toMap(fields)).Msg(msg)
}

// Warn implements Logger.
func (z *zerologLogger) Warn(msg string, fields ...Field) {
	z.logger.Warn().Fields(toMap(fields)).Msg(msg)
}

// Error implements Logger.
func (z *zerologLogger) Error(msg string, fields ...Field) {
	z.logger.Error().Fields(toMap(fields)).Msg(msg)
}

// With implements Logger. Derived loggers never own the output.
func (z *zerologLogger) With(fields ...Field) Logger {
	return &zerologLogger{
		logger: z.logger.With().Fields(toMap(fields)).Logger(),
	}
}

// GetLoggerInstance implements Logger.
func (z *zerologLogger) GetLoggerInstance() interface{} {
	return z.logger
}

// Close implements Logger.
func (z *zerologLogger) Close() error {
	if z.closer != nil {
		return z.closer.Close()
	}

	return nil
}

func toMap(fields []Field) map[string]any {
	if len(fields) == 0 {
		return nil
	}

	m := make(map[string]any, len(fields))
	for _, f := range fields {
		m[f.Key] = f.Value
	}

	return m
}

type nopLogger struct{}

// Nop returns a Logger that discards everything. Useful in tests and as the
// default when a component is constructed without a logger.
func Nop() Logger { return nopLogger{} }

func (nopLogger) Debug(string, ...Field)         {}
func (nopLogger) Info(string, ...Field)          {}
func (nopLogger) Warn(string, ...Field)          {}
func (nopLogger) Error(string, ...Field)         {}
func (n nopLogger) With(...Field) Logger         { return n }
func (nopLogger) GetLoggerInstance() interface{} { return nil }
func (nopLogger) Close() error                   { return nil }
