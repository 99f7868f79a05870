/*
Copyright The PGKeeper Contributors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package log contains the logging subsystem of the agent, a thin
// levelled facade over zap exposed through the logr interface
package log

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// The following are the supported logging levels, ordered
// from the least to the most verbose
const (
	// ErrorLevelString is the string representation of the error level
	ErrorLevelString = "error"
	// ErrorLevel is the error level priority
	ErrorLevel = 0

	// WarningLevelString is the string representation of the warning level
	WarningLevelString = "warning"
	// WarningLevel is the warning level priority
	WarningLevel = 1

	// InfoLevelString is the string representation of the info level
	InfoLevelString = "info"
	// InfoLevel is the info level priority
	InfoLevel = 2

	// DebugLevelString is the string representation of the debug level
	DebugLevelString = "debug"
	// DebugLevel is the debug level priority
	DebugLevel = 3

	// TraceLevelString is the string representation of the trace level
	TraceLevelString = "trace"
	// TraceLevel is the trace level priority
	TraceLevel = 4

	// DefaultLevelString is the string representation of the default level
	DefaultLevelString = InfoLevelString
	// DefaultLevel is the default logging level
	DefaultLevel = InfoLevel
)

// Logger is a logger with the same levels used by the agent
type Logger interface {
	Enabled() bool
	Error(err error, msg string, keysAndValues ...interface{})
	Warning(msg string, keysAndValues ...interface{})
	Info(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
	Trace(msg string, keysAndValues ...interface{})

	WithCaller() Logger
	WithValues(keysAndValues ...interface{}) Logger
	WithName(name string) Logger

	GetLogger() logr.Logger
}

type logger struct {
	logr.Logger
}

type contextKey string

// loggerKey is the key used to store the logger inside a context
const loggerKey = contextKey("logger")

// log is the logger that is used by the package-level logging functions
var log = logger{Logger: logr.Discard()}

// SetLogger replaces the logger used by the package-level functions
func SetLogger(logr logr.Logger) {
	log.Logger = logr
}

// NewLogger builds a zap-backed logger honoring the passed level string.
// An unknown level string is reported as an error
func NewLogger(levelString string) (logr.Logger, error) {
	level, err := ParseLevel(levelString)
	if err != nil {
		return logr.Discard(), err
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapcore.Level(-level)) //nolint:gosec
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapLog, err := cfg.Build()
	if err != nil {
		return logr.Discard(), err
	}
	return zapr.NewLoggerWithOptions(zapLog, zapr.LogInfoLevel("level")), nil
}

// ParseLevel maps a level string to its numeric verbosity
func ParseLevel(levelString string) (int, error) {
	switch levelString {
	case ErrorLevelString:
		return ErrorLevel, nil
	case WarningLevelString:
		return WarningLevel, nil
	case InfoLevelString:
		return InfoLevel, nil
	case DebugLevelString:
		return DebugLevel, nil
	case TraceLevelString:
		return TraceLevel, nil
	}
	return 0, fmt.Errorf("unknown log level: %q", levelString)
}

func (l logger) Enabled() bool {
	return l.Logger.Enabled()
}

func (l logger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.Logger.Error(err, msg, keysAndValues...)
}

func (l logger) Warning(msg string, keysAndValues ...interface{}) {
	l.Logger.V(WarningLevel).Info(msg, keysAndValues...)
}

func (l logger) Info(msg string, keysAndValues ...interface{}) {
	l.Logger.V(InfoLevel).Info(msg, keysAndValues...)
}

func (l logger) Debug(msg string, keysAndValues ...interface{}) {
	l.Logger.V(DebugLevel).Info(msg, keysAndValues...)
}

func (l logger) Trace(msg string, keysAndValues ...interface{}) {
	l.Logger.V(TraceLevel).Info(msg, keysAndValues...)
}

func (l logger) WithCaller() Logger {
	return logger{Logger: l.Logger.WithCallDepth(1)}
}

func (l logger) WithValues(keysAndValues ...interface{}) Logger {
	return logger{Logger: l.Logger.WithValues(keysAndValues...)}
}

func (l logger) WithName(name string) Logger {
	return logger{Logger: l.Logger.WithName(name)}
}

func (l logger) GetLogger() logr.Logger {
	return l.Logger
}

// FromContext returns the logger stored inside the passed context,
// or the package logger when the context carries none
func FromContext(ctx context.Context) Logger {
	if l, ok := ctx.Value(loggerKey).(logger); ok {
		return l
	}
	return log
}

// IntoContext stores a logger inside a context
func IntoContext(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger{Logger: l.GetLogger()})
}

// SetupLogger ensures the given context carries a logger, creating
// one from the package logger when needed
func SetupLogger(ctx context.Context) (Logger, context.Context) {
	l := FromContext(ctx)
	return l, IntoContext(ctx, l)
}

// Enabled exposes the package logger state
func Enabled() bool { return log.Enabled() }

// Error logs through the package logger
func Error(err error, msg string, keysAndValues ...interface{}) {
	log.Error(err, msg, keysAndValues...)
}

// Warning logs through the package logger
func Warning(msg string, keysAndValues ...interface{}) {
	log.Warning(msg, keysAndValues...)
}

// Info logs through the package logger
func Info(msg string, keysAndValues ...interface{}) {
	log.Info(msg, keysAndValues...)
}

// Debug logs through the package logger
func Debug(msg string, keysAndValues ...interface{}) {
	log.Debug(msg, keysAndValues...)
}

// Trace logs through the package logger
func Trace(msg string, keysAndValues ...interface{}) {
	log.Trace(msg, keysAndValues...)
}

// WithValues returns the package logger enriched with the given pairs
func WithValues(keysAndValues ...interface{}) Logger {
	return log.WithValues(keysAndValues...)
}

// WithName returns the package logger with the given name appended
func WithName(name string) Logger {
	return log.WithName(name)
}
