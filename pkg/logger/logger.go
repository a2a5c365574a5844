// Package logger структурированное логирование ядра сигнализации.
//
// API повторяет StructuredLogger из пакета dialog, бэкенд - zerolog.
package logger

import (
	"context"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// LogLevel уровни логирования
type LogLevel int32

const (
	LogLevelTrace LogLevel = iota
	LogLevelDebug
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

var logLevelNames = map[LogLevel]string{
	LogLevelTrace: "TRACE",
	LogLevelDebug: "DEBUG",
	LogLevelInfo:  "INFO",
	LogLevelWarn:  "WARN",
	LogLevelError: "ERROR",
}

func (l LogLevel) String() string {
	if name, ok := logLevelNames[l]; ok {
		return name
	}
	return "UNKNOWN"
}

// ParseLevel разбирает уровень из конфигурации, неизвестное значение - Info
func ParseLevel(s string) LogLevel {
	for level, name := range logLevelNames {
		if strings.EqualFold(name, s) {
			return level
		}
	}
	return LogLevelInfo
}

func (l LogLevel) zerolog() zerolog.Level {
	switch l {
	case LogLevelTrace:
		return zerolog.TraceLevel
	case LogLevelDebug:
		return zerolog.DebugLevel
	case LogLevelWarn:
		return zerolog.WarnLevel
	case LogLevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// StructuredLogger интерфейс для структурированного логирования
type StructuredLogger interface {
	Trace(ctx context.Context, msg string, fields ...Field)
	Debug(ctx context.Context, msg string, fields ...Field)
	Info(ctx context.Context, msg string, fields ...Field)
	Warn(ctx context.Context, msg string, fields ...Field)
	Error(ctx context.Context, msg string, fields ...Field)

	// LogError логирует ошибку, для кодированных ошибок добавляет код и категорию
	LogError(ctx context.Context, err error, msg string, fields ...Field)

	WithComponent(component string) StructuredLogger
	WithFields(fields ...Field) StructuredLogger

	SetLevel(level LogLevel)
	IsEnabled(level LogLevel) bool
}

// Field представляет поле лога
type Field struct {
	Key   string
	Value interface{}
}

func String(key, value string) Field                 { return Field{key, value} }
func Int(key string, value int) Field                { return Field{key, value} }
func Bool(key string, value bool) Field              { return Field{key, value} }
func Duration(key string, value time.Duration) Field { return Field{key, value} }
func Any(key string, value interface{}) Field        { return Field{key, value} }
func Err(err error) Field                            { return Field{"error", err} }

// codedError ошибка с кодом и категорией (jingle.SignalingError)
type codedError interface {
	error
	ErrorCode() string
	ErrorCategory() string
}

// Options настройки логгера
type Options struct {
	Level   LogLevel
	Output  io.Writer
	Console bool
}

// ZerologLogger реализация StructuredLogger поверх zerolog
type ZerologLogger struct {
	zl    zerolog.Logger
	level *atomic.Int32
}

// New создает логгер
func New(opts Options) *ZerologLogger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	if opts.Console {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05.000"}
	}

	level := &atomic.Int32{}
	level.Store(int32(opts.Level))

	return &ZerologLogger{
		zl:    zerolog.New(out).Level(zerolog.TraceLevel).With().Timestamp().Logger(),
		level: level,
	}
}

// NewDefault создает JSON логгер уровня Info в stderr
func NewDefault() *ZerologLogger {
	return New(Options{Level: LogLevelInfo})
}

func (l *ZerologLogger) SetLevel(level LogLevel) {
	l.level.Store(int32(level))
}

func (l *ZerologLogger) IsEnabled(level LogLevel) bool {
	return int32(level) >= l.level.Load()
}

func (l *ZerologLogger) WithComponent(component string) StructuredLogger {
	return &ZerologLogger{
		zl:    l.zl.With().Str("component", component).Logger(),
		level: l.level,
	}
}

func (l *ZerologLogger) WithFields(fields ...Field) StructuredLogger {
	ctx := l.zl.With()
	for _, f := range fields {
		ctx = ctx.Interface(f.Key, f.Value)
	}
	return &ZerologLogger{zl: ctx.Logger(), level: l.level}
}

func (l *ZerologLogger) Trace(ctx context.Context, msg string, fields ...Field) {
	l.log(LogLevelTrace, msg, nil, fields)
}

func (l *ZerologLogger) Debug(ctx context.Context, msg string, fields ...Field) {
	l.log(LogLevelDebug, msg, nil, fields)
}

func (l *ZerologLogger) Info(ctx context.Context, msg string, fields ...Field) {
	l.log(LogLevelInfo, msg, nil, fields)
}

func (l *ZerologLogger) Warn(ctx context.Context, msg string, fields ...Field) {
	l.log(LogLevelWarn, msg, nil, fields)
}

func (l *ZerologLogger) Error(ctx context.Context, msg string, fields ...Field) {
	l.log(LogLevelError, msg, nil, fields)
}

func (l *ZerologLogger) LogError(ctx context.Context, err error, msg string, fields ...Field) {
	if ce, ok := err.(codedError); ok {
		fields = append(fields,
			String("error_code", ce.ErrorCode()),
			String("error_category", ce.ErrorCategory()),
		)
	}
	l.log(LogLevelError, msg, err, fields)
}

func (l *ZerologLogger) log(level LogLevel, msg string, err error, fields []Field) {
	if !l.IsEnabled(level) {
		return
	}

	e := l.zl.WithLevel(level.zerolog())
	for _, f := range fields {
		if fe, ok := f.Value.(error); ok {
			e = e.AnErr(f.Key, fe)
			continue
		}
		e = e.Interface(f.Key, f.Value)
	}
	if err != nil {
		e = e.Err(err)
	}
	e.Msg(msg)
}

// NoOpLogger логгер-заглушка для тестов
type NoOpLogger struct{}

func (NoOpLogger) Trace(ctx context.Context, msg string, fields ...Field)               {}
func (NoOpLogger) Debug(ctx context.Context, msg string, fields ...Field)               {}
func (NoOpLogger) Info(ctx context.Context, msg string, fields ...Field)                {}
func (NoOpLogger) Warn(ctx context.Context, msg string, fields ...Field)                {}
func (NoOpLogger) Error(ctx context.Context, msg string, fields ...Field)               {}
func (NoOpLogger) LogError(ctx context.Context, err error, msg string, fields ...Field) {}
func (NoOpLogger) WithComponent(component string) StructuredLogger                        { return NoOpLogger{} }
func (NoOpLogger) WithFields(fields ...Field) StructuredLogger                            { return NoOpLogger{} }
func (NoOpLogger) SetLevel(level LogLevel)       {}
func (NoOpLogger) IsEnabled(level LogLevel) bool { return false }

var defaultLogger StructuredLogger = NewDefault()

// SetDefaultLogger устанавливает глобальный logger
func SetDefaultLogger(l StructuredLogger) {
	defaultLogger = l
}

// GetDefaultLogger возвращает глобальный logger
func GetDefaultLogger() StructuredLogger {
	return defaultLogger
}
