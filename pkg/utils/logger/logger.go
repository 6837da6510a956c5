package logger

import (
	"context"
	"fmt"
	"os"
	"time"

	"autograde/pkg/utils/contextkey"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var globalLogger *Logger

// Logger wraps a zap logger and decorates every entry with the grading ids found in ctx.
type Logger struct {
	zap *zap.Logger
}

// Config holds logger configuration
type Config struct {
	Level      string `yaml:"level"`      // debug, info, warn, error
	Format     string `yaml:"format"`     // json, console
	OutputPath string `yaml:"outputPath"` // file path, "stdout" or "stderr"
	Service    string `yaml:"service"`
}

// contextFields lists the context keys copied onto log entries, in output order.
var contextFields = []struct {
	key  any
	name string
}{
	{contextkey.TraceID, "trace_id"},
	{contextkey.SubmissionID, "submission_id"},
	{contextkey.Handle, "handle"},
}

// Init initializes the global logger
func Init(cfg Config) error {
	l, err := NewLogger(cfg)
	if err != nil {
		return err
	}
	globalLogger = l
	return nil
}

// NewLogger builds a logger from cfg. Console output is colored, json output is not.
func NewLogger(cfg Config) (*Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("invalid log level: %w", err)
		}
	}

	sink, err := openSink(cfg.OutputPath)
	if err != nil {
		return nil, err
	}

	core := zapcore.NewCore(newEncoder(cfg.Format), sink, level)
	opts := []zap.Option{zap.AddCaller(), zap.AddCallerSkip(1), zap.AddStacktrace(zapcore.ErrorLevel)}
	if cfg.Service != "" {
		opts = append(opts, zap.Fields(zap.String("service", cfg.Service)))
	}
	return &Logger{zap: zap.New(core, opts...)}, nil
}

func newEncoder(format string) zapcore.Encoder {
	encCfg := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     rfc3339Encoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	switch format {
	case "json":
		return zapcore.NewJSONEncoder(encCfg)
	default:
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return zapcore.NewConsoleEncoder(encCfg)
	}
}

func openSink(path string) (zapcore.WriteSyncer, error) {
	switch path {
	case "", "stdout":
		return zapcore.Lock(os.Stdout), nil
	case "stderr":
		return zapcore.Lock(os.Stderr), nil
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", path, err)
	}
	return zapcore.AddSync(file), nil
}

// ReplaceForTest installs a logger built on core and returns a function restoring the previous one.
func ReplaceForTest(core zapcore.Core) func() {
	prev := globalLogger
	globalLogger = &Logger{zap: zap.New(core)}
	return func() {
		globalLogger = prev
	}
}

func rfc3339Encoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.Format(time.RFC3339))
}

func (l *Logger) Sync() error {
	return l.zap.Sync()
}

// WithContext returns a zap logger carrying the ids stored in ctx.
func (l *Logger) WithContext(ctx context.Context) *zap.Logger {
	if fields := fieldsFrom(ctx); len(fields) > 0 {
		return l.zap.With(fields...)
	}
	return l.zap
}

func fieldsFrom(ctx context.Context) []zap.Field {
	if ctx == nil {
		return nil
	}
	var fields []zap.Field
	for _, f := range contextFields {
		if v := ctx.Value(f.key); v != nil {
			fields = append(fields, zap.String(f.name, fmt.Sprint(v)))
		}
	}
	return fields
}

func log(ctx context.Context, level zapcore.Level, msg string, fields []zap.Field) {
	if globalLogger == nil {
		return
	}
	// skip log and its exported wrapper
	l := globalLogger.WithContext(ctx).WithOptions(zap.AddCallerSkip(1))
	if ce := l.Check(level, msg); ce != nil {
		ce.Write(fields...)
	}
}

func Debug(ctx context.Context, msg string, fields ...zap.Field) {
	log(ctx, zapcore.DebugLevel, msg, fields)
}

func Info(ctx context.Context, msg string, fields ...zap.Field) {
	log(ctx, zapcore.InfoLevel, msg, fields)
}

func Warn(ctx context.Context, msg string, fields ...zap.Field) {
	log(ctx, zapcore.WarnLevel, msg, fields)
}

func Error(ctx context.Context, msg string, fields ...zap.Field) {
	log(ctx, zapcore.ErrorLevel, msg, fields)
}

// Sync flushes the global logger
func Sync() error {
	if globalLogger == nil {
		return nil
	}
	return globalLogger.Sync()
}
