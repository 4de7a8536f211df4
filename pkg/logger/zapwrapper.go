package logger

import (
	"context"
	"os"
	"time"

	"go.uber.org/zap"
)

// Logger is the logging surface used across the service.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	Fatal(msg string, fields ...Field)
	With(fields ...Field) Logger
	WithContext(ctx context.Context) Logger
	Sync() error
}

type loggerImpl struct {
	zapLogger *zap.Logger
}

var globalLogger Logger

// LogInterceptor receives every log entry before it is written, so external
// sinks (New Relic) can forward them.
type LogInterceptor interface {
	InterceptLogWithFields(entry Entry, fields []Field)
}

// InterceptorCore wraps a zapcore.Core and hands entries to an interceptor.
type InterceptorCore struct {
	Core
	Interceptor LogInterceptor
}

func (c *InterceptorCore) Check(ent Entry, ce *CheckedEntry) *CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *InterceptorCore) Write(ent Entry, fields []Field) error {
	if c.Interceptor != nil {
		c.Interceptor.InterceptLogWithFields(ent, fields)
	}
	return c.Core.Write(ent, fields)
}

func (c *InterceptorCore) With(fields []Field) Core {
	return &InterceptorCore{
		Core:        c.Core.With(fields),
		Interceptor: c.Interceptor,
	}
}

// Init installs the given zap logger as the global logger.
func Init(logger *zap.Logger) {
	globalLogger = &loggerImpl{zapLogger: logger}
}

// InitWithInterceptor initializes the global logger with entry interception.
func InitWithInterceptor(interceptor LogInterceptor) {
	config := zap.NewProductionConfig()
	config.OutputPaths = []string{"stdout"}
	config.ErrorOutputPaths = []string{"stderr"}
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = ISO8601TimeEncoder

	core := NewCore(
		NewJSONEncoder(config.EncoderConfig),
		AddSync(os.Stdout),
		zap.InfoLevel,
	)

	zapLogger := zap.New(&InterceptorCore{
		Core:        core,
		Interceptor: interceptor,
	})
	Init(zapLogger)
	zap.ReplaceGlobals(zapLogger)
}

// InitDefault initializes a plain production logger.
func InitDefault() {
	config := zap.NewProductionConfig()
	config.OutputPaths = []string{"stdout"}
	config.ErrorOutputPaths = []string{"stderr"}
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = ISO8601TimeEncoder

	zapLogger, err := config.Build()
	if err != nil {
		zapLogger = zap.NewExample()
	}

	Init(zapLogger)
	zap.ReplaceGlobals(zapLogger)
}

// L returns the global logger, initializing the default one on first use.
func L() Logger {
	if globalLogger == nil {
		InitDefault()
	}
	return globalLogger
}

type contextKey string

const traceIDKey contextKey = "trace_id"

// WithTraceID stores a request/operation trace id in the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// GetTraceIDFromContext extracts the trace id stored by WithTraceID.
func GetTraceIDFromContext(ctx context.Context) (string, bool) {
	traceID, ok := ctx.Value(traceIDKey).(string)
	return traceID, ok
}

func Debug(ctx context.Context, msg string, fields ...Field) {
	WithContext(ctx).Debug(msg, fields...)
}

func Info(ctx context.Context, msg string, fields ...Field) {
	WithContext(ctx).Info(msg, fields...)
}

func Warn(ctx context.Context, msg string, fields ...Field) {
	WithContext(ctx).Warn(msg, fields...)
}

func Error(ctx context.Context, msg string, fields ...Field) {
	WithContext(ctx).Error(msg, fields...)
}

func Fatal(ctx context.Context, msg string, fields ...Field) {
	WithContext(ctx).Fatal(msg, fields...)
}

func With(fields ...Field) Logger {
	return L().With(fields...)
}

func WithContext(ctx context.Context) Logger {
	return L().WithContext(ctx)
}

func Sync() error {
	return L().Sync()
}

// Field constructors.

func String(key string, val string) Field {
	return zap.String(key, val)
}

func Int(key string, val int) Field {
	return zap.Int(key, val)
}

func Int64(key string, val int64) Field {
	return zap.Int64(key, val)
}

func Uint64(key string, val uint64) Field {
	return zap.Uint64(key, val)
}

func Float64(key string, val float64) Field {
	return zap.Float64(key, val)
}

func Bool(key string, val bool) Field {
	return zap.Bool(key, val)
}

func Any(key string, val interface{}) Field {
	return zap.Any(key, val)
}

func ErrorField(err error) Field {
	return zap.Error(err)
}

func Duration(key string, val time.Duration) Field {
	return zap.Duration(key, val)
}

func (l *loggerImpl) Debug(msg string, fields ...Field) {
	l.zapLogger.Debug(msg, fields...)
}

func (l *loggerImpl) Info(msg string, fields ...Field) {
	l.zapLogger.Info(msg, fields...)
}

func (l *loggerImpl) Warn(msg string, fields ...Field) {
	l.zapLogger.Warn(msg, fields...)
}

func (l *loggerImpl) Error(msg string, fields ...Field) {
	l.zapLogger.Error(msg, fields...)
}

func (l *loggerImpl) Fatal(msg string, fields ...Field) {
	l.zapLogger.Fatal(msg, fields...)
}

func (l *loggerImpl) With(fields ...Field) Logger {
	return &loggerImpl{zapLogger: l.zapLogger.With(fields...)}
}

func (l *loggerImpl) WithContext(ctx context.Context) Logger {
	if traceID, ok := GetTraceIDFromContext(ctx); ok {
		return &loggerImpl{zapLogger: l.zapLogger.With(zap.String("trace_id", traceID))}
	}
	return l
}

func (l *loggerImpl) Sync() error {
	return l.zapLogger.Sync()
}
