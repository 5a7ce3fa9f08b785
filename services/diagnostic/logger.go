package diagnostic

import (
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Field is a strongly typed key/value pair understood by the logger.
type Field = zapcore.Field

// Logger is the structured logger handed to service diagnostic handlers.
type Logger interface {
	Error(msg string, ctx ...Field)
	Warn(msg string, ctx ...Field)
	Debug(msg string, ctx ...Field)
	Info(msg string, ctx ...Field)

	With(ctx ...Field) Logger
}

// zapLogger adapts *zap.Logger to the Logger interface. The wrapper is
// needed because zap's With returns *zap.Logger, not our interface.
type zapLogger struct {
	*zap.Logger
}

func (l zapLogger) With(ctx ...Field) Logger {
	return zapLogger{l.Logger.With(ctx...)}
}

func String(key, value string) Field {
	return zap.String(key, value)
}

func Strings(key string, values []string) Field {
	return zap.Strings(key, values)
}

func Bool(key string, value bool) Field {
	return zap.Bool(key, value)
}

func Int(key string, value int) Field {
	return zap.Int(key, value)
}

func Int64(key string, value int64) Field {
	return zap.Int64(key, value)
}

func Float64(key string, value float64) Field {
	return zap.Float64(key, value)
}

func Duration(key string, value time.Duration) Field {
	return zap.Duration(key, value)
}

func Time(key string, value time.Time) Field {
	return zap.Time(key, value)
}

// Error returns a field holding err under the conventional "err" key.
func Error(err error) Field {
	return zap.NamedError("err", err)
}
