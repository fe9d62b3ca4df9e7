package logger

import (
	"context"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Context keys the request middleware and the trace layer put values under.
const (
	TraceIdKey   = "trace_id"
	RequestIdKey = "request_id"
)

// Log is the process-wide logger. It is a no-op until Init is called so
// packages can log from tests without setup.
var Log = zap.NewNop()

// Init builds the JSON logger for serviceName at the given level, writing to
// stdout and logs/{serviceName}.log.
func Init(serviceName string, level string) {
	InitWithFile(serviceName, level, "")
}

// InitWithFile is Init with an explicit log file. An empty logFile means
// logs/{serviceName}.log; "-" disables the file sink.
func InitWithFile(serviceName string, level string, logFile string) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		zapLevel = zap.InfoLevel
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	encoderConfig.MessageKey = "msg"

	writeSyncers := []zapcore.WriteSyncer{zapcore.AddSync(os.Stdout)}

	if logFile == "" {
		logFile = filepath.Join("logs", serviceName+".log")
	}
	if logFile != "-" {
		// a missing log dir only costs us the file sink
		if err := os.MkdirAll(filepath.Dir(logFile), 0755); err == nil {
			if file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644); err == nil {
				writeSyncers = append(writeSyncers, zapcore.AddSync(file))
			}
		}
	}

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.NewMultiWriteSyncer(writeSyncers...),
		zapLevel,
	)

	// skip 1: every call goes through the helpers below
	Log = zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)).
		With(zap.String("service", serviceName))
}

func Info(ctx context.Context, msg string, fields ...zap.Field) {
	Log.Info(msg, withContext(ctx, fields)...)
}

func Error(ctx context.Context, msg string, fields ...zap.Field) {
	Log.Error(msg, withContext(ctx, fields)...)
}

func Warn(ctx context.Context, msg string, fields ...zap.Field) {
	Log.Warn(msg, withContext(ctx, fields)...)
}

func Debug(ctx context.Context, msg string, fields ...zap.Field) {
	Log.Debug(msg, withContext(ctx, fields)...)
}

// Fatal logs and exits the process.
func Fatal(ctx context.Context, msg string, fields ...zap.Field) {
	Log.Fatal(msg, withContext(ctx, fields)...)
}

// withContext appends trace_id and request_id when the context carries them.
func withContext(ctx context.Context, fields []zap.Field) []zap.Field {
	if ctx == nil {
		return fields
	}
	if traceID, ok := ctx.Value(TraceIdKey).(string); ok && traceID != "" {
		fields = append(fields, zap.String(TraceIdKey, traceID))
	}
	if reqID, ok := ctx.Value(RequestIdKey).(string); ok && reqID != "" {
		fields = append(fields, zap.String(RequestIdKey, reqID))
	}
	return fields
}

// Sync flushes buffered entries; defer it in main.
func Sync() {
	if Log != nil {
		_ = Log.Sync()
	}
}
