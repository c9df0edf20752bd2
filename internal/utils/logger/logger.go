package logger

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type contextKey string

const LoggerKey = contextKey("logger")

var (
	mu           sync.RWMutex
	globalLogger *zap.SugaredLogger
)

// New builds a logger from configuration without touching the global one.
// New 根据配置构建日志记录器，不影响全局记录器。
func New(cfg LoggingConfig) (*zap.SugaredLogger, error) {
	level, err := zapcore.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zapcore.InfoLevel
	}

	writeSyncer := zapcore.Lock(zapcore.AddSync(os.Stderr))
	if cfg.Path != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0750); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		writeSyncer = zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		})
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	var encoder zapcore.Encoder
	switch cfg.Format {
	case "json":
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	default:
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	core := zapcore.NewCore(encoder, writeSyncer, level)
	return zap.New(core, zap.AddCaller()).Sugar(), nil
}

// Init initializes the global logger based on configuration.
// On failure the previous logger stays in place and a warning is logged.
// Init 根据配置初始化全局日志记录器。失败时保留原记录器并输出警告。
func Init(cfg LoggingConfig) {
	l, err := New(cfg)
	if err != nil {
		Get(nil).Warnf("[WARN]  Failed to initialize logger: %v", err)
		return
	}

	mu.Lock()
	globalLogger = l
	mu.Unlock()

	path := cfg.Path
	if path == "" {
		path = "stderr"
	}
	l.Debugf("[LOG] Logging initialized (Level: %s, Output: %s)", cfg.Level, path)
}

// Sync flushes any buffered log entries.
// Sync 刷新所有缓存的日志条目。
func Sync() error {
	mu.RLock()
	defer mu.RUnlock()
	if globalLogger != nil {
		return globalLogger.Sync()
	}
	return nil
}

// Get returns the logger from context or global logger
// Get 从 Context 或全局日志记录器返回 Logger。
func Get(ctx context.Context) *zap.SugaredLogger {
	if ctx != nil {
		if logger, ok := ctx.Value(LoggerKey).(*zap.SugaredLogger); ok {
			return logger
		}
	}

	mu.RLock()
	l := globalLogger
	mu.RUnlock()
	if l != nil {
		return l
	}

	// Fallback before Init: info level on stderr
	// Init 之前的后备：stderr 上的 info 级别
	fallback, err := New(LoggingConfig{Level: "info"})
	if err != nil {
		return zap.NewExample().Sugar()
	}
	mu.Lock()
	if globalLogger == nil {
		globalLogger = fallback
	}
	l = globalLogger
	mu.Unlock()
	return l
}

// WithContext adds logger to context
// WithContext 将 Logger 添加到 Context。
func WithContext(ctx context.Context, logger *zap.SugaredLogger) context.Context {
	return context.WithValue(ctx, LoggerKey, logger)
}

// Nop returns a logger that discards everything. Handy for tests.
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
