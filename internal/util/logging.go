package util

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

type loggerKey struct{}

var logLevels = map[string]slog.Level{
	"debug":    slog.LevelDebug,
	"info":     slog.LevelInfo,
	"warn":     slog.LevelWarn,
	"warning":  slog.LevelWarn,
	"error":    slog.LevelError,
	"critical": slog.LevelError,
}

// InitLogger installs a JSON slog logger tagged with service as the process
// default. Unknown levels fall back to info.
func InitLogger(service, level string) *slog.Logger {
	lvl, ok := logLevels[strings.ToLower(strings.TrimSpace(level))]
	if !ok {
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     lvl,
		AddSource: true,
	})).With("service", service)
	slog.SetDefault(logger)
	return logger
}

// WithLogger returns a copy of ctx carrying logger.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFromContext returns the logger stored by WithLogger, else slog.Default().
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if ctx == nil {
		return slog.Default()
	}
	if logger, _ := ctx.Value(loggerKey{}).(*slog.Logger); logger != nil {
		return logger
	}
	return slog.Default()
}
