// Package logger は log/slog ベースのロガーを構築します。
package logger

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
)

// Options はロガーの設定です。
type Options struct {
	Level  string    // debug, info, warn, error
	Format string    // console, json
	Output io.Writer // 省略時は標準出力
}

// New は設定に応じたハンドラーで slog.Logger を作成します。
func New(opts Options) *slog.Logger {
	level := ParseLevel(opts.Level)
	writer := opts.Output
	if writer == nil {
		writer = os.Stdout
	}

	var handler slog.Handler
	switch opts.Format {
	case "json":
		handler = slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: level})
	default:
		handler = tint.NewHandler(writer, &tint.Options{
			Level:      level,
			TimeFormat: time.RFC3339,
			NoColor:    writer != os.Stdout && writer != os.Stderr,
		})
	}
	return slog.New(handler)
}

// ParseLevel は文字列のレベルを slog.Level に変換します。不明な値は info になります。
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// GinMiddleware はリクエストごとにアクセスログを出力します。
func GinMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		attrs := []any{
			slog.Int("status", c.Writer.Status()),
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.String("ip", c.ClientIP()),
			slog.Duration("latency", time.Since(start)),
			slog.Int("body_size", c.Writer.Size()),
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, slog.String("errors", c.Errors.String()))
		}
		if c.Writer.Status() >= 500 {
			logger.Error("HTTP Request", attrs...)
			return
		}
		logger.Info("HTTP Request", attrs...)
	}
}
