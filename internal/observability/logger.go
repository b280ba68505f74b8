// Package observability provides logging for nvrd.
package observability

import (
	"io"
	"log/slog"
	"os"
	"regexp"

	"github.com/m-mizutani/masq"

	"github.com/openhaus/nvrd/internal/config"
)

// Camera passwords travel both as query parameters and as RTSP userinfo;
// both shapes are redacted from every logged string.
var (
	urlSensitiveParamPattern = regexp.MustCompile(`(?i)(password|passwd)=([^&\s"']+)`)
	rtspUserinfoPattern      = regexp.MustCompile(`(rtsp://[^:/\s]+):([^@/\s]+)@`)
)

// GlobalLogLevel is the shared log level that can be changed at runtime.
var GlobalLogLevel = &slog.LevelVar{}

// NewLogger creates a new slog.Logger based on the provided configuration.
func NewLogger(cfg config.LoggingConfig) *slog.Logger {
	return NewLoggerWithWriter(cfg, os.Stderr)
}

// sensitiveFieldRedactor creates a masq redactor for sensitive field names.
func sensitiveFieldRedactor() func(groups []string, a slog.Attr) slog.Attr {
	return masq.New(
		masq.WithFieldName("passwd"),
		masq.WithFieldName("Passwd"),
		masq.WithFieldName("password"),
		masq.WithFieldName("Password"),
		masq.WithFieldName("secret"),
		masq.WithFieldName("Secret"),
	)
}

// redactURLParams redacts credentials embedded in URL strings.
func redactURLParams(s string) string {
	s = urlSensitiveParamPattern.ReplaceAllString(s, "$1=[REDACTED]")
	return rtspUserinfoPattern.ReplaceAllString(s, "$1:[REDACTED]@")
}

// NewLoggerWithWriter creates a new slog.Logger that writes to the provided
// writer. Sensitive fields and URL-embedded credentials are redacted before
// any record is emitted.
func NewLoggerWithWriter(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	GlobalLogLevel.Set(parseLevel(cfg.Level))
	redactor := sensitiveFieldRedactor()

	opts := &slog.HandlerOptions{
		Level: GlobalLogLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			a = redactor(groups, a)
			if a.Value.Kind() == slog.KindString {
				str := a.Value.String()
				if redacted := redactURLParams(str); redacted != str {
					a = slog.String(a.Key, redacted)
				}
			}
			return a
		},
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// parseLevel converts a string log level to slog.Level.
func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetLogLevel changes the global log level at runtime.
func SetLogLevel(level string) {
	GlobalLogLevel.Set(parseLevel(level))
}
