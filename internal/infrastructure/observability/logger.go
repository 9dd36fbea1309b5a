package observability

import (
	"log/slog"
	"os"
)

func InitLogger(level slog.Level) {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})
	slog.SetDefault(slog.New(handler))
}

// SecurityEvent logs at warn level with a marker that alerting can filter on.
func SecurityEvent(msg string, attrs ...any) {
	slog.Warn(msg, append([]any{"security", true}, attrs...)...)
}
