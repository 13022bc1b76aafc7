package util

import "log/slog"

// LogDelivery runs send and logs whether the delivery of kind succeeded.
// Extra attrs are attached to both outcomes.
func LogDelivery(kind string, send func() error, attrs ...any) {
	attrs = append([]any{"type", kind}, attrs...)
	if err := send(); err != nil {
		slog.Error("notification failed", append(attrs, "error", err)...)
		return
	}
	slog.Info("notification sent", attrs...)
}
