package logging

import (
	"context"
	"log/slog"

	"chainid/core/tracker"
	"chainid/observability"
)

// Notifier writes every settled action to logger. Failures log at WARN or
// ERROR depending on their severity.
func Notifier(logger *slog.Logger) tracker.Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "tracker")
	return tracker.NotifierFunc(func(ctx context.Context, n tracker.Notification) {
		level := slog.LevelInfo
		switch n.Severity {
		case tracker.SeverityWarning:
			level = slog.LevelWarn
		case tracker.SeverityError:
			level = slog.LevelError
		}
		attrs := []any{
			"key", n.Key,
			"ticket", n.TicketID,
			"state", n.State.String(),
		}
		if n.Reason != "" {
			attrs = append(attrs, "reason", n.Reason)
		}
		if n.Err != nil {
			attrs = append(attrs, "error", n.Err.Error())
		}
		logger.Log(ctx, level, n.Message, attrs...)
		observability.Notifications().RecordDelivered("log", string(n.Severity))
	})
}
