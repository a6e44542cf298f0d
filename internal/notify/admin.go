package notify

import (
	"context"
	"log/slog"
)

// AdminNotifier delivers short operational notices to the operators.
type AdminNotifier interface {
	Notify(ctx context.Context, text string) error
}

// LogNotifier writes notices to the log when no chat is configured.
type LogNotifier struct {
	Log *slog.Logger
}

func (n LogNotifier) Notify(_ context.Context, text string) error {
	n.Log.Warn("admin notice", "text", text)
	return nil
}
