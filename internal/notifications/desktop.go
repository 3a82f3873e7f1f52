package notifications

import (
	"log/slog"

	"github.com/gen2brain/beeep"
)

// DesktopSender delivers notifications through the desktop environment's
// notification service.
type DesktopSender struct {
	logger *slog.Logger
}

func NewDesktopSender(logger *slog.Logger) *DesktopSender {
	if logger == nil {
		logger = slog.Default().With("component", "notifications")
	}

	return &DesktopSender{logger: logger}
}

func (s *DesktopSender) Send(payload Payload) {
	if err := beeep.Notify(payload.Title, payload.Content, ""); err != nil {
		s.logger.Warn("send desktop notification", "error", err)
	}
}
