package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"nmtunnel/internal/bus"
	"nmtunnel/internal/config"
	"nmtunnel/internal/notifications"
	"nmtunnel/internal/vpn"
)

// NotificationService listens to tunnel status events and emits user-facing
// desktop notifications on meaningful transitions.
type NotificationService struct {
	bus           bus.MessageBus
	currentConfig func() config.AppConfig
	sender        notifications.Sender
	logger        *slog.Logger

	mu           sync.Mutex
	lastState    vpn.State
	lastStateSet bool
}

func NewNotificationService(
	messageBus bus.MessageBus,
	currentConfig func() config.AppConfig,
	sender notifications.Sender,
	logger *slog.Logger,
) *NotificationService {
	if logger == nil {
		logger = slog.Default().With("component", "app.notifications")
	}

	return &NotificationService{
		bus:           messageBus,
		currentConfig: currentConfig,
		sender:        sender,
		logger:        logger,
	}
}

func (s *NotificationService) Start(ctx context.Context) {
	if s == nil || s.bus == nil || s.sender == nil {
		return
	}

	statusSub := s.bus.Subscribe(vpn.TopicStatus)

	go func() {
		defer s.bus.Unsubscribe(statusSub, vpn.TopicStatus)

		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-statusSub:
				if !ok {
					return
				}
				status, ok := raw.(vpn.Status)
				if !ok {
					continue
				}
				s.handleStatus(status)
			}
		}
	}()
}

func (s *NotificationService) handleStatus(status vpn.Status) {
	if status.State == "" {
		return
	}

	s.mu.Lock()
	if s.lastStateSet && s.lastState == status.State {
		s.mu.Unlock()

		return
	}
	s.lastState = status.State
	s.lastStateSet = true
	s.mu.Unlock()

	prefs := s.notificationPrefs()
	if !prefs.Enabled || !prefs.ConnectionStatus {
		return
	}

	switch status.State {
	case vpn.StateConnected, vpn.StateDisconnected, vpn.StateError:
	default:
		return
	}

	server := strings.TrimSpace(status.Server)
	if server == "" {
		server = "VPN"
	}
	content := server
	if reason := strings.TrimSpace(status.Reason); reason != "" {
		content = fmt.Sprintf("%s (%s)", server, reason)
	}

	s.sender.Send(notifications.Payload{
		Title:   fmt.Sprintf("%s - %s", Name, status.State),
		Content: content,
	})
}

func (s *NotificationService) notificationPrefs() config.NotificationConfig {
	cfg := config.Default()
	if s.currentConfig != nil {
		cfg = s.currentConfig()
		cfg.FillMissingDefaults()
	}

	return cfg.Notifications
}
