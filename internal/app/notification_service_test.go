package app

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"nmtunnel/internal/bus"
	"nmtunnel/internal/config"
	"nmtunnel/internal/notifications"
	"nmtunnel/internal/vpn"
)

func TestNotificationService_NotifiesOnMeaningfulTransitions(t *testing.T) {
	env := newNotificationEnv(t, func(cfg *config.AppConfig) {
		cfg.Notifications.Enabled = true
		cfg.Notifications.ConnectionStatus = true
	})

	env.publish(vpn.Status{State: vpn.StateConnecting, Server: "NL#42"})
	env.publish(vpn.Status{State: vpn.StateConnected, Server: "NL#42"})
	env.publish(vpn.Status{State: vpn.StateDisconnecting, Server: "NL#42"})
	env.publish(vpn.Status{State: vpn.StateDisconnected, Server: "NL#42", Reason: "disconnect requested"})

	sent := env.sender.waitFor(t, 2)
	if sent[0].Title != "nmtunnel - connected" {
		t.Fatalf("unexpected first notification title: %q", sent[0].Title)
	}
	if sent[1].Title != "nmtunnel - disconnected" {
		t.Fatalf("unexpected second notification title: %q", sent[1].Title)
	}
	if sent[1].Content != "NL#42 (disconnect requested)" {
		t.Fatalf("unexpected notification content: %q", sent[1].Content)
	}
}

func TestNotificationService_DeduplicatesRepeatedStates(t *testing.T) {
	env := newNotificationEnv(t, func(cfg *config.AppConfig) {
		cfg.Notifications.Enabled = true
		cfg.Notifications.ConnectionStatus = true
	})

	env.publish(vpn.Status{State: vpn.StateConnected, Server: "NL#42"})
	env.publish(vpn.Status{State: vpn.StateConnected, Server: "NL#42"})
	env.publish(vpn.Status{State: vpn.StateConnected, Server: "NL#42"})

	sent := env.sender.waitFor(t, 1)
	time.Sleep(100 * time.Millisecond)
	if got := len(env.sender.snapshot()); got != len(sent) {
		t.Fatalf("expected repeated states deduplicated, got %d notifications", got)
	}
}

func TestNotificationService_RespectsDisabledPreference(t *testing.T) {
	env := newNotificationEnv(t, func(cfg *config.AppConfig) {
		cfg.Notifications.Enabled = false
	})

	env.publish(vpn.Status{State: vpn.StateConnected, Server: "NL#42"})

	time.Sleep(100 * time.Millisecond)
	if got := len(env.sender.snapshot()); got != 0 {
		t.Fatalf("expected no notifications when disabled, got %d", got)
	}
}

type notificationEnv struct {
	bus    *bus.PubSubBus
	sender *spySender
}

func newNotificationEnv(t *testing.T, mutate func(*config.AppConfig)) *notificationEnv {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	cfg := config.Default()
	if mutate != nil {
		mutate(&cfg)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := bus.New(logger)
	t.Cleanup(b.Close)

	sender := &spySender{}
	svc := NewNotificationService(b, func() config.AppConfig { return cfg }, sender, logger)
	svc.Start(ctx)

	// Give the subscriber goroutine time to attach before publishing.
	time.Sleep(20 * time.Millisecond)

	return &notificationEnv{bus: b, sender: sender}
}

func (env *notificationEnv) publish(status vpn.Status) {
	status.Timestamp = time.Now()
	env.bus.Publish(vpn.TopicStatus, status)
}

type spySender struct {
	mu   sync.Mutex
	sent []notifications.Payload
}

func (s *spySender) Send(payload notifications.Payload) {
	s.mu.Lock()
	s.sent = append(s.sent, payload)
	s.mu.Unlock()
}

func (s *spySender) snapshot() []notifications.Payload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]notifications.Payload(nil), s.sent...)
}

func (s *spySender) waitFor(t *testing.T, count int) []notifications.Payload {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if sent := s.snapshot(); len(sent) >= count {
			return sent
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %d notifications, got %d", count, len(s.snapshot()))
	return nil
}
