package killswitch

import (
	"io"
	"log/slog"
	"testing"

	"github.com/Wifx/gonetworkmanager/v2"
)

func TestEnable_AddsBlockingConnection(t *testing.T) {
	store := &fakeStore{}
	m := NewWithStore(testLogger(), store)

	if err := m.Enable(false); err != nil {
		t.Fatalf("enable kill switch: %v", err)
	}

	if len(store.added) != 1 {
		t.Fatalf("expected 1 added connection, got %d", len(store.added))
	}
	settings := store.added[0]
	if settings["connection"]["id"] != connectionID {
		t.Fatalf("unexpected connection id: %v", settings["connection"]["id"])
	}
	if settings["connection"]["type"] != "dummy" {
		t.Fatalf("unexpected connection type: %v", settings["connection"]["type"])
	}
	if settings["connection"]["autoconnect"] != false {
		t.Fatalf("expected non-permanent kill switch without autoconnect")
	}
	if settings["ipv4"]["route-metric"] != routeMetric {
		t.Fatalf("unexpected route metric: %v", settings["ipv4"]["route-metric"])
	}
}

func TestEnable_PermanentAutoconnects(t *testing.T) {
	store := &fakeStore{}
	m := NewWithStore(testLogger(), store)

	if err := m.Enable(true); err != nil {
		t.Fatalf("enable permanent kill switch: %v", err)
	}

	if store.added[0]["connection"]["autoconnect"] != true {
		t.Fatalf("expected permanent kill switch to autoconnect")
	}
}

func TestEnable_AlreadyPresentIsNoop(t *testing.T) {
	store := &fakeStore{}
	m := NewWithStore(testLogger(), store)

	if err := m.Enable(false); err != nil {
		t.Fatalf("first enable: %v", err)
	}
	if err := m.Enable(false); err != nil {
		t.Fatalf("second enable: %v", err)
	}

	if len(store.added) != 1 {
		t.Fatalf("expected second enable to be a no-op, got %d connections", len(store.added))
	}
}

func TestDisable_RemovesBlockingConnection(t *testing.T) {
	store := &fakeStore{}
	m := NewWithStore(testLogger(), store)

	if err := m.Enable(false); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if err := m.Disable(); err != nil {
		t.Fatalf("disable: %v", err)
	}

	enabled, err := m.Enabled()
	if err != nil {
		t.Fatalf("enabled check: %v", err)
	}
	if enabled {
		t.Fatalf("expected kill switch gone after disable")
	}
}

func TestDisable_MissingIsNoop(t *testing.T) {
	m := NewWithStore(testLogger(), &fakeStore{})

	if err := m.Disable(); err != nil {
		t.Fatalf("disable without kill switch: %v", err)
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeStore struct {
	added []gonetworkmanager.ConnectionSettings
}

func (s *fakeStore) AddConnection(settings gonetworkmanager.ConnectionSettings) (gonetworkmanager.Connection, error) {
	s.added = append(s.added, settings)
	return &fakeConnection{store: s, settings: settings}, nil
}

func (s *fakeStore) ListConnections() ([]gonetworkmanager.Connection, error) {
	conns := make([]gonetworkmanager.Connection, 0, len(s.added))
	for _, settings := range s.added {
		conns = append(conns, &fakeConnection{store: s, settings: settings})
	}
	return conns, nil
}

func (s *fakeStore) remove(settings gonetworkmanager.ConnectionSettings) {
	kept := s.added[:0]
	for _, candidate := range s.added {
		if candidate["connection"]["id"] != settings["connection"]["id"] {
			kept = append(kept, candidate)
		}
	}
	s.added = kept
}

// fakeConnection implements only the methods the kill switch touches; the
// embedded interface covers the rest.
type fakeConnection struct {
	gonetworkmanager.Connection
	store    *fakeStore
	settings gonetworkmanager.ConnectionSettings
}

func (c *fakeConnection) GetSettings() (gonetworkmanager.ConnectionSettings, error) {
	out := make(gonetworkmanager.ConnectionSettings, len(c.settings))
	for section, values := range c.settings {
		out[section] = map[string]interface{}{}
		for key, value := range values {
			out[section][key] = value
		}
	}
	return out, nil
}

func (c *fakeConnection) Delete() error {
	c.store.remove(c.settings)
	return nil
}
