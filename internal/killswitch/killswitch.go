// Package killswitch blocks all traffic outside the tunnel by installing a
// NetworkManager dummy interface that captures the default route. While the
// tunnel is up its lower route metric wins; if the tunnel drops, traffic dead
// ends on the dummy device instead of leaking onto the physical link.
package killswitch

import (
	"fmt"
	"log/slog"

	"github.com/Wifx/gonetworkmanager/v2"
	"github.com/google/uuid"
)

const (
	connectionID   = "nmtunnel-killswitch"
	interfaceName  = "nmblock0"
	blockAddress   = "100.85.0.1"
	blockPrefix    = uint32(24)
	blockGateway   = "100.85.0.1"
	blockAddress6  = "fdeb:446c:912d:8da::1"
	blockPrefix6   = uint32(64)
	routeMetric    = int64(98)
	blockDNS       = uint32(0)
	dnsPriorityTop = int32(-1400)
)

// connectionStore is the slice of NetworkManager's settings API the kill
// switch needs. gonetworkmanager.Settings satisfies it.
type connectionStore interface {
	AddConnection(settings gonetworkmanager.ConnectionSettings) (gonetworkmanager.Connection, error)
	ListConnections() ([]gonetworkmanager.Connection, error)
}

type Manager struct {
	logger *slog.Logger
	store  connectionStore
}

func New(logger *slog.Logger) (*Manager, error) {
	settings, err := gonetworkmanager.NewSettings()
	if err != nil {
		return nil, fmt.Errorf("connect network manager settings: %w", err)
	}

	return NewWithStore(logger, settings), nil
}

func NewWithStore(logger *slog.Logger, store connectionStore) *Manager {
	if logger == nil {
		logger = slog.Default().With("component", "killswitch")
	}

	return &Manager{logger: logger, store: store}
}

// Enable installs the blocking connection. A permanent kill switch
// autoconnects, so it survives reboots and stays in place even when no tunnel
// is configured. Enabling twice is a no-op.
func (m *Manager) Enable(permanent bool) error {
	existing, err := m.find()
	if err != nil {
		return err
	}
	if existing != nil {
		m.logger.Debug("kill switch already present")
		return nil
	}

	if _, err := m.store.AddConnection(blockingSettings(permanent)); err != nil {
		return fmt.Errorf("add kill switch connection: %w", err)
	}
	m.logger.Info("kill switch enabled", "permanent", permanent)

	return nil
}

// Disable removes the blocking connection. Disabling when no kill switch is
// installed succeeds.
func (m *Manager) Disable() error {
	existing, err := m.find()
	if err != nil {
		return err
	}
	if existing == nil {
		return nil
	}

	if err := existing.Delete(); err != nil {
		return fmt.Errorf("remove kill switch connection: %w", err)
	}
	m.logger.Info("kill switch disabled")

	return nil
}

// Enabled reports whether the blocking connection is currently installed.
func (m *Manager) Enabled() (bool, error) {
	existing, err := m.find()
	if err != nil {
		return false, err
	}

	return existing != nil, nil
}

func (m *Manager) find() (gonetworkmanager.Connection, error) {
	connections, err := m.store.ListConnections()
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}

	for _, conn := range connections {
		settings, err := conn.GetSettings()
		if err != nil {
			continue
		}
		meta, ok := settings["connection"]
		if !ok {
			continue
		}
		if id, _ := meta["id"].(string); id == connectionID {
			return conn, nil
		}
	}

	return nil, nil
}

// blockingSettings describes a dummy device that owns a default route with a
// very low metric and an unreachable DNS server, so nothing escapes around
// the tunnel.
func blockingSettings(permanent bool) gonetworkmanager.ConnectionSettings {
	settings := make(gonetworkmanager.ConnectionSettings)
	settings["connection"] = map[string]interface{}{
		"id":             connectionID,
		"uuid":           uuid.NewString(),
		"type":           "dummy",
		"interface-name": interfaceName,
		"autoconnect":    permanent,
	}
	settings["ipv4"] = map[string]interface{}{
		"method": "manual",
		"address-data": []map[string]interface{}{
			{"address": blockAddress, "prefix": blockPrefix},
		},
		"gateway":      blockGateway,
		"route-metric": routeMetric,
		"dns":          []uint32{blockDNS},
		"dns-priority": dnsPriorityTop,
	}
	settings["ipv6"] = map[string]interface{}{
		"method": "manual",
		"address-data": []map[string]interface{}{
			{"address": blockAddress6, "prefix": blockPrefix6},
		},
		"gateway":      blockAddress6,
		"route-metric": routeMetric,
		"dns-priority": dnsPriorityTop,
	}

	return settings
}
