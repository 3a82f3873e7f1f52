package nmclient

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
)

const (
	nmObjectPath       = "/org/freedesktop/NetworkManager"
	nmSettingsPath     = "/org/freedesktop/NetworkManager/Settings"
	nmSettingsIface    = "org.freedesktop.NetworkManager.Settings"
	propertiesIface    = "org.freedesktop.DBus.Properties"
	propertiesChanged  = "PropertiesChanged"
	connectionRemoved  = "ConnectionRemoved"
	signalChanCapacity = 64
)

// signalPump subscribes to the D-Bus signals that indicate NetworkManager's
// view of connections changed and calls reconcile for each. It deliberately
// does not try to decode signal bodies: reconciliation re-reads the state
// through the normal query path, so a spurious wakeup costs one poll.
type signalPump struct {
	logger    *slog.Logger
	conn      *dbus.Conn
	signals   chan *dbus.Signal
	reconcile func()
	closeOnce sync.Once
}

func newSignalPump(logger *slog.Logger, reconcile func()) (*signalPump, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect system bus: %w", err)
	}

	if err := conn.AddMatchSignal(
		dbus.WithMatchObjectPath(nmObjectPath),
		dbus.WithMatchInterface(propertiesIface),
		dbus.WithMatchMember(propertiesChanged),
	); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("subscribe to state changes: %w", err)
	}
	if err := conn.AddMatchSignal(
		dbus.WithMatchObjectPath(nmSettingsPath),
		dbus.WithMatchInterface(nmSettingsIface),
		dbus.WithMatchMember(connectionRemoved),
	); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("subscribe to connection removals: %w", err)
	}

	signals := make(chan *dbus.Signal, signalChanCapacity)
	conn.Signal(signals)

	return &signalPump{
		logger:    logger,
		conn:      conn,
		signals:   signals,
		reconcile: reconcile,
	}, nil
}

func (p *signalPump) start(wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.run()
	}()
}

func (p *signalPump) run() {
	for signal := range p.signals {
		if !p.relevant(signal) {
			continue
		}
		p.logger.Debug("network manager signal", "name", signal.Name, "path", signal.Path)
		p.reconcile()
	}
}

func (p *signalPump) relevant(signal *dbus.Signal) bool {
	switch {
	case strings.HasSuffix(signal.Name, "."+propertiesChanged):
		return true
	case signal.Name == nmSettingsIface+"."+connectionRemoved:
		return true
	default:
		return false
	}
}

func (p *signalPump) close() {
	p.closeOnce.Do(func() {
		// Closing the connection terminates godbus's signal handler, which
		// closes every registered channel. run exits its range loop there;
		// closing the channel ourselves could race an in-flight delivery.
		_ = p.conn.Close()
	})
}
