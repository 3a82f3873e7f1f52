// Package nmclient is the adapter between the tunnel state machine and
// NetworkManager. Every blocking D-Bus round-trip runs on a single dedicated
// worker goroutine, so callers are never blocked on bus latency longer than
// their context allows, and NetworkManager is never called concurrently.
package nmclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Wifx/gonetworkmanager/v2"

	"nmtunnel/internal/vpn"
)

const (
	pollInterval = 300 * time.Millisecond

	nmActiveConnectionStateActivating   = 1
	nmActiveConnectionStateActivated    = 2
	nmActiveConnectionStateDeactivating = 3
	nmActiveConnectionStateDeactivated  = 4
)

var ErrClosed = errors.New("nm client closed")

// Client is the minimal NetworkManager surface the state machine needs.
// Activate and Deactivate block until the device comes up or goes down; the
// caller bounds them with a context deadline.
type Client interface {
	Create(ctx context.Context, params vpn.Parameters) (vpn.Handle, error)
	Activate(ctx context.Context, handle vpn.Handle) error
	Deactivate(ctx context.Context, handle vpn.Handle) error
	Remove(ctx context.Context, handle vpn.Handle) error
	QueryState(ctx context.Context, handle vpn.Handle) (vpn.HandleState, error)
	Watch(handle vpn.Handle)
	Unwatch(handle vpn.Handle)
	Events() <-chan vpn.DeviceEvent
	Close() error
}

type request struct {
	name   string
	fn     func() (any, error)
	result chan response
}

type response struct {
	value any
	err   error
}

// NMClient drives NetworkManager through gonetworkmanager plus a raw D-Bus
// signal subscription for asynchronous state changes.
type NMClient struct {
	logger   *slog.Logger
	nm       gonetworkmanager.NetworkManager
	settings gonetworkmanager.Settings

	requests chan request
	events   chan vpn.DeviceEvent
	stop     chan struct{}
	wg       sync.WaitGroup

	pump *signalPump

	watchMu sync.Mutex
	watched map[vpn.Handle]vpn.HandleState

	closeOnce sync.Once
}

func New(logger *slog.Logger) (*NMClient, error) {
	if logger == nil {
		logger = slog.Default().With("component", "nmclient")
	}

	nm, err := gonetworkmanager.NewNetworkManager()
	if err != nil {
		return nil, fmt.Errorf("connect network manager: %w", err)
	}
	settings, err := gonetworkmanager.NewSettings()
	if err != nil {
		return nil, fmt.Errorf("connect network manager settings: %w", err)
	}

	c := &NMClient{
		logger:   logger,
		nm:       nm,
		settings: settings,
		requests: make(chan request),
		events:   make(chan vpn.DeviceEvent, 32),
		stop:     make(chan struct{}),
		watched:  make(map[vpn.Handle]vpn.HandleState),
	}

	pump, err := newSignalPump(logger, c.reconcileWatched)
	if err != nil {
		return nil, err
	}
	c.pump = pump

	c.wg.Add(1)
	go c.runWorker()
	pump.start(&c.wg)

	return c, nil
}

func (c *NMClient) Events() <-chan vpn.DeviceEvent {
	return c.events
}

func (c *NMClient) Close() error {
	c.closeOnce.Do(func() {
		close(c.stop)
		c.pump.close()
	})
	c.wg.Wait()

	return nil
}

// runWorker owns every gonetworkmanager call. Requests are executed one at a
// time in arrival order.
func (c *NMClient) runWorker() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stop:
			return
		case req := <-c.requests:
			value, err := req.fn()
			req.result <- response{value: value, err: err}
		}
	}
}

func (c *NMClient) call(ctx context.Context, name string, fn func() (any, error)) (any, error) {
	req := request{name: name, fn: fn, result: make(chan response, 1)}

	select {
	case c.requests <- req:
	case <-c.stop:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-req.result:
		if res.err != nil {
			return nil, fmt.Errorf("%s: %w", name, res.err)
		}
		return res.value, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Create imports the connection described by params into NetworkManager
// without activating it. The returned handle is the connection UUID.
func (c *NMClient) Create(ctx context.Context, params vpn.Parameters) (vpn.Handle, error) {
	settings, handle, err := buildConnectionSettings(params)
	if err != nil {
		return "", err
	}

	_, err = c.call(ctx, "add connection", func() (any, error) {
		return c.settings.AddConnection(settings)
	})
	if err != nil {
		return "", err
	}
	c.logger.Debug("connection added", "handle", handle, "server", params.ServerName)

	return handle, nil
}

// Activate starts the connection and blocks until NetworkManager reports it
// activated, the activation fails, or ctx expires.
func (c *NMClient) Activate(ctx context.Context, handle vpn.Handle) error {
	_, err := c.call(ctx, "activate connection", func() (any, error) {
		conn, err := c.findConnection(handle)
		if err != nil {
			return nil, err
		}
		if conn == nil {
			return nil, fmt.Errorf("connection %s not found", handle)
		}
		return c.nm.ActivateConnection(conn, nil, nil)
	})
	if err != nil {
		return err
	}

	return c.awaitActivation(ctx, handle)
}

func (c *NMClient) awaitActivation(ctx context.Context, handle vpn.Handle) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		state, err := c.activeConnectionState(ctx, handle)
		if err != nil {
			return err
		}
		switch state {
		case nmActiveConnectionStateActivated:
			return nil
		case nmActiveConnectionStateDeactivating, nmActiveConnectionStateDeactivated:
			return fmt.Errorf("activation of %s failed: connection deactivated", handle)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Deactivate stops the connection and blocks until NetworkManager no longer
// reports it active or ctx expires. Deactivating an already-inactive
// connection succeeds.
func (c *NMClient) Deactivate(ctx context.Context, handle vpn.Handle) error {
	_, err := c.call(ctx, "deactivate connection", func() (any, error) {
		active, err := c.findActiveConnection(handle)
		if err != nil {
			return nil, err
		}
		if active == nil {
			return nil, nil
		}
		return nil, c.nm.DeactivateConnection(active)
	})
	if err != nil {
		return err
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		state, err := c.QueryState(ctx, handle)
		if err != nil {
			return err
		}
		if state != vpn.HandleActive {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Remove deletes the connection object. Removing a connection that no longer
// exists succeeds, which makes cleanup paths idempotent.
func (c *NMClient) Remove(ctx context.Context, handle vpn.Handle) error {
	_, err := c.call(ctx, "remove connection", func() (any, error) {
		conn, err := c.findConnection(handle)
		if err != nil {
			return nil, err
		}
		if conn == nil {
			return nil, nil
		}
		return nil, conn.Delete()
	})

	return err
}

// QueryState reports how NetworkManager currently sees the handle: active,
// present but inactive, or unknown (object gone).
func (c *NMClient) QueryState(ctx context.Context, handle vpn.Handle) (vpn.HandleState, error) {
	value, err := c.call(ctx, "query connection state", func() (any, error) {
		return c.queryStateOnWorker(handle)
	})
	if err != nil {
		return vpn.HandleUnknown, err
	}

	return value.(vpn.HandleState), nil
}

// Watch starts emitting DeviceEvents for the handle. The current state is
// snapshotted first so only subsequent changes produce events.
func (c *NMClient) Watch(handle vpn.Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	state, err := c.QueryState(ctx, handle)
	if err != nil {
		c.logger.Warn("snapshot watched handle", "handle", handle, "error", err)
		state = vpn.HandleUnknown
	}

	c.watchMu.Lock()
	c.watched[handle] = state
	c.watchMu.Unlock()
}

func (c *NMClient) Unwatch(handle vpn.Handle) {
	c.watchMu.Lock()
	delete(c.watched, handle)
	c.watchMu.Unlock()
}

// reconcileWatched is invoked by the signal pump whenever NetworkManager
// reports a relevant change. It diffs the observed state of every watched
// handle and emits events for transitions.
func (c *NMClient) reconcileWatched() {
	c.watchMu.Lock()
	handles := make([]vpn.Handle, 0, len(c.watched))
	for handle := range c.watched {
		handles = append(handles, handle)
	}
	c.watchMu.Unlock()

	if len(handles) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, handle := range handles {
		current, err := c.QueryState(ctx, handle)
		if err != nil {
			c.logger.Warn("reconcile watched handle", "handle", handle, "error", err)
			continue
		}

		c.watchMu.Lock()
		previous, ok := c.watched[handle]
		if ok && previous != current {
			c.watched[handle] = current
		}
		c.watchMu.Unlock()
		if !ok || previous == current {
			continue
		}

		c.emit(handle, previous, current)
	}
}

func (c *NMClient) emit(handle vpn.Handle, previous, current vpn.HandleState) {
	event := vpn.DeviceEvent{
		Handle:    handle,
		Timestamp: time.Now(),
	}
	switch {
	case current == vpn.HandleActive:
		event.Kind = vpn.DeviceUp
		event.Reason = "connection activated"
	case current == vpn.HandleUnknown:
		event.Kind = vpn.DeviceRemoved
		event.Reason = "connection removed"
	default:
		event.Kind = vpn.DeviceDown
		event.Reason = fmt.Sprintf("connection deactivated (was %s)", previous)
	}

	select {
	case c.events <- event:
	case <-c.stop:
	}
}

// Helpers below run on the worker goroutine only.

func (c *NMClient) queryStateOnWorker(handle vpn.Handle) (vpn.HandleState, error) {
	active, err := c.findActiveConnection(handle)
	if err != nil {
		return vpn.HandleUnknown, err
	}
	if active != nil {
		state, err := active.GetPropertyState()
		if err == nil && state == nmActiveConnectionStateActivated {
			return vpn.HandleActive, nil
		}
		if err == nil && state == nmActiveConnectionStateActivating {
			return vpn.HandleActive, nil
		}
	}

	conn, err := c.findConnection(handle)
	if err != nil {
		return vpn.HandleUnknown, err
	}
	if conn != nil {
		return vpn.HandleInactive, nil
	}

	return vpn.HandleUnknown, nil
}

func (c *NMClient) activeConnectionState(ctx context.Context, handle vpn.Handle) (uint32, error) {
	value, err := c.call(ctx, "read active connection state", func() (any, error) {
		active, err := c.findActiveConnection(handle)
		if err != nil {
			return nil, err
		}
		if active == nil {
			return uint32(nmActiveConnectionStateDeactivated), nil
		}
		return activeStateValue(active)
	})
	if err != nil {
		return 0, err
	}

	return value.(uint32), nil
}

// activeStateValue normalizes the bindings' named state type to a plain
// uint32 before it crosses the worker boundary boxed in an any.
func activeStateValue(active gonetworkmanager.ActiveConnection) (any, error) {
	state, err := active.GetPropertyState()
	if err != nil {
		return nil, err
	}

	return uint32(state), nil
}

func (c *NMClient) findConnection(handle vpn.Handle) (gonetworkmanager.Connection, error) {
	connections, err := c.settings.ListConnections()
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
		uuid, _ := meta["uuid"].(string)
		if vpn.Handle(uuid) == handle {
			return conn, nil
		}
	}

	return nil, nil
}

func (c *NMClient) findActiveConnection(handle vpn.Handle) (gonetworkmanager.ActiveConnection, error) {
	active, err := c.nm.GetPropertyActiveConnections()
	if err != nil {
		return nil, fmt.Errorf("list active connections: %w", err)
	}

	for _, conn := range active {
		uuid, err := conn.GetPropertyUUID()
		if err != nil {
			continue
		}
		if vpn.Handle(uuid) == handle {
			return conn, nil
		}
	}

	return nil, nil
}
