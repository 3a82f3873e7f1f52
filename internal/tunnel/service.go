// Package tunnel owns the VPN connection lifecycle state machine. It is the
// only writer of the connection state; NetworkManager interaction, server
// prechecks, persistence and subscriber notification all hang off it.
package tunnel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"nmtunnel/internal/bus"
	"nmtunnel/internal/config"
	"nmtunnel/internal/nmclient"
	"nmtunnel/internal/persistence"
	"nmtunnel/internal/precheck"
	"nmtunnel/internal/vpn"
)

// Service is the connection lifecycle state machine. All state mutation goes
// through transition(), which publishes the resulting status outside the
// critical section so subscribers may call back into the service.
type Service struct {
	logger  *slog.Logger
	bus     bus.MessageBus
	client  nmclient.Client
	store   persistence.RecordStore
	checker precheck.Checker
	journal *persistence.TransitionWriter

	tunnelCfg   config.TunnelConfig
	precheckCfg config.PrecheckConfig

	mu          sync.Mutex
	state       vpn.State
	reason      string
	params      vpn.Parameters
	handle      vpn.Handle
	cancelSetup context.CancelFunc
}

func New(
	logger *slog.Logger,
	messageBus bus.MessageBus,
	client nmclient.Client,
	store persistence.RecordStore,
	checker precheck.Checker,
	journal *persistence.TransitionWriter,
	tunnelCfg config.TunnelConfig,
	precheckCfg config.PrecheckConfig,
) *Service {
	return &Service{
		logger:      logger,
		bus:         messageBus,
		client:      client,
		store:       store,
		checker:     checker,
		journal:     journal,
		tunnelCfg:   tunnelCfg,
		precheckCfg: precheckCfg,
		state:       vpn.StateDisconnected,
	}
}

// Start reconciles persisted state with what NetworkManager actually has,
// then begins consuming asynchronous device events. It must be called before
// any connection operation.
func (s *Service) Start(ctx context.Context) error {
	if err := s.reconcilePersisted(ctx); err != nil {
		return err
	}

	go s.eventLoop(ctx)

	return nil
}

func (s *Service) reconcilePersisted(ctx context.Context) error {
	record, err := s.store.Load()
	if err != nil {
		s.logger.Warn("persisted record unreadable, discarding", "error", err)
		if delErr := s.store.Delete(); delErr != nil {
			s.logger.Warn("discard unreadable record", "error", delErr)
		}
		record = nil
	}

	if record == nil || record.Handle == "" {
		if record != nil {
			// Params without a handle means setup never got as far as
			// creating the connection object.
			_ = s.store.Delete()
		}
		s.logger.Info("no persisted connection, starting disconnected")
		return nil
	}

	state, err := s.client.QueryState(ctx, record.Handle)
	if err != nil {
		return fmt.Errorf("query persisted connection: %w", err)
	}

	s.mu.Lock()
	s.params = record.Parameters
	s.handle = record.Handle
	s.mu.Unlock()

	switch state {
	case vpn.HandleActive:
		s.logger.Info("persisted connection is active", "handle", record.Handle, "server", record.Parameters.ServerName)
		s.client.Watch(record.Handle)
		s.transition(vpn.StateConnected, "active connection restored")
	case vpn.HandleInactive:
		s.logger.Warn("persisted connection exists but is inactive", "handle", record.Handle)
		s.transition(vpn.StateError, "inactive persisted connection found")
	default:
		// The record and handle stay in place so the caller can resolve the
		// error state through StartConnection or RemoveConnection.
		s.logger.Warn("persisted connection no longer exists", "handle", record.Handle)
		s.transition(vpn.StateError, "persisted connection not found")
	}

	return nil
}

// Status returns a snapshot of the current state.
func (s *Service) Status() vpn.Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.statusLocked()
}

func (s *Service) statusLocked() vpn.Status {
	return vpn.Status{
		State:     s.state,
		Reason:    s.reason,
		Server:    s.params.ServerName,
		Protocol:  s.params.Protocol,
		Timestamp: time.Now(),
	}
}

// Subscribe returns a channel of vpn.Status snapshots for every committed
// transition. Callers must Unsubscribe when done.
func (s *Service) Subscribe() bus.Subscription {
	return s.bus.Subscribe(vpn.TopicStatus)
}

func (s *Service) Unsubscribe(sub bus.Subscription) {
	s.bus.Unsubscribe(sub, vpn.TopicStatus)
}

// StartConnection validates params, commits the Connecting transition and
// launches setup in the background. It returns once the transition is
// committed; progress and outcome arrive as status events.
func (s *Service) StartConnection(ctx context.Context, params vpn.Parameters) error {
	if err := params.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.state != vpn.StateDisconnected && s.state != vpn.StateError {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot connect while %s", vpn.ErrInvalidStateTransition, state)
	}

	setupCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	staleHandle := s.handle
	s.params = params
	s.handle = ""
	s.cancelSetup = cancel
	s.mu.Unlock()

	s.transition(vpn.StateConnecting, "connection requested")

	if err := s.store.Save(persistence.Record{Parameters: params}); err != nil {
		s.logger.Warn("persist connection parameters", "error", err)
	}

	go s.setup(setupCtx, params, staleHandle)

	return nil
}

// setup walks precheck, create and activate. Cancellation is honored between
// every step; a half-created connection is removed before the final state is
// committed.
func (s *Service) setup(ctx context.Context, params vpn.Parameters, staleHandle vpn.Handle) {
	// A handle retained from an earlier error state points at a connection
	// object the new setup supersedes. It must be removed, never orphaned.
	if staleHandle != "" {
		s.discardStale(staleHandle)
	}

	if !s.runPrecheck(ctx, params) {
		if ctx.Err() != nil {
			s.finishCancelled("")
			return
		}
		s.finishFailed("", vpn.ErrPrecheckFailure.Error())
		return
	}
	if ctx.Err() != nil {
		s.finishCancelled("")
		return
	}

	handle, err := s.client.Create(ctx, params)
	if err != nil {
		if ctx.Err() != nil {
			s.finishCancelled("")
			return
		}
		s.logger.Error("create connection", "server", params.ServerName, "error", err)
		s.finishFailed("", fmt.Sprintf("%s: %v", vpn.ErrSetupFailure.Error(), err))
		return
	}

	s.mu.Lock()
	s.handle = handle
	s.mu.Unlock()

	if err := s.store.Save(persistence.Record{Parameters: params, Handle: handle}); err != nil {
		s.logger.Warn("persist connection handle", "error", err)
	}

	if ctx.Err() != nil {
		s.finishCancelled(handle)
		return
	}

	activateCtx, cancel := context.WithTimeout(ctx, s.tunnelCfg.ActivateTimeout())
	err = s.client.Activate(activateCtx, handle)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			s.finishCancelled(handle)
			return
		}
		s.logger.Error("activate connection", "handle", handle, "error", err)
		s.removePartial(handle)
		s.finishFailed(handle, fmt.Sprintf("%s: %v", vpn.ErrSetupFailure.Error(), err))
		return
	}

	// A stop issued while the activation result was in flight discards the
	// result: the connection comes down again instead of being committed.
	if ctx.Err() != nil {
		s.finishCancelled(handle)
		return
	}

	s.client.Watch(handle)
	s.transition(vpn.StateConnected, "connection activated")
}

func (s *Service) runPrecheck(ctx context.Context, params vpn.Parameters) bool {
	if !s.precheckCfg.Enabled || s.checker == nil {
		return true
	}

	if delay := s.precheckCfg.Delay(); delay > 0 {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}
	}

	probeCtx, cancel := context.WithTimeout(ctx, s.precheckCfg.Timeout())
	defer cancel()

	reachable := s.checker.Reachable(probeCtx, params.ServerIP, params.Ports)
	if !reachable {
		s.logger.Warn("server unreachable", "server", params.ServerName, "ip", params.ServerIP)
	}

	return reachable
}

// finishCancelled cleans up after a setup interrupted by StopConnection. Any
// connection object created so far is brought down and removed, including
// one whose activation succeeded just as the cancel landed.
func (s *Service) finishCancelled(handle vpn.Handle) {
	s.transition(vpn.StateDisconnecting, "connection cancelled")
	if handle != "" {
		s.deactivateQuietly(handle)
		s.removePartial(handle)
	}
	s.clearHandle()
	s.transition(vpn.StateDisconnected, "connection cancelled")
}

// deactivateQuietly brings a connection down on a best-effort basis during
// cleanup. Deactivating an inactive connection succeeds, so this is safe for
// handles that never activated.
func (s *Service) deactivateQuietly(handle vpn.Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), s.tunnelCfg.TeardownTimeout())
	defer cancel()

	if err := s.client.Deactivate(ctx, handle); err != nil {
		s.logger.Warn("deactivate connection during cleanup", "handle", handle, "error", err)
	}
}

// discardStale removes a superseded connection object left over from an
// error state. The record is not touched: the new setup already owns it.
func (s *Service) discardStale(handle vpn.Handle) {
	s.logger.Info("removing superseded connection", "handle", handle)
	s.deactivateQuietly(handle)

	ctx, cancel := context.WithTimeout(context.Background(), s.tunnelCfg.TeardownTimeout())
	defer cancel()

	if err := s.client.Remove(ctx, handle); err != nil {
		s.logger.Warn("remove superseded connection", "handle", handle, "error", err)
	}
}

func (s *Service) finishFailed(handle vpn.Handle, reason string) {
	if handle != "" {
		s.clearHandle()
	}
	s.transition(vpn.StateError, reason)
}

// removePartial deletes a connection object left over from a failed or
// cancelled setup. A removal failure is logged but never escalated: the
// state machine's outcome is already decided.
func (s *Service) removePartial(handle vpn.Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), s.tunnelCfg.TeardownTimeout())
	defer cancel()

	if err := s.client.Remove(ctx, handle); err != nil {
		s.logger.Warn("remove partial connection", "handle", handle, "error", err)
	}
	_ = s.store.Delete()
}

func (s *Service) clearHandle() {
	s.mu.Lock()
	s.handle = ""
	s.mu.Unlock()
}

// StopConnection requests disconnect. Stopping while already disconnected or
// disconnecting is a no-op; stopping mid-setup cancels the setup, which then
// cleans up after itself.
func (s *Service) StopConnection(ctx context.Context) error {
	s.mu.Lock()
	state := s.state
	handle := s.handle
	cancel := s.cancelSetup

	switch state {
	case vpn.StateDisconnected, vpn.StateDisconnecting:
		s.mu.Unlock()
		return nil
	case vpn.StateConnecting:
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return nil
	case vpn.StateError:
		s.mu.Unlock()
		if handle == "" {
			s.transition(vpn.StateDisconnected, "error state cleared")
			return nil
		}
	case vpn.StateConnected:
		s.mu.Unlock()
	}

	s.transition(vpn.StateDisconnecting, "disconnect requested")
	go s.teardown(handle)

	return nil
}

// teardown deactivates with bounded retries. If NetworkManager stops
// reporting the connection active at any point, the disconnect is considered
// done regardless of what Deactivate returned.
func (s *Service) teardown(handle vpn.Handle) {
	attempts := s.tunnelCfg.TeardownRetries + 1
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), s.tunnelCfg.TeardownTimeout())
		err := s.client.Deactivate(ctx, handle)
		cancel()
		if err == nil {
			s.finishTeardown(handle, "disconnect requested")
			return
		}
		lastErr = err
		s.logger.Warn("deactivate connection", "handle", handle, "attempt", attempt, "error", err)

		stateCtx, stateCancel := context.WithTimeout(context.Background(), 5*time.Second)
		state, stateErr := s.client.QueryState(stateCtx, handle)
		stateCancel()
		if stateErr == nil && state != vpn.HandleActive {
			s.finishTeardown(handle, "connection no longer active")
			return
		}
	}

	s.logger.Error("teardown exhausted retries", "handle", handle, "error", lastErr)
	s.transition(vpn.StateError, fmt.Sprintf("%s: %v", vpn.ErrTeardownFailure.Error(), lastErr))
}

func (s *Service) finishTeardown(handle vpn.Handle, reason string) {
	s.client.Unwatch(handle)
	s.transition(vpn.StateDisconnected, reason)
}

// RemoveConnection disconnects if needed, deletes the NetworkManager
// connection object and the persisted record. It is idempotent: removing
// when nothing is configured succeeds.
func (s *Service) RemoveConnection(ctx context.Context) error {
	s.mu.Lock()
	state := s.state
	handle := s.handle
	cancel := s.cancelSetup
	s.mu.Unlock()

	if state == vpn.StateConnecting && cancel != nil {
		cancel()
		if err := s.awaitNotState(ctx, vpn.StateConnecting, vpn.StateDisconnecting); err != nil {
			return err
		}
		s.mu.Lock()
		handle = s.handle
		s.mu.Unlock()
	}

	if handle != "" {
		if state == vpn.StateConnected {
			deactivateCtx, deactivateCancel := context.WithTimeout(ctx, s.tunnelCfg.TeardownTimeout())
			err := s.client.Deactivate(deactivateCtx, handle)
			deactivateCancel()
			if err != nil {
				s.logger.Warn("deactivate before removal", "handle", handle, "error", err)
			}
		}
		s.client.Unwatch(handle)
		if err := s.client.Remove(ctx, handle); err != nil {
			return fmt.Errorf("remove connection: %w", err)
		}
	}

	if err := s.store.Delete(); err != nil {
		return err
	}

	s.clearHandle()
	s.transition(vpn.StateDisconnected, "connection removed")

	return nil
}

func (s *Service) awaitNotState(ctx context.Context, states ...vpn.State) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		current := s.Status().State
		matched := false
		for _, state := range states {
			if current == state {
				matched = true
				break
			}
		}
		if !matched {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// eventLoop applies asynchronous device events. Events for handles other
// than the current one are stale and dropped.
func (s *Service) eventLoop(ctx context.Context) {
	events := s.client.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			s.applyDeviceEvent(event)
		}
	}
}

func (s *Service) applyDeviceEvent(event vpn.DeviceEvent) {
	s.mu.Lock()
	if event.Handle != s.handle || s.handle == "" {
		s.mu.Unlock()
		s.logger.Debug("stale device event", "handle", event.Handle, "kind", event.Kind)
		return
	}
	state := s.state
	s.mu.Unlock()

	s.bus.Publish(vpn.TopicDevice, event)

	switch event.Kind {
	case vpn.DeviceDown:
		if state == vpn.StateConnected {
			s.logger.Warn("device went down", "handle", event.Handle, "reason", event.Reason)
			s.transition(vpn.StateDisconnecting, event.Reason)
			s.client.Unwatch(event.Handle)
			s.transition(vpn.StateDisconnected, vpn.ErrDeviceLost.Error())
		}
	case vpn.DeviceRemoved:
		s.logger.Warn("connection object removed externally", "handle", event.Handle)
		s.client.Unwatch(event.Handle)
		s.clearHandle()
		_ = s.store.Delete()
		if state == vpn.StateConnected || state == vpn.StateError {
			s.transition(vpn.StateDisconnected, "connection removed externally")
		}
	case vpn.DeviceUp:
		// Activation success is observed by the setup path.
	}
}

// transition commits a state change and publishes it. The journal append is
// queued off the transition path.
func (s *Service) transition(to vpn.State, reason string) {
	s.mu.Lock()
	from := s.state
	if from == to {
		s.mu.Unlock()
		return
	}
	s.state = to
	s.reason = reason
	if to == vpn.StateDisconnected || to == vpn.StateError {
		s.cancelSetup = nil
	}
	status := s.statusLocked()
	params := s.params
	s.mu.Unlock()

	s.logger.Info("state transition", "from", from, "to", to, "reason", reason)
	s.bus.Publish(vpn.TopicStatus, status)
	s.journalTransition(from, to, reason, params)
}

func (s *Service) journalTransition(from, to vpn.State, reason string, params vpn.Parameters) {
	if s.journal == nil {
		return
	}

	s.journal.Enqueue(persistence.TransitionEntry{
		From:     from,
		To:       to,
		Reason:   reason,
		Server:   params.ServerName,
		Protocol: params.Protocol,
		At:       time.Now(),
	})
}
