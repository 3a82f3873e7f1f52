package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"nmtunnel/internal/app"
	"nmtunnel/internal/bus"
	"nmtunnel/internal/platform"
	"nmtunnel/internal/vpn"
)

const connectWaitTimeout = 90 * time.Second

func main() {
	if err := run(); err != nil {
		slog.Error("run vpnctl", "error", err)
		os.Exit(1)
	}
}

func run() error {
	protocol := flag.String("protocol", "wireguard", "tunnel protocol: wireguard or openvpn")
	server := flag.String("server", "", "server display name")
	ip := flag.String("ip", "", "server ip address")
	ports := flag.String("ports", "", "comma separated server ports, e.g. 51820 or 443,1194")
	wgPrivateKey := flag.String("wg-private-key", "", "wireguard private key")
	wgPeerKey := flag.String("wg-peer-key", "", "wireguard peer public key")
	ovpnUser := flag.String("ovpn-user", "", "openvpn username")
	ovpnPassword := flag.String("ovpn-password", "", "openvpn password")
	disconnect := flag.Bool("disconnect", false, "disconnect the current tunnel and exit")
	remove := flag.Bool("remove", false, "disconnect and remove the configured tunnel, then exit")
	status := flag.Bool("status", false, "print current tunnel status and exit")
	journal := flag.Int("journal", 0, "print the last N state transitions and exit")
	clearJournal := flag.Bool("clear-journal", false, "delete all recorded state transitions and exit")
	listenFor := flag.Duration("listen-for", 0, "after connecting, keep watching events for this duration")
	version := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *version {
		fmt.Println(app.BuildVersionWithDate())
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lock, err := platform.AcquireInstanceLock(app.Name)
	if err != nil {
		if errors.Is(err, platform.ErrInstanceAlreadyRunning) {
			return fmt.Errorf("another vpnctl instance is already running")
		}
		return fmt.Errorf("acquire instance lock: %w", err)
	}
	defer func() {
		_ = lock.Release()
	}()

	rt, err := app.Initialize(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := rt.Close(); closeErr != nil {
			slog.Warn("close runtime", "error", closeErr)
		}
	}()
	logger := rt.LogManager.Logger("cli")

	switch {
	case *status:
		return printStatus(rt)
	case *journal > 0:
		return printJournal(ctx, rt, *journal)
	case *clearJournal:
		return rt.ClearJournal()
	case *remove:
		return rt.Tunnel.RemoveConnection(ctx)
	case *disconnect:
		return stopAndWait(ctx, rt, logger)
	}

	params, err := buildParameters(*protocol, *server, *ip, *ports, *wgPrivateKey, *wgPeerKey, *ovpnUser, *ovpnPassword)
	if err != nil {
		return err
	}

	sub := rt.Bus.Subscribe(vpn.TopicStatus, vpn.TopicDevice)
	defer rt.Bus.Unsubscribe(sub)

	logger.Info("connecting", "server", params.ServerName, "ip", params.ServerIP, "protocol", params.Protocol)
	if err := rt.Tunnel.StartConnection(ctx, params); err != nil {
		return err
	}

	if err := waitForOutcome(ctx, logger, sub); err != nil {
		return err
	}

	if *listenFor > 0 {
		logger.Info("watching tunnel events", "duration", *listenFor)
		watch(ctx, logger, sub, *listenFor)
		return nil
	}

	logger.Info("connected, watching until interrupt")
	watch(ctx, logger, sub, 0)

	return nil
}

func buildParameters(protocol, server, ip, ports, wgPrivateKey, wgPeerKey, ovpnUser, ovpnPassword string) (vpn.Parameters, error) {
	portList, err := parsePorts(ports)
	if err != nil {
		return vpn.Parameters{}, err
	}

	params := vpn.Parameters{
		Protocol:   vpn.Protocol(strings.ToLower(strings.TrimSpace(protocol))),
		ServerName: strings.TrimSpace(server),
		ServerIP:   strings.TrimSpace(ip),
		Ports:      portList,
	}
	switch params.Protocol {
	case vpn.ProtocolWireGuard:
		params.WireGuard = &vpn.WireGuardCredentials{
			PrivateKey:    wgPrivateKey,
			PeerPublicKey: wgPeerKey,
		}
	case vpn.ProtocolOpenVPN:
		params.OpenVPN = &vpn.OpenVPNCredentials{
			Username: ovpnUser,
			Password: ovpnPassword,
		}
	}

	if err := params.Validate(); err != nil {
		return vpn.Parameters{}, err
	}

	return params, nil
}

func parsePorts(raw string) ([]int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("missing ports: set --ports")
	}

	parts := strings.Split(raw, ",")
	ports := make([]int, 0, len(parts))
	for _, part := range parts {
		port, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("invalid port %q: %w", part, err)
		}
		ports = append(ports, port)
	}

	return ports, nil
}

// waitForOutcome blocks until the connection attempt settles one way or the
// other.
func waitForOutcome(ctx context.Context, logger *slog.Logger, sub bus.Subscription) error {
	timeoutCh := time.After(connectWaitTimeout)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeoutCh:
			return fmt.Errorf("timeout waiting for connection outcome after %s", connectWaitTimeout)
		case raw, ok := <-sub:
			if !ok {
				return fmt.Errorf("status stream closed while connecting")
			}
			status, ok := raw.(vpn.Status)
			if !ok {
				continue
			}
			logger.Info("status", "state", status.State, "reason", status.Reason)
			switch status.State {
			case vpn.StateConnected:
				return nil
			case vpn.StateError:
				return fmt.Errorf("connection failed: %s", status.Reason)
			case vpn.StateDisconnected:
				return fmt.Errorf("connection cancelled: %s", status.Reason)
			}
		}
	}
}

func stopAndWait(ctx context.Context, rt *app.Runtime, logger *slog.Logger) error {
	statusSub := rt.Bus.Subscribe(vpn.TopicStatus)
	defer rt.Bus.Unsubscribe(statusSub, vpn.TopicStatus)

	current := rt.Tunnel.Status()
	if current.State == vpn.StateDisconnected {
		logger.Info("already disconnected")
		return nil
	}

	if err := rt.Tunnel.StopConnection(ctx); err != nil {
		return err
	}

	timeoutCh := time.After(connectWaitTimeout)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeoutCh:
			return fmt.Errorf("timeout waiting for disconnect")
		case raw, ok := <-statusSub:
			if !ok {
				return fmt.Errorf("status stream closed while disconnecting")
			}
			status, ok := raw.(vpn.Status)
			if !ok {
				continue
			}
			logger.Info("status", "state", status.State, "reason", status.Reason)
			switch status.State {
			case vpn.StateDisconnected:
				return nil
			case vpn.StateError:
				return fmt.Errorf("disconnect failed: %s", status.Reason)
			}
		}
	}
}

func printStatus(rt *app.Runtime) error {
	status := rt.Tunnel.Status()
	fmt.Printf("state:    %s\n", status.State)
	if status.Reason != "" {
		fmt.Printf("reason:   %s\n", status.Reason)
	}
	if status.Server != "" {
		fmt.Printf("server:   %s\n", status.Server)
		fmt.Printf("protocol: %s\n", status.Protocol)
	}

	return nil
}

func printJournal(ctx context.Context, rt *app.Runtime, limit int) error {
	entries, err := rt.Journal.Recent(ctx, limit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("no recorded transitions")
		return nil
	}

	for _, entry := range entries {
		line := fmt.Sprintf("%s  %s -> %s", entry.At.Format(time.RFC3339), entry.From, entry.To)
		if entry.Server != "" {
			line += fmt.Sprintf("  [%s/%s]", entry.Server, entry.Protocol)
		}
		if entry.Reason != "" {
			line += "  " + entry.Reason
		}
		fmt.Println(line)
	}

	return nil
}

func watch(ctx context.Context, logger *slog.Logger, sub bus.Subscription, duration time.Duration) {
	var timeoutCh <-chan time.Time
	if duration > 0 {
		timeoutCh = time.After(duration)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-timeoutCh:
			return
		case raw := <-sub:
			switch msg := raw.(type) {
			case vpn.Status:
				logger.Info("status", "state", msg.State, "reason", msg.Reason, "server", msg.Server)
			case vpn.DeviceEvent:
				logger.Info("device", "handle", msg.Handle, "kind", msg.Kind, "reason", msg.Reason)
			}
		}
	}
}
