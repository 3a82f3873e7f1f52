// Package precheck probes VPN server reachability before activation is
// attempted, so the state machine does not start a connection against an
// endpoint that cannot be reached.
package precheck

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"time"
)

const DefaultTimeout = 5 * time.Second

// Checker reports whether a server is reachable on any of its ports.
type Checker interface {
	Reachable(ctx context.Context, ip string, ports []int) bool
}

// TCPChecker probes all ports in parallel. The first port that accepts a TCP
// connection proves reachability.
type TCPChecker struct {
	logger  *slog.Logger
	timeout time.Duration
}

func NewTCPChecker(logger *slog.Logger, timeout time.Duration) *TCPChecker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default().With("component", "precheck")
	}

	return &TCPChecker{logger: logger, timeout: timeout}
}

func (c *TCPChecker) Reachable(ctx context.Context, ip string, ports []int) bool {
	if len(ports) == 0 {
		return false
	}

	results := make(chan bool, len(ports))
	for _, port := range ports {
		go func(port int) {
			results <- c.probe(ctx, ip, port)
		}(port)
	}

	for range ports {
		select {
		case <-ctx.Done():
			return false
		case ok := <-results:
			if ok {
				return true
			}
		}
	}

	return false
}

func (c *TCPChecker) probe(ctx context.Context, ip string, port int) bool {
	addr := net.JoinHostPort(ip, strconv.Itoa(port))
	dialer := net.Dialer{Timeout: c.timeout}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		c.logger.Debug("probe failed", "addr", addr, "error", err)
		return false
	}
	_ = conn.Close()
	c.logger.Debug("probe succeeded", "addr", addr)

	return true
}
