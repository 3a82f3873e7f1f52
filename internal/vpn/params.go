package vpn

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// Protocol identifies which tunnel protocol backend should be used.
type Protocol string

const (
	ProtocolWireGuard Protocol = "wireguard"
	ProtocolOpenVPN   Protocol = "openvpn"
)

// WireGuardCredentials carries the key material for a WireGuard tunnel.
type WireGuardCredentials struct {
	PrivateKey    string `json:"private_key"`
	PeerPublicKey string `json:"peer_public_key"`
}

// OpenVPNCredentials carries the secrets for an OpenVPN tunnel.
type OpenVPNCredentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
	CACert   string `json:"ca_cert,omitempty"`
}

// Parameters is the immutable description of what to connect to. It is
// supplied by the policy layer and persisted verbatim so a restarted process
// can reconcile with an already-active connection.
type Parameters struct {
	Protocol   Protocol              `json:"protocol"`
	ServerName string                `json:"server_name"`
	ServerIP   string                `json:"server_ip"`
	Ports      []int                 `json:"ports"`
	WireGuard  *WireGuardCredentials `json:"wireguard,omitempty"`
	OpenVPN    *OpenVPNCredentials   `json:"openvpn,omitempty"`
}

func (p Parameters) Validate() error {
	if strings.TrimSpace(p.ServerIP) == "" {
		return errors.New("server ip is required")
	}
	if net.ParseIP(p.ServerIP) == nil {
		return fmt.Errorf("invalid server ip: %q", p.ServerIP)
	}
	if len(p.Ports) == 0 {
		return errors.New("at least one server port is required")
	}
	for _, port := range p.Ports {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("invalid server port: %d", port)
		}
	}

	switch p.Protocol {
	case ProtocolWireGuard:
		if p.WireGuard == nil {
			return errors.New("wireguard credentials are required")
		}
		if strings.TrimSpace(p.WireGuard.PrivateKey) == "" {
			return errors.New("wireguard private key is required")
		}
		if strings.TrimSpace(p.WireGuard.PeerPublicKey) == "" {
			return errors.New("wireguard peer public key is required")
		}
	case ProtocolOpenVPN:
		if p.OpenVPN == nil {
			return errors.New("openvpn credentials are required")
		}
		if strings.TrimSpace(p.OpenVPN.Username) == "" {
			return errors.New("openvpn username is required")
		}
	default:
		return fmt.Errorf("unknown protocol: %q", p.Protocol)
	}

	return nil
}

// DisplayName is the human-readable connection id registered with
// NetworkManager.
func (p Parameters) DisplayName() string {
	name := strings.TrimSpace(p.ServerName)
	if name == "" {
		name = "Connection"
	}
	return "nmtunnel " + name
}
