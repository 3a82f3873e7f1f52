package nmclient

import (
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"nmtunnel/internal/vpn"
)

// Values every tunnel connection shares. The virtual interface always carries
// the same point-to-point addressing; the high-negative DNS priority forces
// resolution through the tunnel while it is up.
const (
	tunnelInterface = "nmtunnel0"
	tunnelAddress   = "10.2.0.2"
	tunnelPrefix    = uint32(32)
	tunnelDNS       = "10.2.0.1"
	dnsPriority     = int32(-1500)

	openVPNServiceType = "org.freedesktop.NetworkManager.openvpn"
)

type connectionSettings = map[string]map[string]interface{}

// buildConnectionSettings translates Parameters into the nested settings map
// NetworkManager's AddConnection expects. A fresh UUID is generated per call
// and doubles as the handle the rest of the system tracks the connection by.
func buildConnectionSettings(params vpn.Parameters) (connectionSettings, vpn.Handle, error) {
	if err := params.Validate(); err != nil {
		return nil, "", err
	}

	id := uuid.NewString()

	switch params.Protocol {
	case vpn.ProtocolWireGuard:
		return buildWireGuardSettings(params, id), vpn.Handle(id), nil
	case vpn.ProtocolOpenVPN:
		return buildOpenVPNSettings(params, id), vpn.Handle(id), nil
	default:
		return nil, "", fmt.Errorf("no settings builder for protocol %q", params.Protocol)
	}
}

func buildWireGuardSettings(params vpn.Parameters, id string) connectionSettings {
	settings := make(connectionSettings)
	settings["connection"] = map[string]interface{}{
		"id":             params.DisplayName(),
		"uuid":           id,
		"type":           "wireguard",
		"interface-name": tunnelInterface,
		"autoconnect":    false,
	}
	settings["wireguard"] = map[string]interface{}{
		"private-key": params.WireGuard.PrivateKey,
		"peers": []map[string]interface{}{
			{
				"public-key":  params.WireGuard.PeerPublicKey,
				"endpoint":    net.JoinHostPort(params.ServerIP, strconv.Itoa(params.Ports[0])),
				"allowed-ips": []string{"0.0.0.0/0"},
			},
		},
	}
	settings["ipv4"] = map[string]interface{}{
		"method": "manual",
		"address-data": []map[string]interface{}{
			{"address": tunnelAddress, "prefix": tunnelPrefix},
		},
		"dns":          []uint32{ip4ToNM(tunnelDNS)},
		"dns-priority": dnsPriority,
	}
	settings["ipv6"] = map[string]interface{}{
		"method": "disabled",
	}

	return settings
}

func buildOpenVPNSettings(params vpn.Parameters, id string) connectionSettings {
	ports := make([]string, 0, len(params.Ports))
	for _, port := range params.Ports {
		ports = append(ports, strconv.Itoa(port))
	}

	data := map[string]string{
		"remote":          net.JoinHostPort(params.ServerIP, strings.Join(ports, " ")),
		"connection-type": "password",
		"username":        params.OpenVPN.Username,
		"dev":             tunnelInterface,
		"dev-type":        "tun",
	}
	if params.OpenVPN.CACert != "" {
		data["ca"] = params.OpenVPN.CACert
	}

	settings := make(connectionSettings)
	settings["connection"] = map[string]interface{}{
		"id":          params.DisplayName(),
		"uuid":        id,
		"type":        "vpn",
		"autoconnect": false,
	}
	settings["vpn"] = map[string]interface{}{
		"service-type": openVPNServiceType,
		"data":         data,
		"secrets": map[string]string{
			"password": params.OpenVPN.Password,
		},
	}
	settings["ipv4"] = map[string]interface{}{
		"method":       "auto",
		"dns-priority": dnsPriority,
	}
	settings["ipv6"] = map[string]interface{}{
		"method": "auto",
	}

	return settings
}

// ip4ToNM encodes a dotted-quad address the way NetworkManager's legacy dns
// field wants it: a little-endian uint32.
func ip4ToNM(addr string) uint32 {
	ip := net.ParseIP(addr).To4()
	if ip == nil {
		return 0
	}

	return binary.LittleEndian.Uint32(ip)
}
