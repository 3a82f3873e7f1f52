package vpn

import "testing"

func TestParametersValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Parameters)
		wantErr bool
	}{
		{name: "valid wireguard", mutate: func(*Parameters) {}},
		{name: "valid openvpn", mutate: func(p *Parameters) {
			p.Protocol = ProtocolOpenVPN
			p.WireGuard = nil
			p.OpenVPN = &OpenVPNCredentials{Username: "user", Password: "pass"}
		}},
		{name: "missing ip", mutate: func(p *Parameters) { p.ServerIP = "" }, wantErr: true},
		{name: "invalid ip", mutate: func(p *Parameters) { p.ServerIP = "not-an-ip" }, wantErr: true},
		{name: "no ports", mutate: func(p *Parameters) { p.Ports = nil }, wantErr: true},
		{name: "port out of range", mutate: func(p *Parameters) { p.Ports = []int{70000} }, wantErr: true},
		{name: "zero port", mutate: func(p *Parameters) { p.Ports = []int{0} }, wantErr: true},
		{name: "unknown protocol", mutate: func(p *Parameters) { p.Protocol = "ipsec" }, wantErr: true},
		{name: "wireguard without credentials", mutate: func(p *Parameters) { p.WireGuard = nil }, wantErr: true},
		{name: "wireguard without private key", mutate: func(p *Parameters) { p.WireGuard.PrivateKey = " " }, wantErr: true},
		{name: "wireguard without peer key", mutate: func(p *Parameters) { p.WireGuard.PeerPublicKey = "" }, wantErr: true},
		{name: "openvpn without credentials", mutate: func(p *Parameters) {
			p.Protocol = ProtocolOpenVPN
			p.WireGuard = nil
			p.OpenVPN = nil
		}, wantErr: true},
		{name: "openvpn without username", mutate: func(p *Parameters) {
			p.Protocol = ProtocolOpenVPN
			p.WireGuard = nil
			p.OpenVPN = &OpenVPNCredentials{Password: "pass"}
		}, wantErr: true},
	}

	for _, tc := range tests {
		params := Parameters{
			Protocol:   ProtocolWireGuard,
			ServerName: "NL#42",
			ServerIP:   "198.51.100.7",
			Ports:      []int{51820},
			WireGuard: &WireGuardCredentials{
				PrivateKey:    "private-key",
				PeerPublicKey: "peer-key",
			},
		}
		tc.mutate(&params)

		err := params.Validate()
		if tc.wantErr && err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
		if !tc.wantErr && err != nil {
			t.Fatalf("%s: unexpected error: %v", tc.name, err)
		}
	}
}

func TestDisplayName(t *testing.T) {
	params := Parameters{ServerName: "NL#42"}
	if got := params.DisplayName(); got != "nmtunnel NL#42" {
		t.Fatalf("unexpected display name: %q", got)
	}

	params.ServerName = "   "
	if got := params.DisplayName(); got != "nmtunnel Connection" {
		t.Fatalf("unexpected fallback display name: %q", got)
	}
}
