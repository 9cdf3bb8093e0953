// Package netif drives the host's wireless interfaces: access point bring-up,
// station association, addressing and resolver propagation. It also polls
// link state and turns changes into connection events.
package netif

import (
	"context"
	"net"
	"net/netip"
)

// Mode selects which radio roles are active.
type Mode int

const (
	// ModeAP runs the access point only.
	ModeAP Mode = iota
	// ModeAPSTA runs the access point and the station uplink together.
	ModeAPSTA
)

func (m Mode) String() string {
	switch m {
	case ModeAP:
		return "ap"
	case ModeAPSTA:
		return "ap+sta"
	default:
		return "unknown"
	}
}

// AP is the access point configuration.
type AP struct {
	SSID     string
	Password string
	Address  netip.Addr
	// Open disables authentication. Set when Password is too short for WPA2.
	Open bool
	// MAC overrides the interface hardware address when set.
	MAC net.HardwareAddr
}

// STA is the station uplink configuration. EnterpriseUser switches the
// association to WPA2-Enterprise (PEAP) with Identity as the outer identity.
type STA struct {
	SSID           string
	Password       string
	EnterpriseUser string
	Identity       string
	MAC            net.HardwareAddr
}

// Enterprise reports whether the uplink uses WPA2-Enterprise credentials.
func (s STA) Enterprise() bool {
	return s.EnterpriseUser != ""
}

// StaticIP is a fixed STA address used instead of DHCP.
type StaticIP struct {
	Address netip.Addr
	Netmask netip.Addr
	Gateway netip.Addr
}

// Interfaces configures the radios. Every method is expected to be
// idempotent so it can be replayed after a restart.
type Interfaces interface {
	ConfigureAP(ctx context.Context, ap AP) error
	SetMode(ctx context.Context, mode Mode) error
	ConfigureSTA(ctx context.Context, sta STA) error
	SetStaticIP(ctx context.Context, ip StaticIP) error
	Connect(ctx context.Context) error
	STADNS(ctx context.Context) (netip.Addr, error)
	SetAPDNS(ctx context.Context, dns netip.Addr) error
}

// Link is a point-in-time view of the STA interface.
type Link struct {
	// State is the supplicant state, for example COMPLETED or SCANNING.
	State   string
	Address netip.Addr
}

// Associated reports whether the supplicant completed association.
func (l Link) Associated() bool {
	return l.State == "COMPLETED"
}

// LinkSource reads live interface state for the Watcher.
type LinkSource interface {
	STALink(ctx context.Context) (Link, error)
	APStations(ctx context.Context) (int, error)
}
