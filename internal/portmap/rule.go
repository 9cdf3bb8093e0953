package portmap

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/google/gopacket/layers"
)

// Protocol identifies the transport protocol of a forwarding rule using its
// IANA protocol number.
type Protocol uint8

const (
	ProtocolTCP = Protocol(layers.IPProtocolTCP)
	ProtocolUDP = Protocol(layers.IPProtocolUDP)
)

// ParseProtocol accepts "tcp" or "udp" in any case.
func ParseProtocol(raw string) (Protocol, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "tcp":
		return ProtocolTCP, nil
	case "udp":
		return ProtocolUDP, nil
	default:
		return 0, fmt.Errorf("%w: unknown protocol %q", ErrInvalidRule, raw)
	}
}

// Valid reports whether p is a protocol that can be forwarded.
func (p Protocol) Valid() bool {
	return p == ProtocolTCP || p == ProtocolUDP
}

func (p Protocol) String() string {
	switch p {
	case ProtocolTCP:
		return "TCP"
	case ProtocolUDP:
		return "UDP"
	default:
		return fmt.Sprintf("proto(%d)", uint8(p))
	}
}

// Rule is a static forwarding entry directing traffic that arrives on the
// uplink address at ExternalPort to InternalAddr:InternalPort.
type Rule struct {
	Protocol     Protocol
	ExternalPort uint16
	InternalAddr netip.Addr
	InternalPort uint16
}

// Validate checks that every field of the rule can be programmed into the NAT engine.
func (r Rule) Validate() error {
	if !r.Protocol.Valid() {
		return fmt.Errorf("%w: unsupported protocol %d", ErrInvalidRule, uint8(r.Protocol))
	}
	if r.ExternalPort == 0 {
		return fmt.Errorf("%w: external port must be non-zero", ErrInvalidRule)
	}
	if r.InternalPort == 0 {
		return fmt.Errorf("%w: internal port must be non-zero", ErrInvalidRule)
	}
	if !r.InternalAddr.Is4() {
		return fmt.Errorf("%w: internal address %q is not IPv4", ErrInvalidRule, r.InternalAddr)
	}
	return nil
}

func (r Rule) String() string {
	return fmt.Sprintf("%s :%d -> %s", r.Protocol, r.ExternalPort, netip.AddrPortFrom(r.InternalAddr, r.InternalPort))
}

// Entry is a rule together with the slot it occupies.
type Entry struct {
	Slot int
	Rule Rule
}
