package portmap

import "net/netip"

// uplinkAddress is the gateway's current translation address. It is only
// touched with Table.mu held; the zero value means unset.
type uplinkAddress struct {
	addr netip.Addr
}

func (u *uplinkAddress) set(addr netip.Addr) {
	u.addr = addr
}

func (u *uplinkAddress) clear() {
	u.addr = netip.Addr{}
}

func (u *uplinkAddress) get() (netip.Addr, bool) {
	return u.addr, u.addr.IsValid()
}
