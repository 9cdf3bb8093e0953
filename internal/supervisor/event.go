package supervisor

import "net/netip"

// Event is a connection event delivered to the supervisor. The concrete
// types below are the only implementations.
type Event interface {
	isEvent()
}

// StaStarted reports that the station interface came up and a connect
// attempt was issued.
type StaStarted struct{}

// StaDisconnected reports loss of the uplink association.
type StaDisconnected struct {
	Reason string
}

// StaGotAddress reports that the uplink acquired Addr.
type StaGotAddress struct {
	Addr netip.Addr
}

// ApClientConnected reports a station joining the access point.
type ApClientConnected struct{}

// ApClientDisconnected reports a station leaving the access point.
type ApClientDisconnected struct{}

// ReconnectIssued is raised internally once a reconnect attempt follows a
// disconnect.
type ReconnectIssued struct{}

func (StaStarted) isEvent()           {}
func (StaDisconnected) isEvent()      {}
func (StaGotAddress) isEvent()        {}
func (ApClientConnected) isEvent()    {}
func (ApClientDisconnected) isEvent() {}
func (ReconnectIssued) isEvent()      {}
