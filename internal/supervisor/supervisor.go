// Package supervisor drives the access point and station uplink through an
// explicit connection state machine and keeps the port mapping table
// applied against the current uplink address.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/netip"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/denniswebb/natgate/internal/config"
	"github.com/denniswebb/natgate/internal/netif"
)

// ErrNetifConfig wraps interface bring-up failures during Initialize. They
// are fatal: no gateway can run without its access point.
var ErrNetifConfig = errors.New("network interface configuration failed")

// Error type labels reported to the Observer.
const (
	ErrorTypeConnect = "connect"
	ErrorTypeDNS     = "dns_propagation"
)

// NAT enables translation for the access point subnet.
type NAT interface {
	Enable(ctx context.Context, gatewayAddr netip.Addr) error
}

// Table is the port mapping table as seen by the supervisor.
type Table interface {
	Reapply(ctx context.Context, addr netip.Addr)
	ClearUplink()
	Uplink() (netip.Addr, bool)
}

// Observer receives connection level signals, typically Prometheus instruments.
type Observer interface {
	SetConnectionState(state string)
	SetUplinkConnected(connected bool)
	SetAPClients(count int)
	IncrementReconnect()
	IncrementError(errorType string)
}

// Config holds the collaborators and settings of a Supervisor.
type Config struct {
	Gateway    config.Gateway
	Interfaces netif.Interfaces
	NAT        NAT
	Table      Table
	Observer   Observer
	// Backoff paces reconnect attempts after a disconnect. The zero value
	// selects DefaultBackoff.
	Backoff wait.Backoff
	Clock   clock.Clock
	Logger  *slog.Logger
}

// Status is a snapshot of the connection state for status reporting.
type Status struct {
	State      State      `json:"state"`
	Uplink     netip.Addr `json:"uplink"`
	APClients  int        `json:"ap_clients"`
	Reconnects int        `json:"reconnects"`
}

// DefaultBackoff returns the reconnect schedule: 500ms doubling up to 30s,
// each delay stretched by up to 20% jitter.
func DefaultBackoff() wait.Backoff {
	return wait.Backoff{
		Duration: 500 * time.Millisecond,
		Factor:   2,
		Jitter:   0.2,
		Steps:    math.MaxInt32,
		Cap:      30 * time.Second,
	}
}

// Supervisor owns the connection state machine. Handle is meant to be
// called from a single goroutine; Status may be called from any.
type Supervisor struct {
	gateway  config.Gateway
	ifaces   netif.Interfaces
	nat      NAT
	table    Table
	observer Observer
	clock    clock.Clock
	logger   *slog.Logger
	schedule wait.Backoff

	mu         sync.Mutex
	state      State
	apClients  int
	reconnects int
	backoff    wait.Backoff
	retry      *clock.Timer
}

// New validates cfg and returns a Supervisor in the ApOnly state.
func New(cfg Config) (*Supervisor, error) {
	if cfg.Interfaces == nil {
		return nil, fmt.Errorf("interfaces are required")
	}
	if cfg.NAT == nil {
		return nil, fmt.Errorf("nat engine is required")
	}
	if cfg.Table == nil {
		return nil, fmt.Errorf("port mapping table is required")
	}

	schedule := cfg.Backoff
	if schedule.Duration <= 0 {
		schedule = DefaultBackoff()
	}
	if schedule.Steps <= 0 {
		schedule.Steps = math.MaxInt32
	}

	observer := cfg.Observer
	if observer == nil {
		observer = nopObserver{}
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Supervisor{
		gateway:  cfg.Gateway,
		ifaces:   cfg.Interfaces,
		nat:      cfg.NAT,
		table:    cfg.Table,
		observer: observer,
		clock:    clk,
		logger:   logger,
		schedule: schedule,
		state:    ApOnly,
		backoff:  schedule,
	}, nil
}

// Initialize brings up the access point and NAT, then the station uplink
// when one is configured. Interface failures are returned wrapped in
// ErrNetifConfig; a failed first connect attempt is only logged.
func (s *Supervisor) Initialize(ctx context.Context) error {
	g := s.gateway

	ap := netif.AP{SSID: g.APSSID, Password: g.APPassword, Address: g.APAddress, Open: g.APOpen(), MAC: g.APMAC}
	if ap.Open && g.APPassword != "" {
		s.logger.Warn("ap passphrase too short for WPA2, starting open access point",
			slog.Int("min_length", config.MinPassphraseLength),
		)
	}
	if err := s.ifaces.ConfigureAP(ctx, ap); err != nil {
		return fmt.Errorf("%w: configure access point: %w", ErrNetifConfig, err)
	}
	if err := s.ifaces.SetAPDNS(ctx, g.DNS); err != nil {
		return fmt.Errorf("%w: set access point dns: %w", ErrNetifConfig, err)
	}
	if err := s.nat.Enable(ctx, g.APAddress); err != nil {
		return fmt.Errorf("%w: enable nat: %w", ErrNetifConfig, err)
	}

	if !g.STAConfigured() {
		if err := s.ifaces.SetMode(ctx, netif.ModeAP); err != nil {
			return fmt.Errorf("%w: set ap mode: %w", ErrNetifConfig, err)
		}
		s.logger.Info("no uplink configured, running access point only")
		s.publish()
		return nil
	}

	if err := s.ifaces.SetMode(ctx, netif.ModeAPSTA); err != nil {
		return fmt.Errorf("%w: set ap+sta mode: %w", ErrNetifConfig, err)
	}
	sta := netif.STA{
		SSID:           g.STASSID,
		Password:       g.STAPassword,
		EnterpriseUser: g.EnterpriseUser,
		Identity:       g.Identity(),
		MAC:            g.STAMAC,
	}
	if err := s.ifaces.ConfigureSTA(ctx, sta); err != nil {
		return fmt.Errorf("%w: configure station: %w", ErrNetifConfig, err)
	}
	if g.HasStaticIP() {
		static := netif.StaticIP{Address: g.StaticIP, Netmask: g.StaticNetmask, Gateway: g.StaticGateway}
		if err := s.ifaces.SetStaticIP(ctx, static); err != nil {
			return fmt.Errorf("%w: set static ip: %w", ErrNetifConfig, err)
		}
	}

	if err := s.ifaces.Connect(ctx); err != nil {
		s.logger.Warn("initial uplink connect failed", slog.Any("error", err))
		s.observer.IncrementError(ErrorTypeConnect)
	}
	s.transition(StaStarted{})

	if g.HasStaticIP() {
		s.table.Reapply(ctx, g.StaticIP)
	}

	s.logger.Info("uplink connect issued",
		slog.String("ssid", g.STASSID),
		slog.Bool("static_ip", g.HasStaticIP()),
		slog.Bool("enterprise", g.EnterpriseUser != ""),
	)
	s.publish()
	return nil
}

// Run handles events until ctx is canceled or events is closed. A pending
// reconnect fires from the same loop, so events keep flowing while the
// backoff delay runs.
func (s *Supervisor) Run(ctx context.Context, events <-chan Event) error {
	s.logger.Info("starting connection supervisor", slog.String("state", s.State().String()))
	defer s.logger.Info("stopping connection supervisor")
	defer s.cancelRetry()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			s.Handle(ctx, ev)
		case <-s.retryC():
			s.reconnect(ctx)
		}
	}
}

// Handle applies a single event without blocking. A disconnect arms the
// backoff timer that Run waits on; a new address cancels it.
func (s *Supervisor) Handle(ctx context.Context, ev Event) {
	switch e := ev.(type) {
	case StaStarted, ReconnectIssued:
		s.transition(e)
		s.publish()
	case StaDisconnected:
		s.handleDisconnect(e)
	case StaGotAddress:
		s.handleGotAddress(ctx, e)
	case ApClientConnected:
		s.mu.Lock()
		s.apClients++
		count := s.apClients
		s.mu.Unlock()
		s.observer.SetAPClients(count)
	case ApClientDisconnected:
		s.mu.Lock()
		if s.apClients > 0 {
			s.apClients--
		}
		count := s.apClients
		s.mu.Unlock()
		s.observer.SetAPClients(count)
	default:
		s.logger.Warn("ignoring unknown event", slog.String("event", fmt.Sprintf("%T", ev)))
	}
}

// State returns the current connection state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns a snapshot for status reporting.
func (s *Supervisor) Status() Status {
	uplink, _ := s.table.Uplink()

	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		State:      s.state,
		Uplink:     uplink,
		APClients:  s.apClients,
		Reconnects: s.reconnects,
	}
}

func (s *Supervisor) handleDisconnect(ev StaDisconnected) {
	s.mu.Lock()
	if s.state == ApOnly {
		s.mu.Unlock()
		s.logger.Warn("ignoring sta disconnect without configured uplink", slog.String("reason", ev.Reason))
		return
	}
	if s.retry != nil {
		s.mu.Unlock()
		s.logger.Debug("reconnect already pending", slog.String("reason", ev.Reason))
		return
	}
	s.state = Next(s.state, ev)
	delay := s.backoff.Step()
	s.retry = s.clock.Timer(delay)
	s.mu.Unlock()

	s.table.ClearUplink()
	s.publish()
	s.logger.Warn("uplink lost, scheduling reconnect",
		slog.String("reason", ev.Reason),
		slog.String("delay", delay.String()),
	)
}

func (s *Supervisor) reconnect(ctx context.Context) {
	s.mu.Lock()
	s.retry = nil
	s.reconnects++
	s.mu.Unlock()
	s.observer.IncrementReconnect()

	if err := s.ifaces.Connect(ctx); err != nil {
		s.logger.Warn("uplink reconnect failed", slog.Any("error", err))
		s.observer.IncrementError(ErrorTypeConnect)
	}
	s.transition(ReconnectIssued{})
	s.publish()
}

// retryC returns the pending reconnect timer channel, or nil when no
// reconnect is scheduled.
func (s *Supervisor) retryC() <-chan time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.retry == nil {
		return nil
	}
	return s.retry.C
}

func (s *Supervisor) cancelRetry() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
}

func (s *Supervisor) handleGotAddress(ctx context.Context, ev StaGotAddress) {
	if !ev.Addr.Is4() {
		s.logger.Warn("ignoring non-IPv4 uplink address", slog.String("address", ev.Addr.String()))
		return
	}

	s.mu.Lock()
	if s.state == ApOnly {
		s.mu.Unlock()
		s.logger.Warn("ignoring sta address without configured uplink", slog.String("address", ev.Addr.String()))
		return
	}
	s.state = Next(s.state, ev)
	s.backoff = s.schedule
	pending := s.retry != nil
	if pending {
		s.retry.Stop()
		s.retry = nil
	}
	s.mu.Unlock()

	if pending {
		s.logger.Info("uplink recovered, pending reconnect canceled")
	}

	s.table.Reapply(ctx, ev.Addr)
	s.publish()
	s.logger.Info("uplink connected", slog.String("address", ev.Addr.String()))

	dns, err := s.ifaces.STADNS(ctx)
	if err == nil {
		err = s.ifaces.SetAPDNS(ctx, dns)
	}
	if err != nil {
		s.logger.Warn("failed to propagate uplink dns to access point", slog.Any("error", err))
		s.observer.IncrementError(ErrorTypeDNS)
	}
}

func (s *Supervisor) transition(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := Next(s.state, ev)
	if next != s.state {
		s.logger.Debug("connection state changed",
			slog.String("from", s.state.String()),
			slog.String("to", next.String()),
			slog.String("event", fmt.Sprintf("%T", ev)),
		)
	}
	s.state = next
}

func (s *Supervisor) publish() {
	_, connected := s.table.Uplink()
	s.observer.SetUplinkConnected(connected)
	s.observer.SetConnectionState(s.State().String())
}

type nopObserver struct{}

func (nopObserver) SetConnectionState(string) {}
func (nopObserver) SetUplinkConnected(bool)   {}
func (nopObserver) SetAPClients(int)          {}
func (nopObserver) IncrementReconnect()       {}
func (nopObserver) IncrementError(string)     {}
