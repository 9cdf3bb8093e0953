package nat

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"strconv"
	"strings"
	"sync"

	"github.com/denniswebb/natgate/internal/portmap"
)

const (
	natTable = "nat"

	// DefaultChain is the nat table chain that holds natgate's DNAT rules.
	DefaultChain = "NATGATE_PORTMAP"

	// DefaultHook is the built-in chain that jumps into DefaultChain.
	DefaultHook = "PREROUTING"

	apPrefixBits = 24
)

// Config describes the iptables layout used by IPTables.
type Config struct {
	Executor Executor
	Chain    string
	Hook     string
	Logger   *slog.Logger
}

var _ portmap.Engine = (*IPTables)(nil)

type mappingKey struct {
	proto portmap.Protocol
	port  uint16
}

// IPTables is a NAT engine backed by iptables. It remembers the rulespec of
// every installed mapping so Remove can delete a mapping knowing only its
// protocol and external port.
type IPTables struct {
	executor Executor
	chain    string
	hook     string
	logger   *slog.Logger

	mu        sync.Mutex
	installed map[mappingKey][]string
}

// NewIPTables validates cfg and returns an engine. Enable must be called
// before the first Add.
func NewIPTables(cfg Config) (*IPTables, error) {
	chain := strings.TrimSpace(cfg.Chain)
	if chain == "" {
		chain = DefaultChain
	}
	hook := strings.TrimSpace(cfg.Hook)
	if hook == "" {
		hook = DefaultHook
	}
	if chain == hook {
		return nil, fmt.Errorf("nat chain and hook must differ, both are %q", chain)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	executor := cfg.Executor
	if executor == nil {
		executor = NewExecutor(logger)
	}

	return &IPTables{
		executor:  executor,
		chain:     chain,
		hook:      hook,
		logger:    logger,
		installed: map[mappingKey][]string{},
	}, nil
}

// Enable prepares an empty DNAT chain, hooks it into the configured built-in
// chain and masquerades traffic sourced from the access point subnet of
// gatewayAddr.
func (e *IPTables) Enable(ctx context.Context, gatewayAddr netip.Addr) error {
	if !gatewayAddr.Is4() {
		return fmt.Errorf("gateway address %q is not IPv4", gatewayAddr)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := EnsureChain(ctx, e.executor, natTable, e.chain, e.logger); err != nil {
		return fmt.Errorf("prepare chain %s: %w", e.chain, err)
	}
	e.installed = map[mappingKey][]string{}

	if err := EnsureRule(ctx, e.executor, natTable, e.hook, e.logger, "-j", e.chain); err != nil {
		return fmt.Errorf("hook chain %s from %s: %w", e.chain, e.hook, err)
	}

	subnet := netip.PrefixFrom(gatewayAddr, apPrefixBits).Masked()
	if err := EnsureRule(ctx, e.executor, natTable, "POSTROUTING", e.logger, "-s", subnet.String(), "-j", "MASQUERADE"); err != nil {
		return fmt.Errorf("masquerade %s: %w", subnet, err)
	}

	e.logger.Info("nat enabled",
		slog.String("gateway", gatewayAddr.String()),
		slog.String("subnet", subnet.String()),
		slog.String("chain", e.chain),
		slog.String("hook", e.hook),
	)
	return nil
}

// Add installs a DNAT rule forwarding proto traffic for addr:externalPort to
// internalAddr:internalPort. An existing mapping for the same protocol and
// external port is replaced.
func (e *IPTables) Add(ctx context.Context, proto portmap.Protocol, addr netip.Addr, externalPort uint16, internalAddr netip.Addr, internalPort uint16) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !proto.Valid() {
		return fmt.Errorf("unsupported protocol %s", proto)
	}
	if !addr.Is4() || !internalAddr.Is4() {
		return fmt.Errorf("dnat requires IPv4 addresses, got %s -> %s", addr, internalAddr)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	key := mappingKey{proto: proto, port: externalPort}
	if err := e.deleteLocked(ctx, key); err != nil {
		return err
	}

	spec := []string{
		"-d", addr.String(),
		"-p", protocolArg(proto),
		"--dport", strconv.Itoa(int(externalPort)),
		"-j", "DNAT",
		"--to-destination", netip.AddrPortFrom(internalAddr, internalPort).String(),
	}

	e.logger.Info("adding dnat rule",
		slog.String("protocol", protocolArg(proto)),
		slog.String("uplink", addr.String()),
		slog.Int("external_port", int(externalPort)),
		slog.String("destination", netip.AddrPortFrom(internalAddr, internalPort).String()),
	)
	args := append([]string{"-w", iptablesWaitSeconds, "-t", natTable, "-A", e.chain}, spec...)
	if err := e.executor.Run(ctx, iptablesBinary, args...); err != nil {
		return fmt.Errorf("add dnat rule %s/%d: %w", protocolArg(proto), externalPort, err)
	}

	e.installed[key] = spec
	return nil
}

// Remove deletes the mapping for proto/externalPort. Unknown mappings are ignored.
func (e *IPTables) Remove(ctx context.Context, proto portmap.Protocol, externalPort uint16) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	return e.deleteLocked(ctx, mappingKey{proto: proto, port: externalPort})
}

// Mappings returns the number of DNAT rules currently installed.
func (e *IPTables) Mappings() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.installed)
}

func (e *IPTables) deleteLocked(ctx context.Context, key mappingKey) error {
	spec, ok := e.installed[key]
	if !ok {
		e.logger.Debug("no dnat rule installed",
			slog.String("protocol", protocolArg(key.proto)),
			slog.Int("external_port", int(key.port)),
		)
		return nil
	}

	e.logger.Info("removing dnat rule",
		slog.String("protocol", protocolArg(key.proto)),
		slog.Int("external_port", int(key.port)),
	)
	args := append([]string{"-w", iptablesWaitSeconds, "-t", natTable, "-D", e.chain}, spec...)
	if err := e.executor.Run(ctx, iptablesBinary, args...); err != nil {
		// Exit status 1 means the rule is already gone.
		if !isExitCode(err, 1) {
			return fmt.Errorf("remove dnat rule %s/%d: %w", protocolArg(key.proto), key.port, err)
		}
	}

	delete(e.installed, key)
	return nil
}

func protocolArg(proto portmap.Protocol) string {
	return strings.ToLower(proto.String())
}
