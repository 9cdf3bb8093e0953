package portmap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"

	"github.com/denniswebb/natgate/internal/store"
)

// Store is the subset of the persistence store used by the table.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Commit(ctx context.Context) error
}

// Engine programs port mappings into the NAT engine. Remove is keyed only by
// protocol and external port; the engine does not care which address the
// mapping was installed against.
type Engine interface {
	Add(ctx context.Context, proto Protocol, addr netip.Addr, externalPort uint16, internalAddr netip.Addr, internalPort uint16) error
	Remove(ctx context.Context, proto Protocol, externalPort uint16) error
}

// Observer receives table level signals, typically Prometheus instruments.
type Observer interface {
	SetRuleCount(count int)
	IncrementError(errorType string)
}

// Error type labels reported to the Observer.
const (
	ErrorTypePersist = "persist"
	ErrorTypeEngine  = "nat_engine"
	ErrorTypeLoad    = "load"
)

// Config holds the collaborators of a Table.
type Config struct {
	Store    Store
	Engine   Engine
	Logger   *slog.Logger
	Observer Observer
}

// Table is the authoritative set of forwarding rules together with the
// current uplink address. A single mutex guards both, and every logical
// operation (slot mutation, persistence write, engine calls) completes
// inside one critical section, so a Reapply triggered by a connection event
// never interleaves with an Add or Remove issued by a command.
type Table struct {
	store    Store
	engine   Engine
	logger   *slog.Logger
	observer Observer

	mu     sync.Mutex
	slots  [Capacity]slot
	uplink uplinkAddress
}

// NewTable validates the configuration and returns an empty table. Call Load
// to restore persisted rules.
func NewTable(cfg Config) (*Table, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("persistence store is required")
	}
	if cfg.Engine == nil {
		return nil, fmt.Errorf("nat engine is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Table{
		store:    cfg.Store,
		engine:   cfg.Engine,
		logger:   logger,
		observer: cfg.Observer,
	}, nil
}

// Load restores the table from the persistence store. A missing blob leaves
// the table empty. A blob of the wrong size is discarded: the table is reset
// to empty, the empty table is written back, and an error wrapping
// ErrInvalidLength is returned for the caller to log. Load never leaves a
// partially decoded table behind.
func (t *Table) Load(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.slots = [Capacity]slot{}

	blob, err := t.store.Get(ctx, StoreKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			t.logger.Info("no persisted port map table, starting empty", slog.String("key", StoreKey))
			t.reportCountLocked()
			return nil
		}
		t.incError(ErrorTypeLoad)
		t.logger.Warn("failed to read persisted port map table, starting empty",
			slog.String("key", StoreKey),
			slog.Any("error", err),
		)
		t.reportCountLocked()
		return fmt.Errorf("read %s: %w", StoreKey, err)
	}

	if err := decode(blob, &t.slots); err != nil {
		t.incError(ErrorTypeLoad)
		t.logger.Warn("discarding persisted port map table",
			slog.String("key", StoreKey),
			slog.Int("length", len(blob)),
			slog.Int("expected_length", BlobSize),
			slog.Any("error", err),
		)
		t.persistLocked(ctx)
		t.reportCountLocked()
		return err
	}

	t.logger.Info("port map table loaded",
		slog.String("key", StoreKey),
		slog.Int("rules", t.countLocked()),
	)
	t.reportCountLocked()
	return nil
}

// Add stores rule in the first free slot and returns the slot index. The
// whole table is persisted afterwards; a persistence failure is logged and
// the rule is kept in memory, so the running session stays authoritative
// until the next successful write. When an uplink address is known the
// mapping is pushed to the engine immediately.
func (t *Table) Add(ctx context.Context, rule Rule) (int, error) {
	if err := rule.Validate(); err != nil {
		return -1, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	idx := -1
	for i := range t.slots {
		if !t.slots[i].valid {
			idx = i
			break
		}
	}
	if idx < 0 {
		return -1, ErrTableFull
	}

	t.slots[idx] = slot{rule: rule, valid: true}
	t.logger.Info("port map rule added", slog.Int("slot", idx), slog.String("rule", rule.String()))

	t.persistLocked(ctx)
	t.reportCountLocked()

	if addr, ok := t.uplink.get(); ok {
		t.engineAddLocked(ctx, rule, addr)
	}

	return idx, nil
}

// Remove clears the lowest-indexed slot matching proto and externalPort.
// Removing a rule that does not exist succeeds. When an uplink address is
// known the engine is asked to drop the mapping whether or not a slot matched.
func (t *Table) Remove(ctx context.Context, proto Protocol, externalPort uint16) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := false
	for i := range t.slots {
		s := &t.slots[i]
		if s.valid && s.rule.Protocol == proto && s.rule.ExternalPort == externalPort {
			t.logger.Info("port map rule removed", slog.Int("slot", i), slog.String("rule", s.rule.String()))
			*s = slot{}
			removed = true
			break
		}
	}

	if removed {
		t.persistLocked(ctx)
		t.reportCountLocked()
	} else {
		t.logger.Debug("no port map rule to remove",
			slog.String("protocol", proto.String()),
			slog.Int("external_port", int(externalPort)),
		)
	}

	if _, ok := t.uplink.get(); ok {
		if err := t.engine.Remove(ctx, proto, externalPort); err != nil {
			t.incError(ErrorTypeEngine)
			t.logger.Warn("nat engine remove failed",
				slog.String("protocol", proto.String()),
				slog.Int("external_port", int(externalPort)),
				slog.Any("error", err),
			)
		}
	}

	return nil
}

// Reapply records addr as the uplink address and re-pushes every rule to the
// engine: all occupied slots are removed first, then all are added back
// against addr. Between the two passes forwarded ports are unmapped; the
// window is bounded by 2*Capacity engine calls.
func (t *Table) Reapply(ctx context.Context, addr netip.Addr) {
	if !addr.Is4() {
		t.logger.Warn("ignoring reapply with non-IPv4 uplink address", slog.String("address", addr.String()))
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	previous, hadPrevious := t.uplink.get()
	t.uplink.set(addr)

	removed := 0
	for i := range t.slots {
		if !t.slots[i].valid {
			continue
		}
		r := t.slots[i].rule
		if err := t.engine.Remove(ctx, r.Protocol, r.ExternalPort); err != nil {
			t.incError(ErrorTypeEngine)
			t.logger.Warn("nat engine remove failed during reapply",
				slog.Int("slot", i),
				slog.String("rule", r.String()),
				slog.Any("error", err),
			)
			continue
		}
		removed++
	}

	added := 0
	for i := range t.slots {
		if !t.slots[i].valid {
			continue
		}
		if t.engineAddLocked(ctx, t.slots[i].rule, addr) {
			added++
		}
	}

	attrs := []any{
		slog.String("uplink", addr.String()),
		slog.Int("removed", removed),
		slog.Int("added", added),
	}
	if hadPrevious {
		attrs = append(attrs, slog.String("previous_uplink", previous.String()))
	}
	t.logger.Info("port map table reapplied", attrs...)
}

// ClearUplink marks the uplink address unset. Rules stay persisted but are no
// longer pushed to the engine until the next Reapply.
func (t *Table) ClearUplink() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.uplink.clear()
}

// Uplink returns the current uplink address and whether one is set.
func (t *Table) Uplink() (netip.Addr, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.uplink.get()
}

// List returns the occupied rules in slot order.
func (t *Table) List() []Rule {
	t.mu.Lock()
	defer t.mu.Unlock()

	rules := make([]Rule, 0, Capacity)
	for i := range t.slots {
		if t.slots[i].valid {
			rules = append(rules, t.slots[i].rule)
		}
	}
	return rules
}

// Entries returns the occupied slots with their indexes, in slot order.
func (t *Table) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	entries := make([]Entry, 0, Capacity)
	for i := range t.slots {
		if t.slots[i].valid {
			entries = append(entries, Entry{Slot: i, Rule: t.slots[i].rule})
		}
	}
	return entries
}

// Len returns the number of occupied slots.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.countLocked()
}

func (t *Table) engineAddLocked(ctx context.Context, r Rule, addr netip.Addr) bool {
	if err := t.engine.Add(ctx, r.Protocol, addr, r.ExternalPort, r.InternalAddr, r.InternalPort); err != nil {
		t.incError(ErrorTypeEngine)
		t.logger.Warn("nat engine add failed",
			slog.String("rule", r.String()),
			slog.String("uplink", addr.String()),
			slog.Any("error", err),
		)
		return false
	}
	return true
}

func (t *Table) persistLocked(ctx context.Context) {
	blob := encode(&t.slots)
	err := t.store.Set(ctx, StoreKey, blob)
	if err == nil {
		err = t.store.Commit(ctx)
	}
	if err != nil {
		t.incError(ErrorTypePersist)
		t.logger.Error("failed to persist port map table; in-memory table remains authoritative",
			slog.String("key", StoreKey),
			slog.Any("error", err),
		)
		return
	}
	t.logger.Debug("port map table stored", slog.String("key", StoreKey), slog.Int("bytes", len(blob)))
}

func (t *Table) countLocked() int {
	n := 0
	for i := range t.slots {
		if t.slots[i].valid {
			n++
		}
	}
	return n
}

func (t *Table) reportCountLocked() {
	if t.observer != nil {
		t.observer.SetRuleCount(t.countLocked())
	}
}

func (t *Table) incError(errorType string) {
	if t.observer != nil {
		t.observer.IncrementError(errorType)
	}
}
