package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"

	"github.com/denniswebb/natgate/internal/logging"
	"github.com/denniswebb/natgate/internal/metrics"
	"github.com/denniswebb/natgate/internal/portmap"
	"github.com/denniswebb/natgate/internal/supervisor"
)

const maxRuleBody = 4 << 10

type statusSource interface {
	Status() supervisor.Status
}

// ruleEditor mutates the port mapping table. The daemon's live table and
// daemonClient both satisfy it.
type ruleEditor interface {
	Add(ctx context.Context, rule portmap.Rule) (int, error)
	Remove(ctx context.Context, proto portmap.Protocol, externalPort uint16) error
}

type ruleTable interface {
	ruleEditor
	Entries() []portmap.Entry
}

// statusDocument is served on /status and read back by `natgate status`.
type statusDocument struct {
	supervisor.Status
	Capacity int            `json:"capacity"`
	Rules    []ruleDocument `json:"rules"`
}

type ruleDocument struct {
	Slot         int    `json:"slot"`
	Protocol     string `json:"protocol"`
	ExternalPort uint16 `json:"external_port"`
	InternalAddr string `json:"internal_addr"`
	InternalPort uint16 `json:"internal_port"`
}

func newRuleDocument(e portmap.Entry) ruleDocument {
	return ruleDocument{
		Slot:         e.Slot,
		Protocol:     e.Rule.Protocol.String(),
		ExternalPort: e.Rule.ExternalPort,
		InternalAddr: e.Rule.InternalAddr.String(),
		InternalPort: e.Rule.InternalPort,
	}
}

func newRuleDocuments(entries []portmap.Entry) []ruleDocument {
	docs := make([]ruleDocument, 0, len(entries))
	for _, e := range entries {
		docs = append(docs, newRuleDocument(e))
	}
	return docs
}

// rule converts the document back into a table rule. The slot is ignored.
func (d ruleDocument) rule() (portmap.Rule, error) {
	proto, err := portmap.ParseProtocol(d.Protocol)
	if err != nil {
		return portmap.Rule{}, err
	}
	addr, err := netip.ParseAddr(d.InternalAddr)
	if err != nil {
		return portmap.Rule{}, fmt.Errorf("%w: internal address: %v", portmap.ErrInvalidRule, err)
	}
	return portmap.Rule{Protocol: proto, ExternalPort: d.ExternalPort, InternalAddr: addr, InternalPort: d.InternalPort}, nil
}

func (d ruleDocument) entry() (portmap.Entry, error) {
	r, err := d.rule()
	if err != nil {
		return portmap.Entry{}, err
	}
	return portmap.Entry{Slot: d.Slot, Rule: r}, nil
}

func newStatusDocument(status supervisor.Status, entries []portmap.Entry) statusDocument {
	return statusDocument{
		Status:   status,
		Capacity: portmap.Capacity,
		Rules:    newRuleDocuments(entries),
	}
}

func newMux(m *metrics.Metrics, health *metrics.HealthChecker, status statusSource, rules ruleTable) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.Handle("/healthz", health.Handler())
	mux.Handle("/status", statusHandler(status, rules))
	mux.Handle("/portmap", portmapHandler(rules))
	return mux
}

func statusHandler(status statusSource, rules ruleTable) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, newStatusDocument(status.Status(), rules.Entries()))
	})
}

// portmapHandler serves the live table: GET lists, POST adds a rule from a
// JSON ruleDocument, DELETE removes by ?protocol=&external_port=.
func portmapHandler(rules ruleTable) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, http.StatusOK, newRuleDocuments(rules.Entries()))

		case http.MethodPost:
			var doc ruleDocument
			if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRuleBody)).Decode(&doc); err != nil {
				http.Error(w, fmt.Sprintf("decode rule: %v", err), http.StatusBadRequest)
				return
			}
			rule, err := doc.rule()
			if err != nil {
				writeRuleError(w, err)
				return
			}
			slot, err := rules.Add(r.Context(), rule)
			if err != nil {
				writeRuleError(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, newRuleDocument(portmap.Entry{Slot: slot, Rule: rule}))

		case http.MethodDelete:
			query := r.URL.Query()
			proto, err := portmap.ParseProtocol(query.Get("protocol"))
			if err != nil {
				writeRuleError(w, err)
				return
			}
			port, err := parsePort(query.Get("external_port"))
			if err != nil {
				writeRuleError(w, err)
				return
			}
			if err := rules.Remove(r.Context(), proto, port); err != nil {
				writeRuleError(w, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)

		default:
			w.Header().Set("Allow", "GET, POST, DELETE")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
}

func writeRuleError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, portmap.ErrInvalidRule):
		code = http.StatusBadRequest
	case errors.Is(err, portmap.ErrTableFull):
		code = http.StatusConflict
	}
	http.Error(w, err.Error(), code)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.GetLogger().Warn("failed to write response", slog.Any("error", err))
	}
}
