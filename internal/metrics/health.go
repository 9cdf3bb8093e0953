package metrics

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/denniswebb/natgate/internal/logging"
)

// HealthChecker reports gateway readiness. The daemon is ready once the port
// map table is restored and the access point is serving, and stops being
// ready when shutdown begins.
type HealthChecker struct {
	mu          sync.RWMutex
	apUp        bool
	tableLoaded bool
	draining    bool
	logger      *slog.Logger
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{logger: logging.GetLogger()}
}

// SetAPUp records that the access point and NAT engine are up.
func (h *HealthChecker) SetAPUp() {
	h.mu.Lock()
	h.apUp = true
	h.mu.Unlock()
}

// SetTableLoaded records that the port map table was restored from the store.
func (h *HealthChecker) SetTableLoaded() {
	h.mu.Lock()
	h.tableLoaded = true
	h.mu.Unlock()
}

// SetDraining marks the daemon as shutting down. It is never cleared.
func (h *HealthChecker) SetDraining() {
	h.mu.Lock()
	h.draining = true
	h.mu.Unlock()
}

func (h *HealthChecker) IsHealthy() bool {
	return len(h.pending()) == 0
}

// pending names the readiness gates that are not yet satisfied.
func (h *HealthChecker) pending() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.draining {
		return []string{"shutdown"}
	}
	var missing []string
	if !h.tableLoaded {
		missing = append(missing, "port map table")
	}
	if !h.apUp {
		missing = append(missing, "access point")
	}
	return missing
}

// Handler serves /healthz. Unready responses name what is still pending.
func (h *HealthChecker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")

		missing := h.pending()
		if len(missing) == 0 {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("OK\n"))
			return
		}

		h.logger.Debug("gateway not ready", slog.String("pending", strings.Join(missing, ",")))
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready: " + strings.Join(missing, ", ") + "\n"))
	})
}
