package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGatewayReadiness(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		signals    func(h *HealthChecker)
		wantStatus int
		wantBody   string
	}{
		{
			name:       "starting",
			signals:    func(*HealthChecker) {},
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   "not ready: port map table, access point\n",
		},
		{
			name:       "table restored, access point pending",
			signals:    func(h *HealthChecker) { h.SetTableLoaded() },
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   "not ready: access point\n",
		},
		{
			name: "serving",
			signals: func(h *HealthChecker) {
				h.SetTableLoaded()
				h.SetAPUp()
			},
			wantStatus: http.StatusOK,
			wantBody:   "OK\n",
		},
		{
			name: "shutting down",
			signals: func(h *HealthChecker) {
				h.SetTableLoaded()
				h.SetAPUp()
				h.SetDraining()
			},
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   "not ready: shutdown\n",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			h := NewHealthChecker()
			tc.signals(h)

			rec := httptest.NewRecorder()
			h.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

			if rec.Code != tc.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tc.wantStatus)
			}
			if got := rec.Body.String(); got != tc.wantBody {
				t.Fatalf("body = %q, want %q", got, tc.wantBody)
			}
			if healthy := tc.wantStatus == http.StatusOK; h.IsHealthy() != healthy {
				t.Fatalf("IsHealthy = %v, want %v", h.IsHealthy(), healthy)
			}
		})
	}
}
