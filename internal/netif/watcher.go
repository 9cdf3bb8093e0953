package netif

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/benbjohnson/clock"
)

// Handler reacts to link changes detected by the Watcher.
type Handler interface {
	STAGotAddress(ctx context.Context, addr netip.Addr)
	STADisconnected(ctx context.Context, reason string)
	APClientConnected(ctx context.Context)
	APClientDisconnected(ctx context.Context)
}

// WatcherConfig holds the dependencies and settings for the Watcher.
type WatcherConfig struct {
	Source       LinkSource
	Handler      Handler
	PollInterval time.Duration
	// RetryInterval re-reports a STA link that stays down, so a failed
	// reconnect attempt is retried.
	RetryInterval time.Duration
	// WatchSTA disables STA polling when no uplink is configured.
	WatchSTA bool
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Watcher periodically polls the interfaces and reports transitions.
// All state is owned by the Run goroutine.
type Watcher struct {
	cfg    WatcherConfig
	clock  clock.Clock
	logger *slog.Logger

	staObserved bool
	link        Link
	lastReport  time.Time
	stations    int
}

// NewWatcher validates the configuration and returns a Watcher ready to run.
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("link source is required")
	}
	if cfg.Handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("poll interval must be positive")
	}
	if cfg.RetryInterval < cfg.PollInterval {
		cfg.RetryInterval = cfg.PollInterval
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Watcher{cfg: cfg, clock: clk, logger: logger}, nil
}

// Run executes the polling loop until the context is canceled.
func (w *Watcher) Run(ctx context.Context) {
	w.logger.Info("starting link watcher",
		slog.String("poll_interval", w.cfg.PollInterval.String()),
		slog.Bool("watch_sta", w.cfg.WatchSTA),
	)

	ticker := w.clock.Ticker(w.cfg.PollInterval)
	defer func() {
		ticker.Stop()
		w.logger.Info("stopping link watcher")
	}()

	w.pollOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.pollOnce(ctx)
		}
	}
}

func (w *Watcher) pollOnce(ctx context.Context) {
	if w.cfg.WatchSTA {
		w.pollSTA(ctx)
	}
	w.pollAP(ctx)
}

func (w *Watcher) pollSTA(ctx context.Context) {
	link, err := w.cfg.Source.STALink(ctx)
	if err != nil {
		w.logger.Warn("failed to read sta link", slog.Any("error", err))
		return
	}

	now := w.clock.Now()
	up := linkUp(link)
	previous := w.link
	first := !w.staObserved
	w.link = link
	w.staObserved = true

	switch {
	case up && (first || !linkUp(previous) || previous.Address != link.Address):
		w.logger.Info("sta address acquired",
			slog.String("address", link.Address.String()),
			slog.String("previous", previous.Address.String()),
		)
		w.cfg.Handler.STAGotAddress(ctx, link.Address)
	case up:
		w.logger.Debug("sta link unchanged", slog.String("address", link.Address.String()))
	case first:
		w.logger.Debug("sta link down at startup", slog.String("state", link.State))
		w.lastReport = now
	case linkUp(previous):
		w.logger.Info("sta link lost", slog.String("state", link.State))
		w.lastReport = now
		w.cfg.Handler.STADisconnected(ctx, disconnectReason(link))
	case now.Sub(w.lastReport) >= w.cfg.RetryInterval:
		w.logger.Info("sta link still down", slog.String("state", link.State))
		w.lastReport = now
		w.cfg.Handler.STADisconnected(ctx, disconnectReason(link))
	}
}

func (w *Watcher) pollAP(ctx context.Context) {
	count, err := w.cfg.Source.APStations(ctx)
	if err != nil {
		w.logger.Warn("failed to read ap stations", slog.Any("error", err))
		return
	}

	for ; w.stations < count; w.stations++ {
		w.cfg.Handler.APClientConnected(ctx)
	}
	for ; w.stations > count; w.stations-- {
		w.cfg.Handler.APClientDisconnected(ctx)
	}
}

func linkUp(link Link) bool {
	return link.Associated() && link.Address.IsValid()
}

func disconnectReason(link Link) string {
	if link.State == "" {
		return "no link"
	}
	return "wpa_state=" + link.State
}
