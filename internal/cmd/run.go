package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/denniswebb/natgate/internal/config"
	"github.com/denniswebb/natgate/internal/logging"
	"github.com/denniswebb/natgate/internal/metrics"
	"github.com/denniswebb/natgate/internal/nat"
	"github.com/denniswebb/natgate/internal/netif"
	"github.com/denniswebb/natgate/internal/portmap"
	"github.com/denniswebb/natgate/internal/store"
	"github.com/denniswebb/natgate/internal/supervisor"
)

const (
	eventBuffer     = 16
	shutdownTimeout = 5 * time.Second
)

// RunCmd represents the natgate run subcommand.
var RunCmd = &cobra.Command{
	Use:   "run",
	Short: "Bring up the access point and uplink and keep port mappings applied",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := logging.GetLogger()

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		gateway, err := cfg.Gateway()
		if err != nil {
			return err
		}

		pollInterval, err := time.ParseDuration(cfg.PollInterval)
		if err != nil {
			return fmt.Errorf("parse poll interval %q: %w", cfg.PollInterval, err)
		}
		retryInterval, err := time.ParseDuration(cfg.RetryInterval)
		if err != nil {
			return fmt.Errorf("parse retry interval %q: %w", cfg.RetryInterval, err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		m := metrics.NewMetrics()
		health := metrics.NewHealthChecker()

		st, err := store.Open(ctx, cfg.Store, logger.With(slog.String("component", "store")))
		if err != nil {
			return fmt.Errorf("open persistence store: %w", err)
		}
		defer func() {
			if err := st.Close(); err != nil {
				logger.Warn("failed to close persistence store", slog.Any("error", err))
			}
		}()

		engine, err := nat.NewIPTables(nat.Config{
			Chain:  cfg.NATChain,
			Hook:   cfg.NATHook,
			Logger: logger.With(slog.String("component", "nat")),
		})
		if err != nil {
			return fmt.Errorf("create nat engine: %w", err)
		}

		table, err := portmap.NewTable(portmap.Config{
			Store:    st,
			Engine:   engine,
			Logger:   logger.With(slog.String("component", "portmap")),
			Observer: m,
		})
		if err != nil {
			return fmt.Errorf("create port map table: %w", err)
		}
		if err := table.Load(ctx); err != nil {
			logger.Warn("port map table restored with errors", slog.Any("error", err))
		}
		health.SetTableLoaded()

		ifaces, err := netif.NewExec(netif.ExecConfig{
			APInterface:   gateway.APInterface,
			STAInterface:  gateway.STAInterface,
			ResolvConf:    cfg.ResolvConf,
			DNSMasqDropIn: cfg.DNSMasqDropIn,
			DNSMasqReload: []string{"systemctl", "restart", "dnsmasq"},
			Logger:        logger.With(slog.String("component", "netif")),
		})
		if err != nil {
			return fmt.Errorf("create interface driver: %w", err)
		}

		sup, err := supervisor.New(supervisor.Config{
			Gateway:    gateway,
			Interfaces: ifaces,
			NAT:        engine,
			Table:      table,
			Observer:   m,
			Logger:     logger.With(slog.String("component", "supervisor")),
		})
		if err != nil {
			return fmt.Errorf("create supervisor: %w", err)
		}
		if err := sup.Initialize(ctx); err != nil {
			logger.Error("gateway initialization failed", slog.Any("error", err))
			return err
		}
		health.SetAPUp()

		events := make(chan supervisor.Event, eventBuffer)
		watcher, err := netif.NewWatcher(netif.WatcherConfig{
			Source:        ifaces,
			Handler:       eventBridge{events: events},
			PollInterval:  pollInterval,
			RetryInterval: retryInterval,
			WatchSTA:      gateway.STAConfigured(),
			Logger:        logger.With(slog.String("component", "watcher")),
		})
		if err != nil {
			return fmt.Errorf("create link watcher: %w", err)
		}

		server := &http.Server{
			Addr:              cfg.ListenAddr,
			Handler:           newMux(m, health, sup, table),
			ReadHeaderTimeout: 5 * time.Second,
		}

		group, gctx := errgroup.WithContext(ctx)
		group.Go(func() error {
			return sup.Run(gctx, events)
		})
		group.Go(func() error {
			watcher.Run(gctx)
			return nil
		})
		group.Go(func() error {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve %s: %w", cfg.ListenAddr, err)
			}
			return nil
		})
		group.Go(func() error {
			<-gctx.Done()
			health.SetDraining()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})

		logger.Info("gateway started",
			slog.String("state", sup.State().String()),
			slog.String("listen_addr", cfg.ListenAddr),
			slog.Int("rules", table.Len()),
			slog.String("poll_interval", pollInterval.String()),
		)

		err = group.Wait()
		logger.Info("gateway shutdown complete")
		return err
	},
}

func init() {
	flags := RunCmd.Flags()
	flags.String("ap-ssid", "", "Access point SSID (default NozzleBOX)")
	flags.String("ap-password", "", "Access point passphrase; shorter than 8 bytes runs an open AP")
	flags.String("ap-ip", "", "Access point address, served as a /24 (default 192.168.5.1)")
	flags.String("ap-interface", "wlan1", "Access point interface")
	flags.String("ap-mac", "", "Override the access point MAC address")
	flags.String("sta-ssid", "", "Uplink SSID; empty runs the access point only")
	flags.String("sta-password", "", "Uplink passphrase (default NozzleCAM)")
	flags.String("ent-username", "", "WPA2-Enterprise username for the uplink")
	flags.String("ent-identity", "", "WPA2-Enterprise outer identity (defaults to the username)")
	flags.String("sta-interface", "wlan0", "Uplink interface")
	flags.String("sta-mac", "", "Override the uplink MAC address")
	flags.String("static-ip", "", "Static uplink address; requires --subnet-mask and --gateway-addr")
	flags.String("subnet-mask", "", "Static uplink netmask")
	flags.String("gateway-addr", "", "Static uplink default gateway")
	flags.String("dns", "", "DNS server handed to AP clients until the uplink provides one (default 8.8.8.8)")
	flags.String("nat-chain", nat.DefaultChain, "iptables nat chain holding port mappings")
	flags.String("nat-hook", nat.DefaultHook, "Built-in chain that jumps to the port mapping chain")
	flags.String("poll-interval", "2s", "Interval between link polls")
	flags.String("retry-interval", "30s", "Interval between reconnect attempts while the uplink stays down")
	flags.String("resolv-conf", netif.DefaultResolvConf, "Resolver configuration written by the uplink DHCP client")
	flags.String("dnsmasq-dropin", netif.DefaultDNSMasqDropIn, "dnsmasq drop-in file carrying the AP DNS option")

	bindFlags(flags, []flagBinding{
		{key: "ap_ssid", flag: "ap-ssid"},
		{key: "ap_password", flag: "ap-password"},
		{key: "ap_ip", flag: "ap-ip"},
		{key: "ap_interface", flag: "ap-interface"},
		{key: "ap_mac", flag: "ap-mac"},
		{key: "sta_ssid", flag: "sta-ssid"},
		{key: "sta_password", flag: "sta-password"},
		{key: "ent_username", flag: "ent-username"},
		{key: "ent_identity", flag: "ent-identity"},
		{key: "sta_interface", flag: "sta-interface"},
		{key: "sta_mac", flag: "sta-mac"},
		{key: "static_ip", flag: "static-ip"},
		{key: "subnet_mask", flag: "subnet-mask"},
		{key: "gateway_addr", flag: "gateway-addr"},
		{key: "dns", flag: "dns"},
		{key: "nat_chain", flag: "nat-chain"},
		{key: "nat_hook", flag: "nat-hook"},
		{key: "poll_interval", flag: "poll-interval"},
		{key: "retry_interval", flag: "retry-interval"},
		{key: "resolv_conf", flag: "resolv-conf"},
		{key: "dnsmasq_dropin", flag: "dnsmasq-dropin"},
	})
}
