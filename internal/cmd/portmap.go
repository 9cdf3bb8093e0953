package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/netip"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/denniswebb/natgate/internal/config"
	"github.com/denniswebb/natgate/internal/logging"
	"github.com/denniswebb/natgate/internal/portmap"
	"github.com/denniswebb/natgate/internal/store"
)

// PortmapCmd groups the port mapping subcommands.
var PortmapCmd = &cobra.Command{
	Use:   "portmap",
	Short: "Edit the port mapping table",
	Long: `Edit the port mapping table of the running daemon through its listener.
Changes take effect immediately and are persisted by the daemon. When no
daemon answers, or with --offline, the table in the configured persistence
store is edited instead and applied when the daemon next starts.`,
}

var portmapAddCmd = &cobra.Command{
	Use:   "add <tcp|udp> <external-port> <internal-ip> <internal-port>",
	Short: "Add a port mapping in the first free slot",
	Args:  cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuleEditor(cmd, func(editor ruleEditor) error {
			return portmapAdd(cmd.Context(), editor, cmd.OutOrStdout(), args)
		})
	},
}

var portmapDelCmd = &cobra.Command{
	Use:     "del <tcp|udp> <external-port>",
	Aliases: []string{"rm", "remove"},
	Short:   "Remove the first port mapping matching protocol and external port",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuleEditor(cmd, func(editor ruleEditor) error {
			return portmapDel(cmd.Context(), editor, cmd.OutOrStdout(), args)
		})
	},
}

var portmapListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List the port mappings",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if offline, _ := cmd.Flags().GetBool("offline"); !offline {
			entries, err := liveClient().entries(ctx)
			if err == nil {
				return writeEntries(cmd.OutOrStdout(), entries)
			}
			if !errors.Is(err, errDaemonUnreachable) {
				return err
			}
			logging.GetLogger().Info("daemon not reachable, reading persisted table", slog.Any("error", err))
		}
		return withOfflineTable(ctx, func(table *portmap.Table) error {
			return writeEntries(cmd.OutOrStdout(), table.Entries())
		})
	},
}

func init() {
	PortmapCmd.PersistentFlags().Bool("offline", false, "Edit the persisted table without contacting the daemon")
	PortmapCmd.AddCommand(portmapAddCmd, portmapDelCmd, portmapListCmd)
}

func liveClient() *daemonClient {
	return newDaemonClient(daemonBaseURL(viper.GetString("listen_addr")), &http.Client{Timeout: statusTimeout})
}

// withRuleEditor runs fn against the daemon's live table, falling back to
// the persisted table when the daemon cannot be dialed.
func withRuleEditor(cmd *cobra.Command, fn func(ruleEditor) error) error {
	ctx := cmd.Context()
	if offline, _ := cmd.Flags().GetBool("offline"); !offline {
		err := fn(liveClient())
		if !errors.Is(err, errDaemonUnreachable) {
			return err
		}
		logging.GetLogger().Info("daemon not reachable, editing persisted table", slog.Any("error", err))
	}
	return withOfflineTable(ctx, func(table *portmap.Table) error {
		return fn(table)
	})
}

// offlineEngine stands in for the NAT engine when the table is edited
// outside the daemon. The uplink is never set, so it is never called.
type offlineEngine struct{}

func (offlineEngine) Add(context.Context, portmap.Protocol, netip.Addr, uint16, netip.Addr, uint16) error {
	return nil
}

func (offlineEngine) Remove(context.Context, portmap.Protocol, uint16) error {
	return nil
}

func withOfflineTable(ctx context.Context, fn func(*portmap.Table) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := logging.GetLogger()
	table, closeFn, err := openOfflineTable(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeFn(); err != nil {
			logger.Warn("failed to close persistence store", slog.Any("error", err))
		}
	}()

	return fn(table)
}

func openOfflineTable(ctx context.Context, cfg store.Config, logger *slog.Logger) (*portmap.Table, func() error, error) {
	st, err := store.Open(ctx, cfg, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("open persistence store: %w", err)
	}

	table, err := portmap.NewTable(portmap.Config{Store: st, Engine: offlineEngine{}, Logger: logger})
	if err != nil {
		_ = st.Close()
		return nil, nil, err
	}
	if err := table.Load(ctx); err != nil {
		logger.Warn("port map table restored with errors", slog.Any("error", err))
	}
	return table, st.Close, nil
}

func portmapAdd(ctx context.Context, editor ruleEditor, out io.Writer, args []string) error {
	proto, err := portmap.ParseProtocol(args[0])
	if err != nil {
		return err
	}
	externalPort, err := parsePort(args[1])
	if err != nil {
		return err
	}
	internalAddr, err := netip.ParseAddr(args[2])
	if err != nil {
		return fmt.Errorf("%w: internal address: %v", portmap.ErrInvalidRule, err)
	}
	internalPort, err := parsePort(args[3])
	if err != nil {
		return err
	}

	rule := portmap.Rule{Protocol: proto, ExternalPort: externalPort, InternalAddr: internalAddr, InternalPort: internalPort}
	slot, err := editor.Add(ctx, rule)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "added %s in slot %d\n", rule, slot)
	return err
}

func portmapDel(ctx context.Context, editor ruleEditor, out io.Writer, args []string) error {
	proto, err := portmap.ParseProtocol(args[0])
	if err != nil {
		return err
	}
	externalPort, err := parsePort(args[1])
	if err != nil {
		return err
	}

	if err := editor.Remove(ctx, proto, externalPort); err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "removed %s/%d\n", proto, externalPort)
	return err
}

func writeEntries(out io.Writer, entries []portmap.Entry) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SLOT\tPROTO\tEXTERNAL\tINTERNAL")
	for _, e := range entries {
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\n", e.Slot, e.Rule.Protocol, e.Rule.ExternalPort,
			netip.AddrPortFrom(e.Rule.InternalAddr, e.Rule.InternalPort))
	}
	return w.Flush()
}

func parsePort(raw string) (uint16, error) {
	port, err := strconv.ParseUint(raw, 10, 16)
	if err != nil || port == 0 {
		return 0, fmt.Errorf("%w: invalid port %q", portmap.ErrInvalidRule, raw)
	}
	return uint16(port), nil
}
