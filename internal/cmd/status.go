package cmd

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const statusTimeout = 5 * time.Second

// StatusCmd queries a running daemon for its connection state and rules.
var StatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the connection state and active port mappings of the running daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), statusTimeout)
		defer cancel()

		client := newDaemonClient(daemonBaseURL(viper.GetString("listen_addr")), http.DefaultClient)
		doc, raw, err := client.status(ctx)
		if err != nil {
			return err
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			_, err := cmd.OutOrStdout().Write(raw)
			return err
		}
		return writeStatus(cmd.OutOrStdout(), doc)
	},
}

func init() {
	StatusCmd.Flags().Bool("json", false, "Print the raw status document")
}

// remoteStatus mirrors statusDocument with the state kept as text.
type remoteStatus struct {
	State      string         `json:"state"`
	Uplink     string         `json:"uplink"`
	APClients  int            `json:"ap_clients"`
	Reconnects int            `json:"reconnects"`
	Capacity   int            `json:"capacity"`
	Rules      []ruleDocument `json:"rules"`
}

func writeStatus(out io.Writer, doc remoteStatus) error {
	uplink := doc.Uplink
	if uplink == "" {
		uplink = "-"
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "state:\t%s\n", doc.State)
	fmt.Fprintf(w, "uplink:\t%s\n", uplink)
	fmt.Fprintf(w, "ap clients:\t%d\n", doc.APClients)
	fmt.Fprintf(w, "reconnects:\t%d\n", doc.Reconnects)
	fmt.Fprintf(w, "rules:\t%d/%d\n", len(doc.Rules), doc.Capacity)
	if err := w.Flush(); err != nil {
		return err
	}
	if len(doc.Rules) == 0 {
		return nil
	}

	fmt.Fprintln(out)
	w = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SLOT\tPROTO\tEXTERNAL\tINTERNAL")
	for _, r := range doc.Rules {
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\n", r.Slot, r.Protocol, r.ExternalPort, net.JoinHostPort(r.InternalAddr, fmt.Sprint(r.InternalPort)))
	}
	return w.Flush()
}
