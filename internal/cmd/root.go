package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/denniswebb/natgate/internal/logging"
)

var (
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "natgate",
	Short: "Wireless AP+STA gateway with persistent port forwarding",
	Long: `natgate runs a Linux host as a two-interface wireless gateway: a station uplink and an access point downlink.
Port forwarding rules are persisted across restarts and follow the uplink address whenever it changes.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		viper.SetEnvPrefix("NG")
		viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
		viper.AutomaticEnv()

		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
			if err := viper.ReadInConfig(); err != nil {
				return fmt.Errorf("failed to read config file: %w", err)
			}
		}

		logging.InitLogger(viper.GetString("log_level"), viper.GetString("log_format"))
		return nil
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.ExecuteContext(context.Background())
}

// flagBinding maps a viper key to the flag that feeds it.
type flagBinding struct {
	key  string
	flag string
}

func bindFlags(flags *pflag.FlagSet, bindings []flagBinding) {
	for _, b := range bindings {
		if err := viper.BindPFlag(b.key, flags.Lookup(b.flag)); err != nil {
			fmt.Fprintf(os.Stderr, "failed to bind %s flag: %v\n", b.flag, err)
			os.Exit(1)
		}
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.String("log-format", "json", "Log format (json, text)")
	flags.String("listen-addr", ":9090", "Address of the metrics, health and status listener")
	flags.String("store-backend", "file", "Persistence backend (file, redis, configmap)")
	flags.String("store-dir", "/var/lib/natgate", "Directory of the file store")
	flags.String("redis-addr", "127.0.0.1:6379", "Redis address for the redis store")
	flags.String("redis-password", "", "Redis password for the redis store")
	flags.Int("redis-db", 0, "Redis database for the redis store")
	flags.String("redis-prefix", "natgate:", "Key prefix for the redis store")
	flags.String("store-namespace", "", "Namespace of the configmap store (defaults to POD_NAMESPACE)")
	flags.String("store-configmap", "natgate-state", "Name of the configmap store")

	bindFlags(flags, []flagBinding{
		{key: "log_level", flag: "log-level"},
		{key: "log_format", flag: "log-format"},
		{key: "listen_addr", flag: "listen-addr"},
		{key: "store.backend", flag: "store-backend"},
		{key: "store.dir", flag: "store-dir"},
		{key: "store.redis_addr", flag: "redis-addr"},
		{key: "store.redis_password", flag: "redis-password"},
		{key: "store.redis_db", flag: "redis-db"},
		{key: "store.redis_prefix", flag: "redis-prefix"},
		{key: "store.namespace", flag: "store-namespace"},
		{key: "store.configmap_name", flag: "store-configmap"},
	})

	rootCmd.AddCommand(RunCmd)
	rootCmd.AddCommand(PortmapCmd)
	rootCmd.AddCommand(StatusCmd)
}
