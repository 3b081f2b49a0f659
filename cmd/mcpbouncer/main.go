package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var (
	dataDir    string
	listenAddr string
	socketPath string
	logLevel   string
	logToFile  bool
	useKeyring bool
	verbose    bool

	version = "v0.1.0" // injected by -ldflags during build
)

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "mcp-bouncer")
	}
	return ".mcp-bouncer"
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "mcpbouncer",
		Short:        "Local MCP aggregator: one downstream session, many upstream servers",
		Long:         "mcpbouncer terminates one MCP session from a downstream client and multiplexes tool calls across a configurable fleet of upstream MCP servers, recording every request and response to a local event log.",
		Version:      version,
		SilenceUsage: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&dataDir, "data-dir", defaultDataDir(), "directory for settings, secrets, and the event log")
	pf.StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	pf.BoolVar(&useKeyring, "keyring", true, "store OAuth tokens in the OS keyring (false: file fallback under data-dir)")
	pf.BoolVarP(&verbose, "verbose", "v", false, "verbose output for one-shot commands")

	bindViper(pf)

	rootCmd.AddCommand(
		newServeCmd(),
		newStatusCmd(),
		newServersCmd(),
		newToolsCmd(),
		newAuthCmd(),
		newEventsCmd(),
	)
	return rootCmd
}

// bindViper lets every persistent flag also arrive as MCP_BOUNCER_* env.
func bindViper(pf *pflag.FlagSet) {
	viper.SetEnvPrefix("MCP_BOUNCER")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	_ = viper.BindPFlags(pf)

	pf.VisitAll(func(f *pflag.Flag) {
		if !f.Changed && viper.IsSet(f.Name) {
			_ = pf.Set(f.Name, viper.GetString(f.Name))
		}
	})
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
