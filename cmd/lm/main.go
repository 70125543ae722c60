// Command lm is the linkmesh CLI: trust-no-server bookmark replication
// across personal devices.
package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/linkmesh/linkmesh/internal/app"
	"github.com/linkmesh/linkmesh/internal/config"
)

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "lm",
	Short: "Replicated bookmarks without a trusted server",
	Long: `linkmesh keeps a bookmark collection in sync across your devices.

Devices pair once with a human-readable code; from then on every change is
end-to-end encrypted and replicated over direct connections and untrusted
relay servers. No server ever sees plaintext or keys.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.linkmesh/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log to stderr")
}

// loadApp builds an App from configuration. Commands that mutate or read the
// collection call this, then defer Shutdown.
func loadApp() (*app.App, *config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}

	logger := log.New(os.Stderr, "[linkmesh] ", log.LstdFlags)
	if !verbose {
		logger.SetOutput(io.Discard)
	}

	a, err := app.New(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return a, cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
