package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/linkmesh/linkmesh/internal/app"
	"github.com/linkmesh/linkmesh/internal/config"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the sync daemon",
	Long: `Run linkmesh as a long-lived process.

The daemon keeps every transport connected: it serves inbound peer
connections on the configured listen address, maintains relay subscriptions,
and appends every change to the local op log. Logs rotate under the data
directory.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		logFile := cfg.Log.File
		if logFile == "" {
			logFile = filepath.Join(cfg.DataDir, "daemon.log")
		}
		logger := log.New(&lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAge:     cfg.Log.MaxAgeDays,
		}, "[linkmesh] ", log.LstdFlags)

		a, err := app.New(cfg, logger)
		if err != nil {
			return err
		}
		defer a.Shutdown()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := a.Init(ctx); err != nil {
			return err
		}
		logger.Printf("daemon started (device %q)", cfg.DeviceName)
		fmt.Printf("linkmesh daemon running (logs: %s)\n", logFile)

		var srv *http.Server
		if cfg.Listen != "" {
			if handler := a.PeerHandler(); handler != nil {
				mux := http.NewServeMux()
				mux.Handle("/peer", handler)
				srv = &http.Server{Addr: cfg.Listen, Handler: mux}
				go func() {
					logger.Printf("serving peer connections on %s", cfg.Listen)
					if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						logger.Printf("WARNING: peer listener failed: %v", err)
					}
				}()
			} else {
				logger.Printf("listen address configured but device is unpaired; not serving")
			}
		}

		<-ctx.Done()
		logger.Printf("shutting down")
		if srv != nil {
			_ = srv.Close()
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}
