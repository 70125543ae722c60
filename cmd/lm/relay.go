package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/linkmesh/linkmesh/internal/transport/relay"
)

var relayListen string

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run a relay server",
	Long: `Run a reference relay server.

A relay is a blind store-and-forward hub: it never holds keys and cannot
read the envelopes it forwards. Anyone can run one; devices use several
relays at once and tolerate any of them failing or misbehaving.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := log.New(os.Stderr, "[relay-server] ", log.LstdFlags)
		srv := &http.Server{
			Addr:    relayListen,
			Handler: relay.NewServer(logger).Handler(),
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		go func() {
			<-ctx.Done()
			_ = srv.Close()
		}()

		fmt.Printf("relay listening on %s\n", relayListen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	},
}

func init() {
	relayCmd.Flags().StringVar(&relayListen, "listen", ":9120", "address to listen on")
	rootCmd.AddCommand(relayCmd)
}
