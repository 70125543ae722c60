package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/linkmesh/linkmesh/internal/app"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pairing and per-transport sync state",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			status := a.SyncStatus()

			if status.Paired {
				fmt.Println("Paired:     yes")
			} else {
				fmt.Println("Paired:     no (run 'lm pair join' on this device)")
			}
			fmt.Printf("Bookmarks:  %d\n", a.Store().Len())

			if len(status.Transports) > 0 {
				fmt.Println("\nTransports:")
				for _, t := range status.Transports {
					line := fmt.Sprintf("  %-10s %s", t.Name, t.State)
					if t.Pending > 0 {
						line += fmt.Sprintf("  (%d pending)", t.Pending)
					}
					if t.Detail != "" {
						line += "  " + t.Detail
					}
					fmt.Println(line)
				}
			}

			if len(status.Relays) > 0 {
				fmt.Println("\nRelays:")
				for _, r := range status.Relays {
					line := fmt.Sprintf("  %-40s %s", r.URL, r.State)
					if r.Latency > 0 {
						line += fmt.Sprintf("  %dms", r.Latency.Milliseconds())
					}
					if r.Detail != "" {
						line += "  " + r.Detail
					}
					fmt.Println(line)
				}
			}

			if status.InitialSync != nil && !status.InitialSync.Complete {
				fmt.Printf("\nInitial sync: %d/%d (%.0f%%)\n",
					status.InitialSync.Processed, status.InitialSync.Total, status.InitialSync.Percent)
			}

			rec := a.Coordinator().Recommended()
			if rec.Network.Samples > 0 {
				fmt.Printf("\nNetwork:    avg %dms", rec.Network.AverageLatency.Milliseconds())
				if rec.Network.Slow {
					fmt.Print("  (slow; batches reduced)")
				}
				fmt.Println()
			}
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
