package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/linkmesh/linkmesh/internal/config"
	"github.com/linkmesh/linkmesh/internal/keys"
)

var resetForce bool

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Destroy this device's root secret",
	Long: `Perform a full reset.

Destroys the root secret, detaching this device from its pairing lineage.
Bookmarks already replicated to other devices are untouched; this device can
re-join later by pairing again. This cannot be undone locally.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		ks, err := keys.Open(cfg.DataDir)
		if err != nil {
			return err
		}
		if !ks.HasRoot() {
			fmt.Println("No root secret installed; nothing to reset.")
			return nil
		}

		if !resetForce {
			fmt.Print("This detaches the device from its paired collection. Type 'reset' to confirm: ")
			line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
			if strings.TrimSpace(line) != "reset" {
				fmt.Println("Aborted.")
				return nil
			}
		}

		if err := ks.Destroy(); err != nil {
			return err
		}
		fmt.Println("Root secret destroyed. Pair again to re-join a collection.")
		return nil
	},
}

var generateCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a brand-new collection on this device",
	Long: `Generate a fresh root secret.

Run this once on your first device. Further devices join with 'lm pair join'
instead; generating a second root would create a separate, incompatible
collection.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		ks, err := keys.Open(cfg.DataDir)
		if err != nil {
			return err
		}
		if err := ks.Generate(); err != nil {
			return err
		}
		fmt.Println("Root secret generated. This device now owns a new collection.")
		return nil
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetForce, "force", false, "skip confirmation")
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(generateCmd)
}
