package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/linkmesh/linkmesh/internal/pairing"
)

var pairCmd = &cobra.Command{
	Use:   "pair",
	Short: "Pair this device with another",
}

var pairInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Start pairing from a device that already holds the collection",
	Long: `Start pairing as the initiator.

Prints a pairing code to read out (or a session payload to render as a QR
code) and waits for the other device to join. The code expires after five
minutes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, _, err := loadApp()
		if err != nil {
			return err
		}
		defer a.Shutdown()

		ctx, cancel := context.WithTimeout(cmd.Context(), 6*time.Minute)
		defer cancel()
		if err := a.Init(ctx); err != nil {
			return err
		}

		engine, code, payload, err := a.StartPairingAsInitiator(ctx)
		if err != nil {
			return err
		}
		defer engine.Close()

		fmt.Printf("Pairing code:  %s\n", code.Format())
		fmt.Printf("QR payload:    %s\n", payload)
		fmt.Println("\nOn the other device, run: lm pair join")
		fmt.Println("Waiting for the other device...")

		states, unsubscribe := engine.States()
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				engine.Cancel()
				return fmt.Errorf("pairing timed out")
			case state := <-states:
				fmt.Printf("  %s\n", state)
				switch state {
				case pairing.StatePaired:
					fmt.Println("Paired successfully.")
					return nil
				case pairing.StateExpired:
					return fmt.Errorf("pairing code expired; start again")
				case pairing.StateFailed:
					return fmt.Errorf("pairing failed; start again")
				}
			}
		}
	},
}

var pairJoinCmd = &cobra.Command{
	Use:   "join [payload]",
	Short: "Join an existing collection from a new device",
	Long: `Complete pairing as the responder.

Prompts for the pairing code shown on the initiating device. The session
payload can be pasted as an argument (from a scanned QR code); without it,
the session is fetched over the relay network using the code alone.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, _, err := loadApp()
		if err != nil {
			return err
		}
		defer a.Shutdown()

		ctx, cancel := context.WithTimeout(cmd.Context(), 6*time.Minute)
		defer cancel()
		if err := a.Init(ctx); err != nil {
			return err
		}

		codeText, err := readPairingCode()
		if err != nil {
			return err
		}

		payload := ""
		if len(args) == 1 {
			payload = args[0]
		}

		fmt.Println("Pairing...")
		if err := a.CompletePairingAsResponder(ctx, codeText, payload); err != nil {
			return err
		}
		fmt.Println("Paired successfully. This device now syncs the shared collection.")
		return nil
	},
}

// readPairingCode prompts without echoing; the code is a short-lived secret.
func readPairingCode() (string, error) {
	fmt.Fprint(os.Stderr, "Pairing code: ")
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		raw, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("failed to read pairing code: %w", err)
		}
		return strings.TrimSpace(string(raw)), nil
	}

	// Piped input (tests, scripts).
	var code string
	if _, err := fmt.Fscanln(os.Stdin, &code); err != nil {
		return "", fmt.Errorf("failed to read pairing code: %w", err)
	}
	return strings.TrimSpace(code), nil
}

func init() {
	pairCmd.AddCommand(pairInitCmd)
	pairCmd.AddCommand(pairJoinCmd)
	rootCmd.AddCommand(pairCmd)
}
