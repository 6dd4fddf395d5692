package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/aegis/internal/audit"
)

func newAuditCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Audit chain operations",
	}
	cmd.AddCommand(newAuditVerifyCommand())
	return cmd
}

func newAuditVerifyCommand() *cobra.Command {
	var chainPath, keyPath string

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify a persisted audit chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(chainPath)
			if err != nil {
				return fmt.Errorf("open chain: %w", err)
			}
			defer f.Close()

			entries, err := audit.LoadEntries(f)
			if err != nil {
				return err
			}

			keyHex, err := os.ReadFile(keyPath)
			if err != nil {
				return fmt.Errorf("read verifying key: %w", err)
			}
			keyBytes, err := hex.DecodeString(strings.TrimSpace(string(keyHex)))
			if err != nil {
				return fmt.Errorf("decode verifying key: %w", err)
			}
			if len(keyBytes) != ed25519.PublicKeySize {
				return fmt.Errorf("verifying key must be %d bytes, got %d", ed25519.PublicKeySize, len(keyBytes))
			}

			if err := audit.VerifyChain(entries, ed25519.PublicKey(keyBytes)); err != nil {
				return fmt.Errorf("chain verification FAILED: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "chain OK: %d entries verified\n", len(entries))
			return nil
		},
	}

	cmd.Flags().StringVar(&chainPath, "chain", "audit.jsonl", "path to the JSONL audit chain")
	cmd.Flags().StringVar(&keyPath, "key", "", "path to the hex-encoded Ed25519 verifying key")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}
