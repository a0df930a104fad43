package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"

	"trustsync/pkg/keys"

	"github.com/spf13/cobra"
)

func keygenCmd() *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an Ed25519 witness key",
		Long: `Write a hex Ed25519 seed to --out and print the public key in the
<scheme>:<base64> form accepted by "witness add" and "anchor add".`,
		RunE: func(cmd *cobra.Command, args []string) error {
			seed := make([]byte, ed25519.SeedSize)
			if _, err := rand.Read(seed); err != nil {
				return fmt.Errorf("failed to generate seed: %w", err)
			}
			signer, err := keys.Ed25519SignerFromSeed(seed)
			if err != nil {
				return err
			}

			if err := os.WriteFile(out, []byte(hex.EncodeToString(seed)+"\n"), 0600); err != nil {
				return fmt.Errorf("failed to write key file: %w", err)
			}
			fmt.Println(signer.Public().String())
			return nil
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "witness.key", "seed output file")
	return cmd
}
