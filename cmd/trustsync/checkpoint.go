package main

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"trustsync/pkg/keys"
	"trustsync/pkg/witness"

	"github.com/spf13/cobra"
)

func checkpointCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Append, sign and verify witnessed checkpoints",
	}

	cmd.AddCommand(
		checkpointAppendCmd(),
		checkpointShowCmd(),
		checkpointPayloadCmd(),
		checkpointSignCmd(),
		checkpointVerifyCmd(),
		checkpointVerifyChainCmd(),
	)
	return cmd
}

func checkpointAppendCmd() *cobra.Command {
	var (
		digest string
		attrs  []string
	)

	cmd := &cobra.Command{
		Use:   "append",
		Short: "Append a checkpoint for a state digest",
		RunE: func(cmd *cobra.Command, args []string) error {
			attributes, err := parseAttributes(attrs)
			if err != nil {
				return err
			}

			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				cp, err := a.witnesses.AppendCheckpoint(ctx, a.cfg.Namespace, witness.Content{
					StateDigest: digest,
					Attributes:  attributes,
				})
				if err != nil {
					return err
				}
				fmt.Printf("Checkpoint %d appended\n", cp.Sequence)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&digest, "digest", "d", "", "state digest to attest")
	cmd.Flags().StringSliceVarP(&attrs, "attr", "a", nil, "attribute as key=value (repeatable)")
	cmd.MarkFlagRequired("digest")
	return cmd
}

func checkpointShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [sequence]",
		Short: "Show a checkpoint (defaults to the head)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				cp, err := loadCheckpoint(ctx, a, args)
				if err != nil {
					return err
				}

				signers := make([]string, 0, len(cp.Signatures))
				for id := range cp.Signatures {
					signers = append(signers, id)
				}
				sort.Strings(signers)

				attrs := make([]string, 0, len(cp.Attributes))
				for k, v := range cp.Attributes {
					attrs = append(attrs, k+"="+v)
				}
				sort.Strings(attrs)

				prev := cp.PrevDigest
				if prev == "" {
					prev = "-"
				}

				fmt.Print(renderFields(fmt.Sprintf("CHECKPOINT %d", cp.Sequence), [][2]string{
					{"Namespace", cp.Namespace},
					{"State digest", cp.StateDigest},
					{"Prev digest", prev},
					{"Payload digest", witness.Digest(cp.Payload)},
					{"Created", formatMillis(cp.CreatedAt)},
					{"Attributes", orDash(attrs)},
					{"Signatures", orDash(signers)},
				}))
				return nil
			})
		},
	}
}

func checkpointPayloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "payload [sequence]",
		Short: "Print the canonical payload witnesses sign",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				cp, err := loadCheckpoint(ctx, a, args)
				if err != nil {
					return err
				}
				_, err = os.Stdout.Write(cp.Payload)
				return err
			})
		},
	}
}

func checkpointSignCmd() *cobra.Command {
	var (
		witnessID string
		keyFile   string
		signature string
	)

	cmd := &cobra.Command{
		Use:   "sign <sequence>",
		Short: "Ingest a witness signature for a checkpoint",
		Long: `Record a witness signature. Either sign locally with an Ed25519 seed
file written by "trustsync keygen", or pass a signature produced elsewhere.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seq, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid sequence %q: %w", args[0], err)
			}
			if (keyFile == "") == (signature == "") {
				return fmt.Errorf("exactly one of --key-file or --signature is required")
			}

			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				var sig []byte
				if signature != "" {
					sig, err = base64.StdEncoding.DecodeString(signature)
					if err != nil {
						return fmt.Errorf("signature must be base64: %w", err)
					}
				} else {
					cp, err := a.witnesses.GetCheckpoint(ctx, a.cfg.Namespace, seq)
					if err != nil {
						return err
					}
					signer, err := loadSigner(keyFile)
					if err != nil {
						return err
					}
					if sig, err = signer.Sign(cp.Payload); err != nil {
						return err
					}
				}

				result, err := a.witnesses.IngestWitnessSig(ctx, a.cfg.Namespace, seq, witnessID, sig)
				if err != nil {
					return err
				}
				if !result.Accepted {
					fmt.Printf("%s: %s\n", statusStyle("REJECTED"), result.Reason)
					return fmt.Errorf("signature rejected: %s", result.Reason)
				}
				msg := "Signature recorded"
				if result.Replaced {
					msg = "Signature replaced"
				}
				fmt.Printf("%s for witness %s on checkpoint %d\n", msg, witnessID, seq)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&witnessID, "witness", "w", "", "witness id")
	cmd.Flags().StringVar(&keyFile, "key-file", "", "file holding a hex Ed25519 seed")
	cmd.Flags().StringVarP(&signature, "signature", "s", "", "base64 signature over the payload")
	cmd.MarkFlagRequired("witness")
	return cmd
}

func checkpointVerifyCmd() *cobra.Command {
	var flags policyFlags

	cmd := &cobra.Command{
		Use:   "verify [sequence]",
		Short: "Evaluate a checkpoint against a witness policy",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				cp, err := loadCheckpoint(ctx, a, args)
				if err != nil {
					return err
				}
				p := flags.resolve(a.cfg.Witness.Policy)
				verdict, err := a.witnesses.VerifyWitnessedCheckpoint(ctx, a.cfg.Namespace, cp.Sequence, p)
				if err != nil {
					return err
				}

				state := "WITNESSED"
				if !verdict.Witnessed {
					state = "NOT WITNESSED"
				}
				reasons := make([]string, 0, len(verdict.Reasons))
				for _, r := range verdict.Reasons {
					reasons = append(reasons, string(r))
				}

				fmt.Print(renderFields(fmt.Sprintf("CHECKPOINT %d", verdict.Sequence), [][2]string{
					{"Result", statusStyle(state)},
					{"Threshold", fmt.Sprintf("%d of %d eligible", p.MinSignatures, len(verdict.Signers))},
					{"Signers", orDash(verdict.Signers)},
					{"Ineligible", orDash(verdict.Ineligible)},
					{"Missing orgs", orDash(verdict.MissingOrgs)},
					{"Banned orgs", orDash(verdict.BannedOrgs)},
					{"Reasons", orDash(reasons)},
				}))
				if !verdict.Witnessed {
					return fmt.Errorf("checkpoint %d is not witnessed", verdict.Sequence)
				}
				return nil
			})
		},
	}

	flags.register(cmd)
	return cmd
}

func checkpointVerifyChainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify-chain",
		Short: "Check digests and links of every checkpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if err := a.witnesses.VerifyChain(ctx, a.cfg.Namespace); err != nil {
					return err
				}
				head, err := a.witnesses.Head(ctx, a.cfg.Namespace)
				if err != nil {
					return err
				}
				fmt.Printf("%s: %d checkpoints chained\n", statusStyle("OK"), head)
				return nil
			})
		},
	}
}

// loadCheckpoint resolves an optional sequence argument, defaulting to head
func loadCheckpoint(ctx context.Context, a *app, args []string) (witness.Checkpoint, error) {
	var seq uint64
	if len(args) > 0 {
		var err error
		seq, err = strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return witness.Checkpoint{}, fmt.Errorf("invalid sequence %q: %w", args[0], err)
		}
	} else {
		head, err := a.witnesses.Head(ctx, a.cfg.Namespace)
		if err != nil {
			return witness.Checkpoint{}, err
		}
		if head == 0 {
			return witness.Checkpoint{}, witness.ErrCheckpointNotFound
		}
		seq = head
	}
	return a.witnesses.GetCheckpoint(ctx, a.cfg.Namespace, seq)
}

func loadSigner(path string) (keys.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	seed, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("key file must hold a hex seed: %w", err)
	}
	return keys.Ed25519SignerFromSeed(seed)
}

func parseAttributes(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	attrs := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid attribute %q (expected key=value)", pair)
		}
		attrs[k] = v
	}
	return attrs, nil
}
