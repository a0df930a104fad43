package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"

	"trustsync/pkg/federation"
	"trustsync/pkg/policy"

	"github.com/spf13/cobra"
)

func anchorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "anchor",
		Short: "Manage federation trust anchors",
	}

	cmd.AddCommand(
		anchorAddCmd(),
		anchorListCmd(),
		anchorRevokeCmd(),
		anchorRemoveCmd(),
		anchorVerifyCmd(),
	)
	return cmd
}

func anchorAddCmd() *cobra.Command {
	var publicKey string

	cmd := &cobra.Command{
		Use:   "add <org-id>",
		Short: "Add or replace the trust anchor of an organization",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if err := a.authorize(ctx, policy.OpAddTrustAnchor); err != nil {
					return err
				}
				anchor, err := a.anchors.AddTrustAnchor(ctx, a.cfg.Namespace, federation.TrustAnchor{
					OrgID:     args[0],
					PublicKey: publicKey,
				})
				if err != nil {
					return err
				}
				fmt.Printf("Trust anchor for %s is %s\n", anchor.OrgID, statusStyle(string(anchor.Status)))
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&publicKey, "key", "k", "", "public key as <scheme>:<base64>")
	cmd.MarkFlagRequired("key")
	return cmd
}

func anchorListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List trust anchors",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				anchors, err := a.anchors.ListTrustAnchors(ctx, a.cfg.Namespace)
				if err != nil {
					return err
				}
				if len(anchors) == 0 {
					fmt.Println(mutedStyle.Render("No trust anchors"))
					return nil
				}

				rows := make([][]string, 0, len(anchors))
				for _, anchor := range anchors {
					rows = append(rows, []string{
						anchor.OrgID,
						statusStyle(string(anchor.Status)),
						shorten(anchor.PublicKey, 40),
						formatTime(anchor.CreatedAt),
					})
				}
				fmt.Println(renderTable([]string{"ORGANIZATION", "STATUS", "PUBLIC KEY", "CREATED"}, rows))
				return nil
			})
		},
	}
}

func anchorRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <org-id>",
		Short: "Mark an organization's anchor as revoked",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if err := a.authorize(ctx, policy.OpRevokeAnchor); err != nil {
					return err
				}
				anchor, err := a.anchors.RevokeTrustAnchor(ctx, a.cfg.Namespace, args[0])
				if err != nil {
					return err
				}
				fmt.Printf("Trust anchor for %s is %s\n", anchor.OrgID, statusStyle(string(anchor.Status)))
				return nil
			})
		},
	}
}

func anchorRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <org-id>",
		Short: "Remove an organization's anchor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if err := a.authorize(ctx, policy.OpRevokeAnchor); err != nil {
					return err
				}
				if err := a.anchors.RemoveTrustAnchor(ctx, a.cfg.Namespace, args[0]); err != nil {
					return err
				}
				fmt.Printf("Trust anchor for %s removed\n", args[0])
				return nil
			})
		},
	}
}

func anchorVerifyCmd() *cobra.Command {
	var (
		messageFile string
		signature   string
	)

	cmd := &cobra.Command{
		Use:   "verify <org-id>",
		Short: "Verify a signature against an organization's anchor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			message, err := os.ReadFile(messageFile)
			if err != nil {
				return fmt.Errorf("failed to read message: %w", err)
			}
			sig, err := base64.StdEncoding.DecodeString(signature)
			if err != nil {
				return fmt.Errorf("signature must be base64: %w", err)
			}

			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if err := a.anchors.VerifyFederatedSignature(ctx, a.cfg.Namespace, args[0], message, sig); err != nil {
					fmt.Println(statusStyle("REJECTED"))
					return err
				}
				fmt.Println(statusStyle("OK"))
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&messageFile, "message", "m", "", "file holding the signed message")
	cmd.Flags().StringVarP(&signature, "signature", "s", "", "base64 signature")
	cmd.MarkFlagRequired("message")
	cmd.MarkFlagRequired("signature")
	return cmd
}
