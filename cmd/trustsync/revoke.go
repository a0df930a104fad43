package main

import (
	"context"
	"errors"
	"fmt"

	"trustsync/pkg/policy"

	"github.com/spf13/cobra"
)

func revokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke invites and signing keys",
	}

	cmd.AddCommand(
		revokeInviteCmd(),
		revokeSignerCmd(),
		revokeCheckCmd(),
		revokeListCmd(),
	)
	return cmd
}

func revokeInviteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "invite <invite-id>",
		Short: "Revoke an invite",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if err := a.authorize(ctx, policy.OpRevokeInvite); err != nil {
					return err
				}
				if err := a.revocations.RevokeInvite(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("Invite %s %s\n", args[0], statusStyle("REVOKED"))
				return nil
			})
		},
	}
}

func revokeSignerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "signer <public-key>",
		Short: "Revoke a signing key",
		Long: `Add a public key to the revoked signer set. Signatures by a revoked key
are rejected at ingestion and no longer count at verification. With --actor
the policy hook decides whether the actor may revoke.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				result, err := a.revocations.RevokeSigner(ctx, args[0], currentActor())
				if err != nil {
					return err
				}
				if result.AlreadyRevoked {
					fmt.Println(mutedStyle.Render("Signer was already revoked"))
					return nil
				}
				fmt.Printf("Signer %s\n", statusStyle("REVOKED"))
				return nil
			})
		},
	}
}

func revokeCheckCmd() *cobra.Command {
	var invite bool

	cmd := &cobra.Command{
		Use:   "check <id>",
		Short: "Report whether a signer key (or --invite id) is revoked",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				var (
					revoked bool
					err     error
				)
				if invite {
					revoked, err = a.revocations.IsInviteRevoked(ctx, args[0])
				} else {
					revoked, err = a.revocations.IsSignerRevoked(ctx, args[0])
				}
				if err != nil {
					return err
				}
				if revoked {
					fmt.Println(statusStyle("REVOKED"))
					return errors.New("revoked")
				}
				fmt.Println(statusStyle("OK"))
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&invite, "invite", false, "check an invite id instead of a signer key")
	return cmd
}

func revokeListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List revoked invites and signers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				invites, err := a.revocations.RevokedInvites(ctx)
				if err != nil {
					return err
				}
				signers, err := a.revocations.RevokedSigners(ctx)
				if err != nil {
					return err
				}

				rows := make([][]string, 0, len(invites)+len(signers))
				for _, id := range invites {
					rows = append(rows, []string{"invite", id})
				}
				for _, key := range signers {
					rows = append(rows, []string{"signer", shorten(key, 60)})
				}
				if len(rows) == 0 {
					fmt.Println(mutedStyle.Render("Nothing revoked"))
					return nil
				}
				fmt.Println(renderTable([]string{"KIND", "ID"}, rows))
				return nil
			})
		},
	}
}
