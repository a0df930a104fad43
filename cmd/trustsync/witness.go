package main

import (
	"context"
	"fmt"
	"strings"

	"trustsync/pkg/policy"
	"trustsync/pkg/witness"

	"github.com/spf13/cobra"
)

// policyFlags overrides the configured default witness policy per command
type policyFlags struct {
	minSignatures int
	requiredOrgs  []string
	bannedOrgs    []string
	graceDays     int
	justification string
}

func (f *policyFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVar(&f.minSignatures, "min-signatures", 0, "minimum eligible signatures (default from config)")
	cmd.Flags().StringSliceVar(&f.requiredOrgs, "require-org", nil, "organization that must have signed (repeatable)")
	cmd.Flags().StringSliceVar(&f.bannedOrgs, "ban-org", nil, "organization whose signatures fail the checkpoint (repeatable)")
	cmd.Flags().IntVar(&f.graceDays, "grace-days", -1, "retired witness grace period in days (default from config)")
	cmd.Flags().StringVar(&f.justification, "justification", "", "reason for using a single-signature threshold")
}

func (f *policyFlags) resolve(base witness.Policy) witness.Policy {
	p := base
	if f.minSignatures > 0 {
		p.MinSignatures = f.minSignatures
	}
	if len(f.requiredOrgs) > 0 {
		p.RequiredOrgs = f.requiredOrgs
	}
	if len(f.bannedOrgs) > 0 {
		p.BannedOrgs = f.bannedOrgs
	}
	if f.graceDays >= 0 {
		p.RetiredGracePeriodDays = f.graceDays
	}
	if f.justification != "" {
		p.Justification = f.justification
	}
	return p
}

func witnessCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "witness",
		Short: "Manage checkpoint witnesses",
	}

	cmd.AddCommand(
		witnessAddCmd(),
		witnessListCmd(),
		witnessStatusCmd(),
	)
	return cmd
}

func witnessAddCmd() *cobra.Command {
	var (
		publicKey string
		org       string
		flags     policyFlags
	)

	cmd := &cobra.Command{
		Use:   "add <witness-id>",
		Short: "Register an ACTIVE witness",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				w, err := a.witnesses.AddWitness(ctx, a.cfg.Namespace, witness.Witness{
					ID:           args[0],
					PublicKey:    publicKey,
					Organization: org,
				}, flags.resolve(a.cfg.Witness.Policy))
				if err != nil {
					return err
				}
				fmt.Printf("Witness %s (%s) is %s\n", w.ID, w.Organization, statusStyle(string(w.Status)))
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&publicKey, "key", "k", "", "public key as <scheme>:<base64>")
	cmd.Flags().StringVarP(&org, "org", "o", "", "organization of the witness")
	cmd.MarkFlagRequired("key")
	cmd.MarkFlagRequired("org")
	flags.register(cmd)
	return cmd
}

func witnessListCmd() *cobra.Command {
	var statuses []string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List witnesses",
		RunE: func(cmd *cobra.Command, args []string) error {
			var filter []witness.Status
			for _, s := range statuses {
				st, err := witness.ParseStatus(strings.ToUpper(s))
				if err != nil {
					return err
				}
				filter = append(filter, st)
			}

			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				witnesses, err := a.witnesses.ListWitnesses(ctx, a.cfg.Namespace, filter...)
				if err != nil {
					return err
				}
				if len(witnesses) == 0 {
					fmt.Println(mutedStyle.Render("No witnesses"))
					return nil
				}

				rows := make([][]string, 0, len(witnesses))
				for _, w := range witnesses {
					retired := mutedStyle.Render("-")
					if w.RetiredAt != nil {
						retired = formatTime(*w.RetiredAt)
					}
					rows = append(rows, []string{
						w.ID,
						w.Organization,
						statusStyle(string(w.Status)),
						shorten(w.PublicKey, 32),
						formatTime(w.AddedAt),
						retired,
					})
				}
				fmt.Println(renderTable([]string{"WITNESS", "ORGANIZATION", "STATUS", "PUBLIC KEY", "ADDED", "RETIRED"}, rows))
				return nil
			})
		},
	}

	cmd.Flags().StringSliceVar(&statuses, "status", nil, "only show witnesses in these states")
	return cmd
}

func witnessStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <witness-id> <RETIRED|BANNED>",
		Short: "Retire or ban a witness",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := witness.ParseStatus(strings.ToUpper(args[1]))
			if err != nil {
				return err
			}

			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if status == witness.StatusBanned {
					if err := a.authorize(ctx, policy.OpBanWitness); err != nil {
						return err
					}
				}
				w, err := a.witnesses.SetWitnessStatus(ctx, a.cfg.Namespace, args[0], status)
				if err != nil {
					return err
				}
				fmt.Printf("Witness %s is %s\n", w.ID, statusStyle(string(w.Status)))
				return nil
			})
		},
	}
}
