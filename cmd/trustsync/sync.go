package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"trustsync/pkg/replication"

	"github.com/spf13/cobra"
)

func syncCmd() *cobra.Command {
	var loop bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Synchronize with the remote replica",
		Long: `Pull remote changes, then push queued local operations. By default a
single cycle runs; --loop keeps syncing with backoff until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return withApp(ctx, func(ctx context.Context, a *app) error {
				if a.client == nil {
					return errors.New("remote.address is not configured")
				}
				if loop {
					err := a.engine.Run(ctx)
					if errors.Is(err, context.Canceled) {
						return nil
					}
					return err
				}
				if err := a.engine.SyncOnce(ctx); err != nil {
					return err
				}
				return printSyncStatus(ctx, a.engine)
			})
		},
	}

	cmd.Flags().BoolVar(&loop, "loop", false, "keep syncing until interrupted")

	status := &cobra.Command{
		Use:   "status",
		Short: "Show local sync state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				return printSyncStatus(ctx, a.engine)
			})
		},
	}
	cmd.AddCommand(status)

	return cmd
}

func printSyncStatus(ctx context.Context, e *replication.Engine) error {
	st, err := e.State(ctx)
	if err != nil {
		return err
	}
	pending, err := e.Pending(ctx)
	if err != nil {
		return err
	}

	last := "-"
	if st.LastSyncAt != nil {
		last = formatTime(*st.LastSyncAt)
	}
	since := st.SinceToken
	if since == "" {
		since = "-"
	}

	fmt.Print(renderFields("SYNC", [][2]string{
		{"Phase", statusStyle(string(e.Phase()))},
		{"Pending ops", fmt.Sprint(pending)},
		{"Since token", since},
		{"Last sync", last},
	}))
	return nil
}
