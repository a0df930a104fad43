package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"trustsync/pkg/auth"
	"trustsync/pkg/metrics"
	"trustsync/pkg/remote"
	"trustsync/pkg/storage"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

func serveCmd() *cobra.Command {
	var (
		listen   string
		pageSize int
		withSync bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the replica server",
		Long: `Expose local storage as a replica that other trustsync instances sync
against. With --sync the local engine also syncs to the configured remote.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return withApp(ctx, func(ctx context.Context, a *app) error {
				if listen == "" {
					listen = a.cfg.Remote.ListenAddress
				}

				store, err := remote.NewStore(ctx, a.local, pageSize, a.logger.Named("replica"))
				if err != nil {
					return err
				}

				serverOpts, err := serverTLSOptions(&a.cfg.Remote.TLS)
				if err != nil {
					return err
				}
				srv := remote.NewServer(store, a.logger.Named("replica"), serverOpts...)

				lis, err := net.Listen("tcp", listen)
				if err != nil {
					return fmt.Errorf("failed to listen on %s: %w", listen, err)
				}

				if addr := a.cfg.Metrics.Address; addr != "" {
					ready := func(ctx context.Context) error {
						_, _, err := a.local.GetItem(ctx, storage.SyncStateKey(a.cfg.Namespace))
						return err
					}
					ms := metrics.StartServer(addr, a.registry, ready, a.logger)
					defer func() {
						shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
						defer cancel()
						ms.Shutdown(shutdownCtx)
					}()
				}

				if withSync {
					if a.client == nil {
						return errors.New("--sync requires remote.address")
					}
					go func() {
						if err := a.engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
							a.logger.Error("Sync loop stopped", zap.Error(err))
						}
					}()
				}

				return srv.Serve(ctx, lis)
			})
		},
	}

	cmd.Flags().StringVarP(&listen, "listen", "l", "", "listen address (defaults to remote.listen_address)")
	cmd.Flags().IntVar(&pageSize, "page-size", remote.DefaultPageSize, "maximum items per list page")
	cmd.Flags().BoolVar(&withSync, "sync", false, "also run the sync loop against remote.address")

	return cmd
}

// serverTLSOptions returns gRPC options for transport security, adding the
// peer identity interceptor when TLS is enabled.
func serverTLSOptions(cfg *auth.TLSConfig) ([]grpc.ServerOption, error) {
	builder, err := auth.NewTLSConfigBuilder(cfg)
	if err != nil {
		return nil, fmt.Errorf("invalid remote TLS config: %w", err)
	}
	tlsConfig, err := builder.BuildServerConfig()
	if err != nil {
		return nil, err
	}
	if tlsConfig == nil {
		return nil, nil
	}
	return []grpc.ServerOption{
		grpc.Creds(credentials.NewTLS(tlsConfig)),
		grpc.ChainUnaryInterceptor(auth.UnaryServerInterceptor(cfg.RequireClientAuth)),
	}, nil
}
