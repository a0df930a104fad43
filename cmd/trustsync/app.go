package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"trustsync/pkg/audit"
	"trustsync/pkg/auth"
	"trustsync/pkg/config"
	"trustsync/pkg/federation"
	"trustsync/pkg/metrics"
	"trustsync/pkg/policy"
	"trustsync/pkg/remote"
	"trustsync/pkg/replication"
	"trustsync/pkg/revocation"
	"trustsync/pkg/storage"
	"trustsync/pkg/witness"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

// app holds every component built from one config. Registries write
// through the engine's tracked driver so local changes queue for push.
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	registry *prometheus.Registry
	metrics  *metrics.Metrics
	audit    audit.Sink
	policy   *policy.RoleEnforcer

	local  storage.Driver
	engine *replication.Engine
	client *remote.Client

	revocations *revocation.Registry
	anchors     *federation.TrustStore
	witnesses   *witness.Service

	closers []func() error
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
		policy:   policy.NewRoleEnforcer(),
	}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = metrics.New(a.registry)

	local, closer, err := openStorage(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	a.local = local
	a.addCloser(closer)

	sinks := audit.Multi{audit.NewLogSink(logger)}
	if cfg.Audit.JSONLPath != "" {
		jsonl, err := audit.NewJSONLSink(cfg.Audit.JSONLPath, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		sinks = append(sinks, jsonl)
		a.addCloser(jsonl.Close)
	}
	a.audit = sinks

	opts := replication.Options{
		Namespace:      cfg.Namespace,
		Prefix:         cfg.Sync.Prefix,
		Local:          local,
		RatePerSec:     cfg.Sync.RatePerSec,
		Burst:          cfg.Sync.Burst,
		MaxBatch:       cfg.Sync.MaxBatch,
		BaseDelay:      cfg.Sync.BaseDelay.Std(),
		MaxDelay:       cfg.Sync.MaxDelay.Std(),
		Interval:       cfg.Sync.Interval.Std(),
		AttemptTimeout: cfg.Sync.AttemptTimeout.Std(),
		Audit:          a.audit,
		Metrics:        a.metrics,
		Logger:         logger.Named("sync"),
	}
	if cfg.Remote.Address != "" {
		client, err := dialRemote(cfg, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.client = client
		a.addCloser(client.Close)
		opts.Transport = client
	}

	a.engine, err = replication.New(opts)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create sync engine: %w", err)
	}
	tracked := a.engine.Tracked()

	a.revocations = revocation.New(revocation.Config{
		Namespace:                cfg.Namespace,
		Storage:                  tracked,
		FailOpenWhenUnconfigured: cfg.Revocation.FailOpenWhenUnconfigured,
		Policy:                   a.policy,
		Audit:                    a.audit,
		Metrics:                  a.metrics,
		Logger:                   logger.Named("revocation"),
	})
	a.anchors = federation.NewTrustStore(tracked, a.audit, a.metrics, logger.Named("federation"))
	a.witnesses = witness.New(witness.Config{
		Storage:            tracked,
		MaxActiveWitnesses: cfg.Witness.MaxActiveWitnesses,
		RetiredGraceDays:   cfg.Witness.RetiredGraceDays,
		Revocations:        a.revocations,
		Audit:              a.audit,
		Metrics:            a.metrics,
		Logger:             logger.Named("witness"),
	})

	return a, nil
}

func (a *app) addCloser(fn func() error) {
	if fn != nil {
		a.closers = append(a.closers, fn)
	}
}

// Close releases resources in reverse order of acquisition
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// authorize consults the policy hook for op when an actor was given.
// Without --actor the CLI acts as the local owner.
func (a *app) authorize(ctx context.Context, op string) error {
	actor := currentActor()
	if actor == nil {
		return nil
	}
	_, err := a.policy.Enforce(ctx, policy.Request{
		Operation: op,
		Actor:     *actor,
		Namespace: a.cfg.Namespace,
		At:        time.Now(),
	})
	if err != nil {
		a.metrics.IncPolicyDenial()
		event := audit.NewEvent(audit.EventPolicyDenied, a.cfg.Namespace, map[string]string{
			"operation": op,
			"role":      string(actor.Role),
			"reason":    err.Error(),
		})
		event.Actor = actor.ID
		a.audit.Record(ctx, event)
		a.logger.Warn("Operation denied by policy",
			zap.String("operation", op),
			zap.String("actor", actor.ID),
			zap.Error(err))
	}
	return err
}

func openStorage(ctx context.Context, cfg config.StorageConfig) (storage.Driver, func() error, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return storage.NewMemoryDriver(), nil, nil
	case config.DriverFile:
		d, err := storage.OpenFile(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return d, nil, nil
	case config.DriverRedis:
		d, err := storage.NewRedisDriver(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return d, d.Close, nil
	case config.DriverPostgres:
		d, err := storage.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return d, d.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

func dialRemote(cfg *config.Config, logger *zap.Logger) (*remote.Client, error) {
	builder, err := auth.NewTLSConfigBuilder(&cfg.Remote.TLS)
	if err != nil {
		return nil, fmt.Errorf("invalid remote TLS config: %w", err)
	}
	tlsConfig, err := builder.BuildClientConfig()
	if err != nil {
		return nil, err
	}
	return remote.Dial(cfg.Remote.Address, tlsConfig, logger.Named("remote"))
}

// withApp loads config, builds the app and runs fn, closing everything after
func withApp(ctx context.Context, fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := setupLogger(verbose)
	defer logger.Sync()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(ctx, a)
}
