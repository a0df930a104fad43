package replication

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"trustsync/pkg/audit"
	"trustsync/pkg/metrics"
	"trustsync/pkg/storage"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var errNoTransport = errors.New("replication: no transport configured")

// Options configures an Engine
type Options struct {
	Namespace string
	// Prefix restricts pulls to remote keys with this prefix
	Prefix    string
	Local     storage.Driver
	Transport Transport

	RatePerSec     float64
	Burst          int
	MaxBatch       int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	Interval       time.Duration // pause between successful cycles in Run
	AttemptTimeout time.Duration // bound on every transport call

	// NoRateLimit and NoBackoff exist for tests and are not settable from
	// configuration files.
	NoRateLimit bool
	NoBackoff   bool

	Clock   *Clock
	Audit   audit.Sink
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// Defaults for zero-valued options
const (
	DefaultRatePerSec     = 20
	DefaultMaxBatch       = 50
	DefaultBaseDelay      = 500 * time.Millisecond
	DefaultMaxDelay       = 30 * time.Second
	DefaultInterval       = 5 * time.Second
	DefaultAttemptTimeout = 10 * time.Second
)

// Engine synchronizes one namespace. One Run loop per namespace is assumed;
// the engine's own queue and phase are guarded internally.
type Engine struct {
	opts    Options
	ns      string
	local   storage.Driver
	remote  Transport
	limiter *rate.Limiter
	clock   *Clock
	audit   audit.Sink
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu       sync.Mutex
	phase    Phase
	failures int
	lastErr  error

	queueMu sync.Mutex

	sleep func(ctx context.Context, d time.Duration) error
}

// New creates an engine. Local storage is required; a nil transport makes
// every cycle fail.
func New(opts Options) (*Engine, error) {
	if opts.Local == nil {
		return nil, storage.ErrNotConfigured
	}
	if opts.Namespace == "" {
		return nil, fmt.Errorf("namespace is required")
	}
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = DefaultRatePerSec
	}
	if opts.Burst <= 0 {
		opts.Burst = int(opts.RatePerSec)
		if opts.Burst < 1 {
			opts.Burst = 1
		}
	}
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = DefaultMaxBatch
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = DefaultMaxDelay
	}
	if opts.MaxDelay < opts.BaseDelay {
		opts.MaxDelay = opts.BaseDelay
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = DefaultAttemptTimeout
	}
	if opts.Clock == nil {
		opts.Clock = NewClock(nil)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{
		opts:    opts,
		ns:      opts.Namespace,
		local:   opts.Local,
		remote:  opts.Transport,
		limiter: rate.NewLimiter(rate.Limit(opts.RatePerSec), opts.Burst),
		clock:   opts.Clock,
		audit:   audit.OrNop(opts.Audit),
		metrics: opts.Metrics,
		logger:  logger.With(zap.String("namespace", opts.Namespace)),
		phase:   PhaseIdle,
		sleep:   sleepContext,
	}
	e.metrics.SetPhase(e.ns, allPhases, string(PhaseIdle))
	return e, nil
}

// Phase returns the current engine state
func (e *Engine) Phase() Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

// LastError returns the error of the last failed cycle, nil after a success
func (e *Engine) LastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

func (e *Engine) setPhase(p Phase) {
	e.mu.Lock()
	prev := e.phase
	e.phase = p
	e.mu.Unlock()

	if prev != p {
		e.metrics.SetPhase(e.ns, allPhases, string(p))
		e.logger.Debug("Sync phase changed",
			zap.String("from", string(prev)),
			zap.String("to", string(p)))
	}
}

// State returns the persisted pull progress
func (e *Engine) State(ctx context.Context) (State, error) {
	var st State
	if _, err := storage.LoadJSON(ctx, e.local, storage.SyncStateKey(e.ns), &st); err != nil {
		return State{}, fmt.Errorf("failed to load sync state: %w", err)
	}
	return st, nil
}

func (e *Engine) saveState(ctx context.Context, st State) error {
	if err := storage.SaveJSON(ctx, e.local, storage.SyncStateKey(e.ns), st); err != nil {
		return fmt.Errorf("failed to save sync state: %w", err)
	}
	return nil
}

// SyncOnce runs one pull followed, when operations are pending, by a push
func (e *Engine) SyncOnce(ctx context.Context) error {
	if e.remote == nil {
		return e.fail(ctx, errNoTransport)
	}

	e.setPhase(PhasePulling)
	if err := e.Pull(ctx); err != nil {
		return e.fail(ctx, err)
	}

	pending, err := e.Pending(ctx)
	if err != nil {
		return e.fail(ctx, err)
	}
	if pending > 0 {
		e.setPhase(PhasePushing)
		if err := e.Push(ctx); err != nil {
			return e.fail(ctx, err)
		}
	}

	st, err := e.State(ctx)
	if err != nil {
		return e.fail(ctx, err)
	}
	now := time.Now().UTC()
	st.LastSyncAt = &now
	if err := e.saveState(ctx, st); err != nil {
		return e.fail(ctx, err)
	}

	e.mu.Lock()
	e.failures = 0
	e.lastErr = nil
	e.mu.Unlock()

	e.setPhase(PhaseIdle)
	e.metrics.IncSyncCycle("success")
	return nil
}

func (e *Engine) fail(ctx context.Context, err error) error {
	e.mu.Lock()
	e.failures++
	e.lastErr = err
	failures := e.failures
	e.mu.Unlock()

	e.setPhase(PhaseError)
	e.metrics.IncSyncCycle("failure")
	e.audit.Record(context.WithoutCancel(ctx), audit.NewEvent(audit.EventSyncFailed, e.ns, map[string]string{
		"error":    err.Error(),
		"failures": fmt.Sprint(failures),
	}))
	e.logger.Warn("Sync cycle failed",
		zap.Int("consecutive_failures", failures),
		zap.Error(err))
	return err
}

// Run syncs until ctx is cancelled. Failed cycles are retried after an
// exponential backoff; queued operations are never dropped. Errors that
// retrying cannot fix end the loop.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("Sync loop started",
		zap.String("prefix", e.opts.Prefix),
		zap.Duration("interval", e.opts.Interval))
	defer e.logger.Info("Sync loop stopped")

	for {
		err := e.SyncOnce(ctx)
		if ctxErr := ctx.Err(); ctxErr != nil {
			e.setPhase(PhaseIdle)
			return ctxErr
		}

		wait := e.opts.Interval
		if err != nil {
			if !isRetryable(err) {
				return err
			}
			e.mu.Lock()
			failures := e.failures
			e.mu.Unlock()

			wait = e.backoff(failures)
			e.metrics.ObserveBackoff(wait.Seconds())
			e.logger.Info("Backing off",
				zap.Int("attempt", failures),
				zap.Duration("delay", wait))
		}

		if err := e.sleep(ctx, wait); err != nil {
			e.setPhase(PhaseIdle)
			return err
		}
		if e.Phase() == PhaseError {
			e.setPhase(PhaseIdle)
		}
	}
}

func (e *Engine) backoff(failures int) time.Duration {
	if e.opts.NoBackoff {
		return 0
	}
	return backoffDelay(failures, e.opts.BaseDelay, e.opts.MaxDelay)
}

// call runs one transport operation under the per-attempt timeout
func (e *Engine) call(ctx context.Context, fn func(ctx context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, e.opts.AttemptTimeout)
	defer cancel()
	return fn(callCtx)
}

// admit blocks until the rate limiter lets one operation through
func (e *Engine) admit(ctx context.Context) error {
	if e.opts.NoRateLimit {
		return nil
	}
	return e.limiter.Wait(ctx)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
