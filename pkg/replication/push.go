package replication

import (
	"context"
	"fmt"
	"strconv"

	"trustsync/pkg/audit"
	"trustsync/pkg/storage"

	"go.uber.org/zap"
)

// Put writes key locally with a fresh timestamp and queues it for push
func (e *Engine) Put(ctx context.Context, key, value string) error {
	ts, err := e.stamp(ctx, key)
	if err != nil {
		return err
	}
	if err := e.local.SetItem(ctx, key, value); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	if err := e.saveMeta(ctx, key, RecordMeta{UpdatedAt: ts}); err != nil {
		return err
	}
	return e.enqueue(ctx, QueueItem{Op: OpPut, Key: key, Value: value, UpdatedAt: ts})
}

// Delete removes key locally and queues a tombstone
func (e *Engine) Delete(ctx context.Context, key string) error {
	ts, err := e.stamp(ctx, key)
	if err != nil {
		return err
	}
	if err := e.local.RemoveItem(ctx, key); err != nil {
		return fmt.Errorf("failed to remove %s: %w", key, err)
	}
	if err := e.saveMeta(ctx, key, RecordMeta{UpdatedAt: ts, Deleted: true}); err != nil {
		return err
	}
	return e.enqueue(ctx, QueueItem{Op: OpDelete, Key: key, UpdatedAt: ts})
}

// stamp issues a timestamp newer than the one stored for key. The clock
// lives in memory, so a restarted engine relies on the stored meta to stay
// ahead of values it already accepted from the remote.
func (e *Engine) stamp(ctx context.Context, key string) (int64, error) {
	meta, ok, err := e.loadMeta(ctx, key)
	if err != nil {
		return 0, err
	}
	if ok {
		e.clock.Observe(meta.UpdatedAt)
	}
	return e.clock.Now(), nil
}

// Enqueue appends an operation that was applied locally by other means
func (e *Engine) Enqueue(ctx context.Context, item QueueItem) error {
	if item.Op != OpPut && item.Op != OpDelete {
		return fmt.Errorf("unknown queue op %q", item.Op)
	}
	e.clock.Observe(item.UpdatedAt)
	return e.enqueue(ctx, item)
}

// Pending returns the number of queued operations
func (e *Engine) Pending(ctx context.Context) (int, error) {
	e.queueMu.Lock()
	defer e.queueMu.Unlock()

	queue, err := e.loadQueue(ctx)
	if err != nil {
		return 0, err
	}
	return len(queue), nil
}

// Push drains the queue in batches of MaxBatch. A batch leaves the queue
// only after every operation in it was accepted, so a failure mid-batch
// resends the whole batch next time; LWW makes the resend harmless.
func (e *Engine) Push(ctx context.Context) error {
	if e.remote == nil {
		return errNoTransport
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		e.queueMu.Lock()
		queue, err := e.loadQueue(ctx)
		e.queueMu.Unlock()
		if err != nil {
			return err
		}
		if len(queue) == 0 {
			return nil
		}

		n := len(queue)
		if n > e.opts.MaxBatch {
			n = e.opts.MaxBatch
		}
		batch := queue[:n]

		for _, item := range batch {
			if err := e.send(ctx, item); err != nil {
				return err
			}
		}

		remaining, err := e.dropHead(ctx, len(batch))
		if err != nil {
			return err
		}

		e.audit.Record(ctx, audit.NewEvent(audit.EventSyncPushed, e.ns, map[string]string{
			"sent":      strconv.Itoa(len(batch)),
			"remaining": strconv.Itoa(remaining),
		}))
		e.logger.Debug("Pushed batch",
			zap.Int("sent", len(batch)),
			zap.Int("remaining", remaining))
	}
}

func (e *Engine) send(ctx context.Context, item QueueItem) error {
	if err := e.admit(ctx); err != nil {
		return err
	}
	err := e.call(ctx, func(ctx context.Context) error {
		if item.Op == OpDelete {
			return e.remote.Del(ctx, item.Key, item.UpdatedAt)
		}
		return e.remote.Put(ctx, item.Key, item.Value, item.UpdatedAt)
	})
	if err != nil {
		return fmt.Errorf("failed to push %s %s: %w", item.Op, item.Key, err)
	}
	e.metrics.IncPushed(string(item.Op))
	return nil
}

func (e *Engine) enqueue(ctx context.Context, item QueueItem) error {
	e.queueMu.Lock()
	defer e.queueMu.Unlock()

	queue, err := e.loadQueue(ctx)
	if err != nil {
		return err
	}
	queue = append(queue, item)
	return e.saveQueue(ctx, queue)
}

// dropHead removes the first n items. Only appends happen concurrently, so
// the head is still the batch that was sent.
func (e *Engine) dropHead(ctx context.Context, n int) (int, error) {
	e.queueMu.Lock()
	defer e.queueMu.Unlock()

	queue, err := e.loadQueue(ctx)
	if err != nil {
		return 0, err
	}
	if n > len(queue) {
		n = len(queue)
	}
	queue = queue[n:]
	if err := e.saveQueue(ctx, queue); err != nil {
		return 0, err
	}
	return len(queue), nil
}

func (e *Engine) loadQueue(ctx context.Context) ([]QueueItem, error) {
	queue := []QueueItem{}
	if _, err := storage.LoadJSON(ctx, e.local, storage.SyncQueueKey(e.ns), &queue); err != nil {
		return nil, fmt.Errorf("failed to load sync queue: %w", err)
	}
	return queue, nil
}

func (e *Engine) saveQueue(ctx context.Context, queue []QueueItem) error {
	if err := storage.SaveJSON(ctx, e.local, storage.SyncQueueKey(e.ns), queue); err != nil {
		return fmt.Errorf("failed to save sync queue: %w", err)
	}
	e.metrics.SetQueueDepth(e.ns, len(queue))
	return nil
}
