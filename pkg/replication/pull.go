package replication

import (
	"context"
	"fmt"
	"strconv"

	"trustsync/pkg/audit"
	"trustsync/pkg/storage"

	"go.uber.org/zap"
)

// Pull fetches remote changes page by page. Each page is applied before the
// since-token moves, so an interrupted pull re-requests the same page.
// Cancellation is honoured between pages only.
func (e *Engine) Pull(ctx context.Context) error {
	if e.remote == nil {
		return errNoTransport
	}
	st, err := e.State(ctx)
	if err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.admit(ctx); err != nil {
			return err
		}

		var page ListResult
		err := e.call(ctx, func(ctx context.Context) error {
			var err error
			page, err = e.remote.List(ctx, e.opts.Prefix, st.SinceToken)
			return err
		})
		if err != nil {
			return fmt.Errorf("failed to list remote changes: %w", err)
		}

		applied, skipped, err := e.applyPage(ctx, page.Items)
		if err != nil {
			return err
		}

		advanced := page.NextSince != "" && page.NextSince != st.SinceToken
		if advanced {
			st.SinceToken = page.NextSince
			if err := e.saveState(ctx, st); err != nil {
				return err
			}
		}

		if len(page.Items) > 0 {
			e.metrics.AddPulled(applied, skipped)
			e.audit.Record(ctx, audit.NewEvent(audit.EventSyncPulled, e.ns, map[string]string{
				"applied": strconv.Itoa(applied),
				"skipped": strconv.Itoa(skipped),
				"since":   st.SinceToken,
			}))
			e.logger.Debug("Pulled remote changes",
				zap.Int("applied", applied),
				zap.Int("skipped", skipped))
		}

		// A page may be empty when every entry in it was superseded; only
		// a cursor that stops moving ends the pull.
		if !advanced {
			return nil
		}
	}
}

// applyPage applies remote items last-write-wins: an item replaces local
// state only when its timestamp is strictly newer
func (e *Engine) applyPage(ctx context.Context, items []Item) (applied, skipped int, err error) {
	for _, item := range items {
		e.clock.Observe(item.UpdatedAt)

		meta, _, err := e.loadMeta(ctx, item.Key)
		if err != nil {
			return applied, skipped, err
		}
		if item.UpdatedAt <= meta.UpdatedAt {
			skipped++
			continue
		}

		if item.Deleted {
			err = e.local.RemoveItem(ctx, item.Key)
		} else {
			err = e.local.SetItem(ctx, item.Key, item.Value)
		}
		if err != nil {
			return applied, skipped, fmt.Errorf("failed to apply %s: %w", item.Key, err)
		}
		if err := e.saveMeta(ctx, item.Key, RecordMeta{UpdatedAt: item.UpdatedAt, Deleted: item.Deleted}); err != nil {
			return applied, skipped, err
		}
		applied++
	}
	return applied, skipped, nil
}

// Meta returns the LWW bookkeeping for key
func (e *Engine) Meta(ctx context.Context, key string) (RecordMeta, bool, error) {
	return e.loadMeta(ctx, key)
}

func (e *Engine) loadMeta(ctx context.Context, key string) (RecordMeta, bool, error) {
	var meta RecordMeta
	found, err := storage.LoadJSON(ctx, e.local, storage.SyncMetaKey(e.ns, key), &meta)
	if err != nil {
		return RecordMeta{}, false, fmt.Errorf("failed to load record meta for %s: %w", key, err)
	}
	return meta, found, nil
}

func (e *Engine) saveMeta(ctx context.Context, key string, meta RecordMeta) error {
	if err := storage.SaveJSON(ctx, e.local, storage.SyncMetaKey(e.ns, key), meta); err != nil {
		return fmt.Errorf("failed to save record meta for %s: %w", key, err)
	}
	return nil
}
