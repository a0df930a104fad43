package replication

import (
	"context"

	"trustsync/pkg/storage"
)

// Tracked returns a storage driver over the engine's local storage whose
// writes are timestamped and queued for push. Registries built on it
// replicate their keys.
func (e *Engine) Tracked() storage.Driver {
	return trackedDriver{e: e}
}

type trackedDriver struct {
	e *Engine
}

func (t trackedDriver) GetItem(ctx context.Context, key string) (string, bool, error) {
	return t.e.local.GetItem(ctx, key)
}

func (t trackedDriver) SetItem(ctx context.Context, key, value string) error {
	return t.e.Put(ctx, key, value)
}

func (t trackedDriver) RemoveItem(ctx context.Context, key string) error {
	return t.e.Delete(ctx, key)
}

func (t trackedDriver) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	return t.e.local.ListKeys(ctx, prefix)
}
