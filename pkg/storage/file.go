package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileDriver is a MemoryDriver persisted to a single JSON file. Every
// mutation rewrites the file through a temp file and rename; a mutation
// whose write fails is undone in memory as well.
type FileDriver struct {
	*MemoryDriver
	path string
	mu   sync.Mutex
}

// OpenFile loads the driver state from path, creating parent directories.
// A missing file starts empty.
func OpenFile(path string) (*FileDriver, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	mem := NewMemoryDriver()
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	case len(data) > 0:
		if err := json.Unmarshal(data, &mem.items); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	return &FileDriver{MemoryDriver: mem, path: path}, nil
}

func (f *FileDriver) SetItem(ctx context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	prev, existed, _ := f.MemoryDriver.GetItem(ctx, key)
	if err := f.MemoryDriver.SetItem(ctx, key, value); err != nil {
		return err
	}
	if err := f.flush(); err != nil {
		f.restore(ctx, key, prev, existed)
		return err
	}
	return nil
}

func (f *FileDriver) RemoveItem(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	prev, existed, _ := f.MemoryDriver.GetItem(ctx, key)
	if err := f.MemoryDriver.RemoveItem(ctx, key); err != nil {
		return err
	}
	if err := f.flush(); err != nil {
		f.restore(ctx, key, prev, existed)
		return err
	}
	return nil
}

// restore puts key back to what the file still holds after a failed flush
func (f *FileDriver) restore(ctx context.Context, key, prev string, existed bool) {
	if existed {
		_ = f.MemoryDriver.SetItem(ctx, key, prev)
		return
	}
	_ = f.MemoryDriver.RemoveItem(ctx, key)
}

// Path returns the backing file
func (f *FileDriver) Path() string {
	return f.path
}

func (f *FileDriver) flush() error {
	f.MemoryDriver.mu.RLock()
	data, err := json.MarshalIndent(f.MemoryDriver.items, "", "  ")
	f.MemoryDriver.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to encode store: %w", err)
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write store: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("failed to replace store: %w", err)
	}
	return nil
}
