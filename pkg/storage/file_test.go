package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileDriver(t *testing.T) {
	d, err := OpenFile(filepath.Join(t.TempDir(), "store.json"))
	require.NoError(t, err)
	runDriverConformance(t, d)
}

func TestFileDriverPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "store.json")
	ctx := context.Background()

	d, err := OpenFile(path)
	require.NoError(t, err)
	require.NoError(t, d.SetItem(ctx, "a", "1"))
	require.NoError(t, d.SetItem(ctx, "b", "2"))
	require.NoError(t, d.RemoveItem(ctx, "a"))

	reopened, err := OpenFile(path)
	require.NoError(t, err)
	_, found, err := reopened.GetItem(ctx, "a")
	require.NoError(t, err)
	assert.False(t, found)

	value, found, err := reopened.GetItem(ctx, "b")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "2", value)

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestFileDriverRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))

	_, err := OpenFile(path)
	assert.Error(t, err)
}

func TestFileDriverFailedWriteLeavesStateUnchanged(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	ctx := context.Background()

	d, err := OpenFile(path)
	require.NoError(t, err)
	require.NoError(t, d.SetItem(ctx, "a", "1"))

	// a directory in place of the temp file makes every write fail
	require.NoError(t, os.Mkdir(path+".tmp", 0700))

	assert.Error(t, d.SetItem(ctx, "a", "2"))
	assert.Error(t, d.SetItem(ctx, "b", "new"))
	assert.Error(t, d.RemoveItem(ctx, "a"))

	value, found, err := d.GetItem(ctx, "a")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "1", value)

	_, found, err = d.GetItem(ctx, "b")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, os.Remove(path+".tmp"))
	reopened, err := OpenFile(path)
	require.NoError(t, err)
	keys, err := reopened.ListKeys(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, keys)
}
