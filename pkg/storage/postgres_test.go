package storage

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPostgresDriver(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	databaseURL := os.Getenv("TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	d, err := OpenPostgres(ctx, databaseURL)
	require.NoError(t, err)
	defer d.Close()

	_, err = d.db.ExecContext(ctx, `DELETE FROM trustsync_items WHERE key LIKE 'ns%' OR key LIKE 'other:%'`)
	require.NoError(t, err)

	runDriverConformance(t, d)
}
