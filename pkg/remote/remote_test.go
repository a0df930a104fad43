package remote

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"trustsync/pkg/replication"
	"trustsync/pkg/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

func newTestStore(t *testing.T, pageSize int) (*Store, *storage.MemoryDriver) {
	t.Helper()
	d := storage.NewMemoryDriver()
	s, err := NewStore(context.Background(), d, pageSize, zaptest.NewLogger(t))
	require.NoError(t, err)
	return s, d
}

func TestCursorRoundTrip(t *testing.T) {
	seq, err := DecodeCursor(EncodeCursor(42))
	require.NoError(t, err)
	assert.Equal(t, uint64(42), seq)

	seq, err = DecodeCursor("")
	require.NoError(t, err)
	assert.Zero(t, seq)

	_, err = DecodeCursor("not a cursor")
	assert.True(t, errors.Is(err, ErrInvalidCursor))
}

func TestStoreLastWriteWins(t *testing.T) {
	s, _ := newTestStore(t, 0)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "k1", "v1", 10))
	require.NoError(t, s.Put(ctx, "k1", "v2", 5))
	require.NoError(t, s.Put(ctx, "k1", "v3", 10))

	item, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, "v1", item.Value)

	// Older tombstones lose, newer ones win.
	require.NoError(t, s.Del(ctx, "k1", 9))
	item, err = s.Get(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, item.Deleted)

	require.NoError(t, s.Del(ctx, "k1", 11))
	require.NoError(t, s.Put(ctx, "k1", "late", 10))
	item, err = s.Get(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, item.Deleted)
	assert.Equal(t, int64(11), item.UpdatedAt)

	missing, err := s.Get(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	assert.True(t, errors.Is(s.Put(ctx, "", "v", 1), ErrEmptyKey))
}

func TestStoreListPagesAndSkipsSuperseded(t *testing.T) {
	s, _ := newTestStore(t, 2)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "a:1", "x", 1))
	require.NoError(t, s.Put(ctx, "b:1", "y", 2))
	require.NoError(t, s.Put(ctx, "a:2", "z", 3))
	require.NoError(t, s.Put(ctx, "a:1", "x2", 4))
	require.NoError(t, s.Put(ctx, "a:3", "w", 5))

	// Change 1 is superseded by change 4 and change 2 has another prefix.
	page, err := s.List(ctx, "a:", "")
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "a:2", page.Items[0].Key)
	assert.Equal(t, "a:1", page.Items[1].Key)
	assert.Equal(t, "x2", page.Items[1].Value)

	page, err = s.List(ctx, "a:", page.NextSince)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "a:3", page.Items[0].Key)

	last, err := s.List(ctx, "a:", page.NextSince)
	require.NoError(t, err)
	assert.Empty(t, last.Items)
	assert.Equal(t, page.NextSince, last.NextSince)
}

func TestStoreRestoresSequence(t *testing.T) {
	s, d := newTestStore(t, 0)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "a", "1", 1))
	require.NoError(t, s.Put(ctx, "b", "2", 2))

	reopened, err := NewStore(ctx, d, 0, nil)
	require.NoError(t, err)
	require.NoError(t, reopened.Put(ctx, "c", "3", 3))

	page, err := reopened.List(ctx, "", EncodeCursor(2))
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "c", page.Items[0].Key)
}

func engineFor(t *testing.T, transport replication.Transport, wall int64) (*replication.Engine, *storage.MemoryDriver) {
	t.Helper()
	local := storage.NewMemoryDriver()
	e, err := replication.New(replication.Options{
		Namespace:   "team",
		Local:       local,
		Transport:   transport,
		NoRateLimit: true,
		NoBackoff:   true,
		Clock:       replication.NewClock(func() time.Time { return time.UnixMilli(wall) }),
		Logger:      zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	return e, local
}

func TestReplicasConvergeThroughStore(t *testing.T) {
	s, _ := newTestStore(t, 1)
	ctx := context.Background()

	a, localA := engineFor(t, s, 100)
	b, localB := engineFor(t, s, 200)

	require.NoError(t, a.Put(ctx, "k", "a"))
	require.NoError(t, b.Put(ctx, "k", "b"))
	require.NoError(t, b.Put(ctx, "gone", "soon"))
	require.NoError(t, b.Delete(ctx, "gone"))

	// Sync in both orders; the result must not depend on it.
	for _, e := range []*replication.Engine{b, a, b} {
		require.NoError(t, e.SyncOnce(ctx))
	}

	for _, local := range []*storage.MemoryDriver{localA, localB} {
		value, ok, err := local.GetItem(ctx, "k")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "b", value)

		_, ok, err = local.GetItem(ctx, "gone")
		require.NoError(t, err)
		assert.False(t, ok)
	}
}

func startBufconnServer(t *testing.T, s *Store) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := NewServer(s, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx, lis)
	}()

	client, err := Dial("passthrough:///bufnet", nil, zaptest.NewLogger(t),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	require.NoError(t, err)

	t.Cleanup(func() {
		client.Close()
		cancel()
		<-done
	})
	return client
}

func TestGRPCRoundTrip(t *testing.T) {
	s, _ := newTestStore(t, 0)
	client := startBufconnServer(t, s)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, client.Put(ctx, "k1", "v1", 10))
	require.NoError(t, client.Put(ctx, "k1", "v2", 5))
	require.NoError(t, client.Del(ctx, "k2", 7))

	item, err := client.Get(ctx, "k1")
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, "v1", item.Value)
	assert.Equal(t, int64(10), item.UpdatedAt)

	missing, err := client.Get(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	page, err := client.List(ctx, "", "")
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.True(t, page.Items[1].Deleted)
	assert.NotEmpty(t, page.NextSince)

	_, err = client.List(ctx, "", "garbage")
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	err = client.Put(ctx, "", "v", 1)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestEngineSyncsOverGRPC(t *testing.T) {
	s, _ := newTestStore(t, 0)
	client := startBufconnServer(t, s)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	e, _ := engineFor(t, client, 1000)
	require.NoError(t, e.Put(ctx, "tasks:1", "todo"))
	require.NoError(t, e.SyncOnce(ctx))

	item, err := s.Get(ctx, "tasks:1")
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, "todo", item.Value)
	assert.Equal(t, int64(1000), item.UpdatedAt)
}
