// Package remote is the replica side of synchronization: a last-write-wins
// record store with an ordered change log, served over gRPC.
package remote

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"trustsync/pkg/replication"
	"trustsync/pkg/storage"

	"go.uber.org/zap"
)

var (
	ErrInvalidCursor = errors.New("remote: invalid since token")
	ErrEmptyKey      = errors.New("remote: key is required")
)

const (
	recordPrefix = "remote:rec:"
	logPrefix    = "remote:log:"
	seqKey       = "remote:seq"
	cursorPrefix = "v1:"

	DefaultPageSize = 100
)

// record is the stored state of one key
type record struct {
	Value     string `json:"value,omitempty"`
	UpdatedAt int64  `json:"updated_at"`
	Deleted   bool   `json:"deleted,omitempty"`
	Seq       uint64 `json:"seq"`
}

// Store keeps the newest version of every key. Each accepted write gets the
// next change sequence number; since-tokens are encoded sequence numbers.
type Store struct {
	mu       sync.Mutex
	d        storage.Driver
	pageSize int
	seq      uint64
	logger   *zap.Logger
}

// NewStore opens a store on d and restores the change sequence
func NewStore(ctx context.Context, d storage.Driver, pageSize int, logger *zap.Logger) (*Store, error) {
	if d == nil {
		return nil, storage.ErrNotConfigured
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Store{d: d, pageSize: pageSize, logger: logger}
	raw, ok, err := d.GetItem(ctx, seqKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load change sequence: %w", err)
	}
	if ok {
		if s.seq, err = strconv.ParseUint(raw, 10, 64); err != nil {
			return nil, fmt.Errorf("corrupt change sequence %q: %w", raw, err)
		}
	}
	return s, nil
}

// EncodeCursor returns the since-token positioned after seq
func EncodeCursor(seq uint64) string {
	return base64.RawURLEncoding.EncodeToString([]byte(cursorPrefix + strconv.FormatUint(seq, 10)))
}

// DecodeCursor parses a since-token. The empty token is the start of the log.
func DecodeCursor(token string) (uint64, error) {
	if token == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || !strings.HasPrefix(string(raw), cursorPrefix) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidCursor, token)
	}
	seq, err := strconv.ParseUint(strings.TrimPrefix(string(raw), cursorPrefix), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidCursor, token)
	}
	return seq, nil
}

// List returns changes after since for keys with prefix. Superseded log
// entries are skipped, so a key appears once per page with its newest state.
func (s *Store) List(ctx context.Context, prefix, since string) (replication.ListResult, error) {
	from, err := DecodeCursor(since)
	if err != nil {
		return replication.ListResult{}, err
	}

	s.mu.Lock()
	head := s.seq
	s.mu.Unlock()

	result := replication.ListResult{Items: []replication.Item{}}
	pos := from
	for pos < head && len(result.Items) < s.pageSize {
		pos++
		key, ok, err := s.d.GetItem(ctx, logKey(pos))
		if err != nil {
			return replication.ListResult{}, fmt.Errorf("failed to read change %d: %w", pos, err)
		}
		if !ok || !strings.HasPrefix(key, prefix) {
			continue
		}
		rec, found, err := s.load(ctx, key)
		if err != nil {
			return replication.ListResult{}, err
		}
		if !found || rec.Seq != pos {
			continue
		}
		result.Items = append(result.Items, toItem(key, rec))
	}
	result.NextSince = EncodeCursor(pos)
	return result, nil
}

// Get returns the newest state of key, nil if it was never written.
// Deleted keys are returned as tombstones.
func (s *Store) Get(ctx context.Context, key string) (*replication.Item, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	rec, found, err := s.load(ctx, key)
	if err != nil || !found {
		return nil, err
	}
	item := toItem(key, rec)
	return &item, nil
}

// Put stores value unless the current version is as new or newer
func (s *Store) Put(ctx context.Context, key, value string, updatedAt int64) error {
	return s.write(ctx, key, record{Value: value, UpdatedAt: updatedAt})
}

// Del records a tombstone unless the current version is as new or newer
func (s *Store) Del(ctx context.Context, key string, updatedAt int64) error {
	return s.write(ctx, key, record{UpdatedAt: updatedAt, Deleted: true})
}

func (s *Store) write(ctx context.Context, key string, rec record) error {
	if key == "" {
		return ErrEmptyKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, found, err := s.load(ctx, key)
	if err != nil {
		return err
	}
	if found && rec.UpdatedAt <= current.UpdatedAt {
		s.logger.Debug("Ignoring stale write",
			zap.String("key", key),
			zap.Int64("updated_at", rec.UpdatedAt),
			zap.Int64("current", current.UpdatedAt))
		return nil
	}

	rec.Seq = s.seq + 1
	if err := storage.SaveJSON(ctx, s.d, recordPrefix+key, rec); err != nil {
		return err
	}
	if err := s.d.SetItem(ctx, logKey(rec.Seq), key); err != nil {
		return fmt.Errorf("failed to append change %d: %w", rec.Seq, err)
	}
	if err := s.d.SetItem(ctx, seqKey, strconv.FormatUint(rec.Seq, 10)); err != nil {
		return fmt.Errorf("failed to advance change sequence: %w", err)
	}
	s.seq = rec.Seq
	return nil
}

func (s *Store) load(ctx context.Context, key string) (record, bool, error) {
	var rec record
	found, err := storage.LoadJSON(ctx, s.d, recordPrefix+key, &rec)
	if err != nil {
		return record{}, false, err
	}
	return rec, found, nil
}

// logKey zero-pads so log keys sort in sequence order
func logKey(seq uint64) string {
	return fmt.Sprintf("%s%020d", logPrefix, seq)
}

func toItem(key string, rec record) replication.Item {
	return replication.Item{
		Key:       key,
		Value:     rec.Value,
		UpdatedAt: rec.UpdatedAt,
		Deleted:   rec.Deleted,
	}
}
