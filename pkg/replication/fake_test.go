package replication

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
)

var errUnavailable = errors.New("remote unavailable")

// fakeRemote is an in-memory LWW replica with a numbered change log
type fakeRemote struct {
	mu       sync.Mutex
	records  map[string]Item
	log      []Item
	pageSize int

	failLists int // fail this many upcoming List calls
	failPutAt int // fail the n-th upcoming Put (1-based), 0 disables

	puts int
	dels int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{records: make(map[string]Item), pageSize: 2}
}

func (f *fakeRemote) List(_ context.Context, prefix, since string) (ListResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failLists > 0 {
		f.failLists--
		return ListResult{}, errUnavailable
	}

	start := 0
	if since != "" {
		n, err := strconv.Atoi(since)
		if err != nil {
			return ListResult{}, err
		}
		start = n
	}

	var items []Item
	pos := start
	for pos < len(f.log) && len(items) < f.pageSize {
		if strings.HasPrefix(f.log[pos].Key, prefix) {
			items = append(items, f.log[pos])
		}
		pos++
	}
	return ListResult{Items: items, NextSince: strconv.Itoa(pos)}, nil
}

func (f *fakeRemote) Get(_ context.Context, key string) (*Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.records[key]
	if !ok {
		return nil, nil
	}
	return &item, nil
}

func (f *fakeRemote) Put(_ context.Context, key, value string, updatedAt int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++
	if f.failPutAt > 0 {
		f.failPutAt--
		if f.failPutAt == 0 {
			return errUnavailable
		}
	}
	f.apply(Item{Key: key, Value: value, UpdatedAt: updatedAt})
	return nil
}

func (f *fakeRemote) Del(_ context.Context, key string, updatedAt int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dels++
	f.apply(Item{Key: key, UpdatedAt: updatedAt, Deleted: true})
	return nil
}

func (f *fakeRemote) apply(item Item) {
	if cur, ok := f.records[item.Key]; ok && item.UpdatedAt <= cur.UpdatedAt {
		return
	}
	f.records[item.Key] = item
	f.log = append(f.log, item)
}

func (f *fakeRemote) record(key string) (Item, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.records[key]
	return item, ok
}
