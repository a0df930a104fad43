// Package replication moves key-value records between local storage and a
// remote replica. Pulls are incremental through an opaque since-token,
// pushes drain a persisted queue of pending operations, and conflicts are
// resolved last-write-wins on a logical timestamp.
package replication

import (
	"context"
	"time"
)

// Op is a queued mutation kind
type Op string

const (
	OpPut    Op = "PUT"
	OpDelete Op = "DELETE"
)

// QueueItem is one local mutation awaiting transmission
type QueueItem struct {
	Op        Op     `json:"op"`
	Key       string `json:"key"`
	Value     string `json:"value,omitempty"`
	UpdatedAt int64  `json:"updated_at"`
}

// State is the persisted pull progress of a namespace
type State struct {
	SinceToken string     `json:"since_token,omitempty"`
	LastSyncAt *time.Time `json:"last_sync_at,omitempty"`
}

// RecordMeta is the local LWW bookkeeping of one replicated key
type RecordMeta struct {
	UpdatedAt int64 `json:"updated_at"`
	Deleted   bool  `json:"deleted,omitempty"`
}

// Item is a record as seen by the remote replica. Deleted items are tombstones.
type Item struct {
	Key       string `json:"key"`
	Value     string `json:"value,omitempty"`
	UpdatedAt int64  `json:"updated_at"`
	Deleted   bool   `json:"deleted,omitempty"`
}

// ListResult is one page of changes. NextSince is opaque to the engine.
type ListResult struct {
	Items     []Item `json:"items"`
	NextSince string `json:"next_since,omitempty"`
}

// Transport is the remote replica
type Transport interface {
	List(ctx context.Context, prefix, since string) (ListResult, error)
	Get(ctx context.Context, key string) (*Item, error)
	Put(ctx context.Context, key, value string, updatedAt int64) error
	Del(ctx context.Context, key string, updatedAt int64) error
}

// Phase is the engine state
type Phase string

const (
	PhaseIdle    Phase = "IDLE"
	PhasePulling Phase = "PULLING"
	PhasePushing Phase = "PUSHING"
	PhaseError   Phase = "ERROR"
)

var allPhases = []string{string(PhaseIdle), string(PhasePulling), string(PhasePushing), string(PhaseError)}
