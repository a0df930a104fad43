// Package audit carries the append-only audit hook. Recording is
// fire-and-forget: sinks handle their own failures so callers never branch
// on audit errors.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Event types emitted by the trust and sync subsystems.
const (
	EventInviteRevoked      = "revocation.invite.revoked"
	EventSignerRevoked      = "revocation.signer.revoked"
	EventSignerRevokeDenied = "revocation.signer.denied"
	EventAnchorAdded        = "federation.anchor.added"
	EventAnchorRevoked      = "federation.anchor.revoked"
	EventAnchorRemoved      = "federation.anchor.removed"
	EventFederatedSigFailed = "federation.signature.rejected"
	EventWitnessAdded       = "witness.added"
	EventWitnessStatus      = "witness.status.changed"
	EventWitnessGated       = "witness.request.rejected"
	EventCheckpointAppended = "witness.checkpoint.appended"
	EventSignatureIngested  = "witness.signature.ingested"
	EventSignatureRejected  = "witness.signature.rejected"
	EventCheckpointVerified = "witness.checkpoint.verified"
	EventSyncPulled         = "sync.pull.applied"
	EventSyncPushed         = "sync.push.sent"
	EventSyncFailed         = "sync.failed"
	EventPolicyDenied       = "policy.denied"
)

// Event is one audit record
type Event struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Namespace string            `json:"namespace,omitempty"`
	Actor     string            `json:"actor,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Immutable bool              `json:"immutable,omitempty"` // requested by a policy hook
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Sink receives audit events
type Sink interface {
	Record(ctx context.Context, event Event)
}

// NewEvent fills in the id and timestamp
func NewEvent(eventType, namespace string, metadata map[string]string) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Namespace: namespace,
		Timestamp: time.Now().UTC(),
		Metadata:  metadata,
	}
}

// Nop discards every event
type Nop struct{}

func (Nop) Record(context.Context, Event) {}

// OrNop returns s, or a Nop sink when s is nil
func OrNop(s Sink) Sink {
	if s == nil {
		return Nop{}
	}
	return s
}

// LogSink writes events to a zap logger
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("audit")}
}

func (s *LogSink) Record(_ context.Context, event Event) {
	fields := []zap.Field{
		zap.String("event_id", event.ID),
		zap.String("namespace", event.Namespace),
		zap.Time("at", event.Timestamp),
	}
	if event.Actor != "" {
		fields = append(fields, zap.String("actor", event.Actor))
	}
	if event.Immutable {
		fields = append(fields, zap.Bool("immutable", true))
	}
	for k, v := range event.Metadata {
		fields = append(fields, zap.String(k, v))
	}
	s.logger.Info(event.Type, fields...)
}

// Multi fans events out to several sinks in order
type Multi []Sink

func (m Multi) Record(ctx context.Context, event Event) {
	for _, s := range m {
		if s != nil {
			s.Record(ctx, event)
		}
	}
}

// MemorySink keeps events in memory
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (m *MemorySink) Record(_ context.Context, event Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
}

// Events returns a copy of everything recorded so far
func (m *MemorySink) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// OfType returns recorded events with the given type
func (m *MemorySink) OfType(eventType string) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, e := range m.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}
