package witness

import (
	"bytes"
	"context"
	"fmt"
	"strconv"

	"trustsync/pkg/audit"
	"trustsync/pkg/storage"

	"go.uber.org/zap"
)

// AppendCheckpoint creates the next checkpoint of ns. Its payload is built
// once here and chained to the previous checkpoint through PrevDigest.
func (s *Service) AppendCheckpoint(ctx context.Context, ns string, content Content) (Checkpoint, error) {
	if content.StateDigest == "" {
		return Checkpoint{}, fmt.Errorf("state digest is required")
	}

	head, err := s.Head(ctx, ns)
	if err != nil {
		return Checkpoint{}, err
	}

	cp := Checkpoint{
		Sequence:    head + 1,
		Namespace:   ns,
		StateDigest: content.StateDigest,
		CreatedAt:   s.now().UnixMilli(),
		Attributes:  content.Attributes,
	}
	if head > 0 {
		prev, err := s.GetCheckpoint(ctx, ns, head)
		if err != nil {
			return Checkpoint{}, fmt.Errorf("failed to load checkpoint %d: %w", head, err)
		}
		cp.PrevDigest = Digest(prev.Payload)
	}

	payload, err := BuildWitnessPayload(cp)
	if err != nil {
		return Checkpoint{}, err
	}
	cp.Payload = payload

	// The checkpoint is written before the head moves so a crash in between
	// leaves an orphan that the next append overwrites.
	if err := s.saveCheckpoint(ctx, cp); err != nil {
		return Checkpoint{}, err
	}
	if err := s.store.SetItem(ctx, storage.CheckpointHeadKey(ns), strconv.FormatUint(cp.Sequence, 10)); err != nil {
		return Checkpoint{}, fmt.Errorf("failed to advance checkpoint head: %w", err)
	}

	s.audit.Record(ctx, audit.NewEvent(audit.EventCheckpointAppended, ns, map[string]string{
		"sequence":     strconv.FormatUint(cp.Sequence, 10),
		"state_digest": cp.StateDigest,
		"digest":       Digest(cp.Payload),
	}))
	s.logger.Info("Checkpoint appended",
		zap.String("namespace", ns),
		zap.Uint64("sequence", cp.Sequence))

	return cp, nil
}

// Head returns the sequence number of the latest checkpoint, 0 if none
func (s *Service) Head(ctx context.Context, ns string) (uint64, error) {
	if s.store == nil {
		return 0, storage.ErrNotConfigured
	}
	raw, ok, err := s.store.GetItem(ctx, storage.CheckpointHeadKey(ns))
	if err != nil {
		return 0, fmt.Errorf("failed to load checkpoint head: %w", err)
	}
	if !ok {
		return 0, nil
	}
	head, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt checkpoint head %q: %w", raw, err)
	}
	return head, nil
}

// GetCheckpoint loads the checkpoint with sequence number seq
func (s *Service) GetCheckpoint(ctx context.Context, ns string, seq uint64) (Checkpoint, error) {
	if s.store == nil {
		return Checkpoint{}, storage.ErrNotConfigured
	}
	var cp Checkpoint
	found, err := storage.LoadJSON(ctx, s.store, storage.CheckpointKey(ns, seq), &cp)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("failed to load checkpoint %d: %w", seq, err)
	}
	if !found {
		return Checkpoint{}, fmt.Errorf("%w: %s/%d", ErrCheckpointNotFound, ns, seq)
	}
	return cp, nil
}

// VerifyChain checks every checkpoint up to the head: each payload must
// match its content and link to the digest of its predecessor.
func (s *Service) VerifyChain(ctx context.Context, ns string) error {
	head, err := s.Head(ctx, ns)
	if err != nil {
		return err
	}

	prevDigest := ""
	for seq := uint64(1); seq <= head; seq++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		cp, err := s.GetCheckpoint(ctx, ns, seq)
		if err != nil {
			return err
		}
		if err := checkPayload(cp); err != nil {
			return err
		}
		if cp.Sequence != seq || cp.PrevDigest != prevDigest {
			return fmt.Errorf("%w at sequence %d", ErrChainBroken, seq)
		}
		prevDigest = Digest(cp.Payload)
	}
	return nil
}

// checkPayload recomputes the canonical payload and compares it with the
// stored bytes
func checkPayload(cp Checkpoint) error {
	payload, err := BuildWitnessPayload(cp)
	if err != nil {
		return err
	}
	if !bytes.Equal(payload, cp.Payload) {
		return fmt.Errorf("%w: %s/%d", ErrCheckpointTampered, cp.Namespace, cp.Sequence)
	}
	return nil
}

func (s *Service) saveCheckpoint(ctx context.Context, cp Checkpoint) error {
	if err := storage.SaveJSON(ctx, s.store, storage.CheckpointKey(cp.Namespace, cp.Sequence), cp); err != nil {
		return fmt.Errorf("failed to save checkpoint %d: %w", cp.Sequence, err)
	}
	return nil
}
