package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

// JSONLSink appends one JSON object per line to a file.
type JSONLSink struct {
	mu     sync.Mutex
	path   string
	f      *os.File
	logger *zap.Logger
}

// NewJSONLSink creates or opens path for appending; the directory is created if missing
func NewJSONLSink(path string, logger *zap.Logger) (*JSONLSink, error) {
	if path == "" {
		return nil, fmt.Errorf("audit log path is empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	return &JSONLSink{path: path, f: f, logger: logger}, nil
}

func (s *JSONLSink) Record(_ context.Context, event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		s.logger.Error("Failed to encode audit event", zap.String("type", event.Type), zap.Error(err))
		return
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.f.Write(data); err != nil {
		s.logger.Error("Failed to append audit event",
			zap.String("path", s.path),
			zap.String("type", event.Type),
			zap.Error(err))
	}
}

// ReadAll loads every event written to the file so far
func (s *JSONLSink) ReadAll() ([]Event, error) {
	s.mu.Lock()
	_ = s.f.Sync()
	s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}

	var events []Event
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var e Event
		if err := dec.Decode(&e); err != nil {
			return events, fmt.Errorf("decode audit line: %w", err)
		}
		events = append(events, e)
	}
	return events, nil
}

func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}
