package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go/jetstream"
)

// IdempotencyBucket is the JetStream KV bucket mapping a caller-supplied
// Idempotency-Key to the correlation_id it produced, per SPEC_FULL.md §5's
// supplemented "repeat POST with the same key returns the existing
// correlation_id" behavior.
const IdempotencyBucket = "WORKFLOW_IDEMPOTENCY_KEYS"

// idempotencyStore looks up and records Idempotency-Key -> correlation_id
// mappings. A narrow interface so the HTTP handler is testable without a
// JetStream connection.
type idempotencyStore interface {
	// Lookup returns the correlation_id previously recorded for key, or ""
	// if key hasn't been seen.
	Lookup(ctx context.Context, key string) (string, error)
	// Record associates key with correlationID. Concurrent callers racing on
	// the same key converge on whichever recorded first.
	Record(ctx context.Context, key, correlationID string) error
}

type kvIdempotencyStore struct {
	kv jetstream.KeyValue
}

func ensureIdempotencyBucket(ctx context.Context, js jetstream.JetStream) (*kvIdempotencyStore, error) {
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      IdempotencyBucket,
		Description: "POST /workflows idempotency key -> correlation_id",
		History:     1,
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: ensure idempotency bucket: %w", err)
	}
	return &kvIdempotencyStore{kv: kv}, nil
}

type idempotencyRecord struct {
	CorrelationID string `json:"correlation_id"`
}

func (s *kvIdempotencyStore) Lookup(ctx context.Context, key string) (string, error) {
	entry, err := s.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("orchestrator: idempotency lookup: %w", err)
	}
	var rec idempotencyRecord
	if err := json.Unmarshal(entry.Value(), &rec); err != nil {
		return "", fmt.Errorf("orchestrator: idempotency decode: %w", err)
	}
	return rec.CorrelationID, nil
}

func (s *kvIdempotencyStore) Record(ctx context.Context, key, correlationID string) error {
	body, err := json.Marshal(idempotencyRecord{CorrelationID: correlationID})
	if err != nil {
		return fmt.Errorf("orchestrator: idempotency marshal: %w", err)
	}
	if _, err := s.kv.Create(ctx, key, body); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return nil
		}
		return fmt.Errorf("orchestrator: idempotency record: %w", err)
	}
	return nil
}

// memIdempotencyStore is an in-process idempotencyStore for tests.
type memIdempotencyStore struct {
	mu      sync.Mutex
	records map[string]string
}

func newMemIdempotencyStore() *memIdempotencyStore {
	return &memIdempotencyStore{records: make(map[string]string)}
}

func (s *memIdempotencyStore) Lookup(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[key], nil
}

func (s *memIdempotencyStore) Record(_ context.Context, key, correlationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[key]; !exists {
		s.records[key] = correlationID
	}
	return nil
}
