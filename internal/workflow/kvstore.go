package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// KVBucket is the JetStream KV bucket name backing the workflow store.
const KVBucket = "WORKFLOWS"

// KVStore persists workflow records in a JetStream KV bucket, using the
// bucket's per-key revision as the CAS token so writes survive orchestrator
// restart and are never lost to a concurrent completion handler racing on
// the same correlation id.
type KVStore struct {
	kv jetstream.KeyValue
}

// EnsureKVBucket creates the workflow bucket if it doesn't already exist and
// returns a KVStore wrapping it.
func EnsureKVBucket(ctx context.Context, js jetstream.JetStream) (*KVStore, error) {
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      KVBucket,
		Description: "workflow orchestration records",
		History:     1,
	})
	if err != nil {
		return nil, fmt.Errorf("workflow: ensure kv bucket: %w", err)
	}
	return &KVStore{kv: kv}, nil
}

// Status round-trips the bucket's status, used by the orchestrator's
// /healthz check to confirm the KV store is actually reachable rather than
// just assuming a successful EnsureKVBucket call at startup still holds.
func (s *KVStore) Status(ctx context.Context) error {
	_, err := s.kv.Status(ctx)
	return err
}

func keyOf(correlationID string) string {
	// JetStream KV keys may not contain '.', correlation ids are UUIDs so
	// this is a no-op in practice; kept defensive for non-UUID test ids.
	return strings.ReplaceAll(correlationID, ".", "_")
}

func (s *KVStore) Create(ctx context.Context, wf *Workflow) error {
	body, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("workflow: marshal: %w", err)
	}
	rev, err := s.kv.Create(ctx, keyOf(wf.CorrelationID), body)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return ErrConflict
		}
		return fmt.Errorf("workflow: create: %w", err)
	}
	wf.Version = rev
	return nil
}

func (s *KVStore) Load(ctx context.Context, id string) (*Workflow, error) {
	entry, err := s.kv.Get(ctx, keyOf(id))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("workflow: load: %w", err)
	}
	var wf Workflow
	if err := json.Unmarshal(entry.Value(), &wf); err != nil {
		return nil, fmt.Errorf("workflow: unmarshal: %w", err)
	}
	wf.Version = entry.Revision()
	return &wf, nil
}

func (s *KVStore) CompareAndSet(ctx context.Context, id string, expectedVersion uint64, wf *Workflow) error {
	body, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("workflow: marshal: %w", err)
	}
	rev, err := s.kv.Update(ctx, keyOf(id), body, expectedVersion)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) || isWrongSequence(err) {
			return ErrConflict
		}
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("workflow: compare_and_set: %w", err)
	}
	wf.Version = rev
	return nil
}

func isWrongSequence(err error) bool {
	var apiErr *jetstream.APIError
	if errors.As(err, &apiErr) {
		// wrong last sequence, returned by nats-server when the supplied
		// revision no longer matches the stored one.
		return apiErr.ErrorCode == 10071
	}
	return false
}

func (s *KVStore) ListStuck(ctx context.Context, olderThan time.Duration, now time.Time) ([]*Workflow, error) {
	keys, err := s.kv.ListKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("workflow: list keys: %w", err)
	}
	var stuck []*Workflow
	for key := range keys.Keys() {
		entry, err := s.kv.Get(ctx, key)
		if err != nil {
			continue
		}
		var wf Workflow
		if err := json.Unmarshal(entry.Value(), &wf); err != nil {
			continue
		}
		if wf.Status.Terminal() {
			continue
		}
		if now.Sub(wf.UpdatedAt) >= olderThan {
			wf.Version = entry.Revision()
			stuck = append(stuck, &wf)
		}
	}
	return stuck, nil
}
