package repo

import (
	"context"
	"errors"
	"testing"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

func TestUpsert_Empty(t *testing.T) {
	repo := newTestRepo(&mockRunner{})
	out, err := repo.Upsert(context.Background(), "id", nil)
	if err != nil || out != nil {
		t.Fatalf("expected no-op, got %+v, %v", out, err)
	}
}

// multiRunner returns a fresh single-record result on every Run call, unlike
// mockRunner which replays the same result object, so it models a session
// used for more than one statement (as Upsert does for a batch).
type multiRunner struct {
	cyphers []string
	records []*neo4j.Record
}

func (m *multiRunner) Run(ctx context.Context, cypher string, params map[string]any) (result, error) {
	m.cyphers = append(m.cyphers, cypher)
	idx := len(m.cyphers) - 1
	return &mockResult{records: []*neo4j.Record{m.records[idx]}}, nil
}

func (m *multiRunner) Close(ctx context.Context) error { return nil }

func TestUpsert_MergesEachEntity(t *testing.T) {
	r := &multiRunner{records: []*neo4j.Record{makeRecord("1", "Alice"), makeRecord("2", "Bob")}}
	repo := newTestRepo(nil)
	repo.newSession = func(ctx context.Context) runner { return r }

	out, err := repo.Upsert(context.Background(), "id", []entity{{ID: "1", Name: "Alice"}, {ID: "2", Name: "Bob"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 upserted, got %d", len(out))
	}
	for _, c := range r.cyphers {
		if c != "MERGE (n:Entity {id: $key}) SET n += $props RETURN n" {
			t.Fatalf("unexpected cypher: %q", c)
		}
	}
}

func TestUpsert_RunError(t *testing.T) {
	repo := newTestRepo(&mockRunner{err: errors.New("db down")})
	_, err := repo.Upsert(context.Background(), "id", []entity{{ID: "1"}})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestUpsert_NoRowReturned(t *testing.T) {
	repo := newTestRepo(&mockRunner{result: &mockResult{}})
	_, err := repo.Upsert(context.Background(), "id", []entity{{ID: "1"}})
	if err == nil {
		t.Fatal("expected error")
	}
}
