package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
)

// memStore is an in-memory Store for chain builder and verifier tests.
// Enforces the same (tenant, seq) uniqueness as the SQLite store.
type memStore struct {
	mu      sync.Mutex
	records map[string][]Record
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string][]Record)}
}

func (m *memStore) Append(ctx context.Context, r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.records[r.TenantID] {
		if existing.Seq == r.Seq {
			return fmt.Errorf("seq %d taken: %w", r.Seq, ErrConflict)
		}
	}
	m.records[r.TenantID] = append(m.records[r.TenantID], r)
	return nil
}

func (m *memStore) Tail(ctx context.Context, tenantID string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var tail *Record
	for i := range m.records[tenantID] {
		r := m.records[tenantID][i]
		if tail == nil || r.Seq > tail.Seq {
			tail = &r
		}
	}
	return tail, nil
}

func (m *memStore) Range(ctx context.Context, tenantID string, fromSeq, toSeq int64, limit int) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, r := range m.records[tenantID] {
		if r.Seq >= fromSeq && (toSeq <= 0 || r.Seq <= toSeq) {
			out = append(out, r)
		}
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].Seq < out[i].Seq {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// tamper replaces the stored record at the given seq.
func (m *memStore) tamper(tenantID string, seq int64, modify func(*Record)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.records[tenantID] {
		if m.records[tenantID][i].Seq == seq {
			modify(&m.records[tenantID][i])
			return
		}
	}
}

// remove deletes the stored record at the given seq.
func (m *memStore) remove(tenantID string, seq int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.records[tenantID][:0]
	for _, r := range m.records[tenantID] {
		if r.Seq != seq {
			kept = append(kept, r)
		}
	}
	m.records[tenantID] = kept
}

func validInput(tenantID string) Input {
	return Input{
		TenantID:   tenantID,
		ActorID:    "u1",
		ActorEmail: "hr@acme.test",
		ActorRole:  "admin",
		Action:     ActionUpdate,
		EntityType: EntityPayBand,
		EntityID:   "pb9",
		EntityName: "Band 9",
		NewValues:  json.RawMessage(`{"max":85000}`),
	}
}

func TestAppend_FirstRecordGenesis(t *testing.T) {
	log := NewLog(Options{Store: newMemStore()})

	r, err := log.Append(context.Background(), validInput("acme"))
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}

	if r.Seq != 1 {
		t.Errorf("first record should have seq 1, got %d", r.Seq)
	}
	if r.PrevHash != Genesis {
		t.Errorf("first record should link to genesis, got %q", r.PrevHash)
	}
	if r.ID == "" {
		t.Error("record should have a server-assigned id")
	}
	if r.CreatedAt.IsZero() {
		t.Error("record should have a server-assigned timestamp")
	}
	if !verifyRecord(&r) {
		t.Error("appended record should verify")
	}
}

func TestAppend_LinksToPredecessor(t *testing.T) {
	log := NewLog(Options{Store: newMemStore()})
	ctx := context.Background()

	var prev Record
	for i := 1; i <= 3; i++ {
		r, err := log.Append(ctx, validInput("acme"))
		if err != nil {
			t.Fatalf("append %d failed: %v", i, err)
		}
		if r.Seq != int64(i) {
			t.Errorf("append %d: got seq %d", i, r.Seq)
		}
		if i > 1 && r.PrevHash != prev.RecordHash {
			t.Errorf("append %d: prev_hash %q does not match predecessor hash %q",
				i, r.PrevHash, prev.RecordHash)
		}
		prev = r
	}
}

func TestAppend_ValidationErrors(t *testing.T) {
	log := NewLog(Options{Store: newMemStore()})
	ctx := context.Background()

	tests := []struct {
		name   string
		modify func(in *Input)
	}{
		{"missing tenant", func(in *Input) { in.TenantID = "" }},
		{"missing actor id", func(in *Input) { in.ActorID = "" }},
		{"missing actor email", func(in *Input) { in.ActorEmail = "" }},
		{"unknown action", func(in *Input) { in.Action = "promote" }},
		{"unknown entity type", func(in *Input) { in.EntityType = "spaceship" }},
		{"malformed old values", func(in *Input) { in.OldValues = json.RawMessage(`{broken`) }},
		{"malformed metadata", func(in *Input) { in.Metadata = json.RawMessage(`[1,`) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := validInput("acme")
			tt.modify(&in)
			_, err := log.Append(ctx, in)
			if !errors.Is(err, ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
		})
	}

	// None of the rejected inputs may have consumed a sequence number.
	r, err := log.Append(ctx, validInput("acme"))
	if err != nil {
		t.Fatalf("valid append failed: %v", err)
	}
	if r.Seq != 1 {
		t.Errorf("rejected inputs must not burn sequence numbers, got seq %d", r.Seq)
	}
}

func TestAppend_FrozenTenant(t *testing.T) {
	log := NewLog(Options{
		Store: newMemStore(),
		IsFrozen: func(tenantID string) (bool, string) {
			return tenantID == "acme", "litigation hold"
		},
	})
	ctx := context.Background()

	if _, err := log.Append(ctx, validInput("acme")); !errors.Is(err, ErrFrozen) {
		t.Errorf("expected ErrFrozen, got %v", err)
	}

	// Other tenants are unaffected.
	if _, err := log.Append(ctx, validInput("globex")); err != nil {
		t.Errorf("append to unfrozen tenant failed: %v", err)
	}
}

func TestAppend_TenantIsolation(t *testing.T) {
	log := NewLog(Options{Store: newMemStore()})
	ctx := context.Background()

	a1, _ := log.Append(ctx, validInput("acme"))
	g1, err := log.Append(ctx, validInput("globex"))
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}

	if g1.Seq != 1 {
		t.Errorf("each tenant's chain starts at seq 1, got %d", g1.Seq)
	}
	if g1.PrevHash != Genesis {
		t.Errorf("each tenant's first record links to genesis, got %q", g1.PrevHash)
	}
	if a1.RecordHash == g1.RecordHash {
		t.Error("records in different tenants should not share hashes")
	}
}

func TestAppend_Concurrent(t *testing.T) {
	store := newMemStore()
	log := NewLog(Options{Store: store})
	ctx := context.Background()

	const n = 25
	var wg sync.WaitGroup
	errCh := make(chan error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := log.Append(ctx, validInput("acme")); err != nil {
				errCh <- err
			}
		}()
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		t.Errorf("concurrent append failed: %v", err)
	}

	// The sequence numbers must be exactly {1..n} with no gaps or
	// duplicates, and the resulting chain must verify end to end.
	records, err := store.Range(ctx, "acme", 1, 0, 0)
	if err != nil {
		t.Fatalf("range failed: %v", err)
	}
	if len(records) != n {
		t.Fatalf("expected %d records, got %d", n, len(records))
	}
	for i, r := range records {
		if r.Seq != int64(i+1) {
			t.Errorf("position %d: expected seq %d, got %d", i, i+1, r.Seq)
		}
	}

	result, err := NewVerifier(store).Verify(ctx, "acme", 0, 0)
	if err != nil {
		t.Fatalf("verification failed to run: %v", err)
	}
	if !result.IsValid {
		t.Errorf("chain built under contention should verify: %+v", result)
	}
}

// conflictStore rejects the first few appends with ErrConflict to
// exercise the retry loop.
type conflictStore struct {
	*memStore
	mu        sync.Mutex
	conflicts int
}

func (c *conflictStore) Append(ctx context.Context, r Record) error {
	c.mu.Lock()
	reject := c.conflicts > 0
	if reject {
		c.conflicts--
	}
	c.mu.Unlock()

	if reject {
		return fmt.Errorf("simulated race: %w", ErrConflict)
	}
	return c.memStore.Append(ctx, r)
}

func TestAppend_RetriesOnConflict(t *testing.T) {
	store := &conflictStore{memStore: newMemStore(), conflicts: 2}
	log := NewLog(Options{Store: store})

	r, err := log.Append(context.Background(), validInput("acme"))
	if err != nil {
		t.Fatalf("append should succeed after retries: %v", err)
	}
	if r.Seq != 1 {
		t.Errorf("expected seq 1, got %d", r.Seq)
	}
}

func TestAppend_ConflictRetriesExhausted(t *testing.T) {
	store := &conflictStore{memStore: newMemStore(), conflicts: maxAppendAttempts + 1}
	log := NewLog(Options{Store: store})

	_, err := log.Append(context.Background(), validInput("acme"))
	if !errors.Is(err, ErrConflict) {
		t.Errorf("expected wrapped ErrConflict after exhausting retries, got %v", err)
	}
}

func TestAppend_OnAppendCallback(t *testing.T) {
	var seen []Record
	log := NewLog(Options{
		Store:    newMemStore(),
		OnAppend: func(r Record) { seen = append(seen, r) },
	})
	ctx := context.Background()

	log.Append(ctx, validInput("acme"))
	log.Append(ctx, validInput("acme"))

	if len(seen) != 2 {
		t.Fatalf("expected 2 callback invocations, got %d", len(seen))
	}
	if seen[0].Seq != 1 || seen[1].Seq != 2 {
		t.Errorf("callback should receive persisted records in order: %d, %d",
			seen[0].Seq, seen[1].Seq)
	}
}
