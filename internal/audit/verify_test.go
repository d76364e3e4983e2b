package audit

import (
	"context"
	"encoding/json"
	"testing"
)

// buildChain appends n records for the tenant and returns the store.
func buildChain(t *testing.T, tenantID string, n int) *memStore {
	t.Helper()
	store := newMemStore()
	log := NewLog(Options{Store: store})
	for i := 0; i < n; i++ {
		if _, err := log.Append(context.Background(), validInput(tenantID)); err != nil {
			t.Fatalf("append %d failed: %v", i+1, err)
		}
	}
	return store
}

func TestVerify_ValidChain(t *testing.T) {
	store := buildChain(t, "acme", 10)

	result, err := NewVerifier(store).Verify(context.Background(), "acme", 0, 0)
	if err != nil {
		t.Fatalf("verification failed to run: %v", err)
	}

	if !result.IsValid {
		t.Errorf("untampered chain should be valid: %+v", result)
	}
	if result.CheckedRecords != 10 {
		t.Errorf("expected 10 checked records, got %d", result.CheckedRecords)
	}
	if result.FirstInvalidSeq != nil {
		t.Error("valid result should not carry a first invalid seq")
	}
}

func TestVerify_EmptyChain(t *testing.T) {
	result, err := NewVerifier(newMemStore()).Verify(context.Background(), "acme", 0, 0)
	if err != nil {
		t.Fatalf("verification failed to run: %v", err)
	}

	if !result.IsValid {
		t.Error("empty chain is trivially valid")
	}
	if result.CheckedRecords != 0 {
		t.Errorf("expected 0 checked records, got %d", result.CheckedRecords)
	}
}

func TestVerify_TamperedField(t *testing.T) {
	store := buildChain(t, "acme", 10)

	// Flip a value in record 5 without touching its stored hash.
	store.tamper("acme", 5, func(r *Record) {
		r.NewValues = json.RawMessage(`{"max":999999}`)
	})

	result, err := NewVerifier(store).Verify(context.Background(), "acme", 0, 0)
	if err != nil {
		t.Fatalf("verification failed to run: %v", err)
	}

	if result.IsValid {
		t.Fatal("tampered chain should be invalid")
	}
	if result.FirstInvalidSeq == nil || *result.FirstInvalidSeq != 5 {
		t.Errorf("expected first invalid seq 5, got %v", result.FirstInvalidSeq)
	}
	if result.FirstInvalidID == nil {
		t.Error("expected the tampered record's id to be reported")
	}
	if result.CheckedRecords != 5 {
		t.Errorf("scan should stop at the break: expected 5 checked, got %d", result.CheckedRecords)
	}
}

func TestVerify_RewrittenHash(t *testing.T) {
	store := buildChain(t, "acme", 6)

	// A smarter attacker rewrites the record AND recomputes its hash.
	// The record is self-consistent, but the successor's prev_hash no
	// longer matches.
	store.tamper("acme", 3, func(r *Record) {
		r.NewValues = json.RawMessage(`{"max":1}`)
		r.RecordHash = computeHash(r)
	})

	result, err := NewVerifier(store).Verify(context.Background(), "acme", 0, 0)
	if err != nil {
		t.Fatalf("verification failed to run: %v", err)
	}

	if result.IsValid {
		t.Fatal("chain with a rewritten record should be invalid")
	}
	// Record 3 verifies on its own; the break surfaces at record 4's
	// linkage check.
	if result.FirstInvalidSeq == nil || *result.FirstInvalidSeq != 4 {
		t.Errorf("expected break at seq 4, got %v", result.FirstInvalidSeq)
	}
}

func TestVerify_SequenceGap(t *testing.T) {
	store := buildChain(t, "acme", 5)
	store.remove("acme", 3)

	result, err := NewVerifier(store).Verify(context.Background(), "acme", 0, 0)
	if err != nil {
		t.Fatalf("verification failed to run: %v", err)
	}

	if result.IsValid {
		t.Fatal("chain with a deleted record should be invalid")
	}
	if result.FirstInvalidSeq == nil || *result.FirstInvalidSeq != 3 {
		t.Errorf("expected gap reported at seq 3, got %v", result.FirstInvalidSeq)
	}
}

func TestVerify_SubRange(t *testing.T) {
	store := buildChain(t, "acme", 10)

	result, err := NewVerifier(store).Verify(context.Background(), "acme", 4, 8)
	if err != nil {
		t.Fatalf("verification failed to run: %v", err)
	}

	if !result.IsValid {
		t.Errorf("valid sub-range should verify: %+v", result)
	}
	if result.CheckedRecords != 5 {
		t.Errorf("expected 5 checked records, got %d", result.CheckedRecords)
	}
}

func TestVerify_SubRangeCatchesTamper(t *testing.T) {
	store := buildChain(t, "acme", 10)
	store.tamper("acme", 6, func(r *Record) {
		r.ActorEmail = "intruder@acme.test"
	})

	result, err := NewVerifier(store).Verify(context.Background(), "acme", 4, 8)
	if err != nil {
		t.Fatalf("verification failed to run: %v", err)
	}

	if result.IsValid {
		t.Fatal("sub-range covering the tampered record should be invalid")
	}
	if result.FirstInvalidSeq == nil || *result.FirstInvalidSeq != 6 {
		t.Errorf("expected first invalid seq 6, got %v", result.FirstInvalidSeq)
	}
}

func TestVerify_SubRangeMissingPredecessor(t *testing.T) {
	store := buildChain(t, "acme", 5)
	store.remove("acme", 2)

	// Verifying from seq 3 needs record 2 as the linkage anchor.
	result, err := NewVerifier(store).Verify(context.Background(), "acme", 3, 0)
	if err != nil {
		t.Fatalf("verification failed to run: %v", err)
	}

	if result.IsValid {
		t.Fatal("missing predecessor should make the sub-range invalid")
	}
	if result.FirstInvalidSeq == nil || *result.FirstInvalidSeq != 3 {
		t.Errorf("expected seq 3 reported, got %v", result.FirstInvalidSeq)
	}
}

func TestVerify_OtherTenantUnaffected(t *testing.T) {
	store := newMemStore()
	log := NewLog(Options{Store: store})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		log.Append(ctx, validInput("acme"))
		log.Append(ctx, validInput("globex"))
	}

	store.tamper("acme", 2, func(r *Record) {
		r.EntityName = "Band X"
	})

	verifier := NewVerifier(store)

	acme, _ := verifier.Verify(ctx, "acme", 0, 0)
	if acme.IsValid {
		t.Error("tampered tenant should fail verification")
	}

	globex, _ := verifier.Verify(ctx, "globex", 0, 0)
	if !globex.IsValid {
		t.Error("tampering with one tenant must not affect another tenant's chain")
	}
}
