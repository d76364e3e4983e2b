package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klargehalt/auditchain/internal/audit"
)

// memStore is a minimal in-memory audit.Store for exporter tests.
type memStore struct {
	mu      sync.Mutex
	records map[string][]audit.Record
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string][]audit.Record)}
}

func (m *memStore) Append(ctx context.Context, r audit.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.records[r.TenantID] {
		if existing.Seq == r.Seq {
			return fmt.Errorf("seq %d taken: %w", r.Seq, audit.ErrConflict)
		}
	}
	m.records[r.TenantID] = append(m.records[r.TenantID], r)
	return nil
}

func (m *memStore) Tail(ctx context.Context, tenantID string) (*audit.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rs := m.records[tenantID]
	if len(rs) == 0 {
		return nil, nil
	}
	r := rs[len(rs)-1]
	return &r, nil
}

func (m *memStore) Range(ctx context.Context, tenantID string, fromSeq, toSeq int64, limit int) ([]audit.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []audit.Record
	for _, r := range m.records[tenantID] {
		if r.Seq >= fromSeq && (toSeq <= 0 || r.Seq <= toSeq) {
			out = append(out, r)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// seedChain appends a fixed scenario to the store: pay band edits by HR,
// an employee view by the boss, and a deletion.
func seedChain(t *testing.T, store *memStore) {
	t.Helper()
	log := audit.NewLog(audit.Options{Store: store})
	inputs := []audit.Input{
		{ActorID: "u1", ActorEmail: "hr@acme.test", Action: audit.ActionCreate,
			EntityType: audit.EntityPayBand, EntityName: "Band 9",
			NewValues: json.RawMessage(`{"max":80000}`)},
		{ActorID: "u1", ActorEmail: "hr@acme.test", Action: audit.ActionUpdate,
			EntityType: audit.EntityPayBand, EntityName: "Band 9",
			OldValues: json.RawMessage(`{"max":80000}`), NewValues: json.RawMessage(`{"max":85000}`)},
		{ActorID: "u2", ActorEmail: "Boss@acme.test", Action: audit.ActionView,
			EntityType: audit.EntityEmployee, EntityName: "Jane Doe"},
		{ActorID: "u1", ActorEmail: "hr@acme.test", Action: audit.ActionDelete,
			EntityType: audit.EntityPayBand, EntityName: "Band 2"},
	}
	for i, in := range inputs {
		in.TenantID = "acme"
		if _, err := log.Append(context.Background(), in); err != nil {
			t.Fatalf("seed append %d failed: %v", i+1, err)
		}
	}
}

func TestCreate_Full(t *testing.T) {
	store := newMemStore()
	seedChain(t, store)

	ex, err := New(store).Create(context.Background(), "acme", Selection{Type: TypeFull})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if ex.RecordCount != 4 || len(ex.Records) != 4 {
		t.Fatalf("full export should carry all 4 records, got %d", ex.RecordCount)
	}
	for i, r := range ex.Records {
		if r.Seq != int64(i+1) {
			t.Errorf("export must be in chain order, position %d has seq %d", i, r.Seq)
		}
	}
	if ex.ID == "" || ex.TenantID != "acme" || ex.Type != TypeFull {
		t.Errorf("unexpected envelope: %+v", ex)
	}
	if !strings.HasPrefix(ex.ExportHash, "sha256:") {
		t.Errorf("export hash should be prefixed, got %q", ex.ExportHash)
	}
}

func TestCreate_RepeatableHashDistinctIDs(t *testing.T) {
	store := newMemStore()
	seedChain(t, store)
	exporter := New(store)
	ctx := context.Background()

	a, err := exporter.Create(ctx, "acme", Selection{Type: TypeFull})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	b, err := exporter.Create(ctx, "acme", Selection{Type: TypeFull})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if a.ExportHash != b.ExportHash {
		t.Error("same selection over the same chain should produce the same hash")
	}
	if a.RecordCount != b.RecordCount {
		t.Error("same selection should produce the same record count")
	}
	if a.ID == b.ID {
		t.Error("each export gets its own id")
	}
}

func TestCreate_EntityTypeSelection(t *testing.T) {
	store := newMemStore()
	seedChain(t, store)

	ex, err := New(store).Create(context.Background(), "acme", Selection{
		Type:        TypeEntityType,
		EntityTypes: []audit.EntityType{audit.EntityPayBand},
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if ex.RecordCount != 3 {
		t.Errorf("expected 3 pay_band records, got %d", ex.RecordCount)
	}

	ex, err = New(store).Create(context.Background(), "acme", Selection{
		Type:    TypeEntityType,
		Actions: []audit.Action{audit.ActionDelete},
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if ex.RecordCount != 1 || ex.Records[0].EntityName != "Band 2" {
		t.Errorf("action selection expected only the deletion, got %d records", ex.RecordCount)
	}
}

func TestCreate_GlobPatterns(t *testing.T) {
	store := newMemStore()
	seedChain(t, store)
	exporter := New(store)
	ctx := context.Background()

	ex, err := exporter.Create(ctx, "acme", Selection{
		Type:               TypeFull,
		EntityNamePatterns: []string{"Band *"},
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if ex.RecordCount != 3 {
		t.Errorf("name glob 'Band *' should match 3 records, got %d", ex.RecordCount)
	}

	// Email matching is case-insensitive: the stored actor is Boss@acme.test.
	ex, err = exporter.Create(ctx, "acme", Selection{
		Type:               TypeFull,
		ActorEmailPatterns: []string{"boss@*"},
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if ex.RecordCount != 1 || ex.Records[0].EntityType != audit.EntityEmployee {
		t.Errorf("email glob expected the boss's view record, got %d records", ex.RecordCount)
	}
}

func TestCreate_DateRange(t *testing.T) {
	store := newMemStore()
	seedChain(t, store)
	exporter := New(store)
	ctx := context.Background()

	from := time.Now().UTC().Add(-time.Hour)
	to := time.Now().UTC().Add(time.Hour)
	ex, err := exporter.Create(ctx, "acme", Selection{
		Type: TypeDateRange, DateFrom: &from, DateTo: &to,
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if ex.RecordCount != 4 {
		t.Errorf("window around now should include everything, got %d", ex.RecordCount)
	}

	pastFrom := time.Now().UTC().Add(-2 * time.Hour)
	pastTo := time.Now().UTC().Add(-time.Hour)
	ex, err = exporter.Create(ctx, "acme", Selection{
		Type: TypeDateRange, DateFrom: &pastFrom, DateTo: &pastTo,
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if ex.RecordCount != 0 {
		t.Errorf("past window should be empty, got %d", ex.RecordCount)
	}
}

func TestSelection_CompileErrors(t *testing.T) {
	tests := []struct {
		name string
		sel  Selection
	}{
		{"unknown type", Selection{Type: "everything"}},
		{"date_range without dates", Selection{Type: TypeDateRange}},
		{"entity_type without lists", Selection{Type: TypeEntityType}},
		{"unknown entity type", Selection{
			Type: TypeEntityType, EntityTypes: []audit.EntityType{"spaceship"}}},
		{"unknown action", Selection{
			Type: TypeEntityType, Actions: []audit.Action{"promote"}}},
		{"invalid name glob", Selection{
			Type: TypeFull, EntityNamePatterns: []string{"[broken"}}},
		{"invalid email glob", Selection{
			Type: TypeFull, ActorEmailPatterns: []string{"[broken"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.sel.Compile(); !errors.Is(err, audit.ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestFilename(t *testing.T) {
	ex := Export{CreatedAt: time.Date(2026, 9, 1, 15, 4, 5, 0, time.UTC)}

	if got := ex.Filename(FormatCSV); got != "audit_export_2026-09-01.csv" {
		t.Errorf("unexpected csv filename %q", got)
	}
	if got := ex.Filename(FormatJSON); got != "audit_export_2026-09-01.json" {
		t.Errorf("unexpected json filename %q", got)
	}
}

func TestWriteCSV(t *testing.T) {
	store := newMemStore()
	seedChain(t, store)
	ex, err := New(store).Create(context.Background(), "acme", Selection{Type: TypeFull})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	var buf bytes.Buffer
	if err := ex.WriteCSV(&buf); err != nil {
		t.Fatalf("csv write failed: %v", err)
	}

	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("csv parse failed: %v", err)
	}
	if len(rows) != 5 {
		t.Fatalf("expected header + 4 rows, got %d", len(rows))
	}
	if rows[0][0] != "tenant_id" || rows[0][len(rows[0])-1] != "record_hash" {
		t.Errorf("unexpected header: %v", rows[0])
	}
	if rows[1][1] != "1" || rows[4][1] != "4" {
		t.Errorf("rows should be in chain order: seq %s .. %s", rows[1][1], rows[4][1])
	}
}

func TestWriteJSON(t *testing.T) {
	store := newMemStore()
	seedChain(t, store)
	ex, err := New(store).Create(context.Background(), "acme", Selection{Type: TypeFull})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	var buf bytes.Buffer
	if err := ex.WriteJSON(&buf); err != nil {
		t.Fatalf("json write failed: %v", err)
	}

	var decoded Export
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("json parse failed: %v", err)
	}
	if decoded.ExportHash != ex.ExportHash || len(decoded.Records) != 4 {
		t.Errorf("envelope did not survive the round trip: %+v", decoded)
	}
}

func TestWrite_UnknownFormat(t *testing.T) {
	ex := Export{}
	err := ex.Write(&bytes.Buffer{}, "xml")
	if !errors.Is(err, audit.ErrValidation) {
		t.Errorf("expected ErrValidation for unknown format, got %v", err)
	}
}
