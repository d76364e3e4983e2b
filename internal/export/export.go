// Package export materializes audit record selections into write-once
// export payloads for external/legal review.
//
// An export carries its own hash over the full exported record set —
// tamper evidence for the export artifact itself, distinct from the
// per-record chain hashes.
package export

import (
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/klargehalt/auditchain/internal/audit"
)

// Format selects the export encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// pageSize is how many records each underlying range read fetches, so a
// very large tenant never materializes in a single store call.
const pageSize = 500

// Export is a completed export payload. It is only assembled after the
// full selected range has been read and hashed — a client disconnect
// mid-read produces no half-built artifact.
type Export struct {
	ID          string         `json:"export_id"`
	TenantID    string         `json:"tenant_id"`
	CreatedAt   time.Time      `json:"created_at"`
	Type        Type           `json:"export_type"`
	RecordCount int            `json:"record_count"`
	ExportHash  string         `json:"export_hash"`
	Records     []audit.Record `json:"records"`
}

// Exporter builds exports from an append store.
type Exporter struct {
	store audit.Store
}

// New creates an exporter over the given store.
func New(store audit.Store) *Exporter {
	return &Exporter{store: store}
}

// Create reads the tenant's chain in ascending sequence order, keeps the
// records matching the selection, and returns the finished export.
//
// The export hash is SHA-256 over the included records' chain hashes in
// sequence order: two exports of the same selection get distinct ids and
// timestamps but identical record counts and hashes.
func (e *Exporter) Create(ctx context.Context, tenantID string, sel Selection) (Export, error) {
	if err := sel.Compile(); err != nil {
		return Export{}, err
	}

	var (
		records []audit.Record
		cursor  int64 = 1
		h             = sha256.New()
	)

	for {
		page, err := e.store.Range(ctx, tenantID, cursor, 0, pageSize)
		if err != nil {
			return Export{}, fmt.Errorf("reading records for export: %w", err)
		}
		if len(page) == 0 {
			break
		}

		for _, r := range page {
			if !sel.matches(r) {
				continue
			}
			records = append(records, r)
			h.Write([]byte(r.RecordHash))
			h.Write([]byte{'\n'})
		}

		cursor = page[len(page)-1].Seq + 1
		if len(page) < pageSize {
			break
		}
	}

	return Export{
		ID:          uuid.NewString(),
		TenantID:    tenantID,
		CreatedAt:   time.Now().UTC(),
		Type:        sel.Type,
		RecordCount: len(records),
		ExportHash:  "sha256:" + hex.EncodeToString(h.Sum(nil)),
		Records:     records,
	}, nil
}

// Filename returns the download name for the export artifact, e.g.
// "audit_export_2026-09-01.csv".
func (ex Export) Filename(format Format) string {
	return fmt.Sprintf("audit_export_%s.%s", ex.CreatedAt.Format("2006-01-02"), format)
}

// WriteJSON writes the structured form: the full export envelope with all
// record fields preserved.
func (ex Export) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(ex)
}

// csvHeader is the fixed column order of the tabular form, for human and
// legal review. Opaque JSON snapshots are embedded as single cells.
var csvHeader = []string{
	"tenant_id", "seq", "id", "actor_id", "actor_email", "actor_role",
	"action", "entity_type", "entity_id", "entity_name",
	"old_values", "new_values", "metadata", "created_at",
	"prev_hash", "record_hash",
}

// WriteCSV writes the flattened tabular form.
func (ex Export) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	defer cw.Flush()

	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, r := range ex.Records {
		row := []string{
			r.TenantID,
			strconv.FormatInt(r.Seq, 10),
			r.ID,
			r.ActorID,
			r.ActorEmail,
			r.ActorRole,
			string(r.Action),
			string(r.EntityType),
			r.EntityID,
			r.EntityName,
			string(r.OldValues),
			string(r.NewValues),
			string(r.Metadata),
			r.CreatedAt.UTC().Format(time.RFC3339Nano),
			r.PrevHash,
			r.RecordHash,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Write encodes the export in the requested format.
func (ex Export) Write(w io.Writer, format Format) error {
	switch format {
	case FormatJSON, "":
		return ex.WriteJSON(w)
	case FormatCSV:
		return ex.WriteCSV(w)
	default:
		return fmt.Errorf("%w: unsupported export format %q (use json or csv)", audit.ErrValidation, format)
	}
}
