// Package store persists audit records in SQLite.
//
// The store is append-only at the interface level: the only write path is
// Append, and the schema's composite primary key (tenant_id, seq) gives the
// chain builder its uniqueness guarantee. There is no update or delete.
//
// WAL mode allows the serving process to append while CLI subcommands read
// the same database file.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/klargehalt/auditchain/internal/audit"
)

// Store is the SQLite-backed append store.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the audit database at the given path and ensures
// the schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening audit database %s: %w", path, err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS audit_records (
			tenant_id   TEXT    NOT NULL,
			seq         INTEGER NOT NULL,
			id          TEXT    NOT NULL,
			actor_id    TEXT    NOT NULL,
			actor_email TEXT    NOT NULL,
			actor_role  TEXT    NOT NULL DEFAULT '',
			action      TEXT    NOT NULL,
			entity_type TEXT    NOT NULL,
			entity_id   TEXT    NOT NULL DEFAULT '',
			entity_name TEXT    NOT NULL DEFAULT '',
			old_values  TEXT,
			new_values  TEXT,
			metadata    TEXT,
			created_at  TEXT    NOT NULL,
			prev_hash   TEXT    NOT NULL,
			record_hash TEXT    NOT NULL,
			PRIMARY KEY (tenant_id, seq)
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_record_id ON audit_records(id);
		CREATE INDEX IF NOT EXISTS idx_tenant_created ON audit_records(tenant_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_tenant_action ON audit_records(tenant_id, action);
		CREATE INDEX IF NOT EXISTS idx_tenant_entity ON audit_records(tenant_id, entity_type);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating audit schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

const recordColumns = `tenant_id, seq, id, actor_id, actor_email, actor_role,
	action, entity_type, entity_id, entity_name,
	old_values, new_values, metadata, created_at, prev_hash, record_hash`

// Append inserts a fully populated record. A primary-key collision on
// (tenant_id, seq) — a concurrent writer won the race — is reported as
// audit.ErrConflict so the chain builder retries with a fresh tail.
func (s *Store) Append(ctx context.Context, r audit.Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_records (`+recordColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.TenantID, r.Seq, r.ID, r.ActorID, r.ActorEmail, r.ActorRole,
		string(r.Action), string(r.EntityType), r.EntityID, r.EntityName,
		nullableJSON(r.OldValues), nullableJSON(r.NewValues), nullableJSON(r.Metadata),
		r.CreatedAt.UTC().Format(time.RFC3339Nano), r.PrevHash, r.RecordHash,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") ||
			strings.Contains(err.Error(), "constraint failed") {
			return fmt.Errorf("%w: tenant %s seq %d", audit.ErrConflict, r.TenantID, r.Seq)
		}
		return fmt.Errorf("inserting audit record: %w", err)
	}
	return nil
}

// Tail returns the highest-seq record for a tenant, or nil when the tenant
// has no records yet.
func (s *Store) Tail(ctx context.Context, tenantID string) (*audit.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM audit_records
		 WHERE tenant_id = ? ORDER BY seq DESC LIMIT 1`, tenantID)

	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading chain tail: %w", err)
	}
	return &r, nil
}

// Range returns up to limit records with fromSeq <= seq <= toSeq in
// ascending seq order. toSeq <= 0 means unbounded; limit <= 0 means no
// limit (callers that care about memory pass an explicit page size).
func (s *Store) Range(ctx context.Context, tenantID string, fromSeq, toSeq int64, limit int) ([]audit.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM audit_records WHERE tenant_id = ? AND seq >= ?`
	args := []any{tenantID, fromSeq}

	if toSeq > 0 {
		query += " AND seq <= ?"
		args = append(args, toSeq)
	}
	query += " ORDER BY seq ASC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying record range: %w", err)
	}
	defer rows.Close()

	return collectRecords(rows)
}

// Filter narrows a List query. Zero values mean "no filter".
type Filter struct {
	Action     string
	EntityType string
	ActorEmail string
	DateFrom   *time.Time
	DateTo     *time.Time
}

// List returns one page of a tenant's records matching the filter, newest
// first, along with the total match count for pagination.
func (s *Store) List(ctx context.Context, tenantID string, f Filter, page, pageSize int) ([]audit.Record, int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 1000 {
		pageSize = 100
	}

	where := " FROM audit_records WHERE tenant_id = ?"
	args := []any{tenantID}

	if f.Action != "" {
		where += " AND action = ?"
		args = append(args, f.Action)
	}
	if f.EntityType != "" {
		where += " AND entity_type = ?"
		args = append(args, f.EntityType)
	}
	if f.ActorEmail != "" {
		where += " AND actor_email = ?"
		args = append(args, f.ActorEmail)
	}
	if f.DateFrom != nil {
		where += " AND created_at >= ?"
		args = append(args, f.DateFrom.UTC().Format(time.RFC3339Nano))
	}
	if f.DateTo != nil {
		where += " AND created_at <= ?"
		args = append(args, f.DateTo.UTC().Format(time.RFC3339Nano))
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*)"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting audit records: %w", err)
	}

	query := "SELECT " + recordColumns + where + " ORDER BY seq DESC LIMIT ? OFFSET ?"
	args = append(args, pageSize, (page-1)*pageSize)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("querying audit records: %w", err)
	}
	defer rows.Close()

	records, err := collectRecords(rows)
	if err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

// scanner abstracts *sql.Row and *sql.Rows for scanRecord.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (audit.Record, error) {
	var (
		r                  audit.Record
		action, entityType string
		oldV, newV, meta   sql.NullString
		createdAt          string
	)
	err := sc.Scan(
		&r.TenantID, &r.Seq, &r.ID, &r.ActorID, &r.ActorEmail, &r.ActorRole,
		&action, &entityType, &r.EntityID, &r.EntityName,
		&oldV, &newV, &meta, &createdAt, &r.PrevHash, &r.RecordHash,
	)
	if err != nil {
		return audit.Record{}, err
	}

	r.Action = audit.Action(action)
	r.EntityType = audit.EntityType(entityType)
	r.OldValues = rawJSON(oldV)
	r.NewValues = rawJSON(newV)
	r.Metadata = rawJSON(meta)

	ts, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return audit.Record{}, fmt.Errorf("parsing created_at %q: %w", createdAt, err)
	}
	r.CreatedAt = ts
	return r, nil
}

func collectRecords(rows *sql.Rows) ([]audit.Record, error) {
	var records []audit.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning audit record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// nullableJSON maps an empty blob to SQL NULL so absent snapshots stay
// distinguishable from the JSON literal "null".
func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func rawJSON(ns sql.NullString) []byte {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return []byte(ns.String)
}
