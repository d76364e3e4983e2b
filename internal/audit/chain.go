package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// maxAppendAttempts bounds the conflict retry loop in Append. The per-tenant
// mutex already serializes appends within one process; retries only fire
// when another process appended to the same tenant between tail read and
// insert.
const maxAppendAttempts = 5

// Store is the durable append-only storage the chain builder and verifier
// run against. Implementations must enforce uniqueness on (tenant, seq) and
// must not expose update or delete operations.
type Store interface {
	// Append persists a fully populated record. Returns ErrConflict
	// (wrapped) when (tenant, seq) already exists.
	Append(ctx context.Context, r Record) error

	// Tail returns the record with the highest seq for the tenant, or nil
	// when the tenant has no records.
	Tail(ctx context.Context, tenantID string) (*Record, error)

	// Range returns up to limit records with fromSeq <= seq <= toSeq in
	// ascending seq order. toSeq <= 0 means unbounded.
	Range(ctx context.Context, tenantID string, fromSeq, toSeq int64, limit int) ([]Record, error)
}

// Options configures a Log.
type Options struct {
	Store Store

	// IsFrozen, when set, is consulted before every append. A frozen tenant
	// rejects appends with ErrFrozen — an ingest hold for legal review.
	IsFrozen func(tenantID string) (bool, string)

	// OnAppend, when set, is called after each successful append with the
	// persisted record. Used for the dashboard live feed and tenant
	// registry counters. Must not block.
	OnAppend func(Record)
}

// Log is the chain builder: it assigns sequence numbers and previous-hash
// links, computes record hashes, and persists records through the Store.
//
// Thread-safe. Appends for the same tenant are serialized on a per-tenant
// mutex; appends for different tenants proceed fully in parallel.
type Log struct {
	store    Store
	isFrozen func(string) (bool, string)
	onAppend func(Record)

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLog creates a chain builder over the given store.
func NewLog(opts Options) *Log {
	return &Log{
		store:    opts.Store,
		isFrozen: opts.IsFrozen,
		onAppend: opts.OnAppend,
		locks:    make(map[string]*sync.Mutex),
	}
}

// Append validates the candidate, assigns chain fields under the tenant's
// serialization lock, and persists the record. On a sequence conflict with
// a concurrent writer the whole tail-read/insert sequence is retried, so a
// lost race never burns a sequence number.
func (l *Log) Append(ctx context.Context, in Input) (Record, error) {
	if err := in.Validate(); err != nil {
		return Record{}, err
	}

	if l.isFrozen != nil {
		if frozen, reason := l.isFrozen(in.TenantID); frozen {
			return Record{}, fmt.Errorf("%w: tenant %s (%s)", ErrFrozen, in.TenantID, reason)
		}
	}

	lock := l.tenantLock(in.TenantID)
	lock.Lock()
	defer lock.Unlock()

	var lastErr error
	for attempt := 1; attempt <= maxAppendAttempts; attempt++ {
		tail, err := l.store.Tail(ctx, in.TenantID)
		if err != nil {
			return Record{}, fmt.Errorf("reading chain tail for tenant %s: %w", in.TenantID, err)
		}

		r := Record{
			ID:         uuid.NewString(),
			TenantID:   in.TenantID,
			Seq:        1,
			ActorID:    in.ActorID,
			ActorEmail: in.ActorEmail,
			ActorRole:  in.ActorRole,
			Action:     in.Action,
			EntityType: in.EntityType,
			EntityID:   in.EntityID,
			EntityName: in.EntityName,
			OldValues:  in.OldValues,
			NewValues:  in.NewValues,
			Metadata:   in.Metadata,
			CreatedAt:  time.Now().UTC(),
			PrevHash:   Genesis,
		}
		if tail != nil {
			r.Seq = tail.Seq + 1
			r.PrevHash = tail.RecordHash
		}
		r.RecordHash = computeHash(&r)

		err = l.store.Append(ctx, r)
		if err == nil {
			if l.onAppend != nil {
				l.onAppend(r)
			}
			return r, nil
		}
		if !errors.Is(err, ErrConflict) {
			return Record{}, fmt.Errorf("appending record for tenant %s: %w", in.TenantID, err)
		}

		// Another writer took this seq — re-read the tail and retry.
		lastErr = err
		slog.Warn("append sequence conflict, retrying",
			"tenant", in.TenantID, "seq", r.Seq, "attempt", attempt)
	}

	return Record{}, fmt.Errorf("append for tenant %s exhausted %d attempts: %w",
		in.TenantID, maxAppendAttempts, lastErr)
}

// tenantLock returns the serialization mutex for a tenant, creating it on
// first use. The lock map only grows; tenants are few and long-lived.
func (l *Log) tenantLock(tenantID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	lock, ok := l.locks[tenantID]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[tenantID] = lock
	}
	return lock
}
