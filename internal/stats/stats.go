// Package stats computes descriptive aggregates over a tenant's audit log.
//
// Everything here is a derived, display-only view: counts are recomputed
// from the store on every call, never written back, and never a substitute
// for chain verification.
package stats

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/klargehalt/auditchain/internal/audit"
	"github.com/klargehalt/auditchain/internal/store"
)

// topActorLimit caps the actor breakdown to the busiest actors.
const topActorLimit = 10

// pageSize is how many records are read from the store per page while
// folding the window.
const pageSize = 500

// Reader is the read-only slice of the store the aggregator needs.
type Reader interface {
	List(ctx context.Context, tenantID string, f store.Filter, page, pageSize int) ([]audit.Record, int, error)
}

// ActorCount is one entry of the top-actors breakdown.
type ActorCount struct {
	ActorEmail string `json:"actor_email"`
	Count      int    `json:"count"`
}

// DayCount is one point of the daily time series.
type DayCount struct {
	Date  string `json:"date"` // YYYY-MM-DD, UTC
	Count int    `json:"count"`
}

// Statistics is the windowed aggregate for one tenant.
type Statistics struct {
	TenantID     string         `json:"tenant_id"`
	WindowDays   int            `json:"window_days"`
	TotalRecords int            `json:"total_records"`
	ByAction     map[string]int `json:"records_by_action"`
	ByEntityType map[string]int `json:"records_by_entity_type"`
	TopActors    []ActorCount   `json:"top_actors"`
	Daily        []DayCount     `json:"daily"`
}

// Aggregator computes Statistics from an append store.
type Aggregator struct {
	reader Reader
}

// New creates an aggregator over the given reader.
func New(reader Reader) *Aggregator {
	return &Aggregator{reader: reader}
}

// Compute folds the tenant's records from the last windowDays days into
// counts by action, entity type, and actor, plus a zero-filled daily
// series. Reads are paged; the fold keeps only counts in memory.
func (a *Aggregator) Compute(ctx context.Context, tenantID string, windowDays int) (Statistics, error) {
	if windowDays < 1 {
		windowDays = 30
	}

	now := time.Now().UTC()
	from := now.AddDate(0, 0, -windowDays)

	stats := Statistics{
		TenantID:     tenantID,
		WindowDays:   windowDays,
		ByAction:     make(map[string]int),
		ByEntityType: make(map[string]int),
	}

	// Zero-fill the daily series so the dashboard chart has a point for
	// every day in the window, including quiet ones.
	daily := make(map[string]int, windowDays)
	var days []string
	for d := 0; d < windowDays; d++ {
		day := now.AddDate(0, 0, -(windowDays - 1 - d)).Format("2006-01-02")
		daily[day] = 0
		days = append(days, day)
	}

	actors := make(map[string]int)
	filter := store.Filter{DateFrom: &from}

	for page := 1; ; page++ {
		records, total, err := a.reader.List(ctx, tenantID, filter, page, pageSize)
		if err != nil {
			return Statistics{}, fmt.Errorf("reading records for statistics: %w", err)
		}
		stats.TotalRecords = total

		for _, r := range records {
			stats.ByAction[string(r.Action)]++
			stats.ByEntityType[string(r.EntityType)]++
			actors[r.ActorEmail]++
			day := r.CreatedAt.UTC().Format("2006-01-02")
			if _, ok := daily[day]; ok {
				daily[day]++
			}
		}

		if len(records) < pageSize {
			break
		}
	}

	for _, day := range days {
		stats.Daily = append(stats.Daily, DayCount{Date: day, Count: daily[day]})
	}

	for email, count := range actors {
		stats.TopActors = append(stats.TopActors, ActorCount{ActorEmail: email, Count: count})
	}
	sort.Slice(stats.TopActors, func(i, j int) bool {
		if stats.TopActors[i].Count != stats.TopActors[j].Count {
			return stats.TopActors[i].Count > stats.TopActors[j].Count
		}
		return stats.TopActors[i].ActorEmail < stats.TopActors[j].ActorEmail
	})
	if len(stats.TopActors) > topActorLimit {
		stats.TopActors = stats.TopActors[:topActorLimit]
	}

	return stats, nil
}
