// Package tenant manages tenant identity, per-tenant API keys, and the
// ingest freeze list.
//
// Tenants are auto-registered when their first record is appended. The
// registry persists to tenants.yaml and tracks per-tenant counters: total
// records appended, first/last append timestamps, and status.
package tenant

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Tenant is one registered organization.
type Tenant struct {
	ID           string    `yaml:"-" json:"id"`
	Name         string    `yaml:"name" json:"name"`
	APIKey       string    `yaml:"api_key" json:"-"`
	Status       string    `yaml:"status" json:"status"` // "active" or "frozen"
	FirstAppend  time.Time `yaml:"first_append" json:"first_append"`
	LastAppend   time.Time `yaml:"last_append" json:"last_append"`
	TotalRecords uint64    `yaml:"total_records" json:"total_records"`
}

// Registry manages the set of known tenants.
// Thread-safe — the server calls RecordAppend concurrently from multiple
// HTTP handler goroutines.
type Registry struct {
	mu      sync.RWMutex
	tenants map[string]*Tenant
	path    string
}

// registryFile is the YAML envelope for tenants.yaml.
type registryFile struct {
	Tenants map[string]*Tenant `yaml:"tenants"`
}

// NewRegistry loads the tenant registry from the given YAML file path.
// A missing file yields an empty registry, not an error.
func NewRegistry(path string) (*Registry, error) {
	r := &Registry{
		tenants: make(map[string]*Tenant),
		path:    path,
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("reading tenant registry %s: %w", path, err)
	}
	if len(data) == 0 {
		return r, nil
	}

	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing tenant registry %s: %w", path, err)
	}

	for id, t := range file.Tenants {
		if t == nil {
			continue
		}
		t.ID = id
		r.tenants[id] = t
	}

	slog.Info("tenant registry loaded", "tenants", len(r.tenants), "path", path)
	return r, nil
}

// List returns all registered tenants, sorted by ID.
func (r *Registry) List() []Tenant {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tenants := make([]Tenant, 0, len(r.tenants))
	for _, t := range r.tenants {
		tenants = append(tenants, *t)
	}
	sort.Slice(tenants, func(i, j int) bool {
		return tenants[i].ID < tenants[j].ID
	})
	return tenants
}

// Get returns the tenant with the given ID.
func (r *Registry) Get(id string) (Tenant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tenants[id]
	if !ok {
		return Tenant{}, fmt.Errorf("tenant %q not found", id)
	}
	return *t, nil
}

// Authenticate returns true when the key matches the tenant's API key.
// Unknown tenants always fail.
func (r *Registry) Authenticate(id, key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tenants[id]
	return ok && t.APIKey != "" && t.APIKey == key
}

// RecordAppend bumps the tenant's counters after a successful append,
// auto-registering the tenant on its first record.
func (r *Registry) RecordAppend(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	t, ok := r.tenants[id]
	if !ok {
		t = &Tenant{
			ID:          id,
			Status:      "active",
			FirstAppend: now,
		}
		r.tenants[id] = t
		slog.Info("new tenant registered", "tenant", id)
	}

	t.LastAppend = now
	t.TotalRecords++
}

// SetStatus updates a tenant's status (e.g. "active" or "frozen").
// Used by the freeze list to reflect holds in the registry.
func (r *Registry) SetStatus(id, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.tenants[id]; ok {
		t.Status = status
	}
}

// Reload re-reads tenants.yaml from disk, merging in-memory counters for
// tenants present in both. Called by the file watcher when an operator
// edits the registry (e.g. rotating an API key) on a running server.
func (r *Registry) Reload() error {
	fresh, err := NewRegistry(r.path)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for id, t := range fresh.tenants {
		if cur, ok := r.tenants[id]; ok {
			// Keep live counters; take identity fields from disk.
			t.TotalRecords = cur.TotalRecords
			t.FirstAppend = cur.FirstAppend
			t.LastAppend = cur.LastAppend
		}
		r.tenants[id] = t
	}

	slog.Info("tenant registry reloaded", "tenants", len(r.tenants))
	return nil
}

// Save persists the current registry state to tenants.yaml.
// Called on graceful shutdown so counters survive restarts.
func (r *Registry) Save() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	file := registryFile{Tenants: r.tenants}
	data, err := yaml.Marshal(&file)
	if err != nil {
		return fmt.Errorf("marshaling tenant registry: %w", err)
	}

	if err := os.WriteFile(r.path, data, 0o600); err != nil {
		return fmt.Errorf("writing tenant registry %s: %w", r.path, err)
	}
	return nil
}
