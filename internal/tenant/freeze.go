package tenant

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// FrozenEntry records a single ingest hold in frozen.yaml: which tenant,
// who froze it, when, and why. While frozen, all appends for the tenant
// are rejected — a legal/compliance hold pending investigation.
type FrozenEntry struct {
	Tenant   string    `yaml:"tenant"`
	FrozenAt time.Time `yaml:"frozen_at"`
	Reason   string    `yaml:"reason"`
	FrozenBy string    `yaml:"frozen_by"`
}

// FreezeList manages the set of frozen tenants. It persists to frozen.yaml
// and keeps an in-memory set for fast lookups.
//
// Thread-safe — IsFrozen is consulted on every append from concurrent
// handler goroutines, while Freeze/Unfreeze/Reload modify the state.
//
// The server file-watches frozen.yaml and calls Reload when it changes, so
// `auditchain freeze` takes effect on a running server without a restart.
type FreezeList struct {
	mu      sync.RWMutex
	frozen  map[string]FrozenEntry
	entries []FrozenEntry // Ordered list for YAML serialization.
	path    string
}

// NewFreezeList loads the freeze state from the given YAML file.
// A missing file means no tenant is frozen.
func NewFreezeList(path string) (*FreezeList, error) {
	fl := &FreezeList{
		frozen: make(map[string]FrozenEntry),
		path:   path,
	}
	if err := fl.loadFromFile(); err != nil {
		return nil, err
	}
	return fl, nil
}

// IsFrozen reports whether the tenant is under an ingest hold, and the
// hold's reason. Called on every append — O(1) lookup under a read lock.
func (fl *FreezeList) IsFrozen(tenantID string) (bool, string) {
	fl.mu.RLock()
	defer fl.mu.RUnlock()
	e, frozen := fl.frozen[tenantID]
	return frozen, e.Reason
}

// List returns the current freeze entries in file order.
func (fl *FreezeList) List() []FrozenEntry {
	fl.mu.RLock()
	defer fl.mu.RUnlock()
	out := make([]FrozenEntry, len(fl.entries))
	copy(out, fl.entries)
	return out
}

// Freeze adds a tenant to the freeze list and persists it. Freezing an
// already-frozen tenant is a no-op.
func (fl *FreezeList) Freeze(tenantID, reason, by string) error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if _, exists := fl.frozen[tenantID]; exists {
		return nil
	}

	entry := FrozenEntry{
		Tenant:   tenantID,
		FrozenAt: time.Now().UTC(),
		Reason:   reason,
		FrozenBy: by,
	}
	fl.frozen[tenantID] = entry
	fl.entries = append(fl.entries, entry)

	slog.Warn("tenant ingest frozen", "tenant", tenantID, "reason", reason, "by", by)
	return fl.saveToFile()
}

// Unfreeze lifts a tenant's hold and persists the change. A no-op for
// tenants that are not frozen.
func (fl *FreezeList) Unfreeze(tenantID string) error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if _, exists := fl.frozen[tenantID]; !exists {
		return nil
	}

	delete(fl.frozen, tenantID)
	filtered := make([]FrozenEntry, 0, len(fl.entries))
	for _, e := range fl.entries {
		if e.Tenant != tenantID {
			filtered = append(filtered, e)
		}
	}
	fl.entries = filtered

	slog.Info("tenant ingest unfrozen", "tenant", tenantID)
	return fl.saveToFile()
}

// Reload re-reads frozen.yaml from disk and replaces the in-memory state.
// Called by the file watcher when another process modifies the file.
func (fl *FreezeList) Reload() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	fl.frozen = make(map[string]FrozenEntry)
	fl.entries = nil

	if err := fl.loadFromFile(); err != nil {
		return err
	}

	slog.Info("freeze list reloaded", "frozen_tenants", len(fl.frozen))
	return nil
}

// loadFromFile reads frozen.yaml into memory.
// NOT thread-safe — caller must hold the mutex.
func (fl *FreezeList) loadFromFile() error {
	data, err := os.ReadFile(fl.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading freeze list %s: %w", fl.path, err)
	}
	if len(data) == 0 {
		return nil
	}

	var entries []FrozenEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("parsing freeze list %s: %w", fl.path, err)
	}

	fl.entries = entries
	for _, e := range entries {
		fl.frozen[e.Tenant] = e
	}
	return nil
}

// saveToFile writes the current freeze list to frozen.yaml.
// NOT thread-safe — caller must hold the mutex.
func (fl *FreezeList) saveToFile() error {
	if len(fl.entries) == 0 {
		return os.WriteFile(fl.path, []byte(""), 0o644)
	}

	data, err := yaml.Marshal(fl.entries)
	if err != nil {
		return fmt.Errorf("marshaling freeze list: %w", err)
	}
	return os.WriteFile(fl.path, data, 0o644)
}
