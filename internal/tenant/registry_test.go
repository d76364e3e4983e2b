package tenant

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestNewRegistry_MissingFile(t *testing.T) {
	r, err := NewRegistry(filepath.Join(t.TempDir(), "tenants.yaml"))
	if err != nil {
		t.Fatalf("missing file should yield an empty registry: %v", err)
	}
	if len(r.List()) != 0 {
		t.Errorf("expected empty registry, got %d tenants", len(r.List()))
	}
}

func TestRecordAppend_AutoRegisters(t *testing.T) {
	r, _ := NewRegistry(filepath.Join(t.TempDir(), "tenants.yaml"))

	r.RecordAppend("acme")
	r.RecordAppend("acme")
	r.RecordAppend("globex")

	acme, err := r.Get("acme")
	if err != nil {
		t.Fatalf("acme should be registered: %v", err)
	}
	if acme.TotalRecords != 2 || acme.Status != "active" {
		t.Errorf("unexpected counters: %+v", acme)
	}
	if acme.FirstAppend.IsZero() || acme.LastAppend.Before(acme.FirstAppend) {
		t.Errorf("append timestamps not maintained: %+v", acme)
	}

	list := r.List()
	if len(list) != 2 || list[0].ID != "acme" || list[1].ID != "globex" {
		t.Errorf("list should be sorted by id: %+v", list)
	}
}

func TestRecordAppend_Concurrent(t *testing.T) {
	r, _ := NewRegistry(filepath.Join(t.TempDir(), "tenants.yaml"))

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.RecordAppend("acme")
		}()
	}
	wg.Wait()

	acme, _ := r.Get("acme")
	if acme.TotalRecords != n {
		t.Errorf("expected %d records counted, got %d", n, acme.TotalRecords)
	}
}

func TestAuthenticate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tenants.yaml")
	content := []byte(`tenants:
  acme:
    name: Acme Corp
    api_key: secret-key
    status: active
  globex:
    name: Globex
    status: active
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatal(err)
	}

	r, err := NewRegistry(path)
	if err != nil {
		t.Fatalf("failed to load registry: %v", err)
	}

	if !r.Authenticate("acme", "secret-key") {
		t.Error("correct key should authenticate")
	}
	if r.Authenticate("acme", "wrong-key") {
		t.Error("wrong key should not authenticate")
	}
	if r.Authenticate("acme", "") {
		t.Error("empty key should not authenticate")
	}
	// A tenant with no key configured can never authenticate by key.
	if r.Authenticate("globex", "") {
		t.Error("keyless tenant should not authenticate")
	}
	if r.Authenticate("unknown", "secret-key") {
		t.Error("unknown tenant should not authenticate")
	}
}

func TestSaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tenants.yaml")

	r, _ := NewRegistry(path)
	r.RecordAppend("acme")
	r.RecordAppend("acme")
	if err := r.Save(); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	loaded, err := NewRegistry(path)
	if err != nil {
		t.Fatalf("failed to load saved registry: %v", err)
	}
	acme, err := loaded.Get("acme")
	if err != nil {
		t.Fatalf("acme should survive the round trip: %v", err)
	}
	if acme.TotalRecords != 2 {
		t.Errorf("counters should survive the round trip, got %d", acme.TotalRecords)
	}
}

func TestReload_KeepsLiveCounters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tenants.yaml")

	r, _ := NewRegistry(path)
	r.RecordAppend("acme")
	r.RecordAppend("acme")
	r.RecordAppend("acme")

	// An operator rotates the API key on disk while the server is live.
	content := []byte(`tenants:
  acme:
    name: Acme Corp
    api_key: rotated-key
    status: active
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatal(err)
	}

	if err := r.Reload(); err != nil {
		t.Fatalf("reload failed: %v", err)
	}

	if !r.Authenticate("acme", "rotated-key") {
		t.Error("reload should pick up the rotated key")
	}
	acme, _ := r.Get("acme")
	if acme.TotalRecords != 3 {
		t.Errorf("reload must not clobber live counters, got %d", acme.TotalRecords)
	}
}

func TestSetStatus(t *testing.T) {
	r, _ := NewRegistry(filepath.Join(t.TempDir(), "tenants.yaml"))
	r.RecordAppend("acme")

	r.SetStatus("acme", "frozen")
	acme, _ := r.Get("acme")
	if acme.Status != "frozen" {
		t.Errorf("expected frozen status, got %q", acme.Status)
	}

	// Unknown tenants are a no-op, not a panic.
	r.SetStatus("unknown", "frozen")
}
