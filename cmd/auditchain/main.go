// Package main is the CLI entry point for AuditChain — a standalone,
// multi-tenant, tamper-evident audit log service.
//
// Every record appended to a tenant's log carries a SHA-256 hash computed
// over its own content plus the hash of the preceding record, forming a
// hash chain per tenant. Any after-the-fact modification of a stored
// record breaks the chain from that point forward and is reported by
// verification.
//
// Architecture overview:
//
//	Client --> AuditChain API (:8440) --> SQLite (WAL)
//	            |-- X-API-Key auth (tenants.yaml)
//	            |-- per-tenant chain builder (seq + prev_hash + hash)
//	            |-- chain verifier / statistics / exports
//	            +-- dashboard UI + live WebSocket feed
//
// CLI commands (cobra):
//
//	auditchain              - Interactive first-run setup
//	auditchain serve [-d]   - Start the service (foreground or daemon)
//	auditchain stop         - Stop the service
//	auditchain status       - Show service status + tenants
//	auditchain append       - Append a record from the command line
//	auditchain records      - List recent records
//	auditchain verify       - Verify a tenant's hash chain
//	auditchain stats        - Show windowed statistics
//	auditchain export       - Build a JSON or CSV export
//	auditchain freeze       - Place an ingest hold on a tenant
//	auditchain unfreeze     - Lift an ingest hold
//	auditchain tenants      - List registered tenants
//	auditchain config       - View/edit service configuration
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/klargehalt/auditchain/internal/audit"
	"github.com/klargehalt/auditchain/internal/config"
	"github.com/klargehalt/auditchain/internal/export"
	"github.com/klargehalt/auditchain/internal/server"
	"github.com/klargehalt/auditchain/internal/stats"
	"github.com/klargehalt/auditchain/internal/store"
	"github.com/klargehalt/auditchain/internal/tenant"
)

// Build-time variables injected via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123 -X main.buildDate=2026-08-01"
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// defaultConfigDir returns the path to ~/.auditchain/ where all runtime
// state lives: config.yaml, tenants.yaml, frozen.yaml, and the SQLite
// database.
func defaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		// Fall back to current directory if home dir can't be determined.
		return ".auditchain"
	}
	return filepath.Join(home, ".auditchain")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ============================================================================
// Root command
// ============================================================================

// configDir is the global flag for the AuditChain config/state directory.
var configDir string

var rootCmd = &cobra.Command{
	Use:   "auditchain",
	Short: "AuditChain — Tamper-evident append-only audit log",
	Long: `AuditChain is a standalone, multi-tenant audit log service. Records are
append-only and hash-chained per tenant: each record's SHA-256 hash covers
its content plus the previous record's hash, so any retroactive change is
detectable by verification.

Run 'auditchain serve' to start the service, or run 'auditchain' with no
arguments for interactive first-run setup.`,
	Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runFirstTimeSetup(cmd, args)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&configDir,
		"config-dir",
		defaultConfigDir(),
		"Path to AuditChain config and state directory",
	)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(appendCmd)
	rootCmd.AddCommand(recordsCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(freezeCmd)
	rootCmd.AddCommand(unfreezeCmd)
	rootCmd.AddCommand(tenantsCmd)
	rootCmd.AddCommand(configCmd)
}

// loadConfig reads config.yaml from the config directory.
func loadConfig() (*config.Config, error) {
	return config.Load(filepath.Join(configDir, "config.yaml"))
}

// storePath resolves the database path from config, relative paths are
// anchored in the config directory.
func storePath(cfg *config.Config) string {
	if filepath.IsAbs(cfg.Storage.File) {
		return cfg.Storage.File
	}
	return filepath.Join(configDir, cfg.Storage.File)
}

// openStack opens the store and the file-backed registries that the
// local (non-HTTP) commands need. The SQLite store runs in WAL mode, so
// local commands can operate while the service is up; cross-process
// append races are resolved by the chain builder's conflict retry
// against the UNIQUE(tenant_id, seq) constraint.
func openStack(cfg *config.Config) (*store.Store, *tenant.Registry, *tenant.FreezeList, error) {
	st, err := store.Open(storePath(cfg))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open store: %w", err)
	}
	registry, err := tenant.NewRegistry(filepath.Join(configDir, "tenants.yaml"))
	if err != nil {
		st.Close()
		return nil, nil, nil, fmt.Errorf("failed to load tenant registry: %w", err)
	}
	freeze, err := tenant.NewFreezeList(filepath.Join(configDir, "frozen.yaml"))
	if err != nil {
		st.Close()
		return nil, nil, nil, fmt.Errorf("failed to load freeze list: %w", err)
	}
	return st, registry, freeze, nil
}

// ============================================================================
// auditchain serve — Start the service
// ============================================================================

// daemonMode controls whether the service runs in the background (-d flag).
var daemonMode bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the AuditChain service",
	Long: `Start the AuditChain service. Serves the REST API, the dashboard, and
the live WebSocket feed on the address configured in config.yaml
(default: 127.0.0.1:8440).

By default runs in the foreground. Use -d for daemon/background mode.

  - API:       http://127.0.0.1:8440/v1/tenants/{tenant}/records
  - Dashboard: http://127.0.0.1:8440/dashboard`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd, args)
	},
}

func init() {
	serveCmd.Flags().BoolVarP(&daemonMode, "daemon", "d", false, "Run service in daemon/background mode")
}

// runServe wires the whole stack together and starts the HTTP server:
//
//  1. Handle daemon mode (re-exec as background process if -d)
//  2. Load config from ~/.auditchain/config.yaml
//  3. Open the SQLite store (WAL)
//  4. Load the tenant registry and freeze list
//  5. Build the chain builder, verifier, aggregator, and exporter
//  6. Mount the API, dashboard, health, and shutdown endpoints
//  7. Write PID file, start the file watcher for hot-reload
//  8. Listen and block until SIGINT/SIGTERM or HTTP shutdown
func runServe(cmd *cobra.Command, args []string) error {
	// When -d is passed and we're NOT the re-exec'd child, spawn a
	// detached child process and exit the parent. The child runs the
	// service in the background with output redirected to a log file.
	// AUDITCHAIN_DAEMONIZED=1 distinguishes the parent from the child —
	// Go can't fork() safely because the runtime is multi-threaded.
	if daemonMode && os.Getenv("AUDITCHAIN_DAEMONIZED") != "1" {
		return spawnDaemon()
	}

	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", configDir, err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	st, registry, freeze, err := openStack(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	// The chain builder broadcasts appended records to the dashboard feed
	// and bumps the tenant registry counters. The server is created after
	// the builder, so the callback dereferences it lazily.
	var srv *server.Server
	chain := audit.NewLog(audit.Options{
		Store:    st,
		IsFrozen: freeze.IsFrozen,
		OnAppend: func(r audit.Record) {
			registry.RecordAppend(r.TenantID)
			if srv != nil {
				srv.BroadcastRecord(r)
			}
		},
	})

	srv = server.New(server.Options{
		Log:               chain,
		Verifier:          audit.NewVerifier(st),
		Store:             st,
		Stats:             stats.New(st),
		Exporter:          export.New(st),
		Registry:          registry,
		Freeze:            freeze,
		AdminKey:          cfg.Auth.AdminKey,
		RequestsPerMinute: cfg.Limits.RequestsPerMinute,
		Dashboard:         cfg.Dashboard.Enabled,
	})

	// The outer mux adds the operational endpoints the CLI relies on:
	//   /health    — used by `auditchain status`
	//   /shutdown  — used by `auditchain stop` (loopback POST only)
	mux := http.NewServeMux()
	mux.Handle("/", srv.Handler())

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"ok","version":"%s"}`, version)
	})

	// Cross-platform stop path: works on Windows where Unix signals are
	// not available. Only accepts POST from loopback addresses.
	shutdownCh := make(chan struct{}, 1)
	mux.HandleFunc("/shutdown", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		if !isLoopback(r.RemoteAddr) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"status":"shutting_down"}`)
		select {
		case shutdownCh <- struct{}{}:
		default:
		}
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// The PID file allows `auditchain stop` to find the running process.
	pidFile := filepath.Join(configDir, "auditchain.pid")
	if err := writePIDFile(pidFile); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	defer removePIDFile(pidFile)

	// File watcher for hot-reload. `auditchain freeze` writes frozen.yaml
	// from a separate process; the watcher picks up the change so the
	// hold takes effect without restarting the service. Same for edits
	// to tenants.yaml.
	watcher, err := config.NewWatcher(configDir, config.WatchTargets{
		OnTenantsChange: func() {
			if reloadErr := registry.Reload(); reloadErr != nil {
				slog.Warn("failed to reload tenant registry", "error", reloadErr)
			}
		},
		OnFreezeChange: func() {
			if reloadErr := freeze.Reload(); reloadErr != nil {
				slog.Warn("failed to reload freeze list", "error", reloadErr)
			}
		},
	})
	if err != nil {
		return fmt.Errorf("failed to start config watcher: %w", err)
	}
	defer watcher.Close()

	// Three ways the service shuts down: SIGINT (Ctrl+C), SIGTERM from
	// `auditchain stop` on Unix, or POST /shutdown cross-platform. All
	// drain in-flight requests, persist tenant counters, close SQLite.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		fmt.Printf("[auditchain] Listening on http://%s\n", addr)
		if cfg.Dashboard.Enabled {
			fmt.Printf("[auditchain] Dashboard at http://%s/dashboard\n", addr)
		}
		if !daemonMode {
			fmt.Println("[auditchain] Press Ctrl+C to stop")
		}
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		fmt.Println("\n[auditchain] Shutting down (signal received)...")
	case <-shutdownCh:
		fmt.Println("[auditchain] Shutting down (stop command received)...")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Give in-flight appends 10 seconds to drain so no chain write is
	// cut off mid-request.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
		fmt.Fprintf(os.Stderr, "[auditchain] Shutdown error: %v\n", shutdownErr)
	}

	if saveErr := registry.Save(); saveErr != nil {
		fmt.Fprintf(os.Stderr, "[auditchain] Warning: failed to save tenant registry: %v\n", saveErr)
	}

	fmt.Println("[auditchain] Stopped")
	return nil
}

// spawnDaemon re-executes the auditchain binary as a detached background
// process. The parent prints the child PID and exits immediately. The
// child detects AUDITCHAIN_DAEMONIZED=1 at the top of runServe() and
// skips the re-exec.
func spawnDaemon() error {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	exePath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to find executable path: %w", err)
	}

	logPath := filepath.Join(configDir, "auditchain.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", logPath, err)
	}

	daemonArgs := []string{"serve"}
	if configDir != defaultConfigDir() {
		daemonArgs = append(daemonArgs, "--config-dir", configDir)
	}

	child := exec.Command(exePath, daemonArgs...)
	child.Stdout = logFile
	child.Stderr = logFile
	child.Env = append(os.Environ(), "AUDITCHAIN_DAEMONIZED=1")

	if err := child.Start(); err != nil {
		logFile.Close()
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	fmt.Printf("[auditchain] Service started in background (PID %d)\n", child.Process.Pid)
	fmt.Printf("[auditchain] Log file: %s\n", logPath)
	fmt.Println("[auditchain] Use 'auditchain stop' to stop the service")

	// Release the child so it survives parent exit.
	if err := child.Process.Release(); err != nil {
		fmt.Fprintf(os.Stderr, "[auditchain] Warning: failed to release child process: %v\n", err)
	}

	logFile.Close()
	return nil
}

func writePIDFile(path string) error {
	pid := os.Getpid()
	return os.WriteFile(path, []byte(strconv.Itoa(pid)), 0o644)
}

func removePIDFile(path string) {
	os.Remove(path)
}

// isLoopback checks if a remote address is a loopback address
// (127.x.x.x or ::1). Used to restrict /shutdown to local-only access.
func isLoopback(remoteAddr string) bool {
	host := remoteAddr
	if idx := strings.LastIndex(remoteAddr, ":"); idx != -1 {
		host = remoteAddr[:idx]
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")

	return host == "127.0.0.1" || host == "::1" || strings.HasPrefix(host, "127.")
}

// ============================================================================
// auditchain stop — Stop the service
// ============================================================================

// stopCmd stops a running AuditChain service. Tries HTTP shutdown first
// (cross-platform), then falls back to PID file + SIGTERM on Unix.
var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running AuditChain service",
	Long: `Stop a running AuditChain service. Tries HTTP shutdown first
(cross-platform), then falls back to PID file + SIGTERM on Unix systems.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStop(cmd, args)
	},
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	addr := fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Post(addr+"/shutdown", "application/json", nil)
	if err == nil {
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			fmt.Println("[auditchain] Stop signal sent to service")
			os.Remove(filepath.Join(configDir, "auditchain.pid"))
			return nil
		}
	}

	// HTTP failed — try SIGTERM via the PID file. Unix only.
	if runtime.GOOS == "windows" {
		return fmt.Errorf("service is not responding at %s — cannot stop", addr)
	}

	pidFile := filepath.Join(configDir, "auditchain.pid")
	pidBytes, err := os.ReadFile(pidFile)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("service is not running (no PID file and HTTP unreachable)")
		}
		return fmt.Errorf("failed to read PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(pidBytes)))
	if err != nil {
		return fmt.Errorf("invalid PID in %s: %w", pidFile, err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process %d: %w", pid, err)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		os.Remove(pidFile)
		return fmt.Errorf("failed to stop service (PID %d): %w", pid, err)
	}

	os.Remove(pidFile)
	fmt.Printf("[auditchain] Sent stop signal to service (PID %d)\n", pid)
	return nil
}

// ============================================================================
// auditchain status — Show service status
// ============================================================================

// statusCmd queries the running service via HTTP (/health and
// /api/tenants) to get the live in-memory state rather than reading
// stale files from disk.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show service status and tenants",
	Long: `Display whether the AuditChain service is running, its listen address,
and a summary of all known tenants with their record counts and freeze
state. Queries the live service for accurate real-time data.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatus(cmd, args)
	},
}

// statusTenantJSON is the JSON schema returned by GET /api/tenants on
// the running service. Only the fields needed for display are decoded.
type statusTenantJSON struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Status       string `json:"status"`
	TotalRecords int64  `json:"total_records"`
	Frozen       bool   `json:"frozen"`
	FreezeReason string `json:"freeze_reason"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	addr := fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(addr + "/health")
	if err != nil {
		fmt.Println("[auditchain] Status: NOT RUNNING")
		fmt.Printf("[auditchain] Expected at: %s\n", addr)
		return nil
	}
	resp.Body.Close()

	fmt.Println("[auditchain] Status: RUNNING")
	fmt.Printf("[auditchain] Listening on: %s\n", addr)

	req, err := http.NewRequest(http.MethodGet, addr+"/api/tenants", nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-API-Key", cfg.Auth.AdminKey)

	tenantsResp, err := client.Do(req)
	if err != nil {
		fmt.Println("[auditchain] Could not query tenant data (dashboard API may be disabled)")
		return nil
	}
	defer tenantsResp.Body.Close()

	body, err := io.ReadAll(tenantsResp.Body)
	if err != nil {
		fmt.Println("[auditchain] Could not read tenant data")
		return nil
	}

	var tenants []statusTenantJSON
	if err := json.Unmarshal(body, &tenants); err != nil {
		fmt.Println("[auditchain] Could not parse tenant data")
		return nil
	}

	if len(tenants) == 0 {
		fmt.Println("[auditchain] No tenants registered yet")
		return nil
	}

	fmt.Printf("[auditchain] Tenants: %d total\n", len(tenants))
	fmt.Println()
	fmt.Printf("  %-20s %-10s %-10s %s\n", "TENANT", "STATUS", "RECORDS", "FROZEN")
	fmt.Printf("  %-20s %-10s %-10s %s\n", "------", "------", "-------", "------")
	for _, t := range tenants {
		frozen := "-"
		if t.Frozen {
			frozen = t.FreezeReason
			if frozen == "" {
				frozen = "yes"
			}
		}
		fmt.Printf("  %-20s %-10s %-10d %s\n", t.ID, t.Status, t.TotalRecords, frozen)
	}
	return nil
}

// ============================================================================
// auditchain append — Append a record from the command line
// ============================================================================

var (
	appendTenant     string
	appendActorID    string
	appendActorEmail string
	appendActorRole  string
	appendAction     string
	appendEntityType string
	appendEntityID   string
	appendEntityName string
	appendOldValues  string
	appendNewValues  string
	appendMetadata   string
)

// appendCmd appends a record directly through the local store. Safe to
// run while the service is up: the chain builder retries on sequence
// conflicts with the server's own appends.
var appendCmd = &cobra.Command{
	Use:   "append",
	Short: "Append an audit record",
	Long: `Append a record to a tenant's chain. The sequence number, previous
hash, record hash, id, and timestamp are assigned by the chain builder —
they cannot be supplied.

Example:
  auditchain append --tenant acme --actor-id u1 --actor-email hr@acme.test \
    --actor-role admin --action update --entity-type pay_band \
    --entity-id pb9 --entity-name "Band 9" \
    --old '{"max":80000}' --new '{"max":85000}'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		st, registry, freeze, err := openStack(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		chain := audit.NewLog(audit.Options{
			Store:    st,
			IsFrozen: freeze.IsFrozen,
			OnAppend: func(r audit.Record) { registry.RecordAppend(r.TenantID) },
		})

		in := audit.Input{
			TenantID:   appendTenant,
			ActorID:    appendActorID,
			ActorEmail: appendActorEmail,
			ActorRole:  appendActorRole,
			Action:     audit.Action(appendAction),
			EntityType: audit.EntityType(appendEntityType),
			EntityID:   appendEntityID,
			EntityName: appendEntityName,
		}
		if appendOldValues != "" {
			in.OldValues = json.RawMessage(appendOldValues)
		}
		if appendNewValues != "" {
			in.NewValues = json.RawMessage(appendNewValues)
		}
		if appendMetadata != "" {
			in.Metadata = json.RawMessage(appendMetadata)
		}

		rec, err := chain.Append(cmd.Context(), in)
		if err != nil {
			return fmt.Errorf("append failed: %w", err)
		}
		if saveErr := registry.Save(); saveErr != nil {
			fmt.Fprintf(os.Stderr, "[auditchain] Warning: failed to save tenant registry: %v\n", saveErr)
		}

		fmt.Printf("[auditchain] Appended seq=%d to tenant %q\n", rec.Seq, rec.TenantID)
		fmt.Printf("  id:   %s\n", rec.ID)
		fmt.Printf("  hash: %s\n", rec.RecordHash)
		return nil
	},
}

func init() {
	appendCmd.Flags().StringVar(&appendTenant, "tenant", "", "Tenant ID (required)")
	appendCmd.Flags().StringVar(&appendActorID, "actor-id", "", "Actor ID (required)")
	appendCmd.Flags().StringVar(&appendActorEmail, "actor-email", "", "Actor email (required)")
	appendCmd.Flags().StringVar(&appendActorRole, "actor-role", "", "Actor role")
	appendCmd.Flags().StringVar(&appendAction, "action", "", "Action: create, update, delete, view, export, login, logout, request_info (required)")
	appendCmd.Flags().StringVar(&appendEntityType, "entity-type", "", "Entity type, e.g. pay_band, employee (required)")
	appendCmd.Flags().StringVar(&appendEntityID, "entity-id", "", "Entity ID")
	appendCmd.Flags().StringVar(&appendEntityName, "entity-name", "", "Entity display name")
	appendCmd.Flags().StringVar(&appendOldValues, "old", "", "Old values (JSON)")
	appendCmd.Flags().StringVar(&appendNewValues, "new", "", "New values (JSON)")
	appendCmd.Flags().StringVar(&appendMetadata, "meta", "", "Metadata (JSON)")
	appendCmd.MarkFlagRequired("tenant")
	appendCmd.MarkFlagRequired("actor-id")
	appendCmd.MarkFlagRequired("actor-email")
	appendCmd.MarkFlagRequired("action")
	appendCmd.MarkFlagRequired("entity-type")
}

// ============================================================================
// auditchain records — List recent records
// ============================================================================

var (
	recordsTenant     string
	recordsAction     string
	recordsEntityType string
	recordsActorEmail string
	recordsLimit      int
)

var recordsCmd = &cobra.Command{
	Use:   "records",
	Short: "List recent audit records",
	Long: `List a tenant's most recent audit records (newest first). Supports
filtering by action, entity type, and actor email.

Examples:
  auditchain records --tenant acme --limit 50
  auditchain records --tenant acme --action delete --entity-type pay_band`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		st, err := store.Open(storePath(cfg))
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		defer st.Close()

		f := store.Filter{
			Action:     recordsAction,
			EntityType: recordsEntityType,
			ActorEmail: recordsActorEmail,
		}
		records, total, err := st.List(cmd.Context(), recordsTenant, f, 1, recordsLimit)
		if err != nil {
			return fmt.Errorf("failed to list records: %w", err)
		}

		if len(records) == 0 {
			fmt.Println("No matching records found.")
			return nil
		}

		for _, r := range records {
			printRecord(r)
		}
		fmt.Printf("\n%d of %d records shown.\n", len(records), total)
		return nil
	},
}

func init() {
	recordsCmd.Flags().StringVar(&recordsTenant, "tenant", "", "Tenant ID (required)")
	recordsCmd.Flags().StringVar(&recordsAction, "action", "", "Filter by action")
	recordsCmd.Flags().StringVar(&recordsEntityType, "entity-type", "", "Filter by entity type")
	recordsCmd.Flags().StringVar(&recordsActorEmail, "actor-email", "", "Filter by actor email")
	recordsCmd.Flags().IntVarP(&recordsLimit, "limit", "n", 20, "Number of recent records to show")
	recordsCmd.MarkFlagRequired("tenant")
}

// printRecord formats and prints a single record to stdout.
func printRecord(r audit.Record) {
	action := string(r.Action)
	// Uppercase deletes for terminal visibility.
	if r.Action == audit.ActionDelete {
		action = "DELETE"
	}
	entity := string(r.EntityType)
	if r.EntityName != "" {
		entity = entity + "/" + r.EntityName
	}
	fmt.Printf("[%s] seq=%-6d actor=%-25s action=%-8s entity=%s\n",
		r.CreatedAt.Format(time.RFC3339), r.Seq, r.ActorEmail, action, entity)
}

// ============================================================================
// auditchain verify — Verify a tenant's hash chain
// ============================================================================

var (
	verifyTenant  string
	verifyFromSeq int64
	verifyToSeq   int64
)

// verifyCmd replays a tenant's chain and recomputes every hash. Exits
// non-zero when the chain is broken so it can gate compliance scripts.
var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify hash chain integrity",
	Long: `Verify the integrity of a tenant's hash chain. Records are replayed in
sequence order; for each one the hash is recomputed from the stored
content and checked against the stored hash and the successor's
prev_hash. Sequence gaps are also detected. If any record was tampered
with, verification reports the first broken sequence number.

Use --from/--to to verify a sub-range; linkage is anchored on the
predecessor record's stored hash.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		st, err := store.Open(storePath(cfg))
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		defer st.Close()

		result, err := audit.NewVerifier(st).Verify(cmd.Context(), verifyTenant, verifyFromSeq, verifyToSeq)
		if err != nil {
			return fmt.Errorf("verification failed to run: %w", err)
		}

		if result.IsValid {
			fmt.Printf("[auditchain] Hash chain VALID (%d records verified)\n", result.CheckedRecords)
			return nil
		}

		fmt.Printf("[auditchain] Hash chain BROKEN")
		if result.FirstInvalidSeq != nil {
			fmt.Printf(" at seq %d", *result.FirstInvalidSeq)
		}
		fmt.Println()
		if result.FirstInvalidID != nil {
			fmt.Printf("  record id: %s\n", *result.FirstInvalidID)
		}
		if result.ErrorMessage != nil {
			fmt.Printf("  detail:    %s\n", *result.ErrorMessage)
		}
		return fmt.Errorf("audit chain integrity violation detected")
	},
}

func init() {
	verifyCmd.Flags().StringVar(&verifyTenant, "tenant", "", "Tenant ID (required)")
	verifyCmd.Flags().Int64Var(&verifyFromSeq, "from", 0, "First sequence number to verify (default: start of chain)")
	verifyCmd.Flags().Int64Var(&verifyToSeq, "to", 0, "Last sequence number to verify (default: end of chain)")
	verifyCmd.MarkFlagRequired("tenant")
}

// ============================================================================
// auditchain stats — Windowed statistics
// ============================================================================

var (
	statsTenant string
	statsWindow int
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show windowed activity statistics",
	Long: `Show a tenant's activity statistics over a trailing window (default 30
days): total records, counts by action and entity type, most active
actors, and daily volumes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		st, err := store.Open(storePath(cfg))
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		defer st.Close()

		result, err := stats.New(st).Compute(cmd.Context(), statsTenant, statsWindow)
		if err != nil {
			return fmt.Errorf("statistics failed: %w", err)
		}

		fmt.Printf("Tenant %q — last %d days\n", statsTenant, statsWindow)
		fmt.Printf("  Total records: %d\n", result.TotalRecords)

		if len(result.ByAction) > 0 {
			fmt.Println("  By action:")
			for action, count := range result.ByAction {
				fmt.Printf("    %-14s %d\n", action, count)
			}
		}
		if len(result.ByEntityType) > 0 {
			fmt.Println("  By entity type:")
			for et, count := range result.ByEntityType {
				fmt.Printf("    %-18s %d\n", et, count)
			}
		}
		if len(result.TopActors) > 0 {
			fmt.Println("  Top actors:")
			for _, a := range result.TopActors {
				fmt.Printf("    %-30s %d\n", a.ActorEmail, a.Count)
			}
		}
		return nil
	},
}

func init() {
	statsCmd.Flags().StringVar(&statsTenant, "tenant", "", "Tenant ID (required)")
	statsCmd.Flags().IntVar(&statsWindow, "window", 30, "Window size in days")
	statsCmd.MarkFlagRequired("tenant")
}

// ============================================================================
// auditchain export — Build a JSON or CSV export
// ============================================================================

var (
	exportTenant      string
	exportFormat      string
	exportType        string
	exportFrom        string
	exportTo          string
	exportEntityTypes []string
	exportActions     []string
	exportNameGlobs   []string
	exportEmailGlobs  []string
	exportOut         string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export audit records",
	Long: `Build an export of a tenant's records in chain order. The export
carries a SHA-256 hash over the included record hashes, so a recipient
can prove the export matches the chain it came from.

Selection types: full (everything), date_range (requires --from/--to),
entity_type (requires --entity-type). Glob patterns narrow any
selection further.

Examples:
  auditchain export --tenant acme --format csv > acme.csv
  auditchain export --tenant acme --type date_range --from 2026-01-01T00:00:00Z --to 2026-07-01T00:00:00Z
  auditchain export --tenant acme --type entity_type --entity-type pay_band --name-glob 'Band *'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		st, err := store.Open(storePath(cfg))
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		defer st.Close()

		sel := export.Selection{
			Type:               export.Type(exportType),
			EntityNamePatterns: exportNameGlobs,
			ActorEmailPatterns: exportEmailGlobs,
		}
		for _, et := range exportEntityTypes {
			sel.EntityTypes = append(sel.EntityTypes, audit.EntityType(et))
		}
		for _, a := range exportActions {
			sel.Actions = append(sel.Actions, audit.Action(a))
		}
		if exportFrom != "" {
			t, err := time.Parse(time.RFC3339, exportFrom)
			if err != nil {
				return fmt.Errorf("--from must be RFC 3339: %w", err)
			}
			sel.DateFrom = &t
		}
		if exportTo != "" {
			t, err := time.Parse(time.RFC3339, exportTo)
			if err != nil {
				return fmt.Errorf("--to must be RFC 3339: %w", err)
			}
			sel.DateTo = &t
		}

		ex, err := export.New(st).Create(cmd.Context(), exportTenant, sel)
		if err != nil {
			return fmt.Errorf("export failed: %w", err)
		}

		out := io.Writer(os.Stdout)
		if exportOut != "" {
			f, err := os.Create(exportOut)
			if err != nil {
				return fmt.Errorf("failed to create output file: %w", err)
			}
			defer f.Close()
			out = f
		}

		if err := ex.Write(out, export.Format(exportFormat)); err != nil {
			return err
		}

		fmt.Fprintf(os.Stderr, "[auditchain] Exported %d records (id %s)\n", ex.RecordCount, ex.ID)
		fmt.Fprintf(os.Stderr, "[auditchain] Export hash: %s\n", ex.ExportHash)
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportTenant, "tenant", "", "Tenant ID (required)")
	exportCmd.Flags().StringVar(&exportFormat, "format", "json", "Export format: json, csv")
	exportCmd.Flags().StringVar(&exportType, "type", "full", "Selection type: full, date_range, entity_type")
	exportCmd.Flags().StringVar(&exportFrom, "from", "", "Start of date range (RFC 3339)")
	exportCmd.Flags().StringVar(&exportTo, "to", "", "End of date range (RFC 3339)")
	exportCmd.Flags().StringSliceVar(&exportEntityTypes, "entity-type", nil, "Entity types to include (repeatable)")
	exportCmd.Flags().StringSliceVar(&exportActions, "action", nil, "Actions to include (repeatable)")
	exportCmd.Flags().StringSliceVar(&exportNameGlobs, "name-glob", nil, "Entity name glob patterns (repeatable)")
	exportCmd.Flags().StringSliceVar(&exportEmailGlobs, "email-glob", nil, "Actor email glob patterns (repeatable)")
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "", "Output file (default: stdout)")
	exportCmd.MarkFlagRequired("tenant")
}

// ============================================================================
// auditchain freeze / unfreeze — Ingest holds
// ============================================================================

// freezeReason is the human-readable reason for the hold.
var freezeReason string

// freezeCmd places an ingest hold on a tenant by adding it to
// frozen.yaml. While frozen, every append for the tenant is rejected;
// reads, verification, and exports keep working. The running service
// picks up the change via file watching.
var freezeCmd = &cobra.Command{
	Use:   "freeze <tenant>",
	Short: "Place an ingest hold on a tenant",
	Long: `Place an ingest hold on a tenant. While frozen, all appends for the
tenant are rejected; reads, verification, and exports keep working.
Typical uses are litigation holds and incident investigation.

The hold can be lifted with 'auditchain unfreeze <tenant>'.

Takes effect immediately — the running service file-watches frozen.yaml.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		freeze, err := tenant.NewFreezeList(filepath.Join(configDir, "frozen.yaml"))
		if err != nil {
			return fmt.Errorf("failed to load freeze list: %w", err)
		}

		tenantID := args[0]
		if err := freeze.Freeze(tenantID, freezeReason, "cli"); err != nil {
			return fmt.Errorf("failed to freeze tenant %q: %w", tenantID, err)
		}
		fmt.Printf("[auditchain] Froze tenant: %s (reason: %s)\n", tenantID, freezeReason)
		return nil
	},
}

func init() {
	freezeCmd.Flags().StringVar(&freezeReason, "reason", "", "Reason for the hold (required)")
	// Reason is required — a hold without a stated reason is not auditable.
	freezeCmd.MarkFlagRequired("reason")
}

var unfreezeCmd = &cobra.Command{
	Use:   "unfreeze <tenant>",
	Short: "Lift a tenant's ingest hold",
	Long: `Lift a previously placed ingest hold, allowing the tenant's appends to
flow again. The entry is removed from frozen.yaml and the running
service picks up the change via file watching.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		freeze, err := tenant.NewFreezeList(filepath.Join(configDir, "frozen.yaml"))
		if err != nil {
			return fmt.Errorf("failed to load freeze list: %w", err)
		}

		tenantID := args[0]
		if err := freeze.Unfreeze(tenantID); err != nil {
			return fmt.Errorf("failed to unfreeze tenant %q: %w", tenantID, err)
		}
		fmt.Printf("[auditchain] Unfroze tenant: %s\n", tenantID)
		return nil
	},
}

// ============================================================================
// auditchain tenants — List registered tenants
// ============================================================================

// tenantsCmd lists tenants from the registry file. Tenants are
// auto-registered on their first append; API keys are assigned by
// editing tenants.yaml.
var tenantsCmd = &cobra.Command{
	Use:   "tenants",
	Short: "List registered tenants",
	Long: `List all tenants known to the service, with their status, record
counts, and first/last append times. Tenants are auto-registered on
their first append; add an api_key in tenants.yaml to require
authentication for a tenant.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		registry, err := tenant.NewRegistry(filepath.Join(configDir, "tenants.yaml"))
		if err != nil {
			return fmt.Errorf("failed to load tenant registry: %w", err)
		}

		tenants := registry.List()
		if len(tenants) == 0 {
			fmt.Println("No tenants registered yet. Start the service and append a record to register tenants.")
			return nil
		}

		fmt.Printf("%-20s %-10s %-10s %-22s %s\n", "TENANT", "STATUS", "RECORDS", "LAST APPEND", "KEY")
		fmt.Printf("%-20s %-10s %-10s %-22s %s\n", "------", "------", "-------", "-----------", "---")
		for _, t := range tenants {
			last := "-"
			if !t.LastAppend.IsZero() {
				last = t.LastAppend.Format(time.RFC3339)
			}
			key := "unset"
			if t.APIKey != "" {
				key = "set"
			}
			fmt.Printf("%-20s %-10s %-10d %-22s %s\n", t.ID, t.Status, t.TotalRecords, last, key)
		}
		return nil
	},
}

// ============================================================================
// auditchain config — Configuration management
// ============================================================================

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View and edit service configuration",
	Long: `Manage the AuditChain configuration. The config file lives at
~/.auditchain/config.yaml and defines the bind address, database file,
admin API key, rate limit, and dashboard toggle.`,
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
	configCmd.AddCommand(configInitCmd)
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := filepath.Join(configDir, "config.yaml")
		data, err := os.ReadFile(configPath)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Printf("No config file found at %s\n", configPath)
				fmt.Println("Run 'auditchain' for interactive setup or 'auditchain config init' for a template.")
				return nil
			}
			return fmt.Errorf("failed to read config: %w", err)
		}
		fmt.Println(string(data))
		return nil
	},
}

// configEditCmd opens the config file in the user's preferred editor.
// Uses $EDITOR or $VISUAL env vars, falling back to platform defaults.
var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config in editor",
	Long:  `Open the AuditChain config file in your default editor ($EDITOR or $VISUAL).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := filepath.Join(configDir, "config.yaml")

		editor := os.Getenv("EDITOR")
		if editor == "" {
			editor = os.Getenv("VISUAL")
		}
		if editor == "" {
			if runtime.GOOS == "windows" {
				editor = "notepad"
			} else {
				editor = "vi"
			}
		}

		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			if err := config.WriteDefault(configPath); err != nil {
				return fmt.Errorf("failed to create default config: %w", err)
			}
		}

		// exec.Command resolves the editor via PATH; os.StartProcess
		// requires an absolute path and doesn't search PATH.
		fmt.Printf("[auditchain] Opening %s in %s...\n", configPath, editor)
		editorCmd := exec.Command(editor, configPath)
		editorCmd.Stdin = os.Stdin
		editorCmd.Stdout = os.Stdout
		editorCmd.Stderr = os.Stderr
		return editorCmd.Run()
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config.yaml",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := os.MkdirAll(configDir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
		configPath := filepath.Join(configDir, "config.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return fmt.Errorf("config already exists at %s", configPath)
		}
		if err := config.WriteDefault(configPath); err != nil {
			return fmt.Errorf("failed to write default config: %w", err)
		}
		fmt.Printf("[auditchain] Wrote default config to %s\n", configPath)
		return nil
	},
}

// ============================================================================
// First-run interactive setup
// ============================================================================

// runFirstTimeSetup runs when 'auditchain' is invoked with no subcommand.
// It creates the config directory, writes a default config.yaml, and
// prints the next steps.
func runFirstTimeSetup(cmd *cobra.Command, args []string) error {
	fmt.Println("=== AuditChain — First-Time Setup ===")
	fmt.Println()

	configPath := filepath.Join(configDir, "config.yaml")
	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("Config already exists at %s\n", configPath)
		fmt.Println("Use 'auditchain serve' to start the service.")
		fmt.Println("Use 'auditchain config edit' to modify the configuration.")
		return nil
	}

	fmt.Printf("Creating config directory: %s\n", configDir)
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	fmt.Println("Writing default config.yaml...")
	if err := config.WriteDefault(configPath); err != nil {
		return fmt.Errorf("failed to write default config: %w", err)
	}

	fmt.Println()
	fmt.Println("Setup complete! Next steps:")
	fmt.Println()
	fmt.Println("  1. Set an admin API key in the config:")
	fmt.Println("     auditchain config edit")
	fmt.Println()
	fmt.Println("  2. Start the service:")
	fmt.Println("     auditchain serve")
	fmt.Println()
	fmt.Println("  3. Append a record:")
	fmt.Println("     auditchain append --tenant acme --actor-id u1 \\")
	fmt.Println("       --actor-email hr@acme.test --action create \\")
	fmt.Println("       --entity-type pay_band --entity-name 'Band 9'")
	fmt.Println()
	fmt.Println("  4. View the dashboard:")
	fmt.Println("     http://127.0.0.1:8440/dashboard")
	fmt.Println()
	return nil
}
