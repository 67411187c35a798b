// Package main is the CLI entry point for ClaimTrail — the tamper-evident
// audit trail service for the claims compliance platform.
//
// ClaimTrail records every compliance-relevant action as a hash-chained,
// append-only event. Each event carries a SHA-256 digest of its canonical
// form and an HMAC-SHA256 chain digest binding it to every event before
// it. Altering, inserting, reordering, or deleting stored events is
// detectable by replaying the chain.
//
// Architecture overview:
//
//	Collaborating services --> ClaimTrail API (:3600) --> SQLite append-only store
//	                            |                          |
//	                            |-- validate input          +-- sequence + hashes
//	                            |-- risk policy (hot-reload)
//	                            |-- chain digests (HMAC, secret from env)
//	                            +-- dashboard + live WebSocket feed
//
// CLI commands (cobra):
//
//	claimtrail              - First-run setup
//	claimtrail serve [-d]   - Run the API server (foreground or daemon)
//	claimtrail stop         - Stop the server
//	claimtrail status       - Show server status
//	claimtrail log          - Append an audit event
//	claimtrail transaction  - Log financial transactions and status changes
//	claimtrail verify       - Verify hash chain integrity
//	claimtrail tail         - Show recent events
//	claimtrail query        - Query events with filters
//	claimtrail export       - Export the trail (jsonl/json/csv)
//	claimtrail report       - Compliance reports
//	claimtrail config       - View/edit configuration
package main

import (
	"context"
	"encoding/json"
	"fmt"
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

	"github.com/claimtrail/claimtrail/internal/api"
	"github.com/claimtrail/claimtrail/internal/audit"
	"github.com/claimtrail/claimtrail/internal/config"
	"github.com/claimtrail/claimtrail/internal/dashboard"
	"github.com/claimtrail/claimtrail/internal/policy"
	"github.com/claimtrail/claimtrail/internal/report"
)

// Build-time variables injected via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// defaultConfigDir returns the path to ~/.claimtrail/ where runtime state
// lives: config.yaml, policy.yaml, and the audit database.
func defaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		// Fall back to current directory if home dir can't be determined.
		return ".claimtrail"
	}
	return filepath.Join(home, ".claimtrail")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ============================================================================
// Root command
// ============================================================================

// configDir is the global flag for the ClaimTrail config/state directory.
var configDir string

// verbose enables debug-level logging.
var verbose bool

var rootCmd = &cobra.Command{
	Use:   "claimtrail",
	Short: "ClaimTrail — Tamper-evident audit trail",
	Long: `ClaimTrail records compliance-relevant actions as a hash-chained,
append-only audit trail. Each event carries a SHA-256 digest of its
canonical form and an HMAC-SHA256 chain digest binding it to its
predecessor, so any alteration of stored history is detectable.

Run 'claimtrail serve' to start the API server, or run 'claimtrail'
with no arguments for first-run setup.`,
	Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runFirstTimeSetup(cmd, args)
	},
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&configDir,
		"config-dir",
		defaultConfigDir(),
		"Path to ClaimTrail config and state directory",
	)
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(logCmd)
	rootCmd.AddCommand(transactionCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(tailCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(configCmd)
}

// loadConfig loads config.yaml from the config directory plus environment
// overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(filepath.Join(configDir, "config.yaml"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// openTrail opens the local audit store with the configured chain secret.
// Used by the offline CLI commands; the secret must match the one the
// server appends with, or verification will flag everything.
func openTrail(cfg *config.Config) (*audit.Store, *audit.Chain, error) {
	chain, err := audit.NewChain([]byte(cfg.ChainSecret))
	if err != nil {
		return nil, nil, err
	}
	store, err := audit.OpenStore(cfg.Store.Path, chain)
	if err != nil {
		return nil, nil, err
	}
	return store, chain, nil
}

// ============================================================================
// claimtrail serve — Run the API server
// ============================================================================

// daemonMode controls whether the server runs in the background (-d flag).
var daemonMode bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ClaimTrail API server",
	Long: `Run the ClaimTrail API server. The server validates and appends audit
events, serves queries, reports, and verification, and hosts the
dashboard with a live event feed.

By default runs in the foreground. Use -d for daemon/background mode.

The server binds to the address configured in ~/.claimtrail/config.yaml
(default: 127.0.0.1:3600). The chain secret comes from the
CLAIMTRAIL_CHAIN_SECRET environment variable and is required:
  - API:       http://127.0.0.1:3600/api/
  - Dashboard: http://127.0.0.1:3600/dashboard`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd, args)
	},
}

func init() {
	serveCmd.Flags().BoolVarP(&daemonMode, "daemon", "d", false, "Run server in daemon/background mode")
}

// runServe initializes all subsystems and starts the HTTP server:
//
//  1. Handle daemon mode (re-exec as background process if -d)
//  2. Load config (YAML + environment, chain secret required)
//  3. Open the append-only audit store and recover the chain cursor
//  4. Load the risk policy (thresholds + classification rules)
//  5. Wire the trail, verifier, reporter, API, and dashboard
//  6. Write PID file, start the policy file watcher
//  7. Listen and block until SIGINT/SIGTERM or HTTP shutdown
func runServe(cmd *cobra.Command, args []string) error {
	// When -d is passed and we're NOT the re-exec'd child, spawn a
	// detached child process and exit the parent. Go can't fork() safely
	// because the runtime is multi-threaded, so we re-exec with a marker
	// env var instead.
	if daemonMode && os.Getenv("CLAIMTRAIL_DAEMONIZED") != "1" {
		return spawnDaemon()
	}

	if err := os.MkdirAll(configDir, 0o700); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", configDir, err)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// The chain secret is the root of the trail's tamper evidence.
	// Refusing to start without it beats silently producing an
	// unverifiable chain.
	chain, err := audit.NewChain([]byte(cfg.ChainSecret))
	if err != nil {
		return fmt.Errorf("chain secret: %w", err)
	}

	store, err := audit.OpenStore(cfg.Store.Path, chain)
	if err != nil {
		return fmt.Errorf("failed to open audit store: %w", err)
	}
	defer store.Close()

	policyEngine, err := policy.New(cfg.Policy.Path)
	if err != nil {
		return fmt.Errorf("failed to load risk policy: %w", err)
	}
	fmt.Printf("[claimtrail] Loaded risk policy (%d rules, thresholds high=%.0f medium=%.0f)\n",
		policyEngine.RuleCount(),
		policyEngine.ActiveThresholds().High, policyEngine.ActiveThresholds().Medium)

	// Dashboard first so the trail can broadcast committed events to it.
	var dash *dashboard.Dashboard
	trailOpts := audit.Options{Store: store, Chain: chain, Policy: policyEngine}
	if cfg.Dashboard.Enabled {
		dash = dashboard.New()
		trailOpts.OnEvent = dash.BroadcastEvent
	}

	trail, err := audit.NewTrail(trailOpts)
	if err != nil {
		return fmt.Errorf("failed to wire audit trail: %w", err)
	}

	verifier := audit.NewVerifier(store, chain)
	reporter := report.New(store)

	apiServer := api.New(api.Options{
		Trail:    trail,
		Verifier: verifier,
		Reporter: reporter,
		Policy:   policyEngine,
	})

	// Record service lifecycle in the trail itself, so even "the audit
	// service was restarted" is chained evidence.
	if _, err := trail.LogEvent(cmd.Context(), audit.EventInput{
		EventType:     "service_lifecycle",
		EventCategory: "audit_service",
		EventAction:   "start",
		EntityType:    "service",
		EntityID:      "claimtrail",
		Description:   "audit trail service started",
		EventData: map[string]any{
			"version": version,
			"commit":  commit,
			"host":    cfg.Server.Host,
			"port":    cfg.Server.Port,
		},
	}); err != nil {
		return fmt.Errorf("failed to log startup event: %w", err)
	}

	// The API and dashboard share the same port. The mux routes:
	//   /api/*      -> REST API (events, transactions, verify, reports)
	//   /dashboard* -> dashboard handler (web UI + WebSocket feed)
	//   /health     -> health check (used by `claimtrail status`)
	//   /shutdown   -> graceful shutdown trigger (used by `claimtrail stop`)
	mux := http.NewServeMux()
	mux.Handle("/api/", apiServer.Handler())
	if dash != nil {
		mux.Handle("/dashboard", dash)
		mux.Handle("/dashboard/", dash)
		mux.Handle("/dashboard/ws", dash.WebSocketHandler())
	}

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"ok","version":"%s"}`, version)
	})

	// Shutdown endpoint — the cross-platform way for `claimtrail stop`
	// to reach a running server (Unix signals don't exist on Windows).
	// Only accepts POST from loopback addresses.
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
			// Already shutting down.
		}
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// PID file lets `claimtrail stop` find the running process.
	pidFile := filepath.Join(configDir, "claimtrail.pid")
	if err := writePIDFile(pidFile); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	defer os.Remove(pidFile)

	// Watch the policy file so the financial-controls team's threshold
	// and rule changes apply without a restart.
	watcher, err := config.NewWatcher(cfg.Policy.Path, config.WatchTargets{
		OnPolicyChange: func() {
			if reloadErr := policyEngine.Reload(cfg.Policy.Path); reloadErr != nil {
				slog.Error("policy reload failed, keeping previous policy", "error", reloadErr)
			}
		},
	})
	if err != nil {
		return fmt.Errorf("failed to start policy watcher: %w", err)
	}
	defer watcher.Close()

	// Three ways the server shuts down: SIGINT (Ctrl+C), SIGTERM from
	// `claimtrail stop` via the PID file, or POST /shutdown. All drain
	// in-flight requests, log the stop event, and close the store.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		fmt.Printf("[claimtrail] API listening on http://%s\n", addr)
		if cfg.Dashboard.Enabled {
			fmt.Printf("[claimtrail] Dashboard at http://%s/dashboard\n", addr)
		}
		if !daemonMode {
			fmt.Println("[claimtrail] Press Ctrl+C to stop")
		}
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		fmt.Println("\n[claimtrail] Shutting down (signal received)...")
	case <-shutdownCh:
		fmt.Println("[claimtrail] Shutting down (stop command received)...")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Give in-flight appends and queries 10 seconds to drain.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
		fmt.Fprintf(os.Stderr, "[claimtrail] Shutdown error: %v\n", shutdownErr)
	}

	if _, err := trail.LogEvent(context.Background(), audit.EventInput{
		EventType:     "service_lifecycle",
		EventCategory: "audit_service",
		EventAction:   "stop",
		EntityType:    "service",
		EntityID:      "claimtrail",
		Description:   "audit trail service stopped",
	}); err != nil {
		fmt.Fprintf(os.Stderr, "[claimtrail] Warning: failed to log stop event: %v\n", err)
	}

	fmt.Println("[claimtrail] Stopped")
	return nil
}

// spawnDaemon re-executes the claimtrail binary as a detached background
// process. The parent prints the child PID and exits immediately. The
// child detects CLAIMTRAIL_DAEMONIZED=1 at the top of runServe() and
// skips the re-exec, running the server normally.
func spawnDaemon() error {
	if err := os.MkdirAll(configDir, 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	exePath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to find executable path: %w", err)
	}

	logPath := filepath.Join(configDir, "claimtrail.log")
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
	child.Env = append(os.Environ(), "CLAIMTRAIL_DAEMONIZED=1")

	if err := child.Start(); err != nil {
		logFile.Close()
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	fmt.Printf("[claimtrail] Server started in background (PID %d)\n", child.Process.Pid)
	fmt.Printf("[claimtrail] Log file: %s\n", logPath)
	fmt.Println("[claimtrail] Use 'claimtrail stop' to stop the server")

	// Release the child so it survives parent exit.
	if err := child.Process.Release(); err != nil {
		fmt.Fprintf(os.Stderr, "[claimtrail] Warning: failed to release child process: %v\n", err)
	}

	logFile.Close()
	return nil
}

func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// isLoopback checks if a remote address is a loopback address. Used to
// restrict the /shutdown endpoint to local-only access.
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
// claimtrail stop — Stop the server
// ============================================================================

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running ClaimTrail server",
	Long: `Stop a running ClaimTrail server. Tries HTTP shutdown first
(cross-platform), then falls back to PID file + SIGTERM on Unix.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStop(cmd, args)
	},
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)

	// HTTP shutdown works on all platforms including Windows.
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Post(addr+"/shutdown", "application/json", nil)
	if err == nil {
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			fmt.Println("[claimtrail] Stop signal sent to server")
			os.Remove(filepath.Join(configDir, "claimtrail.pid"))
			return nil
		}
	}

	// PID file + SIGTERM fallback (Unix only).
	if runtime.GOOS == "windows" {
		return fmt.Errorf("server is not responding at %s — cannot stop", addr)
	}

	pidFile := filepath.Join(configDir, "claimtrail.pid")
	pidBytes, err := os.ReadFile(pidFile)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("server is not running (no PID file and HTTP unreachable)")
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
		return fmt.Errorf("failed to stop server (PID %d): %w", pid, err)
	}

	os.Remove(pidFile)
	fmt.Printf("[claimtrail] Sent stop signal to server (PID %d)\n", pid)
	return nil
}

// ============================================================================
// claimtrail status — Show server status
// ============================================================================

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server status and trail summary",
	Long: `Display whether the ClaimTrail server is running, its listen address,
event count, chain tail, and active policy. Queries the live server for
accurate in-memory state.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatus(cmd, args)
	},
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(addr + "/health")
	if err != nil {
		fmt.Println("[claimtrail] Status: NOT RUNNING")
		fmt.Printf("[claimtrail] Expected at: %s\n", addr)
		return nil
	}
	resp.Body.Close()

	fmt.Println("[claimtrail] Status: RUNNING")
	fmt.Printf("[claimtrail] Listening on: %s\n", addr)

	statusResp, err := client.Get(addr + "/api/status")
	if err != nil {
		fmt.Println("[claimtrail] Could not query trail status")
		return nil
	}
	defer statusResp.Body.Close()

	var status struct {
		Events     uint64 `json:"events"`
		ChainTail  string `json:"chain_tail"`
		Thresholds struct {
			High   float64 `json:"high"`
			Medium float64 `json:"medium"`
		} `json:"thresholds"`
		PolicyRules int `json:"policy_rules"`
	}
	if err := json.NewDecoder(statusResp.Body).Decode(&status); err != nil {
		fmt.Println("[claimtrail] Could not parse trail status")
		return nil
	}

	fmt.Printf("[claimtrail] Events: %d\n", status.Events)
	fmt.Printf("[claimtrail] Chain tail: %s\n", status.ChainTail)
	fmt.Printf("[claimtrail] Policy: %d rules, thresholds high=%.0f medium=%.0f\n",
		status.PolicyRules, status.Thresholds.High, status.Thresholds.Medium)
	return nil
}

// ============================================================================
// claimtrail log — Append an audit event
// ============================================================================

var (
	logEventType     string
	logEventCategory string
	logEventAction   string
	logEntityType    string
	logEntityID      string
	logUserID        string
	logRisk          string
	logControl       string
	logDataJSON      string
)

var logCmd = &cobra.Command{
	Use:   "log <description>",
	Short: "Append an audit event to the trail",
	Long: `Append a single audit event to the local trail. Requires the
CLAIMTRAIL_CHAIN_SECRET environment variable so the event can be
chained.

Example:
  claimtrail log "manual claim review completed" \
    --type compliance_check --category claims_processing --action review \
    --entity-type claim --entity-id CLM-2041 --user reviewer-7 --risk medium`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, chain, err := openTrail(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		policyEngine, err := policy.New(cfg.Policy.Path)
		if err != nil {
			return err
		}
		trail, err := audit.NewTrail(audit.Options{Store: store, Chain: chain, Policy: policyEngine})
		if err != nil {
			return err
		}

		in := audit.EventInput{
			EventType:        logEventType,
			EventCategory:    logEventCategory,
			EventAction:      logEventAction,
			EntityType:       logEntityType,
			EntityID:         logEntityID,
			UserID:           logUserID,
			ControlObjective: logControl,
			RiskLevel:        audit.RiskLevel(logRisk),
			Description:      args[0],
		}
		if logDataJSON != "" {
			if err := json.Unmarshal([]byte(logDataJSON), &in.EventData); err != nil {
				return fmt.Errorf("invalid --data JSON: %w", err)
			}
		}

		id, err := trail.LogEvent(cmd.Context(), in)
		if err != nil {
			return err
		}
		fmt.Printf("[claimtrail] Event logged: %s\n", id)
		return nil
	},
}

func init() {
	logCmd.Flags().StringVar(&logEventType, "type", audit.EventTypeUserAction, "Event type")
	logCmd.Flags().StringVar(&logEventCategory, "category", "", "Event category (required)")
	logCmd.Flags().StringVar(&logEventAction, "action", "", "Event action (required)")
	logCmd.Flags().StringVar(&logEntityType, "entity-type", "", "Entity type (required)")
	logCmd.Flags().StringVar(&logEntityID, "entity-id", "", "Entity ID (required)")
	logCmd.Flags().StringVar(&logUserID, "user", "", "Acting user ID")
	logCmd.Flags().StringVar(&logRisk, "risk", "", "Risk level (low|medium|high|critical)")
	logCmd.Flags().StringVar(&logControl, "control", "", "Control objective this event evidences")
	logCmd.Flags().StringVar(&logDataJSON, "data", "", "Event data as a JSON object")
	logCmd.MarkFlagRequired("category")
	logCmd.MarkFlagRequired("action")
	logCmd.MarkFlagRequired("entity-type")
	logCmd.MarkFlagRequired("entity-id")
}

// ============================================================================
// claimtrail transaction — Financial transaction operations
// ============================================================================

var transactionCmd = &cobra.Command{
	Use:   "transaction",
	Short: "Log financial transactions and status changes",
	Long: `Record financial transactions as chained audit events and move them
through their lifecycle (pending -> approved -> processed/failed/reversed).
Status changes never modify the original event — each change is a new
chained event referencing the same transaction ID.`,
}

func init() {
	transactionCmd.AddCommand(transactionAddCmd)
	transactionCmd.AddCommand(transactionStatusCmd)
	transactionCmd.AddCommand(transactionShowCmd)
}

var (
	txType     string
	txAmount   float64
	txCurrency string
	txClaimID  string
	txPolicyID string
	txUserID   string
)

var transactionAddCmd = &cobra.Command{
	Use:   "add <description>",
	Short: "Log a financial transaction",
	Long: `Log a financial transaction as a chained audit event. The risk level
is derived from the amount thresholds and classification rules in the
risk policy. Prints the assigned transaction ID.

Example:
  claimtrail transaction add "claim payout for water damage" \
    --transaction-type claim_payout --amount 15000 --currency USD \
    --claim CLM-2041 --user adjuster-3`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, chain, err := openTrail(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		policyEngine, err := policy.New(cfg.Policy.Path)
		if err != nil {
			return err
		}
		trail, err := audit.NewTrail(audit.Options{Store: store, Chain: chain, Policy: policyEngine})
		if err != nil {
			return err
		}

		txID, err := trail.LogFinancialTransaction(cmd.Context(), audit.TransactionInput{
			TransactionType: txType,
			Amount:          txAmount,
			Currency:        txCurrency,
			ClaimID:         txClaimID,
			PolicyID:        txPolicyID,
			UserID:          txUserID,
			Description:     args[0],
		})
		if err != nil {
			return err
		}
		fmt.Printf("[claimtrail] Transaction logged: %s\n", txID)
		return nil
	},
}

func init() {
	transactionAddCmd.Flags().StringVar(&txType, "transaction-type", "", "Transaction type (required)")
	transactionAddCmd.Flags().Float64Var(&txAmount, "amount", 0, "Transaction amount (required)")
	transactionAddCmd.Flags().StringVar(&txCurrency, "currency", "USD", "Currency code")
	transactionAddCmd.Flags().StringVar(&txClaimID, "claim", "", "Related claim ID")
	transactionAddCmd.Flags().StringVar(&txPolicyID, "policy", "", "Related policy ID")
	transactionAddCmd.Flags().StringVar(&txUserID, "user", "", "Acting user ID")
	transactionAddCmd.MarkFlagRequired("transaction-type")
	transactionAddCmd.MarkFlagRequired("amount")
}

var (
	txStatusUpdatedBy string
	txStatusReason    string
)

var transactionStatusCmd = &cobra.Command{
	Use:   "status <transaction-id> <new-status>",
	Short: "Record a transaction status change",
	Long: `Record a status transition for a logged transaction as a new chained
event. Allowed transitions: pending -> approved|failed,
approved -> processed|failed|reversed.

Example:
  claimtrail transaction status 4f7c... approved --by supervisor-1 --reason "within authority"`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, chain, err := openTrail(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		trail, err := audit.NewTrail(audit.Options{Store: store, Chain: chain})
		if err != nil {
			return err
		}

		if err := trail.UpdateTransactionStatus(cmd.Context(),
			args[0], audit.TransactionStatus(args[1]), txStatusUpdatedBy, txStatusReason); err != nil {
			return err
		}
		fmt.Printf("[claimtrail] Transaction %s -> %s\n", args[0], args[1])
		return nil
	},
}

func init() {
	transactionStatusCmd.Flags().StringVar(&txStatusUpdatedBy, "by", "", "User recording the change (required)")
	transactionStatusCmd.Flags().StringVar(&txStatusReason, "reason", "", "Reason for the change")
	transactionStatusCmd.MarkFlagRequired("by")
}

var transactionShowCmd = &cobra.Command{
	Use:   "show <transaction-id>",
	Short: "Show a transaction's chained events",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, _, err := openTrail(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		events, err := store.TransactionEvents(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return fmt.Errorf("transaction %q not found", args[0])
		}

		for _, e := range events {
			printEvent(e)
		}
		return nil
	},
}

// ============================================================================
// claimtrail verify — Verify hash chain integrity
// ============================================================================

var (
	verifyFrom  string
	verifyUntil string
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify hash chain integrity",
	Long: `Replay the stored trail and recompute every event and chain digest.
Reports each violation with its sequence and kind (event_hash when the
event itself was altered, chain_hash when the chain was broken), and
flags every event after the first violation as reduced trust.

Exits non-zero when violations are found, so the command can gate
automated compliance checks. Bounding the range with --from makes the
result relative-only: the range is checked for internal consistency but
not anchored to the genesis value.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, chain, err := openTrail(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		from, err := parseTimeFlag(verifyFrom)
		if err != nil {
			return fmt.Errorf("--from: %w", err)
		}
		until, err := parseTimeFlag(verifyUntil)
		if err != nil {
			return fmt.Errorf("--until: %w", err)
		}

		result, err := audit.NewVerifier(store, chain).Verify(cmd.Context(), from, until)
		if err != nil {
			return fmt.Errorf("verification failed: %w", err)
		}

		if result.Valid {
			fmt.Printf("[claimtrail] Chain VALID (%d events verified)\n", result.VerifiedEvents)
			if result.RelativeOnly {
				fmt.Println("[claimtrail] Note: bounded range — consistency is relative to the range start, not genesis")
			}
			return nil
		}

		fmt.Printf("[claimtrail] Chain INVALID: %d violations in %d events\n",
			len(result.Violations), result.TotalEvents)
		for _, v := range result.Violations {
			fmt.Printf("  #%d %s event=%s\n", v.Sequence, v.Kind, v.EventID)
			if v.ExpectedDigest != "" {
				fmt.Printf("      expected: %s\n", v.ExpectedDigest)
				fmt.Printf("      actual:   %s\n", v.ActualDigest)
			}
		}
		fmt.Printf("[claimtrail] Reduced trust from #%d (%d later events affected)\n",
			result.ReducedTrustFrom, result.ReducedTrustEvents)
		return fmt.Errorf("audit trail integrity violation detected")
	},
}

func init() {
	verifyCmd.Flags().StringVar(&verifyFrom, "from", "", "Verify events from this RFC 3339 time")
	verifyCmd.Flags().StringVar(&verifyUntil, "until", "", "Verify events until this RFC 3339 time")
}

// parseTimeFlag parses an optional RFC 3339 flag value.
func parseTimeFlag(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("must be RFC 3339 (e.g. 2026-08-30T00:00:00Z)")
	}
	return &t, nil
}

// ============================================================================
// claimtrail tail / query / export — Read the trail
// ============================================================================

var (
	tailLimit  int
	tailFollow bool
)

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show recent audit events",
	Long: `Show the most recent audit events in chain order. With -f, keep
polling the store and print new events as they are appended.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, _, err := openTrail(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		events, err := store.Tail(cmd.Context(), tailLimit)
		if err != nil {
			return err
		}
		for _, e := range events {
			printEvent(e)
		}
		if !tailFollow {
			return nil
		}

		var lastSeq uint64
		if len(events) > 0 {
			lastSeq = events[len(events)-1].Sequence
		}
		return followTrail(cmd.Context(), store, lastSeq)
	},
}

// followTrail polls the store and prints events appended after lastSeq.
// Polling works across processes, which a watch on the in-process trail
// would not: `claimtrail tail -f` usually runs next to a serve daemon
// writing the same database.
func followTrail(ctx context.Context, store *audit.Store, lastSeq uint64) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			events, err := store.Tail(ctx, 100)
			if err != nil {
				return err
			}
			for _, e := range events {
				if e.Sequence > lastSeq {
					printEvent(e)
					lastSeq = e.Sequence
				}
			}
		}
	}
}

func init() {
	tailCmd.Flags().IntVarP(&tailLimit, "limit", "n", 20, "Number of recent events to show")
	tailCmd.Flags().BoolVarP(&tailFollow, "follow", "f", false, "Keep watching for new events")
}

var (
	queryEntityType    string
	queryEntityID      string
	queryEventType     string
	queryTransactionID string
	queryRisk          string
	querySince         string
	queryUntil         string
	queryLimit         int
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query audit events with filters",
	Long: `Query the trail with filters. Supports entity, event type,
transaction, and risk level filters.

Examples:
  claimtrail query --entity-type claim --entity-id CLM-2041
  claimtrail query --event-type financial_transaction --risk high --limit 100`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, _, err := openTrail(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		params := audit.QueryParams{
			EntityType:    queryEntityType,
			EntityID:      queryEntityID,
			EventType:     queryEventType,
			TransactionID: queryTransactionID,
			RiskLevel:     audit.RiskLevel(queryRisk),
			Limit:         queryLimit,
		}
		if querySince != "" {
			t, err := time.Parse(time.RFC3339, querySince)
			if err != nil {
				return fmt.Errorf("--since: must be RFC 3339")
			}
			params.Since = t
		}
		if queryUntil != "" {
			t, err := time.Parse(time.RFC3339, queryUntil)
			if err != nil {
				return fmt.Errorf("--until: must be RFC 3339")
			}
			params.Until = t
		}

		events, err := store.Query(cmd.Context(), params)
		if err != nil {
			return err
		}

		if len(events) == 0 {
			fmt.Println("No matching events found.")
			return nil
		}
		for _, e := range events {
			printEvent(e)
		}
		fmt.Printf("\n%d events found.\n", len(events))
		return nil
	},
}

func init() {
	queryCmd.Flags().StringVar(&queryEntityType, "entity-type", "", "Filter by entity type")
	queryCmd.Flags().StringVar(&queryEntityID, "entity-id", "", "Filter by entity ID")
	queryCmd.Flags().StringVar(&queryEventType, "event-type", "", "Filter by event type")
	queryCmd.Flags().StringVar(&queryTransactionID, "transaction", "", "Filter by transaction ID")
	queryCmd.Flags().StringVar(&queryRisk, "risk", "", "Filter by risk level")
	queryCmd.Flags().StringVar(&querySince, "since", "", "Events at or after this RFC 3339 time")
	queryCmd.Flags().StringVar(&queryUntil, "until", "", "Events at or before this RFC 3339 time")
	queryCmd.Flags().IntVar(&queryLimit, "limit", 50, "Maximum number of events to return")
}

var exportFormat string

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the audit trail",
	Long: `Export the full trail to stdout. Supported formats: jsonl, json, csv.

Example:
  claimtrail export --format csv > trail_export.csv`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, _, err := openTrail(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		return store.Export(cmd.Context(), os.Stdout, exportFormat)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportFormat, "format", "jsonl", "Export format: jsonl, json, csv")
}

// printEvent formats and prints a single event to stdout.
func printEvent(e audit.Event) {
	risk := string(e.RiskLevel)
	// Uppercase elevated risk for terminal visibility.
	if e.RiskLevel == audit.RiskHigh || e.RiskLevel == audit.RiskCritical {
		risk = strings.ToUpper(risk)
	}
	fmt.Printf("#%-6d [%s] %-22s %-14s %-8s %s/%s  %s\n",
		e.Sequence, e.Timestamp.Format(time.RFC3339),
		e.EventType, e.EventAction, risk,
		e.EntityType, e.EntityID, e.Description)
}

// ============================================================================
// claimtrail report — Compliance reports
// ============================================================================

var (
	reportFrom      string
	reportUntil     string
	reportObjective string
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Compliance reports over the trail",
	Long: `Generate read-only compliance reports: control effectiveness (events
grouped by control objective) and transaction summaries (counts and
amounts per lifecycle status).`,
}

func init() {
	reportCmd.AddCommand(reportControlsCmd)
	reportCmd.AddCommand(reportTransactionsCmd)

	reportCmd.PersistentFlags().StringVar(&reportFrom, "from", "", "Report window start (RFC 3339)")
	reportCmd.PersistentFlags().StringVar(&reportUntil, "until", "", "Report window end (RFC 3339)")
	reportControlsCmd.Flags().StringVar(&reportObjective, "objective", "", "Glob filter on control objectives")
}

var reportControlsCmd = &cobra.Command{
	Use:   "controls",
	Short: "Control effectiveness report",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, _, err := openTrail(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		from, err := parseTimeFlag(reportFrom)
		if err != nil {
			return fmt.Errorf("--from: %w", err)
		}
		until, err := parseTimeFlag(reportUntil)
		if err != nil {
			return fmt.Errorf("--until: %w", err)
		}

		summaries, err := report.New(store).ControlEffectiveness(cmd.Context(), from, until, reportObjective)
		if err != nil {
			return err
		}
		if len(summaries) == 0 {
			fmt.Println("No events in the selected window.")
			return nil
		}

		fmt.Printf("%-55s %-8s %-10s %s\n", "CONTROL OBJECTIVE", "EVENTS", "FINANCIAL", "RISK BREAKDOWN")
		for _, s := range summaries {
			fmt.Printf("%-55s %-8d %-10d low=%d medium=%d high=%d critical=%d\n",
				s.ControlObjective, s.TotalEvents, s.FinancialEvents,
				s.RiskCounts["low"], s.RiskCounts["medium"],
				s.RiskCounts["high"], s.RiskCounts["critical"])
		}
		return nil
	},
}

var reportTransactionsCmd = &cobra.Command{
	Use:   "transactions",
	Short: "Financial transaction summary",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, _, err := openTrail(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		from, err := parseTimeFlag(reportFrom)
		if err != nil {
			return fmt.Errorf("--from: %w", err)
		}
		until, err := parseTimeFlag(reportUntil)
		if err != nil {
			return fmt.Errorf("--until: %w", err)
		}

		summary, err := report.New(store).TransactionSummary(cmd.Context(), from, until)
		if err != nil {
			return err
		}

		fmt.Printf("Transactions: %d (total %.2f, high risk: %d)\n",
			summary.TotalTransactions, summary.TotalAmount, summary.HighRiskCount)
		for _, s := range summary.ByStatus {
			fmt.Printf("  %-10s %6d  %12.2f\n", s.Status, s.Count, s.TotalAmount)
		}
		return nil
	},
}

// ============================================================================
// claimtrail config — Configuration management
// ============================================================================

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View and edit configuration",
	Long: `Manage the ClaimTrail configuration. The config file lives at
~/.claimtrail/config.yaml and defines the server bind address, store
path, policy path, and dashboard toggle. The chain secret is never
stored in the file — set CLAIMTRAIL_CHAIN_SECRET in the environment.`,
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
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
				fmt.Println("Run 'claimtrail' for first-run setup.")
				return nil
			}
			return fmt.Errorf("failed to read config: %w", err)
		}
		fmt.Println(string(data))
		return nil
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config in editor",
	Long:  `Open the ClaimTrail config file in your default editor ($EDITOR or $VISUAL).`,
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
			if err := os.MkdirAll(configDir, 0o700); err != nil {
				return fmt.Errorf("failed to create config directory: %w", err)
			}
			if err := config.WriteDefault(configPath); err != nil {
				return fmt.Errorf("failed to create default config: %w", err)
			}
		}

		// exec.Command resolves the editor via PATH, which os.StartProcess
		// would not.
		fmt.Printf("[claimtrail] Opening %s in %s...\n", configPath, editor)
		editorCmd := exec.Command(editor, configPath)
		editorCmd.Stdin = os.Stdin
		editorCmd.Stdout = os.Stdout
		editorCmd.Stderr = os.Stderr
		return editorCmd.Run()
	},
}

// ============================================================================
// First-run setup
// ============================================================================

// runFirstTimeSetup runs when 'claimtrail' is invoked with no subcommand:
//  1. Creates the ~/.claimtrail/ directory
//  2. Writes a default config.yaml and policy.yaml
//  3. Explains how to set the chain secret and start the server
func runFirstTimeSetup(cmd *cobra.Command, args []string) error {
	fmt.Println("=== ClaimTrail — First-Time Setup ===")
	fmt.Println()

	configPath := filepath.Join(configDir, "config.yaml")
	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("Config already exists at %s\n", configPath)
		fmt.Println("Use 'claimtrail serve' to start the server.")
		fmt.Println("Use 'claimtrail config edit' to modify the configuration.")
		return nil
	}

	fmt.Printf("Creating config directory: %s\n", configDir)
	if err := os.MkdirAll(configDir, 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	fmt.Println("Writing default config.yaml...")
	if err := config.WriteDefault(configPath); err != nil {
		return fmt.Errorf("failed to write default config: %w", err)
	}

	policyPath := filepath.Join(configDir, "policy.yaml")
	fmt.Println("Writing default policy.yaml (risk thresholds + built-in rules)...")
	if err := policy.WriteDefault(policyPath); err != nil {
		return fmt.Errorf("failed to write default policy: %w", err)
	}

	fmt.Println()
	fmt.Println("Setup complete! Next steps:")
	fmt.Println()
	fmt.Println("  1. Set the chain secret (required — keys the HMAC hash chain):")
	fmt.Println("     export CLAIMTRAIL_CHAIN_SECRET=$(openssl rand -hex 32)")
	fmt.Println()
	fmt.Println("     Store it in your secret manager. Losing it does not lose")
	fmt.Println("     data, but a new secret starts a new chain.")
	fmt.Println()
	fmt.Println("  2. Start the server:")
	fmt.Println("     claimtrail serve")
	fmt.Println()
	fmt.Println("  3. View the dashboard:")
	fmt.Println("     http://127.0.0.1:3600/dashboard")
	fmt.Println()
	return nil
}
