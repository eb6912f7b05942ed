package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/grinzolo/cachewarden/internal/logger"
	"github.com/grinzolo/cachewarden/internal/ratelimiter"
	"github.com/grinzolo/cachewarden/pkg/audit"
	"github.com/grinzolo/cachewarden/pkg/authz"
	"github.com/grinzolo/cachewarden/pkg/cache"
	"github.com/grinzolo/cachewarden/pkg/config"
	"github.com/grinzolo/cachewarden/pkg/engine"
	"github.com/grinzolo/cachewarden/pkg/integrity"
	"github.com/grinzolo/cachewarden/pkg/metrics"
	"github.com/grinzolo/cachewarden/pkg/pathval"
	"github.com/grinzolo/cachewarden/pkg/relocate"
	"github.com/grinzolo/cachewarden/pkg/store"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (default: "+config.GetDefaultConfigPath()+")")
	planPath := flag.String("plan", "", "Apply a JSON caching plan and exit")
	verifyIntegrity := flag.Bool("verify-integrity", false, "Run one integrity verification pass and exit")
	userID := flag.String("user", "cachewarden-cli", "Identity for one-shot operations")
	role := flag.String("role", "admin", "Role for one-shot operations (admin, user, public)")
	metricsAddr := flag.String("metrics-addr", ":9464", "Listen address for the Prometheus /metrics endpoint")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger.SetLevel(cfg.Logging.Level)
	if err := configureLogOutput(cfg.Logging.Output); err != nil {
		log.Fatalf("Failed to configure log output: %v", err)
	}

	fmt.Println("cachewarden - secure cache relocation daemon")
	logger.Info("Log level set to: %s", cfg.Logging.Level)
	logger.Info("Database path: %s", cfg.Database.Path)
	logger.Info("Origin root: %s", cfg.Paths.OriginRoot)
	logger.Info("Cache root: %s", cfg.Paths.CacheRoot)

	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		logger.Info("Metrics enabled")
	}

	eng, checker, closeStore, err := buildEngine(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Error("Failed to close metadata store: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	user := authz.UserContext{UserID: *userID, Role: authz.Role(*role)}

	// One-shot modes run a single operation as the given identity and exit
	if *verifyIntegrity {
		runVerify(ctx, eng, user)
		return
	}
	if *planPath != "" {
		runPlan(ctx, eng, user, *planPath)
		return
	}

	// Daemon mode: background integrity checker plus metrics endpoint
	checker.Start()
	logger.Info("Integrity checker started (interval %v)", cfg.Integrity.Interval)

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		metricsSrv = serveMetrics(*metricsAddr)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("cachewarden is running. Press Ctrl+C to stop.")
	<-sigChan

	logger.Info("Shutdown signal received, stopping...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Metrics endpoint shutdown error: %v", err)
		}
	}
	if err := checker.Stop(shutdownCtx); err != nil {
		logger.Error("Integrity checker shutdown error: %v", err)
		os.Exit(1)
	}
	logger.Info("Stopped gracefully")
}

// buildEngine wires the full component graph from configuration.
func buildEngine(cfg *config.Config) (*engine.Engine, *integrity.Checker, func() error, error) {
	st, err := store.Open(store.Config{
		Path:            cfg.Database.Path,
		MaxConnections:  cfg.Database.MaxConnections,
		BusyTimeout:     cfg.Database.BusyTimeout,
		CheckoutTimeout: cfg.Database.CheckoutTimeout,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open metadata store: %w", err)
	}

	perUser := ratelimiter.NewSlidingWindow(cfg.RateLimit.PerUserOps, cfg.RateLimit.Window)
	repo := store.NewRepository(st, perUser, cfg.Paths.MaxFileSizeBytes)

	auditLog := audit.NewLogger(repo)

	signer, err := integrity.NewSigner([]byte(cfg.Integrity.HMACKey))
	if err != nil {
		_ = st.Close()
		return nil, nil, nil, err
	}

	oracle := pathval.OSOracle{}
	validator, err := pathval.NewValidator(cfg.Paths.AllowedBases, oracle,
		pathval.WithMaxPathLength(cfg.Paths.MaxPathLength),
		pathval.WithMaxFilenameLength(cfg.Paths.MaxFilenameLength),
	)
	if err != nil {
		_ = st.Close()
		return nil, nil, nil, fmt.Errorf("failed to build path validator: %w", err)
	}

	relocationMetrics := metrics.NewRelocationMetrics()

	method := cache.RelocationMethod(cfg.Relocation.Method)
	if cfg.Relocation.Method == "auto" {
		method = ""
	}
	relocator := relocate.New(repo, signer, auditLog, oracle, relocationMetrics, relocate.Config{
		Method:      method,
		LockTimeout: cfg.Relocation.LockTimeout,
	})

	checker := integrity.NewChecker(repo, signer, oracle, auditLog, relocationMetrics, integrity.Config{
		Interval:          cfg.Integrity.Interval,
		StalePendingAfter: cfg.Integrity.StalePendingAfter,
	})

	var global *ratelimiter.Bucket
	if cfg.RateLimit.GlobalOpsPerSecond > 0 {
		global = ratelimiter.NewBucket(cfg.RateLimit.GlobalOpsPerSecond, cfg.RateLimit.Burst)
	}

	eng := engine.New(engine.Config{
		OriginRoot: cfg.Paths.OriginRoot,
		CacheRoot:  cfg.Paths.CacheRoot,
	}, validator, repo, relocator, checker, auditLog, global, relocationMetrics)

	return eng, checker, st.Close, nil
}

// runVerify executes one integrity pass and prints the report.
func runVerify(ctx context.Context, eng *engine.Engine, user authz.UserContext) {
	report, err := eng.VerifyIntegrity(ctx, user)
	if err != nil {
		log.Fatalf("Integrity verification failed: %v", err)
	}

	logger.Info("Checked %d records, %d verified, %d findings (took %v)",
		report.Checked, report.Verified, len(report.Findings), report.Duration)
	for _, f := range report.Findings {
		logger.Warn("  %s: %s (%s)", f.Issue, f.OriginalPath, f.Detail)
	}
	if len(report.Findings) > 0 {
		os.Exit(1)
	}
}

// runPlan reads a JSON decision list and applies it.
func runPlan(ctx context.Context, eng *engine.Engine, user authz.UserContext, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("Failed to read plan file: %v", err)
	}

	var plan []engine.Decision
	if err := json.Unmarshal(data, &plan); err != nil {
		log.Fatalf("Failed to parse plan file: %v", err)
	}
	logger.Info("Applying plan with %d decisions", len(plan))

	outcomes, err := eng.Apply(ctx, user, plan)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Plan execution aborted: %v", err)
	}

	failed := 0
	for _, out := range outcomes {
		if out.Failed() {
			failed++
			logger.Error("  %s %s: %v", out.Desired, out.OriginalPath, out.Err)
			continue
		}
		logger.Info("  %s %s: ok", out.Desired, out.OriginalPath)
	}
	logger.Info("Plan complete: %d succeeded, %d failed", len(outcomes)-failed, failed)
	if failed > 0 {
		os.Exit(1)
	}
}

// serveMetrics exposes the Prometheus registry over HTTP.
func serveMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.GetRegistry(), promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logger.Info("Metrics endpoint listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics endpoint error: %v", err)
		}
	}()
	return srv
}

// configureLogOutput routes logs to stdout, stderr, or a file.
func configureLogOutput(output string) error {
	switch output {
	case "", "stdout":
		return nil
	case "stderr":
		logger.SetOutput(os.Stderr)
		return nil
	default:
		f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return err
		}
		logger.SetOutput(f)
		return nil
	}
}
