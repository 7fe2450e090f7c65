// Command orchestrator runs the workflow engine's HTTP API: it wires the
// Postgres-backed repository, the node registry and its built-in handlers,
// the AI verifier, the human-approval manager, the audit logger, and the
// chi router into a single process and serves it until a termination
// signal asks it to shut down.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/finaceverse/orchestrator/internal/config"
	"github.com/finaceverse/orchestrator/pkg/api"
	"github.com/finaceverse/orchestrator/pkg/approval"
	"github.com/finaceverse/orchestrator/pkg/audit"
	"github.com/finaceverse/orchestrator/pkg/circuitbreaker"
	"github.com/finaceverse/orchestrator/pkg/engine"
	"github.com/finaceverse/orchestrator/pkg/logging"
	"github.com/finaceverse/orchestrator/pkg/metrics"
	"github.com/finaceverse/orchestrator/pkg/registry"
	"github.com/finaceverse/orchestrator/pkg/repository"
	"github.com/finaceverse/orchestrator/pkg/vault"
	"github.com/finaceverse/orchestrator/pkg/verifier"
	"github.com/finaceverse/orchestrator/pkg/workflowtypes"
)

func main() {
	configFile := flag.String("config", "", "path to a JSON or YAML config file (optional, overlaid under env vars)")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	os.Setenv("ORCHESTRATOR_LOG_LEVEL", cfg.Logging.Level)
	os.Setenv("ORCHESTRATOR_LOG_FORMAT", cfg.Logging.Format)
	logger := logging.NewProductionLogger(cfg.ServiceName)

	if err := run(cfg, logger); err != nil {
		logger.Error("orchestrator exited with error", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger logging.Logger) error {
	repo, err := repository.Open(cfg.Database.DSN, logger)
	if err != nil {
		return fmt.Errorf("repository: open: %w", err)
	}
	defer repo.Close()

	if cfg.Database.MigrateOnStart {
		migrateCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		if err := repo.Migrate(migrateCtx); err != nil {
			return fmt.Errorf("repository: migrate: %w", err)
		}
		logger.Info("database migrations applied", nil)
	}

	vaultBreaker := circuitbreaker.New("vault", circuitbreaker.Config{
		Threshold:        cfg.CircuitBreaker.Threshold,
		Timeout:          cfg.CircuitBreaker.Timeout,
		HalfOpenRequests: cfg.CircuitBreaker.HalfOpenRequests,
	}, logger)
	resolver := vault.NewBreakerResolver(vault.EnvResolver{Prefix: cfg.Vault.EnvPrefix}, vaultBreaker)

	verifierBreaker := circuitbreaker.New("ai-verifier", circuitbreaker.Config{
		Threshold:        cfg.CircuitBreaker.Threshold,
		Timeout:          cfg.CircuitBreaker.Timeout,
		HalfOpenRequests: cfg.CircuitBreaker.HalfOpenRequests,
	}, logger)
	httpClient := &http.Client{Timeout: cfg.Verification.Timeout}
	aiVerifier := verifier.New(httpClient, cfg.Verification.VAMNAPIURL, cfg.Verification.LucaAPIURL, verifierBreaker, logger)

	reg := registry.New(logger)
	registry.RegisterBuiltins(reg, registry.BuiltinDeps{
		HTTPClient: httpClient,
		VAMNURL:    cfg.Verification.VAMNAPIURL,
		LucaURL:    cfg.Verification.LucaAPIURL,
	})

	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)

	auditLogger := audit.New(repository.NewAuditStore(repo), logger, audit.Config{
		FlushInterval: cfg.Audit.FlushInterval,
		BatchSize:     cfg.Audit.BatchSize,
	})

	rootCtx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()
	auditLogger.Start(rootCtx)

	var eng *engine.Engine

	approvalMgr := approval.New(repo, logger, approval.Config{SweepInterval: cfg.Approval.SweepInterval}, func(p workflowtypes.PendingApproval) {
		if _, err := eng.ResumeFromApproval(context.Background(), p.ID); err != nil {
			logger.Error("failed to resume execution after approval expiry", map[string]interface{}{
				"approvalId": p.ID, "executionId": p.ExecutionID, "error": err.Error(),
			})
		}
	})
	approvalMgr.Start(rootCtx)

	eng = engine.New(engine.Config{
		MaxConcurrentExecutions: cfg.Engine.MaxConcurrentExecutions,
		DefaultTimeout:          cfg.Engine.DefaultTimeout,
		CheckpointInterval:      cfg.Engine.CheckpointInterval,
		EnableAIVerification:    cfg.Engine.EnableAIVerification,
		AuditLevel:              workflowtypes.AuditLevel(cfg.Engine.AuditLevel),
	}, repo, reg, aiVerifier, auditLogger, approvalMgr, resolver, m, logger)
	eng.SetQueryable(repository.NewQueryableDB(repo))

	server := api.New(repo, repo, eng, approvalMgr, auditLogger, reg, logger, api.CORSConfig{
		Enabled:        cfg.HTTP.CORSEnabled,
		AllowedOrigins: cfg.HTTP.CORSAllowedOrigins,
		AllowedMethods: cfg.HTTP.CORSAllowedMethods,
		AllowedHeaders: cfg.HTTP.CORSAllowedHeaders,
		MaxAge:         cfg.HTTP.CORSMaxAge,
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	mux.Handle("/", server.Router())

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("orchestrator listening", map[string]interface{}{"address": httpServer.Addr})
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		return err
	case <-sigCh:
		logger.Info("shutdown signal received", nil)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", map[string]interface{}{"error": err.Error()})
	}

	approvalMgr.Stop()
	auditLogger.Close(shutdownCtx)
	cancelRoot()

	return <-serveErr
}
