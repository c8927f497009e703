// siftd is the conversational analytics gateway. It serves the chat
// API, routes queries through policy gates into sandboxed runners, and
// records every submission as an immutable run capsule.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sift-analytics/sift/internal/agent"
	"github.com/sift-analytics/sift/internal/api"
	"github.com/sift-analytics/sift/internal/config"
	"github.com/sift-analytics/sift/internal/executor"
	"github.com/sift-analytics/sift/internal/leader"
	"github.com/sift-analytics/sift/internal/llm"
	"github.com/sift-analytics/sift/internal/metrics"
	"github.com/sift-analytics/sift/internal/postgres"
	"github.com/sift-analytics/sift/internal/reaper"
	"github.com/sift-analytics/sift/internal/registry"
	"github.com/sift-analytics/sift/internal/store"
)

func main() {
	// Container healthcheck: exits 0 if the server responds.
	// Usage: /siftd healthcheck
	if len(os.Args) > 1 && os.Args[1] == "healthcheck" {
		resp, err := http.Get("http://localhost:8080/health")
		if err != nil {
			os.Exit(1)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			os.Exit(1)
		}
		os.Exit(0)
	}

	// Context-aware handler so request_id lands in every log record.
	baseHandler := slog.NewJSONHandler(os.Stdout, nil)
	slog.SetDefault(slog.New(api.NewContextHandler(baseHandler)))

	// Config: SIFT_CONFIG env > ./sift.yaml > defaults, env overrides last.
	configPath := config.ResolvePath()
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", "path", configPath, "error", err)
		os.Exit(1)
	}
	if configPath != "" {
		slog.Info("config loaded", "path", configPath)
	}

	ctx := context.Background()

	// Optionally mirror datasets down from object storage before the
	// registry scans the local dir.
	if cfg.S3.Endpoint != "" {
		s3cfg := registry.S3Config{
			Endpoint:  cfg.S3.Endpoint,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			Bucket:    cfg.S3.Bucket,
			Prefix:    cfg.S3.Prefix,
			UseSSL:    cfg.S3.UseSSL,
		}
		if err := registry.SyncFromS3(ctx, s3cfg, cfg.DatasetsDir); err != nil {
			slog.Error("dataset sync from object storage failed", "error", err)
			os.Exit(1)
		}
	}

	reg, err := registry.Load(cfg.DatasetsDir)
	if err != nil {
		slog.Error("failed to load dataset registry", "dir", cfg.DatasetsDir, "error", err)
		os.Exit(1)
	}

	// Capsule and message stores: Postgres when a DSN is configured,
	// in-memory otherwise.
	var (
		capsules  store.CapsuleStore
		messages  store.MessageStore
		pool      *pgxpool.Pool
		closePool func()
	)
	if cfg.CapsuleStorePath != "" {
		pool, err = postgres.NewPool(ctx, cfg.CapsuleStorePath)
		if err != nil {
			slog.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		closePool = pool.Close

		if err := postgres.Migrate(ctx, pool); err != nil {
			slog.Error("failed to run migrations", "error", err)
			os.Exit(1)
		}
		capsules = postgres.NewCapsuleStore(pool)
		messages = postgres.NewMessageStore(pool)
		slog.Info("postgres stores initialized")
	} else {
		capsules = store.NewMemoryCapsuleStore()
		messages = store.NewMemoryMessageStore()
		slog.Warn("CAPSULE_STORE_PATH not set, capsules are held in memory only")
	}

	exec, err := executor.New(executor.Options{
		Provider: cfg.SandboxProvider,
		Local: executor.LocalConfig{
			Image:       cfg.RunnerImage,
			DatasetsDir: cfg.DatasetsDir,
		},
		Remote: executor.RemoteConfig{
			URL:         cfg.Remote.URL,
			Token:       cfg.Remote.Token,
			Namespace:   cfg.Remote.Namespace,
			Image:       cfg.RunnerImage,
			MemoryMB:    cfg.Remote.MemoryMB,
			CPUs:        cfg.Remote.CPUs,
			CLIFallback: cfg.Remote.CLIFallback,
		},
		Cluster: executor.ClusterConfig{
			Namespace:       cfg.Cluster.Namespace,
			ServiceAccount:  cfg.Cluster.ServiceAccount,
			Image:           cfg.RunnerImage,
			ImagePullPolicy: cfg.Cluster.ImagePullPolicy,
			CPULimit:        cfg.Cluster.CPULimit,
			MemoryLimit:     cfg.Cluster.MemoryLimit,
			DatasetsPVC:     cfg.Cluster.DatasetsPVC,
			JobTTLSeconds:   int32(cfg.Cluster.JobTTLSeconds),
			PollInterval:    time.Duration(cfg.Cluster.PollIntervalMS) * time.Millisecond,
		},
		MaxConcurrentRuns: int64(cfg.MaxConcurrentRuns),
	})
	if err != nil {
		slog.Error("failed to create sandbox executor", "error", err)
		os.Exit(1)
	}
	exec.OnInflightChange = metrics.ObserveInflight
	slog.Info("sandbox executor ready", "provider", exec.Name(), "max_concurrent", cfg.MaxConcurrentRuns)

	planner, err := llm.NewClient(cfg.LLMProvider, cfg.LLMModel)
	if err != nil {
		slog.Error("failed to create planner client", "error", err)
		os.Exit(1)
	}
	slog.Info("planner client ready", "provider", planner.ProviderName(), "model", planner.Model())

	ag := agent.New(agent.Deps{
		Planner:  planner,
		Executor: exec,
		Registry: reg,
		Capsules: capsules,
		Messages: messages,
		Config: agent.Config{
			RunTimeoutSeconds: cfg.RunTimeoutSeconds,
			MaxRows:           cfg.MaxRows,
			MaxOutputBytes:    cfg.MaxOutputBytes,
			EnablePython:      cfg.EnablePythonExecution,
			HistoryWindow:     cfg.ThreadHistoryWindow,
			MaxToolCalls:      cfg.AgentMaxToolCalls,
		},
	})

	// Capsule retention reaper (cron-scheduled, disabled at retention 0).
	// With a shared Postgres store, an advisory-lock elector ensures only
	// one replica sweeps.
	rp, err := reaper.New(capsules, reaper.Config{
		RetentionDays: cfg.CapsuleRetentionDays,
		Schedule:      cfg.CapsuleReaperSchedule,
	})
	if err != nil {
		slog.Error("invalid reaper schedule", "schedule", cfg.CapsuleReaperSchedule, "error", err)
		os.Exit(1)
	}
	stopReaper := rp.Stop
	if pool != nil {
		elector := leader.New(func(ctx context.Context) (bool, error) {
			var acquired bool
			err := pool.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", leader.AdvisoryLockID).Scan(&acquired)
			return acquired, err
		}, leader.RetryInterval, func(ctx context.Context) func() {
			rp.Start(ctx)
			return rp.Stop
		})
		elector.Start(ctx)
		stopReaper = elector.Stop
	} else {
		rp.Start(ctx)
	}

	router := api.NewRouter(api.Options{
		Agent:       ag,
		Executor:    exec,
		Registry:    reg,
		Capsules:    capsules,
		Messages:    messages,
		CORSOrigins: cfg.CORSOrigins,
		APIKey:      cfg.APIKey,
	})
	if cfg.APIKey != "" {
		slog.Info("API key authentication enabled")
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      api.MaxSSEDuration + time.Minute,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()
	slog.Info("starting siftd", "addr", cfg.ListenAddr, "datasets", len(reg.List()))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("received signal, shutting down", "signal", sig)
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}

	// Graceful shutdown: drain HTTP connections, then stop background
	// workers and close the pool.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}

	stopReaper()
	if closePool != nil {
		closePool()
		slog.Info("database pool closed")
	}

	slog.Info("siftd shutdown complete")
}
