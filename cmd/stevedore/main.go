package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/harborhq/stevedore/internal/advisor"
	"github.com/harborhq/stevedore/internal/app/migrate"
	"github.com/harborhq/stevedore/internal/artifact"
	"github.com/harborhq/stevedore/internal/broadcast"
	dockerexec "github.com/harborhq/stevedore/internal/executor/docker"
	httpx "github.com/harborhq/stevedore/internal/http"
	"github.com/harborhq/stevedore/internal/orchestrator"
	"github.com/harborhq/stevedore/internal/repository/postgres"
	"github.com/harborhq/stevedore/internal/workspace"
	"github.com/harborhq/stevedore/pkg/config"
	"github.com/harborhq/stevedore/pkg/logger"
)

// newAdvisor selects the remediation advisor backend from configuration.
func newAdvisor(ctx context.Context, cfg config.ServerConfig, log *slog.Logger) (advisor.Advisor, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.AdvisorProvider)) {
	case "", "gemini":
		return advisor.NewGeminiAdvisor(ctx, cfg.AdvisorAPIKey, cfg.AdvisorModel, log)
	default:
		return nil, fmt.Errorf("unsupported advisor provider %q", cfg.AdvisorProvider)
	}
}

func main() {
	_ = godotenv.Load()
	cfg := config.LoadServerConfig()
	log := logger.New("stevedore", slog.LevelInfo)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if cfg.MigrateOnBoot {
		if err := runner.Ensure(ctx); err != nil {
			log.Error("migrations failed", "error", err)
			os.Exit(1)
		}
	}

	repo := postgres.New(pool)
	store := artifact.NewStore(repo, log)

	dockerClient, err := dockerexec.NewClient(cfg.DockerHost)
	if err != nil {
		log.Error("failed to create docker client", "error", err)
		os.Exit(1)
	}
	defer dockerClient.Close()

	workspaces, err := workspace.New(cfg.Workdir)
	if err != nil {
		log.Error("failed to prepare workspace root", "error", err)
		os.Exit(1)
	}
	exec := dockerexec.NewExecutor(dockerClient, workspaces, log, cfg.Registry)

	adv, err := newAdvisor(ctx, cfg, log)
	if err != nil {
		log.Error("failed to configure remediation advisor", "error", err)
		os.Exit(1)
	}

	hub := broadcast.NewHub(log, cfg.BacklogSize, cfg.HeartbeatInterval)
	defer hub.Stop()

	orch := orchestrator.New(repo, repo, store, exec, adv, hub, log, cfg)
	defer orch.Close()

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable, using in-memory limiter", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, orch, repo, repo, store, hub, limiter, cfg,
		pool.Ping, exec.Ping)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("deployment server starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("deployment server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
