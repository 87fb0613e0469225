// Command agentbus runs Agent Bus's orchestration core: the HTTP API, the
// worker pools, and (via "migrate") the store's schema migrations —
// cobra-based since this entrypoint now has more than one verb, unlike the
// teacher's single flag-parsed cmd/tarsy/main.go.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/agent-bus/agentbus/internal/agent"
	"github.com/agent-bus/agentbus/internal/api"
	"github.com/agent-bus/agentbus/internal/config"
	"github.com/agent-bus/agentbus/internal/events"
	"github.com/agent-bus/agentbus/internal/metrics"
	"github.com/agent-bus/agentbus/internal/orchestrator"
	"github.com/agent-bus/agentbus/internal/queue"
	"github.com/agent-bus/agentbus/internal/store"
	"github.com/agent-bus/agentbus/internal/tracing"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath, envPath string

	root := &cobra.Command{
		Use:   "agentbus",
		Short: "Agent Bus orchestrates a multi-agent software delivery pipeline",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "./config.yaml", "path to the YAML config file")
	root.PersistentFlags().StringVar(&envPath, "env", ".env", "path to a .env file to load before startup")

	root.AddCommand(newServeCmd(&configPath, &envPath))
	root.AddCommand(newMigrateCmd(&configPath, &envPath))
	return root
}

func loadEnvAndConfig(configPath, envPath string) (*config.Config, *slog.Logger) {
	log := slog.New(slog.NewTextHandler(os.Stdout, nil))

	if err := godotenv.Load(envPath); err != nil {
		log.Warn("could not load .env file, continuing with existing environment", "path", envPath, "error", err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Error("failed to load configuration", "path", configPath, "error", err)
		os.Exit(1)
	}
	return cfg, log
}

func newMigrateCmd(configPath, envPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "apply pending database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log := loadEnvAndConfig(*configPath, *envPath)
			ctx := cmd.Context()

			st, err := store.Open(ctx, store.Config{
				DSN: cfg.Database.DSN, MaxOpenConns: int32(cfg.Database.MaxOpenConns),
				MaxIdleConns: int32(cfg.Database.MaxIdleConns), ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
			})
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			log.Info("migrations applied")
			return nil
		},
	}
}

func newServeCmd(configPath, envPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the HTTP API and worker pools",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(*configPath, *envPath)
		},
	}
}

func runServe(configPath, envPath string) error {
	cfg, log := loadEnvAndConfig(configPath, envPath)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing := tracing.Init(ctx, log, tracing.Config{ServiceName: cfg.Tracing.ServiceName})
	defer func() { _ = shutdownTracing(context.Background()) }()

	st, err := store.Open(ctx, store.Config{
		DSN: cfg.Database.DSN, MaxOpenConns: int32(cfg.Database.MaxOpenConns),
		MaxIdleConns: int32(cfg.Database.MaxIdleConns), ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer redisClient.Close()
	backend := queue.NewRedisBackend(redisClient, msToDuration(cfg.Queue.VisibilityTimeoutMS))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		queue.RunReclaimLoop(gctx, backend, []queue.Class{queue.ClassCPU, queue.ClassGPU}, msToDuration(cfg.Queue.VisibilityTimeoutMS)/2)
		return nil
	})

	bus := events.NewBus(events.Config{
		PerJobBuffer: cfg.Events.RingBuffer.PerJob, GlobalBuffer: cfg.Events.RingBuffer.Global,
		SubscriberBuffer: cfg.Events.RingBuffer.SubscriberBuffer,
	})
	bus.SetPersister(func(e events.Event) {
		if _, err := st.RecordEvent(ctx, nil, e.JobID, e.Stage, e.AgentKind, string(e.Type), e.Data); err != nil {
			log.Warn("failed to persist event for audit", "type", e.Type, "error", err)
		}
	})

	registry := agent.BuildDefaultRegistry()
	orc := orchestrator.New(st, backend, bus, registry, cfg.Orchestrator.StageRetry.MaxAttempts)

	metricsReg := metrics.New()
	g.Go(func() error {
		metricsReg.RunDepthSampler(gctx, backend, []queue.Class{queue.ClassCPU, queue.ClassGPU}, msToDuration(15000))
		return nil
	})

	llmClient := agent.NewHTTPLLMClient(cfg.LLM.BaseURL, os.Getenv(cfg.LLM.APIKeyEnv), cfg.LLM.Model)

	workers := startWorkers(gctx, g, cfg, backend, st, registry, bus, orc, llmClient)
	defer func() {
		stopWorkers(workers)
		_ = g.Wait()
	}()

	var authSecret []byte
	if secret := os.Getenv(cfg.HTTP.AuthSecretEnv); secret != "" {
		authSecret = []byte(secret)
	} else {
		log.Warn("no auth secret configured, API bearer auth is disabled", "env_var", cfg.HTTP.AuthSecretEnv)
	}

	server := api.NewServer(api.Config{
		BindAddr: cfg.HTTP.BindAddr, HeartbeatMS: cfg.HTTP.HeartbeatMS, AuthSecret: authSecret,
	}, st, orc, bus, metricsReg, backend, log)

	log.Info("agentbus serving", "bind_addr", cfg.HTTP.BindAddr)
	return server.Start(ctx)
}

func startWorkers(ctx context.Context, g *errgroup.Group, cfg *config.Config, backend queue.Backend, st *store.Store, registry *agent.Registry, bus *events.Bus, orc *orchestrator.Orchestrator, llm agent.LLMClient) []*queue.Worker {
	workerCfg := queue.Config{
		TaskTimeout: msToDuration(cfg.Worker.TaskTimeoutMS),
		Retry: queue.RetryPolicy{
			MaxAttempts: cfg.Worker.LLMRetry.MaxAttempts,
			InitialDelay: msToDuration(cfg.Worker.LLMRetry.InitialDelayMS),
			MaxDelay:     msToDuration(cfg.Worker.LLMRetry.MaxDelayMS),
		},
	}
	cache := agent.NewArtifactCache(func(ctx context.Context, jobID, artifactType string) (string, bool, error) {
		a, err := st.GetLatestArtifact(ctx, jobID, artifactType)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return "", false, nil
			}
			return "", false, err
		}
		return a.Content, true, nil
	}, 256)

	var workers []*queue.Worker
	classes := map[queue.Class]int{
		queue.ClassCPU: cfg.Workers["cpu"].Count,
		queue.ClassGPU: cfg.Workers["gpu"].Count,
	}
	for class, count := range classes {
		for i := 0; i < count; i++ {
			w := queue.NewWorker(fmt.Sprintf("%s-%d", class, i), class, backend, st, registry, bus, orc, workerCfg, cache, llm, nil, nil)
			workers = append(workers, w)
			g.Go(func() error {
				w.Run(ctx)
				return nil
			})
		}
	}
	return workers
}

func stopWorkers(workers []*queue.Worker) {
	for _, w := range workers {
		w.Stop()
	}
}

func msToDuration(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }
