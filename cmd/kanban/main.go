package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/51f0x/personal-kanban/config"
	"github.com/51f0x/personal-kanban/internal/assistant/core"
	"github.com/51f0x/personal-kanban/internal/assistant/telemetry"
	"github.com/51f0x/personal-kanban/internal/enrich"
	"github.com/51f0x/personal-kanban/internal/queue/streams"
	"github.com/51f0x/personal-kanban/internal/research"
	"github.com/51f0x/personal-kanban/internal/server"
	"github.com/51f0x/personal-kanban/internal/store"
	"github.com/51f0x/personal-kanban/internal/worker"
	"github.com/51f0x/personal-kanban/tools/webfetch"
)

func main() {
	var configPath string

	root := &cobra.Command{Use: "kanban"}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}

	workerCmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the planning worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(configPath)
		},
	}

	var migDir, direction string
	var steps int
	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			return store.Migrate(migDir, cfg.Storage.Postgres.DSN(), direction, steps)
		},
	}
	migrate.Flags().StringVar(&migDir, "dir", "file://migrations", "migrations source")
	migrate.Flags().StringVar(&direction, "direction", "up", "up or down")
	migrate.Flags().IntVar(&steps, "steps", 0, "number of steps (0 = all)")

	root.AddCommand(serve, workerCmd, migrate)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	logger := log.New(os.Stdout, "[KANBAN] ", log.LstdFlags)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.New(ctx, cfg.Storage.Postgres)
	if err != nil {
		return err
	}
	defer st.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Storage.Redis.Addr(),
		Password: cfg.Storage.Redis.Password,
		DB:       cfg.Storage.Redis.DB,
	})
	defer rdb.Close()

	tele := telemetry.NewTelemetry(cfg.Telemetry)
	defer tele.Shutdown()

	orch, err := buildOrchestrator(cfg, logger, tele, st)
	if err != nil {
		return err
	}

	pub := streams.NewPublisher(rdb)
	srv := server.New(cfg, nil, st, orch, pub, tele)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case <-ctx.Done():
		logger.Println("shutting down")
		return srv.Shutdown(context.Background())
	case err := <-errCh:
		return err
	}
}

func runWorker(configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	logger := log.New(os.Stdout, "[KANBAN] ", log.LstdFlags)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.New(ctx, cfg.Storage.Postgres)
	if err != nil {
		return err
	}
	defer st.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Storage.Redis.Addr(),
		Password: cfg.Storage.Redis.Password,
		DB:       cfg.Storage.Redis.DB,
	})
	defer rdb.Close()

	if err := worker.EnsureGroups(ctx, cfg.Worker, rdb); err != nil {
		return err
	}

	tele := telemetry.NewTelemetry(cfg.Telemetry)
	defer tele.Shutdown()

	orch, err := buildOrchestrator(cfg, logger, tele, st)
	if err != nil {
		return err
	}

	fetcher := webfetch.NewPageFetcher(cfg.Fetch)
	enricher := enrich.NewPipeline(cfg, orch.LLM(), fetcher, nil)

	cons := streams.NewConsumer(rdb, cfg.Worker.ConsumerGroup, cfg.Worker.ConsumerName)
	pub := streams.NewPublisher(rdb)

	if cfg.Worker.SchedulerEnabled {
		sched := worker.NewScheduler(cfg, nil, st, rdb, pub)
		sched.Start()
		defer sched.Stop()
	}

	proc := worker.NewProcessor(cfg, nil, st, orch, enricher, cons, pub)
	if err := proc.Run(ctx); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func buildOrchestrator(cfg *config.Config, logger *log.Logger, tele *telemetry.Telemetry, st *store.Store) (*core.Orchestrator, error) {
	indexer := research.NewSourceIndex()
	fetcher := webfetch.NewPageFetcher(cfg.Fetch)
	search := core.NewSearchClients(cfg.Search)
	return core.NewOrchestrator(cfg, logger, tele, st, indexer, search, fetcher)
}
