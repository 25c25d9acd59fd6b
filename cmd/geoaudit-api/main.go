package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"geoaudit/internal/agents"
	"geoaudit/internal/config"
	"geoaudit/internal/crawler"
	"geoaudit/internal/fetcher"
	server "geoaudit/internal/http"
	"geoaudit/internal/jobs"
	"geoaudit/internal/llm"
	"geoaudit/internal/migrate"
	"geoaudit/internal/pagespeed"
	"geoaudit/internal/pipeline"
	"geoaudit/internal/search"
	"geoaudit/internal/store"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	role := flag.String("role", "all", "process role: api|worker|all")
	flag.Parse()

	cfg := config.Load(*configPath)
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{}))

	// Run migrations on a short-lived connection.
	if err := migrate.Run(cfg.Database.DSN); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	st, err := store.Open(cfg.Database.DSN)
	if err != nil {
		log.Fatalf("open db failed: %v", err)
	}

	// Redis backs the performance cache and the deep health check; it is
	// optional everywhere it is used.
	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.Fatalf("invalid redis url: %v", err)
		}
		rdb = redis.NewClient(opt)
	}

	ft := fetcher.New(cfg.Fetcher)
	var rendered *fetcher.RenderedFetcher
	if cfg.Rod.Enabled {
		rendered = fetcher.NewRenderedFetcher(cfg.Rod.BrowserURL,
			time.Duration(cfg.Fetcher.TimeoutSeconds)*time.Second)
	}

	var chat llm.ChatCompleter
	if cfg.LLM.Primary.BaseURL != "" || cfg.LLM.Fallback.BaseURL != "" {
		chat = llm.New(cfg.LLM, logger)
	} else {
		logger.Warn("no llm backend configured, reports use the deterministic fallback")
	}

	orch := pipeline.New(pipeline.Deps{
		Config:      cfg,
		Store:       st,
		Fetcher:     ft,
		Rendered:    rendered,
		Crawler:     crawler.New(ft, logger),
		Perf:        pagespeed.New(cfg.Pagespeed, rdb, logger),
		Search:      search.New(cfg.Search, logger),
		Classifier:  agents.NewClassifier(chat, logger),
		Synthesizer: agents.NewSynthesizer(chat, logger),
		Logger:      logger,
	})

	manager := jobs.NewManager(cfg.Worker, cfg.Events, orch, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *role == "worker" || *role == "all" {
		jobs.StartRetentionLoop(ctx, cfg.Retention, st, logger)
	}

	switch *role {
	case "worker":
		logger.Info("worker started", "pool_size", cfg.Worker.PoolSize)
		<-ctx.Done()
	case "api", "all":
		srv := server.NewServer(cfg, st, manager, orch, rdb, logger)
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("server shutdown", "err", err)
			}
		}()
		logger.Info("listening", "host", cfg.Server.Host, "port", cfg.Server.Port, "role", *role)
		if err := srv.Listen(); err != nil {
			log.Fatalf("server failed: %v", err)
		}
	default:
		log.Fatalf("invalid role: %s (expected api|worker|all)", *role)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Warn("worker shutdown incomplete", "err", err)
	}
}
