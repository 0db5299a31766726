package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/telroute/acd/internal/agentstate"
	"github.com/telroute/acd/internal/api"
	"github.com/telroute/acd/internal/config"
	"github.com/telroute/acd/internal/dispatch"
	"github.com/telroute/acd/internal/eventlog"
	"github.com/telroute/acd/internal/metrics"
	"github.com/telroute/acd/internal/overflow"
	"github.com/telroute/acd/internal/queue"
	"github.com/telroute/acd/internal/registry"
	"github.com/telroute/acd/internal/store"
	"github.com/telroute/acd/internal/switchctl"
	"github.com/telroute/acd/internal/ws"
	"github.com/telroute/acd/pkg/middleware"
)

func main() {
	// Configure logger
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	// Set log level
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Warn().Str("level", cfg.LogLevel).Msg("invalid log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Info().
		Str("port", cfg.Port).
		Str("redis_url", cfg.RedisURL).
		Str("switch_addr", cfg.SwitchAddr).
		Str("log_level", cfg.LogLevel).
		Msg("starting coordination engine")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect the state store
	kv, err := store.NewRedisKV(cfg.RedisURL, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create redis client")
	}
	if err := kv.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to reach redis")
	}

	// Durable event store
	events, err := eventlog.NewStore(ctx, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create event store")
	}

	// State components
	queues := queue.NewAvailability(kv, log.Logger)
	calls := registry.NewActiveCalls(kv, log.Logger)
	ovf := overflow.NewQueue(kv, log.Logger)
	agents := agentstate.NewManager(kv, queues, log.Logger)

	// Switch control
	switchcl := switchctl.NewClient(cfg.SwitchAddr, cfg.SwitchPassword, log.Logger)
	defer switchcl.Close()

	// Monitoring hub
	hub := ws.NewHub(log.Logger)
	go hub.Run()
	monitor := ws.NewMonitor(hub, log.Logger)
	wsHandler := ws.NewHandler(hub, cfg, log.Logger)

	// Routing core
	dialer := dispatch.NewDialer(agents, queues, log.Logger)
	go dialer.Run(ctx)

	dispatcher := dispatch.NewDispatcher(agents, queues, calls, ovf, switchcl, events, dialer, log.Logger).
		WithNotifier(monitor)

	pipeline := eventlog.NewPipeline(events, dispatcher.HandleEvent, eventlog.PipelineConfig{
		MaxAttempts:  cfg.RetryMaxAttempts,
		BackoffBase:  cfg.RetryBackoffBase,
		BackoffMax:   cfg.RetryBackoffMax,
		PollInterval: cfg.RetryPollInterval,
		BatchSize:    50,
	}, log.Logger).WithObserver(metrics.PipelineObserver{})
	go pipeline.Run(ctx)

	reaper := dispatch.NewReaper(agents, calls, queues, ovf, cfg.ReaperInterval, log.Logger)
	go reaper.Run(ctx)

	// HTTP surface
	handler := api.NewHandler(agents, queues, calls, ovf, dispatcher, pipeline, log.Logger)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logger(log.Logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	r.Get("/health", handler.HandleHealth)
	r.Get("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}).ServeHTTP)
	r.Get("/ws", wsHandler.ServeHTTP)

	r.Route("/api", func(r chi.Router) {
		r.Get("/calls/{team}", handler.HandleCalls)
		r.Get("/agents", handler.HandleAgents)
		r.Get("/queues", handler.HandleQueues)
	})

	r.Route("/internal", func(r chi.Router) {
		r.Post("/agents", handler.HandleProvisionAgent)
		r.Delete("/agents/{id}", handler.HandleDeactivateAgent)
		r.Post("/dial", handler.HandleDial)
		r.Post("/event", handler.HandleEvent)
		r.Post("/overflow/drain", handler.HandleOverflowDrain)
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Info().Msgf("server listening on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	// Wait for interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server...")

	// Stop background workers
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}
