package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/rpol-recart/sam3-inference/internal/api"
	"github.com/rpol-recart/sam3-inference/internal/auth"
	"github.com/rpol-recart/sam3-inference/internal/config"
	"github.com/rpol-recart/sam3-inference/internal/db"
	"github.com/rpol-recart/sam3-inference/internal/engine"
	"github.com/rpol-recart/sam3-inference/internal/events"
	"github.com/rpol-recart/sam3-inference/internal/propagate"
	"github.com/rpol-recart/sam3-inference/internal/repository"
	"github.com/rpol-recart/sam3-inference/internal/service"
	"github.com/rpol-recart/sam3-inference/internal/session"
)

func main() {
	godotenv.Load()

	cfg := config.New()

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).
		With().Timestamp().Logger()

	log.Info().Msg("starting sam3 inference service")

	if err := os.MkdirAll(cfg.UploadDir, 0o755); err != nil {
		log.Fatal().Err(err).Msg("failed to create upload directory")
	}

	// Session lifecycle audit, optional
	var sessionLog *repository.SessionLog
	if cfg.PersistenceEnabled {
		dbConn, err := db.ConnectPostgres(cfg, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer dbConn.Close()
		sessionLog = repository.NewSessionLog(dbConn)
		log.Info().Msg("database connected")
	}

	// Lifecycle events, optional
	var publisher *events.Publisher
	if cfg.RabbitMQEnabled {
		publisher, err = events.New(events.Config{
			URL:        cfg.RabbitMQURL,
			Exchange:   cfg.RabbitMQExchange,
			RoutingKey: cfg.RabbitMQRoutingKey,
		}, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to rabbitmq")
		}
		defer publisher.Close()
	}

	eng := engine.NewHTTPEngine(cfg.EngineURL, cfg.EngineFrameTimeout, cfg.EngineOpenTimeout, log)

	store := session.NewStore(session.Config{
		MaxSessions:       cfg.MaxSessions,
		IdleTimeout:       cfg.SessionIdleTimeout,
		DevicePool:        cfg.DevicePool,
		DevicesPerSession: cfg.DevicesPerSession,
	}, log)

	sessionService := service.New(cfg, store, eng, sessionLog, publisher, log)
	propagator := propagate.NewService(store, eng, sessionLog, publisher, log)

	var verifier *auth.Verifier
	if cfg.AuthEnabled {
		if cfg.JWTSecret == "" {
			log.Fatal().Msg("AUTH_ENABLED requires JWT_SECRET")
		}
		verifier = auth.NewVerifier(cfg.JWTSecret)
	}

	handler := api.NewHandler(sessionService, propagator, cfg, log)
	router := api.SetupRoutes(handler, verifier, log)
	server := api.NewHTTPServer(cfg, router)

	// Reaper runs until shutdown
	reapCtx, stopReaper := context.WithCancel(context.Background())
	reaper := service.NewReaper(sessionService, cfg.ReapInterval, log)
	go reaper.Start(reapCtx)

	go func() {
		log.Info().Str("addr", cfg.ServerAddress).Msg("server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	stopReaper()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sessionService.Shutdown(ctx)
	if err := server.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server exited gracefully")
}
