package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	oracleclient "github.com/playgrid/spotdiff/clients/oracle_client"
	"github.com/playgrid/spotdiff/internal/config"
	"github.com/playgrid/spotdiff/internal/events"
	"github.com/playgrid/spotdiff/internal/game"
	"github.com/playgrid/spotdiff/internal/gateway"
	"github.com/playgrid/spotdiff/internal/history"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load(getEnv("CONFIG_FILE", "config.yaml"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	log.Info().
		Str("port", cfg.Port).
		Str("oracle_url", cfg.Oracle.BaseURL).
		Bool("nats_enabled", cfg.NATS.Enabled).
		Msg("starting game gateway")

	// History store. The database is best-effort infrastructure: if it is
	// unreachable the gateway still runs, it just stops persisting records.
	var (
		recorder game.HistoryRecorder
		lister   gateway.HistoryLister
	)
	db, err := sql.Open("postgres", cfg.DB.DSN())
	if err == nil {
		err = db.Ping()
	}
	if err != nil {
		log.Warn().Err(err).Msg("history database unavailable, records will not be persisted")
	} else {
		defer db.Close()
		repo := history.NewRepository(db)
		if err := repo.EnsureSchema(context.Background()); err != nil {
			log.Fatal().Err(err).Msg("failed to ensure history schema")
		}
		recorder = repo
		lister = repo
	}

	// Terminal-event publisher, optional.
	var publisher game.TerminalPublisher
	if cfg.NATS.Enabled {
		jsCfg := events.DefaultJetStreamConfig()
		jsCfg.URL = cfg.NATS.URL
		jsCfg.StreamName = cfg.NATS.StreamName
		jsCfg.SubjectPrefix = cfg.NATS.SubjectPrefix
		p, err := events.NewPublisher(jsCfg)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create event publisher")
		}
		defer p.Close()
		publisher = p
	}

	oracle := oracleclient.NewClient(cfg.Oracle.BaseURL, cfg.Oracle.APIKey)

	gwCfg := gateway.DefaultConfig()
	gwCfg.TickInterval = cfg.Game.TickInterval
	gwCfg.Game = game.Config{
		DefaultTimeLimitSec: cfg.Game.DefaultTimeLimitSec,
		AbandonEndsGame:     cfg.Game.AbandonEndsGame,
	}

	service := gateway.NewService(gwCfg, oracle, recorder, lister, publisher)

	mux := http.NewServeMux()
	service.RegisterRoutes(mux)

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	mux.HandleFunc("/info", func(w http.ResponseWriter, r *http.Request) {
		stats := service.Stats()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"service":"game-gateway","connections":%d,"sessions":%d}`,
			stats["total_connections"], stats["live_sessions"])
	})

	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
			http.MethodDelete,
		},
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{"*"},
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      h2c.NewHandler(c.Handler(mux), &http2.Server{}),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := service.Start(ctx); err != nil {
			log.Error().Err(err).Msg("gateway service failed")
		}
	}()

	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan

	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	cancel()

	log.Info().Msg("game gateway shutdown complete")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
