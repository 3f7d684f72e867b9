package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/endureomatic/relay/internal/config"
	"github.com/endureomatic/relay/internal/httpapi"
	"github.com/endureomatic/relay/internal/natsbridge"
	"github.com/endureomatic/relay/internal/registry"
	"github.com/endureomatic/relay/internal/relay"
	"github.com/endureomatic/relay/internal/storage"
	"github.com/endureomatic/relay/internal/tokens"
)

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("could not load .env file")
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load(os.Getenv("RELAY_CONFIG"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatal().Err(err).Str("dir", cfg.DataDir).Msg("failed to create data directory")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := openStore(ctx, cfg)
	defer store.Close()

	tokenStore := tokens.Open(filepath.Join(cfg.DataDir, "tokens.json"), log.Logger)
	reg := registry.New(store, log.Logger)
	hub := relay.NewHub(reg, relay.DefaultConfig(), log.Logger)

	if cfg.NATS.Enabled {
		bridgeCfg := natsbridge.DefaultConfig()
		bridgeCfg.URL = cfg.NATS.URL
		bridge, err := natsbridge.New(hub, bridgeCfg, log.Logger)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to nats")
		}
		if err := bridge.Start(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to start nats bridge")
		}
	}

	monitor := relay.NewLivenessMonitor(hub, clockwork.NewRealClock(), cfg.LivenessInterval, log.Logger)
	go monitor.Run(ctx)

	mux := http.NewServeMux()
	api := httpapi.New(hub, reg, tokenStore, cfg.Events, log.Logger)
	api.Register(mux)
	mux.Handle("/ws", relay.NewHandler(hub, tokenStore, log.Logger))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	handler := cors.New(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type"},
	}).Handler(mux)

	server := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     handler,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		log.Info().
			Str("addr", cfg.ListenAddr).
			Str("backend", cfg.StorageBackend).
			Int("events", len(cfg.Events)).
			Msg("relay listening")
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

	log.Info().Msg("relay shutdown complete")
}

func openStore(ctx context.Context, cfg config.Config) storage.UpdateStore {
	switch cfg.StorageBackend {
	case config.BackendPostgres:
		store, err := storage.OpenPostgres(ctx, cfg.PostgresDSN, log.Logger)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open postgres store")
		}
		return store
	default:
		store, err := storage.OpenBadger(filepath.Join(cfg.DataDir, "updates"), log.Logger)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open badger store")
		}
		return store
	}
}
