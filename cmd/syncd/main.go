package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/dukapos/dukasync/internal/auth"
	"github.com/dukapos/dukasync/internal/config"
	"github.com/dukapos/dukasync/internal/database"
	"github.com/dukapos/dukasync/internal/httpapi"
	"github.com/dukapos/dukasync/internal/logging"
	"github.com/dukapos/dukasync/internal/netgate"
	"github.com/dukapos/dukasync/internal/outbox"
	"github.com/dukapos/dukasync/internal/scheduler"
	"github.com/dukapos/dukasync/internal/store"
	syncengine "github.com/dukapos/dukasync/internal/sync"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := logging.NewConsole("info")
		boot.Fatal().Err(err).Msg("failed to load configuration")
	}

	log := logging.NewConsole(cfg.LogLevel)
	if cfg.Env == "production" {
		log = logging.New(os.Stderr, cfg.LogLevel)
	}
	log.Info().
		Str("device_id", cfg.DeviceID).
		Str("server_url", cfg.ServerURL).
		Msg("starting dukasync")

	db, err := database.Open(cfg.DataDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	queue, err := outbox.New(db, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open outbox queue")
	}
	entityStore := store.New(db, queue, log)

	probe := netgate.NewProbe(cfg.Probe.HealthURL,
		time.Duration(cfg.Probe.IntervalMs)*time.Millisecond,
		time.Duration(cfg.Probe.TimeoutMs)*time.Millisecond, log)
	probe.Start()
	defer probe.Stop()

	client := syncengine.NewClient(
		cfg.ServerURL,
		time.Duration(cfg.Sync.TimeoutMs)*time.Millisecond,
		auth.StaticToken(cfg.AuthToken),
	)
	conflicts := syncengine.NewConflicts(db, queue, entityStore, log)

	engine, err := syncengine.New(db, queue, client, entityStore, conflicts, probe,
		cfg.Sync, cfg.DeviceID, cfg.AppVersion, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build sync engine")
	}

	sched := scheduler.New(engine, probe,
		time.Duration(cfg.Sync.SyncIntervalMs)*time.Millisecond, log)
	sched.Start()
	defer sched.Stop()

	router := mux.NewRouter()
	httpapi.New(engine, queue, conflicts, probe, log).RegisterRoutes(router)

	server := &http.Server{
		Addr:    cfg.APIListen,
		Handler: router,
	}

	go func() {
		log.Info().Str("addr", cfg.APIListen).Msg("local API listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("API server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("API shutdown failed")
	}
}
