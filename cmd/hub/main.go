// Binary hub runs the durable signal queue: webhook ingestion, pull/ack
// for the agent, health stats, and a websocket event tail.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"tv-mt5-auto/internal/config"
	"tv-mt5-auto/internal/hub"
	"tv-mt5-auto/internal/util"
)

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", "config.yaml", "path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		lg := util.NewLogger("info")
		lg.Fatal().Err(err).Msg("load config")
	}
	log := util.NewLogger(cfg.App.LogLevel)

	agentKey := os.Getenv("AGENT_KEY")
	if agentKey == "" {
		log.Fatal().Msg("AGENT_KEY env is required")
	}
	authToken := os.Getenv("AUTH_TOKEN") // optional webhook auth

	store, err := hub.Open(cfg.Hub.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("open queue store")
	}
	defer store.Close()

	srv := &http.Server{
		Addr:    cfg.Hub.ListenAddr,
		Handler: hub.NewServer(store, authToken, agentKey, log).Handler(),
	}

	ctx, cancel := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", cfg.Hub.ListenAddr).Str("db", cfg.Hub.DBPath).Msg("hub listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("hub server failed")
	}
	log.Info().Msg("shutting down")
}
