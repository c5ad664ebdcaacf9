// Binary agent polls the signal hub and reconciles each signal against the
// trading terminal. Without a real terminal bridge it runs against the
// simulated terminal seeded from config.
package main

import (
	"context"
	"flag"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"tv-mt5-auto/internal/broker"
	"tv-mt5-auto/internal/config"
	"tv-mt5-auto/internal/execution"
	"tv-mt5-auto/internal/metrics"
	"tv-mt5-auto/internal/notify"
	"tv-mt5-auto/internal/reconcile"
	"tv-mt5-auto/internal/relay"
	"tv-mt5-auto/internal/resolve"
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
	if cfg.Relay.HubURL == "" {
		log.Fatal().Msg("relay.hub_url is required")
	}

	if cfg.App.MetricsAddr != "" {
		_ = metrics.Serve(cfg.App.MetricsAddr)
		log.Info().Str("addr", cfg.App.MetricsAddr).Msg("metrics up")
	}

	ctx, cancel := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	term := buildSim(cfg)
	log.Info().Int("symbols", len(cfg.Sim.Symbols)).Msg("simulated terminal ready")

	var notifier notify.Notifier = notify.Nop{}
	if token := os.Getenv("TELEGRAM_BOT_TOKEN"); token != "" && cfg.Notify.TelegramChatID != "" {
		notifier = notify.NewTelegram(token, cfg.Notify.TelegramChatID)
	}

	table := resolve.Table{
		Aliases:         cfg.Trading.Aliases,
		ExcludeSuffixes: cfg.Trading.ExcludeSuffixes,
		DefaultSymbol:   cfg.Trading.DefaultSymbol,
	}
	resolver := resolve.New(term, term, table, log)
	exec := execution.New(term, notifier, execution.Config{
		MarginCheck:  cfg.Trading.MarginCheck,
		SplitEntries: cfg.Trading.SplitEntries,
		SplitDelay:   time.Duration(cfg.Trading.SplitDelayMs) * time.Millisecond,
	}, log)
	policy := reconcile.Policy{
		EntryLot:             cfg.Trading.EntryLot,
		DistrustContracts:    cfg.Trading.DistrustContracts,
		PartialCloseFraction: cfg.Trading.PartialCloseFraction,
	}
	agent := relay.NewAgent(resolver, term, exec, policy, log)

	client := relay.NewClient(cfg.Relay.HubURL, agentKey, log)
	loop := relay.NewLoop(client, agent,
		time.Duration(cfg.Relay.PollIntervalMs)*time.Millisecond, cfg.Relay.MaxBatch, log)

	if err := notifier.Send("agent started"); err != nil {
		log.Debug().Err(err).Msg("startup notice failed")
	}
	log.Info().Str("hub", cfg.Relay.HubURL).Msg("agent started")
	if err := loop.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatal().Err(err).Msg("intake loop stopped")
	}
	log.Info().Msg("shutting down")
}

func buildSim(cfg *config.Config) *broker.Sim {
	sim := broker.NewSim()
	for _, s := range cfg.Sim.Symbols {
		sim.AddSymbol(broker.SymbolInfo{
			Name:     s.Name,
			Step:     s.Step,
			MinLot:   s.MinLot,
			MaxLot:   s.MaxLot,
			Digits:   s.Digits,
			Tradable: true,
		})
		if s.MarginPerLot > 0 {
			sim.SetMarginPerLot(s.Name, s.MarginPerLot)
		}
	}
	if cfg.Sim.FreeMargin > 0 {
		sim.SetFreeMargin(cfg.Sim.FreeMargin)
	}
	return sim
}
