// Package config exposes strongly typed application configuration structs loaded from YAML.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// App captures process-wide runtime settings shared by both binaries.
type App struct {
	Name        string `yaml:"name"`
	Env         string `yaml:"env"`
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
}

// Hub configures the queue server binary. Auth tokens come from the
// environment, never from this file.
type Hub struct {
	ListenAddr string `yaml:"listen_addr"`
	DBPath     string `yaml:"db_path"`
}

// Relay configures how the agent polls the hub.
type Relay struct {
	HubURL         string `yaml:"hub_url"`
	MaxBatch       int    `yaml:"max_batch"`
	PollIntervalMs int    `yaml:"poll_interval_ms"`
}

// Trading bundles the reconciliation and execution policy knobs.
type Trading struct {
	DefaultSymbol        string              `yaml:"default_symbol"`
	Aliases              map[string][]string `yaml:"aliases"`
	ExcludeSuffixes      []string            `yaml:"exclude_suffixes"`
	EntryLot             float64             `yaml:"entry_lot"`
	MarginCheck          bool                `yaml:"margin_check"`
	SplitEntries         bool                `yaml:"split_entries"`
	SplitDelayMs         int                 `yaml:"split_delay_ms"`
	DistrustContracts    bool                `yaml:"distrust_contracts"`
	PartialCloseFraction float64             `yaml:"partial_close_fraction"`
}

// SimSymbol seeds one instrument into the simulated terminal.
type SimSymbol struct {
	Name         string  `yaml:"name"`
	Step         float64 `yaml:"step"`
	MinLot       float64 `yaml:"min_lot"`
	MaxLot       float64 `yaml:"max_lot"`
	Digits       int     `yaml:"digits"`
	MarginPerLot float64 `yaml:"margin_per_lot"`
}

// Sim configures the paper terminal the agent runs against when no real
// terminal bridge is wired.
type Sim struct {
	FreeMargin float64     `yaml:"free_margin"`
	Symbols    []SimSymbol `yaml:"symbols"`
}

// Notify configures outbound operator notifications. The bot token comes
// from the environment.
type Notify struct {
	TelegramChatID string `yaml:"telegram_chat_id"`
}

// Config collects every configuration leaf for easy marshaling from YAML.
type Config struct {
	App     App     `yaml:"app"`
	Hub     Hub     `yaml:"hub"`
	Relay   Relay   `yaml:"relay"`
	Trading Trading `yaml:"trading"`
	Sim     Sim     `yaml:"sim"`
	Notify  Notify  `yaml:"notify"`
}

// Load reads a YAML file from disk and hydrates a Config struct.
func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	var config Config
	if err := yaml.NewDecoder(file).Decode(&config); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	config.applyDefaults()
	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}
	if c.Relay.MaxBatch <= 0 {
		c.Relay.MaxBatch = 10
	}
	if c.Relay.PollIntervalMs <= 0 {
		c.Relay.PollIntervalMs = 2000
	}
	if c.Hub.ListenAddr == "" {
		c.Hub.ListenAddr = ":8080"
	}
	if c.Hub.DBPath == "" {
		c.Hub.DBPath = "signals.db"
	}
}
