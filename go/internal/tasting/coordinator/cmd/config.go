package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mcdev12/blindtasting/go/internal/tasting/coordinator"
	"github.com/mcdev12/blindtasting/go/internal/tasting/relay"
)

// Config is the device daemon's tasting.yaml. Every field can be
// overridden from the environment.
type Config struct {
	LogLevel string `yaml:"log_level"`

	Device struct {
		StatePath string `yaml:"state_path"`
	} `yaml:"device"`

	Game struct {
		MinPlayers     int           `yaml:"min_players"`
		JoinPolicy     string        `yaml:"join_policy"`
		RoundTimeLimit time.Duration `yaml:"round_time_limit"`
		JoinTimeout    time.Duration `yaml:"join_timeout"`
		TickInterval   time.Duration `yaml:"tick_interval"`
	} `yaml:"game"`

	Relay relay.Config `yaml:"relay"`
}

func defaultConfig() *Config {
	var c Config
	c.LogLevel = "info"
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	c.Device.StatePath = filepath.Join(home, ".tasting", "device.db")

	d := coordinator.DefaultConfig()
	c.Game.MinPlayers = d.MinPlayers
	c.Game.JoinPolicy = string(d.JoinPolicy)
	c.Game.RoundTimeLimit = d.DefaultRoundTimeLimit
	c.Game.JoinTimeout = d.JoinTimeout
	c.Game.TickInterval = d.TickInterval

	c.Relay = relay.Config{Kind: relay.KindNATS, URL: "nats://localhost:4222", Subject: relay.DefaultSubject}
	return &c
}

// loadConfig reads path over the defaults. A missing file is not an error.
func loadConfig(path string) (*Config, error) {
	config := defaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	config.applyEnv()
	return config, nil
}

func (c *Config) applyEnv() {
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.Device.StatePath = getEnv("TASTING_STATE_PATH", c.Device.StatePath)
	c.Game.MinPlayers = getEnvAsInt("TASTING_MIN_PLAYERS", c.Game.MinPlayers)
	c.Game.JoinPolicy = getEnv("TASTING_JOIN_POLICY", c.Game.JoinPolicy)
	c.Relay.Kind = getEnv("RELAY_KIND", c.Relay.Kind)
	c.Relay.URL = getEnv("RELAY_URL", c.Relay.URL)
	c.Relay.Subject = getEnv("RELAY_SUBJECT", c.Relay.Subject)
}

// coordinatorConfig converts the game section, rejecting an unknown join policy.
func (c *Config) coordinatorConfig() (coordinator.Config, error) {
	policy, err := coordinator.ParseJoinPolicy(c.Game.JoinPolicy)
	if err != nil {
		return coordinator.Config{}, err
	}
	return coordinator.Config{
		MinPlayers:            c.Game.MinPlayers,
		JoinPolicy:            policy,
		DefaultRoundTimeLimit: c.Game.RoundTimeLimit,
		JoinTimeout:           c.Game.JoinTimeout,
		TickInterval:          c.Game.TickInterval,
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
