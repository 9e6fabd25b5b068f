// Package config loads the stage-orchestrator binary's configuration from a
// YAML file with environment overrides, the same pattern the publisher
// leader apps use.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/compose-network/stage-orchestrator/server/api"
	"github.com/compose-network/stage-orchestrator/x/stage"
	"github.com/compose-network/stage-orchestrator/x/stage/orchestrator"
)

// Config holds the complete application configuration.
type Config struct {
	Stage        stage.Config        `mapstructure:"stage"        yaml:"stage"`
	Orchestrator orchestrator.Config `mapstructure:"orchestrator" yaml:"orchestrator"`
	API          api.Config          `mapstructure:"api"          yaml:"api"`
	Log          LogConfig           `mapstructure:"log"          yaml:"log"`
	Workers      WorkersConfig       `mapstructure:"workers"      yaml:"workers"`
	Users        []string            `mapstructure:"users"        yaml:"users"`
}

// LogConfig controls the zerolog sink.
type LogConfig struct {
	Level  string `mapstructure:"level"  yaml:"level"  env:"LOG_LEVEL"`
	Pretty bool   `mapstructure:"pretty" yaml:"pretty" env:"LOG_PRETTY"`
}

// WorkerNode is one configured prover worker address.
type WorkerNode struct {
	Addr  string `mapstructure:"addr"  yaml:"addr"`
	Snark bool   `mapstructure:"snark" yaml:"snark"`
}

// WorkersConfig lists the fleet the Worker Directory is seeded from.
// ProbeTimeout tunes how long the Directory's DialProber waits before declaring a node
// unreachable.
type WorkersConfig struct {
	Nodes        []WorkerNode  `mapstructure:"nodes"         yaml:"nodes"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout" yaml:"probe_timeout"`
}

// Load reads configPath (YAML) with STAGE_-prefixed environment overrides.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("stage")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("stage.base_dir", "./data")
	v.SetDefault("stage.database_url", "file:./data/stage.db?_pragma=busy_timeout(5000)")

	v.SetDefault("orchestrator.scan_interval", "2s")
	v.SetDefault("orchestrator.stats_interval", "30s")

	v.SetDefault("api.listen_addr", ":8081")
	v.SetDefault("api.read_header_timeout", "5s")
	v.SetDefault("api.read_timeout", "15s")
	v.SetDefault("api.write_timeout", "30s")
	v.SetDefault("api.idle_timeout", "120s")
	v.SetDefault("api.max_header_bytes", 1048576)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)

	v.SetDefault("workers.probe_timeout", "2s")
}

// Validate cross-checks the loaded configuration.
func (c *Config) Validate() error {
	if err := c.Stage.Validate(); err != nil {
		return err
	}
	if len(c.Workers.Nodes) == 0 {
		return fmt.Errorf("workers.nodes must list at least one prover node")
	}
	return nil
}
