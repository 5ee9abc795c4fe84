// Package config loads server configuration from file and environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/atlas-desktop/backtest-lab/pkg/types"
	"github.com/spf13/viper"
)

// LogConfig controls the zap logger.
type LogConfig struct {
	Level string `json:"level"`
}

// DataConfig controls the bar store.
type DataConfig struct {
	Dir           string `json:"dir"`
	SyntheticSeed int64  `json:"syntheticSeed"`
	MaxStoredRuns int    `json:"maxStoredRuns"`
}

// Config is the full server configuration.
type Config struct {
	Server types.ServerConfig `json:"server"`
	Log    LogConfig          `json:"log"`
	Data   DataConfig         `json:"data"`
	Guard  types.GuardRails   `json:"guard"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.websocketpath", "/ws")
	v.SetDefault("server.readtimeout", 30*time.Second)
	v.SetDefault("server.writetimeout", 30*time.Second)
	v.SetDefault("server.enablemetrics", true)

	v.SetDefault("log.level", "info")

	v.SetDefault("data.dir", "./data")
	v.SetDefault("data.syntheticseed", 1)
	v.SetDefault("data.maxstoredruns", 100)

	guard := types.DefaultGuardRails()
	v.SetDefault("guard.maxcombinations", guard.MaxCombinations)
	v.SetDefault("guard.maxworkers", guard.MaxWorkers)
	v.SetDefault("guard.maxsimulations", guard.MaxSimulations)
	v.SetDefault("guard.heartbeatinterval", guard.HeartbeatInterval)
}

// Load reads configuration from the given file (optional), environment
// variables prefixed with BACKTEST_LAB_, and built-in defaults, in
// ascending precedence of default < file < environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("BACKTEST_LAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate range-checks the loaded configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Server.Port)
	}
	if c.Guard.MaxCombinations <= 0 {
		return fmt.Errorf("config: maxCombinations must be positive")
	}
	if c.Guard.MaxWorkers <= 0 {
		return fmt.Errorf("config: maxWorkers must be positive")
	}
	if c.Guard.MaxSimulations <= 0 {
		return fmt.Errorf("config: maxSimulations must be positive")
	}
	if c.Guard.HeartbeatInterval <= 0 {
		return fmt.Errorf("config: heartbeatInterval must be positive")
	}
	if c.Data.MaxStoredRuns <= 0 {
		return fmt.Errorf("config: maxStoredRuns must be positive")
	}
	return nil
}
