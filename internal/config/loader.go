package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix of environment overrides. A double underscore
// separates nesting levels: FACTORY_PIPELINE__MAX_FIX_ROUNDS=3.
const EnvPrefix = "FACTORY_"

const maxConfigFileSize = 1 << 20

// Load reads the YAML file at path, applies FACTORY_* environment overrides
// and fills in defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if len(data) > maxConfigFileSize {
		return nil, fmt.Errorf("reading config file: %s exceeds %d bytes", path, maxConfigFileSize)
	}
	return load(data)
}

// LoadDefault searches for a config in standard locations and loads the first
// one found. Search order: ./factory.yaml, ~/.factory/config.yaml. When none
// exists the defaults plus environment overrides are returned.
func LoadDefault() (*Config, error) {
	candidates := []string{"factory.yaml"}

	home, err := os.UserHomeDir()
	if err == nil {
		candidates = append(candidates, filepath.Join(home, ".factory", "config.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}
	return load(nil)
}

func load(data []byte) (*Config, error) {
	k := koanf.New(".")

	if len(data) > 0 {
		if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("parsing config YAML: %w", err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading environment overrides: %w", err)
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// envKey maps FACTORY_PIPELINE__MAX_FIX_ROUNDS to pipeline.max_fix_rounds.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

// Default returns a config with every default applied.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

func applyDefaults(cfg *Config) {
	p := &cfg.Pipeline
	if p.MaxConcurrentBuilders == 0 {
		p.MaxConcurrentBuilders = 3
	}
	if p.BuilderTimeout == "" {
		p.BuilderTimeout = "30m"
	}
	if p.GracePeriod == "" {
		p.GracePeriod = "10s"
	}
	if p.MaxFixRounds == 0 {
		p.MaxFixRounds = 5
	}
	if p.FixEffectivenessFloor == 0 {
		p.FixEffectivenessFloor = 0.30
	}
	if p.RegressionRateCeiling == 0 {
		p.RegressionRateCeiling = 0.25
	}
	if p.Depth == "" {
		p.Depth = DepthStandard
	}
	if p.MinBuilderSuccesses == 0 {
		p.MinBuilderSuccesses = 1
	}
	if p.ArchitectMaxRetries == 0 {
		p.ArchitectMaxRetries = 2
	}
	if p.SoftAcceptMinScore == 0 {
		p.SoftAcceptMinScore = 70
	}

	if len(cfg.Builder.Command) == 0 {
		cfg.Builder.Command = []string{"factory-builder"}
	}
	if cfg.Decomposer.ServiceMap == "" {
		cfg.Decomposer.ServiceMap = "services.yaml"
	}
	if cfg.Decomposer.Attempts == 0 {
		cfg.Decomposer.Attempts = 2
	}
	if cfg.Decomposer.Backoff == "" {
		cfg.Decomposer.Backoff = "2s"
	}
	if cfg.Contracts.Timeout == "" {
		cfg.Contracts.Timeout = "30s"
	}
	if cfg.Integration.Host == "" {
		cfg.Integration.Host = "127.0.0.1"
	}
	if cfg.Integration.HealthTimeout == "" {
		cfg.Integration.HealthTimeout = "2m"
	}
	if cfg.Integration.HealthRPS == 0 {
		cfg.Integration.HealthRPS = 2
	}
	for i := range cfg.Quality.Layers {
		l := &cfg.Quality.Layers[i]
		if l.Parser == "" {
			l.Parser = "generic"
		}
		if l.Timeout == "" {
			l.Timeout = "5m"
		}
	}
	if cfg.StateDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.StateDir = filepath.Join(home, ".factory")
		} else {
			cfg.StateDir = ".factory"
		}
	}
	if cfg.NATS.Subject == "" {
		cfg.NATS.Subject = "factory.pipeline"
	}
	if cfg.Serve.Addr == "" {
		cfg.Serve.Addr = "127.0.0.1:8085"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
}
