package quorumproxy

import (
	"os"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is the main service configuration (config.toml).
type Config struct {
	PeriodSeconds   int64  `toml:"period_seconds"`
	MinSumSoftLimit uint32 `toml:"min_sum_soft_limit"`
	MinSyncedRPCs   int    `toml:"min_synced_rpcs"`
	AllowedLag      uint64 `toml:"allowed_lag"`
	ListenAddr      string `toml:"listen_addr"`
	RedisURL        string `toml:"redis_url"`
	StorePath       string `toml:"store_path"`
	RetentionBlocks int    `toml:"retention_blocks"`
	ChainID         uint64 `toml:"chain_id"`
}

const defaultRetentionBlocks = 256

// LoadConfig decodes the toml config at path, defaulting RetentionBlocks
// when unset.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, errors.Wrap(err, "decoding config")
	}
	if cfg.RetentionBlocks == 0 {
		cfg.RetentionBlocks = defaultRetentionBlocks
	}
	return &cfg, nil
}

// UpstreamConfig describes one upstream in upstreams.yaml.
type UpstreamConfig struct {
	Name      string  `yaml:"name"`
	URL       string  `yaml:"url"`
	WSURL     string  `yaml:"ws_url"`
	SoftLimit uint32  `yaml:"soft_limit"`
	HardLimit float64 `yaml:"hard_limit"`
}

// LoadUpstreams decodes the upstream pool list at path. Splitting it from
// config.toml keeps a slow-changing service config separate from a
// frequently-edited endpoint list.
func LoadUpstreams(path string) ([]UpstreamConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading upstreams file")
	}
	var cfgs []UpstreamConfig
	if err := yaml.Unmarshal(data, &cfgs); err != nil {
		return nil, errors.Wrap(err, "parsing upstreams file")
	}
	return cfgs, nil
}
