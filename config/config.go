package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"escrowcore/escrow"
)

// Duration wraps time.Duration so durations can be written as "15s" in both
// YAML and TOML files.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText implements encoding.TextUnmarshaler for the TOML decoder.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config is the escrowd and escrowctl configuration.
type Config struct {
	Service      string             `yaml:"service" toml:"service"`
	Environment  string             `yaml:"environment" toml:"environment"`
	Listen       string             `yaml:"listen" toml:"listen"`
	Logging      LoggingConfig      `yaml:"logging" toml:"logging"`
	Telemetry    TelemetryConfig    `yaml:"telemetry" toml:"telemetry"`
	Storage      StorageConfig      `yaml:"storage" toml:"storage"`
	Kafka        KafkaConfig        `yaml:"kafka" toml:"kafka"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator" toml:"orchestrator"`
	Submit       SubmitConfig       `yaml:"submit" toml:"submit"`
	Chains       []ChainConfig      `yaml:"chains" toml:"chains"`
}

// LoggingConfig selects where logs go.
type LoggingConfig struct {
	// File enables rotated file output. Empty logs to stdout.
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
}

// TelemetryConfig wires the OTLP exporters.
type TelemetryConfig struct {
	Endpoint string            `yaml:"endpoint" toml:"endpoint"`
	Insecure bool              `yaml:"insecure" toml:"insecure"`
	Headers  map[string]string `yaml:"headers" toml:"headers"`
	Metrics  bool              `yaml:"metrics" toml:"metrics"`
	Traces   bool              `yaml:"traces" toml:"traces"`
}

// StorageConfig selects the watcher database.
type StorageConfig struct {
	Driver string `yaml:"driver" toml:"driver"`
	DSN    string `yaml:"dsn" toml:"dsn"`
}

// KafkaConfig enables the watcher's Kafka sink when Topic is set.
type KafkaConfig struct {
	Brokers  []string `yaml:"brokers" toml:"brokers"`
	Topic    string   `yaml:"topic" toml:"topic"`
	ClientID string   `yaml:"client_id" toml:"client_id"`
}

// OrchestratorConfig tunes id linking.
type OrchestratorConfig struct {
	CollisionRetries int      `yaml:"collision_retries" toml:"collision_retries"`
	EventDelay       Duration `yaml:"event_delay" toml:"event_delay"`
	EventReads       int      `yaml:"event_reads" toml:"event_reads"`
	// ReadTimeout bounds each event log read and each chain read taken
	// before a write.
	ReadTimeout Duration `yaml:"read_timeout" toml:"read_timeout"`
}

// SubmitConfig bounds transaction submission.
type SubmitConfig struct {
	Margin          float64  `yaml:"margin" toml:"margin"`
	EstimateTimeout Duration `yaml:"estimate_timeout" toml:"estimate_timeout"`
	SendTimeout     Duration `yaml:"send_timeout" toml:"send_timeout"`
	ConfirmTimeout  Duration `yaml:"confirm_timeout" toml:"confirm_timeout"`
	ReceiptPoll     Duration `yaml:"receipt_poll" toml:"receipt_poll"`
}

// ChainConfig describes one escrow deployment.
type ChainConfig struct {
	Name    string `yaml:"name" toml:"name"`
	Family  string `yaml:"family" toml:"family"`
	Network string `yaml:"network" toml:"network"`
	RPC     string `yaml:"rpc" toml:"rpc"`
	// Contract is the escrow contract address or program id.
	Contract string `yaml:"contract" toml:"contract"`
	ABIFile  string `yaml:"abi_file" toml:"abi_file"`
	// ChainID is optional; it is read from the node when zero.
	ChainID          uint64            `yaml:"chain_id" toml:"chain_id"`
	Commitment       string            `yaml:"commitment" toml:"commitment"`
	FallbackDecimals uint8             `yaml:"fallback_decimals" toml:"fallback_decimals"`
	EventNames       map[string]string `yaml:"event_names" toml:"event_names"`
	Signer           SignerConfig      `yaml:"signer" toml:"signer"`
	// Tokens maps network name to symbol to address or mint.
	Tokens  map[string]map[string]string `yaml:"tokens" toml:"tokens"`
	Watcher WatcherConfig                `yaml:"watcher" toml:"watcher"`
}

// SignerConfig locates the chain's signing key. Exactly one source is used.
type SignerConfig struct {
	Key           string `yaml:"key" toml:"key"`
	KeyEnv        string `yaml:"key_env" toml:"key_env"`
	KeyFile       string `yaml:"key_file" toml:"key_file"`
	Keystore      string `yaml:"keystore" toml:"keystore"`
	PassphraseEnv string `yaml:"passphrase_env" toml:"passphrase_env"`
}

// WatcherConfig enables and paces the chain's event watcher.
type WatcherConfig struct {
	Enabled       bool     `yaml:"enabled" toml:"enabled"`
	Interval      Duration `yaml:"interval" toml:"interval"`
	Confirmations uint64   `yaml:"confirmations" toml:"confirmations"`
	BatchSize     uint64   `yaml:"batch_size" toml:"batch_size"`
	MaxPages      int      `yaml:"max_pages" toml:"max_pages"`
	StartHeight   uint64   `yaml:"start_height" toml:"start_height"`
	RatePerSecond float64  `yaml:"rate_per_second" toml:"rate_per_second"`
	Burst         int      `yaml:"burst" toml:"burst"`
}

// Kind returns the chain discriminator.
func (c ChainConfig) Kind() escrow.ChainKind { return escrow.ChainKind(c.Name).Normalize() }

// TokenTable returns the token symbols configured for the chain's network.
func (c ChainConfig) TokenTable() escrow.TokenTable {
	table := make(escrow.TokenTable)
	for symbol, addr := range c.Tokens[c.Network] {
		table[strings.ToUpper(strings.TrimSpace(symbol))] = strings.TrimSpace(addr)
	}
	return table
}

// Chain returns the configuration of the named chain.
func (c *Config) Chain(name string) (*ChainConfig, error) {
	kind := escrow.ChainKind(name).Normalize()
	for i := range c.Chains {
		if c.Chains[i].Kind() == kind {
			return &c.Chains[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %q", escrow.ErrUnknownChain, name)
}

// Load reads path as YAML (.yaml, .yml) or TOML (.toml), applies defaults,
// resolves signer secrets, and validates the result.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		dec := yaml.NewDecoder(file)
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	case ".toml":
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("config %s has unknown key %s", path, undecoded[0].String())
		}
	default:
		return nil, fmt.Errorf("config %s: unsupported extension %q", path, filepath.Ext(path))
	}
	applyDefaults(cfg)
	for i := range cfg.Chains {
		if err := cfg.Chains[i].Signer.normalise(); err != nil {
			return nil, fmt.Errorf("chain %s signer: %w", cfg.Chains[i].Name, err)
		}
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (s *SignerConfig) normalise() error {
	s.Key = strings.TrimSpace(s.Key)
	s.KeyEnv = strings.TrimSpace(s.KeyEnv)
	s.KeyFile = strings.TrimSpace(s.KeyFile)
	s.Keystore = strings.TrimSpace(s.Keystore)
	s.PassphraseEnv = strings.TrimSpace(s.PassphraseEnv)
	if s.Keystore != "" {
		if s.Key != "" || s.KeyEnv != "" || s.KeyFile != "" {
			return errors.New("keystore cannot be combined with key, key_env, or key_file")
		}
		return nil
	}
	if s.Key != "" {
		return nil
	}
	switch {
	case s.KeyEnv != "":
		value := strings.TrimSpace(os.Getenv(s.KeyEnv))
		if value == "" {
			return fmt.Errorf("key_env %s is empty", s.KeyEnv)
		}
		s.Key = value
	case s.KeyFile != "":
		contents, err := os.ReadFile(s.KeyFile)
		if err != nil {
			return fmt.Errorf("read key_file: %w", err)
		}
		s.Key = strings.TrimSpace(string(contents))
	default:
		return errors.New("one of key, key_env, key_file, or keystore is required")
	}
	return nil
}
