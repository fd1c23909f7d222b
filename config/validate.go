package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gagliardetto/solana-go"

	"escrowcore/escrow"
	"escrowcore/storage"
)

const (
	DefaultListen           = ":9464"
	DefaultMargin           = 1.2
	DefaultCollisionRetries = 3
	DefaultEventDelay       = 5 * time.Second
	DefaultEventReads       = 2
	DefaultReadTimeout      = 10 * time.Second
	DefaultEstimateTimeout  = 15 * time.Second
	DefaultSendTimeout      = 15 * time.Second
	DefaultConfirmTimeout   = 2 * time.Minute
	DefaultReceiptPoll      = 2 * time.Second
	DefaultWatchInterval    = 30 * time.Second
	DefaultEVMDecimals      = 18
	DefaultPDADecimals      = 9
)

// Networks are the deployment networks a token table may be keyed by.
var Networks = []string{"testnet", "mainnet"}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Service) == "" {
		cfg.Service = "escrowd"
	}
	if strings.TrimSpace(cfg.Environment) == "" {
		cfg.Environment = "development"
	}
	if cfg.Listen == "" {
		cfg.Listen = DefaultListen
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = storage.DriverSQLite
	}
	if cfg.Kafka.ClientID == "" {
		cfg.Kafka.ClientID = cfg.Service
	}
	if cfg.Orchestrator.CollisionRetries <= 0 {
		cfg.Orchestrator.CollisionRetries = DefaultCollisionRetries
	}
	if cfg.Orchestrator.EventDelay.Duration == 0 {
		cfg.Orchestrator.EventDelay.Duration = DefaultEventDelay
	}
	if cfg.Orchestrator.EventReads <= 0 {
		cfg.Orchestrator.EventReads = DefaultEventReads
	}
	if cfg.Orchestrator.ReadTimeout.Duration <= 0 {
		cfg.Orchestrator.ReadTimeout.Duration = DefaultReadTimeout
	}
	if cfg.Submit.Margin == 0 {
		cfg.Submit.Margin = DefaultMargin
	}
	if cfg.Submit.EstimateTimeout.Duration == 0 {
		cfg.Submit.EstimateTimeout.Duration = DefaultEstimateTimeout
	}
	if cfg.Submit.SendTimeout.Duration == 0 {
		cfg.Submit.SendTimeout.Duration = DefaultSendTimeout
	}
	if cfg.Submit.ConfirmTimeout.Duration == 0 {
		cfg.Submit.ConfirmTimeout.Duration = DefaultConfirmTimeout
	}
	if cfg.Submit.ReceiptPoll.Duration == 0 {
		cfg.Submit.ReceiptPoll.Duration = DefaultReceiptPoll
	}
	for i := range cfg.Chains {
		chain := &cfg.Chains[i]
		chain.Name = string(chain.Kind())
		chain.Family = strings.ToLower(strings.TrimSpace(chain.Family))
		chain.Network = strings.ToLower(strings.TrimSpace(chain.Network))
		chain.Contract = strings.TrimSpace(chain.Contract)
		if chain.Network == "" {
			chain.Network = "testnet"
		}
		if chain.FallbackDecimals == 0 {
			chain.FallbackDecimals = DefaultEVMDecimals
			if chain.Family == string(escrow.FamilyPDA) {
				chain.FallbackDecimals = DefaultPDADecimals
			}
		}
		if chain.Watcher.Interval.Duration == 0 {
			chain.Watcher.Interval.Duration = DefaultWatchInterval
		}
	}
}

// Validate reports the first configuration problem found.
func Validate(cfg *Config) error {
	if cfg.Submit.Margin < 1 {
		return fmt.Errorf("submit: margin must be at least 1, got %v", cfg.Submit.Margin)
	}
	switch cfg.Storage.Driver {
	case storage.DriverSQLite, storage.DriverPostgres:
	default:
		return fmt.Errorf("storage: unsupported driver %q", cfg.Storage.Driver)
	}
	if cfg.Kafka.Topic != "" && len(cfg.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka: brokers required when topic is set")
	}
	if len(cfg.Chains) == 0 {
		return fmt.Errorf("at least one chain must be configured")
	}
	seen := make(map[string]struct{}, len(cfg.Chains))
	watching := false
	for _, chain := range cfg.Chains {
		if chain.Name == "" {
			return fmt.Errorf("chains: name required")
		}
		if _, dup := seen[chain.Name]; dup {
			return fmt.Errorf("chains: duplicate chain %q", chain.Name)
		}
		seen[chain.Name] = struct{}{}
		if err := validateChain(chain); err != nil {
			return fmt.Errorf("chain %s: %w", chain.Name, err)
		}
		watching = watching || chain.Watcher.Enabled
	}
	if watching && strings.TrimSpace(cfg.Storage.DSN) == "" {
		return fmt.Errorf("storage: dsn required when a watcher is enabled")
	}
	return nil
}

func validateChain(chain ChainConfig) error {
	if strings.TrimSpace(chain.RPC) == "" {
		return fmt.Errorf("rpc endpoint required")
	}
	if !validNetwork(chain.Network) {
		return fmt.Errorf("unknown network %q", chain.Network)
	}
	for network := range chain.Tokens {
		if !validNetwork(network) {
			return fmt.Errorf("tokens: unknown network %q", network)
		}
	}
	switch escrow.Family(chain.Family) {
	case escrow.FamilyEVM:
		if !common.IsHexAddress(chain.Contract) {
			return fmt.Errorf("contract %q is not an address", chain.Contract)
		}
	case escrow.FamilyPDA:
		if _, err := solana.PublicKeyFromBase58(chain.Contract); err != nil {
			return fmt.Errorf("program id %q: %w", chain.Contract, err)
		}
	default:
		return fmt.Errorf("unknown family %q", chain.Family)
	}
	for name := range chain.EventNames {
		if !knownEvent(name) {
			return fmt.Errorf("event_names: unknown event %q", name)
		}
	}
	if chain.Watcher.RatePerSecond < 0 {
		return fmt.Errorf("watcher: rate_per_second must not be negative")
	}
	return nil
}

func validNetwork(network string) bool {
	for _, n := range Networks {
		if n == network {
			return true
		}
	}
	return false
}

func knownEvent(name string) bool {
	for _, known := range escrow.KnownEvents {
		if string(known) == name {
			return true
		}
	}
	return false
}
