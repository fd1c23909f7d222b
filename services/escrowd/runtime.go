package escrowd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"golang.org/x/time/rate"

	"escrowcore/config"
	"escrowcore/crypto"
	"escrowcore/escrow"
	"escrowcore/escrow/evm"
	"escrowcore/escrow/orchestrator"
	"escrowcore/escrow/pda"
	"escrowcore/escrow/resolve"
	"escrowcore/escrow/submit"
	"escrowcore/escrow/watcher"
	"escrowcore/observability"
	"escrowcore/observability/logging"
	"escrowcore/storage"
)

// PassphraseFunc returns the keystore passphrase source for a chain's signer.
type PassphraseFunc func(chain config.ChainConfig) func() (string, error)

// BuildOptions controls which parts of the runtime are assembled.
type BuildOptions struct {
	Logger     *slog.Logger
	Passphrase PassphraseFunc
	// Watchers builds the storage, sinks, and event watchers for every chain
	// with watcher.enabled.
	Watchers bool
}

// Runtime is the assembled escrow service.
type Runtime struct {
	Config       *config.Config
	Orchestrator *orchestrator.Orchestrator
	// Store is nil when no storage DSN is configured.
	Store    *storage.Store
	Watchers []*watcher.Watcher

	closers []func() error
}

// Close releases every client, producer, and database handle.
func (r *Runtime) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}

type chainHandle struct {
	cfg     config.ChainConfig
	adapter escrow.Adapter
	source  watcher.Source
}

// Build dials every configured chain and wires the orchestrator, and the
// watchers when requested.
func Build(ctx context.Context, cfg *config.Config, opts BuildOptions) (*Runtime, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rt := &Runtime{Config: cfg}
	metrics := observability.Escrow()
	submitOpts := []submit.Option{
		submit.WithMargin(cfg.Submit.Margin),
		submit.WithTimeouts(submit.Timeouts{
			Estimate: cfg.Submit.EstimateTimeout.Duration,
			Send:     cfg.Submit.SendTimeout.Duration,
			Confirm:  cfg.Submit.ConfirmTimeout.Duration,
		}),
		submit.WithMetrics(metrics),
	}

	handles := make([]chainHandle, 0, len(cfg.Chains))
	for _, chainCfg := range cfg.Chains {
		var passphrase func() (string, error)
		if opts.Passphrase != nil {
			passphrase = opts.Passphrase(chainCfg)
		}
		handle, err := rt.buildChain(ctx, chainCfg, submitOpts, passphrase, opts.Watchers, logger)
		if err != nil {
			_ = rt.Close()
			return nil, fmt.Errorf("chain %s: %w", chainCfg.Name, err)
		}
		logger.Info("chain ready", chainReadyAttrs(chainCfg, handle.adapter.Signer())...)
		handles = append(handles, handle)
	}

	chains := make([]orchestrator.Chain, 0, len(handles))
	for _, h := range handles {
		chains = append(chains, orchestrator.Chain{Adapter: h.adapter, Tokens: h.cfg.TokenTable()})
	}
	orch, err := orchestrator.New(chains,
		orchestrator.WithCollisionRetries(cfg.Orchestrator.CollisionRetries),
		orchestrator.WithReadTimeout(cfg.Orchestrator.ReadTimeout.Duration),
		orchestrator.WithResolveOptions(resolve.WithLag(cfg.Orchestrator.EventDelay.Duration, cfg.Orchestrator.EventReads)),
		orchestrator.WithMetrics(metrics),
		orchestrator.WithLogger(logger),
	)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	rt.Orchestrator = orch

	if strings.TrimSpace(cfg.Storage.DSN) != "" {
		store, err := storage.Open(cfg.Storage.Driver, cfg.Storage.DSN)
		if err != nil {
			_ = rt.Close()
			return nil, err
		}
		rt.Store = store
		rt.closers = append(rt.closers, store.Close)
	}
	if opts.Watchers {
		if err := rt.buildWatchers(cfg, handles, logger); err != nil {
			_ = rt.Close()
			return nil, err
		}
	}
	return rt, nil
}

func (r *Runtime) buildChain(ctx context.Context, chainCfg config.ChainConfig, submitOpts []submit.Option, passphrase func() (string, error), watch bool, logger *slog.Logger) (chainHandle, error) {
	handle := chainHandle{cfg: chainCfg}
	src := crypto.KeySource{Key: chainCfg.Signer.Key, Keystore: chainCfg.Signer.Keystore, Passphrase: passphrase}
	eventNames := make(map[escrow.EventName]string, len(chainCfg.EventNames))
	for canonical, name := range chainCfg.EventNames {
		eventNames[escrow.EventName(canonical)] = name
	}
	sourceCfg := sourceConfig(chainCfg.Watcher)

	switch escrow.Family(chainCfg.Family) {
	case escrow.FamilyEVM:
		key, err := crypto.LoadEVMSigner(src)
		if err != nil {
			return handle, err
		}
		parsed, err := evm.LoadABI(chainCfg.ABIFile)
		if err != nil {
			return handle, err
		}
		var chainID *big.Int
		if chainCfg.ChainID != 0 {
			chainID = new(big.Int).SetUint64(chainCfg.ChainID)
		}
		client, err := evm.Dial(ctx, chainCfg.RPC)
		if err != nil {
			return handle, err
		}
		r.closers = append(r.closers, func() error { client.Close(); return nil })
		adapter, err := evm.New(ctx, client, evm.Config{
			Chain:            chainCfg.Kind(),
			Contract:         common.HexToAddress(chainCfg.Contract),
			ABI:              &parsed,
			Signer:           key,
			ChainID:          chainID,
			FallbackDecimals: chainCfg.FallbackDecimals,
			ReceiptPoll:      r.Config.Submit.ReceiptPoll.Duration,
			EventNames:       eventNames,
			Submit:           submitOpts,
			Logger:           logger,
		})
		if err != nil {
			return handle, err
		}
		handle.adapter = adapter
		if watch && chainCfg.Watcher.Enabled {
			handle.source = watcher.NewEVMSource(client, adapter, sourceCfg)
		}
	case escrow.FamilyPDA:
		key, err := crypto.LoadSolanaSigner(src)
		if err != nil {
			return handle, err
		}
		program, err := solana.PublicKeyFromBase58(chainCfg.Contract)
		if err != nil {
			return handle, fmt.Errorf("program id: %w", err)
		}
		client, err := pda.Dial(chainCfg.RPC)
		if err != nil {
			return handle, err
		}
		r.closers = append(r.closers, client.Close)
		commitment := rpc.CommitmentType(chainCfg.Commitment)
		adapter, err := pda.New(client, pda.Config{
			Chain:            chainCfg.Kind(),
			Program:          program,
			Signer:           key,
			Commitment:       commitment,
			FallbackDecimals: chainCfg.FallbackDecimals,
			StatusPoll:       r.Config.Submit.ReceiptPoll.Duration,
			EventNames:       eventNames,
			Submit:           submitOpts,
			Logger:           logger,
		})
		if err != nil {
			return handle, err
		}
		handle.adapter = adapter
		if watch && chainCfg.Watcher.Enabled {
			handle.source = watcher.NewPDASource(client, adapter, commitment, sourceCfg)
		}
	default:
		return handle, fmt.Errorf("unknown family %q", chainCfg.Family)
	}
	return handle, nil
}

func sourceConfig(w config.WatcherConfig) watcher.SourceConfig {
	cfg := watcher.SourceConfig{
		Confirmations: w.Confirmations,
		BatchSize:     w.BatchSize,
		MaxPages:      w.MaxPages,
		StartHeight:   w.StartHeight,
	}
	if w.RatePerSecond > 0 {
		cfg.Limiter = rate.NewLimiter(rate.Limit(w.RatePerSecond), max(1, w.Burst))
	}
	return cfg
}

func (r *Runtime) buildWatchers(cfg *config.Config, handles []chainHandle, logger *slog.Logger) error {
	var sources []chainHandle
	for _, h := range handles {
		if h.source != nil {
			sources = append(sources, h)
		}
	}
	if len(sources) == 0 {
		return nil
	}
	if r.Store == nil {
		return errors.New("watchers require a storage dsn")
	}
	sinks := []watcher.Sink{watcher.NewStoreSink(r.Store), watcher.NewLogSink(logger)}
	if cfg.Kafka.Topic != "" {
		producer, err := watcher.NewKafkaProducer(cfg.Kafka.Brokers, cfg.Kafka.ClientID)
		if err != nil {
			return err
		}
		sink, err := watcher.NewKafkaSink(producer, cfg.Kafka.Topic)
		if err != nil {
			producer.Close()
			return err
		}
		r.closers = append(r.closers, func() error { sink.Close(); return nil })
		sinks = append(sinks, sink)
	}
	for _, h := range sources {
		w, err := watcher.New(h.source, r.Store, sinks,
			watcher.WithInterval(h.cfg.Watcher.Interval.Duration),
			watcher.WithLogger(logger),
		)
		if err != nil {
			return err
		}
		r.Watchers = append(r.Watchers, w)
	}
	return nil
}

// chainReadyAttrs describes a configured chain for the startup log. Signer
// key locations are masked; only the derived address is logged verbatim.
func chainReadyAttrs(c config.ChainConfig, signer string) []any {
	return []any{
		logging.MaskField("chain", c.Name),
		logging.MaskField("family", c.Family),
		slog.String("network", c.Network),
		slog.String("rpc", logging.MaskEndpoint(c.RPC)),
		logging.MaskField("signer", signer),
		logging.MaskField("key_file", c.Signer.KeyFile),
		logging.MaskField("keystore", c.Signer.Keystore),
	}
}
