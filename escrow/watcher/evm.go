package watcher

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/time/rate"

	"escrowcore/escrow"
	"escrowcore/storage"
)

const (
	// DefaultBatchSize bounds one log query (blocks) or one signature page.
	DefaultBatchSize = 500
	// DefaultMaxPages bounds the log queries issued by a single EVM poll.
	DefaultMaxPages = 10
)

// SourceConfig tunes how a source walks the chain.
type SourceConfig struct {
	// Confirmations is the number of blocks an EVM log must be buried under.
	Confirmations uint64
	BatchSize     uint64
	MaxPages      int
	// StartHeight is where an EVM source begins when no cursor has been
	// persisted. Zero starts at the current safe head.
	StartHeight uint64
	// Limiter paces RPC calls. Nil means unlimited.
	Limiter *rate.Limiter
}

func (c SourceConfig) normalise() SourceConfig {
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.MaxPages <= 0 {
		c.MaxPages = DefaultMaxPages
	}
	if c.Limiter == nil {
		c.Limiter = rate.NewLimiter(rate.Inf, 1)
	}
	return c
}

// LogClient is the slice of the execution client the EVM source needs.
type LogClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// LogDecoder decodes escrow contract logs. *evm.Adapter satisfies it.
type LogDecoder interface {
	Chain() escrow.ChainKind
	Contract() common.Address
	EventTopics() []common.Hash
	DecodeLogs(logs []*types.Log) []escrow.DecodedEvent
}

// EVMSource scans confirmed blocks for escrow contract logs.
type EVMSource struct {
	client  LogClient
	decoder LogDecoder
	cfg     SourceConfig
}

// NewEVMSource builds a log scanning source.
func NewEVMSource(client LogClient, decoder LogDecoder, cfg SourceConfig) *EVMSource {
	return &EVMSource{client: client, decoder: decoder, cfg: cfg.normalise()}
}

// Chain implements Source.
func (s *EVMSource) Chain() escrow.ChainKind { return s.decoder.Chain() }

// Poll implements Source. The cursor height is the last block fully scanned.
func (s *EVMSource) Poll(ctx context.Context, from storage.Cursor) (Batch, error) {
	batch := Batch{Next: from}
	if err := s.cfg.Limiter.Wait(ctx); err != nil {
		return batch, err
	}
	head, err := s.client.BlockNumber(ctx)
	if err != nil {
		return batch, escrow.Unreachable("block number", err)
	}
	if head < s.cfg.Confirmations {
		return batch, nil
	}
	safe := head - s.cfg.Confirmations

	start := from.Height + 1
	if from.Height == 0 {
		if s.cfg.StartHeight == 0 {
			batch.Next = storage.Cursor{Chain: from.Chain, Height: safe}
			return batch, nil
		}
		start = s.cfg.StartHeight
	}

	topics := s.decoder.EventTopics()
	contract := s.decoder.Contract()
	for page := 0; page < s.cfg.MaxPages && start <= safe; page++ {
		end := min(start+s.cfg.BatchSize-1, safe)
		if err := s.cfg.Limiter.Wait(ctx); err != nil {
			return batch, err
		}
		logs, err := s.client.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(start),
			ToBlock:   new(big.Int).SetUint64(end),
			Addresses: []common.Address{contract},
			Topics:    [][]common.Hash{topics},
		})
		if err != nil {
			return batch, escrow.Unreachable("filter logs", err)
		}
		for i := range logs {
			l := &logs[i]
			if l.Removed {
				continue
			}
			for _, decoded := range s.decoder.DecodeLogs([]*types.Log{l}) {
				batch.Observations = append(batch.Observations, Observation{
					Chain:  s.decoder.Chain(),
					Handle: l.TxHash.Hex(),
					Height: l.BlockNumber,
					Index:  decoded.Index,
					Name:   decoded.Name,
					Event:  decoded.Event,
					Err:    decoded.Err,
				})
			}
		}
		batch.Next = storage.Cursor{Chain: from.Chain, Height: end}
		start = end + 1
	}
	return batch, nil
}
