package watcher

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"escrowcore/escrow"
	"escrowcore/storage"
)

var (
	testContract = common.HexToAddress("0x00000000000000000000000000000000000e5c40")
	testTopic    = common.HexToHash("0x01")
)

func openStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(storage.DriverSQLite, fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

type fakeLogClient struct {
	head    uint64
	logs    []types.Log
	queries []ethereum.FilterQuery
	err     error
}

func (c *fakeLogClient) BlockNumber(context.Context) (uint64, error) { return c.head, nil }

func (c *fakeLogClient) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	c.queries = append(c.queries, q)
	if c.err != nil {
		return nil, c.err
	}
	from, to := q.FromBlock.Uint64(), q.ToBlock.Uint64()
	var out []types.Log
	for _, l := range c.logs {
		if l.BlockNumber >= from && l.BlockNumber <= to {
			out = append(out, l)
		}
	}
	return out, nil
}

// fakeLogDecoder turns every log into a TradeCreated whose id is the log's
// first data byte.
type fakeLogDecoder struct{}

func (fakeLogDecoder) Chain() escrow.ChainKind { return "celo" }

func (fakeLogDecoder) Contract() common.Address { return testContract }

func (fakeLogDecoder) EventTopics() []common.Hash { return []common.Hash{testTopic} }

func (fakeLogDecoder) DecodeLogs(logs []*types.Log) []escrow.DecodedEvent {
	out := make([]escrow.DecodedEvent, 0, len(logs))
	for _, l := range logs {
		if len(l.Data) == 0 {
			out = append(out, escrow.DecodedEvent{
				Name:  escrow.EventTradeCreated,
				Index: int(l.Index),
				Err:   escrow.Malformed(escrow.EventTradeCreated, "empty data"),
			})
			continue
		}
		out = append(out, escrow.DecodedEvent{
			Name:  escrow.EventTradeCreated,
			Index: int(l.Index),
			Event: escrow.TradeCreated{TradeID: uint64(l.Data[0]), UnitProductCost: big.NewInt(5), TotalQuantity: 1},
		})
	}
	return out
}

func testLog(block uint64, index uint, id byte) types.Log {
	return types.Log{
		Address:     testContract,
		Topics:      []common.Hash{testTopic},
		Data:        []byte{id},
		BlockNumber: block,
		TxHash:      common.BigToHash(new(big.Int).SetUint64(block*100 + uint64(index))),
		Index:       index,
	}
}

// fakeSignatureClient serves signatures newest first, honouring the
// before/until/limit paging of getSignaturesForAddress.
type fakeSignatureClient struct {
	sigs  []*rpc.TransactionSignature
	logs  map[solana.Signature][]string
	pages int
}

func sig(n byte) solana.Signature {
	var s solana.Signature
	s[0] = n
	s[63] = 0xff
	return s
}

func (c *fakeSignatureClient) add(n byte, slot uint64, logs []string, failed bool) {
	entry := &rpc.TransactionSignature{Signature: sig(n), Slot: slot}
	if failed {
		entry.Err = map[string]any{"InstructionError": []any{0, "Custom"}}
	}
	c.sigs = append([]*rpc.TransactionSignature{entry}, c.sigs...)
	if logs != nil {
		if c.logs == nil {
			c.logs = make(map[solana.Signature][]string)
		}
		c.logs[sig(n)] = logs
	}
}

func (c *fakeSignatureClient) GetSignaturesForAddressWithOpts(_ context.Context, _ solana.PublicKey, opts *rpc.GetSignaturesForAddressOpts) ([]*rpc.TransactionSignature, error) {
	c.pages++
	start := 0
	if opts.Before != (solana.Signature{}) {
		for i, s := range c.sigs {
			if s.Signature == opts.Before {
				start = i + 1
			}
		}
	}
	var out []*rpc.TransactionSignature
	for _, s := range c.sigs[start:] {
		if s.Signature == opts.Until {
			break
		}
		if opts.Limit != nil && len(out) == *opts.Limit {
			break
		}
		out = append(out, s)
	}
	return out, nil
}

func (c *fakeSignatureClient) GetTransaction(_ context.Context, s solana.Signature, _ *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error) {
	logs, ok := c.logs[s]
	if !ok {
		return nil, rpc.ErrNotFound
	}
	return &rpc.GetTransactionResult{Meta: &rpc.TransactionMeta{LogMessages: logs}}, nil
}

// fakeProgramDecoder reads "purchase <id>" log lines.
type fakeProgramDecoder struct{}

func (fakeProgramDecoder) Chain() escrow.ChainKind { return "solana" }

func (fakeProgramDecoder) ProgramID() solana.PublicKey {
	return solana.MustPublicKeyFromBase58("Fg6PaFpoGXkYsidMpWTK6W2BeZ7FEfcYkg476zPFsLnS")
}

func (fakeProgramDecoder) DecodeLogs(logs []string) []escrow.DecodedEvent {
	var out []escrow.DecodedEvent
	for i, line := range logs {
		var id uint64
		if _, err := fmt.Sscanf(line, "purchase %d", &id); err != nil {
			continue
		}
		out = append(out, escrow.DecodedEvent{
			Name:  escrow.EventPurchaseCreated,
			Index: i,
			Event: escrow.PurchaseCreated{PurchaseID: id, TradeID: 1, Quantity: 1, TotalAmount: big.NewInt(10)},
		})
	}
	return out
}

type fakeSource struct {
	chain escrow.ChainKind
	poll  func(storage.Cursor) (Batch, error)
	seen  []storage.Cursor
}

func (s *fakeSource) Chain() escrow.ChainKind { return s.chain }

func (s *fakeSource) Poll(_ context.Context, from storage.Cursor) (Batch, error) {
	s.seen = append(s.seen, from)
	return s.poll(from)
}

type recordingSink struct {
	name      string
	failNext  bool
	delivered [][]Observation
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Deliver(_ context.Context, batch []Observation) error {
	if s.failNext {
		s.failNext = false
		return errors.New("sink offline")
	}
	s.delivered = append(s.delivered, batch)
	return nil
}

// fakeProducer acknowledges every message on the delivery channel.
type fakeProducer struct {
	mu       sync.Mutex
	messages []*kafka.Message
	failWith error
	closed   bool
}

func (p *fakeProducer) Produce(msg *kafka.Message, reports chan kafka.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, msg)
	ack := *msg
	ack.TopicPartition.Error = p.failWith
	reports <- &ack
	return nil
}

func (p *fakeProducer) Close() { p.closed = true }
