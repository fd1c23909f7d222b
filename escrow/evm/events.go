package evm

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"escrowcore/escrow"
)

// logDecoder turns escrow contract logs into typed events.
type logDecoder struct {
	contract common.Address
	abi      abi.ABI
	// byTopic maps an event signature hash to its canonical name.
	byTopic map[common.Hash]escrow.EventName
	// contractNames maps canonical names to the name used in the ABI.
	contractNames map[escrow.EventName]string
}

func newLogDecoder(contract common.Address, parsed abi.ABI, renames map[escrow.EventName]string) (*logDecoder, error) {
	d := &logDecoder{
		contract:      contract,
		abi:           parsed,
		byTopic:       make(map[common.Hash]escrow.EventName),
		contractNames: make(map[escrow.EventName]string),
	}
	for _, name := range escrow.KnownEvents {
		contractName := string(name)
		if renamed, ok := renames[name]; ok && renamed != "" {
			contractName = renamed
		}
		ev, ok := parsed.Events[contractName]
		if !ok {
			return nil, escrow.Invalid("abi has no event %s", contractName)
		}
		d.byTopic[ev.ID] = name
		d.contractNames[name] = contractName
	}
	return d, nil
}

// Topics returns the signature hashes of every known event, for log filters.
func (d *logDecoder) Topics() []common.Hash {
	topics := make([]common.Hash, 0, len(d.byTopic))
	for _, name := range escrow.KnownEvents {
		topics = append(topics, d.abi.Events[d.contractNames[name]].ID)
	}
	return topics
}

// Decode returns the decoded entries for the escrow contract's logs.
func (d *logDecoder) Decode(logs []*types.Log) []escrow.DecodedEvent {
	out := make([]escrow.DecodedEvent, 0, len(logs))
	for _, l := range logs {
		if l == nil || l.Address != d.contract || len(l.Topics) == 0 {
			continue
		}
		name, ok := d.byTopic[l.Topics[0]]
		if !ok {
			continue
		}
		ev, err := d.decodeOne(name, l)
		out = append(out, escrow.DecodedEvent{Name: name, Index: int(l.Index), Event: ev, Err: err})
	}
	return out
}

func (d *logDecoder) decodeOne(name escrow.EventName, l *types.Log) (escrow.Event, error) {
	abiEvent := d.abi.Events[d.contractNames[name]]
	fields := make(map[string]any)
	if len(l.Data) > 0 {
		if err := abiEvent.Inputs.NonIndexed().UnpackIntoMap(fields, l.Data); err != nil {
			return nil, escrow.Malformed(name, "data: %v", err)
		}
	}
	var indexed abi.Arguments
	for _, input := range abiEvent.Inputs {
		if input.Indexed {
			indexed = append(indexed, input)
		}
	}
	if err := abi.ParseTopicsIntoMap(fields, indexed, l.Topics[1:]); err != nil {
		return nil, escrow.Malformed(name, "topics: %v", err)
	}

	f := fieldReader{name: name, fields: fields}
	switch name {
	case escrow.EventTradeCreated:
		ev := escrow.TradeCreated{
			TradeID:         f.id("tradeId"),
			Seller:          f.address("seller"),
			UnitProductCost: f.amount("productCost"),
			TotalQuantity:   f.optionalID("totalQuantity"),
		}
		return ev, f.err
	case escrow.EventPurchaseCreated:
		ev := escrow.PurchaseCreated{
			PurchaseID:  f.id("purchaseId"),
			TradeID:     f.id("tradeId"),
			Buyer:       f.address("buyer"),
			Quantity:    f.optionalID("quantity"),
			TotalAmount: f.amount("totalAmount"),
		}
		return ev, f.err
	case escrow.EventDeliveryConfirmed:
		ev := escrow.DeliveryConfirmed{
			PurchaseID: f.id("purchaseId"),
			TradeID:    f.optionalID("tradeId"),
			Buyer:      f.optionalAddress("buyer"),
		}
		return ev, f.err
	case escrow.EventDisputeRaised:
		ev := escrow.DisputeRaised{
			PurchaseID: f.id("purchaseId"),
			Initiator:  f.optionalAddress("initiator"),
		}
		return ev, f.err
	case escrow.EventDisputeResolved:
		ev := escrow.DisputeResolved{
			PurchaseID: f.id("purchaseId"),
			Winner:     f.address("winner"),
		}
		return ev, f.err
	}
	return nil, escrow.Malformed(name, "unsupported event")
}

// fieldReader pulls typed values out of an unpacked event, remembering the
// first missing required field.
type fieldReader struct {
	name   escrow.EventName
	fields map[string]any
	err    error
}

func (f *fieldReader) fail(err error) {
	if f.err == nil {
		f.err = err
	}
}

func (f *fieldReader) id(key string) uint64 {
	raw, ok := f.fields[key].(*big.Int)
	if !ok {
		f.fail(escrow.Malformed(f.name, "missing %s", key))
		return 0
	}
	v, err := escrow.Uint64Field(f.name, key, raw)
	if err != nil {
		f.fail(err)
	}
	return v
}

func (f *fieldReader) optionalID(key string) uint64 {
	raw, ok := f.fields[key].(*big.Int)
	if !ok || !raw.IsUint64() {
		return 0
	}
	return raw.Uint64()
}

func (f *fieldReader) amount(key string) *big.Int {
	raw, ok := f.fields[key].(*big.Int)
	if !ok {
		return nil
	}
	return raw
}

func (f *fieldReader) address(key string) string {
	raw, ok := f.fields[key].(common.Address)
	if !ok {
		f.fail(escrow.Malformed(f.name, "missing %s", key))
		return ""
	}
	return raw.Hex()
}

func (f *fieldReader) optionalAddress(key string) string {
	raw, ok := f.fields[key].(common.Address)
	if !ok {
		return ""
	}
	return raw.Hex()
}

// TransactionEvents implements escrow.EventSource. A receipt that is not
// available yet yields an empty list.
func (a *Adapter) TransactionEvents(ctx context.Context, handle string) ([]escrow.DecodedEvent, error) {
	hash, err := ParseHandle(handle)
	if err != nil {
		return nil, err
	}
	receipt, err := a.client.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, nil
		}
		return nil, escrow.Unreachable("receipt", err)
	}
	return a.events.Decode(receipt.Logs), nil
}
