package pda

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	bin "github.com/gagliardetto/binary"
	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

var fakeProgram = solana.MustPublicKeyFromBase58("Fg6PaFpoGXkYsidMpWTK6W2BeZ7FEfcYkg476zPFsLnS")

type fakeOutcome struct {
	logs  []string
	err   any
	units uint64
}

// fakeCluster is an in-memory RPC node hosting a minimal escrow program.
type fakeCluster struct {
	mu sync.Mutex

	accounts map[solana.PublicKey][]byte
	txs      map[solana.Signature]fakeOutcome
	slot     uint64

	simulated int
	sent      int
	// simulateLogs, when set, replaces the outcome of every simulation.
	simulateLogs []string
	// claimOnSend lists accounts another writer creates just before the
	// next transaction lands.
	claimOnSend []solana.PublicKey
}

func newFakeCluster() *fakeCluster {
	return &fakeCluster{
		accounts: make(map[solana.PublicKey][]byte),
		txs:      make(map[solana.Signature]fakeOutcome),
		slot:     100,
	}
}

func (f *fakeCluster) GetSlot(context.Context, rpc.CommitmentType) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.slot, nil
}

func (f *fakeCluster) GetLatestBlockhash(context.Context, rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error) {
	return &rpc.GetLatestBlockhashResult{Value: &rpc.LatestBlockhashResult{Blockhash: solana.Hash{7}}}, nil
}

func (f *fakeCluster) GetAccountInfoWithOpts(_ context.Context, account solana.PublicKey, _ *rpc.GetAccountInfoOpts) (*rpc.GetAccountInfoResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.accounts[account]
	if !ok {
		return nil, rpc.ErrNotFound
	}
	return &rpc.GetAccountInfoResult{Value: &rpc.Account{
		Owner: fakeProgram,
		Data:  rpc.DataBytesOrJSONFromBytes(append([]byte(nil), data...)),
	}}, nil
}

func (f *fakeCluster) SimulateTransactionWithOpts(_ context.Context, tx *solana.Transaction, _ *rpc.SimulateTransactionOpts) (*rpc.SimulateTransactionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.simulated++
	var out fakeOutcome
	if f.simulateLogs != nil {
		out = fakeOutcome{logs: f.simulateLogs, err: map[string]any{"InstructionError": []any{0, "Custom"}}}
	} else {
		out = f.execute(tx, false)
	}
	units := out.units
	return &rpc.SimulateTransactionResponse{Value: &rpc.SimulateTransactionResult{
		Err:           out.err,
		Logs:          out.logs,
		UnitsConsumed: &units,
	}}, nil
}

func (f *fakeCluster) SendTransactionWithOpts(_ context.Context, tx *solana.Transaction, _ rpc.TransactionOpts) (solana.Signature, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent++
	f.slot++
	for _, addr := range f.claimOnSend {
		f.accounts[addr] = []byte{1}
	}
	f.claimOnSend = nil
	sig := tx.Signatures[0]
	f.txs[sig] = f.execute(tx, true)
	return sig, nil
}

func (f *fakeCluster) GetSignatureStatuses(_ context.Context, _ bool, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	res := &rpc.GetSignatureStatusesResult{}
	for _, sig := range sigs {
		out, ok := f.txs[sig]
		if !ok {
			res.Value = append(res.Value, nil)
			continue
		}
		res.Value = append(res.Value, &rpc.SignatureStatusesResult{
			Slot:               f.slot,
			Err:                out.err,
			ConfirmationStatus: rpc.ConfirmationStatusFinalized,
		})
	}
	return res, nil
}

func (f *fakeCluster) GetTransaction(_ context.Context, sig solana.Signature, _ *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out, ok := f.txs[sig]
	if !ok {
		return nil, rpc.ErrNotFound
	}
	units := out.units
	return &rpc.GetTransactionResult{
		Slot: f.slot,
		Meta: &rpc.TransactionMeta{LogMessages: out.logs, ComputeUnitsConsumed: &units},
	}, nil
}

func (f *fakeCluster) GetSignaturesForAddressWithOpts(context.Context, solana.PublicKey, *rpc.GetSignaturesForAddressOpts) ([]*rpc.TransactionSignature, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*rpc.TransactionSignature
	for sig := range f.txs {
		out = append(out, &rpc.TransactionSignature{Signature: sig, Slot: f.slot})
	}
	return out, nil
}

func (f *fakeCluster) put(addr solana.PublicKey, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts[addr] = data
}

// execute runs the escrow instructions of tx. State is only written when
// commit is set.
func (f *fakeCluster) execute(tx *solana.Transaction, commit bool) fakeOutcome {
	pending := make(map[solana.PublicKey][]byte)
	read := func(addr solana.PublicKey) []byte {
		if data, ok := pending[addr]; ok {
			return data
		}
		return f.accounts[addr]
	}
	out := fakeOutcome{units: 4_000}
	program := fakeProgram.String()
	for _, ci := range tx.Message.Instructions {
		programID := tx.Message.AccountKeys[ci.ProgramIDIndex]
		if !programID.Equals(fakeProgram) {
			continue
		}
		accounts := make([]solana.PublicKey, len(ci.Accounts))
		for i, idx := range ci.Accounts {
			accounts[i] = tx.Message.AccountKeys[idx]
		}
		out.logs = append(out.logs, "Program "+program+" invoke [1]")
		events, err := f.run([]byte(ci.Data), accounts, read, pending)
		if err != nil {
			out.logs = append(out.logs, err.Error(), "Program "+program+" failed: custom program error: 0x1770")
			out.err = map[string]any{"InstructionError": []any{0, map[string]any{"Custom": 6000}}}
			return out
		}
		for _, ev := range events {
			out.logs = append(out.logs, logData+base64.StdEncoding.EncodeToString(ev))
		}
		out.logs = append(out.logs, "Program "+program+" success")
		out.units += 12_000
	}
	if commit {
		for addr, data := range pending {
			f.accounts[addr] = data
		}
	}
	return out
}

func (f *fakeCluster) run(data []byte, accounts []solana.PublicKey, read func(solana.PublicKey) []byte, pending map[solana.PublicKey][]byte) ([][]byte, error) {
	var disc discriminator
	copy(disc[:], data[:8])
	body := data[8:]
	switch disc {
	case instructionDiscriminator("register_logistics_provider"):
		record := accounts[0]
		if read(record) != nil {
			return nil, errors.New("Allocate: account Address { address: " + record.String() + ", base: None } already in use")
		}
		pending[record] = mustAccount(accountLogisticsProvider, logisticsProviderAccount{Provider: accounts[1], IsRegistered: true})
		return nil, nil
	case instructionDiscriminator("create_trade"):
		var args createTradeArgs
		if err := bin.NewBorshDecoder(body).Decode(&args); err != nil {
			return nil, err
		}
		record := accounts[3]
		if read(record) != nil {
			return nil, errors.New("Allocate: account Address { address: " + record.String() + ", base: None } already in use")
		}
		pending[record] = mustAccount(accountTrade, tradeAccount{
			TradeID:            args.TradeID,
			Seller:             accounts[1],
			TokenMint:          accounts[2],
			ProductCost:        args.ProductCost,
			LogisticsProviders: args.LogisticsProviders,
			LogisticsCosts:     args.LogisticsCosts,
			TotalQuantity:      args.TotalQuantity,
			RemainingQuantity:  args.TotalQuantity,
			IsActive:           true,
		})
		return [][]byte{mustEvent("TradeCreated", tradeCreatedEvent{
			TradeID:       args.TradeID,
			Seller:        accounts[1],
			ProductCost:   args.ProductCost,
			TotalQuantity: args.TotalQuantity,
		})}, nil
	case instructionDiscriminator("buy_trade"):
		var args buyTradeArgs
		if err := bin.NewBorshDecoder(body).Decode(&args); err != nil {
			return nil, err
		}
		var trade tradeAccount
		if err := decodeAccount(accountTrade, read(accounts[3]), &trade); err != nil {
			return nil, errors.New("Program log: Error Message: The program expected this account to be already initialized.")
		}
		if trade.RemainingQuantity < args.Quantity {
			return nil, errors.New("Program log: AnchorError occurred. Error Code: InsufficientQuantity. Error Number: 6000. Error Message: Insufficient quantity.")
		}
		var logistics uint64
		for i, p := range trade.LogisticsProviders {
			if p.Equals(args.LogisticsProvider) {
				logistics = trade.LogisticsCosts[i]
			}
		}
		if read(accounts[6]) != nil {
			return nil, errors.New("Allocate: account Address { address: " + accounts[6].String() + ", base: None } already in use")
		}
		trade.RemainingQuantity -= args.Quantity
		pending[accounts[3]] = mustAccount(accountTrade, trade)
		total := (trade.ProductCost + logistics) * args.Quantity
		pending[accounts[6]] = mustAccount(accountPurchase, purchaseAccount{
			PurchaseID:              args.PurchaseID,
			TradeID:                 args.TradeID,
			Buyer:                   accounts[0],
			Quantity:                args.Quantity,
			TotalAmount:             total,
			ChosenLogisticsProvider: args.LogisticsProvider,
			LogisticsCost:           logistics,
		})
		return [][]byte{mustEvent("PurchaseCreated", purchaseCreatedEvent{
			PurchaseID:  args.PurchaseID,
			TradeID:     args.TradeID,
			Buyer:       accounts[0],
			Quantity:    args.Quantity,
			TotalAmount: total,
		})}, nil
	}
	return nil, fmt.Errorf("Program log: unsupported instruction %x", disc)
}

func mustAccount(name string, v any) []byte {
	disc := accountDiscriminator(name)
	buf := bytes.NewBuffer(append([]byte(nil), disc[:]...))
	if err := bin.NewBorshEncoder(buf).Encode(v); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

func mustEvent(name string, v any) []byte {
	disc := eventDiscriminator(name)
	buf := bytes.NewBuffer(append([]byte(nil), disc[:]...))
	if err := bin.NewBorshEncoder(buf).Encode(v); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// splTokenAccount builds the 165 byte SPL token account layout.
func splTokenAccount(mint, owner solana.PublicKey, amount uint64, delegate *solana.PublicKey, delegated uint64) []byte {
	buf := make([]byte, 0, 165)
	buf = append(buf, mint[:]...)
	buf = append(buf, owner[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, amount)
	if delegate != nil {
		buf = binary.LittleEndian.AppendUint32(buf, 1)
		buf = append(buf, delegate[:]...)
	} else {
		buf = binary.LittleEndian.AppendUint32(buf, 0)
		buf = append(buf, make([]byte, 32)...)
	}
	buf = append(buf, 1) // initialized
	buf = binary.LittleEndian.AppendUint32(buf, 0)
	buf = binary.LittleEndian.AppendUint64(buf, 0)
	buf = binary.LittleEndian.AppendUint64(buf, delegated)
	buf = binary.LittleEndian.AppendUint32(buf, 0)
	buf = append(buf, make([]byte, 32)...)
	return buf
}

// splMint builds the 82 byte SPL mint layout.
func splMint(decimals uint8) []byte {
	buf := make([]byte, 0, 82)
	buf = binary.LittleEndian.AppendUint32(buf, 0)
	buf = append(buf, make([]byte, 32)...)
	buf = binary.LittleEndian.AppendUint64(buf, 1_000_000)
	buf = append(buf, decimals, 1)
	buf = binary.LittleEndian.AppendUint32(buf, 0)
	buf = append(buf, make([]byte, 32)...)
	return buf
}
