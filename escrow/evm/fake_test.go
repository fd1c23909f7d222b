package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	fakeChainID   = big.NewInt(44787)
	fakeContract  = common.HexToAddress("0x00000000000000000000000000000000000e5c20")
	fakeToken     = common.HexToAddress("0x000000000000000000000000000000000000d0c1")
	fakeBareToken = common.HexToAddress("0x000000000000000000000000000000000000bad0")
)

// revertError mimics the JSON-RPC error a node returns for a reverted call.
type revertError struct {
	reason string
	data   string
}

func newRevertError(reason string) *revertError {
	stringTy, _ := abi.NewType("string", "", nil)
	packed, _ := abi.Arguments{{Type: stringTy}}.Pack(reason)
	payload := append([]byte{0x08, 0xc3, 0x79, 0xa0}, packed...)
	return &revertError{reason: reason, data: hexutil.Encode(payload)}
}

func (e *revertError) Error() string { return "execution reverted: " + e.reason }

func (e *revertError) ErrorCode() int { return 3 }

func (e *revertError) ErrorData() interface{} { return e.data }

type fakeTrade struct {
	seller    common.Address
	token     common.Address
	cost      *big.Int
	providers []common.Address
	costs     []*big.Int
	total     uint64
	remaining uint64
	active    bool
}

type fakePurchase struct {
	tradeID   uint64
	buyer     common.Address
	quantity  uint64
	total     *big.Int
	provider  common.Address
	logistics *big.Int
	delivered bool
	disputed  bool
	settled   bool
}

// fakeChain is an in-memory execution client hosting the escrow contract
// and one ERC-20 token.
type fakeChain struct {
	mu sync.Mutex

	escrow abi.ABI
	erc20  abi.ABI

	head      uint64
	nonces    map[common.Address]uint64
	txs       map[common.Hash]*types.Transaction
	receipts  map[common.Hash]*types.Receipt
	logs      []types.Log
	providers map[common.Address]bool
	trades    map[uint64]*fakeTrade
	purchases map[uint64]*fakePurchase
	nextTrade uint64
	nextBuy   uint64

	allowances map[common.Address]map[common.Address]*big.Int
	balances   map[common.Address]*big.Int

	// ignoreApprovals makes approve() succeed without changing allowances.
	ignoreApprovals bool
	// revertOnInclusion reverts every mined transaction with this reason
	// even though estimation succeeded.
	revertOnInclusion string
	sent              int
	estimates         int
	// replays records the block of every historical call.
	replays []uint64
}

func newFakeChain() *fakeChain {
	escrowABI, err := ParseABI(EscrowABI)
	if err != nil {
		panic(err)
	}
	erc20ABI, err := abi.JSON(strings.NewReader(ERC20ABI))
	if err != nil {
		panic(err)
	}
	return &fakeChain{
		escrow:     escrowABI,
		erc20:      erc20ABI,
		head:       100,
		nonces:     make(map[common.Address]uint64),
		txs:        make(map[common.Hash]*types.Transaction),
		receipts:   make(map[common.Hash]*types.Receipt),
		providers:  make(map[common.Address]bool),
		trades:     make(map[uint64]*fakeTrade),
		purchases:  make(map[uint64]*fakePurchase),
		allowances: make(map[common.Address]map[common.Address]*big.Int),
		balances:   make(map[common.Address]*big.Int),
	}
}

func (f *fakeChain) fund(owner common.Address, amount int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[owner] = big.NewInt(amount)
}

func (f *fakeChain) allowance(owner, spender common.Address) *big.Int {
	if byOwner, ok := f.allowances[owner]; ok {
		if v, ok := byOwner[spender]; ok {
			return new(big.Int).Set(v)
		}
	}
	return new(big.Int)
}

func (f *fakeChain) ChainID(ctx context.Context) (*big.Int, error) { return fakeChainID, nil }

func (f *fakeChain) BlockNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeChain) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &types.Header{Number: new(big.Int).SetUint64(f.head), BaseFee: big.NewInt(1_000_000_000)}, nil
}

func (f *fakeChain) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(2_000_000_000), nil
}

func (f *fakeChain) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeChain) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonces[account], nil
}

func (f *fakeChain) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.estimates++
	if msg.To == nil {
		return 0, errors.New("contract creation not supported")
	}
	snapshot := f.snapshot()
	defer f.restore(snapshot)
	if _, _, err := f.execute(msg.From, *msg.To, msg.Data, msg.Value); err != nil {
		return 0, err
	}
	return 90_000, nil
}

func (f *fakeChain) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if msg.To == nil {
		return nil, errors.New("no target")
	}
	if blockNumber != nil {
		f.replays = append(f.replays, blockNumber.Uint64())
		if f.revertOnInclusion != "" {
			return nil, newRevertError(f.revertOnInclusion)
		}
	}
	snapshot := f.snapshot()
	defer f.restore(snapshot)
	out, _, err := f.execute(msg.From, *msg.To, msg.Data, msg.Value)
	return out, err
}

func (f *fakeChain) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	from, err := types.Sender(types.LatestSignerForChainID(fakeChainID), tx)
	if err != nil {
		return err
	}
	if tx.Nonce() != f.nonces[from] {
		return fmt.Errorf("nonce mismatch: have %d want %d", tx.Nonce(), f.nonces[from])
	}
	f.nonces[from]++
	f.head++
	f.sent++
	receipt := &types.Receipt{
		TxHash:      tx.Hash(),
		BlockNumber: new(big.Int).SetUint64(f.head),
		GasUsed:     75_000,
		Status:      types.ReceiptStatusSuccessful,
	}
	var logs []*types.Log
	if f.revertOnInclusion != "" {
		receipt.Status = types.ReceiptStatusFailed
	} else {
		snapshot := f.snapshot()
		_, logs, err = f.execute(from, *tx.To(), tx.Data(), tx.Value())
		if err != nil {
			f.restore(snapshot)
			receipt.Status = types.ReceiptStatusFailed
			logs = nil
		}
	}
	for i, l := range logs {
		l.TxHash = tx.Hash()
		l.BlockNumber = f.head
		l.Index = uint(i)
		f.logs = append(f.logs, *l)
	}
	receipt.Logs = logs
	f.txs[tx.Hash()] = tx
	f.receipts[tx.Hash()] = receipt
	return nil
}

func (f *fakeChain) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.receipts[hash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func (f *fakeChain) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if tx, ok := f.txs[hash]; ok {
		return tx, false, nil
	}
	return nil, false, ethereum.NotFound
}

func (f *fakeChain) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.Log
	for _, l := range f.logs {
		if q.FromBlock != nil && l.BlockNumber < q.FromBlock.Uint64() {
			continue
		}
		if q.ToBlock != nil && l.BlockNumber > q.ToBlock.Uint64() {
			continue
		}
		if len(q.Addresses) > 0 && q.Addresses[0] != l.Address {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

type fakeState struct {
	trades     map[uint64]fakeTrade
	purchases  map[uint64]fakePurchase
	nextTrade  uint64
	nextBuy    uint64
	allowances map[common.Address]map[common.Address]*big.Int
	balances   map[common.Address]*big.Int
	providers  map[common.Address]bool
}

func (f *fakeChain) snapshot() fakeState {
	s := fakeState{
		trades:     make(map[uint64]fakeTrade),
		purchases:  make(map[uint64]fakePurchase),
		nextTrade:  f.nextTrade,
		nextBuy:    f.nextBuy,
		allowances: make(map[common.Address]map[common.Address]*big.Int),
		balances:   make(map[common.Address]*big.Int),
		providers:  make(map[common.Address]bool),
	}
	for k, v := range f.trades {
		s.trades[k] = *v
	}
	for k, v := range f.purchases {
		s.purchases[k] = *v
	}
	for owner, m := range f.allowances {
		s.allowances[owner] = make(map[common.Address]*big.Int)
		for spender, v := range m {
			s.allowances[owner][spender] = new(big.Int).Set(v)
		}
	}
	for k, v := range f.balances {
		s.balances[k] = new(big.Int).Set(v)
	}
	for k, v := range f.providers {
		s.providers[k] = v
	}
	return s
}

func (f *fakeChain) restore(s fakeState) {
	f.trades = make(map[uint64]*fakeTrade)
	for k, v := range s.trades {
		v := v
		f.trades[k] = &v
	}
	f.purchases = make(map[uint64]*fakePurchase)
	for k, v := range s.purchases {
		v := v
		f.purchases[k] = &v
	}
	f.nextTrade = s.nextTrade
	f.nextBuy = s.nextBuy
	f.allowances = s.allowances
	f.balances = s.balances
	f.providers = s.providers
}

func (f *fakeChain) emit(name string, indexed []any, data ...any) *types.Log {
	ev := f.escrow.Events[name]
	topics := []common.Hash{ev.ID}
	for _, v := range indexed {
		t, err := abi.MakeTopics([]any{v})
		if err != nil {
			panic(err)
		}
		topics = append(topics, t[0][0])
	}
	packed, err := ev.Inputs.NonIndexed().Pack(data...)
	if err != nil {
		panic(err)
	}
	return &types.Log{Address: fakeContract, Topics: topics, Data: packed}
}

func (f *fakeChain) execute(from, to common.Address, data []byte, value *big.Int) ([]byte, []*types.Log, error) {
	if len(data) < 4 {
		return nil, nil, newRevertError("no selector")
	}
	switch to {
	case fakeContract:
		return f.executeEscrow(from, data)
	case fakeToken:
		return f.executeToken(from, data)
	case fakeBareToken:
		return nil, nil, newRevertError("")
	}
	return nil, nil, nil
}

func (f *fakeChain) executeToken(from common.Address, data []byte) ([]byte, []*types.Log, error) {
	method, err := f.erc20.MethodById(data[:4])
	if err != nil {
		return nil, nil, newRevertError("unknown selector")
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, nil, newRevertError("bad calldata")
	}
	switch method.Name {
	case "allowance":
		out, _ := method.Outputs.Pack(f.allowance(args[0].(common.Address), args[1].(common.Address)))
		return out, nil, nil
	case "approve":
		if !f.ignoreApprovals {
			if f.allowances[from] == nil {
				f.allowances[from] = make(map[common.Address]*big.Int)
			}
			f.allowances[from][args[0].(common.Address)] = new(big.Int).Set(args[1].(*big.Int))
		}
		out, _ := method.Outputs.Pack(true)
		return out, nil, nil
	case "balanceOf":
		bal := f.balances[args[0].(common.Address)]
		if bal == nil {
			bal = new(big.Int)
		}
		out, _ := method.Outputs.Pack(bal)
		return out, nil, nil
	case "decimals":
		out, _ := method.Outputs.Pack(uint8(6))
		return out, nil, nil
	}
	return nil, nil, newRevertError("unsupported")
}

func (f *fakeChain) executeEscrow(from common.Address, data []byte) ([]byte, []*types.Log, error) {
	method, err := f.escrow.MethodById(data[:4])
	if err != nil {
		return nil, nil, newRevertError("unknown selector")
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, nil, newRevertError("bad calldata")
	}
	switch method.Name {
	case "registerLogisticsProvider":
		f.providers[args[0].(common.Address)] = true
		return nil, nil, nil

	case "createTrade":
		providers := args[2].([]common.Address)
		costs := args[3].([]*big.Int)
		quantity := args[4].(*big.Int).Uint64()
		if len(providers) != len(costs) || len(providers) == 0 {
			return nil, nil, newRevertError("Mismatched logistics arrays")
		}
		if quantity == 0 {
			return nil, nil, newRevertError("Quantity must be positive")
		}
		for _, p := range providers {
			if !f.providers[p] {
				return nil, nil, newRevertError("Logistics provider not registered")
			}
		}
		f.nextTrade++
		id := f.nextTrade
		f.trades[id] = &fakeTrade{
			seller: args[0].(common.Address), cost: args[1].(*big.Int), providers: providers, costs: costs,
			total: quantity, remaining: quantity, active: true, token: args[5].(common.Address),
		}
		log := f.emit("TradeCreated", []any{new(big.Int).SetUint64(id), args[0].(common.Address)}, args[1].(*big.Int), args[4].(*big.Int))
		out, _ := method.Outputs.Pack(new(big.Int).SetUint64(id))
		return out, []*types.Log{log}, nil

	case "buyTrade":
		tradeID := args[0].(*big.Int).Uint64()
		quantity := args[1].(*big.Int).Uint64()
		provider := args[2].(common.Address)
		trade, ok := f.trades[tradeID]
		if !ok {
			return nil, nil, newRevertError("Trade does not exist")
		}
		if !trade.active {
			return nil, nil, newRevertError("Trade inactive")
		}
		if quantity == 0 || quantity > trade.remaining {
			return nil, nil, newRevertError("Insufficient quantity")
		}
		idx := -1
		for i, p := range trade.providers {
			if p == provider {
				idx = i
			}
		}
		if idx < 0 {
			return nil, nil, newRevertError("Invalid logistics provider")
		}
		perUnit := new(big.Int).Add(trade.cost, trade.costs[idx])
		total := new(big.Int).Mul(perUnit, new(big.Int).SetUint64(quantity))
		allowed := f.allowance(from, fakeContract)
		if allowed.Cmp(total) < 0 {
			return nil, nil, newRevertError("ERC20: insufficient allowance")
		}
		balance := f.balances[from]
		if balance == nil || balance.Cmp(total) < 0 {
			return nil, nil, newRevertError("ERC20: transfer amount exceeds balance")
		}
		f.allowances[from][fakeContract] = allowed.Sub(allowed, total)
		f.balances[from] = new(big.Int).Sub(balance, total)
		trade.remaining -= quantity
		if trade.remaining == 0 {
			trade.active = false
		}
		f.nextBuy++
		id := f.nextBuy
		f.purchases[id] = &fakePurchase{
			tradeID: tradeID, buyer: from, quantity: quantity, total: total,
			provider: provider, logistics: trade.costs[idx],
		}
		log := f.emit("PurchaseCreated",
			[]any{new(big.Int).SetUint64(id), new(big.Int).SetUint64(tradeID), from},
			new(big.Int).SetUint64(quantity), total)
		out, _ := method.Outputs.Pack(new(big.Int).SetUint64(id))
		return out, []*types.Log{log}, nil

	case "confirmDeliveryAndPurchase":
		id := args[0].(*big.Int).Uint64()
		p, ok := f.purchases[id]
		if !ok {
			return nil, nil, newRevertError("Purchase does not exist")
		}
		if p.buyer != from {
			return nil, nil, newRevertError("Not buyer")
		}
		if p.delivered || p.settled {
			return nil, nil, newRevertError("Purchase settled")
		}
		p.delivered = true
		p.settled = true
		log := f.emit("DeliveryConfirmed", []any{new(big.Int).SetUint64(id), new(big.Int).SetUint64(p.tradeID), from})
		return nil, []*types.Log{log}, nil

	case "cancelPurchase":
		id := args[0].(*big.Int).Uint64()
		p, ok := f.purchases[id]
		if !ok {
			return nil, nil, newRevertError("Purchase does not exist")
		}
		if p.buyer != from {
			return nil, nil, newRevertError("Not buyer")
		}
		if p.delivered || p.settled {
			return nil, nil, newRevertError("Purchase settled")
		}
		p.settled = true
		trade := f.trades[p.tradeID]
		trade.remaining += p.quantity
		trade.active = true
		f.balances[from] = new(big.Int).Add(f.balances[from], p.total)
		return nil, nil, nil

	case "raiseDispute":
		id := args[0].(*big.Int).Uint64()
		p, ok := f.purchases[id]
		if !ok {
			return nil, nil, newRevertError("Purchase does not exist")
		}
		if p.disputed {
			return nil, nil, newRevertError("Already disputed")
		}
		p.disputed = true
		log := f.emit("DisputeRaised", []any{new(big.Int).SetUint64(id), from})
		return nil, []*types.Log{log}, nil

	case "resolveDispute":
		id := args[0].(*big.Int).Uint64()
		p, ok := f.purchases[id]
		if !ok || !p.disputed {
			return nil, nil, newRevertError("No dispute")
		}
		p.settled = true
		log := f.emit("DisputeResolved", []any{new(big.Int).SetUint64(id), args[1].(common.Address)})
		return nil, []*types.Log{log}, nil

	case "withdrawEscrowFees":
		return nil, nil, nil

	case "logisticsProviders":
		out, _ := method.Outputs.Pack(f.providers[args[0].(common.Address)])
		return out, nil, nil

	case "getTrade":
		id := args[0].(*big.Int).Uint64()
		t, ok := f.trades[id]
		tuple := tradeTuple{
			TradeId: new(big.Int), ProductCost: new(big.Int), TotalQuantity: new(big.Int), RemainingQuantity: new(big.Int),
			LogisticsProviders: []common.Address{}, LogisticsCosts: []*big.Int{},
		}
		if ok {
			tuple = tradeTuple{
				TradeId:            new(big.Int).SetUint64(id),
				Seller:             t.seller,
				PaymentToken:       t.token,
				ProductCost:        t.cost,
				LogisticsProviders: t.providers,
				LogisticsCosts:     t.costs,
				TotalQuantity:      new(big.Int).SetUint64(t.total),
				RemainingQuantity:  new(big.Int).SetUint64(t.remaining),
				Active:             t.active,
			}
		}
		out, err := method.Outputs.Pack(tuple)
		if err != nil {
			panic(err)
		}
		return out, nil, nil

	case "getPurchase":
		id := args[0].(*big.Int).Uint64()
		p, ok := f.purchases[id]
		tuple := purchaseTuple{
			PurchaseId: new(big.Int), TradeId: new(big.Int), Quantity: new(big.Int),
			TotalAmount: new(big.Int), LogisticsCost: new(big.Int),
		}
		if ok {
			tuple = purchaseTuple{
				PurchaseId:              new(big.Int).SetUint64(id),
				TradeId:                 new(big.Int).SetUint64(p.tradeID),
				Buyer:                   p.buyer,
				Quantity:                new(big.Int).SetUint64(p.quantity),
				TotalAmount:             p.total,
				ChosenLogisticsProvider: p.provider,
				LogisticsCost:           p.logistics,
				DeliveredAndConfirmed:   p.delivered,
				Disputed:                p.disputed,
				Settled:                 p.settled,
			}
		}
		out, err := method.Outputs.Pack(tuple)
		if err != nil {
			panic(err)
		}
		return out, nil, nil
	}
	return nil, nil, newRevertError("unsupported")
}
