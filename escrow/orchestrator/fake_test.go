package orchestrator

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"escrowcore/escrow"
)

// fakeAdapter is an in-memory escrow deployment. With preassign set it
// behaves like a derived-address chain: ids come from the caller and ids
// listed in occupied collide.
type fakeAdapter struct {
	mu sync.Mutex

	chain     escrow.ChainKind
	preassign bool

	nextID    uint64
	trades    map[uint64]*escrow.Trade
	purchases map[uint64]*escrow.Purchase
	occupied  map[uint64]bool

	allowance        *big.Int
	approvals        []*big.Int
	ignoreApprovals  bool
	buys             []escrow.BuyTradeParams
	sends            int
	handles          int
	events           map[string][]escrow.DecodedEvent
	hiddenReads      int
	reads            map[string]int
	abandonNextWrite bool
	// beforeBuy runs with the lock held before a purchase executes.
	beforeBuy func()
	// stallTradeReads makes GetTrade block until its context ends.
	stallTradeReads bool
}

func newFakeAdapter(chain escrow.ChainKind, preassign bool) *fakeAdapter {
	return &fakeAdapter{
		chain:     chain,
		preassign: preassign,
		nextID:    42,
		trades:    make(map[uint64]*escrow.Trade),
		purchases: make(map[uint64]*escrow.Purchase),
		occupied:  make(map[uint64]bool),
		allowance: new(big.Int),
		events:    make(map[string][]escrow.DecodedEvent),
		reads:     make(map[string]int),
	}
}

func (f *fakeAdapter) Chain() escrow.ChainKind { return f.chain }

func (f *fakeAdapter) Family() escrow.Family {
	if f.preassign {
		return escrow.FamilyPDA
	}
	return escrow.FamilyEVM
}

func (f *fakeAdapter) Signer() string { return "0x00000000000000000000000000000000000000bb" }

func (f *fakeAdapter) PreassignsIDs() bool { return f.preassign }

func (f *fakeAdapter) Spender(context.Context, string) (string, error) {
	return "0x00000000000000000000000000000000000e5c20", nil
}

func (f *fakeAdapter) NativeToken(token string) bool { return token == "native" }

func (f *fakeAdapter) Tokens() escrow.TokenAuthority { return f }

func (f *fakeAdapter) Events() escrow.EventSource { return f }

func (f *fakeAdapter) Allowance(context.Context, string, string, string) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(f.allowance), nil
}

func (f *fakeAdapter) Approve(_ context.Context, _, _ string, amount *big.Int) (*escrow.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.approvals = append(f.approvals, new(big.Int).Set(amount))
	if !f.ignoreApprovals {
		f.allowance = new(big.Int).Set(amount)
	}
	return f.receiptLocked(), nil
}

func (f *fakeAdapter) Balance(context.Context, string, string) (*big.Int, error) {
	return big.NewInt(1_000_000), nil
}

func (f *fakeAdapter) Decimals(context.Context, string) (uint8, error) { return 6, nil }

func (f *fakeAdapter) TransactionEvents(_ context.Context, handle string) ([]escrow.DecodedEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads[handle]++
	if f.reads[handle] <= f.hiddenReads {
		return nil, nil
	}
	return f.events[handle], nil
}

func (f *fakeAdapter) receiptLocked() *escrow.Receipt {
	f.sends++
	f.handles++
	return &escrow.Receipt{Handle: fmt.Sprintf("0xtx%02d", f.handles), Confirmed: true, Height: uint64(100 + f.handles)}
}

func (f *fakeAdapter) emitLocked(receipt *escrow.Receipt, ev escrow.Event) {
	f.events[receipt.Handle] = append(f.events[receipt.Handle], escrow.DecodedEvent{
		Name:  ev.EventName(),
		Index: len(f.events[receipt.Handle]),
		Event: ev,
	})
}

// abandonLocked returns a broadcast but unconfirmed receipt when the next
// write is set to be abandoned.
func (f *fakeAdapter) abandonLocked() (*escrow.Receipt, error) {
	if !f.abandonNextWrite {
		return nil, nil
	}
	f.abandonNextWrite = false
	receipt := f.receiptLocked()
	receipt.Confirmed = false
	return receipt, fmt.Errorf("%w: waiting for %s: context deadline exceeded", escrow.ErrAbandoned, receipt.Handle)
}

func (f *fakeAdapter) assign(requested uint64) (uint64, error) {
	if !f.preassign {
		id := f.nextID
		f.nextID++
		return id, nil
	}
	if requested == 0 {
		return 0, escrow.Invalid("id must be assigned")
	}
	if f.occupied[requested] {
		return 0, fmt.Errorf("%w: record %d", escrow.ErrDerivationCollision, requested)
	}
	return requested, nil
}

func (f *fakeAdapter) RegisterLogisticsProvider(context.Context, string) (*escrow.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.receiptLocked(), nil
}

func (f *fakeAdapter) CreateTrade(_ context.Context, p escrow.CreateTradeParams) (*escrow.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if receipt, err := f.abandonLocked(); receipt != nil {
		return receipt, err
	}
	id, err := f.assign(p.TradeID)
	if err != nil {
		return nil, err
	}
	if _, exists := f.trades[id]; exists {
		return nil, fmt.Errorf("%w: trade %d", escrow.ErrDerivationCollision, id)
	}
	f.trades[id] = &escrow.Trade{
		TradeID:            id,
		Seller:             p.Seller,
		PaymentToken:       p.PaymentToken,
		UnitProductCost:    p.UnitProductCost,
		LogisticsProviders: p.LogisticsProviders,
		LogisticsCosts:     p.LogisticsCosts,
		TotalQuantity:      p.TotalQuantity,
		RemainingQuantity:  p.TotalQuantity,
		Active:             true,
	}
	receipt := f.receiptLocked()
	f.emitLocked(receipt, escrow.TradeCreated{TradeID: id, Seller: p.Seller, UnitProductCost: p.UnitProductCost, TotalQuantity: p.TotalQuantity})
	return receipt, nil
}

func (f *fakeAdapter) BuyTrade(_ context.Context, p escrow.BuyTradeParams) (*escrow.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buys = append(f.buys, p)
	if f.beforeBuy != nil {
		f.beforeBuy()
	}
	trade, ok := f.trades[p.TradeID]
	if !ok {
		return nil, &escrow.RevertError{Reason: "Trade does not exist"}
	}
	if trade.RemainingQuantity < p.Quantity {
		return nil, &escrow.RevertError{Reason: "Insufficient quantity"}
	}
	if !f.NativeToken(p.PaymentToken) {
		if f.allowance.Cmp(p.Payable) < 0 {
			return nil, &escrow.RevertError{Reason: "ERC20: insufficient allowance"}
		}
		f.allowance.Sub(f.allowance, p.Payable)
	}
	id, err := f.assign(p.PurchaseID)
	if err != nil {
		return nil, err
	}
	trade.RemainingQuantity -= p.Quantity
	f.purchases[id] = &escrow.Purchase{
		PurchaseID:     id,
		TradeID:        p.TradeID,
		Buyer:          f.Signer(),
		Quantity:       p.Quantity,
		TotalAmount:    new(big.Int).Set(p.Payable),
		ChosenProvider: p.ChosenProvider,
	}
	receipt := f.receiptLocked()
	f.emitLocked(receipt, escrow.PurchaseCreated{PurchaseID: id, TradeID: p.TradeID, Buyer: f.Signer(), Quantity: p.Quantity, TotalAmount: p.Payable})
	return receipt, nil
}

func (f *fakeAdapter) purchaseWrite(purchaseID uint64, apply func(*escrow.Purchase) error) (*escrow.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if receipt, err := f.abandonLocked(); receipt != nil {
		return receipt, err
	}
	p, ok := f.purchases[purchaseID]
	if !ok {
		return nil, &escrow.RevertError{Reason: "Purchase does not exist"}
	}
	if err := apply(p); err != nil {
		return nil, err
	}
	return f.receiptLocked(), nil
}

func (f *fakeAdapter) ConfirmDelivery(_ context.Context, purchaseID uint64) (*escrow.Receipt, error) {
	return f.purchaseWrite(purchaseID, func(p *escrow.Purchase) error {
		if p.Settled {
			return &escrow.RevertError{Reason: "Purchase settled"}
		}
		p.DeliveredAndConfirmed, p.Settled = true, true
		return nil
	})
}

func (f *fakeAdapter) CancelPurchase(_ context.Context, purchaseID uint64) (*escrow.Receipt, error) {
	return f.purchaseWrite(purchaseID, func(p *escrow.Purchase) error {
		if p.Settled {
			return &escrow.RevertError{Reason: "Purchase settled"}
		}
		p.Settled = true
		f.trades[p.TradeID].RemainingQuantity += p.Quantity
		return nil
	})
}

func (f *fakeAdapter) RaiseDispute(_ context.Context, purchaseID uint64) (*escrow.Receipt, error) {
	return f.purchaseWrite(purchaseID, func(p *escrow.Purchase) error {
		p.Disputed = true
		return nil
	})
}

func (f *fakeAdapter) ResolveDispute(_ context.Context, purchaseID uint64, _ string) (*escrow.Receipt, error) {
	return f.purchaseWrite(purchaseID, func(p *escrow.Purchase) error {
		if !p.Disputed {
			return &escrow.RevertError{Reason: "No dispute"}
		}
		p.Disputed, p.Settled = false, true
		return nil
	})
}

func (f *fakeAdapter) WithdrawEscrowFees(context.Context, string) (*escrow.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.receiptLocked(), nil
}

func (f *fakeAdapter) GetTrade(ctx context.Context, tradeID uint64) (*escrow.Trade, error) {
	f.mu.Lock()
	stall := f.stallTradeReads
	f.mu.Unlock()
	if stall {
		<-ctx.Done()
		return nil, escrow.Unreachable("get trade", ctx.Err())
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	trade, ok := f.trades[tradeID]
	if !ok {
		return nil, fmt.Errorf("%w: trade %d", escrow.ErrNotFound, tradeID)
	}
	clone := *trade
	return &clone, nil
}

func (f *fakeAdapter) GetPurchase(_ context.Context, purchaseID uint64) (*escrow.Purchase, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.purchases[purchaseID]
	if !ok {
		return nil, fmt.Errorf("%w: purchase %d", escrow.ErrNotFound, purchaseID)
	}
	clone := *p
	return &clone, nil
}

func (f *fakeAdapter) GetLogisticsProvider(_ context.Context, provider string) (*escrow.LogisticsProvider, error) {
	return &escrow.LogisticsProvider{Address: provider, Registered: true}, nil
}

func (f *fakeAdapter) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sends
}
