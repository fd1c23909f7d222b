package orchestrator

import (
	"context"
	"math/big"

	"go.opentelemetry.io/otel/attribute"

	"escrowcore/escrow"
)

// dispatch runs a write that assigns no identifier: validate, submit, wait.
func (o *Orchestrator) dispatch(ctx context.Context, name string, chain escrow.ChainKind, attrs []attribute.KeyValue,
	validate func() error, send func(context.Context, escrow.Adapter) (*escrow.Receipt, error)) (*Result, error) {
	ctx, r := o.begin(ctx, name, chain, attrs...)
	rt, err := o.runtime(chain)
	if err != nil {
		return nil, r.fail(o.now(), "", err)
	}
	if validate != nil {
		if err := validate(); err != nil {
			return nil, r.fail(o.now(), "", err)
		}
	}
	r.advance(StateValidated)
	receipt, err := send(ctx, rt.adapter)
	r.submitted(receipt)
	if err != nil {
		return o.failed(r, receipt, err)
	}
	r.advance(StateConfirmed, "height", receipt.Height)
	res := &Result{Handle: receipt.Handle, Receipt: receipt, Status: StatusConfirmed}
	r.done(o.now(), res)
	return res, nil
}

func purchaseAttrs(purchaseID uint64) []attribute.KeyValue {
	return []attribute.KeyValue{attribute.Int64("escrow.purchase_id", int64(purchaseID))}
}

func requireAccount(field, value string) func() error {
	return func() error {
		if value == "" {
			return escrow.Invalid("%s required", field)
		}
		return nil
	}
}

// RegisterLogisticsProvider allows provider to be offered on trades.
func (o *Orchestrator) RegisterLogisticsProvider(ctx context.Context, chain escrow.ChainKind, provider string) (*Result, error) {
	return o.dispatch(ctx, "register_logistics_provider", chain, nil, requireAccount("logistics provider", provider),
		func(ctx context.Context, a escrow.Adapter) (*escrow.Receipt, error) {
			return a.RegisterLogisticsProvider(ctx, provider)
		})
}

// ConfirmDelivery releases escrowed funds of a purchase to the seller and
// the logistics provider.
func (o *Orchestrator) ConfirmDelivery(ctx context.Context, chain escrow.ChainKind, purchaseID uint64) (*Result, error) {
	return o.dispatch(ctx, "confirm_delivery", chain, purchaseAttrs(purchaseID), nil,
		func(ctx context.Context, a escrow.Adapter) (*escrow.Receipt, error) {
			return a.ConfirmDelivery(ctx, purchaseID)
		})
}

// CancelPurchase refunds an unsettled purchase to the buyer.
func (o *Orchestrator) CancelPurchase(ctx context.Context, chain escrow.ChainKind, purchaseID uint64) (*Result, error) {
	return o.dispatch(ctx, "cancel_purchase", chain, purchaseAttrs(purchaseID), nil,
		func(ctx context.Context, a escrow.Adapter) (*escrow.Receipt, error) {
			return a.CancelPurchase(ctx, purchaseID)
		})
}

// RaiseDispute freezes a purchase until the contract owner resolves it.
func (o *Orchestrator) RaiseDispute(ctx context.Context, chain escrow.ChainKind, purchaseID uint64) (*Result, error) {
	return o.dispatch(ctx, "raise_dispute", chain, purchaseAttrs(purchaseID), nil,
		func(ctx context.Context, a escrow.Adapter) (*escrow.Receipt, error) {
			return a.RaiseDispute(ctx, purchaseID)
		})
}

// ResolveDispute settles a disputed purchase in favour of winner.
func (o *Orchestrator) ResolveDispute(ctx context.Context, chain escrow.ChainKind, purchaseID uint64, winner string) (*Result, error) {
	return o.dispatch(ctx, "resolve_dispute", chain, purchaseAttrs(purchaseID), requireAccount("winner", winner),
		func(ctx context.Context, a escrow.Adapter) (*escrow.Receipt, error) {
			return a.ResolveDispute(ctx, purchaseID, winner)
		})
}

// WithdrawEscrowFees moves the accumulated protocol fees for token to the
// contract owner.
func (o *Orchestrator) WithdrawEscrowFees(ctx context.Context, chain escrow.ChainKind, token string) (*Result, error) {
	var resolved string
	validate := func() error {
		rt, err := o.runtime(chain)
		if err != nil {
			return err
		}
		resolved, err = rt.tokens.Resolve(token)
		return err
	}
	return o.dispatch(ctx, "withdraw_escrow_fees", chain, nil, validate,
		func(ctx context.Context, a escrow.Adapter) (*escrow.Receipt, error) {
			return a.WithdrawEscrowFees(ctx, resolved)
		})
}

// GetTrade reads a trade.
func (o *Orchestrator) GetTrade(ctx context.Context, chain escrow.ChainKind, tradeID uint64) (*escrow.Trade, error) {
	rt, err := o.runtime(chain)
	if err != nil {
		return nil, err
	}
	return rt.adapter.GetTrade(ctx, tradeID)
}

// GetPurchase reads a purchase.
func (o *Orchestrator) GetPurchase(ctx context.Context, chain escrow.ChainKind, purchaseID uint64) (*escrow.Purchase, error) {
	rt, err := o.runtime(chain)
	if err != nil {
		return nil, err
	}
	return rt.adapter.GetPurchase(ctx, purchaseID)
}

// GetLogisticsProvider reads a provider's registration.
func (o *Orchestrator) GetLogisticsProvider(ctx context.Context, chain escrow.ChainKind, provider string) (*escrow.LogisticsProvider, error) {
	rt, err := o.runtime(chain)
	if err != nil {
		return nil, err
	}
	return rt.adapter.GetLogisticsProvider(ctx, provider)
}

// Allowance reads how much of token the escrow may pull from owner. An
// empty owner means the chain's signer.
func (o *Orchestrator) Allowance(ctx context.Context, chain escrow.ChainKind, owner, token string) (*big.Int, error) {
	rt, err := o.runtime(chain)
	if err != nil {
		return nil, err
	}
	resolved, err := rt.tokens.Resolve(token)
	if err != nil {
		return nil, err
	}
	if owner == "" {
		owner = rt.adapter.Signer()
	}
	spender, err := rt.adapter.Spender(ctx, resolved)
	if err != nil {
		return nil, err
	}
	return rt.adapter.Tokens().Allowance(ctx, owner, spender, resolved)
}

// Balance reads owner's balance of token. An empty owner means the chain's
// signer.
func (o *Orchestrator) Balance(ctx context.Context, chain escrow.ChainKind, owner, token string) (*big.Int, error) {
	rt, err := o.runtime(chain)
	if err != nil {
		return nil, err
	}
	resolved, err := rt.tokens.Resolve(token)
	if err != nil {
		return nil, err
	}
	if owner == "" {
		owner = rt.adapter.Signer()
	}
	return rt.adapter.Tokens().Balance(ctx, owner, resolved)
}

// Decimals reads token's decimal places, used to convert human amounts.
func (o *Orchestrator) Decimals(ctx context.Context, chain escrow.ChainKind, token string) (uint8, error) {
	rt, err := o.runtime(chain)
	if err != nil {
		return 0, err
	}
	resolved, err := rt.tokens.Resolve(token)
	if err != nil {
		return 0, err
	}
	return rt.adapter.Tokens().Decimals(ctx, resolved)
}
