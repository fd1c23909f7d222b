package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"go.opentelemetry.io/otel/attribute"

	"escrowcore/escrow"
	"escrowcore/escrow/approval"
)

// CreateTradeRequest lists a product for sale. Amounts are atomic units of
// the payment token.
type CreateTradeRequest struct {
	Seller             string     `json:"seller"`
	UnitProductCost    *big.Int   `json:"unitProductCost"`
	TotalQuantity      uint64     `json:"totalQuantity"`
	PaymentToken       string     `json:"paymentToken"`
	LogisticsProviders []string   `json:"logisticsProviders"`
	LogisticsCosts     []*big.Int `json:"logisticsCosts"`
}

func (r CreateTradeRequest) validate() error {
	switch {
	case r.Seller == "":
		return escrow.Invalid("seller required")
	case r.UnitProductCost == nil || r.UnitProductCost.Sign() < 0:
		return escrow.Invalid("unit product cost must be non-negative")
	case r.TotalQuantity == 0:
		return escrow.Invalid("total quantity must be positive")
	case len(r.LogisticsProviders) == 0:
		return escrow.Invalid("at least one logistics provider required")
	case len(r.LogisticsProviders) != len(r.LogisticsCosts):
		return escrow.Invalid("%d logistics providers but %d costs", len(r.LogisticsProviders), len(r.LogisticsCosts))
	}
	for i, cost := range r.LogisticsCosts {
		if cost == nil || cost.Sign() < 0 {
			return escrow.Invalid("logistics cost %d must be non-negative", i)
		}
	}
	return nil
}

// BuyTradeRequest purchases quantity units of a trade with the signer as
// buyer.
type BuyTradeRequest struct {
	TradeID        uint64 `json:"tradeId"`
	Quantity       uint64 `json:"quantity"`
	ChosenProvider string `json:"logisticsProvider"`
	// PaymentToken is optional; when set it must match the trade's token.
	PaymentToken string `json:"paymentToken,omitempty"`
}

// CreateTrade lists a trade. On chains that derive record addresses the
// trade id is a fresh correlation id, regenerated when the derived address
// is already occupied. Elsewhere the id is read from the TradeCreated event.
func (o *Orchestrator) CreateTrade(ctx context.Context, chain escrow.ChainKind, req CreateTradeRequest) (*Result, error) {
	ctx, r := o.begin(ctx, "create_trade", chain, attribute.Int64("escrow.quantity", int64(req.TotalQuantity)))
	rt, err := o.runtime(chain)
	if err != nil {
		return nil, r.fail(o.now(), "", err)
	}
	if err := req.validate(); err != nil {
		return nil, r.fail(o.now(), "", err)
	}
	token, err := rt.tokens.Resolve(req.PaymentToken)
	if err != nil {
		return nil, r.fail(o.now(), "", err)
	}
	params := escrow.CreateTradeParams{
		Seller:             req.Seller,
		UnitProductCost:    new(big.Int).Set(req.UnitProductCost),
		TotalQuantity:      req.TotalQuantity,
		PaymentToken:       token,
		LogisticsProviders: append([]string(nil), req.LogisticsProviders...),
		LogisticsCosts:     append([]*big.Int(nil), req.LogisticsCosts...),
	}
	r.advance(StateValidated, "token", token)

	receipt, id, err := o.submitWithIDs(r, rt, func(id uint64) (*escrow.Receipt, error) {
		params.TradeID = id
		return rt.adapter.CreateTrade(ctx, params)
	})
	if err != nil {
		return o.failed(r, receipt, err)
	}
	r.advance(StateConfirmed, "height", receipt.Height)
	return o.link(ctx, r, rt, receipt, escrow.EventTradeCreated, id, &Result{})
}

// BuyTrade reads the trade, checks the chosen provider belongs to it,
// computes the exact payable amount, makes sure the escrow may pull that
// amount from the signer, and submits the purchase.
func (o *Orchestrator) BuyTrade(ctx context.Context, chain escrow.ChainKind, req BuyTradeRequest) (*Result, error) {
	ctx, r := o.begin(ctx, "buy_trade", chain,
		attribute.Int64("escrow.trade_id", int64(req.TradeID)),
		attribute.Int64("escrow.quantity", int64(req.Quantity)))
	rt, err := o.runtime(chain)
	if err != nil {
		return nil, r.fail(o.now(), "", err)
	}
	if req.Quantity == 0 {
		return nil, r.fail(o.now(), "", escrow.Invalid("quantity must be positive"))
	}
	if req.ChosenProvider == "" {
		return nil, r.fail(o.now(), "", escrow.Invalid("logistics provider required"))
	}
	readCtx, cancel := o.readContext(ctx)
	trade, err := rt.adapter.GetTrade(readCtx, req.TradeID)
	cancel()
	if err != nil {
		return nil, r.fail(o.now(), "", err)
	}
	index, ok := trade.ProviderIndex(req.ChosenProvider)
	if !ok {
		return nil, r.fail(o.now(), "", escrow.Invalid("logistics provider %s is not offered by trade %d", req.ChosenProvider, req.TradeID))
	}
	if req.PaymentToken != "" {
		token, err := rt.tokens.Resolve(req.PaymentToken)
		if err != nil {
			return nil, r.fail(o.now(), "", err)
		}
		native := rt.adapter.NativeToken(token) && rt.adapter.NativeToken(trade.PaymentToken)
		if !native && !escrow.SameAccount(token, trade.PaymentToken) {
			return nil, r.fail(o.now(), "", escrow.Invalid("trade %d is paid in %s, not %s", req.TradeID, trade.PaymentToken, token))
		}
	}
	payable, err := escrow.PayableAmount(trade, index, req.Quantity)
	if err != nil {
		return nil, r.fail(o.now(), "", err)
	}
	r.advance(StateValidated, "payable", payable.String(), "token", trade.PaymentToken)

	res := &Result{Payable: payable.String()}
	if !rt.adapter.NativeToken(trade.PaymentToken) && payable.Sign() > 0 {
		readCtx, cancel := o.readContext(ctx)
		spender, err := rt.adapter.Spender(readCtx, trade.PaymentToken)
		cancel()
		if err != nil {
			return nil, r.fail(o.now(), "", err)
		}
		outcome, err := rt.approvals.EnsureAllowance(ctx, approval.Request{
			Owner:    rt.adapter.Signer(),
			Spender:  spender,
			Token:    trade.PaymentToken,
			Required: payable,
		})
		if err != nil {
			var handle string
			if outcome != nil && outcome.Receipt != nil {
				handle = outcome.Receipt.Handle
			}
			return nil, r.fail(o.now(), handle, err)
		}
		res.Approval = outcome
		r.advance(StateApprovalChecked, "approval", string(outcome.Outcome), "allowance", outcome.Observed.String())
	}

	params := escrow.BuyTradeParams{
		TradeID:        req.TradeID,
		Quantity:       req.Quantity,
		ChosenProvider: trade.LogisticsProviders[index],
		PaymentToken:   trade.PaymentToken,
		Payable:        payable,
	}
	receipt, id, err := o.submitWithIDs(r, rt, func(id uint64) (*escrow.Receipt, error) {
		params.PurchaseID = id
		return rt.adapter.BuyTrade(ctx, params)
	})
	if err != nil {
		return o.failed(r, receipt, err)
	}
	r.advance(StateConfirmed, "height", receipt.Height)
	return o.link(ctx, r, rt, receipt, escrow.EventPurchaseCreated, id, res)
}

// submitWithIDs runs send once on chains that assign ids themselves. On
// chains that derive record addresses it draws a correlation id per attempt
// and retries only on escrow.ErrDerivationCollision.
func (o *Orchestrator) submitWithIDs(r *run, rt *chainRuntime, send func(id uint64) (*escrow.Receipt, error)) (*escrow.Receipt, uint64, error) {
	if !rt.adapter.PreassignsIDs() {
		receipt, err := send(0)
		r.submitted(receipt)
		return receipt, 0, err
	}
	var lastErr error
	for attempt := 1; attempt <= o.retries; attempt++ {
		id := o.ids.Next()
		receipt, err := send(id)
		if err == nil || !errors.Is(err, escrow.ErrDerivationCollision) {
			r.submitted(receipt)
			return receipt, id, err
		}
		lastErr = err
		o.metrics.RecordCollision(string(r.chain))
		r.logger.Warn("derived address occupied; drawing a new correlation id", "correlation_id", id, "attempt", attempt, "error", err)
	}
	return nil, 0, fmt.Errorf("gave up after %d correlation ids: %w", o.retries, lastErr)
}

// link resolves the identifier-producing event of a confirmed write.
func (o *Orchestrator) link(ctx context.Context, r *run, rt *chainRuntime, receipt *escrow.Receipt, name escrow.EventName, preassigned uint64, res *Result) (*Result, error) {
	res.Handle = receipt.Handle
	res.Receipt = receipt
	event, err := rt.resolver.Find(ctx, receipt.Handle, name)
	switch {
	case err == nil:
		id := event.RecordID()
		if rt.adapter.PreassignsIDs() && id != preassigned {
			return nil, r.fail(o.now(), receipt.Handle,
				escrow.Malformed(name, "reports id %d but the transaction wrote id %d", id, preassigned))
		}
		res.Event = event
		res.AssignedID = &id
		res.Status = StatusLinked
		r.advance(StateResolved, "assigned_id", id)
	case errors.Is(err, escrow.ErrEventNotFound) && rt.adapter.PreassignsIDs():
		id := preassigned
		res.AssignedID = &id
		res.Status = StatusLinked
		r.logger.Warn("event not visible; keeping the derived id", "event", string(name), "assigned_id", id, "handle", receipt.Handle)
	case errors.Is(err, escrow.ErrEventNotFound):
		res.Status = StatusUnlinked
		res.Reason = ReasonEventNotFound
		res.Operation, res.OperationID, res.Chain = r.name, r.id, r.chain
		return res, r.fail(o.now(), receipt.Handle, err)
	case errors.Is(err, escrow.ErrAbandoned):
		res.Status = StatusAbandoned
		res.Operation, res.OperationID, res.Chain = r.name, r.id, r.chain
		return res, r.fail(o.now(), receipt.Handle, err)
	default:
		return nil, r.fail(o.now(), receipt.Handle, err)
	}
	r.done(o.now(), res)
	return res, nil
}

// failed reports a failed write. A write the caller stopped waiting for is
// returned as an abandoned result carrying the handle.
func (o *Orchestrator) failed(r *run, receipt *escrow.Receipt, err error) (*Result, error) {
	var handle string
	if receipt != nil {
		handle = receipt.Handle
	}
	opErr := r.fail(o.now(), handle, err)
	if handle != "" && errors.Is(err, escrow.ErrAbandoned) {
		return &Result{
			Operation:   r.name,
			OperationID: r.id,
			Chain:       r.chain,
			Status:      StatusAbandoned,
			Handle:      handle,
			Receipt:     receipt,
		}, opErr
	}
	return nil, opErr
}
