// Package pda implements the escrow adapter for program-derived-address
// chains, where the caller chooses trade and purchase ids and every record
// lives at an address derived from them.
package pda

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	solana "github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"github.com/gagliardetto/solana-go/rpc"

	"escrowcore/escrow"
	"escrowcore/escrow/submit"
)

// Account type names used for discriminators.
const (
	accountTrade             = "Trade"
	accountPurchase          = "Purchase"
	accountLogisticsProvider = "LogisticsProviderAccount"
)

type logisticsProviderAccount struct {
	Provider     solana.PublicKey
	IsRegistered bool
	Bump         uint8
}

// Config configures an Adapter.
type Config struct {
	Chain   escrow.ChainKind
	Program solana.PublicKey
	Signer  solana.PrivateKey
	// Commitment defaults to confirmed.
	Commitment       rpc.CommitmentType
	FallbackDecimals uint8
	StatusPoll       time.Duration
	// EventNames maps canonical event names to the program's names when
	// they differ.
	EventNames map[escrow.EventName]string
	Submit     []submit.Option
	Logger     *slog.Logger
}

// Adapter drives the escrow program on a PDA chain.
type Adapter struct {
	chain      escrow.ChainKind
	program    solana.PublicKey
	client     RPC
	commitment rpc.CommitmentType
	derive     Deriver
	backend    *Backend
	submitter  *submit.Submitter[Tx]
	tokens     *TokenAuthority
	events     *eventParser
	logger     *slog.Logger
}

var _ escrow.Adapter = (*Adapter)(nil)

// New constructs an Adapter over client.
func New(client RPC, cfg Config) (*Adapter, error) {
	if client == nil {
		return nil, errors.New("pda: rpc client required")
	}
	if cfg.Program.IsZero() {
		return nil, errors.New("pda: program id required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("chain", string(cfg.Chain), "family", string(escrow.FamilyPDA))

	backend, err := NewBackend(client, cfg.Signer, cfg.Commitment, cfg.StatusPoll, logger)
	if err != nil {
		return nil, err
	}
	opts := append([]submit.Option{submit.WithLogger(logger)}, cfg.Submit...)
	submitter, err := submit.New[Tx](cfg.Chain, backend, opts...)
	if err != nil {
		return nil, err
	}
	fallback := cfg.FallbackDecimals
	if fallback == 0 {
		fallback = DefaultFallbackDecimals
	}
	tokens, err := NewTokenAuthority(client, submitter, backend.Payer(), backend.commitment, fallback, logger)
	if err != nil {
		return nil, err
	}
	return &Adapter{
		chain:      cfg.Chain,
		program:    cfg.Program,
		client:     client,
		commitment: backend.commitment,
		derive:     NewDeriver(cfg.Program),
		backend:    backend,
		submitter:  submitter,
		tokens:     tokens,
		events:     newEventParser(cfg.Program, cfg.EventNames),
		logger:     logger,
	}, nil
}

func (a *Adapter) Chain() escrow.ChainKind { return a.chain }

func (a *Adapter) Family() escrow.Family { return escrow.FamilyPDA }

func (a *Adapter) Signer() string { return a.backend.Payer().String() }

func (a *Adapter) PreassignsIDs() bool { return true }

func (a *Adapter) Tokens() escrow.TokenAuthority { return a.tokens }

func (a *Adapter) Events() escrow.EventSource { return a }

// ProgramID returns the escrow program address.
func (a *Adapter) ProgramID() solana.PublicKey { return a.program }

// Deriver returns the record address deriver for the program.
func (a *Adapter) Deriver() Deriver { return a.derive }

// DecodeLogs decodes escrow events out of a transaction's log messages.
func (a *Adapter) DecodeLogs(logs []string) []escrow.DecodedEvent { return a.events.Parse(logs) }

// Spender is the program's escrow token account for token.
func (a *Adapter) Spender(ctx context.Context, token string) (string, error) {
	mint, err := ParsePublicKey("token", token)
	if err != nil {
		return "", err
	}
	escrowAccount, err := a.derive.Escrow(mint)
	if err != nil {
		return "", err
	}
	return escrowAccount.String(), nil
}

// NativeToken is always false: payments are SPL tokens only.
func (a *Adapter) NativeToken(string) bool { return false }

// TransactionEvents decodes the program events logged by handle. A
// transaction the node has not indexed yet yields no events.
func (a *Adapter) TransactionEvents(ctx context.Context, handle string) ([]escrow.DecodedEvent, error) {
	sig, err := ParseHandle(handle)
	if err != nil {
		return nil, err
	}
	res, err := a.client.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     a.commitment,
		MaxSupportedTransactionVersion: &maxTxVersion,
	})
	if err != nil {
		if errorsIsNotFound(err) {
			return nil, nil
		}
		return nil, escrow.Unreachable("get transaction", err)
	}
	if res == nil || res.Meta == nil {
		return nil, nil
	}
	return a.events.Parse(res.Meta.LogMessages), nil
}

func (a *Adapter) instruction(name string, args any, accounts ...*solana.AccountMeta) (solana.Instruction, error) {
	data, err := encodeInstruction(name, args)
	if err != nil {
		return nil, escrow.Invalid("%v", err)
	}
	return solana.NewInstruction(a.program, accounts, data), nil
}

func (a *Adapter) submit(ctx context.Context, label string, ixs ...solana.Instruction) (*escrow.Receipt, error) {
	return a.submitter.Submit(ctx, label, Tx{Instructions: ixs})
}

// ensureTokenAccount returns wallet's associated token account for mint and,
// when it does not exist yet, the instruction that creates it.
func (a *Adapter) ensureTokenAccount(ctx context.Context, wallet, mint solana.PublicKey) (solana.PublicKey, []solana.Instruction, error) {
	ata, _, err := solana.FindAssociatedTokenAddress(wallet, mint)
	if err != nil {
		return solana.PublicKey{}, nil, escrow.Invalid("derive token account: %v", err)
	}
	data, err := accountData(ctx, a.client, ata, a.commitment)
	if err != nil {
		return solana.PublicKey{}, nil, err
	}
	if data != nil {
		return ata, nil, nil
	}
	create, err := associatedtokenaccount.NewCreateInstruction(a.backend.Payer(), wallet, mint).ValidateAndBuild()
	if err != nil {
		return solana.PublicKey{}, nil, fmt.Errorf("pda: create token account: %w", err)
	}
	return ata, []solana.Instruction{create}, nil
}

// vacant fails with escrow.ErrDerivationCollision when a record already
// lives at addr.
func (a *Adapter) vacant(ctx context.Context, kind string, id uint64, addr solana.PublicKey) error {
	data, err := accountData(ctx, a.client, addr, a.commitment)
	if err != nil {
		return err
	}
	if data != nil {
		return fmt.Errorf("%w: %s %d at %s", escrow.ErrDerivationCollision, kind, id, addr)
	}
	return nil
}

func (a *Adapter) RegisterLogisticsProvider(ctx context.Context, provider string) (*escrow.Receipt, error) {
	providerKey, err := ParsePublicKey("provider", provider)
	if err != nil {
		return nil, err
	}
	record, err := a.derive.LogisticsProvider(providerKey)
	if err != nil {
		return nil, err
	}
	ix, err := a.instruction("register_logistics_provider", nil,
		solana.Meta(record).WRITE(),
		solana.Meta(providerKey),
		solana.Meta(a.backend.Payer()).SIGNER().WRITE(),
		solana.Meta(solana.SystemProgramID),
	)
	if err != nil {
		return nil, err
	}
	return a.submit(ctx, "register_logistics_provider", ix)
}

func (a *Adapter) CreateTrade(ctx context.Context, p escrow.CreateTradeParams) (*escrow.Receipt, error) {
	if p.TradeID == 0 {
		return nil, escrow.Invalid("trade id must be assigned before submission")
	}
	seller, err := ParsePublicKey("seller", p.Seller)
	if err != nil {
		return nil, err
	}
	mint, err := ParsePublicKey("payment token", p.PaymentToken)
	if err != nil {
		return nil, err
	}
	args := createTradeArgs{TradeID: p.TradeID, TotalQuantity: p.TotalQuantity}
	if args.ProductCost, err = u64Amount("unit product cost", p.UnitProductCost); err != nil {
		return nil, err
	}
	for i, raw := range p.LogisticsProviders {
		key, err := ParsePublicKey(fmt.Sprintf("logistics provider %d", i), raw)
		if err != nil {
			return nil, err
		}
		args.LogisticsProviders = append(args.LogisticsProviders, key)
	}
	for i, cost := range p.LogisticsCosts {
		units, err := u64Amount(fmt.Sprintf("logistics cost %d", i), cost)
		if err != nil {
			return nil, err
		}
		args.LogisticsCosts = append(args.LogisticsCosts, units)
	}
	tradeAddr, err := a.derive.Trade(p.TradeID)
	if err != nil {
		return nil, err
	}
	global, err := a.derive.GlobalState()
	if err != nil {
		return nil, err
	}
	if err := a.vacant(ctx, "trade", p.TradeID, tradeAddr); err != nil {
		return nil, err
	}
	ix, err := a.instruction("create_trade", args,
		solana.Meta(a.backend.Payer()).SIGNER().WRITE(),
		solana.Meta(seller),
		solana.Meta(mint),
		solana.Meta(tradeAddr).WRITE(),
		solana.Meta(solana.SystemProgramID),
		solana.Meta(global).WRITE(),
	)
	if err != nil {
		return nil, err
	}
	return a.submit(ctx, "create_trade", ix)
}

func (a *Adapter) BuyTrade(ctx context.Context, p escrow.BuyTradeParams) (*escrow.Receipt, error) {
	if p.PurchaseID == 0 {
		return nil, escrow.Invalid("purchase id must be assigned before submission")
	}
	provider, err := ParsePublicKey("logistics provider", p.ChosenProvider)
	if err != nil {
		return nil, err
	}
	mint, err := ParsePublicKey("payment token", p.PaymentToken)
	if err != nil {
		return nil, err
	}
	buyer := a.backend.Payer()
	tradeAddr, err := a.derive.Trade(p.TradeID)
	if err != nil {
		return nil, err
	}
	purchaseAddr, err := a.derive.Purchase(p.PurchaseID)
	if err != nil {
		return nil, err
	}
	buyerRecord, err := a.derive.Buyer(buyer)
	if err != nil {
		return nil, err
	}
	escrowAccount, err := a.derive.Escrow(mint)
	if err != nil {
		return nil, err
	}
	global, err := a.derive.GlobalState()
	if err != nil {
		return nil, err
	}
	buyerTokens, _, err := solana.FindAssociatedTokenAddress(buyer, mint)
	if err != nil {
		return nil, escrow.Invalid("derive buyer token account: %v", err)
	}
	if err := a.vacant(ctx, "purchase", p.PurchaseID, purchaseAddr); err != nil {
		return nil, err
	}
	ix, err := a.instruction("buy_trade", buyTradeArgs{
		TradeID:           p.TradeID,
		PurchaseID:        p.PurchaseID,
		Quantity:          p.Quantity,
		LogisticsProvider: provider,
	},
		solana.Meta(buyer).SIGNER().WRITE(),
		solana.Meta(mint),
		solana.Meta(buyerTokens).WRITE(),
		solana.Meta(tradeAddr).WRITE(),
		solana.Meta(buyerRecord).WRITE(),
		solana.Meta(escrowAccount).WRITE(),
		solana.Meta(purchaseAddr).WRITE(),
		solana.Meta(global).WRITE(),
		solana.Meta(solana.SystemProgramID),
		solana.Meta(solana.TokenProgramID),
	)
	if err != nil {
		return nil, err
	}
	return a.submit(ctx, "buy_trade", ix)
}

// purchaseContext loads a purchase and the trade it belongs to.
func (a *Adapter) purchaseContext(ctx context.Context, purchaseID uint64) (solana.PublicKey, *purchaseAccount, solana.PublicKey, *tradeAccount, error) {
	purchaseAddr, purchase, err := a.loadPurchase(ctx, purchaseID)
	if err != nil {
		return solana.PublicKey{}, nil, solana.PublicKey{}, nil, err
	}
	tradeAddr, trade, err := a.loadTrade(ctx, purchase.TradeID)
	if err != nil {
		return solana.PublicKey{}, nil, solana.PublicKey{}, nil, err
	}
	return purchaseAddr, purchase, tradeAddr, trade, nil
}

func (a *Adapter) ConfirmDelivery(ctx context.Context, purchaseID uint64) (*escrow.Receipt, error) {
	purchaseAddr, purchase, tradeAddr, trade, err := a.purchaseContext(ctx, purchaseID)
	if err != nil {
		return nil, err
	}
	escrowAccount, err := a.derive.Escrow(trade.TokenMint)
	if err != nil {
		return nil, err
	}
	logisticsTokens, createLogistics, err := a.ensureTokenAccount(ctx, purchase.ChosenLogisticsProvider, trade.TokenMint)
	if err != nil {
		return nil, err
	}
	sellerTokens, createSeller, err := a.ensureTokenAccount(ctx, trade.Seller, trade.TokenMint)
	if err != nil {
		return nil, err
	}
	ix, err := a.instruction("confirm_delivery_and_purchase", purchaseArgs{PurchaseID: purchaseID},
		solana.Meta(a.backend.Payer()).SIGNER().WRITE(),
		solana.Meta(tradeAddr).WRITE(),
		solana.Meta(purchaseAddr).WRITE(),
		solana.Meta(logisticsTokens).WRITE(),
		solana.Meta(sellerTokens).WRITE(),
		solana.Meta(escrowAccount).WRITE(),
		solana.Meta(trade.TokenMint),
		solana.Meta(solana.TokenProgramID),
	)
	if err != nil {
		return nil, err
	}
	ixs := append(append(createLogistics, createSeller...), ix)
	return a.submit(ctx, "confirm_delivery_and_purchase", ixs...)
}

func (a *Adapter) CancelPurchase(ctx context.Context, purchaseID uint64) (*escrow.Receipt, error) {
	purchaseAddr, purchase, tradeAddr, trade, err := a.purchaseContext(ctx, purchaseID)
	if err != nil {
		return nil, err
	}
	escrowAccount, err := a.derive.Escrow(trade.TokenMint)
	if err != nil {
		return nil, err
	}
	buyerTokens, createBuyer, err := a.ensureTokenAccount(ctx, purchase.Buyer, trade.TokenMint)
	if err != nil {
		return nil, err
	}
	ix, err := a.instruction("cancel_purchase", purchaseArgs{PurchaseID: purchaseID},
		solana.Meta(purchaseAddr).WRITE(),
		solana.Meta(tradeAddr).WRITE(),
		solana.Meta(escrowAccount).WRITE(),
		solana.Meta(buyerTokens).WRITE(),
		solana.Meta(trade.TokenMint),
		solana.Meta(a.backend.Payer()).SIGNER().WRITE(),
		solana.Meta(solana.TokenProgramID),
	)
	if err != nil {
		return nil, err
	}
	return a.submit(ctx, "cancel_purchase", append(createBuyer, ix)...)
}

func (a *Adapter) RaiseDispute(ctx context.Context, purchaseID uint64) (*escrow.Receipt, error) {
	purchaseAddr, err := a.derive.Purchase(purchaseID)
	if err != nil {
		return nil, err
	}
	ix, err := a.instruction("raise_dispute", purchaseArgs{PurchaseID: purchaseID},
		solana.Meta(a.backend.Payer()).SIGNER().WRITE(),
		solana.Meta(purchaseAddr).WRITE(),
		solana.Meta(solana.SystemProgramID),
	)
	if err != nil {
		return nil, err
	}
	return a.submit(ctx, "raise_dispute", ix)
}

func (a *Adapter) ResolveDispute(ctx context.Context, purchaseID uint64, winner string) (*escrow.Receipt, error) {
	winnerKey, err := ParsePublicKey("winner", winner)
	if err != nil {
		return nil, err
	}
	purchaseAddr, err := a.derive.Purchase(purchaseID)
	if err != nil {
		return nil, err
	}
	ix, err := a.instruction("resolve_dispute", resolveDisputeArgs{Winner: winnerKey},
		solana.Meta(a.backend.Payer()).SIGNER().WRITE(),
		solana.Meta(purchaseAddr).WRITE(),
		solana.Meta(solana.SystemProgramID),
	)
	if err != nil {
		return nil, err
	}
	return a.submit(ctx, "resolve_dispute", ix)
}

func (a *Adapter) WithdrawEscrowFees(ctx context.Context, token string) (*escrow.Receipt, error) {
	mint, err := ParsePublicKey("token", token)
	if err != nil {
		return nil, err
	}
	global, err := a.derive.GlobalState()
	if err != nil {
		return nil, err
	}
	escrowAccount, err := a.derive.Escrow(mint)
	if err != nil {
		return nil, err
	}
	adminTokens, createAdmin, err := a.ensureTokenAccount(ctx, a.backend.Payer(), mint)
	if err != nil {
		return nil, err
	}
	ix, err := a.instruction("withdraw_escrow_fees", nil,
		solana.Meta(a.backend.Payer()).SIGNER().WRITE(),
		solana.Meta(global),
		solana.Meta(escrowAccount).WRITE(),
		solana.Meta(adminTokens).WRITE(),
		solana.Meta(mint),
		solana.Meta(solana.TokenProgramID),
	)
	if err != nil {
		return nil, err
	}
	return a.submit(ctx, "withdraw_escrow_fees", append(createAdmin, ix)...)
}

func (a *Adapter) loadTrade(ctx context.Context, tradeID uint64) (solana.PublicKey, *tradeAccount, error) {
	addr, err := a.derive.Trade(tradeID)
	if err != nil {
		return solana.PublicKey{}, nil, err
	}
	data, err := accountData(ctx, a.client, addr, a.commitment)
	if err != nil {
		return addr, nil, err
	}
	if data == nil {
		return addr, nil, fmt.Errorf("%w: trade %d", escrow.ErrNotFound, tradeID)
	}
	var trade tradeAccount
	if err := decodeAccount(accountTrade, data, &trade); err != nil {
		return addr, nil, err
	}
	return addr, &trade, nil
}

func (a *Adapter) loadPurchase(ctx context.Context, purchaseID uint64) (solana.PublicKey, *purchaseAccount, error) {
	addr, err := a.derive.Purchase(purchaseID)
	if err != nil {
		return solana.PublicKey{}, nil, err
	}
	data, err := accountData(ctx, a.client, addr, a.commitment)
	if err != nil {
		return addr, nil, err
	}
	if data == nil {
		return addr, nil, fmt.Errorf("%w: purchase %d", escrow.ErrNotFound, purchaseID)
	}
	var purchase purchaseAccount
	if err := decodeAccount(accountPurchase, data, &purchase); err != nil {
		return addr, nil, err
	}
	return addr, &purchase, nil
}

func (a *Adapter) GetTrade(ctx context.Context, tradeID uint64) (*escrow.Trade, error) {
	_, raw, err := a.loadTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	trade := &escrow.Trade{
		TradeID:           raw.TradeID,
		Seller:            raw.Seller.String(),
		PaymentToken:      raw.TokenMint.String(),
		UnitProductCost:   newUint(raw.ProductCost),
		TotalQuantity:     raw.TotalQuantity,
		RemainingQuantity: raw.RemainingQuantity,
		Active:            raw.IsActive,
	}
	for _, p := range raw.LogisticsProviders {
		trade.LogisticsProviders = append(trade.LogisticsProviders, p.String())
	}
	for _, c := range raw.LogisticsCosts {
		trade.LogisticsCosts = append(trade.LogisticsCosts, newUint(c))
	}
	return trade, nil
}

func (a *Adapter) GetPurchase(ctx context.Context, purchaseID uint64) (*escrow.Purchase, error) {
	_, raw, err := a.loadPurchase(ctx, purchaseID)
	if err != nil {
		return nil, err
	}
	return &escrow.Purchase{
		PurchaseID:            raw.PurchaseID,
		TradeID:               raw.TradeID,
		Buyer:                 raw.Buyer.String(),
		Quantity:              raw.Quantity,
		TotalAmount:           newUint(raw.TotalAmount),
		ChosenProvider:        raw.ChosenLogisticsProvider.String(),
		LogisticsCost:         newUint(raw.LogisticsCost),
		DeliveredAndConfirmed: raw.DeliveredAndConfirmed,
		Disputed:              raw.IsDisputed,
		Settled:               raw.IsCompleted,
	}, nil
}

func (a *Adapter) GetLogisticsProvider(ctx context.Context, provider string) (*escrow.LogisticsProvider, error) {
	providerKey, err := ParsePublicKey("provider", provider)
	if err != nil {
		return nil, err
	}
	addr, err := a.derive.LogisticsProvider(providerKey)
	if err != nil {
		return nil, err
	}
	data, err := accountData(ctx, a.client, addr, a.commitment)
	if err != nil {
		return nil, err
	}
	out := &escrow.LogisticsProvider{Address: providerKey.String()}
	if data == nil {
		return out, nil
	}
	var raw logisticsProviderAccount
	if err := decodeAccount(accountLogisticsProvider, data, &raw); err != nil {
		return nil, err
	}
	out.Registered = raw.IsRegistered
	return out, nil
}

func newUint(v uint64) *big.Int { return new(big.Int).SetUint64(v) }
