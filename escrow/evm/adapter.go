// Package evm implements the escrow adapter for account/contract chains that
// assign trade and purchase ids on-chain and report them through event logs.
package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"escrowcore/escrow"
	"escrowcore/escrow/submit"
)

// NativeTokenSymbol designates the chain's native currency as payment token.
const NativeTokenSymbol = "native"

// Config configures an Adapter.
type Config struct {
	Chain    escrow.ChainKind
	Contract common.Address
	// ABI overrides the built-in EscrowABI when non-nil.
	ABI     *abi.ABI
	Signer  *ecdsa.PrivateKey
	ChainID *big.Int
	// FallbackDecimals is reported for tokens without decimals().
	FallbackDecimals uint8
	ReceiptPoll      time.Duration
	// EventNames maps canonical event names to the contract's names when
	// they differ.
	EventNames map[escrow.EventName]string
	Submit     []submit.Option
	Logger     *slog.Logger
}

// Adapter drives the escrow contract on an EVM chain.
type Adapter struct {
	chain     escrow.ChainKind
	contract  common.Address
	abi       abi.ABI
	client    Client
	backend   *Backend
	submitter *submit.Submitter[Call]
	tokens    *TokenAuthority
	events    *logDecoder
	logger    *slog.Logger
}

var _ escrow.Adapter = (*Adapter)(nil)

// New constructs an Adapter over client.
func New(ctx context.Context, client Client, cfg Config) (*Adapter, error) {
	if client == nil {
		return nil, errors.New("evm: client required")
	}
	if cfg.Contract == (common.Address{}) {
		return nil, errors.New("evm: contract address required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("chain", string(cfg.Chain), "family", string(escrow.FamilyEVM))

	parsed := cfg.ABI
	if parsed == nil {
		def, err := ParseABI(EscrowABI)
		if err != nil {
			return nil, err
		}
		parsed = &def
	}
	backend, err := NewBackend(ctx, client, cfg.Signer, cfg.ChainID, cfg.ReceiptPoll, logger)
	if err != nil {
		return nil, err
	}
	opts := append([]submit.Option{submit.WithLogger(logger)}, cfg.Submit...)
	submitter, err := submit.New[Call](cfg.Chain, backend, opts...)
	if err != nil {
		return nil, err
	}
	fallback := cfg.FallbackDecimals
	if fallback == 0 {
		fallback = DefaultFallbackDecimals
	}
	tokens, err := NewTokenAuthority(client, submitter, fallback, logger)
	if err != nil {
		return nil, err
	}
	decoder, err := newLogDecoder(cfg.Contract, *parsed, cfg.EventNames)
	if err != nil {
		return nil, err
	}
	return &Adapter{
		chain:     cfg.Chain,
		contract:  cfg.Contract,
		abi:       *parsed,
		client:    client,
		backend:   backend,
		submitter: submitter,
		tokens:    tokens,
		events:    decoder,
		logger:    logger,
	}, nil
}

func (a *Adapter) Chain() escrow.ChainKind { return a.chain }

func (a *Adapter) Family() escrow.Family { return escrow.FamilyEVM }

func (a *Adapter) Signer() string { return a.backend.From().Hex() }

func (a *Adapter) PreassignsIDs() bool { return false }

func (a *Adapter) Tokens() escrow.TokenAuthority { return a.tokens }

func (a *Adapter) Events() escrow.EventSource { return a }

// Contract returns the escrow contract address.
func (a *Adapter) Contract() common.Address { return a.contract }

// EventTopics returns the signature hashes of the escrow events.
func (a *Adapter) EventTopics() []common.Hash { return a.events.Topics() }

// DecodeLogs decodes escrow events out of arbitrary logs.
func (a *Adapter) DecodeLogs(logs []*types.Log) []escrow.DecodedEvent { return a.events.Decode(logs) }

// Spender is the escrow contract for every token.
func (a *Adapter) Spender(ctx context.Context, token string) (string, error) {
	return a.contract.Hex(), nil
}

// NativeToken reports whether token is the native currency marker or the
// zero address.
func (a *Adapter) NativeToken(token string) bool {
	trimmed := strings.TrimSpace(token)
	if strings.EqualFold(trimmed, NativeTokenSymbol) {
		return true
	}
	return common.IsHexAddress(trimmed) && common.HexToAddress(trimmed) == (common.Address{})
}

func (a *Adapter) submit(ctx context.Context, method string, value *big.Int, args ...any) (*escrow.Receipt, error) {
	data, err := a.abi.Pack(method, args...)
	if err != nil {
		return nil, escrow.Invalid("pack %s: %v", method, err)
	}
	return a.submitter.Submit(ctx, method, Call{To: a.contract, Data: data, Value: value})
}

func (a *Adapter) RegisterLogisticsProvider(ctx context.Context, provider string) (*escrow.Receipt, error) {
	addr, err := ParseAddress("provider", provider)
	if err != nil {
		return nil, err
	}
	return a.submit(ctx, "registerLogisticsProvider", nil, addr)
}

func (a *Adapter) CreateTrade(ctx context.Context, p escrow.CreateTradeParams) (*escrow.Receipt, error) {
	seller, err := ParseAddress("seller", p.Seller)
	if err != nil {
		return nil, err
	}
	token, err := a.paymentTokenAddress(p.PaymentToken)
	if err != nil {
		return nil, err
	}
	providers := make([]common.Address, len(p.LogisticsProviders))
	for i, raw := range p.LogisticsProviders {
		if providers[i], err = ParseAddress(fmt.Sprintf("logistics provider %d", i), raw); err != nil {
			return nil, err
		}
	}
	costs := make([]*big.Int, len(p.LogisticsCosts))
	for i, c := range p.LogisticsCosts {
		costs[i] = new(big.Int).Set(c)
	}
	return a.submit(ctx, "createTrade", nil,
		seller, p.UnitProductCost, providers, costs, new(big.Int).SetUint64(p.TotalQuantity), token)
}

func (a *Adapter) BuyTrade(ctx context.Context, p escrow.BuyTradeParams) (*escrow.Receipt, error) {
	provider, err := ParseAddress("logistics provider", p.ChosenProvider)
	if err != nil {
		return nil, err
	}
	var value *big.Int
	if a.NativeToken(p.PaymentToken) {
		if p.Payable == nil || p.Payable.Sign() <= 0 {
			return nil, escrow.Invalid("payable amount required for native payment")
		}
		value = new(big.Int).Set(p.Payable)
	}
	return a.submit(ctx, "buyTrade", value,
		new(big.Int).SetUint64(p.TradeID), new(big.Int).SetUint64(p.Quantity), provider)
}

func (a *Adapter) ConfirmDelivery(ctx context.Context, purchaseID uint64) (*escrow.Receipt, error) {
	return a.submit(ctx, "confirmDeliveryAndPurchase", nil, new(big.Int).SetUint64(purchaseID))
}

func (a *Adapter) CancelPurchase(ctx context.Context, purchaseID uint64) (*escrow.Receipt, error) {
	return a.submit(ctx, "cancelPurchase", nil, new(big.Int).SetUint64(purchaseID))
}

func (a *Adapter) RaiseDispute(ctx context.Context, purchaseID uint64) (*escrow.Receipt, error) {
	return a.submit(ctx, "raiseDispute", nil, new(big.Int).SetUint64(purchaseID))
}

func (a *Adapter) ResolveDispute(ctx context.Context, purchaseID uint64, winner string) (*escrow.Receipt, error) {
	addr, err := ParseAddress("winner", winner)
	if err != nil {
		return nil, err
	}
	return a.submit(ctx, "resolveDispute", nil, new(big.Int).SetUint64(purchaseID), addr)
}

func (a *Adapter) WithdrawEscrowFees(ctx context.Context, token string) (*escrow.Receipt, error) {
	if _, ok := a.abi.Methods["withdrawEscrowFees"]; !ok {
		return nil, escrow.Invalid("contract does not expose withdrawEscrowFees")
	}
	addr, err := a.paymentTokenAddress(token)
	if err != nil {
		return nil, err
	}
	return a.submit(ctx, "withdrawEscrowFees", nil, addr)
}

func (a *Adapter) paymentTokenAddress(token string) (common.Address, error) {
	if a.NativeToken(token) {
		return common.Address{}, nil
	}
	return ParseAddress("payment token", token)
}

func (a *Adapter) view(ctx context.Context, method string, args ...any) ([]any, error) {
	data, err := a.abi.Pack(method, args...)
	if err != nil {
		return nil, escrow.Invalid("pack %s: %v", method, err)
	}
	contract := a.contract
	out, err := a.client.CallContract(ctx, ethereum.CallMsg{From: a.backend.From(), To: &contract, Data: data}, nil)
	if err != nil {
		return nil, classify(method, err)
	}
	values, err := a.abi.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("evm: decode %s: %w", method, err)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("evm: %s returned nothing", method)
	}
	return values, nil
}

func (a *Adapter) GetTrade(ctx context.Context, tradeID uint64) (*escrow.Trade, error) {
	values, err := a.view(ctx, "getTrade", new(big.Int).SetUint64(tradeID))
	if err != nil {
		if errors.Is(err, escrow.ErrExecutionReverted) {
			return nil, fmt.Errorf("%w: trade %d: %v", escrow.ErrNotFound, tradeID, err)
		}
		return nil, err
	}
	raw := *abi.ConvertType(values[0], new(tradeTuple)).(*tradeTuple)
	if raw.Seller == (common.Address{}) {
		return nil, fmt.Errorf("%w: trade %d", escrow.ErrNotFound, tradeID)
	}
	trade := &escrow.Trade{
		TradeID:           tradeID,
		Seller:            raw.Seller.Hex(),
		PaymentToken:      raw.PaymentToken.Hex(),
		UnitProductCost:   raw.ProductCost,
		TotalQuantity:     uintOrZero(raw.TotalQuantity),
		RemainingQuantity: uintOrZero(raw.RemainingQuantity),
		Active:            raw.Active,
	}
	for _, p := range raw.LogisticsProviders {
		trade.LogisticsProviders = append(trade.LogisticsProviders, p.Hex())
	}
	trade.LogisticsCosts = append(trade.LogisticsCosts, raw.LogisticsCosts...)
	return trade, nil
}

func (a *Adapter) GetPurchase(ctx context.Context, purchaseID uint64) (*escrow.Purchase, error) {
	values, err := a.view(ctx, "getPurchase", new(big.Int).SetUint64(purchaseID))
	if err != nil {
		if errors.Is(err, escrow.ErrExecutionReverted) {
			return nil, fmt.Errorf("%w: purchase %d: %v", escrow.ErrNotFound, purchaseID, err)
		}
		return nil, err
	}
	raw := *abi.ConvertType(values[0], new(purchaseTuple)).(*purchaseTuple)
	if raw.Buyer == (common.Address{}) {
		return nil, fmt.Errorf("%w: purchase %d", escrow.ErrNotFound, purchaseID)
	}
	return &escrow.Purchase{
		PurchaseID:            purchaseID,
		TradeID:               uintOrZero(raw.TradeId),
		Buyer:                 raw.Buyer.Hex(),
		Quantity:              uintOrZero(raw.Quantity),
		TotalAmount:           raw.TotalAmount,
		ChosenProvider:        raw.ChosenLogisticsProvider.Hex(),
		LogisticsCost:         raw.LogisticsCost,
		DeliveredAndConfirmed: raw.DeliveredAndConfirmed,
		Disputed:              raw.Disputed,
		Settled:               raw.Settled,
	}, nil
}

func (a *Adapter) GetLogisticsProvider(ctx context.Context, provider string) (*escrow.LogisticsProvider, error) {
	addr, err := ParseAddress("provider", provider)
	if err != nil {
		return nil, err
	}
	values, err := a.view(ctx, "logisticsProviders", addr)
	if err != nil {
		return nil, err
	}
	registered, _ := values[0].(bool)
	return &escrow.LogisticsProvider{Address: addr.Hex(), Registered: registered}, nil
}

func uintOrZero(v *big.Int) uint64 {
	if v == nil || !v.IsUint64() {
		return 0
	}
	return v.Uint64()
}
