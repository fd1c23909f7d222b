package escrow

import (
	"context"
	"math/big"
)

// Receipt is the chain-neutral outcome of a submitted transaction.
type Receipt struct {
	// Handle is the transaction hash or signature.
	Handle string
	// Confirmed is false when the transaction was included but reverted.
	Confirmed    bool
	RevertReason string
	// ResourceUsed is gas on EVM chains and compute units on PDA chains.
	ResourceUsed uint64
	// Limit is the resource limit the transaction was signed with.
	Limit uint64
	// Height is the block number or slot of inclusion.
	Height uint64
}

// TokenAuthority is the fungible token surface a chain exposes for payment
// tokens.
type TokenAuthority interface {
	Allowance(ctx context.Context, owner, spender, token string) (*big.Int, error)
	// Approve sets the allowance of spender over the signer's tokens to
	// exactly amount and blocks until the approval is included.
	Approve(ctx context.Context, spender, token string, amount *big.Int) (*Receipt, error)
	Balance(ctx context.Context, owner, token string) (*big.Int, error)
	// Decimals falls back to the chain's configured default when the token
	// does not expose the value.
	Decimals(ctx context.Context, token string) (uint8, error)
}

// EventSource lists the decoded events a confirmed transaction emitted, in
// emission order. An empty list means the events are not visible yet.
type EventSource interface {
	TransactionEvents(ctx context.Context, handle string) ([]DecodedEvent, error)
}

// Adapter is the capability set every settlement chain exposes. Write
// operations block until the transaction is included and return its receipt;
// a reverted transaction returns the receipt together with a *RevertError.
type Adapter interface {
	Chain() ChainKind
	Family() Family
	// Signer is the account that pays for and signs every transaction.
	Signer() string
	// PreassignsIDs reports whether trade and purchase ids are chosen by the
	// caller and used to derive record addresses.
	PreassignsIDs() bool
	// Spender is the account the buyer must approve for token.
	Spender(ctx context.Context, token string) (string, error)
	// NativeToken reports whether token designates the chain's native
	// currency, which is paid as call value and needs no approval.
	NativeToken(token string) bool
	Tokens() TokenAuthority
	Events() EventSource

	RegisterLogisticsProvider(ctx context.Context, provider string) (*Receipt, error)
	CreateTrade(ctx context.Context, params CreateTradeParams) (*Receipt, error)
	BuyTrade(ctx context.Context, params BuyTradeParams) (*Receipt, error)
	ConfirmDelivery(ctx context.Context, purchaseID uint64) (*Receipt, error)
	CancelPurchase(ctx context.Context, purchaseID uint64) (*Receipt, error)
	RaiseDispute(ctx context.Context, purchaseID uint64) (*Receipt, error)
	ResolveDispute(ctx context.Context, purchaseID uint64, winner string) (*Receipt, error)
	WithdrawEscrowFees(ctx context.Context, token string) (*Receipt, error)

	GetTrade(ctx context.Context, tradeID uint64) (*Trade, error)
	GetPurchase(ctx context.Context, purchaseID uint64) (*Purchase, error)
	GetLogisticsProvider(ctx context.Context, provider string) (*LogisticsProvider, error)
}
