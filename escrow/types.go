package escrow

import (
	"math/big"
	"strings"
)

// ChainKind is the configured name of a settlement chain (for example "celo"
// or "solana"). It is the discriminator callers use to select an adapter.
type ChainKind string

// Normalize lowercases and trims the discriminator.
func (c ChainKind) Normalize() ChainKind {
	return ChainKind(strings.ToLower(strings.TrimSpace(string(c))))
}

// Family identifies the execution model behind a chain.
type Family string

const (
	// FamilyEVM covers account/contract chains addressed by 20 byte addresses
	// that assign identifiers on-chain and report them through event logs.
	FamilyEVM Family = "evm"
	// FamilyPDA covers program chains where records live at addresses derived
	// from caller supplied seeds.
	FamilyPDA Family = "pda"
)

// Valid reports whether the family is one of the supported execution models.
func (f Family) Valid() bool {
	return f == FamilyEVM || f == FamilyPDA
}

// Trade is the on-chain listing created by a seller.
type Trade struct {
	TradeID            uint64
	Seller             string
	PaymentToken       string
	UnitProductCost    *big.Int
	LogisticsProviders []string
	LogisticsCosts     []*big.Int
	TotalQuantity      uint64
	RemainingQuantity  uint64
	Active             bool
}

// ProviderIndex returns the position of provider in the trade's logistics
// list. Hex addresses are compared case-insensitively.
func (t *Trade) ProviderIndex(provider string) (int, bool) {
	if t == nil {
		return -1, false
	}
	want := strings.TrimSpace(provider)
	for i, candidate := range t.LogisticsProviders {
		if SameAccount(candidate, want) {
			return i, true
		}
	}
	return -1, false
}

// Purchase is a buyer's claim against a Trade.
type Purchase struct {
	PurchaseID            uint64
	TradeID               uint64
	Buyer                 string
	Quantity              uint64
	TotalAmount           *big.Int
	ChosenProvider        string
	LogisticsCost         *big.Int
	DeliveredAndConfirmed bool
	Disputed              bool
	Settled               bool
}

// LogisticsProvider is a registered delivery agent.
type LogisticsProvider struct {
	Address    string
	Registered bool
}

// CreateTradeParams describes a new listing. TradeID is only consulted by
// adapters that pre-assign identifiers.
type CreateTradeParams struct {
	TradeID            uint64
	Seller             string
	UnitProductCost    *big.Int
	TotalQuantity      uint64
	PaymentToken       string
	LogisticsProviders []string
	LogisticsCosts     []*big.Int
}

// BuyTradeParams describes a purchase. Payable is the exact amount the
// contract will pull from the buyer and must already be covered by an
// allowance when PaymentToken is not the native currency. PurchaseID is only
// consulted by adapters that pre-assign identifiers.
type BuyTradeParams struct {
	TradeID        uint64
	PurchaseID     uint64
	Quantity       uint64
	ChosenProvider string
	PaymentToken   string
	Payable        *big.Int
}

// SameAccount compares account identifiers. Hex addresses compare without
// regard to case; base58 keys compare exactly.
func SameAccount(a, b string) bool {
	a = strings.TrimSpace(a)
	b = strings.TrimSpace(b)
	if strings.HasPrefix(a, "0x") || strings.HasPrefix(a, "0X") {
		return strings.EqualFold(a, b)
	}
	return a == b
}
