package escrow

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// PayableAmount computes (unit product cost + chosen logistics cost) × quantity
// for the provider at providerIndex. The protocol fee is deducted on-chain and
// is not part of the payable amount.
func PayableAmount(trade *Trade, providerIndex int, quantity uint64) (*big.Int, error) {
	if trade == nil {
		return nil, Invalid("trade is required")
	}
	if quantity == 0 {
		return nil, Invalid("quantity must be positive")
	}
	if providerIndex < 0 || providerIndex >= len(trade.LogisticsCosts) {
		return nil, Invalid("logistics provider index %d out of range", providerIndex)
	}
	unit, err := toUint256(trade.UnitProductCost)
	if err != nil {
		return nil, fmt.Errorf("unit product cost: %w", err)
	}
	logistics, err := toUint256(trade.LogisticsCosts[providerIndex])
	if err != nil {
		return nil, fmt.Errorf("logistics cost: %w", err)
	}
	perUnit, overflow := new(uint256.Int).AddOverflow(unit, logistics)
	if overflow {
		return nil, Invalid("per-unit cost overflows 256 bits")
	}
	total, overflow := new(uint256.Int).MulOverflow(perUnit, uint256.NewInt(quantity))
	if overflow {
		return nil, Invalid("payable amount overflows 256 bits")
	}
	return total.ToBig(), nil
}

func toUint256(v *big.Int) (*uint256.Int, error) {
	if v == nil {
		return new(uint256.Int), nil
	}
	if v.Sign() < 0 {
		return nil, Invalid("negative amount %s", v.String())
	}
	out, overflow := uint256.FromBig(v)
	if overflow {
		return nil, Invalid("amount %s exceeds 256 bits", v.String())
	}
	return out, nil
}

// ToAtomic converts a human readable amount such as "12.5" into the token's
// smallest unit. Amounts with more fractional digits than the token supports
// are rejected rather than rounded.
func ToAtomic(amount string, decimals uint8) (*big.Int, error) {
	value, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return nil, Invalid("amount %q: %v", amount, err)
	}
	if value.IsNegative() {
		return nil, Invalid("amount %q is negative", amount)
	}
	scaled := value.Shift(int32(decimals))
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, Invalid("amount %q has more than %d decimal places", amount, decimals)
	}
	return scaled.BigInt(), nil
}

// FromAtomic renders a smallest-unit amount with the token's decimals.
func FromAtomic(amount *big.Int, decimals uint8) string {
	if amount == nil {
		return "0"
	}
	return decimal.NewFromBigInt(amount, -int32(decimals)).String()
}
