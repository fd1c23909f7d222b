package evm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru"

	"escrowcore/escrow"
	"escrowcore/escrow/submit"
)

// DefaultFallbackDecimals applies when a token does not implement decimals().
const DefaultFallbackDecimals = 18

// TokenAuthority talks to ERC-20 payment tokens. Decimals are cached since
// they never change; allowances and balances are always read fresh.
type TokenAuthority struct {
	client    Client
	erc20     abi.ABI
	submitter *submit.Submitter[Call]
	fallback  uint8
	decimals  *lru.Cache
	logger    *slog.Logger
}

var _ escrow.TokenAuthority = (*TokenAuthority)(nil)

// NewTokenAuthority constructs the ERC-20 surface.
func NewTokenAuthority(client Client, submitter *submit.Submitter[Call], fallback uint8, logger *slog.Logger) (*TokenAuthority, error) {
	parsed, err := abi.JSON(strings.NewReader(ERC20ABI))
	if err != nil {
		return nil, fmt.Errorf("evm: parse erc20 abi: %w", err)
	}
	cache, err := lru.New(256)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenAuthority{
		client:    client,
		erc20:     parsed,
		submitter: submitter,
		fallback:  fallback,
		decimals:  cache,
		logger:    logger,
	}, nil
}

func (t *TokenAuthority) call(ctx context.Context, token common.Address, method string, args ...any) ([]any, error) {
	data, err := t.erc20.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("evm: pack %s: %w", method, err)
	}
	out, err := t.client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, classify(method, err)
	}
	if len(out) == 0 {
		return nil, &escrow.RevertError{Reason: fmt.Sprintf("%s returned no data", method)}
	}
	values, err := t.erc20.Unpack(method, out)
	if err != nil {
		return nil, &escrow.RevertError{Reason: fmt.Sprintf("decode %s: %v", method, err)}
	}
	return values, nil
}

func (t *TokenAuthority) uintCall(ctx context.Context, token common.Address, method string, args ...any) (*big.Int, error) {
	values, err := t.call(ctx, token, method, args...)
	if err != nil {
		return nil, err
	}
	value, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("evm: %s returned %T", method, values[0])
	}
	return value, nil
}

// Allowance reads allowance(owner, spender) on token.
func (t *TokenAuthority) Allowance(ctx context.Context, owner, spender, token string) (*big.Int, error) {
	ownerAddr, err := ParseAddress("owner", owner)
	if err != nil {
		return nil, err
	}
	spenderAddr, err := ParseAddress("spender", spender)
	if err != nil {
		return nil, err
	}
	tokenAddr, err := ParseAddress("token", token)
	if err != nil {
		return nil, err
	}
	return t.uintCall(ctx, tokenAddr, "allowance", ownerAddr, spenderAddr)
}

// Approve sends approve(spender, amount) from the signer and waits for it.
func (t *TokenAuthority) Approve(ctx context.Context, spender, token string, amount *big.Int) (*escrow.Receipt, error) {
	spenderAddr, err := ParseAddress("spender", spender)
	if err != nil {
		return nil, err
	}
	tokenAddr, err := ParseAddress("token", token)
	if err != nil {
		return nil, err
	}
	data, err := t.erc20.Pack("approve", spenderAddr, amount)
	if err != nil {
		return nil, escrow.Invalid("pack approve: %v", err)
	}
	return t.submitter.Submit(ctx, "approve", Call{To: tokenAddr, Data: data})
}

// Balance reads balanceOf(owner) on token.
func (t *TokenAuthority) Balance(ctx context.Context, owner, token string) (*big.Int, error) {
	ownerAddr, err := ParseAddress("owner", owner)
	if err != nil {
		return nil, err
	}
	tokenAddr, err := ParseAddress("token", token)
	if err != nil {
		return nil, err
	}
	return t.uintCall(ctx, tokenAddr, "balanceOf", ownerAddr)
}

// Decimals reads decimals() on token, falling back to the configured value
// when the token rejects the call or returns nothing.
func (t *TokenAuthority) Decimals(ctx context.Context, token string) (uint8, error) {
	tokenAddr, err := ParseAddress("token", token)
	if err != nil {
		return 0, err
	}
	if cached, ok := t.decimals.Get(tokenAddr); ok {
		return cached.(uint8), nil
	}
	values, err := t.call(ctx, tokenAddr, "decimals")
	if err != nil {
		if errors.Is(err, escrow.ErrExecutionReverted) {
			t.logger.Debug("token has no decimals(); using fallback", "token", tokenAddr.Hex(), "fallback", t.fallback)
			t.decimals.Add(tokenAddr, t.fallback)
			return t.fallback, nil
		}
		return 0, err
	}
	decimals, ok := values[0].(uint8)
	if !ok {
		return t.fallback, nil
	}
	t.decimals.Add(tokenAddr, decimals)
	return decimals, nil
}
