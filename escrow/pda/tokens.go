package pda

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	bin "github.com/gagliardetto/binary"
	solana "github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
	lru "github.com/hashicorp/golang-lru"

	"escrowcore/escrow"
	"escrowcore/escrow/submit"
)

// DefaultFallbackDecimals applies when a mint account cannot be decoded.
const DefaultFallbackDecimals = 9

// TokenAuthority exposes SPL token mints as payment tokens. The allowance of
// a spender is the delegated amount on the owner's associated token account
// while the spender is its delegate.
type TokenAuthority struct {
	client     RPC
	submitter  *submit.Submitter[Tx]
	payer      solana.PublicKey
	commitment rpc.CommitmentType
	fallback   uint8
	decimals   *lru.Cache
	logger     *slog.Logger
}

var _ escrow.TokenAuthority = (*TokenAuthority)(nil)

// NewTokenAuthority constructs the SPL token surface. payer signs approvals.
func NewTokenAuthority(client RPC, submitter *submit.Submitter[Tx], payer solana.PublicKey, commitment rpc.CommitmentType, fallback uint8, logger *slog.Logger) (*TokenAuthority, error) {
	cache, err := lru.New(256)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenAuthority{
		client:     client,
		submitter:  submitter,
		payer:      payer,
		commitment: commitment,
		fallback:   fallback,
		decimals:   cache,
		logger:     logger,
	}, nil
}

func (t *TokenAuthority) tokenAccount(ctx context.Context, owner, mint solana.PublicKey) (solana.PublicKey, *token.Account, error) {
	ata, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return solana.PublicKey{}, nil, escrow.Invalid("derive token account: %v", err)
	}
	data, err := accountData(ctx, t.client, ata, t.commitment)
	if err != nil || data == nil {
		return ata, nil, err
	}
	var acct token.Account
	if err := acct.UnmarshalWithDecoder(bin.NewBinDecoder(data)); err != nil {
		return ata, nil, fmt.Errorf("pda: decode token account %s: %w", ata, err)
	}
	return ata, &acct, nil
}

// Allowance returns the amount owner delegated to spender on its associated
// token account for token.
func (t *TokenAuthority) Allowance(ctx context.Context, owner, spender, tokenMint string) (*big.Int, error) {
	ownerKey, err := ParsePublicKey("owner", owner)
	if err != nil {
		return nil, err
	}
	spenderKey, err := ParsePublicKey("spender", spender)
	if err != nil {
		return nil, err
	}
	mint, err := ParsePublicKey("token", tokenMint)
	if err != nil {
		return nil, err
	}
	_, acct, err := t.tokenAccount(ctx, ownerKey, mint)
	if err != nil {
		return nil, err
	}
	if acct == nil || acct.Delegate == nil || !acct.Delegate.Equals(spenderKey) {
		return new(big.Int), nil
	}
	return new(big.Int).SetUint64(acct.DelegatedAmount), nil
}

// Approve delegates exactly amount of the signer's tokens to spender,
// creating the signer's associated token account first if needed.
func (t *TokenAuthority) Approve(ctx context.Context, spender, tokenMint string, amount *big.Int) (*escrow.Receipt, error) {
	spenderKey, err := ParsePublicKey("spender", spender)
	if err != nil {
		return nil, err
	}
	mint, err := ParsePublicKey("token", tokenMint)
	if err != nil {
		return nil, err
	}
	units, err := u64Amount("approval amount", amount)
	if err != nil {
		return nil, err
	}
	ata, acct, err := t.tokenAccount(ctx, t.payer, mint)
	if err != nil {
		return nil, err
	}
	var ixs []solana.Instruction
	if acct == nil {
		create, err := associatedtokenaccount.NewCreateInstruction(t.payer, t.payer, mint).ValidateAndBuild()
		if err != nil {
			return nil, fmt.Errorf("pda: create token account: %w", err)
		}
		ixs = append(ixs, create)
	}
	approve, err := token.NewApproveInstruction(units, ata, spenderKey, t.payer, nil).ValidateAndBuild()
	if err != nil {
		return nil, escrow.Invalid("build approve: %v", err)
	}
	ixs = append(ixs, approve)
	return t.submitter.Submit(ctx, "approve", Tx{Instructions: ixs})
}

// Balance returns the amount held in owner's associated token account.
func (t *TokenAuthority) Balance(ctx context.Context, owner, tokenMint string) (*big.Int, error) {
	ownerKey, err := ParsePublicKey("owner", owner)
	if err != nil {
		return nil, err
	}
	mint, err := ParsePublicKey("token", tokenMint)
	if err != nil {
		return nil, err
	}
	_, acct, err := t.tokenAccount(ctx, ownerKey, mint)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return new(big.Int), nil
	}
	return new(big.Int).SetUint64(acct.Amount), nil
}

// Decimals reads the mint account, falling back to the configured value
// when the mint is missing or cannot be decoded.
func (t *TokenAuthority) Decimals(ctx context.Context, tokenMint string) (uint8, error) {
	mint, err := ParsePublicKey("token", tokenMint)
	if err != nil {
		return 0, err
	}
	if cached, ok := t.decimals.Get(mint); ok {
		return cached.(uint8), nil
	}
	data, err := accountData(ctx, t.client, mint, t.commitment)
	if err != nil {
		return 0, err
	}
	var decoded token.Mint
	if data == nil || decoded.UnmarshalWithDecoder(bin.NewBinDecoder(data)) != nil {
		t.logger.Debug("mint unreadable; using fallback decimals", "token", mint.String(), "fallback", t.fallback)
		t.decimals.Add(mint, t.fallback)
		return t.fallback, nil
	}
	t.decimals.Add(mint, decoded.Decimals)
	return decoded.Decimals, nil
}

func u64Amount(field string, v *big.Int) (uint64, error) {
	if v == nil || v.Sign() < 0 || !v.IsUint64() {
		return 0, escrow.Invalid("%s %v does not fit in 64 bits", field, v)
	}
	return v.Uint64(), nil
}
