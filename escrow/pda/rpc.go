package pda

import (
	"context"
	"fmt"
	"strings"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"escrowcore/escrow"
)

// RPC is the subset of the cluster JSON-RPC API the adapter relies on.
// *rpc.Client satisfies it.
type RPC interface {
	GetSlot(ctx context.Context, commitment rpc.CommitmentType) (uint64, error)
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	GetAccountInfoWithOpts(ctx context.Context, account solana.PublicKey, opts *rpc.GetAccountInfoOpts) (*rpc.GetAccountInfoResult, error)
	SimulateTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts *rpc.SimulateTransactionOpts) (*rpc.SimulateTransactionResponse, error)
	SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, transactionSignatures ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
	GetTransaction(ctx context.Context, txSig solana.Signature, opts *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error)
	GetSignaturesForAddressWithOpts(ctx context.Context, account solana.PublicKey, opts *rpc.GetSignaturesForAddressOpts) ([]*rpc.TransactionSignature, error)
}

// Dial returns a JSON-RPC client for endpoint.
func Dial(endpoint string) (*rpc.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("pda: rpc endpoint required")
	}
	return rpc.New(trimmed), nil
}

// ParsePublicKey validates a base58 account address.
func ParsePublicKey(field, value string) (solana.PublicKey, error) {
	key, err := solana.PublicKeyFromBase58(strings.TrimSpace(value))
	if err != nil {
		return solana.PublicKey{}, escrow.Invalid("%s %q is not a base58 public key", field, value)
	}
	return key, nil
}

// ParseHandle validates a transaction signature.
func ParseHandle(handle string) (solana.Signature, error) {
	sig, err := solana.SignatureFromBase58(strings.TrimSpace(handle))
	if err != nil {
		return solana.Signature{}, escrow.Invalid("transaction handle %q is not a base58 signature", handle)
	}
	return sig, nil
}

// accountData returns the raw bytes stored at account, or nil when the
// account does not exist.
func accountData(ctx context.Context, client RPC, account solana.PublicKey, commitment rpc.CommitmentType) ([]byte, error) {
	res, err := client.GetAccountInfoWithOpts(ctx, account, &rpc.GetAccountInfoOpts{
		Encoding:   solana.EncodingBase64,
		Commitment: commitment,
	})
	if err != nil {
		if errorsIsNotFound(err) {
			return nil, nil
		}
		return nil, escrow.Unreachable("get account "+account.String(), err)
	}
	if res == nil || res.Value == nil || res.Value.Data == nil {
		return nil, nil
	}
	return res.Value.Data.GetBinary(), nil
}
