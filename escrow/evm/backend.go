package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"escrowcore/escrow"
	"escrowcore/escrow/submit"
)

// Call is an unsigned contract call.
type Call struct {
	To    common.Address
	Data  []byte
	Value *big.Int
}

// Backend signs and broadcasts calls for a single key. It implements
// submit.Backend[Call].
type Backend struct {
	client  Client
	key     *ecdsa.PrivateKey
	from    common.Address
	chainID *big.Int
	signer  types.Signer
	poll    time.Duration
	logger  *slog.Logger

	// guarded by the submitter's signer lock
	nextNonce uint64
	haveNonce bool
}

var _ submit.Backend[Call] = (*Backend)(nil)

// NewBackend constructs a Backend. The chain id is read from the node when
// chainID is nil.
func NewBackend(ctx context.Context, client Client, key *ecdsa.PrivateKey, chainID *big.Int, poll time.Duration, logger *slog.Logger) (*Backend, error) {
	if client == nil {
		return nil, errors.New("evm: client required")
	}
	if key == nil {
		return nil, errors.New("evm: signer key required")
	}
	if chainID == nil {
		id, err := client.ChainID(ctx)
		if err != nil {
			return nil, escrow.Unreachable("chain id", err)
		}
		chainID = id
	}
	if poll <= 0 {
		poll = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{
		client:  client,
		key:     key,
		from:    crypto.PubkeyToAddress(key.PublicKey),
		chainID: new(big.Int).Set(chainID),
		signer:  types.LatestSignerForChainID(chainID),
		poll:    poll,
		logger:  logger,
	}, nil
}

// From returns the signing account.
func (b *Backend) From() common.Address { return b.from }

func (b *Backend) msg(call Call) ethereum.CallMsg {
	to := call.To
	return ethereum.CallMsg{From: b.from, To: &to, Data: call.Data, Value: call.Value}
}

// Estimate asks the node for the gas the call needs.
func (b *Backend) Estimate(ctx context.Context, call Call) (uint64, error) {
	gas, err := b.client.EstimateGas(ctx, b.msg(call))
	if err != nil {
		return 0, classify("estimate gas", err)
	}
	return gas, nil
}

// Send assigns the next nonce, signs, and broadcasts call with the gas limit.
func (b *Backend) Send(ctx context.Context, call Call, limit uint64) (string, error) {
	nonce, err := b.client.PendingNonceAt(ctx, b.from)
	if err != nil {
		return "", escrow.Unreachable("pending nonce", err)
	}
	if b.haveNonce && b.nextNonce > nonce {
		nonce = b.nextNonce
	}
	unsigned, err := b.buildTx(ctx, call, nonce, limit)
	if err != nil {
		return "", err
	}
	signed, err := types.SignTx(unsigned, b.signer, b.key)
	if err != nil {
		return "", fmt.Errorf("evm: sign transaction: %w", err)
	}
	if err := b.client.SendTransaction(ctx, signed); err != nil {
		return "", classify("send transaction", err)
	}
	b.nextNonce = nonce + 1
	b.haveNonce = true
	return signed.Hash().Hex(), nil
}

func (b *Backend) buildTx(ctx context.Context, call Call, nonce, limit uint64) (*types.Transaction, error) {
	to := call.To
	value := call.Value
	if value == nil {
		value = new(big.Int)
	}
	head, err := b.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, escrow.Unreachable("latest header", err)
	}
	if head.BaseFee != nil {
		tip, err := b.client.SuggestGasTipCap(ctx)
		if err != nil {
			return nil, escrow.Unreachable("gas tip", err)
		}
		feeCap := new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), tip)
		return types.NewTx(&types.DynamicFeeTx{
			ChainID:   b.chainID,
			Nonce:     nonce,
			GasTipCap: tip,
			GasFeeCap: feeCap,
			Gas:       limit,
			To:        &to,
			Value:     value,
			Data:      call.Data,
		}), nil
	}
	price, err := b.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, escrow.Unreachable("gas price", err)
	}
	return types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: price,
		Gas:      limit,
		To:       &to,
		Value:    value,
		Data:     call.Data,
	}), nil
}

// Await polls for the receipt of handle. Transient read failures keep the
// poll going until ctx ends.
func (b *Backend) Await(ctx context.Context, handle string) (submit.Inclusion, error) {
	hash, err := ParseHandle(handle)
	if err != nil {
		return submit.Inclusion{}, err
	}
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return submit.Inclusion{}, ctx.Err()
		case <-timer.C:
		}
		receipt, err := b.client.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return b.inclusion(ctx, hash, receipt), nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			b.logger.Debug("receipt poll failed", "handle", handle, "error", err)
		}
		timer.Reset(b.poll)
	}
}

func (b *Backend) inclusion(ctx context.Context, hash common.Hash, receipt *types.Receipt) submit.Inclusion {
	inc := submit.Inclusion{ResourceUsed: receipt.GasUsed}
	if receipt.BlockNumber != nil {
		inc.Height = receipt.BlockNumber.Uint64()
	}
	if receipt.Status == types.ReceiptStatusSuccessful {
		inc.Success = true
		return inc
	}
	inc.RevertReason = b.replayReason(ctx, hash, parentBlock(receipt.BlockNumber))
	return inc
}

// parentBlock returns the block whose post-state a transaction in block
// executed against. Nil selects the latest block.
func parentBlock(block *big.Int) *big.Int {
	if block == nil || block.Sign() <= 0 {
		return nil
	}
	return new(big.Int).Sub(block, big.NewInt(1))
}

// replayReason re-executes a failed transaction against the state it ran
// on to recover the revert reason. Receipts do not carry it.
func (b *Backend) replayReason(ctx context.Context, hash common.Hash, block *big.Int) string {
	tx, _, err := b.client.TransactionByHash(ctx, hash)
	if err != nil || tx == nil || tx.To() == nil {
		return "transaction reverted"
	}
	_, callErr := b.client.CallContract(ctx, ethereum.CallMsg{
		From:  b.from,
		To:    tx.To(),
		Gas:   tx.Gas(),
		Value: tx.Value(),
		Data:  tx.Data(),
	}, block)
	if callErr == nil {
		return "transaction reverted"
	}
	if reason := RevertReason(callErr); reason != "" {
		return reason
	}
	return "transaction reverted"
}
