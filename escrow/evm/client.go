package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"escrowcore/escrow"
	"escrowcore/observability/logging"
)

// Client is the subset of the execution client API the adapter relies on.
// *ethclient.Client satisfies it.
type Client interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// Dial connects to an execution client over JSON-RPC.
func Dial(ctx context.Context, endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("evm: rpc endpoint required")
	}
	client, err := ethclient.DialContext(ctx, trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", escrow.ErrChainUnreachable, logging.MaskEndpoint(trimmed), err)
	}
	return client, nil
}

// ParseAddress validates a hex account address.
func ParseAddress(field, value string) (common.Address, error) {
	trimmed := strings.TrimSpace(value)
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, escrow.Invalid("%s %q is not a hex address", field, value)
	}
	return common.HexToAddress(trimmed), nil
}

// ParseHandle validates a transaction hash.
func ParseHandle(handle string) (common.Hash, error) {
	raw, err := hexutil.Decode(strings.TrimSpace(handle))
	if err != nil || len(raw) != common.HashLength {
		return common.Hash{}, escrow.Invalid("transaction handle %q is not a 32 byte hex hash", handle)
	}
	return common.BytesToHash(raw), nil
}

// RevertReason extracts the human readable reason from a call or estimation
// error. Error(string) payloads are decoded; otherwise the node's message is
// returned without the generic prefix.
func RevertReason(err error) string {
	if err == nil {
		return ""
	}
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if raw, ok := dataErr.ErrorData().(string); ok {
			if data, decErr := hexutil.Decode(raw); decErr == nil {
				if reason, unpackErr := abi.UnpackRevert(data); unpackErr == nil {
					return reason
				}
			}
		}
	}
	msg := err.Error()
	msg = strings.TrimPrefix(msg, "execution reverted: ")
	msg = strings.TrimPrefix(msg, "execution reverted")
	return strings.TrimSpace(msg)
}

// isRevert reports whether err is the node rejecting the call, as opposed
// to a transport failure.
func isRevert(err error) bool {
	if err == nil {
		return false
	}
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) && dataErr.ErrorData() != nil {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "execution reverted")
}

// classify maps a call or estimation error into the escrow taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if isRevert(err) {
		return &escrow.RevertError{Reason: RevertReason(err)}
	}
	return escrow.Unreachable(op, err)
}
