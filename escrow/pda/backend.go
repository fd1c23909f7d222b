package pda

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	solana "github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/gagliardetto/solana-go/rpc"

	"escrowcore/escrow"
	"escrowcore/escrow/submit"
)

const (
	// MaxComputeUnits is the per-transaction compute ceiling.
	MaxComputeUnits = 1_400_000
	// defaultComputeUnits is assumed when simulation does not report usage.
	defaultComputeUnits = 200_000
)

// Tx is an unsigned instruction list paid for and signed by the backend key.
type Tx struct {
	Instructions []solana.Instruction
}

// Backend signs and broadcasts instruction lists for a single keypair. It
// implements submit.Backend[Tx].
type Backend struct {
	client     RPC
	key        solana.PrivateKey
	commitment rpc.CommitmentType
	poll       time.Duration
	logger     *slog.Logger
}

var _ submit.Backend[Tx] = (*Backend)(nil)

// NewBackend constructs a Backend.
func NewBackend(client RPC, key solana.PrivateKey, commitment rpc.CommitmentType, poll time.Duration, logger *slog.Logger) (*Backend, error) {
	if client == nil {
		return nil, errors.New("pda: rpc client required")
	}
	if len(key) != 64 {
		return nil, errors.New("pda: signer keypair required")
	}
	if commitment == "" {
		commitment = rpc.CommitmentConfirmed
	}
	if poll <= 0 {
		poll = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{client: client, key: key, commitment: commitment, poll: poll, logger: logger}, nil
}

// Payer returns the fee payer and signer.
func (b *Backend) Payer() solana.PublicKey { return b.key.PublicKey() }

func (b *Backend) build(ctx context.Context, instructions []solana.Instruction) (*solana.Transaction, error) {
	latest, err := b.client.GetLatestBlockhash(ctx, b.commitment)
	if err != nil {
		return nil, escrow.Unreachable("latest blockhash", err)
	}
	if latest == nil || latest.Value == nil {
		return nil, escrow.Unreachable("latest blockhash", errors.New("empty response"))
	}
	tx, err := solana.NewTransaction(instructions, latest.Value.Blockhash, solana.TransactionPayer(b.Payer()))
	if err != nil {
		return nil, escrow.Invalid("build transaction: %v", err)
	}
	payer := b.Payer()
	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(payer) {
			return &b.key
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("pda: sign transaction: %w", err)
	}
	return tx, nil
}

// Estimate simulates the instructions and reports the compute units used.
func (b *Backend) Estimate(ctx context.Context, tx Tx) (uint64, error) {
	signed, err := b.build(ctx, tx.Instructions)
	if err != nil {
		return 0, err
	}
	res, err := b.client.SimulateTransactionWithOpts(ctx, signed, &rpc.SimulateTransactionOpts{
		SigVerify:              false,
		Commitment:             b.commitment,
		ReplaceRecentBlockhash: true,
	})
	if err != nil {
		return 0, escrow.Unreachable("simulate", err)
	}
	if res == nil || res.Value == nil {
		return 0, escrow.Unreachable("simulate", errors.New("empty response"))
	}
	if res.Value.Err != nil {
		return 0, programFailure(res.Value.Err, res.Value.Logs)
	}
	if res.Value.UnitsConsumed == nil || *res.Value.UnitsConsumed == 0 {
		return defaultComputeUnits, nil
	}
	return *res.Value.UnitsConsumed, nil
}

// Send prepends a compute unit limit, signs with a fresh blockhash, and
// broadcasts.
func (b *Backend) Send(ctx context.Context, tx Tx, limit uint64) (string, error) {
	if limit > MaxComputeUnits {
		limit = MaxComputeUnits
	}
	limitIx, err := computebudget.NewSetComputeUnitLimitInstruction(uint32(limit)).ValidateAndBuild()
	if err != nil {
		return "", fmt.Errorf("pda: compute budget: %w", err)
	}
	instructions := append([]solana.Instruction{limitIx}, tx.Instructions...)
	signed, err := b.build(ctx, instructions)
	if err != nil {
		return "", err
	}
	sig, err := b.client.SendTransactionWithOpts(ctx, signed, rpc.TransactionOpts{
		PreflightCommitment: b.commitment,
	})
	if err != nil {
		if isProgramFailure(err.Error()) {
			return "", programFailure(err.Error(), nil)
		}
		return "", escrow.Unreachable("send transaction", err)
	}
	return sig.String(), nil
}

// Await polls the signature status until it reaches the configured
// commitment.
func (b *Backend) Await(ctx context.Context, handle string) (submit.Inclusion, error) {
	sig, err := ParseHandle(handle)
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
		res, err := b.client.GetSignatureStatuses(ctx, true, sig)
		if err != nil {
			b.logger.Debug("signature status poll failed", "handle", handle, "error", err)
		} else if res != nil && len(res.Value) > 0 && res.Value[0] != nil && b.reached(res.Value[0].ConfirmationStatus) {
			return b.inclusion(ctx, sig, res.Value[0]), nil
		}
		timer.Reset(b.poll)
	}
}

func (b *Backend) reached(status rpc.ConfirmationStatusType) bool {
	switch status {
	case rpc.ConfirmationStatusFinalized:
		return true
	case rpc.ConfirmationStatusConfirmed:
		return b.commitment != rpc.CommitmentFinalized
	case rpc.ConfirmationStatusProcessed:
		return b.commitment == rpc.CommitmentProcessed
	}
	return false
}

func (b *Backend) inclusion(ctx context.Context, sig solana.Signature, status *rpc.SignatureStatusesResult) submit.Inclusion {
	inc := submit.Inclusion{Success: status.Err == nil, Height: status.Slot}
	var logs []string
	res, err := b.client.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     b.commitment,
		MaxSupportedTransactionVersion: &maxTxVersion,
	})
	if err == nil && res != nil && res.Meta != nil {
		logs = res.Meta.LogMessages
		if res.Meta.ComputeUnitsConsumed != nil {
			inc.ResourceUsed = *res.Meta.ComputeUnitsConsumed
		}
	}
	if !inc.Success {
		inc.RevertReason = failureReason(status.Err, logs)
		if line, ok := occupied(logs); ok {
			inc.Collision = true
			inc.RevertReason = line
		}
	}
	return inc
}

var maxTxVersion uint64

// programFailure classifies a failed simulation or preflight. Records that
// already exist at a derived address surface as escrow.ErrDerivationCollision.
func programFailure(errValue any, logs []string) error {
	reason := failureReason(errValue, logs)
	if line, ok := occupied(logs); ok {
		return fmt.Errorf("%w: %s", escrow.ErrDerivationCollision, line)
	}
	if strings.Contains(reason, "already in use") {
		return fmt.Errorf("%w: %s", escrow.ErrDerivationCollision, reason)
	}
	return &escrow.RevertError{Reason: reason}
}

// occupied returns the log line reporting that an account the transaction
// allocates already exists.
func occupied(logs []string) (string, bool) {
	for _, line := range logs {
		if strings.Contains(line, "already in use") {
			return strings.TrimSpace(line), true
		}
	}
	return "", false
}

// failureReason prefers the program's own error message over the runtime's
// instruction error.
func failureReason(errValue any, logs []string) string {
	for i := len(logs) - 1; i >= 0; i-- {
		if idx := strings.Index(logs[i], "Error Message: "); idx >= 0 {
			return strings.TrimSuffix(strings.TrimSpace(logs[i][idx+len("Error Message: "):]), ".")
		}
	}
	for i := len(logs) - 1; i >= 0; i-- {
		if strings.Contains(logs[i], " failed: ") {
			return strings.TrimSpace(logs[i][strings.Index(logs[i], " failed: ")+len(" failed: "):])
		}
	}
	if errValue == nil {
		return "transaction failed"
	}
	return fmt.Sprint(errValue)
}

func isProgramFailure(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "custom program error") ||
		strings.Contains(lower, "instructionerror") ||
		strings.Contains(lower, "already in use") ||
		strings.Contains(lower, "error message:")
}

func errorsIsNotFound(err error) bool {
	return errors.Is(err, rpc.ErrNotFound)
}
