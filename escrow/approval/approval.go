// Package approval makes sure the escrow contract may pull exactly the amount
// a purchase requires from the paying account.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"escrowcore/escrow"
	"escrowcore/observability"
)

// Outcome describes what EnsureAllowance had to do.
type Outcome string

const (
	// OutcomeSufficient means the existing allowance already covered the
	// required amount and no transaction was sent.
	OutcomeSufficient Outcome = "sufficient"
	// OutcomeApproved means an approval transaction was confirmed and the
	// re-read allowance covers the required amount.
	OutcomeApproved Outcome = "approved"
)

// Request identifies the allowance to check.
type Request struct {
	Owner    string
	Spender  string
	Token    string
	Required *big.Int
}

// Result reports the observed allowance after EnsureAllowance returned.
type Result struct {
	Outcome  Outcome
	Observed *big.Int
	Receipt  *escrow.Receipt
}

// Manager checks and raises allowances through a chain's token authority.
type Manager struct {
	chain       escrow.ChainKind
	tokens      escrow.TokenAuthority
	metrics     *observability.EscrowMetrics
	logger      *slog.Logger
	readTimeout time.Duration
}

// Option customises a Manager.
type Option func(*Manager)

// WithReadTimeout bounds each allowance read. Zero disables the bound.
func WithReadTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d >= 0 {
			m.readTimeout = d
		}
	}
}

// NewManager constructs a Manager for one chain.
func NewManager(chain escrow.ChainKind, tokens escrow.TokenAuthority, metrics *observability.EscrowMetrics, logger *slog.Logger, opts ...Option) (*Manager, error) {
	if tokens == nil {
		return nil, errors.New("approval: token authority required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		chain:   chain,
		tokens:  tokens,
		metrics: metrics,
		logger:  logger.With("component", "approval", "chain", string(chain)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// EnsureAllowance reads the current allowance and, when it is below the
// required amount, approves exactly the required amount, waits for the
// approval to confirm, and reads the allowance again. Calling it again with
// the same arguments after success sends nothing.
func (m *Manager) EnsureAllowance(ctx context.Context, req Request) (*Result, error) {
	if err := validate(req); err != nil {
		m.metrics.RecordApproval(string(m.chain), "invalid")
		return nil, err
	}

	current, err := m.allowance(ctx, req)
	if err != nil {
		m.metrics.RecordApproval(string(m.chain), "error")
		return nil, escrow.Unreachable("read allowance", err)
	}
	if current.Cmp(req.Required) >= 0 {
		m.metrics.RecordApproval(string(m.chain), string(OutcomeSufficient))
		m.logger.Debug("allowance sufficient", "token", req.Token, "required", req.Required.String(), "allowance", current.String())
		return &Result{Outcome: OutcomeSufficient, Observed: current}, nil
	}

	m.logger.Info("approving allowance", "token", req.Token, "spender", req.Spender, "required", req.Required.String(), "allowance", current.String())
	receipt, err := m.tokens.Approve(ctx, req.Spender, req.Token, new(big.Int).Set(req.Required))
	if err != nil {
		m.metrics.RecordApproval(string(m.chain), "error")
		return &Result{Observed: current, Receipt: receipt}, fmt.Errorf("approve %s: %w", req.Token, err)
	}

	observed, err := m.allowance(ctx, req)
	if err != nil {
		m.metrics.RecordApproval(string(m.chain), "error")
		return &Result{Observed: current, Receipt: receipt}, escrow.Unreachable("re-read allowance", err)
	}
	if observed.Cmp(req.Required) < 0 {
		m.metrics.RecordApproval(string(m.chain), "ineffective")
		m.logger.Warn("approval confirmed but allowance still short", "token", req.Token, "handle", receipt.Handle, "required", req.Required.String(), "allowance", observed.String())
		return &Result{Observed: observed, Receipt: receipt}, fmt.Errorf("%w: required %s, observed %s after %s",
			escrow.ErrApprovalNotEffective, req.Required.String(), observed.String(), receipt.Handle)
	}
	m.metrics.RecordApproval(string(m.chain), string(OutcomeApproved))
	return &Result{Outcome: OutcomeApproved, Observed: observed, Receipt: receipt}, nil
}

func (m *Manager) allowance(ctx context.Context, req Request) (*big.Int, error) {
	if m.readTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.readTimeout)
		defer cancel()
	}
	return m.tokens.Allowance(ctx, req.Owner, req.Spender, req.Token)
}

func validate(req Request) error {
	switch {
	case req.Owner == "":
		return escrow.Invalid("allowance owner required")
	case req.Spender == "":
		return escrow.Invalid("allowance spender required")
	case req.Token == "":
		return escrow.Invalid("payment token required")
	case req.Required == nil || req.Required.Sign() <= 0:
		return escrow.Invalid("required amount must be positive")
	}
	return nil
}
