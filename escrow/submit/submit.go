// Package submit estimates, signs, broadcasts, and awaits transactions for a
// single signer on a single chain.
package submit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"escrowcore/escrow"
	"escrowcore/observability"
)

// DefaultMargin is the multiplier applied to the estimated resource cost.
const DefaultMargin = 1.2

// Inclusion describes a transaction once the chain has included it.
// Collision marks a failed transaction whose derived address was already
// taken by the time it landed.
type Inclusion struct {
	Success      bool
	Collision    bool
	RevertReason string
	ResourceUsed uint64
	Height       uint64
}

// Backend is the chain specific half of the submitter. T is the unsigned
// transaction description the backend understands.
//
// Estimate must return a *escrow.RevertError when the chain rejects the call
// during estimation. Send assigns the signer's next sequence number, signs,
// and broadcasts; it is only ever invoked while the submitter holds the
// signer lock. Await blocks until the transaction is included or ctx ends.
type Backend[T any] interface {
	Estimate(ctx context.Context, tx T) (uint64, error)
	Send(ctx context.Context, tx T, limit uint64) (string, error)
	Await(ctx context.Context, handle string) (Inclusion, error)
}

// Timeouts bounds each step of a submission. Zero disables the bound.
type Timeouts struct {
	Estimate time.Duration
	Send     time.Duration
	Confirm  time.Duration
}

// Submitter serialises sends for one signer so sequence numbers are never
// reused or skipped by this process.
type Submitter[T any] struct {
	chain    escrow.ChainKind
	backend  Backend[T]
	margin   float64
	timeouts Timeouts
	metrics  *observability.EscrowMetrics
	logger   *slog.Logger

	mu sync.Mutex
}

// Option customises a Submitter.
type Option func(*settings)

type settings struct {
	margin   float64
	timeouts Timeouts
	metrics  *observability.EscrowMetrics
	logger   *slog.Logger
}

// WithMargin overrides the estimation safety margin.
func WithMargin(margin float64) Option {
	return func(s *settings) {
		if margin >= 1 {
			s.margin = margin
		}
	}
}

// WithTimeouts configures per-step timeouts.
func WithTimeouts(t Timeouts) Option {
	return func(s *settings) { s.timeouts = t }
}

// WithMetrics attaches the metrics registry.
func WithMetrics(m *observability.EscrowMetrics) Option {
	return func(s *settings) { s.metrics = m }
}

// WithLogger overrides the logger. The logger is expected to carry the
// chain attribute already.
func WithLogger(l *slog.Logger) Option {
	return func(s *settings) {
		if l != nil {
			s.logger = l
		}
	}
}

// New constructs a Submitter over backend.
func New[T any](chain escrow.ChainKind, backend Backend[T], opts ...Option) (*Submitter[T], error) {
	if backend == nil {
		return nil, errors.New("submit: backend required")
	}
	cfg := settings{margin: DefaultMargin}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default().With("chain", string(chain))
	}
	return &Submitter[T]{
		chain:    chain,
		backend:  backend,
		margin:   cfg.margin,
		timeouts: cfg.timeouts,
		metrics:  cfg.metrics,
		logger:   cfg.logger.With("component", "submitter"),
	}, nil
}

// ApplyMargin scales an estimate by margin, rounding up. The margin is
// applied in thousandths so results do not depend on float rounding.
func ApplyMargin(estimate uint64, margin float64) uint64 {
	milli := uint64(math.Round(margin * 1000))
	if milli < 1000 {
		milli = 1000
	}
	if estimate > math.MaxUint64/milli {
		return math.MaxUint64
	}
	return (estimate*milli + 999) / 1000
}

// Submit estimates, sends, and waits for tx. A reverted transaction returns
// its receipt with Confirmed=false together with a *escrow.RevertError, or an
// error wrapping escrow.ErrDerivationCollision when the backend reports the
// failure as an address collision. When ctx ends after broadcast the receipt carries the handle and the error wraps
// escrow.ErrAbandoned.
func (s *Submitter[T]) Submit(ctx context.Context, label string, tx T) (*escrow.Receipt, error) {
	estimate, err := s.estimate(ctx, tx)
	if err != nil {
		s.metrics.RecordSubmission(string(s.chain), escrow.Kind(err), 0)
		s.logger.Warn("estimation failed; not submitting", "call", label, "error", err)
		return nil, err
	}
	limit := ApplyMargin(estimate, s.margin)

	handle, err := s.send(ctx, tx, limit)
	if err != nil {
		s.metrics.RecordSubmission(string(s.chain), escrow.Kind(err), 0)
		s.logger.Warn("broadcast failed", "call", label, "limit", limit, "error", err)
		return nil, err
	}
	s.logger.Info("transaction broadcast", "call", label, "handle", handle, "estimate", estimate, "limit", limit)

	receipt := &escrow.Receipt{Handle: handle, Limit: limit}
	waitCtx, cancel := withTimeout(ctx, s.timeouts.Confirm)
	defer cancel()
	inclusion, err := s.backend.Await(waitCtx, handle)
	if err != nil {
		if waitCtx.Err() != nil {
			s.metrics.RecordSubmission(string(s.chain), "abandoned", 0)
			s.logger.Warn("stopped waiting for confirmation", "call", label, "handle", handle, "error", waitCtx.Err())
			return receipt, fmt.Errorf("%w: waiting for %s: %v", escrow.ErrAbandoned, handle, waitCtx.Err())
		}
		s.metrics.RecordSubmission(string(s.chain), escrow.Kind(err), 0)
		return receipt, escrow.Unreachable("await "+handle, err)
	}

	receipt.ResourceUsed = inclusion.ResourceUsed
	receipt.Height = inclusion.Height
	if !inclusion.Success {
		receipt.RevertReason = inclusion.RevertReason
		if inclusion.Collision {
			s.metrics.RecordSubmission(string(s.chain), "collision", inclusion.ResourceUsed)
			s.logger.Warn("derived address taken before inclusion", "call", label, "handle", handle, "reason", inclusion.RevertReason)
			return receipt, fmt.Errorf("%w: %s: %s", escrow.ErrDerivationCollision, handle, inclusion.RevertReason)
		}
		s.metrics.RecordSubmission(string(s.chain), "reverted", inclusion.ResourceUsed)
		s.logger.Warn("transaction reverted", "call", label, "handle", handle, "reason", inclusion.RevertReason)
		return receipt, &escrow.RevertError{Handle: handle, Reason: inclusion.RevertReason}
	}
	receipt.Confirmed = true
	s.metrics.RecordSubmission(string(s.chain), "confirmed", inclusion.ResourceUsed)
	s.logger.Info("transaction confirmed", "call", label, "handle", handle, "height", inclusion.Height, "used", inclusion.ResourceUsed)
	return receipt, nil
}

func (s *Submitter[T]) estimate(ctx context.Context, tx T) (uint64, error) {
	estCtx, cancel := withTimeout(ctx, s.timeouts.Estimate)
	defer cancel()
	estimate, err := s.backend.Estimate(estCtx, tx)
	if err != nil {
		return 0, escrow.Unreachable("estimate", err)
	}
	if estimate == 0 {
		return 0, escrow.Unreachable("estimate", errors.New("node returned zero estimate"))
	}
	return estimate, nil
}

func (s *Submitter[T]) send(ctx context.Context, tx T, limit uint64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: before broadcast: %v", escrow.ErrAbandoned, err)
	}
	sendCtx, cancel := withTimeout(ctx, s.timeouts.Send)
	defer cancel()
	handle, err := s.backend.Send(sendCtx, tx, limit)
	if err != nil {
		return "", escrow.Unreachable("send", err)
	}
	return handle, nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
