// Package resolve extracts typed events from confirmed transactions,
// tolerating the lag between confirmation and event visibility.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"escrowcore/escrow"
	"escrowcore/observability"
)

const (
	// DefaultDelay is the fixed wait between the first and second read.
	DefaultDelay = 5 * time.Second
	// DefaultAttempts is the number of reads before giving up.
	DefaultAttempts = 2
	// DefaultReadTimeout bounds each read of a transaction's events.
	DefaultReadTimeout = 10 * time.Second
)

// Resolver looks up a named event in a transaction's decoded events.
type Resolver struct {
	chain       escrow.ChainKind
	source      escrow.EventSource
	delay       time.Duration
	attempts    int
	readTimeout time.Duration
	sleep       func(context.Context, time.Duration) error
	metrics     *observability.EscrowMetrics
	logger      *slog.Logger
}

// Option customises a Resolver.
type Option func(*Resolver)

// WithLag overrides the delay between reads and the number of reads.
func WithLag(delay time.Duration, attempts int) Option {
	return func(r *Resolver) {
		if delay >= 0 {
			r.delay = delay
		}
		if attempts > 0 {
			r.attempts = attempts
		}
	}
}

// WithReadTimeout bounds each event read. A read that times out counts as a
// failed attempt. Zero disables the bound.
func WithReadTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		if d >= 0 {
			r.readTimeout = d
		}
	}
}

// WithSleep overrides how the resolver waits between reads.
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(r *Resolver) {
		if fn != nil {
			r.sleep = fn
		}
	}
}

// WithMetrics attaches the metrics registry.
func WithMetrics(m *observability.EscrowMetrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// New constructs a Resolver over source.
func New(chain escrow.ChainKind, source escrow.EventSource, opts ...Option) (*Resolver, error) {
	if source == nil {
		return nil, errors.New("resolve: event source required")
	}
	r := &Resolver{
		chain:       chain,
		source:      source,
		delay:       DefaultDelay,
		attempts:    DefaultAttempts,
		readTimeout: DefaultReadTimeout,
		sleep:       sleepContext,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "resolver", "chain", string(chain))
	return r, nil
}

// Find returns the first event named name emitted by the transaction handle.
// When the transaction emitted several events with that name only the first
// is returned. It fails with escrow.ErrEventNotFound once every read came
// back without a match and with escrow.ErrMalformedEvent when the match is
// missing required fields.
func (r *Resolver) Find(ctx context.Context, handle string, name escrow.EventName) (escrow.Event, error) {
	if handle == "" {
		return nil, escrow.Invalid("transaction handle required")
	}
	var lastErr error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		if attempt > 1 {
			if err := r.sleep(ctx, r.delay); err != nil {
				return nil, fmt.Errorf("%w: waiting for %s in %s: %v", escrow.ErrAbandoned, name, handle, err)
			}
		}
		events, err := r.read(ctx, handle)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: reading events of %s: %v", escrow.ErrAbandoned, handle, ctx.Err())
			}
			lastErr = err
			r.logger.Debug("event read failed", "handle", handle, "event", string(name), "attempt", attempt, "error", err)
			continue
		}
		for _, decoded := range events {
			if decoded.Name != name {
				continue
			}
			if decoded.Err != nil {
				r.metrics.RecordLookup(string(r.chain), string(name), "malformed")
				return nil, decoded.Err
			}
			if decoded.Event == nil {
				r.metrics.RecordLookup(string(r.chain), string(name), "malformed")
				return nil, escrow.Malformed(name, "no payload")
			}
			r.metrics.RecordLookup(string(r.chain), string(name), "found")
			return decoded.Event, nil
		}
		r.logger.Debug("event not visible yet", "handle", handle, "event", string(name), "attempt", attempt)
	}
	r.metrics.RecordLookup(string(r.chain), string(name), "not_found")
	if lastErr != nil {
		return nil, fmt.Errorf("%w: %s in %s after %d reads: last error: %v", escrow.ErrEventNotFound, name, handle, r.attempts, lastErr)
	}
	return nil, fmt.Errorf("%w: %s in %s after %d reads", escrow.ErrEventNotFound, name, handle, r.attempts)
}

func (r *Resolver) read(ctx context.Context, handle string) ([]escrow.DecodedEvent, error) {
	if r.readTimeout <= 0 {
		return r.source.TransactionEvents(ctx, handle)
	}
	readCtx, cancel := context.WithTimeout(ctx, r.readTimeout)
	defer cancel()
	return r.source.TransactionEvents(readCtx, handle)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
