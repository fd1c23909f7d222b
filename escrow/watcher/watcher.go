// Package watcher follows the escrow contracts on every configured chain and
// hands the events it observes to a set of sinks. Each chain keeps a
// persisted cursor that only moves once a batch has reached every sink.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"escrowcore/escrow"
	"escrowcore/observability"
	"escrowcore/storage"
)

// DefaultInterval is the pause between polls.
const DefaultInterval = 30 * time.Second

// Observation is one decoded event seen on chain.
type Observation struct {
	Chain  escrow.ChainKind
	Handle string
	Height uint64
	Index  int
	Name   escrow.EventName
	Event  escrow.Event
	Err    error
}

// RecordID returns the id carried by the event, or zero when it did not decode.
func (o Observation) RecordID() uint64 {
	if o.Event == nil {
		return 0
	}
	return o.Event.RecordID()
}

// Batch is the outcome of a poll: the observations found and the cursor
// position that covers them.
type Batch struct {
	Observations []Observation
	Next         storage.Cursor
}

// Source reads the escrow events past a cursor.
//
// A source that fails part way returns the batch it completed together with
// the error, so the progress made before the failure is not lost.
type Source interface {
	Chain() escrow.ChainKind
	Poll(ctx context.Context, from storage.Cursor) (Batch, error)
}

// Sink receives observations. Deliveries must be idempotent on chain,
// handle and index: a batch is redelivered when a later sink fails.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, batch []Observation) error
}

// CursorStore persists watcher positions. *storage.Store satisfies it.
type CursorStore interface {
	LoadCursor(ctx context.Context, chain string) (storage.Cursor, error)
	SaveCursor(ctx context.Context, cursor storage.Cursor) error
}

// Status reports the progress of a watcher.
type Status struct {
	Chain     string    `json:"chain"`
	Height    uint64    `json:"height"`
	Signature string    `json:"signature,omitempty"`
	Events    uint64    `json:"events"`
	LastPoll  time.Time `json:"lastPoll,omitempty"`
	LastError string    `json:"lastError,omitempty"`
}

// Watcher polls a single chain.
type Watcher struct {
	source   Source
	cursors  CursorStore
	sinks    []Sink
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.RWMutex
	status Status
}

// Option customises a Watcher.
type Option func(*Watcher)

// WithInterval overrides the pause between polls.
func WithInterval(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithClock overrides the clock used for status timestamps.
func WithClock(now func() time.Time) Option {
	return func(w *Watcher) {
		if now != nil {
			w.now = now
		}
	}
}

// New builds a watcher for source.
func New(source Source, cursors CursorStore, sinks []Sink, opts ...Option) (*Watcher, error) {
	if source == nil {
		return nil, fmt.Errorf("watcher: source required")
	}
	if cursors == nil {
		return nil, fmt.Errorf("watcher: cursor store required")
	}
	w := &Watcher{
		source:   source,
		cursors:  cursors,
		sinks:    append([]Sink(nil), sinks...),
		interval: DefaultInterval,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("component", "watcher", "chain", string(source.Chain()))
	w.status.Chain = string(source.Chain())
	return w, nil
}

// Chain returns the chain the watcher follows.
func (w *Watcher) Chain() escrow.ChainKind { return w.source.Chain() }

// Status returns a snapshot of the watcher's progress.
func (w *Watcher) Status() Status {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.status
}

// Run polls until ctx is cancelled. Poll failures are logged and retried on
// the next tick.
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.Info("watcher started", "interval", w.interval.String(), "sinks", len(w.sinks))
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		if _, err := w.PollOnce(ctx); err != nil && ctx.Err() == nil {
			w.logger.Warn("poll failed", "error", err)
		}
		select {
		case <-ctx.Done():
			w.logger.Info("watcher stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// PollOnce runs a single poll and returns the number of observations
// delivered.
func (w *Watcher) PollOnce(ctx context.Context) (int, error) {
	chain := string(w.source.Chain())
	metrics := observability.Watcher()

	cursor, err := w.cursors.LoadCursor(ctx, chain)
	if err != nil {
		metrics.RecordError(chain, "cursor")
		return 0, w.finish(cursor, 0, fmt.Errorf("load cursor: %w", err))
	}
	batch, pollErr := w.source.Poll(ctx, cursor)
	if pollErr != nil {
		metrics.RecordError(chain, "fetch")
	}
	if len(batch.Observations) > 0 {
		for _, sink := range w.sinks {
			if err := sink.Deliver(ctx, batch.Observations); err != nil {
				metrics.RecordError(chain, "sink")
				return 0, w.finish(cursor, 0, fmt.Errorf("sink %s: %w", sink.Name(), err))
			}
		}
		for _, obs := range batch.Observations {
			metrics.RecordEvent(chain, string(obs.Name))
		}
	}
	next := batch.Next
	next.Chain = chain
	if next.Height != cursor.Height || next.Signature != cursor.Signature {
		if err := w.cursors.SaveCursor(ctx, next); err != nil {
			metrics.RecordError(chain, "cursor")
			return 0, w.finish(cursor, 0, fmt.Errorf("save cursor: %w", err))
		}
		metrics.SetCursor(chain, next.Height)
		w.logger.Debug("cursor advanced", "height", next.Height, "events", len(batch.Observations))
	}
	return len(batch.Observations), w.finish(next, len(batch.Observations), pollErr)
}

func (w *Watcher) finish(cursor storage.Cursor, delivered int, err error) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status.Height = cursor.Height
	w.status.Signature = cursor.Signature
	w.status.Events += uint64(delivered)
	w.status.LastPoll = w.now().UTC()
	w.status.LastError = ""
	if err != nil {
		w.status.LastError = err.Error()
	}
	return err
}
