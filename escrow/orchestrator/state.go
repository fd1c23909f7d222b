package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"escrowcore/escrow"
	"escrowcore/observability"
)

// State names a step of an operation's state machine.
type State string

const (
	StateStarted         State = "started"
	StateValidated       State = "validated"
	StateApprovalChecked State = "approval_checked"
	StateSubmitted       State = "submitted"
	StateConfirmed       State = "confirmed"
	StateResolved        State = "resolved"
	StateDone            State = "done"
	StateFailed          State = "failed"
)

// OperationError reports where an operation stopped. The wrapped error is
// passed through unchanged so errors.Is and errors.As see the original kind.
type OperationError struct {
	Operation string
	Chain     escrow.ChainKind
	// LastState is the last state the operation completed.
	LastState State
	// Handle is set when a transaction was broadcast before the failure.
	Handle string
	Err    error
}

func (e *OperationError) Error() string {
	if e.Handle != "" {
		return fmt.Sprintf("%s on %s failed after %s (tx %s): %v", e.Operation, e.Chain, e.LastState, e.Handle, e.Err)
	}
	return fmt.Sprintf("%s on %s failed after %s: %v", e.Operation, e.Chain, e.LastState, e.Err)
}

func (e *OperationError) Unwrap() error { return e.Err }

// run tracks one operation instance: its state, span, and log context.
type run struct {
	name    string
	chain   escrow.ChainKind
	id      string
	state   State
	started time.Time
	span    trace.Span
	logger  *slog.Logger
	metrics *observability.EscrowMetrics
}

func (o *Orchestrator) begin(ctx context.Context, name string, chain escrow.ChainKind, attrs ...attribute.KeyValue) (context.Context, *run) {
	id := uuid.NewString()
	attrs = append([]attribute.KeyValue{
		attribute.String("escrow.chain", string(chain)),
		attribute.String("escrow.op_id", id),
	}, attrs...)
	ctx, span := o.tracer.Start(ctx, "escrow."+name, trace.WithAttributes(attrs...))
	r := &run{
		name:    name,
		chain:   chain,
		id:      id,
		state:   StateStarted,
		started: o.now(),
		span:    span,
		logger:  o.logger.With("operation", name, "op_id", id, "chain", string(chain)),
		metrics: o.metrics,
	}
	return ctx, r
}

func (r *run) advance(state State, args ...any) {
	r.state = state
	r.span.AddEvent(string(state))
	r.logger.Debug("operation state", append([]any{"state", string(state)}, args...)...)
}

// fail closes the run and wraps err with the last completed state.
func (r *run) fail(end time.Time, handle string, err error) error {
	r.span.AddEvent(string(StateFailed), trace.WithAttributes(attribute.String("escrow.last_state", string(r.state))))
	r.span.RecordError(err)
	r.span.SetStatus(codes.Error, err.Error())
	r.span.End()
	outcome := escrow.Kind(err)
	r.metrics.ObserveOperation(string(r.chain), r.name, outcome, end.Sub(r.started))
	r.logger.Warn("operation failed", "last_state", string(r.state), "handle", handle, "kind", outcome, "error", err)
	return &OperationError{Operation: r.name, Chain: r.chain, LastState: r.state, Handle: handle, Err: err}
}

func (r *run) done(end time.Time, res *Result) {
	r.advance(StateDone)
	res.Operation = r.name
	res.OperationID = r.id
	res.Chain = r.chain
	if res.Status == "" {
		res.Status = StatusConfirmed
	}
	r.span.SetAttributes(attribute.String("escrow.status", string(res.Status)))
	if res.Handle != "" {
		r.span.SetAttributes(attribute.String("escrow.tx", res.Handle))
	}
	r.span.SetStatus(codes.Ok, string(res.Status))
	r.span.End()
	r.metrics.ObserveOperation(string(r.chain), r.name, string(res.Status), end.Sub(r.started))
	r.logger.Info("operation complete", "status", string(res.Status), "handle", res.Handle, "assigned_id", res.assignedIDValue())
}

// submitted moves the run past submission when the adapter broadcast a
// transaction, even if it later failed.
func (r *run) submitted(receipt *escrow.Receipt) {
	if receipt == nil || receipt.Handle == "" {
		return
	}
	r.advance(StateSubmitted, "handle", receipt.Handle)
}
