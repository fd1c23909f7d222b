// Package orchestrator turns trade lifecycle intents into escrow
// transactions on any configured chain and links the results back to the
// identifiers the contract assigned.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"escrowcore/escrow"
	"escrowcore/escrow/approval"
	"escrowcore/escrow/correlation"
	"escrowcore/escrow/resolve"
	"escrowcore/observability"
)

// DefaultCollisionRetries bounds how many correlation ids are tried when the
// derived record address is already occupied.
const DefaultCollisionRetries = 3

// DefaultReadTimeout bounds each chain read an operation performs around its
// write: the trade pre-read, allowance reads, and event reads.
const DefaultReadTimeout = 10 * time.Second

// Status is the outcome class of a completed operation.
type Status string

const (
	// StatusConfirmed is a confirmed write that assigns no identifier.
	StatusConfirmed Status = "confirmed"
	// StatusLinked is a confirmed write whose assigned identifier is known.
	StatusLinked Status = "linked"
	// StatusUnlinked is a confirmed write whose identifier could not be
	// recovered from its events. The on-chain state did change.
	StatusUnlinked Status = "unlinked"
	// StatusAbandoned means the caller stopped waiting after broadcast.
	StatusAbandoned Status = "abandoned"
)

// ReasonEventNotFound is reported on unlinked results.
const ReasonEventNotFound = "EventNotFound"

// Result is the chain-agnostic outcome returned to the marketplace layer.
type Result struct {
	Operation   string           `json:"operation"`
	OperationID string           `json:"operationId"`
	Chain       escrow.ChainKind `json:"chain"`
	Status      Status           `json:"status"`
	Handle      string           `json:"transactionHandle,omitempty"`
	// AssignedID is nil unless the operation produced an identifier and it
	// was linked.
	AssignedID *uint64 `json:"assignedId"`
	Reason     string  `json:"reason,omitempty"`
	// Payable is the exact amount a purchase paid, in atomic units.
	Payable  string            `json:"payable,omitempty"`
	Approval *approval.Result `json:"-"`
	Receipt  *escrow.Receipt   `json:"-"`
	Event    escrow.Event     `json:"-"`
}

func (r *Result) assignedIDValue() any {
	if r == nil || r.AssignedID == nil {
		return nil
	}
	return *r.AssignedID
}

// Chain registers one adapter with the network's token table.
type Chain struct {
	Adapter escrow.Adapter
	Tokens  escrow.TokenTable
}

type chainRuntime struct {
	adapter   escrow.Adapter
	tokens    escrow.TokenTable
	approvals *approval.Manager
	resolver  *resolve.Resolver
}

// Orchestrator dispatches operations to the adapter selected by the chain
// discriminator. It holds no state beyond its configuration and is safe for
// concurrent use.
type Orchestrator struct {
	chains      map[escrow.ChainKind]*chainRuntime
	ids         *correlation.Generator
	retries     int
	readTimeout time.Duration
	resolveOps  []resolve.Option
	metrics     *observability.EscrowMetrics
	tracer      trace.Tracer
	logger      *slog.Logger
	now         func() time.Time
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithCollisionRetries overrides DefaultCollisionRetries.
func WithCollisionRetries(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.retries = n
		}
	}
}

// WithReadTimeout overrides DefaultReadTimeout. Zero disables the bound.
func WithReadTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d >= 0 {
			o.readTimeout = d
		}
	}
}

// WithCorrelation overrides the correlation id generator.
func WithCorrelation(g *correlation.Generator) Option {
	return func(o *Orchestrator) {
		if g != nil {
			o.ids = g
		}
	}
}

// WithResolveOptions configures every chain's event resolver.
func WithResolveOptions(opts ...resolve.Option) Option {
	return func(o *Orchestrator) { o.resolveOps = append(o.resolveOps, opts...) }
}

// WithMetrics attaches the metrics registry.
func WithMetrics(m *observability.EscrowMetrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithTracer overrides the tracer taken from the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) {
		if t != nil {
			o.tracer = t
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock overrides the clock used for latency metrics.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// New builds an Orchestrator over chains. Each chain gets its own approval
// manager and event resolver.
func New(chains []Chain, opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{
		chains:      make(map[escrow.ChainKind]*chainRuntime, len(chains)),
		ids:         correlation.New(),
		retries:     DefaultCollisionRetries,
		readTimeout: DefaultReadTimeout,
		tracer:      otel.Tracer("escrowcore/orchestrator"),
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	base := o.logger
	o.logger = base.With("component", "orchestrator")
	for _, c := range chains {
		if c.Adapter == nil {
			return nil, errors.New("orchestrator: nil adapter")
		}
		kind := c.Adapter.Chain().Normalize()
		if kind == "" {
			return nil, errors.New("orchestrator: adapter without chain name")
		}
		if _, dup := o.chains[kind]; dup {
			return nil, fmt.Errorf("orchestrator: chain %q registered twice", kind)
		}
		manager, err := approval.NewManager(kind, c.Adapter.Tokens(), o.metrics, base, approval.WithReadTimeout(o.readTimeout))
		if err != nil {
			return nil, fmt.Errorf("orchestrator: %s: %w", kind, err)
		}
		resolverOpts := append([]resolve.Option{
			resolve.WithMetrics(o.metrics),
			resolve.WithLogger(base),
			resolve.WithReadTimeout(o.readTimeout),
		}, o.resolveOps...)
		resolver, err := resolve.New(kind, c.Adapter.Events(), resolverOpts...)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: %s: %w", kind, err)
		}
		o.chains[kind] = &chainRuntime{
			adapter:   c.Adapter,
			tokens:    c.Tokens,
			approvals: manager,
			resolver:  resolver,
		}
	}
	return o, nil
}

// Chains lists the registered chain discriminators.
func (o *Orchestrator) Chains() []escrow.ChainKind {
	out := make([]escrow.ChainKind, 0, len(o.chains))
	for kind := range o.chains {
		out = append(out, kind)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Adapter returns the adapter registered for chain.
func (o *Orchestrator) Adapter(chain escrow.ChainKind) (escrow.Adapter, error) {
	rt, err := o.runtime(chain)
	if err != nil {
		return nil, err
	}
	return rt.adapter, nil
}

func (o *Orchestrator) runtime(chain escrow.ChainKind) (*chainRuntime, error) {
	rt, ok := o.chains[chain.Normalize()]
	if !ok {
		return nil, fmt.Errorf("%w: %q", escrow.ErrUnknownChain, chain)
	}
	return rt, nil
}

// readContext bounds a single chain read taken as part of an operation.
func (o *Orchestrator) readContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.readTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, o.readTimeout)
}

// ResolveToken maps a token symbol or literal address through the chain's
// token table.
func (o *Orchestrator) ResolveToken(chain escrow.ChainKind, token string) (string, error) {
	rt, err := o.runtime(chain)
	if err != nil {
		return "", err
	}
	return rt.tokens.Resolve(token)
}
