package visitsync

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/clinic-visit-sync/internal/cache"
	"github.com/wolfman30/clinic-visit-sync/internal/ledger"
	"github.com/wolfman30/clinic-visit-sync/internal/observability/metrics"
	"github.com/wolfman30/clinic-visit-sync/internal/visits"
	"github.com/wolfman30/clinic-visit-sync/pkg/logging"
)

const defaultRequestTimeout = 30 * time.Second

var tracer = otel.Tracer("clinic.internal.visitsync")

// Options configures a Coordinator.
type Options struct {
	Store   *cache.Store
	Service VisitService
	Gate    RoleGate
	Logger  *logging.Logger
	Metrics *metrics.SyncMetrics
	// RequestTimeout bounds each dispatched mutation.
	RequestTimeout time.Duration
	// NewID generates mutation and placeholder ids. Defaults to UUIDv4.
	NewID func() string
}

// Coordinator runs visit mutations through the optimistic update protocol
// and serves the cached read views.
type Coordinator struct {
	store   *cache.Store
	service VisitService
	gate    RoleGate
	logger  *logging.Logger
	metrics *metrics.SyncMetrics
	tracer  trace.Tracer
	timeout time.Duration
	newID   func() string
}

// New validates opts and returns a Coordinator.
func New(opts Options) (*Coordinator, error) {
	if opts.Store == nil {
		return nil, errors.New("visitsync: store is required")
	}
	if opts.Service == nil {
		return nil, errors.New("visitsync: visit service is required")
	}
	if opts.Gate == nil {
		return nil, errors.New("visitsync: role gate is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	return &Coordinator{
		store:   opts.Store,
		service: opts.Service,
		gate:    opts.Gate,
		logger:  logger.Component("visitsync"),
		metrics: opts.Metrics,
		tracer:  tracer,
		timeout: timeout,
		newID:   newID,
	}, nil
}

// Outcome is the terminal result of one mutation instance.
type Outcome struct {
	MutationID string
	Kind       visits.Action
	VisitID    string
	// Phase is PhaseCommitted, PhaseRolledBack, or PhaseIdle for a mutation
	// rejected before anything was applied.
	Phase Phase
	// Visit is the authoritative visit returned by the service on commit.
	Visit visits.Visit
	// Payment classifies a payment status write.
	Payment visits.PaymentChange
	Err     error
}

// Committed reports whether the service accepted the mutation.
func (o *Outcome) Committed() bool {
	return o != nil && o.Phase == PhaseCommitted
}

// visitLookup returns the current state of the visit a mutation targets.
type visitLookup func() (visits.Visit, error)

// plan is one instantiation of the protocol for a mutation kind.
type plan struct {
	kind    visits.Action
	visitID string
	deps    dependencies
	// validate runs the local checks. It calls current only after the checks
	// that need no visit, so bad input never costs a round trip.
	validate func(actor visits.Actor, current visitLookup) error
	// load reads the visit through the store when no view holds it.
	load func(ctx context.Context) (visits.Visit, error)
	// apply computes the optimistic copy of the visit.
	apply func(visits.Visit) visits.Visit
	// insert is prepended to list views instead of patching an existing copy.
	insert   *visits.Visit
	dispatch func(ctx context.Context) (visits.Visit, error)
	// committed runs after server truth is in the store.
	committed func(server visits.Visit, log *logging.Logger)
}

func (c *Coordinator) run(ctx context.Context, p plan) (*Outcome, error) {
	m := &mutation{id: c.newID()}
	out := &Outcome{MutationID: m.id, Kind: p.kind, VisitID: p.visitID}
	kind := string(p.kind)

	ctx, span := c.tracer.Start(ctx, "visitsync."+kind, trace.WithAttributes(
		attribute.String("mutation.id", m.id),
		attribute.String("visit.id", p.visitID),
	))
	defer span.End()
	log := &logging.Logger{Logger: c.logger.With("mutation", m.id, "kind", kind, "visit_id", p.visitID)}

	finish := func(err error) (*Outcome, error) {
		out.Phase = m.phase
		out.Err = err
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.String("mutation.phase", m.phase.String()))
		return out, err
	}

	if err := m.advance(PhaseValidating); err != nil {
		return finish(err)
	}
	if err := c.validate(ctx, p); err != nil {
		if perr := m.advance(PhaseIdle); perr != nil {
			return finish(perr)
		}
		if visits.IsKind(err, visits.KindNotFound) {
			for _, pattern := range p.deps.gone {
				c.store.Invalidate(pattern)
			}
		}
		c.metrics.ObserveMutation(kind, "rejected")
		log.Info("mutation rejected before dispatch", "error_kind", visits.KindOf(err).String(), "error", err)
		return finish(err)
	}

	if err := m.advance(PhaseApplying); err != nil {
		return finish(err)
	}
	started := time.Now()
	touched := c.apply(m.id, p)
	if err := m.advance(PhasePending); err != nil {
		c.rollback(m.id, touched)
		return finish(err)
	}
	log.Debug("optimistic update applied", "keys", len(touched))

	dispatchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	server, err := p.dispatch(dispatchCtx)
	cancel()

	if err != nil {
		err = remoteError(p.kind, err)
		c.rollback(m.id, touched)
		c.metrics.ObserveMutationLatency(kind, time.Since(started).Seconds())
		switch visits.KindOf(err) {
		case visits.KindNotFound:
			for _, pattern := range p.deps.gone {
				c.store.Invalidate(pattern)
			}
		case visits.KindConflict:
			for _, key := range p.deps.entities {
				c.store.Invalidate(string(key))
			}
		}
		if perr := m.advance(PhaseRolledBack); perr != nil {
			return finish(errors.Join(err, perr))
		}
		c.metrics.ObserveMutation(kind, "rolled_back")
		log.Warn("mutation rolled back", "error_kind", visits.KindOf(err).String(), "error", err)
		return finish(err)
	}

	if cerr := ledger.Check(server); cerr != nil {
		log.Warn("service totals disagree with ledger", "error", cerr)
	}
	c.commit(m.id, p, touched, server)
	c.metrics.ObserveMutationLatency(kind, time.Since(started).Seconds())
	for _, pattern := range p.deps.aggregates {
		c.store.Invalidate(pattern)
	}
	if perr := m.advance(PhaseCommitted); perr != nil {
		return finish(perr)
	}
	out.Visit = server.Clone()
	out.VisitID = server.ID
	if p.committed != nil {
		p.committed(server, log)
	}
	c.metrics.ObserveMutation(kind, "committed")
	log.Debug("mutation committed", "server_visit_id", server.ID)
	return finish(nil)
}

func (c *Coordinator) validate(ctx context.Context, p plan) error {
	actor, err := c.gate.Actor(ctx)
	if err != nil {
		return visits.Invalid(string(p.kind), err)
	}
	current := func() (visits.Visit, error) {
		if cached, ok := c.cachedVisit(p.visitID); ok {
			return cached, nil
		}
		if p.load == nil {
			return visits.Visit{}, visits.Invalid(string(p.kind), visits.ErrVisitRequired)
		}
		v, err := p.load(ctx)
		if err != nil {
			return visits.Visit{}, remoteError(p.kind, err)
		}
		return v, nil
	}
	if err := p.validate(actor, current); err != nil {
		var typed *visits.Error
		if errors.As(err, &typed) {
			return err
		}
		return visits.Invalid(string(p.kind), err)
	}
	return nil
}

// cachedVisit looks the visit up in every view that may hold a copy.
func (c *Coordinator) cachedVisit(id string) (visits.Visit, bool) {
	if id == "" {
		return visits.Visit{}, false
	}
	for _, key := range []cache.Key{visitKey(id), financeVisitKey(id), myVisitsKey} {
		if v, ok := c.store.Get(key); ok {
			if found, ok := findVisit(v, id); ok {
				return found, true
			}
		}
	}
	return visits.Visit{}, false
}

// apply writes the optimistic value into every cached view the mutation
// depends on and returns the keys it touched. Fetches in flight for any
// declared view are cancelled first, cached or not. Views that are not cached
// are otherwise left alone.
func (c *Coordinator) apply(mutationID string, p plan) []cache.Key {
	for _, key := range p.deps.entities {
		c.store.CancelFetches(key)
	}
	candidates := append([]cache.Key(nil), p.deps.entities...)
	for _, pattern := range p.deps.lists {
		c.store.CancelFetchesMatching(pattern)
		candidates = append(candidates, c.store.Keys(pattern)...)
	}

	touched := make([]cache.Key, 0, len(candidates))
	for _, key := range candidates {
		if !c.store.Contains(key) {
			continue
		}
		c.store.OptimisticSet(key, mutationID, func(v cache.Value, ok bool) (cache.Value, bool) {
			if !ok {
				return nil, false
			}
			if p.insert != nil {
				return prependVisit(v, *p.insert), true
			}
			return patchViews(v, p.visitID, p.apply), true
		})
		touched = append(touched, key)
	}
	return touched
}

// commit replaces the optimistic copies with server truth. The placeholder
// of a created visit carries a temporary id, so copies are matched by the
// id the mutation was planned with. Single-visit views that were not cached
// when the mutation applied receive the server visit as well, which also
// supersedes any fetch started during the round trip.
func (c *Coordinator) commit(mutationID string, p plan, touched []cache.Key, server visits.Visit) {
	replace := func(visits.Visit) visits.Visit { return server.Clone() }
	done := make(map[cache.Key]bool, len(touched))
	for _, key := range touched {
		c.store.CommitFunc(key, mutationID, func(v cache.Value, ok bool) (cache.Value, bool) {
			if !ok {
				return nil, false
			}
			return patchViews(v, p.visitID, replace), true
		})
		done[key] = true
	}
	entities := append([]cache.Key{visitKey(server.ID)}, p.deps.entities...)
	for _, key := range entities {
		if done[key] {
			continue
		}
		c.store.Commit(key, mutationID, visitEntry{visit: server})
		done[key] = true
	}
}

func (c *Coordinator) rollback(mutationID string, touched []cache.Key) {
	for _, key := range touched {
		c.store.Rollback(key, mutationID)
	}
}

func prependVisit(v cache.Value, placeholder visits.Visit) cache.Value {
	e, ok := v.(listEntry)
	if !ok {
		return v
	}
	items := make([]visits.Visit, 0, len(e.items)+1)
	items = append(items, placeholder.Clone())
	e.items = append(items, e.items...)
	return e
}

// remoteError makes sure every dispatch failure carries a kind. Untyped
// failures, including the request timeout, are transport errors.
func remoteError(kind visits.Action, err error) error {
	if visits.KindOf(err) != visits.KindUnknown {
		return err
	}
	return &visits.Error{Kind: visits.KindTransport, Op: string(kind), Err: err}
}

// Submit runs intent on its own goroutine and delivers the outcome on the
// returned channel, which is closed afterwards.
func (c *Coordinator) Submit(ctx context.Context, intent func(context.Context) (*Outcome, error)) <-chan *Outcome {
	done := make(chan *Outcome, 1)
	go func() {
		defer close(done)
		out, err := intent(ctx)
		if out == nil {
			out = &Outcome{Phase: PhaseIdle, Err: err}
		}
		done <- out
	}()
	return done
}
