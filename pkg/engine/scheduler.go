package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/zclconf/go-cty/cty"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/provisio/provisio/pkg/config"
	"github.com/provisio/provisio/pkg/expr"
	"github.com/provisio/provisio/pkg/telemetry"
)

// ApplyOptions tunes run execution.
type ApplyOptions struct {
	// Parallelism bounds concurrently materializing instances.
	Parallelism int
	// MaxRetries bounds re-attempts of transient provider failures.
	MaxRetries int
	// RetryBackoff is the base delay between provider retries.
	RetryBackoff time.Duration
	// ConnectAttempts bounds bootstrap connection attempts per instance.
	ConnectAttempts int
	// ConnectBackoff is the base delay between connection attempts.
	ConnectBackoff time.Duration
}

// DefaultApplyOptions returns the standard execution settings.
func DefaultApplyOptions() ApplyOptions {
	return ApplyOptions{
		Parallelism:     4,
		MaxRetries:      2,
		RetryBackoff:    time.Second,
		ConnectAttempts: 5,
		ConnectBackoff:  time.Second,
	}
}

func (o ApplyOptions) withDefaults() ApplyOptions {
	def := DefaultApplyOptions()
	if o.Parallelism <= 0 {
		o.Parallelism = def.Parallelism
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = def.RetryBackoff
	}
	if o.ConnectAttempts <= 0 {
		o.ConnectAttempts = def.ConnectAttempts
	}
	if o.ConnectBackoff <= 0 {
		o.ConnectBackoff = def.ConnectBackoff
	}
	return o
}

// Applier executes dependency graphs against providers.
type Applier struct {
	providers  *ProviderRegistry
	transports TransportFactory
	opts       ApplyOptions
	metrics    *telemetry.Metrics
	tracer     trace.Tracer
}

// NewApplier builds an Applier. transports may be nil when no declaration
// carries provision blocks; metrics may be nil to disable instrumentation.
func NewApplier(providers *ProviderRegistry, transports TransportFactory, metrics *telemetry.Metrics, opts ApplyOptions) *Applier {
	return &Applier{
		providers:  providers,
		transports: transports,
		opts:       opts.withDefaults(),
		metrics:    metrics,
		tracer:     otel.Tracer("github.com/provisio/provisio/pkg/engine"),
	}
}

// runState tracks instance statuses for one Apply call. All fields are
// guarded by the Applier's completion loop; workers report through the done
// channel and touch instances only after being dispatched as their sole
// owner.
type runState struct {
	status    map[string]InstanceStatus
	blockedBy map[string]string
	results   map[string]*InstanceResult
}

// Apply materializes every instance in the graph. Instances become eligible
// as soon as all their dependencies are applied, and run concurrently up to
// the configured parallelism. A failed instance never stops unrelated work:
// only its dependents are marked blocked, and everything else continues.
// The returned Run reports per-instance outcomes; Apply returns an error
// only when the run could not be executed at all.
func (a *Applier) Apply(ctx context.Context, cfg *config.Config, graph *Graph, scope *expr.Scope) (*Run, error) {
	ctx, span := a.tracer.Start(ctx, "engine.Apply",
		trace.WithAttributes(attribute.Int("instances", len(graph.Nodes))))
	defer span.End()

	run := &Run{
		ID:        uuid.New().String(),
		StartedAt: time.Now(),
		Results:   make(map[string]*InstanceResult),
	}
	if a.metrics != nil {
		a.metrics.RunStarted()
	}
	log.Info().
		Str("run_id", run.ID).
		Int("instances", len(graph.Nodes)).
		Int("parallelism", a.opts.Parallelism).
		Msg("starting run")

	st := &runState{
		status:    make(map[string]InstanceStatus, len(graph.Nodes)),
		blockedBy: make(map[string]string),
		results:   run.Results,
	}
	for _, id := range graph.Order() {
		st.status[id] = StatusPending
	}

	type completion struct {
		id     string
		result *InstanceResult
	}
	done := make(chan completion, len(graph.Nodes))
	sem := make(chan struct{}, a.opts.Parallelism)
	inFlight := 0

	for {
		a.settleBlocked(ctx, graph, st)

		for _, id := range a.readyInstances(graph, st) {
			st.status[id] = StatusMaterializing
			inst := graph.Nodes[id].Instance
			// Snapshot statuses at dispatch; workers must not read the
			// live map while the loop mutates it.
			statuses := make(map[string]InstanceStatus, len(st.status))
			for k, v := range st.status {
				statuses[k] = v
			}
			inFlight++
			go func() {
				sem <- struct{}{}
				defer func() { <-sem }()
				done <- completion{inst.ID, a.applyInstance(ctx, cfg, graph, statuses, inst, scope)}
			}()
		}

		if inFlight == 0 {
			if a.pendingCount(st) > 0 {
				// Unreachable for an acyclic graph; fail loudly rather
				// than hang.
				return nil, NewPermanentError(CodeCycle, "scheduler stalled with pending instances", nil)
			}
			break
		}

		c := <-done
		inFlight--
		st.status[c.id] = c.result.Status
		st.results[c.id] = c.result
		if c.result.Status == StatusFailed {
			st.blockedBy[c.id] = c.id
		}
	}

	run.CompletedAt = time.Now()
	run.Duration = run.CompletedAt.Sub(run.StartedAt)
	run.Summary = summarize(st)
	run.Status = runStatus(run.Summary)

	outputs, unavailable := CollectOutputs(cfg, graph, scope, st.status)
	run.Outputs = outputs
	run.Unavailable = unavailable

	if a.metrics != nil {
		a.metrics.RunCompleted(string(run.Status), run.Duration)
	}
	log.Info().
		Str("run_id", run.ID).
		Str("status", string(run.Status)).
		Int("applied", run.Summary.Applied).
		Int("failed", run.Summary.Failed).
		Int("blocked", run.Summary.Blocked).
		Dur("duration", run.Duration).
		Msg("run finished")
	return run, nil
}

// settleBlocked marks pending instances whose dependencies can no longer
// succeed. Runs to a fixpoint so blocking propagates through chains in one
// pass, and handles cancellation by marking everything still pending.
func (a *Applier) settleBlocked(ctx context.Context, graph *Graph, st *runState) {
	cancelled := ctx.Err() != nil
	for {
		changed := false
		for _, id := range graph.Order() {
			if st.status[id] != StatusPending {
				continue
			}
			if cancelled {
				st.status[id] = StatusCancelled
				st.results[id] = &InstanceResult{
					InstanceID: id,
					Type:       graph.Nodes[id].Instance.Type,
					Status:     StatusCancelled,
				}
				changed = true
				continue
			}
			for depID := range graph.Nodes[id].DependsOn {
				s := st.status[depID]
				if s != StatusFailed && s != StatusBlocked && s != StatusCancelled {
					continue
				}
				origin := st.blockedBy[depID]
				if origin == "" {
					origin = depID
				}
				st.status[id] = StatusBlocked
				st.blockedBy[id] = origin
				st.results[id] = &InstanceResult{
					InstanceID: id,
					Type:       graph.Nodes[id].Instance.Type,
					Status:     StatusBlocked,
					BlockedBy:  origin,
					Error:      fmt.Sprintf("[%s] dependency %s failed", CodeDependencyFailed, origin),
				}
				log.Warn().Str("instance", id).Str("blocked_by", origin).Msg("instance blocked")
				changed = true
				break
			}
		}
		if !changed {
			return
		}
	}
}

// readyInstances returns pending instances whose dependencies are all
// applied, in configuration order.
func (a *Applier) readyInstances(graph *Graph, st *runState) []string {
	var ready []string
	for _, id := range graph.Order() {
		if st.status[id] != StatusPending {
			continue
		}
		ok := true
		for depID := range graph.Nodes[id].DependsOn {
			if st.status[depID] != StatusApplied {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, id)
		}
	}
	return ready
}

func (a *Applier) pendingCount(st *runState) int {
	n := 0
	for _, s := range st.status {
		if !s.IsTerminal() {
			n++
		}
	}
	return n
}

// applyInstance materializes one instance: resolve attributes, call the
// provider (with retry on transient failures), then run bootstrap actions
// when the declaration has any.
func (a *Applier) applyInstance(ctx context.Context, cfg *config.Config, graph *Graph, statuses map[string]InstanceStatus, inst *Instance, scope *expr.Scope) *InstanceResult {
	ctx, span := a.tracer.Start(ctx, "engine.applyInstance",
		trace.WithAttributes(
			attribute.String("instance", inst.ID),
			attribute.String("type", inst.Type),
		))
	defer span.End()

	start := time.Now()
	result := &InstanceResult{InstanceID: inst.ID, Type: inst.Type, Status: StatusFailed}
	defer func() {
		result.Duration = time.Since(start)
		if a.metrics != nil {
			a.metrics.InstanceApplied(inst.Type, string(result.Status), result.Duration)
		}
	}()

	instScope := a.instanceScope(cfg, graph, statuses, scope).WithCountIndex(inst.Index)

	attrs, err := a.resolveAttributes(inst, instScope)
	if err != nil {
		result.Error = err.Error()
		log.Error().Str("instance", inst.ID).Err(err).Msg("attribute resolution failed")
		return result
	}

	if inst.Identity != "" && attrsEqual(attrs, inst.Attrs) {
		// Already materialized with the same resolved attributes; the run
		// is re-entrant and re-applying is a no-op.
		result.Status = StatusApplied
		result.Identity = inst.Identity
		result.Outputs = expr.ToGoMap(inst.Outputs)
		result.Unchanged = true
		log.Debug().Str("instance", inst.ID).Msg("instance unchanged")
		return result
	}
	inst.Attrs = attrs

	provider, err := a.providers.Get(inst.Type)
	if err != nil {
		result.Error = err.Error()
		return result
	}

	identity, rawOutputs, err := a.createWithRetry(ctx, provider, inst, result)
	if err != nil {
		result.Error = err.Error()
		log.Error().Str("instance", inst.ID).Err(err).Msg("materialization failed")
		return result
	}
	outputs, convErr := expr.FromGoMap(rawOutputs)
	if convErr != nil {
		result.Error = AsEngineError(convErr).WithInstance(inst.ID).Error()
		return result
	}
	inst.Identity = identity
	inst.Outputs = outputs
	result.Identity = identity
	result.Outputs = rawOutputs
	log.Info().Str("instance", inst.ID).Str("identity", identity).Msg("instance materialized")

	if len(inst.Decl.Provisioners) > 0 {
		selfScope := instScope.WithSelf(inst.Object())
		spec, err := resolveConnection(inst.Decl.Connection, selfScope)
		if err != nil {
			result.Error = NewPermanentError(CodeBootstrapFailed, "resolving connection", err).WithInstance(inst.ID).Error()
			return result
		}
		if a.transports == nil {
			result.Error = NewPermanentError(CodeBootstrapFailed, "no transport configured for provision blocks", nil).WithInstance(inst.ID).Error()
			return result
		}
		if err := a.runBootstrap(ctx, inst, spec, selfScope); err != nil {
			result.Error = err.Error()
			log.Error().Str("instance", inst.ID).Err(err).Msg("bootstrap failed")
			return result
		}
		log.Info().Str("instance", inst.ID).Int("actions", len(inst.Decl.Provisioners)).Msg("bootstrap complete")
	}

	result.Status = StatusApplied
	return result
}

func (a *Applier) resolveAttributes(inst *Instance, scope *expr.Scope) (map[string]cty.Value, error) {
	names := make([]string, 0, len(inst.Decl.Attributes))
	for name := range inst.Decl.Attributes {
		names = append(names, name)
	}
	sort.Strings(names)

	attrs := make(map[string]cty.Value, len(names))
	for _, name := range names {
		v, err := expr.Evaluate(inst.Decl.Attributes[name], scope)
		if err != nil {
			return nil, NewPermanentError(CodeEvaluation,
				fmt.Sprintf("attribute %q: %v", name, err), err).
				WithInstance(inst.ID).
				WithOperation("resolve")
		}
		attrs[name] = v
	}
	return attrs, nil
}

func (a *Applier) createWithRetry(ctx context.Context, provider Provider, inst *Instance, result *InstanceResult) (string, map[string]interface{}, error) {
	var lastErr error
	for attempt := 0; attempt <= a.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(a.opts.RetryBackoff, attempt)
			log.Debug().Str("instance", inst.ID).Int("attempt", attempt).Dur("backoff", delay).Msg("retrying provider")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return "", nil, NewPermanentError(CodeCancelled, "run cancelled", ctx.Err()).WithInstance(inst.ID)
			}
		}
		result.Attempts = attempt + 1
		identity, outputs, err := provider.Create(ctx, inst.Type, expr.ToGoMap(inst.Attrs))
		if err == nil {
			return identity, outputs, nil
		}
		lastErr = err
		if !IsRetryable(err) {
			break
		}
	}
	return "", nil, AsEngineError(lastErr).WithInstance(inst.ID).WithOperation("create")
}

// instanceScope binds every declaration's current collection value.
// Declarations without count bind as a single object, counted declarations
// as a tuple in index order. Instances that are not applied yet bind as
// unknown values, which surfaces as ErrNotReady if an expression actually
// needs them.
func (a *Applier) instanceScope(cfg *config.Config, graph *Graph, statuses map[string]InstanceStatus, base *expr.Scope) *expr.Scope {
	scope := base
	for _, decl := range cfg.Declarations {
		scope = scope.WithResource(decl.Name, collectionValue(decl, graph, statuses))
	}
	return scope
}

func collectionValue(decl *config.Declaration, graph *Graph, status map[string]InstanceStatus) cty.Value {
	var objs []cty.Value
	for i := 0; ; i++ {
		node, ok := graph.Nodes[InstanceID(decl.Name, i)]
		if !ok {
			break
		}
		if status[node.Instance.ID] == StatusApplied {
			objs = append(objs, node.Instance.Object())
		} else {
			objs = append(objs, cty.DynamicVal)
		}
	}
	if !decl.HasCount() {
		if len(objs) == 0 {
			return cty.DynamicVal
		}
		return objs[0]
	}
	if len(objs) == 0 {
		return cty.EmptyTupleVal
	}
	return cty.TupleVal(objs)
}

func attrsEqual(a, b map[string]cty.Value) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || !av.RawEquals(bv) {
			return false
		}
	}
	return true
}

func summarize(st *runState) RunSummary {
	s := RunSummary{Total: len(st.status)}
	for id, status := range st.status {
		switch status {
		case StatusApplied:
			s.Applied++
			if r := st.results[id]; r != nil && r.Unchanged {
				s.Unchanged++
			}
		case StatusFailed:
			s.Failed++
		case StatusBlocked:
			s.Blocked++
		case StatusCancelled:
			s.Cancelled++
		}
	}
	return s
}

func runStatus(s RunSummary) RunStatus {
	switch {
	case s.Cancelled > 0:
		return RunCancelled
	case s.Failed == 0 && s.Blocked == 0:
		return RunSucceeded
	case s.Applied > 0:
		return RunPartial
	default:
		return RunFailed
	}
}
