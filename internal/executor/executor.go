// Package executor runs plans step by step, checkpointing before mutations and rolling back on failure.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/mohammad-safakhou/voiceplanner/internal/capability"
	"github.com/mohammad-safakhou/voiceplanner/internal/checkpoint"
	"github.com/mohammad-safakhou/voiceplanner/internal/memory"
	"github.com/mohammad-safakhou/voiceplanner/internal/planner"
	"github.com/mohammad-safakhou/voiceplanner/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var executorTracer trace.Tracer = otel.Tracer("voiceplanner/internal/executor")

const (
	DefaultWorkers        = 4
	DefaultStepTimeout    = 30 * time.Second
	DefaultBackoffInitial = 200 * time.Millisecond
	DefaultBackoffMax     = 5 * time.Second
)

// Metrics aggregates optional telemetry callbacks.
type Metrics struct {
	StepAttempt  func(ctx context.Context, actionID string, attempt int, kind capability.ErrorKind)
	StepDuration func(ctx context.Context, actionID string, status planner.StepStatus, d time.Duration)
	PlanOutcome  func(ctx context.Context, rule string, outcome PlanOutcome)
}

// Executor owns step state for the plans it runs. One Executor may run many plans concurrently.
type Executor struct {
	registry       *capability.Registry
	invoker        capability.Invoker
	snapshotter    capability.Snapshotter
	journal        checkpoint.Journal
	metrics        Metrics
	logger         *log.Logger
	workers        int
	stepTimeout    time.Duration
	backoffInitial time.Duration
	backoffMax     time.Duration
	now            func() time.Time
}

// Option configures executor behaviour.
type Option func(*Executor)

// WithWorkers bounds how many fan-out sub-plans run at once.
func WithWorkers(n int) Option {
	return func(ex *Executor) {
		if n > 0 {
			ex.workers = n
		}
	}
}

// WithStepTimeout sets the timeout for actions that do not declare their own.
func WithStepTimeout(d time.Duration) Option {
	return func(ex *Executor) {
		if d > 0 {
			ex.stepTimeout = d
		}
	}
}

// WithBackoff sets the exponential retry backoff bounds.
func WithBackoff(initial, maxInterval time.Duration) Option {
	return func(ex *Executor) {
		if initial > 0 {
			ex.backoffInitial = initial
		}
		if maxInterval > 0 {
			ex.backoffMax = maxInterval
		}
	}
}

// WithJournal records checkpoints durably.
func WithJournal(j checkpoint.Journal) Option {
	return func(ex *Executor) {
		if j != nil {
			ex.journal = j
		}
	}
}

// WithMetrics sets executor metrics callbacks.
func WithMetrics(m Metrics) Option {
	return func(ex *Executor) {
		ex.metrics = m
	}
}

// WithLogger overrides the executor logger.
func WithLogger(l *log.Logger) Option {
	return func(ex *Executor) {
		if l != nil {
			ex.logger = l
		}
	}
}

// New creates an Executor that invokes and snapshots entities through collab.
func New(reg *capability.Registry, collab capability.Collaborator, opts ...Option) *Executor {
	ex := &Executor{
		registry:       reg,
		invoker:        collab,
		snapshotter:    collab,
		journal:        checkpoint.NoopJournal{},
		logger:         log.New(log.Writer(), "[EXECUTOR] ", log.LstdFlags),
		workers:        DefaultWorkers,
		stepTimeout:    DefaultStepTimeout,
		backoffInitial: DefaultBackoffInitial,
		backoffMax:     DefaultBackoffMax,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(ex)
	}
	return ex
}

// Request is one plan to run for a session.
type Request struct {
	RunID     string
	SessionID string
	Plan      *planner.Plan
	Memory    *memory.Store
}

// Execute runs the plan to a terminal state and returns its trace. Cancelling ctx aborts the run at
// the next step boundary; the call in flight is detached from cancellation and allowed to finish.
func (e *Executor) Execute(ctx context.Context, req Request) *Trace {
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	mem := req.Memory
	if mem == nil {
		mem = memory.NewStore()
	}
	plan := req.Plan.Clone()
	tr := &Trace{
		RunID:          req.RunID,
		SessionID:      req.SessionID,
		CatalogVersion: e.registry.Version(),
		Plan:           plan,
		StartedAt:      e.now().UTC(),
	}
	if plan != nil {
		tr.Goal, tr.Rule = plan.Goal, plan.Rule
	}

	ctx, span := executorTracer.Start(ctx, "executor.plan",
		trace.WithAttributes(
			attribute.String("run.id", tr.RunID),
			attribute.String("plan.rule", tr.Rule),
		))
	defer span.End()
	e.logger.Printf("run %s started rule=%s goal=%q", tr.RunID, tr.Rule, tr.Goal)

	switch {
	case plan == nil:
		tr.Outcome = OutcomeFailed
		tr.Error = "no plan to execute"
	case plan.IsFanOut():
		e.executeFanOut(ctx, tr, mem)
	default:
		run := e.runSubPlan(ctx, tr.RunID, ScopePlan, models.EntityRef{}, plan.Steps, mem)
		run.mgr.Discard()
		tr.Steps = run.results
		tr.SubPlans = []SubPlanOutcome{run.outcome}
		tr.Outcome = run.outcome.Outcome
		tr.Error = run.outcome.Error
		tr.Inconsistent = run.outcome.Inconsistent
	}

	if err := e.journal.Discard(context.WithoutCancel(ctx), tr.RunID); err != nil {
		e.logger.Printf("run %s journal discard failed: %v", tr.RunID, err)
	}
	tr.FinishedAt = e.now().UTC()
	span.SetAttributes(attribute.String("plan.outcome", string(tr.Outcome)))
	if tr.Outcome == OutcomeCompleted {
		span.SetStatus(codes.Ok, "completed")
	} else {
		span.SetStatus(codes.Error, tr.Error)
	}
	if e.metrics.PlanOutcome != nil {
		e.metrics.PlanOutcome(ctx, tr.Rule, tr.Outcome)
	}
	e.logger.Printf("run %s finished outcome=%s steps=%d invocations=%d", tr.RunID, tr.Outcome, len(tr.Steps), tr.Invocations())
	return tr
}

func (e *Executor) executeFanOut(ctx context.Context, tr *Trace, mem *memory.Store) {
	plan := tr.Plan
	resolver := []planner.PlanStep{plan.FanOut.Resolver}
	run := e.runSubPlan(ctx, tr.RunID, ScopeResolver, models.EntityRef{}, resolver, mem)
	run.mgr.Discard()
	plan.FanOut.Resolver = resolver[0]
	tr.Steps = append(tr.Steps, run.results...)
	tr.SubPlans = append(tr.SubPlans, run.outcome)
	if run.outcome.Outcome != OutcomeCompleted {
		tr.Outcome = run.outcome.Outcome
		tr.Error = run.outcome.Error
		for _, s := range plan.FanOut.Template {
			tr.Steps = append(tr.Steps, StepResult{SubPlan: ScopeTemplate, StepIndex: s.Index, ActionID: s.ActionID, Status: planner.StepSkipped})
		}
		return
	}

	entities, err := resolvedEntities(run.outputs[0])
	if err == nil {
		var expanded *planner.Plan
		if expanded, err = planner.Expand(plan, entities); err == nil {
			plan = expanded
			tr.Plan = expanded
		}
	}
	if err != nil {
		tr.Outcome = OutcomeFailed
		tr.Error = fmt.Sprintf("expand fan-out: %v", err)
		tr.SubPlans[0].Outcome = OutcomeFailed
		tr.SubPlans[0].Error = tr.Error
		return
	}
	e.logger.Printf("run %s fan-out over %d entities workers=%d", tr.RunID, len(plan.SubPlans), e.workers)

	runs := make([]subRun, len(plan.SubPlans))
	var g errgroup.Group
	g.SetLimit(e.workers)
	for i := range plan.SubPlans {
		i := i
		g.Go(func() error {
			sp := &plan.SubPlans[i]
			runs[i] = e.runSubPlan(ctx, tr.RunID, sp.Entity.Key(), sp.Entity, sp.Steps, mem)
			return nil
		})
	}
	_ = g.Wait()
	defer func() {
		for _, r := range runs {
			r.mgr.Discard()
		}
	}()

	// Sub-plans keep their checkpoints until the whole plan is terminal, so an abort also
	// unwinds siblings that had already completed.
	for i := range runs {
		if runs[i].outcome.Outcome == OutcomeAborted {
			for j := range runs {
				if runs[j].outcome.Outcome == OutcomeCompleted {
					e.unwindCompleted(ctx, tr.RunID, &runs[j], mem)
				}
			}
			break
		}
	}

	var (
		outcomes     []SubPlanOutcome
		errs         []string
		inconsistent []models.EntityRef
	)
	for _, r := range runs {
		tr.Steps = append(tr.Steps, r.results...)
		outcomes = append(outcomes, r.outcome)
		if r.outcome.Error != "" {
			errs = append(errs, r.outcome.Scope+": "+r.outcome.Error)
		}
		inconsistent = append(inconsistent, r.outcome.Inconsistent...)
	}
	tr.SubPlans = append(tr.SubPlans, outcomes...)
	tr.Outcome = Aggregate(outcomes)
	tr.Error = strings.Join(errs, "; ")
	if len(inconsistent) > 0 {
		tr.Inconsistent = models.DedupRefs(inconsistent)
		models.SortRefs(tr.Inconsistent)
	}
}

// Aggregate folds sub-plan outcomes into the plan outcome. Any abort wins; a mix of successes
// and failures, or any sub-plan left inconsistent, is a partial completion.
func Aggregate(outcomes []SubPlanOutcome) PlanOutcome {
	var completed, failed int
	for _, o := range outcomes {
		switch o.Outcome {
		case OutcomeAborted:
			return OutcomeAborted
		case OutcomeCompleted:
			completed++
		case OutcomeFailed:
			failed++
		}
	}
	switch {
	case completed == len(outcomes):
		return OutcomeCompleted
	case failed == len(outcomes):
		return OutcomeFailed
	}
	return OutcomePartiallyCompleted
}

func resolvedEntities(output map[string]interface{}) ([]models.EntityRef, error) {
	var ids []string
	switch v := output["propertyIds"].(type) {
	case []string:
		ids = v
	case []interface{}:
		for _, item := range v {
			s, ok := item.(string)
			if !ok || s == "" {
				return nil, fmt.Errorf("resolver returned a non-string property id %v", item)
			}
			ids = append(ids, s)
		}
	case nil:
	default:
		return nil, fmt.Errorf("resolver returned propertyIds of type %T", v)
	}
	refs := make([]models.EntityRef, 0, len(ids))
	for _, id := range ids {
		refs = append(refs, models.EntityRef{Type: models.EntityProperty, ID: id})
	}
	return refs, nil
}

// subRun is the state of one sequential step list.
type subRun struct {
	scope   string
	steps   []planner.PlanStep
	results []StepResult
	outputs map[int]map[string]interface{}
	params  map[int]map[string]interface{}
	outcome SubPlanOutcome
	mgr     *checkpoint.Manager
}

func (e *Executor) runSubPlan(ctx context.Context, runID, scope string, entity models.EntityRef, steps []planner.PlanStep, mem *memory.Store) subRun {
	run := subRun{
		scope:   scope,
		steps:   steps,
		results: make([]StepResult, len(steps)),
		outputs: make(map[int]map[string]interface{}),
		params:  make(map[int]map[string]interface{}),
		outcome: SubPlanOutcome{Scope: scope, Entity: entity, Outcome: OutcomeCompleted},
	}
	for i := range steps {
		steps[i].Status = planner.StepPending
		steps[i].Attempts = 0
		run.results[i] = StepResult{SubPlan: scope, StepIndex: steps[i].Index, ActionID: steps[i].ActionID, Status: planner.StepPending}
	}
	mgr := checkpoint.NewManager(runID, scope, e.snapshotter, checkpoint.WithJournal(e.journal), checkpoint.WithLogger(e.logger))
	run.mgr = mgr

	var (
		failure error
		aborted bool
	)
	for i := range steps {
		if err := ctx.Err(); err != nil {
			failure = fmt.Errorf("aborted before step %d (%s): %w", steps[i].Index, steps[i].ActionID, err)
			aborted = true
			break
		}
		if err := e.runStep(ctx, &run, i, mem, mgr); err != nil {
			failure = err
			aborted = ctx.Err() != nil
			break
		}
	}
	if failure == nil {
		return run
	}

	for i := range steps {
		if steps[i].Status == planner.StepPending {
			steps[i].Status = planner.StepSkipped
			run.results[i].Status = planner.StepSkipped
		}
	}
	rb := mgr.Rollback(context.WithoutCancel(ctx))
	run.markRolledBack(rb, mem)

	msg := failure.Error()
	switch {
	case aborted:
		run.outcome.Outcome = OutcomeAborted
	case rb.Failure != nil:
		run.outcome.Outcome = OutcomePartiallyCompleted
	default:
		run.outcome.Outcome = OutcomeFailed
	}
	if rb.Failure != nil {
		run.outcome.Inconsistent = rb.Failure.Inconsistent
		msg += "; " + rb.Failure.Error()
	}
	run.outcome.Error = msg
	e.logger.Printf("run %s scope=%s outcome=%s restored=%d: %s", runID, scope, run.outcome.Outcome, len(rb.Restored), msg)
	return run
}

// unwindCompleted rolls back a sub-plan that completed before a sibling was aborted.
func (e *Executor) unwindCompleted(ctx context.Context, runID string, run *subRun, mem *memory.Store) {
	rb := run.mgr.Rollback(context.WithoutCancel(ctx))
	run.markRolledBack(rb, mem)
	msg := "rolled back after the run was aborted"
	if rb.Failure != nil {
		run.outcome.Inconsistent = rb.Failure.Inconsistent
		msg += "; " + rb.Failure.Error()
	}
	run.outcome.Outcome = OutcomeAborted
	run.outcome.Error = msg
	e.logger.Printf("run %s scope=%s unwound restored=%d", runID, run.scope, len(rb.Restored))
}

func (r *subRun) markRolledBack(rb checkpoint.RollbackResult, mem *memory.Store) {
	for _, cp := range rb.Restored {
		i := cp.StepIndex
		if i < 0 || i >= len(r.steps) || r.steps[i].Status != planner.StepSucceeded {
			continue
		}
		r.steps[i].Status = planner.StepRolledBack
		r.results[i].Status = planner.StepRolledBack
		mem.Forget(r.steps[i].ActionID, r.params[i])
	}
}

func (e *Executor) runStep(ctx context.Context, run *subRun, i int, mem *memory.Store, mgr *checkpoint.Manager) error {
	step := &run.steps[i]
	res := &run.results[i]
	start := e.now()
	step.Status = planner.StepRunning
	res.Status = planner.StepRunning

	ctx, span := executorTracer.Start(ctx, "executor.step",
		trace.WithAttributes(
			attribute.String("step.scope", run.scope),
			attribute.Int("step.index", step.Index),
			attribute.String("step.action", step.ActionID),
		))
	defer span.End()

	finish := func(status planner.StepStatus, err error) error {
		step.Status = status
		res.Status = status
		res.Attempts = step.Attempts
		res.DurationMs = e.now().Sub(start).Milliseconds()
		if err != nil {
			res.Error = err.Error()
			res.ErrorKind = capability.KindOf(err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.String("step.status", string(status)), attribute.Int("step.attempts", step.Attempts))
		if e.metrics.StepDuration != nil {
			e.metrics.StepDuration(ctx, step.ActionID, status, e.now().Sub(start))
		}
		return err
	}

	def, err := e.registry.Lookup(step.ActionID)
	if err != nil {
		return finish(planner.StepFailed, &capability.Error{Kind: capability.KindInternal, Action: step.ActionID, Message: "action is not in the catalog", Err: err})
	}
	if step.When != nil {
		out, ok := run.outputs[step.When.Step]
		if !step.When.Evaluate(out, ok) {
			res.OutputSummary = "skipped: condition " + step.When.String() + " not met"
			return finish(planner.StepSkipped, nil)
		}
	}
	params, err := run.resolve(*step)
	if err != nil {
		return finish(planner.StepFailed, err)
	}
	if err := e.registry.ValidateParams(def.ID, params); err != nil {
		return finish(planner.StepFailed, err)
	}
	run.params[i] = params

	// Reads stay fresh; only idempotent mutations are answered from the session record.
	memoize := def.Idempotent && def.SideEffect.Mutates()
	if memoize {
		if cached, ok := mem.Recall(def.ID, params); ok {
			res.Memoized = true
			e.succeed(run, i, def, params, cached, mem)
			return finish(planner.StepSucceeded, nil)
		}
	}

	switch def.SideEffect {
	case capability.SideEffectMutate, capability.SideEffectDestructive:
		if _, err := mgr.Capture(context.WithoutCancel(ctx), step.Index, def.ID, def.TouchedEntities(params)); err != nil {
			return finish(planner.StepFailed, &capability.Error{Kind: capability.KindInternal, Action: def.ID, Message: "checkpoint capture failed", Err: err})
		}
	}

	out := e.invokeWithRetry(ctx, def, params)
	step.Attempts = out.attempts
	if out.err != nil {
		err := out.err
		if out.aborted {
			err = fmt.Errorf("aborted after attempt %d of %s: %w", out.attempts, def.ID, out.err)
		}
		return finish(planner.StepFailed, err)
	}
	if err := e.registry.ValidateOutput(def.ID, out.result.Output); err != nil {
		return finish(planner.StepFailed, err)
	}
	if memoize {
		mem.Remember(def.ID, params, out.result)
	}
	e.succeed(run, i, def, params, out.result, mem)
	return finish(planner.StepSucceeded, nil)
}

func (e *Executor) succeed(run *subRun, i int, def capability.ActionDefinition, params map[string]interface{}, result capability.Result, mem *memory.Store) {
	output := result.Output
	if output == nil {
		output = map[string]interface{}{}
	}
	run.outputs[run.steps[i].Index] = output
	run.results[i].Output = output
	run.results[i].OutputSummary = result.Summary

	put, link := mem.Put, mem.Link
	if !run.outcome.Entity.IsZero() {
		put, link = mem.Record, mem.RecordLink
	}
	for _, ref := range def.TouchedEntities(params) {
		put(memory.Entity{Type: ref.Type, ID: ref.ID, Attributes: map[string]interface{}{"lastAction": def.ID}})
	}
	for _, ref := range result.Entities {
		attrs := map[string]interface{}{"lastAction": def.ID}
		if len(result.Entities) == 1 {
			for k, v := range output {
				attrs[k] = v
			}
		}
		put(memory.Entity{Type: ref.Type, ID: ref.ID, Attributes: attrs})
	}
	for _, rel := range result.Relations {
		link(rel.From, rel.To, rel.Kind)
	}
}

// resolve binds references to outputs of earlier steps in the same step list.
func (r *subRun) resolve(step planner.PlanStep) (map[string]interface{}, error) {
	params := make(map[string]interface{}, len(step.Params)+len(step.Refs))
	for k, v := range step.Params {
		params[k] = v
	}
	names := make([]string, 0, len(step.Refs))
	for name := range step.Refs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		ref := step.Refs[name]
		switch ref.Kind {
		case planner.RefOutput:
			out, ok := r.outputs[ref.Step]
			if !ok {
				return nil, capability.NewValidation(step.ActionID, fmt.Sprintf("parameter %s: step %d produced no output", name, ref.Step))
			}
			v, ok := out[ref.Field]
			if !ok || v == nil {
				return nil, capability.NewValidation(step.ActionID, fmt.Sprintf("parameter %s: step %d output has no field %s", name, ref.Step, ref.Field))
			}
			params[name] = v
		case planner.RefTrace:
			params[name] = r.traceSoFar(step.Index)
		default:
			return nil, capability.NewValidation(step.ActionID, fmt.Sprintf("parameter %s has unresolved %s reference", name, ref.Kind))
		}
	}
	return params, nil
}

func (r *subRun) traceSoFar(before int) map[string]interface{} {
	steps := make([]interface{}, 0, before)
	for _, res := range r.results {
		if res.StepIndex >= before {
			break
		}
		entry := map[string]interface{}{
			"action": res.ActionID,
			"status": string(res.Status),
		}
		if res.OutputSummary != "" {
			entry["summary"] = res.OutputSummary
		}
		steps = append(steps, entry)
	}
	return map[string]interface{}{"scope": r.scope, "steps": steps}
}

type invokeOutcome struct {
	result   capability.Result
	attempts int
	err      error
	aborted  bool
}

// invokeWithRetry retries retryable failures up to MaxRetries times with exponential backoff.
// Cancellation of ctx ends the backoff wait but never interrupts a call in flight.
func (e *Executor) invokeWithRetry(ctx context.Context, def capability.ActionDefinition, params map[string]interface{}) invokeOutcome {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.backoffInitial
	bo.MaxInterval = e.backoffMax
	bo.MaxElapsedTime = 0
	retries := def.MaxRetries
	if retries < 0 {
		retries = 0
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(retries)), ctx)

	var out invokeOutcome
	op := func() error {
		out.attempts++
		res, err := e.invokeOnce(ctx, def, params)
		if e.metrics.StepAttempt != nil {
			e.metrics.StepAttempt(ctx, def.ID, out.attempts, capability.KindOf(err))
		}
		if err == nil {
			out.result, out.err = res, nil
			return nil
		}
		out.err = err
		if !def.Retryable(capability.KindOf(err)) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		e.logger.Printf("retrying %s after attempt %d in %s: %v", def.ID, out.attempts, wait, err)
	}
	err := backoff.RetryNotify(op, policy, notify)
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) && !errors.Is(out.err, ctx.Err()) {
		out.aborted = true
	}
	return out
}

// invokeOnce calls the capability under the action's timeout, detached from ctx cancellation.
func (e *Executor) invokeOnce(ctx context.Context, def capability.ActionDefinition, params map[string]interface{}) (capability.Result, error) {
	timeout := def.Timeout
	if timeout <= 0 {
		timeout = e.stepTimeout
	}
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	type reply struct {
		res capability.Result
		err error
	}
	ch := make(chan reply, 1)
	go func() {
		res, err := e.invoker.Invoke(callCtx, def.ID, params)
		ch <- reply{res: res, err: err}
	}()
	select {
	case r := <-ch:
		return r.res, r.err
	case <-callCtx.Done():
		return capability.Result{}, &capability.Error{
			Kind:    capability.KindTransient,
			Action:  def.ID,
			Message: fmt.Sprintf("timed out after %s", timeout),
			Err:     callCtx.Err(),
		}
	}
}
