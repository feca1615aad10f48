// Package engine is the entry point for goals: it matches, gates, executes, reports and records them.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mohammad-safakhou/voiceplanner/internal/capability"
	"github.com/mohammad-safakhou/voiceplanner/internal/executor"
	"github.com/mohammad-safakhou/voiceplanner/internal/manifest"
	"github.com/mohammad-safakhou/voiceplanner/internal/memory"
	"github.com/mohammad-safakhou/voiceplanner/internal/planner"
	"github.com/mohammad-safakhou/voiceplanner/internal/report"
	"github.com/mohammad-safakhou/voiceplanner/internal/safety"
	"github.com/mohammad-safakhou/voiceplanner/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var engineTracer trace.Tracer = otel.Tracer("voiceplanner/internal/engine")

// ErrRunNotFound is returned when no trace is recorded for a run id.
var ErrRunNotFound = errors.New("run not found")

// ErrSessionNotFound is returned for unknown or expired sessions.
var ErrSessionNotFound = errors.New("session not found")

// Engine is safe for concurrent use; runs of different sessions proceed independently.
type Engine struct {
	registry *capability.Registry
	matcher  *planner.Matcher
	gate     *safety.Gate
	executor *executor.Executor
	sessions *memory.Sessions
	repo     TraceRepository
	secret   string
	logger   *log.Logger
	now      func() time.Time

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// Option configures the engine.
type Option func(*Engine)

// WithRepository persists terminal traces.
func WithRepository(repo TraceRepository) Option {
	return func(e *Engine) {
		if repo != nil {
			e.repo = repo
		}
	}
}

// WithManifestSecret signs trace manifests with HMAC-SHA256.
func WithManifestSecret(secret string) Option {
	return func(e *Engine) { e.secret = secret }
}

// WithSessions shares a session table between engines.
func WithSessions(s *memory.Sessions) Option {
	return func(e *Engine) {
		if s != nil {
			e.sessions = s
		}
	}
}

// WithLogger overrides the engine logger.
func WithLogger(l *log.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

func New(reg *capability.Registry, ex *executor.Executor, opts ...Option) *Engine {
	e := &Engine{
		registry: reg,
		matcher:  planner.NewMatcher(reg),
		gate:     safety.NewGate(reg),
		executor: ex,
		sessions: memory.NewSessions(0),
		repo:     NewMemoryRepository(),
		logger:   log.New(log.Writer(), "[ENGINE] ", log.LstdFlags),
		now:      time.Now,
		running:  make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Registry exposes the action catalog the engine plans against.
func (e *Engine) Registry() *capability.Registry { return e.registry }

// Preview is the dry-run verdict for a goal.
type Preview struct {
	SessionID   string               `json:"session_id,omitempty" yaml:"session_id,omitempty"`
	Plan        *planner.Plan        `json:"-" yaml:"-"`
	Document    planner.PlanDocument `json:"plan" yaml:"plan"`
	Destructive []safety.BlockedStep `json:"destructive_steps,omitempty" yaml:"destructive_steps,omitempty"`
	Blocked     bool                 `json:"blocked" yaml:"blocked"`
	Reason      string               `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// Preview matches the goal and reports the gate verdict without invoking any capability or touching memory.
func (e *Engine) Preview(ctx context.Context, sessionID string, goal planner.Goal) (Preview, error) {
	_, span := engineTracer.Start(ctx, "engine.preview")
	defer span.End()

	pctx := planner.Context{Hints: goal.Hints}
	if sess, ok := e.sessions.Get(sessionID); ok {
		pctx.Memory = sess.Memory
	}
	plan, err := e.matcher.Match(goal.Text, pctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "no plan")
		return Preview{SessionID: sessionID}, err
	}
	destructive, err := e.gate.Destructive(plan)
	if err != nil {
		return Preview{SessionID: sessionID}, err
	}
	p := Preview{
		SessionID:   sessionID,
		Plan:        plan,
		Document:    planner.Document(plan, e.registry),
		Destructive: destructive,
	}
	if len(destructive) > 0 && !goal.ConfirmDestructive {
		p.Blocked = true
		p.Reason = (&safety.DestructiveActionBlockedError{Steps: destructive}).Error()
	}
	span.SetAttributes(attribute.String("plan.rule", plan.Rule), attribute.Bool("plan.blocked", p.Blocked))
	return p, nil
}

// Result is what a submitted goal produced.
type Result struct {
	RunID     string                       `json:"run_id" yaml:"run_id"`
	SessionID string                       `json:"session_id" yaml:"session_id"`
	Trace     *executor.Trace              `json:"trace,omitempty" yaml:"trace,omitempty"`
	Report    report.Report                `json:"report" yaml:"report"`
	Manifest  manifest.SignedTraceManifest `json:"manifest" yaml:"-"`
}

// Outcome returns the trace outcome, or empty when no plan was produced.
func (r Result) Outcome() executor.PlanOutcome {
	if r.Trace == nil {
		return ""
	}
	return r.Trace.Outcome
}

// Submit plans and runs a goal to a terminal state. A goal that matches no rule returns the
// NoMatchError with no trace. A plan blocked by the safety gate returns both a trace, in which
// nothing ran, and the DestructiveActionBlockedError.
func (e *Engine) Submit(ctx context.Context, sessionID string, goal planner.Goal) (Result, error) {
	return e.SubmitRun(ctx, uuid.NewString(), sessionID, goal)
}

// SubmitRun is Submit with a caller-chosen run id, used by async intake so retries map to one run.
func (e *Engine) SubmitRun(ctx context.Context, runID, sessionID string, goal planner.Goal) (Result, error) {
	sess := e.sessions.Ensure(sessionID)
	res := Result{RunID: runID, SessionID: sess.ID}

	ctx, span := engineTracer.Start(ctx, "engine.submit",
		trace.WithAttributes(attribute.String("run.id", runID), attribute.String("session.id", sess.ID)))
	defer span.End()

	plan, err := e.matcher.Match(goal.Text, planner.Context{Hints: goal.Hints, Memory: sess.Memory})
	if err != nil {
		e.logger.Printf("run %s: %v", runID, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "no plan")
		return res, err
	}
	if _, err := e.gate.Authorize(plan, goal.ConfirmDestructive); err != nil {
		e.logger.Printf("run %s blocked: %v", runID, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "blocked")
		tr := executor.SkippedTrace(runID, sess.ID, e.registry.Version(), plan, err, e.now())
		e.finish(ctx, &res, tr)
		return res, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	if !e.track(runID, cancel) {
		cancel()
		return res, fmt.Errorf("run %s is already in progress", runID)
	}
	tr := e.executor.Execute(runCtx, executor.Request{
		RunID:     runID,
		SessionID: sess.ID,
		Plan:      plan,
		Memory:    sess.Memory,
	})
	e.untrack(runID)
	cancel()

	e.finish(ctx, &res, tr)
	span.SetAttributes(attribute.String("plan.outcome", string(tr.Outcome)))
	span.SetStatus(codes.Ok, string(tr.Outcome))
	return res, nil
}

// finish renders the report, signs the manifest and persists the trace. Persistence failures are
// logged; the caller still gets the terminal result.
func (e *Engine) finish(ctx context.Context, res *Result, tr *executor.Trace) {
	res.Trace = tr
	res.Report = report.Render(tr)
	payload, err := manifest.BuildTraceManifest(tr)
	if err != nil {
		e.logger.Printf("run %s manifest: %v", tr.RunID, err)
		return
	}
	signed, err := manifest.SignTraceManifest(payload, e.secret, e.now())
	if err != nil {
		e.logger.Printf("run %s sign manifest: %v", tr.RunID, err)
		return
	}
	res.Manifest = signed
	raw, err := json.Marshal(tr)
	if err != nil {
		e.logger.Printf("run %s encode trace: %v", tr.RunID, err)
		return
	}
	rec := store.TraceRecord{
		RunID:      tr.RunID,
		SessionID:  tr.SessionID,
		Goal:       tr.Goal,
		Rule:       tr.Rule,
		Outcome:    string(tr.Outcome),
		Trace:      raw,
		Checksum:   signed.Checksum,
		Signature:  signed.Signature,
		StartedAt:  tr.StartedAt,
		FinishedAt: tr.FinishedAt,
	}
	if err := e.repo.SaveTrace(context.WithoutCancel(ctx), rec); err != nil {
		e.logger.Printf("run %s persist trace: %v", tr.RunID, err)
	}
}

func (e *Engine) track(runID string, cancel context.CancelFunc) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.running[runID]; ok {
		return false
	}
	e.running[runID] = cancel
	return true
}

func (e *Engine) untrack(runID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.running, runID)
}

// Abort cancels an in-flight run. The run stops at the next step boundary, rolls back and
// finishes ABORTED. Returns false when the run is not in flight.
func (e *Engine) Abort(runID string) bool {
	e.mu.Lock()
	cancel, ok := e.running[runID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	e.logger.Printf("run %s abort requested", runID)
	cancel()
	return true
}

// Running lists in-flight run ids.
func (e *Engine) Running() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.running))
	for id := range e.running {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Memory returns the entities a live session knows.
func (e *Engine) Memory(sessionID string) ([]memory.Entity, error) {
	sess, ok := e.sessions.Get(sessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess.Memory.Entities(), nil
}

// EndSession discards a session and its memory.
func (e *Engine) EndSession(sessionID string) bool {
	return e.sessions.End(sessionID)
}

// RunRecord is a stored trace together with its verification result.
type RunRecord struct {
	Trace     *executor.Trace `json:"trace" yaml:"trace"`
	Report    report.Report   `json:"report" yaml:"report"`
	Checksum  string          `json:"checksum" yaml:"checksum"`
	Signature string          `json:"signature,omitempty" yaml:"signature,omitempty"`
	Verified  bool            `json:"verified" yaml:"verified"`
	VerifyErr string          `json:"verify_error,omitempty" yaml:"verify_error,omitempty"`
}

// Run loads a recorded trace and checks it against its manifest digest.
func (e *Engine) Run(ctx context.Context, runID string) (RunRecord, error) {
	rec, ok, err := e.repo.GetTrace(ctx, runID)
	if err != nil {
		return RunRecord{}, err
	}
	if !ok {
		return RunRecord{}, ErrRunNotFound
	}
	return e.decode(rec)
}

// RunSummary is the listing view of a recorded run.
type RunSummary struct {
	RunID      string    `json:"run_id" yaml:"run_id"`
	Goal       string    `json:"goal" yaml:"goal"`
	Rule       string    `json:"rule" yaml:"rule"`
	Outcome    string    `json:"outcome" yaml:"outcome"`
	StartedAt  time.Time `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time `json:"finished_at" yaml:"finished_at"`
}

// Runs lists recorded runs of a session, newest first.
func (e *Engine) Runs(ctx context.Context, sessionID string, limit int) ([]RunSummary, error) {
	recs, err := e.repo.ListTracesBySession(ctx, sessionID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]RunSummary, 0, len(recs))
	for _, rec := range recs {
		out = append(out, RunSummary{
			RunID:      rec.RunID,
			Goal:       rec.Goal,
			Rule:       rec.Rule,
			Outcome:    rec.Outcome,
			StartedAt:  rec.StartedAt,
			FinishedAt: rec.FinishedAt,
		})
	}
	return out, nil
}

func (e *Engine) decode(rec store.TraceRecord) (RunRecord, error) {
	var tr executor.Trace
	if err := json.Unmarshal(rec.Trace, &tr); err != nil {
		return RunRecord{}, fmt.Errorf("decode trace %s: %w", rec.RunID, err)
	}
	out := RunRecord{Trace: &tr, Report: report.Render(&tr), Checksum: rec.Checksum, Signature: rec.Signature}
	if err := manifest.VerifyTrace(&tr, rec.Checksum, rec.Signature, e.secret); err != nil {
		out.VerifyErr = err.Error()
	} else {
		out.Verified = true
	}
	return out, nil
}

// PruneSessions drops expired sessions every interval until ctx is done.
func (e *Engine) PruneSessions(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if expired := e.sessions.Prune(); len(expired) > 0 {
				e.logger.Printf("pruned %d expired sessions", len(expired))
			}
		}
	}
}
