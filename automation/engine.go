package automation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/uuid"
)

// guardCostLimit caps CEL evaluation cost so a pathological guard
// expression cannot stall a pass.
const guardCostLimit = 1_000_000

// defaultLeaseTTL bounds how long a crashed pass can block a (rule, case)
// pair before another pass may take over.
const defaultLeaseTTL = 2 * time.Minute

// RunRequest scopes a processing pass to one classified trigger event.
// A nil request means a full sweep over every active rule.
type RunRequest struct {
	Trigger     TriggerEvent
	CaseID      string
	PaymentKind string
}

// Engine orchestrates a processing pass: classification, candidate
// selection, condition evaluation, due-check, dispatch and bookkeeping.
// It also owns the compiled CEL guard programs, cached per rule id.
type Engine struct {
	env        *cel.Env
	store      Store
	dispatcher *Dispatcher
	classifier Classifier
	cache      RulesCache
	programs   map[string]cel.Program
	warned     map[string]bool
	mu         sync.RWMutex
	now        func() time.Time
	leaseTTL   time.Duration
	log        *slog.Logger
}

// EngineOption customizes engine construction.
type EngineOption func(*Engine)

// WithClock replaces the engine's time source, for tests.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// WithClassifier swaps the change classifier.
func WithClassifier(c Classifier) EngineOption {
	return func(e *Engine) { e.classifier = c }
}

// WithRulesCache swaps the active-rules cache.
func WithRulesCache(c RulesCache) EngineOption {
	return func(e *Engine) { e.cache = c }
}

// WithLeaseTTL overrides the per-pair lease duration.
func WithLeaseTTL(ttl time.Duration) EngineOption {
	return func(e *Engine) { e.leaseTTL = ttl }
}

// WithLogger sets the engine's logger.
func WithLogger(log *slog.Logger) EngineOption {
	return func(e *Engine) { e.log = log }
}

// NewEngine builds an engine and compiles the guard expressions of every
// active rule so broken rules surface at startup, not mid-pass.
func NewEngine(ctx context.Context, store Store, dispatcher *Dispatcher, opts ...EngineOption) (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("Case", cel.DynType),
		cel.Variable("Context", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	e := &Engine{
		env:        env,
		store:      store,
		dispatcher: dispatcher,
		classifier: NewTableClassifier(),
		cache:      NewInMemoryRulesCache(DefaultCacheConfig()),
		programs:   make(map[string]cel.Program),
		warned:     make(map[string]bool),
		now:        time.Now,
		leaseTTL:   defaultLeaseTTL,
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}

	if err := e.compileActiveGuards(ctx); err != nil {
		return nil, fmt.Errorf("compile rule guards: %w", err)
	}

	return e, nil
}

// compileGuard compiles one guard expression and caches the program.
func (e *Engine) compileGuard(ruleID, expression string) error {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("compile error: %w", issues.Err())
	}

	prog, err := e.env.Program(ast, cel.CostLimit(guardCostLimit))
	if err != nil {
		return fmt.Errorf("program creation error: %w", err)
	}

	e.mu.Lock()
	e.programs[ruleID] = prog
	e.mu.Unlock()

	return nil
}

func (e *Engine) compileActiveGuards(ctx context.Context) error {
	rules, err := e.store.ListActiveRules(ctx, "")
	if err != nil {
		return err
	}

	for _, rule := range rules {
		if rule.Expression == "" {
			continue
		}
		if err := e.compileGuard(rule.ID, rule.Expression); err != nil {
			return fmt.Errorf("rule %s: %w", rule.ID, err)
		}
	}

	e.warnUnknownConditions(rules)
	e.cache.Set(rules)
	return nil
}

// warnUnknownConditions logs, once per rule, stored condition keys that no
// variant recognizes. New rules are rejected at save time; rows predating a
// vocabulary change still evaluate, with the unknown keys ignored.
func (e *Engine) warnUnknownConditions(rules []*Rule) {
	for _, rule := range rules {
		if len(rule.Conditions.Unknown) == 0 {
			continue
		}

		e.mu.Lock()
		seen := e.warned[rule.ID]
		e.warned[rule.ID] = true
		e.mu.Unlock()
		if seen {
			continue
		}

		e.log.Warn("rule carries unrecognized condition keys",
			"ruleId", rule.ID, "keys", strings.Join(rule.Conditions.Unknown, ", "))
	}
}

// AddRule validates, compiles and stores a new rule.
func (e *Engine) AddRule(ctx context.Context, rule *Rule) error {
	if err := ValidateRule(rule); err != nil {
		return fmt.Errorf("rule validation failed: %w", err)
	}

	if rule.Expression != "" {
		if err := e.compileGuard(rule.ID, rule.Expression); err != nil {
			return fmt.Errorf("rule validation failed: %w", err)
		}
	}

	if err := e.store.AddRule(ctx, rule); err != nil {
		e.mu.Lock()
		delete(e.programs, rule.ID)
		e.mu.Unlock()
		return err
	}

	e.cache.Invalidate()
	return nil
}

// UpdateRule validates, recompiles and updates an existing rule.
func (e *Engine) UpdateRule(ctx context.Context, rule *Rule) error {
	if err := ValidateRule(rule); err != nil {
		return fmt.Errorf("rule validation failed: %w", err)
	}

	if rule.Expression != "" {
		if err := e.compileGuard(rule.ID, rule.Expression); err != nil {
			return fmt.Errorf("rule validation failed: %w", err)
		}
	} else {
		e.mu.Lock()
		delete(e.programs, rule.ID)
		e.mu.Unlock()
	}

	if err := e.store.UpdateRule(ctx, rule); err != nil {
		return err
	}

	e.cache.Invalidate()
	return nil
}

// DeleteRule removes a rule; its execution history stays.
func (e *Engine) DeleteRule(ctx context.Context, ruleID string) error {
	if err := e.store.DeleteRule(ctx, ruleID); err != nil {
		return err
	}

	e.mu.Lock()
	delete(e.programs, ruleID)
	e.mu.Unlock()

	e.cache.Invalidate()
	return nil
}

// HandleChange classifies one raw change notification and, when it matches
// a trigger, runs an event-scoped pass. An unclassified change returns an
// empty report without touching the rule store.
func (e *Engine) HandleChange(ctx context.Context, change RawChange) (*Report, error) {
	trigger, caseID, ok := e.classifier.Classify(change)
	if !ok {
		e.log.Debug("change did not classify", "table", change.Table, "kind", change.Kind)
		return &Report{Errors: []ExecutionError{}}, nil
	}

	e.log.Info("change classified", "trigger", trigger, "caseId", caseID)
	return e.Run(ctx, &RunRequest{Trigger: trigger, CaseID: caseID})
}

// Run executes one processing pass. With a request, only rules matching the
// trigger and only the one case are considered; with nil, every active rule
// is swept over its candidate set. Per-case failures are collected into the
// report; only a rule-store failure aborts the pass.
func (e *Engine) Run(ctx context.Context, req *RunRequest) (*Report, error) {
	report := &Report{Errors: []ExecutionError{}}

	rules, err := e.activeRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active rules: %w", err)
	}

	now := e.now()
	for _, rule := range rules {
		if req != nil && rule.Trigger != req.Trigger {
			continue
		}
		report.RulesProcessed++

		cases, err := e.candidates(ctx, rule, req, now)
		if err != nil {
			report.Errors = append(report.Errors, ExecutionError{
				RuleID: rule.ID, Stage: "candidates", Message: err.Error(),
			})
			continue
		}

		for _, cs := range cases {
			e.processCase(ctx, rule, cs, req, now, report)
		}
	}

	e.log.Info("pass complete",
		"rules", report.RulesProcessed,
		"executions", report.Executions,
		"skipped", report.Skipped,
		"errors", len(report.Errors))

	return report, nil
}

func (e *Engine) activeRules(ctx context.Context) ([]*Rule, error) {
	if rules := e.cache.Get(); rules != nil {
		return rules, nil
	}

	rules, err := e.store.ListActiveRules(ctx, "")
	if err != nil {
		return nil, err
	}
	e.warnUnknownConditions(rules)
	e.cache.Set(rules)
	return rules, nil
}

func (e *Engine) candidates(ctx context.Context, rule *Rule, req *RunRequest, now time.Time) ([]*Case, error) {
	if req != nil && req.CaseID != "" {
		cs, err := e.store.GetCase(ctx, req.CaseID)
		if err != nil {
			return nil, err
		}
		return []*Case{cs}, nil
	}
	return e.store.ListCandidateCases(ctx, rule.Trigger, now)
}

// processCase runs Evaluator → Tracker → Dispatcher for one (rule, case)
// pair. Dispatch happens strictly before the record upsert; a crash in
// between risks at most one duplicate notification on the next pass, which
// is preferred over losing one.
func (e *Engine) processCase(ctx context.Context, rule *Rule, cs *Case, req *RunRequest, now time.Time, report *Report) {
	fail := func(stage string, err error) {
		report.Errors = append(report.Errors, ExecutionError{
			RuleID: rule.ID, CaseID: cs.ID, Stage: stage, Message: err.Error(),
		})
		e.log.Warn("case processing failed",
			"ruleId", rule.ID, "caseId", cs.ID, "stage", stage, "error", err)
	}

	cctx, err := e.store.CaseContext(ctx, cs, now)
	if err != nil {
		fail("context", err)
		return
	}
	if req != nil && req.PaymentKind != "" {
		cctx.PaymentKind = req.PaymentKind
	}

	if !rule.Conditions.Eligible(cs, cctx) {
		report.Skipped++
		return
	}

	if rule.Expression != "" {
		pass, err := e.evalGuard(rule, cs, cctx)
		if err != nil {
			fail("guard", err)
			return
		}
		if !pass {
			report.Skipped++
			return
		}
	}

	rec, err := e.loadExecution(ctx, rule.ID, cs.ID)
	if err != nil {
		fail("load_execution", err)
		return
	}

	if !IsDue(rule, rec, cs.CreatedAt, now) {
		report.Skipped++
		return
	}

	// The holder id is fresh per pass so two passes through the same engine
	// contend for the lease like passes from different processes do.
	holder := uuid.NewString()
	acquired, err := e.store.AcquireLease(ctx, rule.ID, cs.ID, holder, e.leaseTTL)
	if err != nil {
		fail("lease", err)
		return
	}
	if !acquired {
		// Another pass is on this pair; it will do the work.
		report.Skipped++
		return
	}
	defer func() {
		if err := e.store.ReleaseLease(ctx, rule.ID, cs.ID, holder); err != nil {
			e.log.Warn("lease release failed", "ruleId", rule.ID, "caseId", cs.ID, "error", err)
		}
	}()

	// Re-read under the lease: a racing pass may have advanced the record
	// between our due-check and the lease grant.
	rec, err = e.loadExecution(ctx, rule.ID, cs.ID)
	if err != nil {
		fail("load_execution", err)
		return
	}
	if !IsDue(rule, rec, cs.CreatedAt, now) {
		report.Skipped++
		return
	}

	expected := 0
	if rec != nil {
		expected = rec.ExecutionCount
	}

	if err := e.dispatcher.Dispatch(ctx, rule, cs, rule.Trigger); err != nil {
		stage := "dispatch"
		if errors.Is(err, ErrActionConfig) {
			stage = "config"
		}
		fail(stage, err)
		return
	}

	next := Advance(rule, rec, cs.ID, now)
	if err := e.store.UpsertExecution(ctx, next, expected); err != nil {
		// The action already ran. Surfacing this keeps the duplicate-risk
		// window visible in the audit of the pass.
		fail("record", err)
		return
	}

	report.Executions++
	e.log.Info("rule executed",
		"ruleId", rule.ID, "caseId", cs.ID,
		"trigger", rule.Trigger, "count", next.ExecutionCount, "status", next.Status)
}

func (e *Engine) loadExecution(ctx context.Context, ruleID, caseID string) (*ExecutionRecord, error) {
	rec, err := e.store.GetExecution(ctx, ruleID, caseID)
	if err != nil {
		if errors.Is(err, ErrExecutionNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return rec, nil
}

func (e *Engine) evalGuard(rule *Rule, cs *Case, cctx CaseContext) (bool, error) {
	e.mu.RLock()
	prog, exists := e.programs[rule.ID]
	e.mu.RUnlock()

	if !exists {
		// Rules loaded from storage after engine start compile lazily.
		if err := e.compileGuard(rule.ID, rule.Expression); err != nil {
			return false, err
		}
		e.mu.RLock()
		prog = e.programs[rule.ID]
		e.mu.RUnlock()
	}

	out, _, err := prog.Eval(map[string]any{
		"Case":    caseFacts(cs),
		"Context": contextFacts(cctx),
	})
	if err != nil {
		return false, err
	}

	pass, ok := out.Value().(bool)
	if !ok {
		// Non-boolean guards never pass.
		return false, nil
	}
	return pass, nil
}

func caseFacts(cs *Case) map[string]any {
	facts := map[string]any{
		"ID":          cs.ID,
		"Reference":   cs.Reference,
		"Status":      cs.Status,
		"Passengers":  cs.Passengers,
		"TotalAmount": cs.TotalAmount,
		"CreatedAt":   cs.CreatedAt,
	}
	if cs.DepartureDate != nil {
		facts["DepartureDate"] = *cs.DepartureDate
	}
	facts["DepositPaid"] = cs.DepositPaidAt != nil
	facts["BalancePaid"] = cs.BalancePaidAt != nil
	return facts
}

func contextFacts(cctx CaseContext) map[string]any {
	facts := map[string]any{
		"InfosValidated":     cctx.InfosValidated,
		"DriverInfoReceived": cctx.DriverInfoReceived,
		"HasAcceptedQuote":   cctx.HasAcceptedQuote,
		"PaymentKind":        cctx.PaymentKind,
	}
	if cctx.DaysBeforeDeparture != nil {
		facts["DaysBeforeDeparture"] = *cctx.DaysBeforeDeparture
	}
	return facts
}
