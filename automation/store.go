package automation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrRuleNotFound      = errors.New("rule not found")
	ErrCaseNotFound      = errors.New("case not found")
	ErrExecutionNotFound = errors.New("execution record not found")
	ErrTemplateNotFound  = errors.New("template not found")
	// ErrConcurrentUpdate signals the conditional execution upsert lost a
	// race: another pass already advanced the record past the expected
	// prior state.
	ErrConcurrentUpdate = errors.New("execution record concurrently updated")
)

// candidateWindow bounds how far ahead sweep passes look for departures.
const candidateWindow = 90 * 24 * time.Hour

// RuleStore manages rule persistence.
type RuleStore interface {
	AddRule(ctx context.Context, rule *Rule) error
	GetRule(ctx context.Context, id string) (*Rule, error)
	ListRules(ctx context.Context) ([]*Rule, error)
	// ListActiveRules returns active rules, filtered by trigger when the
	// tag is non-empty.
	ListActiveRules(ctx context.Context, trigger TriggerEvent) ([]*Rule, error)
	UpdateRule(ctx context.Context, rule *Rule) error
	DeleteRule(ctx context.Context, id string) error
}

// CaseStore reads cases and their derived context.
type CaseStore interface {
	GetCase(ctx context.Context, id string) (*Case, error)
	// ListCandidateCases returns the trigger-specific candidate set for a
	// sweep pass: open cases only, and for departure-relative triggers only
	// cases departing inside the candidate window.
	ListCandidateCases(ctx context.Context, trigger TriggerEvent, now time.Time) ([]*Case, error)
	CaseContext(ctx context.Context, cs *Case, now time.Time) (CaseContext, error)
	UpdateCaseStatus(ctx context.Context, caseID, status string) error
}

// ExecutionStore owns execution records and the per-pair lease.
type ExecutionStore interface {
	// GetExecution returns ErrExecutionNotFound when no record exists for
	// the pair yet.
	GetExecution(ctx context.Context, ruleID, caseID string) (*ExecutionRecord, error)
	GetExecutionByID(ctx context.Context, id string) (*ExecutionRecord, error)
	ListExecutionsByCase(ctx context.Context, caseID string) ([]*ExecutionRecord, error)
	// UpsertExecution writes the record as a single conditional
	// insert-if-absent / update-if-count-matches against the (ruleID,
	// caseID) unique key. expectedCount is the execution count the caller
	// read before dispatching; a mismatch returns ErrConcurrentUpdate.
	UpsertExecution(ctx context.Context, rec *ExecutionRecord, expectedCount int) error
	StopExecution(ctx context.Context, id string) error
	// AcquireLease takes the per-(rule, case) advisory lease for ttl.
	// Returns false without error when another holder has it.
	AcquireLease(ctx context.Context, ruleID, caseID, holder string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, ruleID, caseID, holder string) error
}

// AuditStore appends and lists the per-case automation history.
type AuditStore interface {
	AppendAudit(ctx context.Context, entry *AuditEntry) error
	ListAuditByCase(ctx context.Context, caseID string) ([]*AuditEntry, error)
}

// SideEffectStore covers the non-notification action side effects.
type SideEffectStore interface {
	// EnsureReviewToken creates the one-time post-trip review token for a
	// case if absent. Idempotent, keyed by case id.
	EnsureReviewToken(ctx context.Context, caseID string) error
	CreateTask(ctx context.Context, caseID, title, message string) error
	NotifyOperator(ctx context.Context, caseID, message string) error
}

// Store is the full entity-store surface the engine needs.
type Store interface {
	RuleStore
	CaseStore
	ExecutionStore
	AuditStore
	SideEffectStore
}

type lease struct {
	holder    string
	expiresAt time.Time
}

// MemoryStore is the in-memory Store implementation. It backs unit tests
// and mirrors the Postgres implementation's semantics, including the
// conditional upsert and lease expiry.
type MemoryStore struct {
	mu            sync.RWMutex
	rules         map[string]*Rule
	cases         map[string]*Case
	contexts      map[string]CaseContext
	execByPair    map[string]*ExecutionRecord
	execByID      map[string]*ExecutionRecord
	leases        map[string]lease
	audit         map[string][]*AuditEntry
	reviewTokens  map[string]string
	tasks         map[string][]string
	notifications map[string][]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rules:         make(map[string]*Rule),
		cases:         make(map[string]*Case),
		contexts:      make(map[string]CaseContext),
		execByPair:    make(map[string]*ExecutionRecord),
		execByID:      make(map[string]*ExecutionRecord),
		leases:        make(map[string]lease),
		audit:         make(map[string][]*AuditEntry),
		reviewTokens:  make(map[string]string),
		tasks:         make(map[string][]string),
		notifications: make(map[string][]string),
	}
}

func pairKey(ruleID, caseID string) string {
	return ruleID + "|" + caseID
}

func (s *MemoryStore) AddRule(ctx context.Context, rule *Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[rule.ID]; exists {
		return fmt.Errorf("rule %s already exists", rule.ID)
	}

	now := time.Now()
	rule.CreatedAt = now
	rule.UpdatedAt = now
	cp := *rule
	s.rules[rule.ID] = &cp
	return nil
}

func (s *MemoryStore) GetRule(ctx context.Context, id string) (*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rule, exists := s.rules[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	cp := *rule
	return &cp, nil
}

func (s *MemoryStore) ListRules(ctx context.Context) ([]*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Rule, 0, len(s.rules))
	for _, rule := range s.rules {
		cp := *rule
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ListActiveRules(ctx context.Context, trigger TriggerEvent) ([]*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Rule
	for _, rule := range s.rules {
		if !rule.Active {
			continue
		}
		if trigger != "" && rule.Trigger != trigger {
			continue
		}
		cp := *rule
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) UpdateRule(ctx context.Context, rule *Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.rules[rule.ID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, rule.ID)
	}

	rule.CreatedAt = existing.CreatedAt
	rule.UpdatedAt = time.Now()
	cp := *rule
	s.rules[rule.ID] = &cp
	return nil
}

func (s *MemoryStore) DeleteRule(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[id]; !exists {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	delete(s.rules, id)
	return nil
}

// PutCase inserts or replaces a case. Cases are owned by the surrounding
// application; this exists for tests and for the in-memory deployment mode.
func (s *MemoryStore) PutCase(cs *Case) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *cs
	s.cases[cs.ID] = &cp
}

// SetCaseContext fixes the stored context facts for a case. The
// days-before-departure figure is still derived from the case row at read
// time, matching what the SQL implementation computes.
func (s *MemoryStore) SetCaseContext(caseID string, ctx CaseContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contexts[caseID] = ctx
}

func (s *MemoryStore) GetCase(ctx context.Context, id string) (*Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cs, exists := s.cases[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrCaseNotFound, id)
	}
	cp := *cs
	return &cp, nil
}

func (s *MemoryStore) ListCandidateCases(ctx context.Context, trigger TriggerEvent, now time.Time) ([]*Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Case
	for _, cs := range s.cases {
		if cs.Status == CaseStatusCancelled || cs.Status == CaseStatusCompleted {
			continue
		}
		if trigger == TriggerDepartureReminder {
			if cs.DepartureDate == nil {
				continue
			}
			if cs.DepartureDate.Before(now) || cs.DepartureDate.After(now.Add(candidateWindow)) {
				continue
			}
		}
		cp := *cs
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) CaseContext(ctx context.Context, cs *Case, now time.Time) (CaseContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cc := s.contexts[cs.ID]
	cc.DaysBeforeDeparture = daysBefore(cs.DepartureDate, now)
	return cc, nil
}

func (s *MemoryStore) UpdateCaseStatus(ctx context.Context, caseID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs, exists := s.cases[caseID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrCaseNotFound, caseID)
	}
	cs.Status = status
	return nil
}

func (s *MemoryStore) GetExecution(ctx context.Context, ruleID, caseID string) (*ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, exists := s.execByPair[pairKey(ruleID, caseID)]
	if !exists {
		return nil, fmt.Errorf("%w: rule %s case %s", ErrExecutionNotFound, ruleID, caseID)
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) GetExecutionByID(ctx context.Context, id string) (*ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, exists := s.execByID[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) ListExecutionsByCase(ctx context.Context, caseID string) ([]*ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*ExecutionRecord
	for _, rec := range s.execByPair {
		if rec.CaseID == caseID {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) UpsertExecution(ctx context.Context, rec *ExecutionRecord, expectedCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey(rec.RuleID, rec.CaseID)
	existing, exists := s.execByPair[key]

	if !exists {
		if expectedCount != 0 {
			return ErrConcurrentUpdate
		}
		cp := *rec
		cp.ID = uuid.NewString()
		cp.CreatedAt = time.Now()
		s.execByPair[key] = &cp
		s.execByID[cp.ID] = &cp
		rec.ID = cp.ID
		rec.CreatedAt = cp.CreatedAt
		return nil
	}

	if existing.ExecutionCount != expectedCount {
		return ErrConcurrentUpdate
	}

	cp := *rec
	cp.ID = existing.ID
	cp.CreatedAt = existing.CreatedAt
	s.execByPair[key] = &cp
	s.execByID[cp.ID] = &cp
	rec.ID = cp.ID
	rec.CreatedAt = cp.CreatedAt
	return nil
}

func (s *MemoryStore) StopExecution(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.execByID[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
	}
	rec.Status = ExecutionStopped
	rec.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) AcquireLease(ctx context.Context, ruleID, caseID, holder string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey(ruleID, caseID)
	now := time.Now()
	if l, exists := s.leases[key]; exists && l.expiresAt.After(now) && l.holder != holder {
		return false, nil
	}
	s.leases[key] = lease{holder: holder, expiresAt: now.Add(ttl)}
	return true, nil
}

func (s *MemoryStore) ReleaseLease(ctx context.Context, ruleID, caseID, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey(ruleID, caseID)
	if l, exists := s.leases[key]; exists && l.holder == holder {
		delete(s.leases, key)
	}
	return nil
}

func (s *MemoryStore) AppendAudit(ctx context.Context, entry *AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *entry
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.audit[entry.CaseID] = append(s.audit[entry.CaseID], &cp)
	return nil
}

func (s *MemoryStore) ListAuditByCase(ctx context.Context, caseID string) ([]*AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.audit[caseID]
	out := make([]*AuditEntry, len(entries))
	for i, e := range entries {
		cp := *e
		out[i] = &cp
	}
	return out, nil
}

func (s *MemoryStore) EnsureReviewToken(ctx context.Context, caseID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.reviewTokens[caseID]; exists {
		return nil
	}
	s.reviewTokens[caseID] = uuid.NewString()
	return nil
}

// ReviewToken returns the case's review token, empty when none exists.
func (s *MemoryStore) ReviewToken(caseID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reviewTokens[caseID]
}

func (s *MemoryStore) CreateTask(ctx context.Context, caseID, title, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[caseID] = append(s.tasks[caseID], title)
	return nil
}

func (s *MemoryStore) NotifyOperator(ctx context.Context, caseID, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications[caseID] = append(s.notifications[caseID], message)
	return nil
}

// Tasks returns the task titles created for a case.
func (s *MemoryStore) Tasks(caseID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.tasks[caseID]...)
}

// OperatorNotifications returns the operator messages recorded for a case.
func (s *MemoryStore) OperatorNotifications(caseID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.notifications[caseID]...)
}

// daysBefore computes whole days from now until departure, negative once
// departure has passed, nil when no departure date is set.
func daysBefore(departure *time.Time, now time.Time) *int {
	if departure == nil {
		return nil
	}
	days := int(math.Floor(departure.Sub(now).Hours() / 24))
	return &days
}

// MemoryTemplateStore is a map-backed TemplateStore for tests and the
// in-memory deployment mode.
type MemoryTemplateStore struct {
	mu        sync.RWMutex
	templates map[string]*MessageTemplate
}

func NewMemoryTemplateStore() *MemoryTemplateStore {
	return &MemoryTemplateStore{templates: make(map[string]*MessageTemplate)}
}

func (s *MemoryTemplateStore) Put(tpl *MessageTemplate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *tpl
	s.templates[tpl.Key] = &cp
}

func (s *MemoryTemplateStore) Get(ctx context.Context, key string) (*MessageTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tpl, exists := s.templates[key]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, key)
	}
	cp := *tpl
	return &cp, nil
}
