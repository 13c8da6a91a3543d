package automation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// PostgresStore implements Store backed by PostgreSQL. The execution
// upsert and the lease acquisition are single conditional statements so
// concurrent passes cannot double-advance a (rule, case) pair.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const ruleColumns = `id, name, description, trigger_event, conditions, expression,
	action_type, action_config, delay_hours, repeat_interval_hours, max_repeats,
	active, created_at, updated_at`

func (s *PostgresStore) AddRule(ctx context.Context, rule *Rule) error {
	conditions, actionConfig, err := marshalRuleJSON(rule)
	if err != nil {
		return err
	}

	now := time.Now()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	var interval sql.NullInt64
	if rule.RepeatIntervalHours != nil {
		interval = sql.NullInt64{Int64: int64(*rule.RepeatIntervalHours), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rules (id, name, description, trigger_event, conditions, expression,
			action_type, action_config, delay_hours, repeat_interval_hours, max_repeats,
			active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, rule.ID, rule.Name, rule.Description, rule.Trigger, conditions, rule.Expression,
		rule.Action, actionConfig, rule.DelayHours, interval, rule.MaxRepeats,
		rule.Active, rule.CreatedAt, rule.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert rule: %w", err)
	}

	return nil
}

func (s *PostgresStore) GetRule(ctx context.Context, id string) (*Rule, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+ruleColumns+`
		FROM rules
		WHERE id = $1
	`, id)

	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get rule: %w", err)
	}
	return rule, nil
}

func (s *PostgresStore) ListRules(ctx context.Context) ([]*Rule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+ruleColumns+`
		FROM rules
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	return collectRules(rows)
}

func (s *PostgresStore) ListActiveRules(ctx context.Context, trigger TriggerEvent) ([]*Rule, error) {
	query := `
		SELECT ` + ruleColumns + `
		FROM rules
		WHERE active = true
	`
	args := []any{}
	if trigger != "" {
		query += ` AND trigger_event = $1`
		args = append(args, trigger)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list active rules: %w", err)
	}
	defer rows.Close()

	return collectRules(rows)
}

func (s *PostgresStore) UpdateRule(ctx context.Context, rule *Rule) error {
	conditions, actionConfig, err := marshalRuleJSON(rule)
	if err != nil {
		return err
	}

	rule.UpdatedAt = time.Now()

	var interval sql.NullInt64
	if rule.RepeatIntervalHours != nil {
		interval = sql.NullInt64{Int64: int64(*rule.RepeatIntervalHours), Valid: true}
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE rules
		SET name = $1, description = $2, trigger_event = $3, conditions = $4,
			expression = $5, action_type = $6, action_config = $7, delay_hours = $8,
			repeat_interval_hours = $9, max_repeats = $10, active = $11, updated_at = $12
		WHERE id = $13
	`, rule.Name, rule.Description, rule.Trigger, conditions,
		rule.Expression, rule.Action, actionConfig, rule.DelayHours,
		interval, rule.MaxRepeats, rule.Active, rule.UpdatedAt, rule.ID)
	if err != nil {
		return fmt.Errorf("update rule: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update rule: rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, rule.ID)
	}

	return nil
}

func (s *PostgresStore) DeleteRule(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete rule: rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}

	return nil
}

const caseColumns = `id, reference, status, client_name, email, phone, origin,
	destination, departure_date, return_date, passengers, total_amount,
	deposit_paid_at, balance_paid_at, created_at`

func (s *PostgresStore) GetCase(ctx context.Context, id string) (*Case, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+caseColumns+`
		FROM cases
		WHERE id = $1
	`, id)

	cs, err := scanCase(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrCaseNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get case: %w", err)
	}
	return cs, nil
}

func (s *PostgresStore) ListCandidateCases(ctx context.Context, trigger TriggerEvent, now time.Time) ([]*Case, error) {
	query := `
		SELECT ` + caseColumns + `
		FROM cases
		WHERE status NOT IN ($1, $2)
	`
	args := []any{CaseStatusCancelled, CaseStatusCompleted}

	if trigger == TriggerDepartureReminder {
		query += ` AND departure_date IS NOT NULL AND departure_date BETWEEN $3 AND $4`
		args = append(args, now, now.Add(candidateWindow))
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list candidate cases: %w", err)
	}
	defer rows.Close()

	var out []*Case
	for rows.Next() {
		cs, err := scanCase(rows)
		if err != nil {
			return nil, fmt.Errorf("scan case: %w", err)
		}
		out = append(out, cs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cases: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) CaseContext(ctx context.Context, cs *Case, now time.Time) (CaseContext, error) {
	var cctx CaseContext
	err := s.db.QueryRowContext(ctx, `
		SELECT
			EXISTS(SELECT 1 FROM trip_infos WHERE case_id = $1 AND validated_at IS NOT NULL),
			EXISTS(SELECT 1 FROM trip_infos WHERE case_id = $1 AND driver_info_received_at IS NOT NULL),
			EXISTS(SELECT 1 FROM quotes WHERE case_id = $1 AND status = 'accepted'),
			COALESCE((
				SELECT kind FROM payments
				WHERE case_id = $1 AND kind <> ''
				ORDER BY created_at DESC LIMIT 1
			), '')
	`, cs.ID).Scan(
		&cctx.InfosValidated,
		&cctx.DriverInfoReceived,
		&cctx.HasAcceptedQuote,
		&cctx.PaymentKind,
	)
	if err != nil {
		return CaseContext{}, fmt.Errorf("load case context: %w", err)
	}

	cctx.DaysBeforeDeparture = daysBefore(cs.DepartureDate, now)
	return cctx, nil
}

func (s *PostgresStore) UpdateCaseStatus(ctx context.Context, caseID, status string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE cases SET status = $1 WHERE id = $2
	`, status, caseID)
	if err != nil {
		return fmt.Errorf("update case status: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update case status: rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrCaseNotFound, caseID)
	}
	return nil
}

const executionColumns = `id, rule_id, case_id, execution_count, last_executed_at,
	next_execution_at, status, result, created_at, updated_at`

func (s *PostgresStore) GetExecution(ctx context.Context, ruleID, caseID string) (*ExecutionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+executionColumns+`
		FROM executions
		WHERE rule_id = $1 AND case_id = $2
	`, ruleID, caseID)

	rec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: rule %s case %s", ErrExecutionNotFound, ruleID, caseID)
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) GetExecutionByID(ctx context.Context, id string) (*ExecutionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+executionColumns+`
		FROM executions
		WHERE id = $1
	`, id)

	rec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) ListExecutionsByCase(ctx context.Context, caseID string) ([]*ExecutionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+executionColumns+`
		FROM executions
		WHERE case_id = $1
		ORDER BY created_at ASC
	`, caseID)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []*ExecutionRecord
	for rows.Next() {
		rec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate executions: %w", err)
	}
	return out, nil
}

// UpsertExecution writes the record with a single conditional statement.
// A caller expecting a prior count never inserts; its update only matches
// when the stored count equals what it observed before dispatching. A
// caller expecting no record inserts, and on conflict only overwrites a
// count-zero row. Either way a racing pass that already advanced the pair
// makes this a no-op and the caller gets ErrConcurrentUpdate.
func (s *PostgresStore) UpsertExecution(ctx context.Context, rec *ExecutionRecord, expectedCount int) error {
	var result sql.Result
	var err error

	if expectedCount == 0 {
		if rec.ID == "" {
			rec.ID = uuid.NewString()
		}
		result, err = s.db.ExecContext(ctx, `
			INSERT INTO executions (id, rule_id, case_id, execution_count,
				last_executed_at, next_execution_at, status, result, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
			ON CONFLICT (rule_id, case_id) DO UPDATE
			SET execution_count = EXCLUDED.execution_count,
				last_executed_at = EXCLUDED.last_executed_at,
				next_execution_at = EXCLUDED.next_execution_at,
				status = EXCLUDED.status,
				result = EXCLUDED.result,
				updated_at = NOW()
			WHERE executions.execution_count = 0
		`, rec.ID, rec.RuleID, rec.CaseID, rec.ExecutionCount,
			rec.LastExecutedAt, rec.NextExecutionAt, rec.Status, rec.Result)
	} else {
		result, err = s.db.ExecContext(ctx, `
			UPDATE executions
			SET execution_count = $1,
				last_executed_at = $2,
				next_execution_at = $3,
				status = $4,
				result = $5,
				updated_at = NOW()
			WHERE rule_id = $6 AND case_id = $7 AND execution_count = $8
		`, rec.ExecutionCount, rec.LastExecutedAt, rec.NextExecutionAt,
			rec.Status, rec.Result, rec.RuleID, rec.CaseID, expectedCount)
	}
	if err != nil {
		return fmt.Errorf("upsert execution: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("upsert execution: rows affected: %w", err)
	}
	if affected == 0 {
		return ErrConcurrentUpdate
	}
	return nil
}

func (s *PostgresStore) StopExecution(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET status = $1, updated_at = NOW()
		WHERE id = $2
	`, ExecutionStopped, id)
	if err != nil {
		return fmt.Errorf("stop execution: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("stop execution: rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
	}
	return nil
}

// AcquireLease takes or renews the per-pair lease in one statement. The
// conflict update only fires when the existing lease expired or belongs to
// the same holder, so a live lease held elsewhere makes this a no-op.
func (s *PostgresStore) AcquireLease(ctx context.Context, ruleID, caseID, holder string, ttl time.Duration) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_leases (rule_id, case_id, holder, expires_at)
		VALUES ($1, $2, $3, NOW() + make_interval(secs => $4))
		ON CONFLICT (rule_id, case_id) DO UPDATE
		SET holder = EXCLUDED.holder, expires_at = EXCLUDED.expires_at
		WHERE execution_leases.expires_at < NOW()
		   OR execution_leases.holder = EXCLUDED.holder
	`, ruleID, caseID, holder, int64(ttl.Seconds()))
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire lease: rows affected: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) ReleaseLease(ctx context.Context, ruleID, caseID, holder string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM execution_leases
		WHERE rule_id = $1 AND case_id = $2 AND holder = $3
	`, ruleID, caseID, holder)
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendAudit(ctx context.Context, entry *AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, case_id, rule_id, action, summary, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, entry.ID, entry.CaseID, entry.RuleID, entry.Action, entry.Summary, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAuditByCase(ctx context.Context, caseID string) ([]*AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, case_id, rule_id, action, summary, created_at
		FROM audit_log
		WHERE case_id = $1
		ORDER BY created_at ASC
	`, caseID)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var out []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.CaseID, &e.RuleID, &e.Action, &e.Summary, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) EnsureReviewToken(ctx context.Context, caseID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO review_tokens (case_id, token, created_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (case_id) DO NOTHING
	`, caseID, uuid.NewString())
	if err != nil {
		return fmt.Errorf("ensure review token: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateTask(ctx context.Context, caseID, title, message string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, case_id, title, message, created_at)
		VALUES ($1, $2, $3, $4, NOW())
	`, uuid.NewString(), caseID, title, message)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

func (s *PostgresStore) NotifyOperator(ctx context.Context, caseID, message string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO operator_notifications (id, case_id, message, created_at)
		VALUES ($1, $2, $3, NOW())
	`, uuid.NewString(), caseID, message)
	if err != nil {
		return fmt.Errorf("notify operator: %w", err)
	}
	return nil
}

// PostgresTemplateStore reads message templates from the templates table.
type PostgresTemplateStore struct {
	db *sql.DB
}

func NewPostgresTemplateStore(db *sql.DB) *PostgresTemplateStore {
	return &PostgresTemplateStore{db: db}
}

func (s *PostgresTemplateStore) Get(ctx context.Context, key string) (*MessageTemplate, error) {
	var tpl MessageTemplate
	err := s.db.QueryRowContext(ctx, `
		SELECT key, subject, body FROM templates WHERE key = $1
	`, key).Scan(&tpl.Key, &tpl.Subject, &tpl.Body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("get template: %w", err)
	}
	return &tpl, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*Rule, error) {
	var (
		r            Rule
		conditions   []byte
		actionConfig []byte
		interval     sql.NullInt64
	)
	err := row.Scan(
		&r.ID, &r.Name, &r.Description, &r.Trigger, &conditions, &r.Expression,
		&r.Action, &actionConfig, &r.DelayHours, &interval, &r.MaxRepeats,
		&r.Active, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(conditions, &r.Conditions); err != nil {
		return nil, fmt.Errorf("decode conditions: %w", err)
	}
	if err := json.Unmarshal(actionConfig, &r.ActionConfig); err != nil {
		return nil, fmt.Errorf("decode action config: %w", err)
	}
	if interval.Valid {
		hours := int(interval.Int64)
		r.RepeatIntervalHours = &hours
	}

	return &r, nil
}

func collectRules(rows *sql.Rows) ([]*Rule, error) {
	var out []*Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		out = append(out, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rules: %w", err)
	}
	return out, nil
}

func scanCase(row rowScanner) (*Case, error) {
	var cs Case
	err := row.Scan(
		&cs.ID, &cs.Reference, &cs.Status, &cs.ClientName, &cs.Email, &cs.Phone,
		&cs.Origin, &cs.Destination, &cs.DepartureDate, &cs.ReturnDate,
		&cs.Passengers, &cs.TotalAmount, &cs.DepositPaidAt, &cs.BalancePaidAt,
		&cs.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &cs, nil
}

func scanExecution(row rowScanner) (*ExecutionRecord, error) {
	var rec ExecutionRecord
	err := row.Scan(
		&rec.ID, &rec.RuleID, &rec.CaseID, &rec.ExecutionCount,
		&rec.LastExecutedAt, &rec.NextExecutionAt, &rec.Status, &rec.Result,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func marshalRuleJSON(rule *Rule) (conditions, actionConfig []byte, err error) {
	conditions, err = json.Marshal(rule.Conditions)
	if err != nil {
		return nil, nil, fmt.Errorf("encode conditions: %w", err)
	}
	actionConfig, err = json.Marshal(rule.ActionConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("encode action config: %w", err)
	}
	return conditions, actionConfig, nil
}
