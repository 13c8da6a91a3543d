package automation

import (
	"fmt"
	"time"
)

// IsDue decides whether a rule may fire for a case right now.
//
// With no prior record the rule is due once the configured delay has
// elapsed since case creation. With a record, the rule is blocked by a
// terminal status, an exhausted repeat budget, or a next-eligibility time
// still in the future.
func IsDue(rule *Rule, rec *ExecutionRecord, caseCreatedAt, now time.Time) bool {
	if rec == nil {
		delay := time.Duration(rule.DelayHours) * time.Hour
		return !now.Before(caseCreatedAt.Add(delay))
	}

	if rec.Status == ExecutionCompleted || rec.Status == ExecutionStopped {
		return false
	}

	if rec.ExecutionCount >= rule.EffectiveMaxRepeats() {
		return false
	}

	if rec.NextExecutionAt != nil && rec.NextExecutionAt.After(now) {
		return false
	}

	return true
}

// Advance returns the record state after one successful dispatch. A nil
// prior record yields a fresh record for the pair; the store assigns its id
// on upsert. The input record is not mutated.
func Advance(rule *Rule, rec *ExecutionRecord, caseID string, now time.Time) *ExecutionRecord {
	next := &ExecutionRecord{
		RuleID: rule.ID,
		CaseID: caseID,
	}
	if rec != nil {
		next.ID = rec.ID
		next.CreatedAt = rec.CreatedAt
		next.ExecutionCount = rec.ExecutionCount
	}

	next.ExecutionCount++
	executedAt := now
	next.LastExecutedAt = &executedAt

	if rule.RepeatIntervalHours != nil {
		at := now.Add(time.Duration(*rule.RepeatIntervalHours) * time.Hour)
		next.NextExecutionAt = &at
	}

	if next.ExecutionCount >= rule.EffectiveMaxRepeats() {
		next.Status = ExecutionCompleted
		next.NextExecutionAt = nil
	} else {
		next.Status = ExecutionPending
	}

	next.Result = fmt.Sprintf("%s executed (%d/%d)", rule.Action, next.ExecutionCount, rule.EffectiveMaxRepeats())
	next.UpdatedAt = now

	return next
}
