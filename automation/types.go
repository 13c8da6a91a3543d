package automation

import (
	"encoding/json"
	"fmt"
	"time"
)

// TriggerEvent is the semantic business event a rule reacts to.
type TriggerEvent string

const (
	TriggerQuoteSent          TriggerEvent = "quote_sent"
	TriggerQuoteAccepted      TriggerEvent = "quote_accepted"
	TriggerContractSigned     TriggerEvent = "contract_signed"
	TriggerPaymentReceived    TriggerEvent = "payment_received"
	TriggerDepartureReminder  TriggerEvent = "departure_reminder"
	TriggerTripCompleted      TriggerEvent = "trip_completed"
	TriggerTripInfoSubmitted  TriggerEvent = "trip_info_submitted"
	TriggerDriverInfoReceived TriggerEvent = "driver_info_received"
	TriggerCarrierConfirmed   TriggerEvent = "carrier_confirmed"
	TriggerCaseCreated        TriggerEvent = "case_created"
)

// KnownTriggers lists every trigger tag a rule may declare.
var KnownTriggers = []TriggerEvent{
	TriggerQuoteSent,
	TriggerQuoteAccepted,
	TriggerContractSigned,
	TriggerPaymentReceived,
	TriggerDepartureReminder,
	TriggerTripCompleted,
	TriggerTripInfoSubmitted,
	TriggerDriverInfoReceived,
	TriggerCarrierConfirmed,
	TriggerCaseCreated,
}

// ActionType identifies what a rule does when it fires.
type ActionType string

const (
	ActionSendNotification ActionType = "send_notification"
	ActionSendText         ActionType = "send_text"
	ActionUpdateStatus     ActionType = "update_status"
	ActionCreateTask       ActionType = "create_task"
	ActionNotifyOperator   ActionType = "notify_operator"
)

// ActionConfig carries the per-action parameters. Which fields are required
// depends on the action type; ValidateRule enforces that at save time.
type ActionConfig struct {
	// Template is the template-store key for send_notification and send_text.
	Template string `json:"template,omitempty"`
	// Subject overrides the template subject when set.
	Subject string `json:"subject,omitempty"`
	// Status is the new case status for update_status.
	Status string `json:"status,omitempty"`
	// Title names the task created by create_task.
	Title string `json:"title,omitempty"`
	// Message is the free-text body for create_task and notify_operator.
	Message string `json:"message,omitempty"`
}

// ConditionSet is the closed set of eligibility conditions a rule may carry.
// It decodes from the open key/value bag used on the wire and in storage;
// keys that are not recognized land in Unknown instead of being silently
// dropped, so validation can reject them explicitly.
type ConditionSet struct {
	// DaysBefore passes once the case is at or within N days of departure.
	DaysBefore *int
	// BalancePending fails once the balance-paid timestamp is set.
	BalancePending bool
	// DepositPending fails once the deposit-paid timestamp is set. On the
	// wire this is the legacy key paymentStatus: "pending".
	DepositPending bool
	// InfosMissing fails once trip infos have been validated.
	InfosMissing bool
	// DriverMissing fails once driver info has been received.
	DriverMissing bool
	// DriverReceived fails while driver info has not been received.
	DriverReceived bool
	// NoResponse fails once the client has accepted a quote.
	NoResponse bool
	// PaymentKind fails when the case's payment kind is set and differs.
	PaymentKind string
	// Unknown holds condition keys that no variant above recognizes.
	Unknown []string
}

// UnmarshalJSON decodes the open condition bag into the closed variant set.
func (c *ConditionSet) UnmarshalJSON(data []byte) error {
	var bag map[string]json.RawMessage
	if err := json.Unmarshal(data, &bag); err != nil {
		return fmt.Errorf("conditions: %w", err)
	}

	*c = ConditionSet{}
	for key, raw := range bag {
		switch key {
		case "daysBefore":
			var n int
			if err := json.Unmarshal(raw, &n); err != nil {
				return fmt.Errorf("conditions: daysBefore: %w", err)
			}
			c.DaysBefore = &n
		case "balancePending":
			if err := json.Unmarshal(raw, &c.BalancePending); err != nil {
				return fmt.Errorf("conditions: balancePending: %w", err)
			}
		case "paymentStatus":
			var s string
			if err := json.Unmarshal(raw, &s); err != nil {
				return fmt.Errorf("conditions: paymentStatus: %w", err)
			}
			if s != "pending" {
				return fmt.Errorf("conditions: paymentStatus must be %q, got %q", "pending", s)
			}
			c.DepositPending = true
		case "infosMissing":
			if err := json.Unmarshal(raw, &c.InfosMissing); err != nil {
				return fmt.Errorf("conditions: infosMissing: %w", err)
			}
		case "driverMissing":
			if err := json.Unmarshal(raw, &c.DriverMissing); err != nil {
				return fmt.Errorf("conditions: driverMissing: %w", err)
			}
		case "driverReceived":
			if err := json.Unmarshal(raw, &c.DriverReceived); err != nil {
				return fmt.Errorf("conditions: driverReceived: %w", err)
			}
		case "noResponse":
			if err := json.Unmarshal(raw, &c.NoResponse); err != nil {
				return fmt.Errorf("conditions: noResponse: %w", err)
			}
		case "paymentKind":
			if err := json.Unmarshal(raw, &c.PaymentKind); err != nil {
				return fmt.Errorf("conditions: paymentKind: %w", err)
			}
		default:
			c.Unknown = append(c.Unknown, key)
		}
	}

	return nil
}

// MarshalJSON re-encodes the set as the key/value bag. Unknown keys are not
// round-tripped; rules carrying them never pass validation.
func (c ConditionSet) MarshalJSON() ([]byte, error) {
	bag := map[string]any{}
	if c.DaysBefore != nil {
		bag["daysBefore"] = *c.DaysBefore
	}
	if c.BalancePending {
		bag["balancePending"] = true
	}
	if c.DepositPending {
		bag["paymentStatus"] = "pending"
	}
	if c.InfosMissing {
		bag["infosMissing"] = true
	}
	if c.DriverMissing {
		bag["driverMissing"] = true
	}
	if c.DriverReceived {
		bag["driverReceived"] = true
	}
	if c.NoResponse {
		bag["noResponse"] = true
	}
	if c.PaymentKind != "" {
		bag["paymentKind"] = c.PaymentKind
	}
	return json.Marshal(bag)
}

// Rule is a single automation definition: trigger, conditions, action,
// delay and repeat policy.
type Rule struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Trigger     TriggerEvent `json:"triggerEvent"`
	Conditions  ConditionSet `json:"conditions"`
	// Expression is an optional CEL guard evaluated against Case and
	// Context facts after the condition set passes. Empty means no guard.
	Expression          string       `json:"expression,omitempty"`
	Action              ActionType   `json:"actionType"`
	ActionConfig        ActionConfig `json:"actionConfig"`
	DelayHours          int          `json:"delayHours"`
	RepeatIntervalHours *int         `json:"repeatIntervalHours,omitempty"`
	MaxRepeats          int          `json:"maxRepeats"`
	Active              bool         `json:"active"`
	CreatedAt           time.Time    `json:"createdAt"`
	UpdatedAt           time.Time    `json:"updatedAt"`
}

// EffectiveMaxRepeats caps repetition at one when no repeat interval is
// configured, regardless of the stored MaxRepeats.
func (r *Rule) EffectiveMaxRepeats() int {
	if r.RepeatIntervalHours == nil {
		return 1
	}
	return r.MaxRepeats
}

// Case statuses the engine cares about. The surrounding application owns
// the full status vocabulary; the engine only filters on these.
const (
	CaseStatusCancelled = "cancelled"
	CaseStatusCompleted = "completed"
)

// Case is the booking a rule acts upon. The engine reads it and, for the
// update_status action, writes the status field back.
type Case struct {
	ID            string     `json:"id"`
	Reference     string     `json:"reference"`
	Status        string     `json:"status"`
	ClientName    string     `json:"clientName"`
	Email         string     `json:"email"`
	Phone         string     `json:"phone,omitempty"`
	Origin        string     `json:"origin,omitempty"`
	Destination   string     `json:"destination,omitempty"`
	DepartureDate *time.Time `json:"departureDate,omitempty"`
	ReturnDate    *time.Time `json:"returnDate,omitempty"`
	Passengers    int        `json:"passengers"`
	TotalAmount   float64    `json:"totalAmount"`
	DepositPaidAt *time.Time `json:"depositPaidAt,omitempty"`
	BalancePaidAt *time.Time `json:"balancePaidAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
}

// CaseContext aggregates derived facts that are not columns on the case row.
type CaseContext struct {
	InfosValidated      bool   `json:"infosValidated"`
	DriverInfoReceived  bool   `json:"driverInfoReceived"`
	HasAcceptedQuote    bool   `json:"hasAcceptedQuote"`
	DaysBeforeDeparture *int   `json:"daysBeforeDeparture,omitempty"`
	PaymentKind         string `json:"paymentKind,omitempty"`
}

// ExecutionStatus is the lifecycle state of an execution record.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionStopped   ExecutionStatus = "stopped"
)

// ExecutionRecord is the durable per-(rule, case) firing state. At most one
// record exists per pair; the pair is the natural key.
type ExecutionRecord struct {
	ID              string          `json:"id"`
	RuleID          string          `json:"ruleId"`
	CaseID          string          `json:"caseId"`
	ExecutionCount  int             `json:"executionCount"`
	LastExecutedAt  *time.Time      `json:"lastExecutedAt,omitempty"`
	NextExecutionAt *time.Time      `json:"nextExecutionAt,omitempty"`
	Status          ExecutionStatus `json:"status"`
	Result          string          `json:"result,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// AuditEntry is one line of the per-case automation history.
type AuditEntry struct {
	ID        string     `json:"id"`
	CaseID    string     `json:"caseId"`
	RuleID    string     `json:"ruleId,omitempty"`
	Action    ActionType `json:"action"`
	Summary   string     `json:"summary"`
	CreatedAt time.Time  `json:"createdAt"`
}

// ChangeKind is the operation type of a raw change notification.
type ChangeKind string

const (
	ChangeInsert ChangeKind = "insert"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"
)

// RawChange is one change notification from the entity store, in whatever
// shape the notification mechanism delivers rows.
type RawChange struct {
	Table     string         `json:"table"`
	Kind      ChangeKind     `json:"operationType"`
	Record    map[string]any `json:"record"`
	OldRecord map[string]any `json:"oldRecord,omitempty"`
}

// ExecutionError is one per-case failure collected during a pass.
type ExecutionError struct {
	RuleID  string `json:"ruleId"`
	CaseID  string `json:"caseId"`
	Stage   string `json:"stage"`
	Message string `json:"message"`
}

// Report summarizes one processing pass.
type Report struct {
	RulesProcessed int              `json:"rulesProcessed"`
	Executions     int              `json:"executions"`
	Skipped        int              `json:"skipped"`
	Errors         []ExecutionError `json:"errors"`
}
