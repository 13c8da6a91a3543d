package automation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrActionConfig marks dispatch failures caused by rule or template
// configuration (unknown template key, unresolved variable, bad action
// parameters). These are surfaced to operators rather than retried blindly.
var ErrActionConfig = errors.New("action configuration error")

// Transport delivers one rendered message to an address. Implementations
// exist for email and text; tests use a recording fake. A transport timeout
// is an ordinary delivery failure.
type Transport interface {
	Send(ctx context.Context, to, subject, body string) error
}

// Dispatcher executes a rule's configured action against a case. A failed
// dispatch leaves no trace: the audit entry and any secondary side effect
// are only written after delivery succeeds, and the execution record is the
// caller's to advance afterwards.
type Dispatcher struct {
	templates TemplateStore
	renderer  *Renderer
	mail      Transport
	text      Transport
	store     Store
	log       *slog.Logger
}

// NewDispatcher wires a dispatcher. The text transport may be nil when the
// deployment has no SMS gateway; send_text rules then fail dispatch.
func NewDispatcher(store Store, templates TemplateStore, renderer *Renderer, mail, text Transport, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		templates: templates,
		renderer:  renderer,
		mail:      mail,
		text:      text,
		store:     store,
		log:       log,
	}
}

// Dispatch performs the action and appends the audit entry. The trigger tag
// is passed through so the trip-completed path can lazily create the review
// token.
func (d *Dispatcher) Dispatch(ctx context.Context, rule *Rule, cs *Case, trigger TriggerEvent) error {
	var summary string

	switch rule.Action {
	case ActionSendNotification:
		subject, body, err := d.renderMessage(ctx, rule, cs)
		if err != nil {
			return err
		}
		if cs.Email == "" {
			return fmt.Errorf("%w: case %s has no contact address", ErrActionConfig, cs.ID)
		}
		if trigger == TriggerTripCompleted {
			// The review link in the message must resolve; token creation
			// is idempotent on case id so retries are harmless.
			if err := d.store.EnsureReviewToken(ctx, cs.ID); err != nil {
				return fmt.Errorf("ensure review token: %w", err)
			}
		}
		if err := d.mail.Send(ctx, cs.Email, subject, body); err != nil {
			return fmt.Errorf("send notification to %s: %w", cs.Email, err)
		}
		summary = fmt.Sprintf("notification %q sent to %s", rule.ActionConfig.Template, cs.Email)

	case ActionSendText:
		if d.text == nil {
			return fmt.Errorf("%w: no text transport configured", ErrActionConfig)
		}
		if cs.Phone == "" {
			return fmt.Errorf("%w: case %s has no phone number", ErrActionConfig, cs.ID)
		}
		_, body, err := d.renderMessage(ctx, rule, cs)
		if err != nil {
			return err
		}
		if err := d.text.Send(ctx, cs.Phone, "", body); err != nil {
			return fmt.Errorf("send text to %s: %w", cs.Phone, err)
		}
		summary = fmt.Sprintf("text %q sent to %s", rule.ActionConfig.Template, cs.Phone)

	case ActionUpdateStatus:
		if err := d.store.UpdateCaseStatus(ctx, cs.ID, rule.ActionConfig.Status); err != nil {
			return fmt.Errorf("update status: %w", err)
		}
		summary = fmt.Sprintf("status set to %q", rule.ActionConfig.Status)

	case ActionCreateTask:
		if err := d.store.CreateTask(ctx, cs.ID, rule.ActionConfig.Title, rule.ActionConfig.Message); err != nil {
			return fmt.Errorf("create task: %w", err)
		}
		summary = fmt.Sprintf("task %q created", rule.ActionConfig.Title)

	case ActionNotifyOperator:
		if err := d.store.NotifyOperator(ctx, cs.ID, rule.ActionConfig.Message); err != nil {
			return fmt.Errorf("notify operator: %w", err)
		}
		summary = "operator notified"

	default:
		return fmt.Errorf("%w: unknown action type %q", ErrActionConfig, rule.Action)
	}

	entry := &AuditEntry{
		CaseID:  cs.ID,
		RuleID:  rule.ID,
		Action:  rule.Action,
		Summary: summary,
	}
	if err := d.store.AppendAudit(ctx, entry); err != nil {
		// The side effect already happened; losing the audit line must not
		// fail the dispatch, or a retry would duplicate it.
		d.log.Error("audit append failed after dispatch",
			"caseId", cs.ID, "ruleId", rule.ID, "error", err)
	}

	return nil
}

func (d *Dispatcher) renderMessage(ctx context.Context, rule *Rule, cs *Case) (subject, body string, err error) {
	tpl, err := d.templates.Get(ctx, rule.ActionConfig.Template)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrActionConfig, err)
	}

	subject, body, err = d.renderer.Render(tpl, cs)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrActionConfig, err)
	}

	if rule.ActionConfig.Subject != "" {
		subject = rule.ActionConfig.Subject
	}
	return subject, body, nil
}
