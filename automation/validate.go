package automation

import (
	"fmt"
	"regexp"
	"strings"
)

// templateKeyPattern is the shape of template-store keys.
var templateKeyPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// caseStatusPattern bounds what update_status may write.
var caseStatusPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// ValidateRule checks a rule definition at save time. Unknown condition
// keys, unknown trigger or action tags, and incoherent repeat settings are
// rejected here so the engine never sees a rule it cannot execute. The CEL
// guard expression is validated separately by the engine's compiler.
func ValidateRule(r *Rule) error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("rule name is required")
	}
	if len(r.Name) > 200 {
		return fmt.Errorf("rule name exceeds 200 characters")
	}

	if !isKnownTrigger(r.Trigger) {
		return fmt.Errorf("unknown trigger event %q (must be one of: %s)", r.Trigger, triggerList())
	}

	if len(r.Conditions.Unknown) > 0 {
		return fmt.Errorf("unrecognized condition keys: %s", strings.Join(r.Conditions.Unknown, ", "))
	}
	if r.Conditions.DaysBefore != nil && *r.Conditions.DaysBefore < 0 {
		return fmt.Errorf("daysBefore cannot be negative")
	}
	if r.Conditions.DriverMissing && r.Conditions.DriverReceived {
		return fmt.Errorf("driverMissing and driverReceived are mutually exclusive")
	}

	if err := validateAction(r.Action, r.ActionConfig); err != nil {
		return err
	}

	if r.DelayHours < 0 {
		return fmt.Errorf("delayHours cannot be negative")
	}
	if r.MaxRepeats < 1 {
		return fmt.Errorf("maxRepeats must be at least 1")
	}
	if r.RepeatIntervalHours != nil && *r.RepeatIntervalHours < 1 {
		return fmt.Errorf("repeatIntervalHours must be positive when set")
	}

	return nil
}

func validateAction(action ActionType, cfg ActionConfig) error {
	switch action {
	case ActionSendNotification, ActionSendText:
		if cfg.Template == "" {
			return fmt.Errorf("%s requires actionConfig.template", action)
		}
		if !templateKeyPattern.MatchString(cfg.Template) {
			return fmt.Errorf("template key %q must match %s", cfg.Template, templateKeyPattern)
		}
	case ActionUpdateStatus:
		if cfg.Status == "" {
			return fmt.Errorf("update_status requires actionConfig.status")
		}
		if !caseStatusPattern.MatchString(cfg.Status) {
			return fmt.Errorf("status %q must match %s", cfg.Status, caseStatusPattern)
		}
	case ActionCreateTask:
		if strings.TrimSpace(cfg.Title) == "" {
			return fmt.Errorf("create_task requires actionConfig.title")
		}
	case ActionNotifyOperator:
		if strings.TrimSpace(cfg.Message) == "" {
			return fmt.Errorf("notify_operator requires actionConfig.message")
		}
	default:
		return fmt.Errorf("unknown action type %q", action)
	}
	return nil
}

func isKnownTrigger(t TriggerEvent) bool {
	for _, known := range KnownTriggers {
		if t == known {
			return true
		}
	}
	return false
}

func triggerList() string {
	parts := make([]string, len(KnownTriggers))
	for i, t := range KnownTriggers {
		parts[i] = string(t)
	}
	return strings.Join(parts, ", ")
}
