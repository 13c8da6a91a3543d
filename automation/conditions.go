package automation

// Eligible evaluates the condition set against a case and its derived
// context. Evaluation is conjunctive: every configured condition must pass;
// unset conditions pass by default. The function is pure: no I/O, no state.
func (c ConditionSet) Eligible(cs *Case, ctx CaseContext) bool {
	if c.DaysBefore != nil {
		// "At or within N days of departure", not exactly day N; the
		// execution tracker's at-most-once guarantee prevents refiring
		// on every later pass.
		if ctx.DaysBeforeDeparture == nil || *ctx.DaysBeforeDeparture > *c.DaysBefore {
			return false
		}
	}

	if c.BalancePending && cs.BalancePaidAt != nil {
		return false
	}

	if c.DepositPending && cs.DepositPaidAt != nil {
		return false
	}

	if c.InfosMissing && ctx.InfosValidated {
		return false
	}

	if c.DriverMissing && ctx.DriverInfoReceived {
		return false
	}

	if c.DriverReceived && !ctx.DriverInfoReceived {
		return false
	}

	if c.NoResponse && ctx.HasAcceptedQuote {
		return false
	}

	if c.PaymentKind != "" && ctx.PaymentKind != "" && ctx.PaymentKind != c.PaymentKind {
		return false
	}

	return true
}

// IsZero reports whether no condition is configured at all.
func (c ConditionSet) IsZero() bool {
	return c.DaysBefore == nil &&
		!c.BalancePending &&
		!c.DepositPending &&
		!c.InfosMissing &&
		!c.DriverMissing &&
		!c.DriverReceived &&
		!c.NoResponse &&
		c.PaymentKind == "" &&
		len(c.Unknown) == 0
}
