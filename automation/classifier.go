package automation

// Classifier turns a raw change notification into at most one trigger event
// plus the affected case id. Implementations must be pure; the interface
// exists so the notification mechanism (webhook, polling diff, log tailing)
// can change without touching the matching table.
type Classifier interface {
	Classify(change RawChange) (TriggerEvent, string, bool)
}

// TableClassifier applies the fixed (table, field transition) matching
// table. First match wins; a single change never yields two triggers.
type TableClassifier struct{}

// NewTableClassifier returns the default classifier.
func NewTableClassifier() *TableClassifier {
	return &TableClassifier{}
}

// Classify maps one change notification to its trigger. The boolean is
// false when no transition matches, which the engine treats as a no-op
// rather than a reason to sweep.
func (tc *TableClassifier) Classify(change RawChange) (TriggerEvent, string, bool) {
	if change.Kind == ChangeDelete || change.Record == nil {
		return "", "", false
	}

	switch change.Table {
	case "quotes":
		caseID := stringField(change.Record, "case_id")
		if caseID == "" {
			return "", "", false
		}
		if transitionedTo(change, "status", "sent") {
			return TriggerQuoteSent, caseID, true
		}
		if transitionedTo(change, "status", "accepted") {
			return TriggerQuoteAccepted, caseID, true
		}

	case "contracts":
		if becameSet(change, "signed_at") {
			if caseID := stringField(change.Record, "case_id"); caseID != "" {
				return TriggerContractSigned, caseID, true
			}
		}

	case "invoices", "payments":
		if transitionedTo(change, "status", "paid") {
			if caseID := stringField(change.Record, "case_id"); caseID != "" {
				return TriggerPaymentReceived, caseID, true
			}
		}

	case "trip_infos":
		caseID := stringField(change.Record, "case_id")
		if caseID == "" {
			return "", "", false
		}
		if becameSet(change, "validated_at") {
			return TriggerTripInfoSubmitted, caseID, true
		}
		if becameSet(change, "driver_info_received_at") {
			return TriggerDriverInfoReceived, caseID, true
		}

	case "carrier_requests":
		caseID := stringField(change.Record, "case_id")
		if caseID == "" {
			return "", "", false
		}
		if becameSet(change, "bpa_received_at") || transitionedTo(change, "status", "carrier_confirmed") {
			return TriggerCarrierConfirmed, caseID, true
		}

	case "cases":
		caseID := stringField(change.Record, "id")
		if caseID == "" {
			return "", "", false
		}
		if change.Kind == ChangeInsert {
			return TriggerCaseCreated, caseID, true
		}
		if transitionedTo(change, "status", "completed") {
			return TriggerTripCompleted, caseID, true
		}
	}

	return "", "", false
}

// transitionedTo reports whether field moved into value with this change.
// Inserts count as a transition when the new row already carries the value.
func transitionedTo(change RawChange, field, value string) bool {
	if stringField(change.Record, field) != value {
		return false
	}
	if change.Kind == ChangeInsert || change.OldRecord == nil {
		return true
	}
	return stringField(change.OldRecord, field) != value
}

// becameSet reports whether field went from null/absent to non-null.
func becameSet(change RawChange, field string) bool {
	if !fieldSet(change.Record, field) {
		return false
	}
	if change.Kind == ChangeInsert || change.OldRecord == nil {
		return true
	}
	return !fieldSet(change.OldRecord, field)
}

func fieldSet(row map[string]any, field string) bool {
	v, ok := row[field]
	if !ok || v == nil {
		return false
	}
	if s, ok := v.(string); ok {
		return s != ""
	}
	return true
}

func stringField(row map[string]any, field string) string {
	if v, ok := row[field]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
