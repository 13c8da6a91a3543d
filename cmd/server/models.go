package main

// RunRequest is the body of POST /api/v1/automation/run: an explicit
// trigger invocation for manual or cron use.
type RunRequest struct {
	TriggerEvent string `json:"triggerEvent"`
	CaseID       string `json:"caseId,omitempty"`
	PaymentKind  string `json:"paymentKind,omitempty"`
}
