package automation

import (
	"encoding/json"
	"testing"
	"time"
)

func intp(n int) *int { return &n }

func TestEligible(t *testing.T) {
	paid := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	testCases := []struct {
		name       string
		conditions ConditionSet
		cs         Case
		ctx        CaseContext
		want       bool
	}{
		{
			name: "empty set always passes",
			want: true,
		},
		{
			name:       "daysBefore passes inside window",
			conditions: ConditionSet{DaysBefore: intp(7)},
			ctx:        CaseContext{DaysBeforeDeparture: intp(5)},
			want:       true,
		},
		{
			name:       "daysBefore passes at exact boundary",
			conditions: ConditionSet{DaysBefore: intp(7)},
			ctx:        CaseContext{DaysBeforeDeparture: intp(7)},
			want:       true,
		},
		{
			name:       "daysBefore fails outside window",
			conditions: ConditionSet{DaysBefore: intp(7)},
			ctx:        CaseContext{DaysBeforeDeparture: intp(8)},
			want:       false,
		},
		{
			name:       "daysBefore fails without a departure date",
			conditions: ConditionSet{DaysBefore: intp(7)},
			ctx:        CaseContext{},
			want:       false,
		},
		{
			name:       "balancePending passes while unpaid",
			conditions: ConditionSet{BalancePending: true},
			cs:         Case{},
			want:       true,
		},
		{
			name:       "balancePending fails once paid",
			conditions: ConditionSet{BalancePending: true},
			cs:         Case{BalancePaidAt: &paid},
			want:       false,
		},
		{
			name:       "depositPending fails once paid",
			conditions: ConditionSet{DepositPending: true},
			cs:         Case{DepositPaidAt: &paid},
			want:       false,
		},
		{
			name:       "infosMissing fails once validated",
			conditions: ConditionSet{InfosMissing: true},
			ctx:        CaseContext{InfosValidated: true},
			want:       false,
		},
		{
			name:       "driverMissing fails once received",
			conditions: ConditionSet{DriverMissing: true},
			ctx:        CaseContext{DriverInfoReceived: true},
			want:       false,
		},
		{
			name:       "driverReceived fails while missing",
			conditions: ConditionSet{DriverReceived: true},
			ctx:        CaseContext{DriverInfoReceived: false},
			want:       false,
		},
		{
			name:       "noResponse fails once a quote was accepted",
			conditions: ConditionSet{NoResponse: true},
			ctx:        CaseContext{HasAcceptedQuote: true},
			want:       false,
		},
		{
			name:       "paymentKind matches",
			conditions: ConditionSet{PaymentKind: "bank_transfer"},
			ctx:        CaseContext{PaymentKind: "bank_transfer"},
			want:       true,
		},
		{
			name:       "paymentKind differs",
			conditions: ConditionSet{PaymentKind: "bank_transfer"},
			ctx:        CaseContext{PaymentKind: "card"},
			want:       false,
		},
		{
			name: "paymentKind passes open-world when fact is absent",
			// Missing facts never fail a condition that compares values;
			// only the presence-style conditions treat absence as failure.
			conditions: ConditionSet{PaymentKind: "bank_transfer"},
			ctx:        CaseContext{},
			want:       true,
		},
		{
			name: "conjunction fails on any failing member",
			conditions: ConditionSet{
				DaysBefore:     intp(30),
				BalancePending: true,
			},
			cs:   Case{BalancePaidAt: &paid},
			ctx:  CaseContext{DaysBeforeDeparture: intp(10)},
			want: false,
		},
		{
			name: "conjunction passes when all members pass",
			conditions: ConditionSet{
				DaysBefore:     intp(30),
				BalancePending: true,
				InfosMissing:   true,
			},
			cs:   Case{},
			ctx:  CaseContext{DaysBeforeDeparture: intp(10)},
			want: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.conditions.Eligible(&tc.cs, tc.ctx); got != tc.want {
				t.Errorf("Eligible() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestConditionSetUnmarshal(t *testing.T) {
	var c ConditionSet
	raw := `{"daysBefore": 7, "paymentStatus": "pending", "balancePending": true}`
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if c.DaysBefore == nil || *c.DaysBefore != 7 {
		t.Errorf("DaysBefore = %v, want 7", c.DaysBefore)
	}
	if !c.DepositPending {
		t.Error("DepositPending = false, want true via paymentStatus key")
	}
	if !c.BalancePending {
		t.Error("BalancePending = false, want true")
	}
	if len(c.Unknown) != 0 {
		t.Errorf("Unknown = %v, want empty", c.Unknown)
	}
}

func TestConditionSetUnmarshalUnknownKeys(t *testing.T) {
	var c ConditionSet
	raw := `{"daysBefore": 3, "weatherNice": true}`
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(c.Unknown) != 1 || c.Unknown[0] != "weatherNice" {
		t.Errorf("Unknown = %v, want [weatherNice]", c.Unknown)
	}
}

func TestConditionSetUnmarshalBadPaymentStatus(t *testing.T) {
	var c ConditionSet
	if err := json.Unmarshal([]byte(`{"paymentStatus": "paid"}`), &c); err == nil {
		t.Fatal("unmarshal accepted paymentStatus other than pending")
	}
}

func TestConditionSetRoundTrip(t *testing.T) {
	in := ConditionSet{
		DaysBefore:     intp(14),
		DepositPending: true,
		DriverMissing:  true,
		PaymentKind:    "card",
	}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out ConditionSet
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if *out.DaysBefore != 14 || !out.DepositPending || !out.DriverMissing || out.PaymentKind != "card" {
		t.Errorf("round trip mismatch: %+v", out)
	}
}
