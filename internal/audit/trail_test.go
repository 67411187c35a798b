package audit

import (
	"context"
	"testing"
)

// stubPolicy mirrors the default amount thresholds and carries one
// classification rule, enough to exercise the trail's policy hooks.
type stubPolicy struct{}

func (stubPolicy) Classify(eventType, eventCategory, entityType string) (RiskLevel, bool) {
	if eventType == "privacy_request" {
		return RiskCritical, true
	}
	return "", false
}

func (stubPolicy) ClassifyTransaction(transactionType string, amount float64) RiskLevel {
	switch {
	case amount > 10_000:
		return RiskHigh
	case amount > 1_000:
		return RiskMedium
	default:
		return RiskLow
	}
}

func newTestTrail(t *testing.T) *Trail {
	t.Helper()
	store, chain := newTestStore(t)
	trail, err := NewTrail(Options{Store: store, Chain: chain, Policy: stubPolicy{}})
	if err != nil {
		t.Fatal(err)
	}
	return trail
}

func TestNewTrail_RequiresDependencies(t *testing.T) {
	store, chain := newTestStore(t)
	if _, err := NewTrail(Options{Chain: chain}); err == nil {
		t.Error("expected error without store")
	}
	if _, err := NewTrail(Options{Store: store}); err == nil {
		t.Error("expected error without chain")
	}
}

func TestLogEvent_Validation(t *testing.T) {
	trail := newTestTrail(t)
	ctx := context.Background()

	valid := testEventInput(1)

	tests := []struct {
		name   string
		mutate func(*EventInput)
	}{
		{"missing event_type", func(in *EventInput) { in.EventType = "" }},
		{"missing event_category", func(in *EventInput) { in.EventCategory = "" }},
		{"missing event_action", func(in *EventInput) { in.EventAction = "" }},
		{"missing entity_type", func(in *EventInput) { in.EntityType = "" }},
		{"missing entity_id", func(in *EventInput) { in.EntityID = "" }},
		{"missing description", func(in *EventInput) { in.Description = "" }},
		{"bad risk level", func(in *EventInput) { in.RiskLevel = "catastrophic" }},
		{"unserializable payload", func(in *EventInput) { in.Metadata = map[string]any{"ch": make(chan int)} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := valid
			tt.mutate(&in)
			if _, err := trail.LogEvent(ctx, in); err == nil {
				t.Error("expected validation error")
			} else if !IsValidation(err) {
				t.Errorf("expected ValidationError, got %T: %v", err, err)
			}
		})
	}

	// Nothing reached the store.
	n, err := trail.Store().Count(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("rejected inputs must not be stored, count=%d", n)
	}
}

func TestLogEvent_DefaultsAndPolicy(t *testing.T) {
	trail := newTestTrail(t)
	ctx := context.Background()

	t.Run("risk defaults to low", func(t *testing.T) {
		in := testEventInput(1)
		in.RiskLevel = ""
		id, err := trail.LogEvent(ctx, in)
		if err != nil {
			t.Fatal(err)
		}
		events, err := trail.Store().Query(ctx, QueryParams{Limit: 1})
		if err != nil {
			t.Fatal(err)
		}
		if events[0].ID != id || events[0].RiskLevel != RiskLow {
			t.Errorf("got id=%s risk=%s", events[0].ID, events[0].RiskLevel)
		}
	})

	t.Run("policy raises risk", func(t *testing.T) {
		in := testEventInput(2)
		in.EventType = "privacy_request"
		in.RiskLevel = RiskLow
		if _, err := trail.LogEvent(ctx, in); err != nil {
			t.Fatal(err)
		}
		events, err := trail.Store().Query(ctx, QueryParams{EventType: "privacy_request"})
		if err != nil {
			t.Fatal(err)
		}
		if events[0].RiskLevel != RiskCritical {
			t.Errorf("policy rule should raise risk to critical, got %s", events[0].RiskLevel)
		}
	})

	t.Run("policy never lowers risk", func(t *testing.T) {
		in := testEventInput(3)
		in.EventType = "privacy_request"
		in.RiskLevel = RiskCritical
		if _, err := trail.LogEvent(ctx, in); err != nil {
			t.Fatal(err)
		}
		in = testEventInput(4)
		in.RiskLevel = RiskHigh // no rule matches compliance_check
		if _, err := trail.LogEvent(ctx, in); err != nil {
			t.Fatal(err)
		}
		events, err := trail.Store().Query(ctx, QueryParams{EntityID: "claim-4"})
		if err != nil {
			t.Fatal(err)
		}
		if events[0].RiskLevel != RiskHigh {
			t.Errorf("caller's high risk must stand, got %s", events[0].RiskLevel)
		}
	})
}

func TestLogEvent_OnEventCallback(t *testing.T) {
	store, chain := newTestStore(t)
	var seen []Event
	trail, err := NewTrail(Options{
		Store:   store,
		Chain:   chain,
		OnEvent: func(e Event) { seen = append(seen, e) },
	})
	if err != nil {
		t.Fatal(err)
	}

	in := testEventInput(1)
	if _, err := trail.LogEvent(context.Background(), in); err != nil {
		t.Fatal(err)
	}
	if len(seen) != 1 || seen[0].Sequence != 1 || seen[0].ChainHash == "" {
		t.Errorf("callback should receive the committed event, got %+v", seen)
	}
}

func TestLogFinancialTransaction(t *testing.T) {
	trail := newTestTrail(t)
	ctx := context.Background()

	txID, err := trail.LogFinancialTransaction(ctx, TransactionInput{
		TransactionType: "claim_payout",
		Amount:          15_000,
		Currency:        "USD",
		ClaimID:         "claim-77",
		UserID:          "adjuster-3",
		Description:     "approved claim payout",
	})
	if err != nil {
		t.Fatal(err)
	}
	if txID == "" {
		t.Fatal("expected a transaction ID")
	}

	events, err := trail.TransactionTrail(ctx, txID)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	e := events[0]

	if e.EventType != EventTypeFinancialTransaction || e.EventAction != "create" {
		t.Errorf("taxonomy: %s/%s", e.EventType, e.EventAction)
	}
	if !e.FinancialImpact {
		t.Error("financial transactions must carry financial impact")
	}
	// 15,000 exceeds the high threshold.
	if e.RiskLevel != RiskHigh {
		t.Errorf("risk: got %s, want high", e.RiskLevel)
	}
	if e.TransactionID != txID || e.EntityID != txID {
		t.Errorf("transaction identity: tx=%s entity=%s want %s", e.TransactionID, e.EntityID, txID)
	}
	if e.EventData["amount"] != float64(15_000) || e.EventData["status"] != "pending" {
		t.Errorf("event data: %+v", e.EventData)
	}
	if e.EventData["claim_id"] != "claim-77" {
		t.Errorf("claim id: %+v", e.EventData["claim_id"])
	}
}

func TestLogFinancialTransaction_Validation(t *testing.T) {
	trail := newTestTrail(t)
	ctx := context.Background()

	tests := []struct {
		name string
		in   TransactionInput
	}{
		{"missing type", TransactionInput{Amount: 10, Description: "x"}},
		{"negative amount", TransactionInput{TransactionType: "payout", Amount: -1, Description: "x"}},
		{"missing description", TransactionInput{TransactionType: "payout", Amount: 10}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := trail.LogFinancialTransaction(ctx, tt.in); err == nil {
				t.Error("expected validation error")
			} else if !IsValidation(err) {
				t.Errorf("expected ValidationError, got %T", err)
			}
		})
	}
}

func TestLogFinancialTransaction_RiskThresholds(t *testing.T) {
	trail := newTestTrail(t)
	ctx := context.Background()

	tests := []struct {
		amount float64
		want   RiskLevel
	}{
		{500, RiskLow},
		{1_000, RiskLow},
		{1_001, RiskMedium},
		{10_000, RiskMedium},
		{10_001, RiskHigh},
	}
	for _, tt := range tests {
		txID, err := trail.LogFinancialTransaction(ctx, TransactionInput{
			TransactionType: "claim_payout",
			Amount:          tt.amount,
			Currency:        "USD",
			Description:     "payout",
		})
		if err != nil {
			t.Fatal(err)
		}
		events, err := trail.TransactionTrail(ctx, txID)
		if err != nil {
			t.Fatal(err)
		}
		if events[0].RiskLevel != tt.want {
			t.Errorf("amount %.0f: got %s, want %s", tt.amount, events[0].RiskLevel, tt.want)
		}
	}
}

func TestLogFinancialTransaction_NoPolicyFallsBackToDefaults(t *testing.T) {
	// A library caller that wires no policy engine still gets the
	// built-in amount thresholds, not an unconditional low.
	store, chain := newTestStore(t)
	trail, err := NewTrail(Options{Store: store, Chain: chain})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	tests := []struct {
		amount float64
		want   RiskLevel
	}{
		{500, RiskLow},
		{5_000, RiskMedium},
		{15_000, RiskHigh},
	}
	for _, tt := range tests {
		txID, err := trail.LogFinancialTransaction(ctx, TransactionInput{
			TransactionType: "claim_payout",
			Amount:          tt.amount,
			Currency:        "USD",
			Description:     "payout",
		})
		if err != nil {
			t.Fatal(err)
		}
		events, err := trail.TransactionTrail(ctx, txID)
		if err != nil {
			t.Fatal(err)
		}
		if events[0].RiskLevel != tt.want {
			t.Errorf("amount %.0f: got %s, want %s", tt.amount, events[0].RiskLevel, tt.want)
		}
	}
}

func TestUpdateTransactionStatus(t *testing.T) {
	trail := newTestTrail(t)
	ctx := context.Background()

	txID, err := trail.LogFinancialTransaction(ctx, TransactionInput{
		TransactionType: "claim_payout",
		Amount:          2_000,
		Currency:        "USD",
		Description:     "payout",
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := trail.UpdateTransactionStatus(ctx, txID, StatusApproved, "supervisor-1", "within authority"); err != nil {
		t.Fatalf("pending→approved: %v", err)
	}
	if err := trail.UpdateTransactionStatus(ctx, txID, StatusProcessed, "system", "payment executed"); err != nil {
		t.Fatalf("approved→processed: %v", err)
	}

	events, err := trail.TransactionTrail(ctx, txID)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 chained events, got %d", len(events))
	}

	change := events[1]
	if change.EventAction != "status_change" {
		t.Errorf("action: %s", change.EventAction)
	}
	if change.BeforeState["status"] != "pending" || change.AfterState["status"] != "approved" {
		t.Errorf("state transition: before=%+v after=%+v", change.BeforeState, change.AfterState)
	}
	if change.Metadata["reason"] != "within authority" {
		t.Errorf("reason: %+v", change.Metadata)
	}
	// Status changes inherit the original classification.
	if change.RiskLevel != events[0].RiskLevel || change.ControlObjective != events[0].ControlObjective {
		t.Error("status change must inherit the transaction's risk and control objective")
	}
}

func TestUpdateTransactionStatus_Rejections(t *testing.T) {
	trail := newTestTrail(t)
	ctx := context.Background()

	txID, err := trail.LogFinancialTransaction(ctx, TransactionInput{
		TransactionType: "claim_payout",
		Amount:          100,
		Currency:        "USD",
		Description:     "payout",
	})
	if err != nil {
		t.Fatal(err)
	}

	t.Run("unknown transaction", func(t *testing.T) {
		err := trail.UpdateTransactionStatus(ctx, "no-such-tx", StatusApproved, "user", "")
		if !IsValidation(err) {
			t.Errorf("expected ValidationError, got %v", err)
		}
	})

	t.Run("missing updater", func(t *testing.T) {
		err := trail.UpdateTransactionStatus(ctx, txID, StatusApproved, "", "")
		if !IsValidation(err) {
			t.Errorf("expected ValidationError, got %v", err)
		}
	})

	t.Run("illegal transition", func(t *testing.T) {
		// pending → processed skips approval.
		err := trail.UpdateTransactionStatus(ctx, txID, StatusProcessed, "user", "")
		if !IsValidation(err) {
			t.Errorf("expected ValidationError, got %v", err)
		}
	})

	t.Run("terminal states", func(t *testing.T) {
		if err := trail.UpdateTransactionStatus(ctx, txID, StatusFailed, "user", "declined"); err != nil {
			t.Fatal(err)
		}
		err := trail.UpdateTransactionStatus(ctx, txID, StatusApproved, "user", "")
		if !IsValidation(err) {
			t.Errorf("failed is terminal, got %v", err)
		}
	})
}

func TestValidTransition(t *testing.T) {
	tests := []struct {
		from, to TransactionStatus
		want     bool
	}{
		{StatusPending, StatusApproved, true},
		{StatusPending, StatusFailed, true},
		{StatusPending, StatusProcessed, false},
		{StatusPending, StatusReversed, false},
		{StatusApproved, StatusProcessed, true},
		{StatusApproved, StatusFailed, true},
		{StatusApproved, StatusReversed, true},
		{StatusApproved, StatusPending, false},
		{StatusProcessed, StatusReversed, false},
		{StatusFailed, StatusApproved, false},
		{StatusReversed, StatusPending, false},
	}
	for _, tt := range tests {
		if got := ValidTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("%s→%s: got %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}
