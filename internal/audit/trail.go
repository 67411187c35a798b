package audit

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// RiskPolicy resolves risk levels for events and transactions. Satisfied
// by policy.Engine; injected so the trail never hardcodes thresholds the
// financial-controls team owns.
type RiskPolicy interface {
	// Classify returns the policy risk level for an event taxonomy,
	// and whether any rule matched.
	Classify(eventType, eventCategory, entityType string) (RiskLevel, bool)

	// ClassifyTransaction resolves the risk level for a financial
	// transaction from its type and amount.
	ClassifyTransaction(transactionType string, amount float64) RiskLevel
}

// Options holds the dependencies injected into a Trail.
type Options struct {
	Store  *Store
	Chain  *Chain
	Policy RiskPolicy

	// OnEvent, if set, is called after every committed append. Used to
	// feed the dashboard's live WebSocket feed. Must not block.
	OnEvent func(Event)
}

// Trail is the public write surface of the audit subsystem. All
// collaborators log through a Trail instance; there is no package-level
// singleton. Safe for concurrent use — the store serializes appends.
type Trail struct {
	store   *Store
	chain   *Chain
	policy  RiskPolicy
	onEvent func(Event)
}

// Built-in amount thresholds, applied when no policy engine is
// injected. The policy engine ships the same defaults and adds
// classification rules and hot-reload on top.
const (
	defaultHighRiskAmount   = 10_000
	defaultMediumRiskAmount = 1_000
)

func defaultRiskForAmount(amount float64) RiskLevel {
	switch {
	case amount > defaultHighRiskAmount:
		return RiskHigh
	case amount > defaultMediumRiskAmount:
		return RiskMedium
	default:
		return RiskLow
	}
}

// NewTrail wires a Trail from its dependencies. Store and Chain are
// required; Policy is optional (without one, event risk levels stand as
// supplied and transactions fall back to the built-in amount
// thresholds).
func NewTrail(opts Options) (*Trail, error) {
	if opts.Store == nil {
		return nil, &ConfigurationError{Setting: "store", Reason: "required"}
	}
	if opts.Chain == nil {
		return nil, &ConfigurationError{Setting: "chain", Reason: "required"}
	}
	return &Trail{
		store:   opts.Store,
		chain:   opts.Chain,
		policy:  opts.Policy,
		onEvent: opts.OnEvent,
	}, nil
}

// Store returns the underlying append store, for read-only consumers
// (verifier, reports, dashboard).
func (t *Trail) Store() *Store {
	return t.store
}

// LogEvent validates, chains, and durably appends one audit event,
// returning the store-assigned event ID. Either the full chained row
// commits or nothing does; a caller that receives an error must treat
// the business action as not yet provably recorded.
func (t *Trail) LogEvent(ctx context.Context, in EventInput) (string, error) {
	if err := in.validate(); err != nil {
		return "", err
	}

	e := in.event()

	// Policy rules may raise (never lower) the caller's risk level —
	// e.g. privacy-request events are always critical.
	if t.policy != nil {
		if ruled, ok := t.policy.Classify(e.EventType, e.EventCategory, e.EntityType); ok {
			if riskOrder(ruled) > riskOrder(e.RiskLevel) {
				e.RiskLevel = ruled
			}
		}
	}

	if err := t.store.Append(ctx, e); err != nil {
		return "", err
	}

	slog.Debug("audit event logged",
		"event_id", e.ID, "sequence", e.Sequence,
		"type", e.EventType, "risk", e.RiskLevel)

	if t.onEvent != nil {
		t.onEvent(*e)
	}
	return e.ID, nil
}

// LogFinancialTransaction logs a financial transaction as a chained
// audit event and returns the assigned transaction ID. The risk level
// comes from the risk policy's amount thresholds (>10,000 high, >1,000
// medium by default) and classification rules.
func (t *Trail) LogFinancialTransaction(ctx context.Context, in TransactionInput) (string, error) {
	if in.TransactionType == "" {
		return "", &ValidationError{Field: "transaction_type", Reason: "required"}
	}
	if in.Amount < 0 {
		return "", &ValidationError{Field: "amount", Reason: "must not be negative"}
	}
	if in.Description == "" {
		return "", &ValidationError{Field: "description", Reason: "required"}
	}

	risk := defaultRiskForAmount(in.Amount)
	if t.policy != nil {
		risk = t.policy.ClassifyTransaction(in.TransactionType, in.Amount)
	}

	transactionID := uuid.NewString()

	eventData := map[string]any{
		"transaction_type": in.TransactionType,
		"amount":           in.Amount,
		"currency":         in.Currency,
		"status":           string(StatusPending),
	}
	if in.ClaimID != "" {
		eventData["claim_id"] = in.ClaimID
	}
	if in.PolicyID != "" {
		eventData["policy_id"] = in.PolicyID
	}

	_, err := t.LogEvent(ctx, EventInput{
		EventType:        EventTypeFinancialTransaction,
		EventCategory:    "transaction_processing",
		EventAction:      "create",
		EntityType:       "financial_transaction",
		EntityID:         transactionID,
		UserID:           in.UserID,
		RequestID:        in.RequestID,
		TransactionID:    transactionID,
		FinancialImpact:  true,
		ControlObjective: "Financial transactions are recorded completely and accurately",
		RiskLevel:        risk,
		Description:      in.Description,
		EventData:        eventData,
		Metadata:         in.Metadata,
	})
	if err != nil {
		return "", err
	}
	return transactionID, nil
}

// UpdateTransactionStatus records a status transition for a previously
// logged transaction as a new chained event. The original event is never
// touched; the transaction's trail is the ordered set of events sharing
// its transaction ID.
func (t *Trail) UpdateTransactionStatus(ctx context.Context, transactionID string, status TransactionStatus, updatedBy, reason string) error {
	if transactionID == "" {
		return &ValidationError{Field: "transaction_id", Reason: "required"}
	}
	if updatedBy == "" {
		return &ValidationError{Field: "updated_by", Reason: "required"}
	}

	trail, err := t.store.TransactionEvents(ctx, transactionID)
	if err != nil {
		return err
	}
	if len(trail) == 0 {
		return &ValidationError{Field: "transaction_id", Reason: fmt.Sprintf("transaction %s not found", transactionID)}
	}

	current := transactionStatus(trail)
	if !ValidTransition(current, status) {
		return &ValidationError{
			Field:  "status",
			Reason: fmt.Sprintf("cannot transition from %s to %s", current, status),
		}
	}

	// Status changes inherit the transaction's original risk level.
	original := trail[0]

	_, err = t.LogEvent(ctx, EventInput{
		EventType:        EventTypeFinancialTransaction,
		EventCategory:    "transaction_processing",
		EventAction:      "status_change",
		EntityType:       "financial_transaction",
		EntityID:         transactionID,
		UserID:           updatedBy,
		TransactionID:    transactionID,
		FinancialImpact:  true,
		ControlObjective: original.ControlObjective,
		RiskLevel:        original.RiskLevel,
		Description:      fmt.Sprintf("transaction status changed from %s to %s", current, status),
		BeforeState:      map[string]any{"status": string(current)},
		AfterState:       map[string]any{"status": string(status)},
		Metadata:         map[string]any{"reason": reason},
	})
	return err
}

// TransactionTrail returns the chained events for one transaction in
// append order: the original logging event plus every status change.
func (t *Trail) TransactionTrail(ctx context.Context, transactionID string) ([]Event, error) {
	return t.store.TransactionEvents(ctx, transactionID)
}

// transactionStatus derives a transaction's current status from its
// trail: the after_state of the latest status change, or pending when
// only the original event exists.
func transactionStatus(trail []Event) TransactionStatus {
	for i := len(trail) - 1; i >= 0; i-- {
		e := trail[i]
		if e.EventAction == "status_change" {
			if s, ok := e.AfterState["status"].(string); ok {
				return TransactionStatus(s)
			}
		}
		if e.EventAction == "create" {
			if s, ok := e.EventData["status"].(string); ok {
				return TransactionStatus(s)
			}
		}
	}
	return StatusPending
}

// riskOrder orders risk levels so "stricter wins" comparisons read
// naturally.
func riskOrder(r RiskLevel) int {
	switch r {
	case RiskCritical:
		return 3
	case RiskHigh:
		return 2
	case RiskMedium:
		return 1
	default:
		return 0
	}
}
