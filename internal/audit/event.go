package audit

import (
	"time"
)

// RiskLevel classifies how much scrutiny an event warrants.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// validRiskLevels is the closed set accepted on input.
var validRiskLevels = map[RiskLevel]bool{
	RiskLow:      true,
	RiskMedium:   true,
	RiskHigh:     true,
	RiskCritical: true,
}

// Well-known event types. The taxonomy is open — collaborators may log
// their own types — but these are the ones the platform itself emits.
const (
	EventTypeFinancialTransaction = "financial_transaction"
	EventTypeComplianceCheck      = "compliance_check"
	EventTypeDocumentGeneration   = "document_generation"
	EventTypeUserAction           = "user_action"
)

// TransactionStatus is the lifecycle state of a logged financial transaction.
type TransactionStatus string

const (
	StatusPending   TransactionStatus = "pending"
	StatusApproved  TransactionStatus = "approved"
	StatusProcessed TransactionStatus = "processed"
	StatusFailed    TransactionStatus = "failed"
	StatusReversed  TransactionStatus = "reversed"
)

// transactionTransitions is the allowed status machine. A transaction is
// logged as pending; corrections are new chained events, never mutations.
var transactionTransitions = map[TransactionStatus][]TransactionStatus{
	StatusPending:  {StatusApproved, StatusFailed},
	StatusApproved: {StatusProcessed, StatusFailed, StatusReversed},
}

// Event is a single audit trail record. Immutable once appended: the
// store assigns ID, Sequence, and Timestamp at commit time, computes
// EventHash over the canonical field set, and chains ChainHash to the
// preceding event. Corrections are new events referencing the original
// by EntityID or Metadata.
type Event struct {
	ID       string `json:"id"`
	Sequence uint64 `json:"sequence"`

	EventType     string `json:"event_type"`
	EventCategory string `json:"event_category"`
	EventAction   string `json:"event_action"`

	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`

	UserID        string `json:"user_id,omitempty"`
	SessionID     string `json:"session_id,omitempty"`
	IPAddress     string `json:"ip_address,omitempty"`
	UserAgent     string `json:"user_agent,omitempty"`
	RequestID     string `json:"request_id,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`

	FinancialImpact  bool      `json:"financial_impact"`
	ControlObjective string    `json:"control_objective,omitempty"`
	RiskLevel        RiskLevel `json:"risk_level"`
	Description      string    `json:"description"`

	BeforeState map[string]any `json:"before_state,omitempty"`
	AfterState  map[string]any `json:"after_state,omitempty"`
	EventData   map[string]any `json:"event_data,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`

	// Assigned by the store at commit time — not client-supplied, so
	// events cannot be backdated.
	Timestamp time.Time `json:"timestamp"`

	EventHash string `json:"event_hash"`
	ChainHash string `json:"chain_hash"`

	// Reserved for external signer integration.
	DigitalSignature string `json:"digital_signature,omitempty"`
}

// EventInput is what collaborators supply to LogEvent. Everything the
// store assigns (id, sequence, timestamp, hashes) is absent by design.
type EventInput struct {
	EventType     string `json:"event_type"`
	EventCategory string `json:"event_category"`
	EventAction   string `json:"event_action"`

	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`

	UserID        string `json:"user_id,omitempty"`
	SessionID     string `json:"session_id,omitempty"`
	IPAddress     string `json:"ip_address,omitempty"`
	UserAgent     string `json:"user_agent,omitempty"`
	RequestID     string `json:"request_id,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`

	FinancialImpact  bool      `json:"financial_impact"`
	ControlObjective string    `json:"control_objective,omitempty"`
	RiskLevel        RiskLevel `json:"risk_level,omitempty"`
	Description      string    `json:"description"`

	BeforeState map[string]any `json:"before_state,omitempty"`
	AfterState  map[string]any `json:"after_state,omitempty"`
	EventData   map[string]any `json:"event_data,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// TransactionInput describes a financial transaction to be logged as a
// chained audit event. RiskLevel is derived from the amount by the risk
// policy unless the policy classifies it higher.
type TransactionInput struct {
	TransactionType string         `json:"transaction_type"`
	Amount          float64        `json:"amount"`
	Currency        string         `json:"currency"`
	ClaimID         string         `json:"claim_id,omitempty"`
	PolicyID        string         `json:"policy_id,omitempty"`
	UserID          string         `json:"user_id,omitempty"`
	RequestID       string         `json:"request_id,omitempty"`
	Description     string         `json:"description"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// validate checks the required fields and enum memberships for an event
// input. Rejected inputs never reach the store.
func (in *EventInput) validate() error {
	required := []struct {
		field string
		value string
	}{
		{"event_type", in.EventType},
		{"event_category", in.EventCategory},
		{"event_action", in.EventAction},
		{"entity_type", in.EntityType},
		{"entity_id", in.EntityID},
		{"description", in.Description},
	}
	for _, r := range required {
		if r.value == "" {
			return &ValidationError{Field: r.field, Reason: "required"}
		}
	}

	if in.RiskLevel != "" && !validRiskLevels[in.RiskLevel] {
		return &ValidationError{Field: "risk_level", Reason: "must be one of low, medium, high, critical"}
	}

	for name, m := range map[string]map[string]any{
		"before_state": in.BeforeState,
		"after_state":  in.AfterState,
		"event_data":   in.EventData,
		"metadata":     in.Metadata,
	} {
		if err := checkSerializable(m); err != nil {
			return &ValidationError{Field: name, Reason: err.Error()}
		}
	}

	return nil
}

// event builds the Event the store will finalize. Risk level defaults to
// low when the caller left it unset.
func (in *EventInput) event() *Event {
	risk := in.RiskLevel
	if risk == "" {
		risk = RiskLow
	}
	return &Event{
		EventType:        in.EventType,
		EventCategory:    in.EventCategory,
		EventAction:      in.EventAction,
		EntityType:       in.EntityType,
		EntityID:         in.EntityID,
		UserID:           in.UserID,
		SessionID:        in.SessionID,
		IPAddress:        in.IPAddress,
		UserAgent:        in.UserAgent,
		RequestID:        in.RequestID,
		TransactionID:    in.TransactionID,
		FinancialImpact:  in.FinancialImpact,
		ControlObjective: in.ControlObjective,
		RiskLevel:        risk,
		Description:      in.Description,
		BeforeState:      in.BeforeState,
		AfterState:       in.AfterState,
		EventData:        in.EventData,
		Metadata:         in.Metadata,
	}
}

// ValidTransition reports whether a transaction may move from one status
// to another under the pending → approved → processed/failed/reversed
// machine.
func ValidTransition(from, to TransactionStatus) bool {
	for _, next := range transactionTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
