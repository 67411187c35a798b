// Package report provides read-only aggregation over the stored audit
// trail: control-effectiveness summaries for compliance dashboards and
// transaction summaries for the financial-controls team.
//
// Reports never write to the trail and never inspect hashes — integrity
// is the verifier's job. They aggregate over a time range read in one
// snapshot, so a report is internally consistent even while appends
// continue.
package report

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/gobwas/glob"

	"github.com/claimtrail/claimtrail/internal/audit"
)

// EventReader is the slice of the append store reports need.
type EventReader interface {
	ReadRange(ctx context.Context, from, until *time.Time) ([]audit.Event, error)
}

// Reporter aggregates stored events into summaries.
type Reporter struct {
	store EventReader
}

// New creates a Reporter over the given store.
func New(store EventReader) *Reporter {
	return &Reporter{store: store}
}

// ControlSummary aggregates the events evidencing one control objective.
type ControlSummary struct {
	ControlObjective string         `json:"control_objective"`
	TotalEvents      int            `json:"total_events"`
	FinancialEvents  int            `json:"financial_events"`
	RiskCounts       map[string]int `json:"risk_counts"`
	FirstEvent       time.Time      `json:"first_event"`
	LastEvent        time.Time      `json:"last_event"`
}

// ControlEffectiveness groups events by control objective over the given
// range. Events without a control objective are grouped under
// "(unspecified)". An optional glob pattern filters objectives.
func (r *Reporter) ControlEffectiveness(ctx context.Context, from, until *time.Time, objectivePattern string) ([]ControlSummary, error) {
	var matcher glob.Glob
	if objectivePattern != "" {
		g, err := glob.Compile(objectivePattern)
		if err != nil {
			return nil, fmt.Errorf("invalid objective pattern %q: %w", objectivePattern, err)
		}
		matcher = g
	}

	events, err := r.store.ReadRange(ctx, from, until)
	if err != nil {
		return nil, err
	}

	byObjective := make(map[string]*ControlSummary)
	for _, e := range events {
		objective := e.ControlObjective
		if objective == "" {
			objective = "(unspecified)"
		}
		if matcher != nil && !matcher.Match(objective) {
			continue
		}

		s, ok := byObjective[objective]
		if !ok {
			s = &ControlSummary{
				ControlObjective: objective,
				RiskCounts:       make(map[string]int),
				FirstEvent:       e.Timestamp,
			}
			byObjective[objective] = s
		}

		s.TotalEvents++
		if e.FinancialImpact {
			s.FinancialEvents++
		}
		s.RiskCounts[string(e.RiskLevel)]++
		if e.Timestamp.Before(s.FirstEvent) {
			s.FirstEvent = e.Timestamp
		}
		if e.Timestamp.After(s.LastEvent) {
			s.LastEvent = e.Timestamp
		}
	}

	summaries := make([]ControlSummary, 0, len(byObjective))
	for _, s := range byObjective {
		summaries = append(summaries, *s)
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].ControlObjective < summaries[j].ControlObjective
	})
	return summaries, nil
}

// StatusSummary aggregates transactions currently in one status.
type StatusSummary struct {
	Status      string  `json:"status"`
	Count       int     `json:"count"`
	TotalAmount float64 `json:"total_amount"`
}

// TransactionReport summarizes logged financial transactions.
type TransactionReport struct {
	TotalTransactions int             `json:"total_transactions"`
	TotalAmount       float64         `json:"total_amount"`
	HighRiskCount     int             `json:"high_risk_count"`
	ByStatus          []StatusSummary `json:"by_status"`
}

// TransactionSummary aggregates financial transactions over the given
// range: counts and amounts per current status, plus totals. A
// transaction's current status is its latest status-change event, or
// pending when only the creation event exists.
func (r *Reporter) TransactionSummary(ctx context.Context, from, until *time.Time) (TransactionReport, error) {
	events, err := r.store.ReadRange(ctx, from, until)
	if err != nil {
		return TransactionReport{}, err
	}

	type txState struct {
		amount   float64
		status   string
		highRisk bool
	}
	transactions := make(map[string]*txState)

	// Events arrive in sequence order, so the last status_change seen
	// for a transaction is its current status.
	for _, e := range events {
		if e.EventType != audit.EventTypeFinancialTransaction || e.TransactionID == "" {
			continue
		}
		switch e.EventAction {
		case "create":
			state := &txState{status: string(audit.StatusPending)}
			if amount, ok := e.EventData["amount"].(float64); ok {
				state.amount = amount
			}
			if s, ok := e.EventData["status"].(string); ok {
				state.status = s
			}
			state.highRisk = e.RiskLevel == audit.RiskHigh || e.RiskLevel == audit.RiskCritical
			transactions[e.TransactionID] = state
		case "status_change":
			state, ok := transactions[e.TransactionID]
			if !ok {
				// Creation event predates the range; track what we see.
				state = &txState{}
				transactions[e.TransactionID] = state
			}
			if s, ok := e.AfterState["status"].(string); ok {
				state.status = s
			}
		}
	}

	report := TransactionReport{}
	byStatus := make(map[string]*StatusSummary)
	for _, state := range transactions {
		report.TotalTransactions++
		report.TotalAmount += state.amount
		if state.highRisk {
			report.HighRiskCount++
		}

		s, ok := byStatus[state.status]
		if !ok {
			s = &StatusSummary{Status: state.status}
			byStatus[state.status] = s
		}
		s.Count++
		s.TotalAmount += state.amount
	}

	report.ByStatus = make([]StatusSummary, 0, len(byStatus))
	for _, s := range byStatus {
		report.ByStatus = append(report.ByStatus, *s)
	}
	sort.Slice(report.ByStatus, func(i, j int) bool {
		return report.ByStatus[i].Status < report.ByStatus[j].Status
	})
	return report, nil
}
