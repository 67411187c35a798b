// Package policy implements the risk classification policy for audit
// events and financial transactions.
//
// The policy combines amount thresholds (how much money moves) with
// ordered classification rules (glob matchers on the event taxonomy) —
// first matching rule wins, thresholds apply when no rule claims the
// event. Custom rules load from policy.yaml and merge with built-in
// defaults; the file is hot-reloadable via the config watcher, so the
// financial-controls team can tighten thresholds without restarting the
// service.
package policy

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/claimtrail/claimtrail/internal/audit"
)

// Engine evaluates risk policy. Thread-safe: Classify and RiskForAmount
// are called concurrently from API handler goroutines while Reload swaps
// the rule set on policy.yaml changes.
type Engine struct {
	mu          sync.RWMutex
	thresholds  Thresholds
	rules       []Rule // Combined built-in + custom, in evaluation order.
	customCount int
}

// New creates a policy engine, loading custom rules and threshold
// overrides from the given YAML path and merging them with the built-in
// policy. A missing file is not an error — defaults apply.
func New(path string) (*Engine, error) {
	e := &Engine{}
	if err := e.load(path); err != nil {
		return nil, err
	}
	return e, nil
}

// RiskForAmount maps a transaction amount to a risk level using the
// configured thresholds. The default mapping: amounts above the high
// threshold (10,000) are high risk, above the medium threshold (1,000)
// medium, everything else low.
func (e *Engine) RiskForAmount(amount float64) audit.RiskLevel {
	e.mu.RLock()
	defer e.mu.RUnlock()

	switch {
	case amount > e.thresholds.High:
		return audit.RiskHigh
	case amount > e.thresholds.Medium:
		return audit.RiskMedium
	default:
		return audit.RiskLow
	}
}

// Classify evaluates an event's taxonomy against the classification
// rules. The first matching rule wins and returns its risk level; when
// no rule matches, the caller's own risk level stands.
func (e *Engine) Classify(eventType, eventCategory, entityType string) (audit.RiskLevel, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, r := range e.rules {
		if r.matches(eventType, eventCategory, entityType) {
			return r.Risk, true
		}
	}
	return "", false
}

// ClassifyTransaction resolves the risk level for a financial
// transaction: the threshold mapping for the amount, raised to any
// matching rule's level when that level is stricter.
func (e *Engine) ClassifyTransaction(transactionType string, amount float64) audit.RiskLevel {
	risk := e.RiskForAmount(amount)
	if ruled, ok := e.Classify(audit.EventTypeFinancialTransaction, transactionType, ""); ok {
		if riskRank(ruled) > riskRank(risk) {
			risk = ruled
		}
	}
	return risk
}

// ActiveThresholds returns the active amount thresholds.
func (e *Engine) ActiveThresholds() Thresholds {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.thresholds
}

// RuleCount returns the number of active rules (builtin + custom).
func (e *Engine) RuleCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.rules)
}

// Reload reloads the policy from the given YAML path. Called by the
// config watcher when policy.yaml changes. On error the previous policy
// stays active.
func (e *Engine) Reload(path string) error {
	if err := e.load(path); err != nil {
		return err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	slog.Info("risk policy reloaded",
		"rules", len(e.rules), "custom", e.customCount,
		"high_threshold", e.thresholds.High, "medium_threshold", e.thresholds.Medium)
	return nil
}

func (e *Engine) load(path string) error {
	file, err := loadPolicyFile(path)
	if err != nil {
		return err
	}

	thresholds := defaultThresholds()
	if file.Thresholds.High > 0 {
		thresholds.High = file.Thresholds.High
	}
	if file.Thresholds.Medium > 0 {
		thresholds.Medium = file.Thresholds.Medium
	}
	if thresholds.Medium >= thresholds.High {
		return fmt.Errorf("policy %s: medium threshold %.2f must be below high threshold %.2f",
			path, thresholds.Medium, thresholds.High)
	}

	// Custom rules evaluate before built-ins so overrides win.
	combined := make([]Rule, 0, len(file.Rules)+len(builtinRules()))
	for i := range file.Rules {
		if err := compileRule(&file.Rules[i]); err != nil {
			return fmt.Errorf("policy %s: %w", path, err)
		}
		combined = append(combined, file.Rules[i])
	}
	builtins := builtinRules()
	for i := range builtins {
		if err := compileRule(&builtins[i]); err != nil {
			return fmt.Errorf("builtin policy rule: %w", err)
		}
		combined = append(combined, builtins[i])
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.thresholds = thresholds
	e.rules = combined
	e.customCount = len(file.Rules)
	return nil
}

// riskRank orders risk levels for "stricter wins" comparisons.
func riskRank(r audit.RiskLevel) int {
	switch r {
	case audit.RiskCritical:
		return 3
	case audit.RiskHigh:
		return 2
	case audit.RiskMedium:
		return 1
	default:
		return 0
	}
}
