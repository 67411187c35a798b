package policy

import (
	"fmt"
	"os"

	"github.com/gobwas/glob"
	"gopkg.in/yaml.v3"

	"github.com/claimtrail/claimtrail/internal/audit"
)

// Thresholds maps transaction amounts to risk levels. Amounts above High
// are high risk, above Medium are medium, the rest low. Critical is never
// assigned by amount — only by classification rules.
type Thresholds struct {
	High   float64 `yaml:"high"`
	Medium float64 `yaml:"medium"`
}

// defaultThresholds are the platform defaults the financial-controls
// team can override in policy.yaml.
func defaultThresholds() Thresholds {
	return Thresholds{High: 10_000, Medium: 1_000}
}

// Rule assigns a risk level to events whose taxonomy matches. All
// non-empty patterns must match (AND); patterns are globs, so
// "privacy_*" covers the whole privacy-request family.
type Rule struct {
	Name          string          `yaml:"name"`
	EventType     string          `yaml:"event_type"`
	EventCategory string          `yaml:"event_category"`
	EntityType    string          `yaml:"entity_type"`
	Risk          audit.RiskLevel `yaml:"risk"`

	eventType     glob.Glob
	eventCategory glob.Glob
	entityType    glob.Glob
}

// compileRule validates the rule and pre-compiles its glob patterns.
func compileRule(r *Rule) error {
	if r.Name == "" {
		return fmt.Errorf("policy rule must have a name")
	}
	switch r.Risk {
	case audit.RiskLow, audit.RiskMedium, audit.RiskHigh, audit.RiskCritical:
	default:
		return fmt.Errorf("rule %q: risk must be one of low, medium, high, critical", r.Name)
	}
	if r.EventType == "" && r.EventCategory == "" && r.EntityType == "" {
		return fmt.Errorf("rule %q: at least one match pattern is required", r.Name)
	}

	var err error
	if r.EventType != "" {
		if r.eventType, err = glob.Compile(r.EventType); err != nil {
			return fmt.Errorf("rule %q: invalid event_type glob %q: %w", r.Name, r.EventType, err)
		}
	}
	if r.EventCategory != "" {
		if r.eventCategory, err = glob.Compile(r.EventCategory); err != nil {
			return fmt.Errorf("rule %q: invalid event_category glob %q: %w", r.Name, r.EventCategory, err)
		}
	}
	if r.EntityType != "" {
		if r.entityType, err = glob.Compile(r.EntityType); err != nil {
			return fmt.Errorf("rule %q: invalid entity_type glob %q: %w", r.Name, r.EntityType, err)
		}
	}
	return nil
}

// matches checks the rule's compiled patterns against an event taxonomy.
func (r *Rule) matches(eventType, eventCategory, entityType string) bool {
	if r.eventType != nil && !r.eventType.Match(eventType) {
		return false
	}
	if r.eventCategory != nil && !r.eventCategory.Match(eventCategory) {
		return false
	}
	if r.entityType != nil && !r.entityType.Match(entityType) {
		return false
	}
	return true
}

// builtinRules are always active, evaluated after any custom rules.
// They encode the compliance floor: privacy-request handling and audit
// configuration changes are never low risk.
func builtinRules() []Rule {
	return []Rule{
		{
			Name:      "privacy-requests-critical",
			EventType: "privacy_*",
			Risk:      audit.RiskCritical,
		},
		{
			Name:          "audit-config-changes-high",
			EventType:     "configuration_change",
			EventCategory: "audit_*",
			Risk:          audit.RiskHigh,
		},
		{
			Name:       "regulatory-reports-high",
			EntityType: "regulatory_report",
			Risk:       audit.RiskHigh,
		},
	}
}

// policyFile is the YAML envelope for policy.yaml.
type policyFile struct {
	Thresholds Thresholds `yaml:"thresholds"`
	Rules      []Rule     `yaml:"rules"`
}

// loadPolicyFile reads policy.yaml. A missing or empty file returns the
// zero value (defaults apply).
func loadPolicyFile(path string) (policyFile, error) {
	var file policyFile

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return file, nil
		}
		return file, fmt.Errorf("reading policy %s: %w", path, err)
	}
	if len(data) == 0 {
		return file, nil
	}

	if err := yaml.Unmarshal(data, &file); err != nil {
		return file, fmt.Errorf("parsing policy %s: %w", path, err)
	}
	return file, nil
}

// WriteDefault writes a commented policy.yaml with the default
// thresholds. Used by first-run setup.
func WriteDefault(path string) error {
	file := policyFile{Thresholds: defaultThresholds()}
	data, err := yaml.Marshal(&file)
	if err != nil {
		return fmt.Errorf("marshaling default policy: %w", err)
	}

	header := `# ClaimTrail Risk Policy
#
# thresholds:
#   high:   Transaction amounts above this are high risk (default 10000)
#   medium: Transaction amounts above this are medium risk (default 1000)
#
# rules:
#   - name: custom rule name
#     event_type: "privacy_*"      # glob on event type
#     event_category: "*"          # glob on event category
#     entity_type: "claim"         # glob on entity type
#     risk: critical               # low | medium | high | critical
#
# Custom rules evaluate before built-ins; first match wins.

`
	return os.WriteFile(path, []byte(header+string(data)), 0o644)
}
