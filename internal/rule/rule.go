// Package rule implements the declarative approval rule set. Rules map
// conditions over a request (risk tier, requester role, tool category) to
// an admission action: auto-approve, require human approvers, or deny.
package rule

import (
	"fmt"
	"strings"
	"time"

	"github.com/toolgate/toolgate/internal/risk"
	"github.com/toolgate/toolgate/internal/tool"
)

// Field identifies the request attribute a condition inspects.
type Field string

// Condition fields.
const (
	FieldRiskTier Field = "risk_tier"
	FieldRole     Field = "role"
	FieldCategory Field = "category"
)

// Operator is the comparison applied between the request field and the
// condition value.
type Operator string

// Condition operators.
const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpContains    Operator = "contains"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpInRange     Operator = "in_range"
)

// Decision is the action a matching rule prescribes.
type Decision string

// Rule decisions.
const (
	DecisionAutoApprove     Decision = "auto_approve"
	DecisionRequireApproval Decision = "require_approval"
	DecisionDeny            Decision = "deny"
)

// Condition is one predicate over a request attribute. For in_range the
// value must be a two-element slice [min, max]; for ordered operators on
// risk_tier the tier rank (low < medium < high) is compared.
type Condition struct {
	Field    Field    `yaml:"field" json:"field"`
	Operator Operator `yaml:"operator" json:"operator"`
	Value    any      `yaml:"value" json:"value"`
}

// Action is what happens when a rule matches.
type Action struct {
	Decision  Decision      `yaml:"decision" json:"decision"`
	Approvers []string      `yaml:"approvers,omitempty" json:"approvers,omitempty"`
	Timeout   time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// EscalateTo, when non-empty, is the replacement approver set used if
	// the step stalls and is explicitly escalated.
	EscalateTo []string `yaml:"escalate_to,omitempty" json:"escalate_to,omitempty"`

	// Channels are notification channels to alert when the step opens.
	Channels []string `yaml:"channels,omitempty" json:"channels,omitempty"`

	// Unanimous requires every listed approver to approve before the step
	// is satisfied. Default is OR semantics: one qualifying approval wins.
	Unanimous bool `yaml:"unanimous,omitempty" json:"unanimous,omitempty"`
}

// Rule is one declarative admission rule. Lower priority runs first.
type Rule struct {
	ID         string      `yaml:"id" json:"id"`
	Name       string      `yaml:"name,omitempty" json:"name,omitempty"`
	Conditions []Condition `yaml:"conditions" json:"conditions"`
	Action     Action      `yaml:"action" json:"action"`
	Priority   int         `yaml:"priority" json:"priority"`
	Enabled    bool        `yaml:"enabled" json:"enabled"`
}

// Request is the evaluation input derived from one proposed execution.
type Request struct {
	RiskTier risk.Tier
	Role     string
	Category tool.Category
}

// Validate checks a rule for structural problems before it is added.
func (r Rule) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("rule: id is required")
	}
	switch r.Action.Decision {
	case DecisionAutoApprove, DecisionRequireApproval, DecisionDeny:
	default:
		return fmt.Errorf("rule %s: invalid decision %q", r.ID, r.Action.Decision)
	}
	if r.Action.Decision == DecisionRequireApproval && len(r.Action.Approvers) == 0 {
		return fmt.Errorf("rule %s: require_approval needs at least one approver", r.ID)
	}
	for i, c := range r.Conditions {
		if err := c.validate(); err != nil {
			return fmt.Errorf("rule %s: condition %d: %w", r.ID, i, err)
		}
	}
	return nil
}

func (c Condition) validate() error {
	switch c.Field {
	case FieldRiskTier, FieldRole, FieldCategory:
	default:
		return fmt.Errorf("unknown field %q", c.Field)
	}
	switch c.Operator {
	case OpEquals, OpNotEquals, OpContains, OpGreaterThan, OpLessThan:
	case OpInRange:
		if _, _, err := rangeBounds(c.Value); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown operator %q", c.Operator)
	}
	return nil
}
