package rule

import (
	"cmp"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
)

// Set is the ordered collection of admission rules. Mutable only through
// Add and Remove; evaluation is read-only and safe for concurrent use.
type Set struct {
	mu    sync.RWMutex
	rules map[string]Rule
}

// NewSet creates an empty rule set.
func NewSet() *Set {
	return &Set{rules: make(map[string]Rule)}
}

// Add validates and inserts a rule, replacing any rule with the same ID.
func (s *Set) Add(r Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[r.ID] = r
	return nil
}

// Remove deletes a rule by ID. Removing an absent rule is an error so
// configuration drift surfaces instead of passing silently.
func (s *Set) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rules[id]; !ok {
		return fmt.Errorf("rule: remove: unknown rule %q", id)
	}
	delete(s.rules, id)
	return nil
}

// All returns every rule sorted by ascending priority, ID as tie-break.
func (s *Set) All() []Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Rule, 0, len(s.rules))
	for _, r := range s.rules {
		out = append(out, r)
	}
	sortRules(out)
	return out
}

// Evaluate returns every enabled rule whose conditions all hold against the
// request, sorted by ascending priority. All matches are returned, not just
// the best one: downstream each match becomes a sequential approval gate.
func (s *Set) Evaluate(req Request) []Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []Rule
	for _, r := range s.rules {
		if !r.Enabled {
			continue
		}
		if matches(r, req) {
			matched = append(matched, r)
		}
	}
	sortRules(matched)
	return matched
}

func sortRules(rules []Rule) {
	slices.SortFunc(rules, func(a, b Rule) int {
		if c := cmp.Compare(a.Priority, b.Priority); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

func matches(r Rule, req Request) bool {
	for _, c := range r.Conditions {
		if !c.holds(req) {
			return false
		}
	}
	return true
}

func (c Condition) holds(req Request) bool {
	actual, ordinal := fieldValue(c.Field, req)
	expected := valueString(c.Value)

	switch c.Operator {
	case OpEquals:
		return strings.EqualFold(actual, expected)
	case OpNotEquals:
		return !strings.EqualFold(actual, expected)
	case OpContains:
		return strings.Contains(strings.ToLower(actual), strings.ToLower(expected))
	case OpGreaterThan:
		want, ok := conditionOrdinal(c.Field, c.Value)
		return ok && ordinal > want
	case OpLessThan:
		want, ok := conditionOrdinal(c.Field, c.Value)
		return ok && ordinal < want
	case OpInRange:
		lo, hi, err := rangeBounds(c.Value)
		if err != nil {
			return false
		}
		return ordinal >= lo && ordinal <= hi
	default:
		return false
	}
}

// fieldValue extracts the string form and the numeric ordinal of a request
// field. Risk tiers order by rank; other fields parse as numbers when the
// operator needs ordering.
func fieldValue(f Field, req Request) (string, float64) {
	switch f {
	case FieldRiskTier:
		return string(req.RiskTier), float64(req.RiskTier.Rank())
	case FieldRole:
		return req.Role, parseNumber(req.Role)
	case FieldCategory:
		return string(req.Category), parseNumber(string(req.Category))
	default:
		return "", 0
	}
}

// conditionOrdinal converts a condition value into the same ordinal space
// as fieldValue. For risk_tier the value may be a tier name.
func conditionOrdinal(f Field, v any) (float64, bool) {
	s := valueString(v)
	if f == FieldRiskTier {
		switch strings.ToLower(s) {
		case "low":
			return 0, true
		case "medium":
			return 1, true
		case "high":
			return 2, true
		}
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func rangeBounds(v any) (float64, float64, error) {
	pair, ok := v.([]any)
	if !ok || len(pair) != 2 {
		return 0, 0, fmt.Errorf("in_range value must be [min, max]")
	}
	lo, okLo := toFloat(pair[0])
	hi, okHi := toFloat(pair[1])
	if !okLo || !okHi {
		return 0, 0, fmt.Errorf("in_range bounds must be numeric")
	}
	if lo > hi {
		return 0, 0, fmt.Errorf("in_range min exceeds max")
	}
	return lo, hi, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func parseNumber(s string) float64 {
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return n
}

func valueString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case fmt.Stringer:
		return s.String()
	default:
		return fmt.Sprint(v)
	}
}
