package scheduling

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"sort"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// TransitionRule maps to the appointment_state_transitions table. A nil FromState
// is a wildcard matching any current status.
type TransitionRule struct {
	ID             uuid.UUID `db:"id" json:"id"`
	FromState      *Status   `db:"from_state" json:"from_state"`
	ToState        Status    `db:"to_state" json:"to_state"`
	RequiresReason bool      `db:"requires_reason" json:"requires_reason"`
	RoleRequired   *string   `db:"role_required" json:"role_required,omitempty"`
	Description    *string   `db:"description" json:"description,omitempty"`
}

type ruleKey struct {
	from Status
	to   Status
}

// RuleTable is an immutable lookup over a set of transition rules.
type RuleTable struct {
	exact    map[ruleKey]TransitionRule
	wildcard map[Status]TransitionRule
	rules    []TransitionRule
}

// NewRuleTable validates rules and indexes them by (from, to).
func NewRuleTable(rules []TransitionRule) (*RuleTable, error) {
	t := &RuleTable{
		exact:    make(map[ruleKey]TransitionRule, len(rules)),
		wildcard: make(map[Status]TransitionRule),
		rules:    make([]TransitionRule, 0, len(rules)),
	}
	for _, r := range rules {
		if !r.ToState.Valid() {
			return nil, fmt.Errorf("transition rule: invalid to_state %q", r.ToState)
		}
		if r.FromState == nil {
			if _, dup := t.wildcard[r.ToState]; dup {
				return nil, fmt.Errorf("transition rule: duplicate wildcard rule to %s", r.ToState)
			}
			t.wildcard[r.ToState] = r
		} else {
			if !r.FromState.Valid() {
				return nil, fmt.Errorf("transition rule: invalid from_state %q", *r.FromState)
			}
			k := ruleKey{from: *r.FromState, to: r.ToState}
			if _, dup := t.exact[k]; dup {
				return nil, fmt.Errorf("transition rule: duplicate rule %s -> %s", k.from, k.to)
			}
			t.exact[k] = r
		}
		t.rules = append(t.rules, r)
	}
	return t, nil
}

// Lookup finds the rule permitting from -> to. Exact rules win over wildcards.
func (t *RuleTable) Lookup(from, to Status) (TransitionRule, bool) {
	if r, ok := t.exact[ruleKey{from: from, to: to}]; ok {
		return r, true
	}
	r, ok := t.wildcard[to]
	return r, ok
}

// Targets lists the states reachable from the given one, in lifecycle order.
func (t *RuleTable) Targets(from Status) []Status {
	var out []Status
	for _, to := range AllStatuses {
		if _, ok := t.Lookup(from, to); ok {
			out = append(out, to)
		}
	}
	return out
}

// Rules returns a copy of the rules, sorted by from then to state.
func (t *RuleTable) Rules() []TransitionRule {
	out := make([]TransitionRule, len(t.rules))
	copy(out, t.rules)
	sort.SliceStable(out, func(i, j int) bool {
		fi, fj := fromKey(out[i]), fromKey(out[j])
		if fi != fj {
			return fi < fj
		}
		return out[i].ToState < out[j].ToState
	})
	return out
}

func (t *RuleTable) Len() int { return len(t.rules) }

func fromKey(r TransitionRule) string {
	if r.FromState == nil {
		return "*"
	}
	return string(*r.FromState)
}

// RuleSource yields the transition rules in force.
type RuleSource interface {
	Rules(ctx context.Context) (*RuleTable, error)
}

// StaticRuleSource serves a table fixed at construction time.
type StaticRuleSource struct {
	table *RuleTable
}

func NewStaticRuleSource(table *RuleTable) *StaticRuleSource {
	return &StaticRuleSource{table: table}
}

func (s *StaticRuleSource) Rules(context.Context) (*RuleTable, error) {
	return s.table, nil
}

//go:embed default_rules.yaml
var defaultRulesYAML []byte

type rulesFile struct {
	Rules []struct {
		From           string `yaml:"from"`
		To             string `yaml:"to"`
		RequiresReason bool   `yaml:"requires_reason"`
		Role           string `yaml:"role"`
		Description    string `yaml:"description"`
	} `yaml:"rules"`
}

// ParseRules decodes a YAML rules document.
func ParseRules(data []byte) ([]TransitionRule, error) {
	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse transition rules: %w", err)
	}

	rules := make([]TransitionRule, 0, len(f.Rules))
	for i, fr := range f.Rules {
		to, err := ParseStatus(fr.To)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		r := TransitionRule{
			ID:             uuid.New(),
			ToState:        to,
			RequiresReason: fr.RequiresReason,
			RoleRequired:   optionalString(fr.Role),
			Description:    optionalString(fr.Description),
		}
		if fr.From != "" && fr.From != "*" {
			from, err := ParseStatus(fr.From)
			if err != nil {
				return nil, fmt.Errorf("rule %d: %w", i, err)
			}
			r.FromState = &from
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// LoadRulesFile reads rules from a YAML file on disk.
func LoadRulesFile(path string) ([]TransitionRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	return ParseRules(data)
}

// DefaultRules returns the policy shipped with the service.
func DefaultRules() []TransitionRule {
	rules, err := ParseRules(defaultRulesYAML)
	if err != nil {
		panic(fmt.Sprintf("scheduling: embedded default rules are invalid: %v", err))
	}
	return rules
}
