package abac

import (
	"bytes"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/cuemby/bastion/pkg/types"
	"gopkg.in/yaml.v3"
)

// Operator is a comparison operator usable in a rule condition
type Operator string

const (
	OpEq       Operator = "eq"
	OpNe       Operator = "ne"
	OpLt       Operator = "lt"
	OpLe       Operator = "le"
	OpGt       Operator = "gt"
	OpGe       Operator = "ge"
	OpIn       Operator = "in"
	OpContains Operator = "contains"
	OpMatches  Operator = "matches"
)

var validOperators = map[Operator]bool{
	OpEq: true, OpNe: true, OpLt: true, OpLe: true,
	OpGt: true, OpGe: true, OpIn: true, OpContains: true, OpMatches: true,
}

// Policy is an ordered list of rules with an effect and priority. Higher
// priority policies are evaluated first.
type Policy struct {
	Name     string
	Effect   types.Effect
	Priority int
	Active   bool
	Rules    []*Rule
}

// Rule is one boolean expression over named attributes. A policy matches
// when all of its rules evaluate to true.
type Rule struct {
	ID        string
	Condition *Condition
}

// RequiredAttrs lists the attribute references the rule's condition reads
func (r *Rule) RequiredAttrs() []string {
	seen := make(map[string]bool)
	collectAttrs(r.Condition, seen)

	attrs := make([]string, 0, len(seen))
	for a := range seen {
		attrs = append(attrs, a)
	}
	sort.Strings(attrs)
	return attrs
}

func collectAttrs(c *Condition, seen map[string]bool) {
	if c == nil {
		return
	}
	if c.Attr != "" {
		seen[c.Attr] = true
	}
	if c.ValueRef != "" {
		seen[c.ValueRef] = true
	}
	for i := range c.All {
		collectAttrs(&c.All[i], seen)
	}
	for i := range c.Any {
		collectAttrs(&c.Any[i], seen)
	}
	collectAttrs(c.Not, seen)
}

// Condition is a node in a boolean expression tree: exactly one of All
// (AND), Any (OR), Not, or a leaf comparison must be set
type Condition struct {
	All []Condition `yaml:"all,omitempty"`
	Any []Condition `yaml:"any,omitempty"`
	Not *Condition  `yaml:"not,omitempty"`

	Attr     string      `yaml:"attr,omitempty"`
	Op       Operator    `yaml:"op,omitempty"`
	Value    interface{} `yaml:"value,omitempty"`
	ValueRef string      `yaml:"value_ref,omitempty"`

	// populated during validation
	literal types.AttrValue
	regex   *regexp.Regexp
}

// policyDoc is the on-disk policy source format; strict decoding rejects
// unknown fields
type policyDoc struct {
	Policies []policySpec `yaml:"policies"`
}

type policySpec struct {
	Name     string     `yaml:"name"`
	Effect   string     `yaml:"effect"`
	Priority int        `yaml:"priority"`
	Active   *bool      `yaml:"active"`
	Rules    []ruleSpec `yaml:"rules"`
}

type ruleSpec struct {
	ID        string    `yaml:"id,omitempty"`
	Condition Condition `yaml:",inline"`
}

// ParsePolicies parses and validates the YAML policy source. A single
// malformed policy rejects the whole document.
func ParsePolicies(data []byte) ([]*Policy, error) {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)

	var doc policyDoc
	if err := decoder.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to parse policy source: %w", err)
	}
	if len(doc.Policies) == 0 {
		return nil, fmt.Errorf("policy source defines no policies")
	}

	seen := make(map[string]bool)
	policies := make([]*Policy, 0, len(doc.Policies))
	for i, spec := range doc.Policies {
		policy, err := buildPolicy(spec)
		if err != nil {
			return nil, fmt.Errorf("policy %d (%q): %w", i, spec.Name, err)
		}
		if seen[policy.Name] {
			return nil, fmt.Errorf("duplicate policy name %q", policy.Name)
		}
		seen[policy.Name] = true
		policies = append(policies, policy)
	}
	return policies, nil
}

func buildPolicy(spec policySpec) (*Policy, error) {
	if spec.Name == "" {
		return nil, fmt.Errorf("policy name cannot be empty")
	}

	var effect types.Effect
	switch strings.ToLower(spec.Effect) {
	case "allow":
		effect = types.EffectAllow
	case "deny":
		effect = types.EffectDeny
	default:
		return nil, fmt.Errorf("invalid effect %q: expected allow or deny", spec.Effect)
	}

	if len(spec.Rules) == 0 {
		return nil, fmt.Errorf("policy has no rules")
	}

	active := true
	if spec.Active != nil {
		active = *spec.Active
	}

	rules := make([]*Rule, 0, len(spec.Rules))
	for i, rs := range spec.Rules {
		id := rs.ID
		if id == "" {
			id = fmt.Sprintf("%s/rule-%d", spec.Name, i)
		}
		cond := rs.Condition
		if err := validateCondition(&cond); err != nil {
			return nil, fmt.Errorf("rule %q: %w", id, err)
		}
		rules = append(rules, &Rule{ID: id, Condition: &cond})
	}

	return &Policy{
		Name:     spec.Name,
		Effect:   effect,
		Priority: spec.Priority,
		Active:   active,
		Rules:    rules,
	}, nil
}

// validateCondition checks structural validity and precompiles literals and
// regular expressions so evaluation never re-parses
func validateCondition(c *Condition) error {
	forms := 0
	if len(c.All) > 0 {
		forms++
	}
	if len(c.Any) > 0 {
		forms++
	}
	if c.Not != nil {
		forms++
	}
	leaf := c.Attr != "" || c.Op != "" || c.Value != nil || c.ValueRef != ""
	if leaf {
		forms++
	}
	if forms != 1 {
		return fmt.Errorf("condition must be exactly one of all/any/not/comparison")
	}

	switch {
	case len(c.All) > 0:
		for i := range c.All {
			if err := validateCondition(&c.All[i]); err != nil {
				return err
			}
		}
	case len(c.Any) > 0:
		for i := range c.Any {
			if err := validateCondition(&c.Any[i]); err != nil {
				return err
			}
		}
	case c.Not != nil:
		return validateCondition(c.Not)
	default:
		return validateLeaf(c)
	}
	return nil
}

func validateLeaf(c *Condition) error {
	if c.Attr == "" {
		return fmt.Errorf("comparison missing attr")
	}
	if !validAttrRef(c.Attr) {
		return fmt.Errorf("invalid attribute reference %q", c.Attr)
	}
	if !validOperators[c.Op] {
		return fmt.Errorf("unknown operator %q", c.Op)
	}
	if (c.Value == nil) == (c.ValueRef == "") {
		return fmt.Errorf("comparison needs exactly one of value or value_ref")
	}
	if c.ValueRef != "" {
		if !validAttrRef(c.ValueRef) {
			return fmt.Errorf("invalid attribute reference %q", c.ValueRef)
		}
		if c.Op == OpMatches {
			return fmt.Errorf("matches requires a literal pattern")
		}
		return nil
	}

	literal, err := literalValue(c.Value)
	if err != nil {
		return err
	}
	c.literal = literal

	switch c.Op {
	case OpIn:
		if literal.Kind != types.AttrSet {
			return fmt.Errorf("in requires a list value")
		}
	case OpContains:
		if literal.Kind != types.AttrString {
			return fmt.Errorf("contains requires a string value")
		}
	case OpMatches:
		if literal.Kind != types.AttrString {
			return fmt.Errorf("matches requires a string pattern")
		}
		re, err := regexp.Compile(literal.Str)
		if err != nil {
			return fmt.Errorf("invalid pattern %q: %w", literal.Str, err)
		}
		c.regex = re
	}
	return nil
}

// literalValue converts a decoded YAML scalar or list into a typed
// attribute value
func literalValue(v interface{}) (types.AttrValue, error) {
	switch val := v.(type) {
	case string:
		return types.StringValue(val), nil
	case bool:
		return types.BoolValue(val), nil
	case int:
		return types.NumberValue(float64(val)), nil
	case int64:
		return types.NumberValue(float64(val)), nil
	case float64:
		return types.NumberValue(val), nil
	case []interface{}:
		members := make([]string, 0, len(val))
		for _, m := range val {
			s, ok := m.(string)
			if !ok {
				return types.AttrValue{}, fmt.Errorf("list values must be strings, got %T", m)
			}
			members = append(members, s)
		}
		return types.SetValue(members...), nil
	default:
		return types.AttrValue{}, fmt.Errorf("unsupported value type %T", v)
	}
}

func validAttrRef(ref string) bool {
	if ref == "action" {
		return true
	}
	namespace, name, ok := strings.Cut(ref, ".")
	if !ok || name == "" {
		return false
	}
	switch namespace {
	case "subject", "resource", "environment":
		return true
	}
	return false
}
