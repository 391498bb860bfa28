package types

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// AttrKind discriminates the concrete type of an attribute value
type AttrKind int

const (
	AttrString AttrKind = iota
	AttrNumber
	AttrBool
	AttrTime
	AttrSet
)

// AttrValue is a tagged union over the attribute value types policy rules
// can reference. Using concrete kinds instead of an untyped map lets rule
// evaluators be exhaustively type-checked.
type AttrValue struct {
	Kind AttrKind
	Str  string
	Num  float64
	Bool bool
	Time time.Time
	Set  []string
}

// StringValue creates a string attribute
func StringValue(s string) AttrValue {
	return AttrValue{Kind: AttrString, Str: s}
}

// NumberValue creates a numeric attribute
func NumberValue(n float64) AttrValue {
	return AttrValue{Kind: AttrNumber, Num: n}
}

// BoolValue creates a boolean attribute
func BoolValue(b bool) AttrValue {
	return AttrValue{Kind: AttrBool, Bool: b}
}

// TimeValue creates a timestamp attribute
func TimeValue(t time.Time) AttrValue {
	return AttrValue{Kind: AttrTime, Time: t}
}

// SetValue creates a string-set attribute
func SetValue(members ...string) AttrValue {
	set := make([]string, len(members))
	copy(set, members)
	sort.Strings(set)
	return AttrValue{Kind: AttrSet, Set: set}
}

// Equal reports whether two attribute values are equal.
// Values of different kinds are never equal.
func (v AttrValue) Equal(other AttrValue) bool {
	if v.Kind != other.Kind {
		return false
	}
	switch v.Kind {
	case AttrString:
		return v.Str == other.Str
	case AttrNumber:
		return v.Num == other.Num
	case AttrBool:
		return v.Bool == other.Bool
	case AttrTime:
		return v.Time.Equal(other.Time)
	case AttrSet:
		if len(v.Set) != len(other.Set) {
			return false
		}
		for i := range v.Set {
			if v.Set[i] != other.Set[i] {
				return false
			}
		}
		return true
	}
	return false
}

// Compare orders two attribute values of the same kind.
// Returns <0, 0, >0 like strings.Compare; errors for unordered kinds.
func (v AttrValue) Compare(other AttrValue) (int, error) {
	if v.Kind != other.Kind {
		return 0, fmt.Errorf("cannot compare %s with %s", v.Kind, other.Kind)
	}
	switch v.Kind {
	case AttrString:
		return strings.Compare(v.Str, other.Str), nil
	case AttrNumber:
		switch {
		case v.Num < other.Num:
			return -1, nil
		case v.Num > other.Num:
			return 1, nil
		default:
			return 0, nil
		}
	case AttrTime:
		switch {
		case v.Time.Before(other.Time):
			return -1, nil
		case v.Time.After(other.Time):
			return 1, nil
		default:
			return 0, nil
		}
	default:
		return 0, fmt.Errorf("kind %s is not ordered", v.Kind)
	}
}

// Contains reports whether a set or string value contains the given member
func (v AttrValue) Contains(member string) bool {
	switch v.Kind {
	case AttrSet:
		for _, m := range v.Set {
			if m == member {
				return true
			}
		}
		return false
	case AttrString:
		return strings.Contains(v.Str, member)
	default:
		return false
	}
}

// String renders the value for logging
func (v AttrValue) String() string {
	switch v.Kind {
	case AttrString:
		return v.Str
	case AttrNumber:
		return fmt.Sprintf("%g", v.Num)
	case AttrBool:
		return fmt.Sprintf("%t", v.Bool)
	case AttrTime:
		return v.Time.Format(time.RFC3339)
	case AttrSet:
		return "{" + strings.Join(v.Set, ",") + "}"
	}
	return "<invalid>"
}

// String names the attribute kind
func (k AttrKind) String() string {
	switch k {
	case AttrString:
		return "string"
	case AttrNumber:
		return "number"
	case AttrBool:
		return "bool"
	case AttrTime:
		return "time"
	case AttrSet:
		return "set"
	}
	return "unknown"
}

// EvalContext carries the attribute maps a policy evaluation runs against.
// Attributes are split into subject, resource and environment namespaces.
type EvalContext struct {
	Subject     map[string]AttrValue
	Resource    map[string]AttrValue
	Environment map[string]AttrValue
	Action      string
}

// Lookup resolves a namespaced attribute reference such as "subject.id",
// "resource.owner", "environment.time" or the bare "action"
func (c *EvalContext) Lookup(ref string) (AttrValue, bool) {
	if ref == "action" {
		return StringValue(c.Action), true
	}
	namespace, name, ok := strings.Cut(ref, ".")
	if !ok {
		return AttrValue{}, false
	}
	var attrs map[string]AttrValue
	switch namespace {
	case "subject":
		attrs = c.Subject
	case "resource":
		attrs = c.Resource
	case "environment":
		attrs = c.Environment
	default:
		return AttrValue{}, false
	}
	v, ok := attrs[name]
	return v, ok
}
