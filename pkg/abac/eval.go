package abac

import (
	"fmt"
	"time"

	"github.com/cuemby/bastion/pkg/types"
)

// evaluate walks a condition tree against the evaluation context. In
// lenient mode a missing attribute makes the enclosing comparison false; in
// strict mode it is an error.
func evaluate(c *Condition, ectx *types.EvalContext, strict bool) (bool, error) {
	switch {
	case len(c.All) > 0:
		for i := range c.All {
			ok, err := evaluate(&c.All[i], ectx, strict)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil

	case len(c.Any) > 0:
		for i := range c.Any {
			ok, err := evaluate(&c.Any[i], ectx, strict)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil

	case c.Not != nil:
		ok, err := evaluate(c.Not, ectx, strict)
		if err != nil {
			return false, err
		}
		return !ok, nil

	default:
		return evaluateLeaf(c, ectx, strict)
	}
}

func evaluateLeaf(c *Condition, ectx *types.EvalContext, strict bool) (bool, error) {
	left, ok := ectx.Lookup(c.Attr)
	if !ok {
		if strict {
			return false, fmt.Errorf("attribute %q not present in context", c.Attr)
		}
		return false, nil
	}

	var right types.AttrValue
	if c.ValueRef != "" {
		right, ok = ectx.Lookup(c.ValueRef)
		if !ok {
			if strict {
				return false, fmt.Errorf("attribute %q not present in context", c.ValueRef)
			}
			return false, nil
		}
	} else {
		right = coerce(c.literal, left)
	}

	switch c.Op {
	case OpEq:
		return left.Equal(right), nil
	case OpNe:
		return !left.Equal(right), nil
	case OpLt, OpLe, OpGt, OpGe:
		cmp, err := left.Compare(right)
		if err != nil {
			if strict {
				return false, err
			}
			return false, nil
		}
		switch c.Op {
		case OpLt:
			return cmp < 0, nil
		case OpLe:
			return cmp <= 0, nil
		case OpGt:
			return cmp > 0, nil
		default:
			return cmp >= 0, nil
		}
	case OpIn:
		if left.Kind != types.AttrString {
			if strict {
				return false, fmt.Errorf("in requires a string attribute, got %s", left.Kind)
			}
			return false, nil
		}
		return right.Contains(left.Str), nil
	case OpContains:
		return left.Contains(right.Str), nil
	case OpMatches:
		if left.Kind != types.AttrString {
			if strict {
				return false, fmt.Errorf("matches requires a string attribute, got %s", left.Kind)
			}
			return false, nil
		}
		return c.regex.MatchString(left.Str), nil
	default:
		return false, fmt.Errorf("unknown operator %q", c.Op)
	}
}

// coerce converts a string literal to the attribute's kind where a lossless
// conversion exists, so "2026-01-02T15:04:05Z" compares against a time
// attribute without special policy syntax
func coerce(literal, attr types.AttrValue) types.AttrValue {
	if literal.Kind != types.AttrString {
		return literal
	}
	switch attr.Kind {
	case types.AttrTime:
		if t, err := time.Parse(time.RFC3339, literal.Str); err == nil {
			return types.TimeValue(t)
		}
	}
	return literal
}
