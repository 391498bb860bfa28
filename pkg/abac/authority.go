package abac

import (
	"context"
	"sort"
	"sync/atomic"

	"github.com/cuemby/bastion/pkg/log"
	"github.com/cuemby/bastion/pkg/types"
	"github.com/rs/zerolog"
)

// Config controls policy evaluation behavior
type Config struct {
	// Strict raises an ABACError when a rule references an attribute the
	// context does not carry, instead of treating the rule as false
	Strict bool
}

// Authority evaluates attribute-based policies. The active policy set is an
// immutable snapshot swapped atomically on reload; evaluation is always
// fresh and never cached across requests, since dynamic context (time of
// day, request volume) can change the outcome between calls.
type Authority struct {
	policies atomic.Pointer[[]*Policy]
	cfg      Config
	logger   zerolog.Logger
}

// NewAuthority creates an authority with an empty policy set
func NewAuthority(cfg Config) *Authority {
	a := &Authority{
		cfg:    cfg,
		logger: log.WithComponent("abac"),
	}
	empty := []*Policy{}
	a.policies.Store(&empty)
	return a
}

// Load validates and atomically replaces the active policy set. Any invalid
// policy rejects the whole reload, leaving the previous set active;
// validation already happened in ParsePolicies, so this sorts and swaps.
func (a *Authority) Load(policies []*Policy) error {
	sorted := make([]*Policy, len(policies))
	copy(sorted, policies)

	// Descending priority; name breaks ties deterministically
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority > sorted[j].Priority
		}
		return sorted[i].Name < sorted[j].Name
	})

	a.policies.Store(&sorted)
	a.logger.Info().Int("policies", len(sorted)).Msg("policy set reloaded")
	return nil
}

// Evaluate resolves a decision for the context against the active policy
// set. Resolution order is a hard invariant: policies run in descending
// priority; any matching DENY wins over every matching ALLOW; the first
// matching ALLOW wins only if no DENY matches; no match at all is DENY
// (deny-by-default).
func (a *Authority) Evaluate(ctx context.Context, ectx *types.EvalContext) (*types.Decision, error) {
	policies := *a.policies.Load()

	var allowDecision *types.Decision

	for _, policy := range policies {
		if err := ctx.Err(); err != nil {
			return nil, types.NewABACError("evaluate", err)
		}
		if !policy.Active {
			continue
		}

		matched, ruleIDs, err := a.policyMatches(policy, ectx)
		if err != nil {
			return nil, types.NewABACError("evaluate policy "+policy.Name, err)
		}
		if !matched {
			continue
		}

		if policy.Effect == types.EffectDeny {
			// Explicit deny wins immediately
			return &types.Decision{
				Effect:          types.EffectDeny,
				MatchedPolicies: []string{policy.Name},
				MatchedRules:    ruleIDs,
				Reason:          "explicit deny",
			}, nil
		}

		if allowDecision == nil {
			allowDecision = &types.Decision{
				Effect:          types.EffectAllow,
				MatchedPolicies: []string{policy.Name},
				MatchedRules:    ruleIDs,
				Reason:          "explicit allow",
			}
		}
	}

	if allowDecision != nil {
		return allowDecision, nil
	}

	return &types.Decision{
		Effect: types.EffectDeny,
		Reason: "no matching policy",
	}, nil
}

// Policies returns the active policy names in evaluation order
func (a *Authority) Policies() []string {
	policies := *a.policies.Load()
	names := make([]string, 0, len(policies))
	for _, p := range policies {
		names = append(names, p.Name)
	}
	return names
}

// policyMatches reports whether every rule of the policy evaluates to true
func (a *Authority) policyMatches(policy *Policy, ectx *types.EvalContext) (bool, []string, error) {
	ruleIDs := make([]string, 0, len(policy.Rules))
	for _, rule := range policy.Rules {
		ok, err := evaluate(rule.Condition, ectx, a.cfg.Strict)
		if err != nil {
			return false, nil, err
		}
		if !ok {
			return false, nil, nil
		}
		ruleIDs = append(ruleIDs, rule.ID)
	}
	return true, ruleIDs, nil
}
