package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cuemby/bastion/pkg/abac"
	"github.com/cuemby/bastion/pkg/log"
	"github.com/cuemby/bastion/pkg/rbac"
	"github.com/cuemby/bastion/pkg/threat"
	"github.com/cuemby/bastion/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

const testRoles = `
roles:
  viewer:
    permissions:
      - /reports:read
  editor:
    permissions:
      - /reports:update
    parent_roles: [viewer]
`

const testPolicies = `
policies:
  - name: allow-employees
    effect: allow
    priority: 10
    rules:
      - attr: subject.type
        op: eq
        value: employee
  - name: deny-terminated
    effect: deny
    priority: 100
    rules:
      - attr: subject.terminated
        op: eq
        value: true
`

func newTestPipeline(t *testing.T, abacCfg abac.Config) (*Orchestrator, *rbac.Authority, *abac.Authority) {
	t.Helper()

	roles, err := rbac.ParseRoles([]byte(testRoles))
	require.NoError(t, err)
	roleAuthority := rbac.NewAuthority()
	require.NoError(t, roleAuthority.Load(roles))

	policies, err := abac.ParsePolicies([]byte(testPolicies))
	require.NoError(t, err)
	policyAuthority := abac.NewAuthority(abacCfg)
	require.NoError(t, policyAuthority.Load(policies))

	o := New(nil, roleAuthority, policyAuthority, nil, nil, Config{})
	return o, roleAuthority, policyAuthority
}

func allowedRequest() *Request {
	return &Request{
		Subject:  "alice",
		Roles:    []string{"viewer"},
		Resource: "/reports",
		Action:   "read",
		Source:   "10.0.0.1",
		SubjectAttrs: map[string]types.AttrValue{
			"type": types.StringValue("employee"),
		},
	}
}

func TestPipelineAllowsWhenBothLayersAllow(t *testing.T) {
	o, _, _ := newTestPipeline(t, abac.Config{})

	result := o.Authorize(context.Background(), allowedRequest())
	assert.True(t, result.Allowed)
	assert.NotEmpty(t, result.CorrelationID)
}

func TestRBACDenyShortCircuits(t *testing.T) {
	o, _, _ := newTestPipeline(t, abac.Config{})

	req := allowedRequest()
	req.Action = "update" // viewer has no update permission

	result := o.Authorize(context.Background(), req)
	assert.False(t, result.Allowed)
	assert.Equal(t, "access denied", result.Reason)
}

func TestABACDenyOverridesRBACAllow(t *testing.T) {
	o, _, _ := newTestPipeline(t, abac.Config{})

	// RBAC allows the read, but the subject fails every ABAC policy
	req := allowedRequest()
	req.SubjectAttrs = map[string]types.AttrValue{
		"type": types.StringValue("contractor"),
	}

	result := o.Authorize(context.Background(), req)
	assert.False(t, result.Allowed, "both layers must allow; ABAC deny wins")
}

func TestExplicitABACDeny(t *testing.T) {
	o, _, _ := newTestPipeline(t, abac.Config{})

	req := allowedRequest()
	req.SubjectAttrs["terminated"] = types.BoolValue(true)

	result := o.Authorize(context.Background(), req)
	assert.False(t, result.Allowed)
}

func TestFailSecureOnStageError(t *testing.T) {
	// Strict evaluation turns a missing attribute into a stage error,
	// which must resolve to deny with a generic reason
	o, _, _ := newTestPipeline(t, abac.Config{Strict: true})

	req := allowedRequest()
	delete(req.SubjectAttrs, "type")
	req.SubjectAttrs["terminated"] = types.BoolValue(false)

	result := o.Authorize(context.Background(), req)
	assert.False(t, result.Allowed)
	assert.Equal(t, "request could not be processed", result.Reason)
	assert.NotEmpty(t, result.CorrelationID)
}

func TestDenialReasonsAreGeneric(t *testing.T) {
	o, _, _ := newTestPipeline(t, abac.Config{})

	req := allowedRequest()
	req.Roles = nil

	result := o.Authorize(context.Background(), req)
	require.False(t, result.Allowed)
	assert.NotContains(t, result.Reason, "rbac")
	assert.NotContains(t, result.Reason, "role")
	assert.NotContains(t, result.Reason, "policy")
}

func confirmedAnalyzer(t *testing.T, key string) *threat.Analyzer {
	t.Helper()
	analyzer := threat.NewAnalyzer(threat.DefaultConfig(), nil, nil)
	for i := 0; i < 10; i++ {
		analyzer.Analyze(types.NewEvent(types.EventAuthFailure, types.SeverityWarning, "10.0.0.1", key, ""))
	}
	assessment, ok := analyzer.Assessment(key)
	require.True(t, ok)
	require.Equal(t, types.ThreatActionBlock, assessment.Action)
	return analyzer
}

func TestThreatBlockDeniesBeforeAuthorization(t *testing.T) {
	_, roleAuthority, policyAuthority := newTestPipeline(t, abac.Config{})
	analyzer := confirmedAnalyzer(t, "alice")

	o := New(nil, roleAuthority, policyAuthority, analyzer, nil, Config{})

	// Even a request both RBAC and ABAC would allow is blocked
	result := o.Authorize(context.Background(), allowedRequest())
	assert.False(t, result.Allowed)
}

func TestThreatBlockAppliesToSourceKey(t *testing.T) {
	_, roleAuthority, policyAuthority := newTestPipeline(t, abac.Config{})
	analyzer := confirmedAnalyzer(t, "203.0.113.9")

	o := New(nil, roleAuthority, policyAuthority, analyzer, nil, Config{})

	req := allowedRequest()
	req.Source = "203.0.113.9"

	result := o.Authorize(context.Background(), req)
	assert.False(t, result.Allowed)
}

func TestThrottleLimitsSuspiciousKeys(t *testing.T) {
	_, roleAuthority, policyAuthority := newTestPipeline(t, abac.Config{})

	// Exactly the brute force threshold: suspicious, throttled but not blocked
	analyzer := threat.NewAnalyzer(threat.DefaultConfig(), nil, nil)
	for i := 0; i < 5; i++ {
		analyzer.Analyze(types.NewEvent(types.EventAuthFailure, types.SeverityWarning, "10.0.0.1", "alice", ""))
	}
	assessment, ok := analyzer.Assessment("alice")
	require.True(t, ok)
	require.Equal(t, types.ThreatActionThrottle, assessment.Action)

	o := New(nil, roleAuthority, policyAuthority, analyzer, nil, Config{
		ThrottleRate:  rate.Limit(0.0001),
		ThrottleBurst: 1,
	})

	first := o.Authorize(context.Background(), allowedRequest())
	assert.True(t, first.Allowed, "throttled keys get their budgeted requests through")

	second := o.Authorize(context.Background(), allowedRequest())
	assert.False(t, second.Allowed, "requests beyond the budget are denied")
}

func TestIdleThrottleLimitersEvicted(t *testing.T) {
	o, _, _ := newTestPipeline(t, abac.Config{})

	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	o.now = func() time.Time { return current }
	o.lastSweep = current

	o.limiter("198.51.100.1")
	o.limiter("198.51.100.2")
	require.Len(t, o.limiters, 2)

	// Both keys idle past the TTL: the next lookup sweeps them
	current = current.Add(defaultLimiterTTL + time.Minute)
	o.limiter("198.51.100.3")

	o.limiterMu.Lock()
	defer o.limiterMu.Unlock()
	assert.Len(t, o.limiters, 1)
	_, kept := o.limiters["198.51.100.3"]
	assert.True(t, kept, "the active key keeps its limiter")
}

func TestLimiterSurvivesWithinTTL(t *testing.T) {
	o, _, _ := newTestPipeline(t, abac.Config{})

	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	o.now = func() time.Time { return current }
	o.lastSweep = current

	first := o.limiter("198.51.100.1")

	// Seen again before the TTL elapses, the same limiter is reused even
	// when the sweep runs
	current = current.Add(defaultLimiterTTL - time.Minute)
	o.limiter("198.51.100.1")
	current = current.Add(2 * time.Minute)
	second := o.limiter("198.51.100.1")

	assert.Same(t, first, second)
}

func TestDenialLogCarriesSubjectAndCorrelationID(t *testing.T) {
	var buf bytes.Buffer
	log.Init(log.Config{Level: log.DebugLevel, JSONOutput: true, Output: &buf})

	o, _, _ := newTestPipeline(t, abac.Config{})

	req := allowedRequest()
	req.Roles = nil

	result := o.Authorize(context.Background(), req)
	require.False(t, result.Allowed)

	assert.Contains(t, buf.String(), `"subject_id":"alice"`)
	assert.Contains(t, buf.String(), result.CorrelationID)
}

func TestUnknownKeysPassThreatGate(t *testing.T) {
	_, roleAuthority, policyAuthority := newTestPipeline(t, abac.Config{})
	analyzer := threat.NewAnalyzer(threat.DefaultConfig(), nil, nil)

	o := New(nil, roleAuthority, policyAuthority, analyzer, nil, Config{})

	result := o.Authorize(context.Background(), allowedRequest())
	assert.True(t, result.Allowed, "threat analysis is advisory; unknown keys are normal")
}

func TestMiddlewareAuthFailure(t *testing.T) {
	o, _, _ := newTestPipeline(t, abac.Config{})

	auth := AuthenticatorFunc(func(r *http.Request) (string, []string, map[string]types.AttrValue, error) {
		return "", nil, nil, assert.AnError
	})
	handler := o.Middleware(auth, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("Handler must not run for unauthenticated requests")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/reports", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "access denied", body["error"])
	assert.NotEmpty(t, body["correlation_id"])
}

func TestMiddlewareDeniedRequest(t *testing.T) {
	o, _, _ := newTestPipeline(t, abac.Config{})

	auth := AuthenticatorFunc(func(r *http.Request) (string, []string, map[string]types.AttrValue, error) {
		return "mallory", nil, nil, nil // authenticated, but no roles
	})
	handler := o.Middleware(auth, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("Handler must not run for denied requests")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/reports", nil))

	assert.Equal(t, http.StatusForbidden, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotEmpty(t, body["correlation_id"])
}

func TestMiddlewareAllowedRequest(t *testing.T) {
	o, _, _ := newTestPipeline(t, abac.Config{})

	auth := AuthenticatorFunc(func(r *http.Request) (string, []string, map[string]types.AttrValue, error) {
		return "alice", []string{"viewer"}, map[string]types.AttrValue{
			"type": types.StringValue("employee"),
		}, nil
	})

	var served bool
	handler := o.Middleware(auth, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		served = true
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/reports", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, served)
}

func TestActionMapping(t *testing.T) {
	tests := []struct {
		method string
		action string
	}{
		{http.MethodGet, "read"},
		{http.MethodHead, "read"},
		{http.MethodPost, "create"},
		{http.MethodPut, "update"},
		{http.MethodPatch, "update"},
		{http.MethodDelete, "delete"},
		{"SUBSCRIBE", "invoke"},
	}

	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			assert.Equal(t, tt.action, actionFor(tt.method))
		})
	}
}
