package orchestrator

import (
	"context"
	"crypto/x509"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/bastion/pkg/abac"
	"github.com/cuemby/bastion/pkg/audit"
	"github.com/cuemby/bastion/pkg/log"
	"github.com/cuemby/bastion/pkg/metrics"
	"github.com/cuemby/bastion/pkg/mtls"
	"github.com/cuemby/bastion/pkg/rbac"
	"github.com/cuemby/bastion/pkg/threat"
	"github.com/cuemby/bastion/pkg/types"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	defaultStageTimeout   = 100 * time.Millisecond
	defaultThrottleRate   = rate.Limit(1)
	defaultThrottleBurst  = 3
	defaultLimiterTTL     = 15 * time.Minute
	genericDenialReason   = "access denied"
	genericInternalReason = "request could not be processed"
)

// Config controls pipeline behavior
type Config struct {
	// StageTimeout bounds RBAC and ABAC evaluation per request
	StageTimeout time.Duration
	// ThrottleRate and ThrottleBurst shape the limiter applied to keys the
	// analyzer recommends throttling
	ThrottleRate  rate.Limit
	ThrottleBurst int
	// LimiterTTL evicts throttle limiters for keys not seen within it, so
	// traffic cycling through source keys cannot grow the limiter map
	// without bound
	LimiterTTL time.Duration
}

// Request carries everything the pipeline needs to decide one inbound call.
// Subject identity is produced by an external authentication collaborator.
type Request struct {
	CorrelationID string
	PeerChain     []*x509.Certificate
	Subject       string
	Roles         []string
	Resource      string
	Action        string
	Source        string
	SubjectAttrs  map[string]types.AttrValue
	ResourceAttrs map[string]types.AttrValue
	Environment   map[string]types.AttrValue
}

// Result is the caller-facing outcome. Reasons are generic and never leak
// internal diagnostics; the correlation id links to the detailed event trail.
type Result struct {
	Allowed       bool
	CorrelationID string
	Reason        string
}

// Orchestrator composes the security layers into one request pipeline:
// transport validation, threat gate, RBAC, then ABAC, with every stage
// emitting a security event before the next runs. Any stage that fails to
// produce a decision resolves to fail-secure deny.
type Orchestrator struct {
	guard    *mtls.Guard
	roles    *rbac.Authority
	policies *abac.Authority
	analyzer *threat.Analyzer
	broker   *audit.Broker
	cfg      Config
	now      func() time.Time

	limiterMu sync.Mutex
	limiters  map[string]*limiterEntry
	lastSweep time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New creates an orchestrator over the given layers. The guard and analyzer
// may be nil when transport validation or threat analysis is disabled.
func New(guard *mtls.Guard, roles *rbac.Authority, policies *abac.Authority, analyzer *threat.Analyzer, broker *audit.Broker, cfg Config) *Orchestrator {
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = defaultStageTimeout
	}
	if cfg.ThrottleRate <= 0 {
		cfg.ThrottleRate = defaultThrottleRate
	}
	if cfg.ThrottleBurst <= 0 {
		cfg.ThrottleBurst = defaultThrottleBurst
	}
	if cfg.LimiterTTL <= 0 {
		cfg.LimiterTTL = defaultLimiterTTL
	}
	return &Orchestrator{
		guard:     guard,
		roles:     roles,
		policies:  policies,
		analyzer:  analyzer,
		broker:    broker,
		cfg:       cfg,
		now:       time.Now,
		limiters:  make(map[string]*limiterEntry),
		lastSweep: time.Now(),
	}
}

// Authorize runs the full pipeline for one request
func (o *Orchestrator) Authorize(ctx context.Context, req *Request) (result *Result) {
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.New().String()
	}

	// Fail-secure backstop: a panicking stage is an internal error, not an
	// allow
	defer func() {
		if r := recover(); r != nil {
			metrics.PipelineErrors.Inc()
			o.emit(req, types.EventPipelineError, types.SeverityCritical, map[string]string{
				"panic": fmt.Sprint(r),
			})
			result = o.deny(req, genericInternalReason)
		}
	}()

	// Stage 1: transport validation (hard gate when mandatory)
	if o.guard != nil {
		if allowed := o.transportStage(req); !allowed {
			return o.deny(req, genericDenialReason)
		}
	}

	// Stage 2: threat gate, before spending RBAC/ABAC cost. Missing
	// assessments are treated as normal; threat analysis is advisory.
	if o.analyzer != nil {
		if allowed := o.threatStage(req); !allowed {
			return o.deny(req, genericDenialReason)
		}
	}

	// Stage 3: RBAC
	if allowed, err := o.rbacStage(ctx, req); err != nil {
		return o.failSecure(req, "rbac", err)
	} else if !allowed {
		return o.deny(req, genericDenialReason)
	}

	// Stage 4: ABAC. RBAC and ABAC compose with AND: both must allow.
	if allowed, err := o.abacStage(ctx, req); err != nil {
		return o.failSecure(req, "abac", err)
	} else if !allowed {
		return o.deny(req, genericDenialReason)
	}

	o.emit(req, types.EventAuthzGrant, types.SeverityInfo, map[string]string{
		"resource": req.Resource,
		"action":   req.Action,
	})
	metrics.DecisionsTotal.WithLabelValues("pipeline", "allow").Inc()

	return &Result{Allowed: true, CorrelationID: req.CorrelationID}
}

func (o *Orchestrator) transportStage(req *Request) bool {
	start := time.Now()
	defer func() {
		metrics.StageDuration.WithLabelValues("mtls").Observe(time.Since(start).Seconds())
	}()

	if len(req.PeerChain) == 0 {
		if !o.guard.Mandatory() {
			return true
		}
		o.emit(req, types.EventTransportReject, types.SeverityWarning, map[string]string{
			"reason": "no peer certificates",
		})
		metrics.DecisionsTotal.WithLabelValues("mtls", "deny").Inc()
		return false
	}

	if err := o.guard.ValidatePeer(req.PeerChain); err != nil {
		o.emit(req, types.EventTransportReject, types.SeverityWarning, map[string]string{
			"peer": o.guard.PeerIdentity(req.PeerChain[0]),
		})
		metrics.DecisionsTotal.WithLabelValues("mtls", "deny").Inc()
		return false
	}

	o.emit(req, types.EventTransportHandshake, types.SeverityInfo, map[string]string{
		"peer": o.guard.PeerIdentity(req.PeerChain[0]),
	})
	metrics.DecisionsTotal.WithLabelValues("mtls", "allow").Inc()
	return true
}

func (o *Orchestrator) threatStage(req *Request) bool {
	for _, key := range []string{req.Subject, req.Source} {
		if key == "" {
			continue
		}
		assessment, ok := o.analyzer.Assessment(key)
		if !ok {
			continue
		}
		switch assessment.Action {
		case types.ThreatActionBlock:
			o.emit(req, types.EventThreatBlock, types.SeverityHigh, map[string]string{
				"key":   key,
				"score": fmt.Sprintf("%.1f", assessment.Score),
			})
			metrics.DecisionsTotal.WithLabelValues("threat", "deny").Inc()
			return false
		case types.ThreatActionThrottle:
			if !o.limiter(key).Allow() {
				o.emit(req, types.EventThreatThrottle, types.SeverityWarning, map[string]string{
					"key": key,
				})
				metrics.DecisionsTotal.WithLabelValues("threat", "deny").Inc()
				return false
			}
		}
	}
	return true
}

func (o *Orchestrator) rbacStage(ctx context.Context, req *Request) (bool, error) {
	start := time.Now()
	defer func() {
		metrics.StageDuration.WithLabelValues("rbac").Observe(time.Since(start).Seconds())
	}()

	stageCtx, cancel := context.WithTimeout(ctx, o.cfg.StageTimeout)
	defer cancel()

	required := types.Permission{Resource: req.Resource, Action: req.Action}

	type rbacResult struct {
		allowed bool
	}
	done := make(chan rbacResult, 1)
	go func() {
		done <- rbacResult{allowed: o.roles.Check(req.Roles, required)}
	}()

	select {
	case <-stageCtx.Done():
		return false, types.NewRBACError("check", stageCtx.Err())
	case res := <-done:
		effect := "deny"
		if res.allowed {
			effect = "allow"
		}
		metrics.DecisionsTotal.WithLabelValues("rbac", effect).Inc()
		if !res.allowed {
			o.emit(req, types.EventAuthzDeny, types.SeverityWarning, map[string]string{
				"stage":    "rbac",
				"resource": req.Resource,
				"action":   req.Action,
			})
		}
		return res.allowed, nil
	}
}

func (o *Orchestrator) abacStage(ctx context.Context, req *Request) (bool, error) {
	start := time.Now()
	defer func() {
		metrics.StageDuration.WithLabelValues("abac").Observe(time.Since(start).Seconds())
	}()

	stageCtx, cancel := context.WithTimeout(ctx, o.cfg.StageTimeout)
	defer cancel()

	ectx := o.buildEvalContext(req)
	decision, err := o.policies.Evaluate(stageCtx, ectx)
	if err != nil {
		return false, err
	}

	metrics.DecisionsTotal.WithLabelValues("abac", string(decision.Effect)).Inc()
	if decision.Effect != types.EffectAllow {
		o.emit(req, types.EventAuthzDeny, types.SeverityWarning, map[string]string{
			"stage":    "abac",
			"resource": req.Resource,
			"action":   req.Action,
		})
		return false, nil
	}
	return true, nil
}

func (o *Orchestrator) buildEvalContext(req *Request) *types.EvalContext {
	subject := make(map[string]types.AttrValue, len(req.SubjectAttrs)+2)
	for k, v := range req.SubjectAttrs {
		subject[k] = v
	}
	subject["id"] = types.StringValue(req.Subject)
	if len(req.Roles) > 0 {
		subject["roles"] = types.SetValue(req.Roles...)
	}

	environment := make(map[string]types.AttrValue, len(req.Environment)+2)
	for k, v := range req.Environment {
		environment[k] = v
	}
	if _, ok := environment["time"]; !ok {
		environment["time"] = types.TimeValue(time.Now().UTC())
	}
	if req.Source != "" {
		environment["source"] = types.StringValue(req.Source)
	}

	return &types.EvalContext{
		Subject:     subject,
		Resource:    req.ResourceAttrs,
		Environment: environment,
		Action:      req.Action,
	}
}

// failSecure converts an internal stage error into a deny with a generic
// caller-facing reason and a high-severity event for operators
func (o *Orchestrator) failSecure(req *Request, stage string, err error) *Result {
	metrics.PipelineErrors.Inc()
	logger := log.WithCorrelationID(req.CorrelationID)
	logger.Error().Err(err).
		Str("stage", stage).
		Msg("stage failed, applying fail-secure deny")
	o.emit(req, types.EventPipelineError, types.SeverityHigh, map[string]string{
		"stage": stage,
	})
	return o.deny(req, genericInternalReason)
}

func (o *Orchestrator) deny(req *Request, reason string) *Result {
	metrics.DecisionsTotal.WithLabelValues("pipeline", "deny").Inc()
	logger := log.WithSubject(req.Subject)
	logger.Debug().
		Str("correlation_id", req.CorrelationID).
		Str("resource", req.Resource).
		Str("action", req.Action).
		Msg("request denied")
	return &Result{
		Allowed:       false,
		CorrelationID: req.CorrelationID,
		Reason:        reason,
	}
}

func (o *Orchestrator) emit(req *Request, eventType types.EventType, severity types.Severity, detail map[string]string) {
	if o.broker == nil {
		return
	}
	event := types.NewEvent(eventType, severity, req.Source, req.Subject, req.CorrelationID)
	for k, v := range detail {
		event.WithDetail(k, v)
	}
	o.broker.Publish(event)
}

// limiter returns the throttle limiter for a key, evicting limiters for
// keys idle past the TTL so the map stays bounded like the analyzer's
// assessment set
func (o *Orchestrator) limiter(key string) *rate.Limiter {
	o.limiterMu.Lock()
	defer o.limiterMu.Unlock()

	now := o.now()
	if now.Sub(o.lastSweep) >= o.cfg.LimiterTTL {
		for k, e := range o.limiters {
			if now.Sub(e.lastSeen) >= o.cfg.LimiterTTL {
				delete(o.limiters, k)
			}
		}
		o.lastSweep = now
	}

	e, ok := o.limiters[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(o.cfg.ThrottleRate, o.cfg.ThrottleBurst)}
		o.limiters[key] = e
	}
	e.lastSeen = now
	return e.limiter
}
