package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Permission identifies an action on a resource, with an optional scope
// qualifier (e.g. "report:read" or "report:read:own")
type Permission struct {
	Resource string
	Action   string
	Scope    string
}

// ParsePermission parses a "resource:action" or "resource:action:scope" string
func ParsePermission(s string) (Permission, error) {
	parts := strings.Split(s, ":")
	switch len(parts) {
	case 2:
		if parts[0] == "" || parts[1] == "" {
			return Permission{}, fmt.Errorf("invalid permission %q", s)
		}
		return Permission{Resource: parts[0], Action: parts[1]}, nil
	case 3:
		if parts[0] == "" || parts[1] == "" || parts[2] == "" {
			return Permission{}, fmt.Errorf("invalid permission %q", s)
		}
		return Permission{Resource: parts[0], Action: parts[1], Scope: parts[2]}, nil
	default:
		return Permission{}, fmt.Errorf("invalid permission %q: expected resource:action[:scope]", s)
	}
}

// String returns the canonical string form of the permission
func (p Permission) String() string {
	if p.Scope != "" {
		return p.Resource + ":" + p.Action + ":" + p.Scope
	}
	return p.Resource + ":" + p.Action
}

// Covers reports whether a granted permission satisfies a required one.
// An unscoped grant covers any scope of the same resource/action.
func (p Permission) Covers(required Permission) bool {
	if p.Resource != required.Resource || p.Action != required.Action {
		return false
	}
	return p.Scope == "" || p.Scope == required.Scope
}

// Role is a named set of permissions with optional parent roles.
// Permissions are inherited transitively from all ancestors.
type Role struct {
	Name        string
	Permissions []Permission
	Parents     []string
	Active      bool
}

// Effect is the outcome of an authorization decision
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Decision is the result of evaluating an authorization request
type Decision struct {
	Effect          Effect
	MatchedPolicies []string
	MatchedRules    []string
	Reason          string
}

// EventType classifies a security event
type EventType string

const (
	EventAuthSuccess        EventType = "auth.success"
	EventAuthFailure        EventType = "auth.failure"
	EventAuthzGrant         EventType = "authz.grant"
	EventAuthzDeny          EventType = "authz.deny"
	EventTransportHandshake EventType = "transport.handshake"
	EventTransportReject    EventType = "transport.reject"
	EventThreatAlert        EventType = "threat.alert"
	EventThreatBlock        EventType = "threat.block"
	EventThreatThrottle     EventType = "threat.throttle"
	EventCertRotated        EventType = "cert.rotated"
	EventCertRotationFailed EventType = "cert.rotation_failed"
	EventConfigReloaded     EventType = "config.reloaded"
	EventConfigRejected     EventType = "config.rejected"
	EventAuditFallback      EventType = "audit.fallback"
	EventPipelineError      EventType = "pipeline.error"
)

// Severity ranks how serious a security event is
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// SecurityEvent is the append-only unit of audit and threat analysis.
// JSON field names are stable; external consumers depend on them.
type SecurityEvent struct {
	EventID       string            `json:"event_id"`
	Timestamp     time.Time         `json:"timestamp"`
	Type          EventType         `json:"type"`
	Severity      Severity          `json:"severity"`
	Source        string            `json:"source"`
	SubjectID     string            `json:"subject_id,omitempty"`
	CorrelationID string            `json:"correlation_id"`
	Detail        map[string]string `json:"detail,omitempty"`
}

// NewEvent creates a security event with a fresh id and timestamp
func NewEvent(eventType EventType, severity Severity, source, subjectID, correlationID string) *SecurityEvent {
	return &SecurityEvent{
		EventID:       uuid.New().String(),
		Timestamp:     time.Now().UTC(),
		Type:          eventType,
		Severity:      severity,
		Source:        source,
		SubjectID:     subjectID,
		CorrelationID: correlationID,
		Detail:        make(map[string]string),
	}
}

// WithDetail adds a detail field and returns the event for chaining
func (e *SecurityEvent) WithDetail(key, value string) *SecurityEvent {
	if e.Detail == nil {
		e.Detail = make(map[string]string)
	}
	e.Detail[key] = value
	return e
}

// ThreatState is the per-key state of the threat analyzer state machine
type ThreatState string

const (
	ThreatStateNormal     ThreatState = "normal"
	ThreatStateSuspicious ThreatState = "suspicious"
	ThreatStateConfirmed  ThreatState = "confirmed_threat"
)

// ThreatAction is the analyzer's recommended countermeasure.
// The analyzer recommends; the orchestrator enforces.
type ThreatAction string

const (
	ThreatActionNone     ThreatAction = "none"
	ThreatActionThrottle ThreatAction = "throttle"
	ThreatActionBlock    ThreatAction = "block"
	ThreatActionAlert    ThreatAction = "alert"
)

// ThreatAssessment is the analyzer's current verdict for a subject/source key.
// Superseded assessments are replaced, never mutated.
type ThreatAssessment struct {
	Key        string       `json:"key"`
	Score      float64      `json:"score"`
	RuleIDs    []string     `json:"rule_ids,omitempty"`
	Action     ThreatAction `json:"action"`
	State      ThreatState  `json:"state"`
	AssessedAt time.Time    `json:"assessed_at"`
}

// CertRecord is the stored form of a managed certificate.
// Key material is encrypted before it reaches the store.
type CertRecord struct {
	ID        string    `json:"id"`
	Subject   string    `json:"subject"`
	Serial    string    `json:"serial"`
	CertPEM   []byte    `json:"cert_pem"`
	KeyPEM    []byte    `json:"key_pem"`
	NotBefore time.Time `json:"not_before"`
	NotAfter  time.Time `json:"not_after"`
	IssuedAt  time.Time `json:"issued_at"`
}
