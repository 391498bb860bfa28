package types

import (
	"errors"
	"fmt"
)

// ErrorKind identifies which security layer produced an error
type ErrorKind string

const (
	ErrCertificate ErrorKind = "certificate"
	ErrMTLS        ErrorKind = "mtls"
	ErrRBAC        ErrorKind = "rbac"
	ErrABAC        ErrorKind = "abac"
	ErrThreat      ErrorKind = "threat"
	ErrLogging     ErrorKind = "logging"
)

// SecurityError is the common root of all security-layer errors, so the
// orchestrator can apply one fail-secure rule uniformly
type SecurityError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *SecurityError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Op)
}

func (e *SecurityError) Unwrap() error {
	return e.Err
}

// NewCertificateError wraps a certificate load/validate/rotate failure
func NewCertificateError(op string, err error) *SecurityError {
	return &SecurityError{Kind: ErrCertificate, Op: op, Err: err}
}

// NewMTLSError wraps a handshake or peer identity failure
func NewMTLSError(op string, err error) *SecurityError {
	return &SecurityError{Kind: ErrMTLS, Op: op, Err: err}
}

// NewRBACError wraps a role graph or permission failure
func NewRBACError(op string, err error) *SecurityError {
	return &SecurityError{Kind: ErrRBAC, Op: op, Err: err}
}

// NewABACError wraps a policy parse or evaluation failure
func NewABACError(op string, err error) *SecurityError {
	return &SecurityError{Kind: ErrABAC, Op: op, Err: err}
}

// NewThreatError wraps a detection rule evaluation failure
func NewThreatError(op string, err error) *SecurityError {
	return &SecurityError{Kind: ErrThreat, Op: op, Err: err}
}

// NewLoggingError wraps an audit sink failure
func NewLoggingError(op string, err error) *SecurityError {
	return &SecurityError{Kind: ErrLogging, Op: op, Err: err}
}

// IsSecurityError reports whether err is (or wraps) a SecurityError
func IsSecurityError(err error) bool {
	var se *SecurityError
	return errors.As(err, &se)
}

// IsKind reports whether err is a SecurityError of the given kind
func IsKind(err error, kind ErrorKind) bool {
	var se *SecurityError
	if errors.As(err, &se) {
		return se.Kind == kind
	}
	return false
}
