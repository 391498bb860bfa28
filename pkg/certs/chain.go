package certs

import (
	"crypto/x509"
	"fmt"
	"time"
)

// Chain is the result of validating a certificate against the trusted roots.
// Built fresh per validation and never persisted. Itemized errors let callers
// apply fail-open or fail-closed policy explicitly instead of catching
// exceptions.
type Chain struct {
	Certs  []*x509.Certificate // ordered leaf to root
	Valid  bool
	Errors []string
}

// AddError records a validation failure and marks the chain invalid
func (c *Chain) AddError(format string, args ...interface{}) {
	c.Valid = false
	c.Errors = append(c.Errors, fmt.Sprintf(format, args...))
}

// validAt reports whether the certificate's validity window covers now.
// The window is closed on NotBefore and open on NotAfter: a certificate
// exactly at NotAfter is already invalid.
func validAt(cert *x509.Certificate, now time.Time) error {
	if now.Before(cert.NotBefore) {
		return fmt.Errorf("certificate %q not yet valid until %s",
			cert.Subject.CommonName, cert.NotBefore.Format(time.RFC3339))
	}
	if !now.Before(cert.NotAfter) {
		return fmt.Errorf("certificate %q expired at %s",
			cert.Subject.CommonName, cert.NotAfter.Format(time.RFC3339))
	}
	return nil
}
