package certs

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/bastion/pkg/audit"
	"github.com/cuemby/bastion/pkg/ca"
	"github.com/cuemby/bastion/pkg/log"
	"github.com/cuemby/bastion/pkg/metrics"
	"github.com/cuemby/bastion/pkg/types"
	"github.com/rs/zerolog"
)

const (
	// Rotate when less than 30 days of validity remain
	defaultRotationThreshold = 30 * 24 * time.Hour
	// Background rotation check interval
	defaultCheckInterval = 1 * time.Hour
	// Timeout for revocation lookups during chain validation
	defaultCallTimeout = 5 * time.Second
)

// Config controls certificate manager behavior
type Config struct {
	RotationThreshold time.Duration
	CheckInterval     time.Duration
	CallTimeout       time.Duration
	Validity          time.Duration
}

// Manager loads, validates and rotates certificates through a CA client.
// Rotation is atomic: the old certificate keeps serving until a validated
// replacement is in place, so there is never a window with zero usable
// certificates. Once a certificate is past NotAfter the manager fails
// closed for it.
type Manager struct {
	store    *Store
	caClient ca.Client
	roots    *x509.CertPool
	rootCert *x509.Certificate
	broker   *audit.Broker
	cfg      Config
	logger   zerolog.Logger

	mu     sync.RWMutex
	active map[string]*entry
}

type entry struct {
	tlsCert *tls.Certificate
	leaf    *x509.Certificate
	record  *types.CertRecord
}

// NewManager creates a certificate manager. The trusted root set is fetched
// from the CA client once at construction.
func NewManager(ctx context.Context, store *Store, caClient ca.Client, broker *audit.Broker, cfg Config) (*Manager, error) {
	if cfg.RotationThreshold <= 0 {
		cfg.RotationThreshold = defaultRotationThreshold
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = defaultCheckInterval
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}

	caPEM, err := caClient.CACertPEM(ctx)
	if err != nil {
		return nil, types.NewCertificateError("fetch CA certificate", err)
	}

	block, _ := pem.Decode(caPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, types.NewCertificateError("decode CA certificate", fmt.Errorf("invalid PEM"))
	}
	rootCert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, types.NewCertificateError("parse CA certificate", err)
	}

	roots := x509.NewCertPool()
	roots.AddCert(rootCert)

	return &Manager{
		store:    store,
		caClient: caClient,
		roots:    roots,
		rootCert: rootCert,
		broker:   broker,
		cfg:      cfg,
		logger:   log.WithComponent("certs"),
		active:   make(map[string]*entry),
	}, nil
}

// Provision requests an initial certificate for the given id and stores it
func (m *Manager) Provision(ctx context.Context, id string, req ca.Request) error {
	if req.Validity <= 0 {
		req.Validity = m.cfg.Validity
	}

	resp, err := m.caClient.Issue(ctx, req)
	if err != nil {
		return types.NewCertificateError("provision "+id, err)
	}

	return m.install(id, req.Subject, resp)
}

// Load returns the current TLS certificate for an id. Fails closed with a
// CertificateError when the certificate is missing, unreadable, or past its
// NotAfter.
func (m *Manager) Load(id string) (*tls.Certificate, error) {
	m.mu.RLock()
	e, ok := m.active[id]
	m.mu.RUnlock()

	if !ok {
		loaded, err := m.loadFromStore(id)
		if err != nil {
			return nil, err
		}
		e = loaded
	}

	if err := validAt(e.leaf, time.Now()); err != nil {
		return nil, types.NewCertificateError("load "+id, err)
	}
	return e.tlsCert, nil
}

// Leaf returns the parsed leaf certificate for an id
func (m *Manager) Leaf(id string) (*x509.Certificate, error) {
	m.mu.RLock()
	e, ok := m.active[id]
	m.mu.RUnlock()

	if !ok {
		loaded, err := m.loadFromStore(id)
		if err != nil {
			return nil, err
		}
		e = loaded
	}
	return e.leaf, nil
}

// Roots returns the trusted root pool
func (m *Manager) Roots() *x509.CertPool {
	return m.roots
}

// ValidateChain builds and checks the chain from leaf to a trusted root:
// validity window on every certificate, signatures, and revocation status.
// It reports itemized errors instead of failing on the first problem.
func (m *Manager) ValidateChain(leaf *x509.Certificate, intermediates ...*x509.Certificate) *Chain {
	chain := &Chain{Valid: true}

	if leaf == nil {
		chain.AddError("leaf certificate is nil")
		return chain
	}
	chain.Certs = append([]*x509.Certificate{leaf}, intermediates...)

	pool := x509.NewCertPool()
	for _, cert := range intermediates {
		pool.AddCert(cert)
	}
	verified, err := leaf.Verify(x509.VerifyOptions{
		Roots:         m.roots,
		Intermediates: pool,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		// Windows are reported itemized below; pin Verify inside the leaf
		// window so it focuses on the signature path
		CurrentTime: leaf.NotBefore.Add(time.Second),
	})
	if err != nil {
		chain.AddError("chain verification failed: %v", err)
	} else if len(verified) > 0 {
		chain.Certs = verified[0]
	}

	// Window check runs over the verified chain end to end, trust root
	// included: an expired anchor invalidates every chain built on it
	now := time.Now()
	for _, cert := range chain.Certs {
		if err := validAt(cert, now); err != nil {
			chain.AddError("%v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.CallTimeout)
	defer cancel()
	for _, cert := range chain.Certs {
		if cert.IsCA {
			continue
		}
		revoked, err := m.caClient.IsRevoked(ctx, cert.SerialNumber.String())
		if err != nil {
			chain.AddError("revocation check failed for %q: %v", cert.Subject.CommonName, err)
			continue
		}
		if revoked {
			chain.AddError("certificate %q is revoked", cert.Subject.CommonName)
		}
	}

	return chain
}

// Rotate requests a replacement certificate, validates the response chain,
// and only then swaps the stored certificate. The old certificate stays in
// service until the swap succeeds.
func (m *Manager) Rotate(ctx context.Context, id string) error {
	m.mu.RLock()
	e, ok := m.active[id]
	m.mu.RUnlock()

	if !ok {
		loaded, err := m.loadFromStore(id)
		if err != nil {
			return err
		}
		e = loaded
	}

	req := ca.Request{
		Subject:     e.record.Subject,
		DNSNames:    e.leaf.DNSNames,
		IPAddresses: e.leaf.IPAddresses,
		Validity:    m.cfg.Validity,
	}

	resp, err := m.caClient.Renew(ctx, e.record.Serial, req)
	if err != nil {
		metrics.CertRotationFailures.Inc()
		return types.NewCertificateError("rotate "+id, err)
	}

	if err := m.install(id, e.record.Subject, resp); err != nil {
		metrics.CertRotationFailures.Inc()
		return err
	}

	metrics.CertRotationsTotal.Inc()
	if m.broker != nil {
		m.broker.Publish(types.NewEvent(types.EventCertRotated, types.SeverityInfo, "certs", "", "").
			WithDetail("cert_id", id).
			WithDetail("serial", resp.Serial))
	}
	m.logger.Info().Str("cert_id", id).Str("serial", resp.Serial).Msg("certificate rotated")
	return nil
}

// Start runs the background rotation scheduler until the context is
// canceled. CA failures raise an alert but the last known-valid certificate
// keeps serving; only an actually expired certificate fails closed (at Load).
func (m *Manager) Start(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.rotateExpiring(ctx)
		}
	}
}

// NeedsRotation reports whether a certificate is within the rotation threshold
func (m *Manager) NeedsRotation(id string) (bool, error) {
	leaf, err := m.Leaf(id)
	if err != nil {
		return false, err
	}
	return time.Until(leaf.NotAfter) < m.cfg.RotationThreshold, nil
}

func (m *Manager) rotateExpiring(ctx context.Context) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.active))
	for id, e := range m.active {
		if time.Until(e.leaf.NotAfter) < m.cfg.RotationThreshold {
			ids = append(ids, id)
		}
		metrics.CertExpirySeconds.WithLabelValues(id).Set(time.Until(e.leaf.NotAfter).Seconds())
	}
	m.mu.RUnlock()

	for _, id := range ids {
		if err := m.Rotate(ctx, id); err != nil {
			m.logger.Error().Err(err).Str("cert_id", id).
				Msg("certificate rotation failed, continuing with current certificate")
			if m.broker != nil {
				m.broker.Publish(types.NewEvent(types.EventCertRotationFailed, types.SeverityHigh, "certs", "", "").
					WithDetail("cert_id", id).
					WithDetail("error", err.Error()))
			}
		}
	}
}

// install validates the CA response and atomically replaces the active
// certificate
func (m *Manager) install(id, subject string, resp *ca.Response) error {
	tlsCert, err := tls.X509KeyPair(resp.CertPEM, resp.KeyPEM)
	if err != nil {
		return types.NewCertificateError("parse issued certificate", err)
	}

	leaf, err := x509.ParseCertificate(tlsCert.Certificate[0])
	if err != nil {
		return types.NewCertificateError("parse issued leaf", err)
	}
	tlsCert.Leaf = leaf

	chain := m.ValidateChain(leaf)
	if !chain.Valid {
		return types.NewCertificateError("validate issued chain",
			fmt.Errorf("CA returned an invalid chain: %v", chain.Errors))
	}

	rec := &types.CertRecord{
		ID:        id,
		Subject:   subject,
		Serial:    leaf.SerialNumber.String(),
		CertPEM:   resp.CertPEM,
		KeyPEM:    resp.KeyPEM,
		NotBefore: leaf.NotBefore,
		NotAfter:  leaf.NotAfter,
		IssuedAt:  time.Now().UTC(),
	}
	if err := m.store.Save(rec); err != nil {
		return types.NewCertificateError("store certificate", err)
	}

	m.mu.Lock()
	m.active[id] = &entry{tlsCert: &tlsCert, leaf: leaf, record: rec}
	m.mu.Unlock()

	metrics.CertExpirySeconds.WithLabelValues(id).Set(time.Until(leaf.NotAfter).Seconds())
	return nil
}

func (m *Manager) loadFromStore(id string) (*entry, error) {
	rec, err := m.store.Load(id)
	if err != nil {
		return nil, types.NewCertificateError("load "+id, err)
	}

	tlsCert, err := tls.X509KeyPair(rec.CertPEM, rec.KeyPEM)
	if err != nil {
		return nil, types.NewCertificateError("parse stored certificate "+id, err)
	}
	leaf, err := x509.ParseCertificate(tlsCert.Certificate[0])
	if err != nil {
		return nil, types.NewCertificateError("parse stored leaf "+id, err)
	}
	tlsCert.Leaf = leaf

	e := &entry{tlsCert: &tlsCert, leaf: leaf, record: rec}

	m.mu.Lock()
	m.active[id] = e
	m.mu.Unlock()

	return e, nil
}
