package mtls

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"

	"github.com/cuemby/bastion/pkg/certs"
	"github.com/cuemby/bastion/pkg/log"
	"github.com/cuemby/bastion/pkg/types"
	"github.com/rs/zerolog"
)

// Config controls mutual TLS enforcement
type Config struct {
	// Mandatory rejects any connection without a valid peer chain before
	// any higher layer executes
	Mandatory bool
	// AllowedIdentities is the service identity allow-list checked against
	// the peer leaf certificate's common name and DNS SANs. Empty means any
	// identity with a valid chain is accepted.
	AllowedIdentities []string
}

// Guard builds transport security contexts from managed certificates and
// validates peer certificate chains
type Guard struct {
	manager *certs.Manager
	cfg     Config
	allowed map[string]bool
	logger  zerolog.Logger
}

// NewGuard creates a mutual TLS guard over the certificate manager
func NewGuard(manager *certs.Manager, cfg Config) *Guard {
	allowed := make(map[string]bool, len(cfg.AllowedIdentities))
	for _, id := range cfg.AllowedIdentities {
		allowed[id] = true
	}
	return &Guard{
		manager: manager,
		cfg:     cfg,
		allowed: allowed,
		logger:  log.WithComponent("mtls"),
	}
}

// Mandatory reports whether mTLS is a hard gate
func (g *Guard) Mandatory() bool {
	return g.cfg.Mandatory
}

// BuildServerConfig assembles the server-side TLS configuration. The
// certificate is resolved per handshake so rotation takes effect without
// restarting listeners.
func (g *Guard) BuildServerConfig(certID string) (*tls.Config, error) {
	// Fail fast if the certificate is unusable now
	if _, err := g.manager.Load(certID); err != nil {
		return nil, types.NewMTLSError("build server context", err)
	}

	clientAuth := tls.VerifyClientCertIfGiven
	if g.cfg.Mandatory {
		clientAuth = tls.RequireAndVerifyClientCert
	}

	return &tls.Config{
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			return g.manager.Load(certID)
		},
		ClientCAs:  g.manager.Roots(),
		ClientAuth: clientAuth,
		MinVersion: tls.VersionTLS13,
	}, nil
}

// BuildClientConfig assembles the client-side TLS configuration
func (g *Guard) BuildClientConfig(certID, serverName string) (*tls.Config, error) {
	if _, err := g.manager.Load(certID); err != nil {
		return nil, types.NewMTLSError("build client context", err)
	}

	return &tls.Config{
		GetClientCertificate: func(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
			return g.manager.Load(certID)
		},
		RootCAs:    g.manager.Roots(),
		ServerName: serverName,
		MinVersion: tls.VersionTLS13,
	}, nil
}

// ValidatePeer checks a peer chain: full chain validation plus the service
// identity allow-list on the leaf. Returns an MTLSError when the chain is
// invalid, expired, revoked, or the identity is not allowed.
func (g *Guard) ValidatePeer(peerChain []*x509.Certificate) error {
	if len(peerChain) == 0 {
		return types.NewMTLSError("validate peer", fmt.Errorf("no peer certificates presented"))
	}

	leaf := peerChain[0]
	chain := g.manager.ValidateChain(leaf, peerChain[1:]...)
	if !chain.Valid {
		g.logger.Warn().
			Str("peer", leaf.Subject.CommonName).
			Strs("errors", chain.Errors).
			Msg("peer chain rejected")
		return types.NewMTLSError("validate peer",
			fmt.Errorf("invalid peer chain: %v", chain.Errors))
	}

	if !g.identityAllowed(leaf) {
		g.logger.Warn().
			Str("peer", leaf.Subject.CommonName).
			Msg("peer identity not in allow-list")
		return types.NewMTLSError("validate peer",
			fmt.Errorf("peer identity %q not allowed", leaf.Subject.CommonName))
	}

	return nil
}

// PeerIdentity extracts the service identity from a validated peer leaf
func (g *Guard) PeerIdentity(leaf *x509.Certificate) string {
	return leaf.Subject.CommonName
}

func (g *Guard) identityAllowed(leaf *x509.Certificate) bool {
	if len(g.allowed) == 0 {
		return true
	}
	if g.allowed[leaf.Subject.CommonName] {
		return true
	}
	for _, name := range leaf.DNSNames {
		if g.allowed[name] {
			return true
		}
	}
	return false
}
