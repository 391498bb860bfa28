package ca

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/cuemby/bastion/pkg/crypto"
	"github.com/cuemby/bastion/pkg/storage"
)

const (
	// Root CA validity: 10 years
	rootCAValidity = 10 * 365 * 24 * time.Hour
	// Default leaf certificate validity: 90 days
	defaultLeafValidity = 90 * 24 * time.Hour
	// Root CA key size: 4096 bits (long-lived, high security)
	rootKeySize = 4096
	// Leaf key size: 2048 bits (shorter-lived, faster)
	leafKeySize = 2048
)

// EmbeddedCA is an in-process certificate authority. It implements Client so
// the certificate manager can run without an external CA, and doubles as the
// revocation source for chain validation.
type EmbeddedCA struct {
	rootCert *x509.Certificate
	rootKey  *rsa.PrivateKey
	revoked  map[string]time.Time
	store    storage.Store
	sealer   *crypto.Sealer
	mu       sync.RWMutex
}

// caData is the serialized CA state for storage
type caData struct {
	RootCertDER []byte               `json:"root_cert_der"`
	RootKeyDER  []byte               `json:"root_key_der"`
	Revoked     map[string]time.Time `json:"revoked,omitempty"`
}

// NewEmbeddedCA creates an embedded certificate authority backed by the store.
// The sealer encrypts the root key at rest.
func NewEmbeddedCA(store storage.Store, sealer *crypto.Sealer) *EmbeddedCA {
	return &EmbeddedCA{
		store:   store,
		sealer:  sealer,
		revoked: make(map[string]time.Time),
	}
}

// Initialize generates a new root CA certificate
func (ca *EmbeddedCA) Initialize() error {
	ca.mu.Lock()
	defer ca.mu.Unlock()

	rootKey, err := rsa.GenerateKey(rand.Reader, rootKeySize)
	if err != nil {
		return fmt.Errorf("failed to generate root key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("failed to generate serial number: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"Bastion Security"},
			CommonName:   "Bastion Root CA",
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(rootCAValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		IsCA:                  true,
		BasicConstraintsValid: true,
		MaxPathLen:            1,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &rootKey.PublicKey, rootKey)
	if err != nil {
		return fmt.Errorf("failed to create root certificate: %w", err)
	}

	rootCert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return fmt.Errorf("failed to parse root certificate: %w", err)
	}

	ca.rootCert = rootCert
	ca.rootKey = rootKey

	return nil
}

// LoadFromStore loads the CA state from storage
func (ca *EmbeddedCA) LoadFromStore() error {
	ca.mu.Lock()
	defer ca.mu.Unlock()

	data, err := ca.store.GetCA()
	if err != nil {
		return fmt.Errorf("failed to get CA from storage: %w", err)
	}

	var stored caData
	if err := json.Unmarshal(data, &stored); err != nil {
		return fmt.Errorf("failed to unmarshal CA data: %w", err)
	}

	decryptedKey, err := ca.sealer.Decrypt(stored.RootKeyDER)
	if err != nil {
		return fmt.Errorf("failed to decrypt root key: %w", err)
	}

	rootCert, err := x509.ParseCertificate(stored.RootCertDER)
	if err != nil {
		return fmt.Errorf("failed to parse root certificate: %w", err)
	}

	rootKey, err := x509.ParsePKCS1PrivateKey(decryptedKey)
	if err != nil {
		return fmt.Errorf("failed to parse root key: %w", err)
	}

	ca.rootCert = rootCert
	ca.rootKey = rootKey
	ca.revoked = stored.Revoked
	if ca.revoked == nil {
		ca.revoked = make(map[string]time.Time)
	}

	return nil
}

// SaveToStore persists the CA state with the root key encrypted
func (ca *EmbeddedCA) SaveToStore() error {
	ca.mu.RLock()
	defer ca.mu.RUnlock()

	if ca.rootCert == nil || ca.rootKey == nil {
		return fmt.Errorf("CA not initialized")
	}

	rootKeyDER := x509.MarshalPKCS1PrivateKey(ca.rootKey)
	encryptedKey, err := ca.sealer.Encrypt(rootKeyDER)
	if err != nil {
		return fmt.Errorf("failed to encrypt root key: %w", err)
	}

	stored := caData{
		RootCertDER: ca.rootCert.Raw,
		RootKeyDER:  encryptedKey,
		Revoked:     ca.revoked,
	}

	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal CA data: %w", err)
	}

	if err := ca.store.SaveCA(data); err != nil {
		return fmt.Errorf("failed to save CA to storage: %w", err)
	}

	return nil
}

// IsInitialized returns true if the CA has a root certificate and key
func (ca *EmbeddedCA) IsInitialized() bool {
	ca.mu.RLock()
	defer ca.mu.RUnlock()

	return ca.rootCert != nil && ca.rootKey != nil
}

// RootCert returns the root CA certificate
func (ca *EmbeddedCA) RootCert() *x509.Certificate {
	ca.mu.RLock()
	defer ca.mu.RUnlock()

	return ca.rootCert
}

// Issue signs a new leaf certificate for the requested subject
func (ca *EmbeddedCA) Issue(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ca.mu.RLock()
	defer ca.mu.RUnlock()

	if ca.rootCert == nil || ca.rootKey == nil {
		return nil, fmt.Errorf("CA not initialized")
	}
	if req.Subject == "" {
		return nil, fmt.Errorf("subject cannot be empty")
	}

	validity := req.Validity
	if validity <= 0 {
		validity = defaultLeafValidity
	}

	leafKey, err := rsa.GenerateKey(rand.Reader, leafKeySize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate leaf key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"Bastion Security"},
			CommonName:   req.Subject,
		},
		NotBefore:   time.Now(),
		NotAfter:    time.Now().Add(validity),
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		DNSNames:    req.DNSNames,
		IPAddresses: req.IPAddresses,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, ca.rootCert, &leafKey.PublicKey, ca.rootKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(leafKey),
	})
	caPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ca.rootCert.Raw})

	return &Response{
		CertPEM: certPEM,
		KeyPEM:  keyPEM,
		CAPEM:   caPEM,
		Serial:  serialNumber.String(),
	}, nil
}

// Renew issues a replacement certificate and revokes the old serial
func (ca *EmbeddedCA) Renew(ctx context.Context, serial string, req Request) (*Response, error) {
	resp, err := ca.Issue(ctx, req)
	if err != nil {
		return nil, err
	}

	ca.mu.Lock()
	ca.revoked[serial] = time.Now()
	ca.mu.Unlock()

	return resp, nil
}

// Revoke marks a serial number as revoked
func (ca *EmbeddedCA) Revoke(ctx context.Context, serial string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ca.mu.Lock()
	defer ca.mu.Unlock()

	if _, exists := ca.revoked[serial]; exists {
		return fmt.Errorf("serial %s already revoked", serial)
	}
	ca.revoked[serial] = time.Now()
	return nil
}

// IsRevoked reports whether a serial number has been revoked
func (ca *EmbeddedCA) IsRevoked(ctx context.Context, serial string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	ca.mu.RLock()
	defer ca.mu.RUnlock()

	_, revoked := ca.revoked[serial]
	return revoked, nil
}

// CACertPEM returns the root CA certificate in PEM form
func (ca *EmbeddedCA) CACertPEM(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ca.mu.RLock()
	defer ca.mu.RUnlock()

	if ca.rootCert == nil {
		return nil, fmt.Errorf("CA not initialized")
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ca.rootCert.Raw}), nil
}
