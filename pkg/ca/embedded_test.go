package ca

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"os"
	"testing"
	"time"

	"github.com/cuemby/bastion/pkg/crypto"
	"github.com/cuemby/bastion/pkg/storage"
)

func newTestCA(t *testing.T) (*EmbeddedCA, storage.Store) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "bastion-ca-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	store, err := storage.NewBoltStore(tmpDir)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	sealer, err := crypto.NewSealerFromPassphrase("test-passphrase")
	if err != nil {
		t.Fatalf("Failed to create sealer: %v", err)
	}

	return NewEmbeddedCA(store, sealer), store
}

func TestInitializeCA(t *testing.T) {
	ca, _ := newTestCA(t)

	if err := ca.Initialize(); err != nil {
		t.Fatalf("Failed to initialize CA: %v", err)
	}

	if !ca.IsInitialized() {
		t.Error("CA should be initialized")
	}
	if ca.rootCert == nil {
		t.Fatal("Root certificate should not be nil")
	}
	if !ca.rootCert.IsCA {
		t.Error("Root certificate should be a CA")
	}

	expectedExpiry := time.Now().Add(rootCAValidity)
	if ca.rootCert.NotAfter.Before(expectedExpiry.Add(-time.Hour)) {
		t.Errorf("Root cert expiry too early: %v, expected around %v", ca.rootCert.NotAfter, expectedExpiry)
	}
}

func TestSaveLoadCA(t *testing.T) {
	ca1, store := newTestCA(t)

	if err := ca1.Initialize(); err != nil {
		t.Fatalf("Failed to initialize CA: %v", err)
	}
	if err := ca1.SaveToStore(); err != nil {
		t.Fatalf("Failed to save CA: %v", err)
	}

	sealer, _ := crypto.NewSealerFromPassphrase("test-passphrase")
	ca2 := NewEmbeddedCA(store, sealer)
	if err := ca2.LoadFromStore(); err != nil {
		t.Fatalf("Failed to load CA: %v", err)
	}

	if !ca2.IsInitialized() {
		t.Error("Loaded CA should be initialized")
	}
	if !ca1.rootCert.Equal(ca2.rootCert) {
		t.Error("Loaded root cert should match original")
	}
	if ca1.rootKey.N.Cmp(ca2.rootKey.N) != 0 {
		t.Error("Loaded root key should match original")
	}
}

func TestLoadCAWrongPassphrase(t *testing.T) {
	ca1, store := newTestCA(t)

	if err := ca1.Initialize(); err != nil {
		t.Fatalf("Failed to initialize CA: %v", err)
	}
	if err := ca1.SaveToStore(); err != nil {
		t.Fatalf("Failed to save CA: %v", err)
	}

	sealer, _ := crypto.NewSealerFromPassphrase("wrong-passphrase")
	ca2 := NewEmbeddedCA(store, sealer)
	if err := ca2.LoadFromStore(); err == nil {
		t.Error("Loading with the wrong passphrase should fail")
	}
}

func TestIssueCertificate(t *testing.T) {
	ca, _ := newTestCA(t)
	if err := ca.Initialize(); err != nil {
		t.Fatalf("Failed to initialize CA: %v", err)
	}

	resp, err := ca.Issue(context.Background(), Request{
		Subject:  "service-a",
		DNSNames: []string{"service-a.local"},
		Validity: 24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("Failed to issue certificate: %v", err)
	}

	block, _ := pem.Decode(resp.CertPEM)
	if block == nil {
		t.Fatal("Response should contain a PEM certificate")
	}
	leaf, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatalf("Failed to parse issued certificate: %v", err)
	}

	if leaf.Subject.CommonName != "service-a" {
		t.Errorf("Subject CN = %q, want service-a", leaf.Subject.CommonName)
	}
	if len(leaf.DNSNames) != 1 || leaf.DNSNames[0] != "service-a.local" {
		t.Errorf("DNS names = %v, want [service-a.local]", leaf.DNSNames)
	}
	if leaf.IsCA {
		t.Error("Leaf certificate should not be a CA")
	}
	if leaf.SerialNumber.String() != resp.Serial {
		t.Errorf("Serial mismatch: cert %s, response %s", leaf.SerialNumber, resp.Serial)
	}

	// Issued certificate must verify against the root
	roots := x509.NewCertPool()
	roots.AddCert(ca.RootCert())
	if _, err := leaf.Verify(x509.VerifyOptions{
		Roots:     roots,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}); err != nil {
		t.Errorf("Issued certificate should verify against the root: %v", err)
	}
}

func TestIssueRequiresSubject(t *testing.T) {
	ca, _ := newTestCA(t)
	if err := ca.Initialize(); err != nil {
		t.Fatalf("Failed to initialize CA: %v", err)
	}

	if _, err := ca.Issue(context.Background(), Request{}); err == nil {
		t.Error("Issue with empty subject should fail")
	}
}

func TestIssueUninitialized(t *testing.T) {
	ca, _ := newTestCA(t)

	if _, err := ca.Issue(context.Background(), Request{Subject: "x"}); err == nil {
		t.Error("Issue before Initialize should fail")
	}
}

func TestRenewRevokesOldSerial(t *testing.T) {
	ca, _ := newTestCA(t)
	if err := ca.Initialize(); err != nil {
		t.Fatalf("Failed to initialize CA: %v", err)
	}

	ctx := context.Background()
	first, err := ca.Issue(ctx, Request{Subject: "service-a"})
	if err != nil {
		t.Fatalf("Failed to issue certificate: %v", err)
	}

	second, err := ca.Renew(ctx, first.Serial, Request{Subject: "service-a"})
	if err != nil {
		t.Fatalf("Failed to renew certificate: %v", err)
	}
	if second.Serial == first.Serial {
		t.Error("Renewal should produce a new serial")
	}

	revoked, err := ca.IsRevoked(ctx, first.Serial)
	if err != nil {
		t.Fatalf("Failed to check revocation: %v", err)
	}
	if !revoked {
		t.Error("Old serial should be revoked after renewal")
	}

	revoked, err = ca.IsRevoked(ctx, second.Serial)
	if err != nil {
		t.Fatalf("Failed to check revocation: %v", err)
	}
	if revoked {
		t.Error("New serial should not be revoked")
	}
}

func TestRevoke(t *testing.T) {
	ca, _ := newTestCA(t)
	if err := ca.Initialize(); err != nil {
		t.Fatalf("Failed to initialize CA: %v", err)
	}

	ctx := context.Background()
	resp, err := ca.Issue(ctx, Request{Subject: "service-a"})
	if err != nil {
		t.Fatalf("Failed to issue certificate: %v", err)
	}

	if err := ca.Revoke(ctx, resp.Serial); err != nil {
		t.Fatalf("Failed to revoke: %v", err)
	}
	if err := ca.Revoke(ctx, resp.Serial); err == nil {
		t.Error("Revoking an already revoked serial should fail")
	}

	revoked, _ := ca.IsRevoked(ctx, resp.Serial)
	if !revoked {
		t.Error("Serial should be revoked")
	}
}

func TestRevocationSurvivesReload(t *testing.T) {
	ca1, store := newTestCA(t)
	if err := ca1.Initialize(); err != nil {
		t.Fatalf("Failed to initialize CA: %v", err)
	}

	ctx := context.Background()
	resp, err := ca1.Issue(ctx, Request{Subject: "service-a"})
	if err != nil {
		t.Fatalf("Failed to issue certificate: %v", err)
	}
	if err := ca1.Revoke(ctx, resp.Serial); err != nil {
		t.Fatalf("Failed to revoke: %v", err)
	}
	if err := ca1.SaveToStore(); err != nil {
		t.Fatalf("Failed to save CA: %v", err)
	}

	sealer, _ := crypto.NewSealerFromPassphrase("test-passphrase")
	ca2 := NewEmbeddedCA(store, sealer)
	if err := ca2.LoadFromStore(); err != nil {
		t.Fatalf("Failed to load CA: %v", err)
	}

	revoked, err := ca2.IsRevoked(ctx, resp.Serial)
	if err != nil {
		t.Fatalf("Failed to check revocation: %v", err)
	}
	if !revoked {
		t.Error("Revocation list should survive save/load")
	}
}

func TestCACertPEM(t *testing.T) {
	ca, _ := newTestCA(t)
	if err := ca.Initialize(); err != nil {
		t.Fatalf("Failed to initialize CA: %v", err)
	}

	pemData, err := ca.CACertPEM(context.Background())
	if err != nil {
		t.Fatalf("Failed to get CA PEM: %v", err)
	}

	block, _ := pem.Decode(pemData)
	if block == nil || block.Type != "CERTIFICATE" {
		t.Fatal("CA PEM should decode as a certificate")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatalf("Failed to parse CA certificate: %v", err)
	}
	if !cert.Equal(ca.RootCert()) {
		t.Error("PEM certificate should match the root")
	}
}
