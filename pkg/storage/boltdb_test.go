package storage

import (
	"os"
	"testing"
	"time"

	"github.com/cuemby/bastion/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "bastion-storage-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	store, err := NewBoltStore(tmpDir)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestCertificateCRUD(t *testing.T) {
	store := newTestStore(t)

	rec := &types.CertRecord{
		ID:        "server",
		Subject:   "bastion-server",
		Serial:    "12345",
		CertPEM:   []byte("cert-pem"),
		KeyPEM:    []byte("key-pem"),
		NotBefore: time.Now().UTC(),
		NotAfter:  time.Now().Add(24 * time.Hour).UTC(),
	}

	if err := store.SaveCertificate(rec); err != nil {
		t.Fatalf("Failed to save certificate: %v", err)
	}

	loaded, err := store.GetCertificate("server")
	if err != nil {
		t.Fatalf("Failed to get certificate: %v", err)
	}
	if loaded.Subject != rec.Subject || loaded.Serial != rec.Serial {
		t.Errorf("Loaded record doesn't match: %+v", loaded)
	}

	list, err := store.ListCertificates()
	if err != nil {
		t.Fatalf("Failed to list certificates: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("Expected 1 certificate, got %d", len(list))
	}

	if err := store.DeleteCertificate("server"); err != nil {
		t.Fatalf("Failed to delete certificate: %v", err)
	}
	if _, err := store.GetCertificate("server"); err == nil {
		t.Error("Getting a deleted certificate should fail")
	}
	if err := store.DeleteCertificate("server"); err == nil {
		t.Error("Deleting a missing certificate should fail")
	}
}

func TestCAStorage(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.GetCA(); err == nil {
		t.Error("GetCA on a fresh store should fail")
	}

	data := []byte("serialized-ca-state")
	if err := store.SaveCA(data); err != nil {
		t.Fatalf("Failed to save CA: %v", err)
	}

	loaded, err := store.GetCA()
	if err != nil {
		t.Fatalf("Failed to get CA: %v", err)
	}
	if string(loaded) != string(data) {
		t.Errorf("Loaded CA data doesn't match: %q", loaded)
	}
}

func TestAssessmentStorage(t *testing.T) {
	store := newTestStore(t)

	assessment := &types.ThreatAssessment{
		Key:        "alice",
		Score:      48,
		RuleIDs:    []string{"brute_force"},
		Action:     types.ThreatActionThrottle,
		State:      types.ThreatStateSuspicious,
		AssessedAt: time.Now().UTC(),
	}

	if err := store.SaveAssessment(assessment); err != nil {
		t.Fatalf("Failed to save assessment: %v", err)
	}

	loaded, err := store.GetAssessment("alice")
	if err != nil {
		t.Fatalf("Failed to get assessment: %v", err)
	}
	if loaded.Score != 48 || loaded.State != types.ThreatStateSuspicious {
		t.Errorf("Loaded assessment doesn't match: %+v", loaded)
	}

	list, err := store.ListAssessments()
	if err != nil {
		t.Fatalf("Failed to list assessments: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("Expected 1 assessment, got %d", len(list))
	}

	if err := store.DeleteAssessment("alice"); err != nil {
		t.Fatalf("Failed to delete assessment: %v", err)
	}
	if _, err := store.GetAssessment("alice"); err == nil {
		t.Error("Getting a deleted assessment should fail")
	}
}

func TestFallbackBufferOrdering(t *testing.T) {
	store := newTestStore(t)

	for _, payload := range []string{"first", "second", "third"} {
		if err := store.AppendFallbackEvent([]byte(payload)); err != nil {
			t.Fatalf("Failed to append fallback event: %v", err)
		}
	}

	events, err := store.ListFallbackEvents()
	if err != nil {
		t.Fatalf("Failed to list fallback events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("Expected 3 events, got %d", len(events))
	}
	// Sequence keys are big-endian, so iteration preserves append order
	for i, want := range []string{"first", "second", "third"} {
		if string(events[i]) != want {
			t.Errorf("Event %d = %q, want %q", i, events[i], want)
		}
	}

	if err := store.ClearFallbackEvents(); err != nil {
		t.Fatalf("Failed to clear fallback events: %v", err)
	}
	events, err = store.ListFallbackEvents()
	if err != nil {
		t.Fatalf("Failed to list after clear: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("Expected empty buffer after clear, got %d events", len(events))
	}

	// Buffer stays usable after a clear
	if err := store.AppendFallbackEvent([]byte("fourth")); err != nil {
		t.Fatalf("Failed to append after clear: %v", err)
	}
}
