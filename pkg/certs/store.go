package certs

import (
	"fmt"

	"github.com/cuemby/bastion/pkg/crypto"
	"github.com/cuemby/bastion/pkg/storage"
	"github.com/cuemby/bastion/pkg/types"
)

// Store holds certificate records with private keys encrypted at rest
type Store struct {
	backend storage.Store
	sealer  *crypto.Sealer
}

// NewStore creates an encrypted certificate store over the backend
func NewStore(backend storage.Store, sealer *crypto.Sealer) *Store {
	return &Store{backend: backend, sealer: sealer}
}

// Save encrypts the key material and persists the record
func (s *Store) Save(rec *types.CertRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("certificate record id cannot be empty")
	}

	encryptedKey, err := s.sealer.Encrypt(rec.KeyPEM)
	if err != nil {
		return fmt.Errorf("failed to encrypt key material: %w", err)
	}

	stored := *rec
	stored.KeyPEM = encryptedKey
	if err := s.backend.SaveCertificate(&stored); err != nil {
		return fmt.Errorf("failed to save certificate %s: %w", rec.ID, err)
	}
	return nil
}

// Load retrieves a record and decrypts its key material
func (s *Store) Load(id string) (*types.CertRecord, error) {
	rec, err := s.backend.GetCertificate(id)
	if err != nil {
		return nil, fmt.Errorf("failed to load certificate %s: %w", id, err)
	}

	keyPEM, err := s.sealer.Decrypt(rec.KeyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt key material for %s: %w", id, err)
	}
	rec.KeyPEM = keyPEM
	return rec, nil
}

// List returns all stored records with keys still encrypted
func (s *Store) List() ([]*types.CertRecord, error) {
	return s.backend.ListCertificates()
}

// Delete removes a record
func (s *Store) Delete(id string) error {
	return s.backend.DeleteCertificate(id)
}
