package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/cuemby/bastion/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketCertificates = []byte("certificates")
	bucketCA           = []byte("ca")
	bucketAssessments  = []byte("assessments")
	bucketFallback     = []byte("audit_fallback")

	keyCA = []byte("root")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "bastion.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketCertificates,
			bucketCA,
			bucketAssessments,
			bucketFallback,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Certificate operations

func (s *BoltStore) SaveCertificate(rec *types.CertRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCertificates)
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal certificate record: %w", err)
		}
		return b.Put([]byte(rec.ID), data)
	})
}

func (s *BoltStore) GetCertificate(id string) (*types.CertRecord, error) {
	var rec types.CertRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCertificates)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("certificate %s not found", id)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *BoltStore) ListCertificates() ([]*types.CertRecord, error) {
	var records []*types.CertRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCertificates)
		return b.ForEach(func(k, v []byte) error {
			var rec types.CertRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("failed to unmarshal certificate record: %w", err)
			}
			records = append(records, &rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (s *BoltStore) DeleteCertificate(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCertificates)
		if b.Get([]byte(id)) == nil {
			return fmt.Errorf("certificate %s not found", id)
		}
		return b.Delete([]byte(id))
	})
}

// CA operations

func (s *BoltStore) SaveCA(data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCA).Put(keyCA, data)
	})
}

func (s *BoltStore) GetCA() ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketCA).Get(keyCA)
		if v == nil {
			return fmt.Errorf("CA not found")
		}
		data = make([]byte, len(v))
		copy(data, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Threat assessment operations

func (s *BoltStore) SaveAssessment(assessment *types.ThreatAssessment) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAssessments)
		data, err := json.Marshal(assessment)
		if err != nil {
			return fmt.Errorf("failed to marshal assessment: %w", err)
		}
		return b.Put([]byte(assessment.Key), data)
	})
}

func (s *BoltStore) GetAssessment(key string) (*types.ThreatAssessment, error) {
	var assessment types.ThreatAssessment
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAssessments)
		data := b.Get([]byte(key))
		if data == nil {
			return fmt.Errorf("assessment %s not found", key)
		}
		return json.Unmarshal(data, &assessment)
	})
	if err != nil {
		return nil, err
	}
	return &assessment, nil
}

func (s *BoltStore) ListAssessments() ([]*types.ThreatAssessment, error) {
	var assessments []*types.ThreatAssessment
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAssessments)
		return b.ForEach(func(k, v []byte) error {
			var a types.ThreatAssessment
			if err := json.Unmarshal(v, &a); err != nil {
				return fmt.Errorf("failed to unmarshal assessment: %w", err)
			}
			assessments = append(assessments, &a)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return assessments, nil
}

func (s *BoltStore) DeleteAssessment(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAssessments).Delete([]byte(key))
	})
}

// Audit fallback operations

func (s *BoltStore) AppendFallbackEvent(data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFallback)
		seq, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to get sequence: %w", err)
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		return b.Put(key, data)
	})
}

func (s *BoltStore) ListFallbackEvents() ([][]byte, error) {
	var events [][]byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFallback)
		return b.ForEach(func(k, v []byte) error {
			data := make([]byte, len(v))
			copy(data, v)
			events = append(events, data)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (s *BoltStore) ClearFallbackEvents() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketFallback); err != nil {
			return fmt.Errorf("failed to delete fallback bucket: %w", err)
		}
		_, err := tx.CreateBucket(bucketFallback)
		return err
	})
}
