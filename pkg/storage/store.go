package storage

import (
	"github.com/cuemby/bastion/pkg/types"
)

// Store defines the interface for security engine state storage.
// Implemented by BoltDB-backed storage.
type Store interface {
	// Certificates
	SaveCertificate(rec *types.CertRecord) error
	GetCertificate(id string) (*types.CertRecord, error)
	ListCertificates() ([]*types.CertRecord, error)
	DeleteCertificate(id string) error

	// Certificate authority material
	SaveCA(data []byte) error
	GetCA() ([]byte, error)

	// Threat assessments
	SaveAssessment(assessment *types.ThreatAssessment) error
	GetAssessment(key string) (*types.ThreatAssessment, error)
	ListAssessments() ([]*types.ThreatAssessment, error)
	DeleteAssessment(key string) error

	// Audit fallback buffer (used when the primary sink is unavailable)
	AppendFallbackEvent(data []byte) error
	ListFallbackEvents() ([][]byte, error)
	ClearFallbackEvents() error

	// Utility
	Close() error
}
