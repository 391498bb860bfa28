package ca

import (
	"context"
	"net"
	"time"
)

// Request describes the certificate a caller wants issued or renewed
type Request struct {
	Subject     string
	DNSNames    []string
	IPAddresses []net.IP
	Validity    time.Duration
}

// Response carries the signed certificate chain returned by the authority
type Response struct {
	CertPEM []byte
	KeyPEM  []byte
	CAPEM   []byte
	Serial  string
}

// Client is the certificate authority protocol: request, renew and revoke
// certificates over an authenticated channel, and query revocation status
type Client interface {
	Issue(ctx context.Context, req Request) (*Response, error)
	Renew(ctx context.Context, serial string, req Request) (*Response, error)
	Revoke(ctx context.Context, serial string) error
	IsRevoked(ctx context.Context, serial string) (bool, error)
	CACertPEM(ctx context.Context) ([]byte, error)
}
