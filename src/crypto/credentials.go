package crypto

import (
	"crypto/tls"
	"crypto/x509"
	_ "embed"
	"errors"
	"fmt"
	"io/ioutil"
)

var (
	//go:embed misc/private.key
	defaultPrivateKey []byte

	//go:embed misc/public.crt
	defaultCertificate []byte
)

var errNoCertificate = errors.New("no certificate found in PEM data")

// Credentials is the TLS key pair of a node along with the pool and server
// name derived from it. It is read-only once loaded.
type Credentials struct {
	Certificate tls.Certificate
	KeyPEM      []byte
	CertPEM     []byte
	Pool        *x509.CertPool
	ServerName  string
}

// LoadCredentials reads the PEM encoded private key and certificate from the
// given paths. An empty path selects the corresponding bundled default.
func LoadCredentials(keyPath, certPath string) (*Credentials, error) {
	keyPEM := defaultPrivateKey
	certPEM := defaultCertificate

	if keyPath != "" {
		buf, err := ioutil.ReadFile(keyPath)
		if err != nil {
			return nil, fmt.Errorf("reading private key: %w", err)
		}
		keyPEM = buf
	}

	if certPath != "" {
		buf, err := ioutil.ReadFile(certPath)
		if err != nil {
			return nil, fmt.Errorf("reading certificate: %w", err)
		}
		certPEM = buf
	}

	return NewCredentials(keyPEM, certPEM)
}

// DefaultCredentials returns the bundled key pair.
func DefaultCredentials() (*Credentials, error) {
	return NewCredentials(defaultPrivateKey, defaultCertificate)
}

// NewCredentials parses a PEM key pair.
func NewCredentials(keyPEM, certPEM []byte) (*Credentials, error) {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("loading X509 key pair: %w", err)
	}

	if len(cert.Certificate) == 0 {
		return nil, errNoCertificate
	}

	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("parsing certificate: %w", err)
	}
	cert.Leaf = leaf

	pool := x509.NewCertPool()
	pool.AddCert(leaf)

	serverName := leaf.Subject.CommonName
	if len(leaf.DNSNames) > 0 {
		serverName = leaf.DNSNames[0]
	}

	return &Credentials{
		Certificate: cert,
		KeyPEM:      keyPEM,
		CertPEM:     certPEM,
		Pool:        pool,
		ServerName:  serverName,
	}, nil
}

// TLSConfig returns a new mutual-TLS configuration. Both ends present the
// cluster certificate and verify the other end against it. ServerName is
// pinned to the certificate's name so peers can be dialed by IP.
func (c *Credentials) TLSConfig() *tls.Config {
	return &tls.Config{
		ServerName:   c.ServerName,
		Certificates: []tls.Certificate{c.Certificate},
		RootCAs:      c.Pool,
		ClientCAs:    c.Pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS12,
	}
}
