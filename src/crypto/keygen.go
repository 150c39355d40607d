package crypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"io/ioutil"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

// DefaultServerName is the certificate name used when keygen is given no
// DNS host.
const DefaultServerName = "cloudsync.local"

// GenerateSelfSigned creates an ECDSA P-256 key and a self-signed certificate
// valid for the given hosts, which may be DNS names or IP addresses. The first
// DNS name becomes the server name peers verify against.
func GenerateSelfSigned(hosts []string, validity time.Duration) (*Credentials, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}

	now := time.Now()

	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   DefaultServerName,
			Organization: []string{"cloudsync"},
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else if h != "" {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	if len(template.DNSNames) == 0 {
		template.DNSNames = []string{DefaultServerName}
	}
	template.Subject.CommonName = template.DNSNames[0]

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	return NewCredentials(keyPEM, certPEM)
}

// WriteCredentials writes the key and certificate of c to the given paths,
// creating parent directories. It refuses to overwrite an existing key.
func WriteCredentials(c *Credentials, keyPath, certPath string) error {
	if _, err := os.Stat(keyPath); err == nil {
		return fmt.Errorf("a key already lives under: %s", keyPath)
	}

	if err := os.MkdirAll(filepath.Dir(keyPath), 0700); err != nil {
		return fmt.Errorf("writing private key: %w", err)
	}

	if err := ioutil.WriteFile(keyPath, c.KeyPEM, 0600); err != nil {
		return fmt.Errorf("writing private key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(certPath), 0700); err != nil {
		return fmt.Errorf("writing certificate: %w", err)
	}

	if err := ioutil.WriteFile(certPath, c.CertPEM, 0644); err != nil {
		return fmt.Errorf("writing certificate: %w", err)
	}

	return nil
}
