package crypto

import (
	"crypto/tls"
	"io/ioutil"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCredentials(t *testing.T) {
	creds, err := LoadCredentials("", "")
	require.NoError(t, err)

	assert.Equal(t, "cloudsync.local", creds.ServerName)
	assert.NotNil(t, creds.Certificate.Leaf)
	assert.NotEmpty(t, creds.KeyPEM)
	assert.NotEmpty(t, creds.CertPEM)

	conf := creds.TLSConfig()
	assert.Equal(t, tls.RequireAndVerifyClientCert, conf.ClientAuth)
	assert.Equal(t, uint16(tls.VersionTLS12), conf.MinVersion)
	assert.Equal(t, creds.ServerName, conf.ServerName)
}

func TestLoadCredentialsMissingFile(t *testing.T) {
	_, err := LoadCredentials("/nonexistent/private.key", "")
	assert.Error(t, err)

	_, err = LoadCredentials("", "/nonexistent/public.crt")
	assert.Error(t, err)
}

func TestLoadCredentialsMismatch(t *testing.T) {
	other, err := GenerateSelfSigned([]string{"other.local"}, time.Hour)
	require.NoError(t, err)

	dir, err := ioutil.TempDir("", "cloudsync-crypto")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	keyPath := filepath.Join(dir, "private.key")
	require.NoError(t, ioutil.WriteFile(keyPath, other.KeyPEM, 0600))

	// key from one pair, certificate from the bundled one
	_, err = LoadCredentials(keyPath, "")
	assert.Error(t, err)
}

func TestGenerateAndWrite(t *testing.T) {
	creds, err := GenerateSelfSigned([]string{"127.0.0.1", "node.example"}, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "node.example", creds.ServerName)
	assert.Len(t, creds.Certificate.Leaf.IPAddresses, 1)

	dir, err := ioutil.TempDir("", "cloudsync-crypto")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	keyPath := filepath.Join(dir, "keys", "private.key")
	certPath := filepath.Join(dir, "keys", "public.crt")

	require.NoError(t, WriteCredentials(creds, keyPath, certPath))
	assert.Error(t, WriteCredentials(creds, keyPath, certPath))

	loaded, err := LoadCredentials(keyPath, certPath)
	require.NoError(t, err)
	assert.Equal(t, creds.CertPEM, loaded.CertPEM)
}

func handshake(t *testing.T, server, client *Credentials) error {
	ln, err := tls.Listen("tcp", "127.0.0.1:0", server.TLSConfig())
	require.NoError(t, err)
	defer ln.Close()

	serverErr := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			serverErr <- err
			return
		}
		defer conn.Close()
		serverErr <- conn.(*tls.Conn).Handshake()
	}()

	dialer := &net.Dialer{Timeout: time.Second}
	conn, err := tls.DialWithDialer(dialer, "tcp", ln.Addr().String(), client.TLSConfig())
	if err == nil {
		conn.Close()
	}

	if sErr := <-serverErr; sErr != nil {
		return sErr
	}
	return err
}

func TestMutualTLSHandshake(t *testing.T) {
	creds, err := DefaultCredentials()
	require.NoError(t, err)

	assert.NoError(t, handshake(t, creds, creds))
}

func TestMutualTLSRejectsForeignCertificate(t *testing.T) {
	creds, err := DefaultCredentials()
	require.NoError(t, err)

	foreign, err := GenerateSelfSigned([]string{"cloudsync.local"}, time.Hour)
	require.NoError(t, err)

	assert.Error(t, handshake(t, creds, foreign))
}
