package tls

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-vault-worker/logger"
	"github.com/saiset-co/sai-vault-worker/types"
)

func writeKeyPair(t *testing.T, notBefore, notAfter time.Time) (string, string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "vault.localhost"},
		DNSNames:     []string{"vault.localhost"},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")

	require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0600))
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0600))

	return certFile, keyFile
}

func TestNewCertManager_StaticKeyPair(t *testing.T) {
	certFile, keyFile := writeKeyPair(t, time.Now().Add(-time.Hour), time.Now().Add(90*24*time.Hour))

	cm, err := NewCertManager(context.Background(), logger.NewNop(), &types.TLSConfig{
		Enabled:  true,
		CertFile: certFile,
		KeyFile:  keyFile,
	})
	require.NoError(t, err)

	_, err = cm.Listen("127.0.0.1:0")
	assert.ErrorIs(t, err, types.ErrServerNotRunning)

	require.NoError(t, cm.Start())
	defer func() { _ = cm.Stop() }()

	ln, err := cm.Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()

	config := cm.GetTLSConfig()
	assert.Len(t, config.Certificates, 1)
	assert.Equal(t, uint16(tls.VersionTLS12), config.MinVersion)

	status := cm.GetCertificateStatus()
	require.Contains(t, status, "vault.localhost")
	assert.Equal(t, "valid", status["vault.localhost"].Status)
}

func TestNewCertManager_Rejects(t *testing.T) {
	expiredCert, expiredKey := writeKeyPair(t, time.Now().Add(-48*time.Hour), time.Now().Add(-time.Hour))

	tests := []struct {
		name   string
		config *types.TLSConfig
		want   error
	}{
		{name: "nil config", config: nil, want: types.ErrConfigIsNil},
		{name: "missing files", config: &types.TLSConfig{Enabled: true}, want: types.ErrConfigInvalidPath},
		{name: "unreadable files", config: &types.TLSConfig{Enabled: true, CertFile: "/nope/cert.pem", KeyFile: "/nope/key.pem"}, want: types.ErrConfigLoadFailed},
		{name: "expired", config: &types.TLSConfig{Enabled: true, CertFile: expiredCert, KeyFile: expiredKey}, want: types.ErrConfigValidateFailed},
		{name: "autocert without domains", config: &types.TLSConfig{Enabled: true, AutoCert: true}, want: types.ErrConfigValidateFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCertManager(context.Background(), logger.NewNop(), tt.config)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestNewCertManager_AutoCertConfig(t *testing.T) {
	cm, err := NewCertManager(context.Background(), logger.NewNop(), &types.TLSConfig{
		Enabled:  true,
		AutoCert: true,
		Domains:  []string{"vault.example.com"},
		CacheDir: filepath.Join(t.TempDir(), "certs"),
	})
	require.NoError(t, err)

	config := cm.GetTLSConfig()
	assert.NotNil(t, config.GetCertificate)
	assert.Contains(t, config.NextProtos, "acme-tls/1")
	assert.Empty(t, cm.GetCertificateStatus())
}

func TestDescribe(t *testing.T) {
	certFile, keyFile := writeKeyPair(t, time.Now().Add(-time.Hour), time.Now().Add(10*24*time.Hour))
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	require.NoError(t, err)

	assert.Equal(t, "expiring_soon", describe("vault.localhost", &cert, time.Now()).Status)
	assert.Equal(t, "expired", describe("vault.localhost", &cert, time.Now().Add(11*24*time.Hour)).Status)
	assert.Equal(t, "error", describe("empty", &tls.Certificate{}, time.Now()).Status)
}
