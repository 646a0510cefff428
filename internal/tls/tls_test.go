package tls

import (
	"crypto/tls"
	"crypto/x509"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"account-security/internal/config"
)

func TestDevCertIsGeneratedAndReused(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "certs")
	gen := NewDevCertGenerator(dir)

	first, err := gen.GenerateCert([]string{"accounts.local", "127.0.0.1"})
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(first.Certificate[0])
	require.NoError(t, err)
	assert.Contains(t, leaf.DNSNames, "accounts.local")
	require.Len(t, leaf.IPAddresses, 1)
	assert.Equal(t, "127.0.0.1", leaf.IPAddresses[0].String())

	second, err := gen.GenerateCert([]string{"other"})
	require.NoError(t, err)
	assert.Equal(t, first.Certificate[0], second.Certificate[0], "valid certificate on disk is reused")
}

func TestManagerFallsBackToDevCertOutsideProduction(t *testing.T) {
	cfg := config.ServerConfig{EnableTLS: true, Domain: "localhost", AutoCertDir: t.TempDir()}

	m := NewTLSManager(cfg, false)
	assert.Nil(t, m.GetAutocertManager())

	cert, err := m.GetCertificate(&tls.ClientHelloInfo{ServerName: "localhost"})
	require.NoError(t, err)
	again, err := m.GetCertificate(&tls.ClientHelloInfo{ServerName: "localhost"})
	require.NoError(t, err)
	assert.Same(t, cert, again)

	assert.Equal(t, uint16(tls.VersionTLS12), m.GetTLSConfig().MinVersion)
}

func TestManagerRefusesSelfSignedInProduction(t *testing.T) {
	cfg := config.ServerConfig{EnableTLS: true, Domain: "example.com", AutoCertDir: t.TempDir()}
	_, err := NewTLSManager(cfg, true).GetCertificate(&tls.ClientHelloInfo{ServerName: "example.com"})
	assert.Error(t, err)
}
