package tls

import (
	"crypto/tls"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/enginevisor/internal/config"
)

func TestSetupDisabled(t *testing.T) {
	c, err := Setup(config.ServerConfig{})
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestSetupAutoGenerate(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "certs")
	c, err := Setup(config.ServerConfig{
		TLSMinVersion: "1.2",
		TLS:           &config.TLSConfig{Enabled: true, Dir: dir, AutoGenerate: true},
	})
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, uint16(tls.VersionTLS12), c.MinVersion)
	assert.Equal(t, uint16(tls.VersionTLS13), c.MaxVersion)
	for _, f := range []string{certFile, keyFile, caFile} {
		_, err := os.Stat(filepath.Join(dir, f))
		assert.NoError(t, err, f)
	}
	cert, err := c.GetCertificate(&tls.ClientHelloInfo{})
	require.NoError(t, err)
	assert.NotEmpty(t, cert.Certificate)

	// a second setup reuses the existing pair
	before, err := os.ReadFile(filepath.Join(dir, certFile))
	require.NoError(t, err)
	_, err = Setup(config.ServerConfig{TLS: &config.TLSConfig{Enabled: true, Dir: dir, AutoGenerate: true}})
	require.NoError(t, err)
	after, err := os.ReadFile(filepath.Join(dir, certFile))
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestSetupErrors(t *testing.T) {
	_, err := Setup(config.ServerConfig{TLS: &config.TLSConfig{Enabled: true}})
	assert.Error(t, err)

	_, err = Setup(config.ServerConfig{TLS: &config.TLSConfig{Enabled: true, Dir: t.TempDir()}})
	assert.Error(t, err, "missing pair without auto_generate")

	_, err = Setup(config.ServerConfig{
		TLSMinVersion: "1.3",
		TLSMaxVersion: "1.2",
		TLS:           &config.TLSConfig{Enabled: true, Dir: t.TempDir(), AutoGenerate: true},
	})
	assert.Error(t, err)

	_, err = Setup(config.ServerConfig{
		TLSMinVersion: "1.1",
		TLS:           &config.TLSConfig{Enabled: true, Dir: t.TempDir(), AutoGenerate: true},
	})
	assert.Error(t, err)
}
