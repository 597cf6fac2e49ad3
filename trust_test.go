package ldapnav

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func selfSignedCert(t *testing.T, host string) *x509.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: host},
		DNSNames:     []string{host},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

func TestFingerprintFormat(t *testing.T) {
	cert := selfSignedCert(t, "ldap.test")

	fp := Fingerprint(cert)
	assert.Regexp(t, regexp.MustCompile(`^([0-9A-F]{2}:){31}[0-9A-F]{2}$`), fp)
	assert.Equal(t, fp, Fingerprint(cert), "fingerprints are deterministic")
}

func TestNormalizeFingerprint(t *testing.T) {
	cert := selfSignedCert(t, "ldap.test")
	fp := Fingerprint(cert)

	store := NewTrustStore()
	store.Pin(fp)
	variants := []string{
		fp,
		"  " + fp + " ",
	}
	for _, v := range variants {
		assert.True(t, store.Pinned(v), "variant %q should match", v)
	}

	// Lowercase, colon-free form as users paste it from openssl output.
	bare := ""
	for _, r := range fp {
		if r != ':' {
			bare += string(r)
		}
	}
	store2 := NewTrustStore()
	store2.Pin(bare)
	assert.True(t, store2.Pinned(fp))
}

func TestTrustStorePins(t *testing.T) {
	store := NewTrustStore("AA:BB", "cc:dd")

	assert.True(t, store.Pinned("aa:bb"))
	assert.True(t, store.Pinned("CC:DD"))
	assert.False(t, store.Pinned("EE:FF"))

	store.Pin("EE:FF")
	assert.True(t, store.Pinned("EE:FF"))
	assert.NotContains(t, store.PersistentPins(), "EE:FF",
		"session pins do not persist")

	store.PinPersistent("11:22")
	assert.Equal(t, []string{"11:22", "AA:BB", "CC:DD"}, store.PersistentPins())
}

func TestTrustConfigRejectsUnknownCertificate(t *testing.T) {
	cert := selfSignedCert(t, "ldap.test")
	store := NewTrustStore()

	cfg := store.Config(nil, "ldap.test")
	assert.True(t, cfg.InsecureSkipVerify, "verification runs in the callback")
	require.NotNil(t, cfg.VerifyPeerCertificate)

	err := cfg.VerifyPeerCertificate([][]byte{cert.Raw}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUntrustedCertificate)

	var terr *TrustError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, Fingerprint(cert), terr.Fingerprint)
	assert.Contains(t, terr.Subject, "ldap.test")
	assert.Contains(t, terr.Error(), terr.Fingerprint)
}

func TestTrustConfigAcceptsPinnedCertificate(t *testing.T) {
	cert := selfSignedCert(t, "ldap.test")
	store := NewTrustStore()
	store.Pin(Fingerprint(cert))

	cfg := store.Config(nil, "ldap.test")
	assert.NoError(t, cfg.VerifyPeerCertificate([][]byte{cert.Raw}, nil))
}

func TestTrustConfigAcceptsChainValidCertificate(t *testing.T) {
	cert := selfSignedCert(t, "ldap.test")
	roots := x509.NewCertPool()
	roots.AddCert(cert)
	store := NewTrustStore()

	cfg := store.Config(&tls.Config{RootCAs: roots, MinVersion: tls.VersionTLS12}, "ldap.test")
	assert.NoError(t, cfg.VerifyPeerCertificate([][]byte{cert.Raw}, nil),
		"chain-valid certificates need no pin")
}

func TestTrustConfigHostnameMismatch(t *testing.T) {
	cert := selfSignedCert(t, "other.test")
	roots := x509.NewCertPool()
	roots.AddCert(cert)
	store := NewTrustStore()

	cfg := store.Config(&tls.Config{RootCAs: roots, MinVersion: tls.VersionTLS12}, "ldap.test")
	err := cfg.VerifyPeerCertificate([][]byte{cert.Raw}, nil)
	require.Error(t, err, "a trusted chain for the wrong host still fails")
	assert.ErrorIs(t, err, ErrUntrustedCertificate)

	// An explicit pin overrides the mismatch; the user decided to trust
	// this exact certificate.
	store.Pin(Fingerprint(cert))
	assert.NoError(t, cfg.VerifyPeerCertificate([][]byte{cert.Raw}, nil))
}

func TestTrustConfigNoCertificate(t *testing.T) {
	store := NewTrustStore()
	cfg := store.Config(nil, "ldap.test")

	err := cfg.VerifyPeerCertificate(nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUntrustedCertificate)
}

func TestTrustConfigBaseHandling(t *testing.T) {
	store := NewTrustStore()

	cfg := store.Config(nil, "ldap.test")
	assert.Equal(t, "ldap.test", cfg.ServerName)
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)

	base := &tls.Config{ServerName: "pinned.example.com", MinVersion: tls.VersionTLS13}
	cfg = store.Config(base, "ldap.test")
	assert.Equal(t, "pinned.example.com", cfg.ServerName, "an explicit server name wins")
	assert.Equal(t, uint16(tls.VersionTLS13), cfg.MinVersion)
	assert.Nil(t, base.VerifyPeerCertificate, "the base config is not mutated")
}
