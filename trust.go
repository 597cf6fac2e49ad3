package ldapnav

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Fingerprint returns the SHA-256 fingerprint of cert as colon-separated
// uppercase hex, the form stored in profiles and shown to users.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	var b strings.Builder
	for i, octet := range sum {
		if i > 0 {
			b.WriteByte(':')
		}
		fmt.Fprintf(&b, "%02X", octet)
	}
	return b.String()
}

func normalizeFingerprint(fp string) string {
	cleaned := strings.ToUpper(strings.NewReplacer(":", "", " ", "").Replace(fp))
	if len(cleaned)%2 != 0 {
		return cleaned
	}
	var b strings.Builder
	for i := 0; i < len(cleaned); i += 2 {
		if i > 0 {
			b.WriteByte(':')
		}
		b.WriteString(cleaned[i : i+2])
	}
	return b.String()
}

// TrustError reports a certificate that failed both chain verification and
// the pin check. It carries the certificate's identity so a caller can
// show it and offer pinning. errors.Is matches it against
// ErrUntrustedCertificate.
type TrustError struct {
	Subject     string
	Issuer      string
	Fingerprint string
	Err         error
}

func (e *TrustError) Error() string {
	return fmt.Sprintf("ldapnav: untrusted certificate %q (issuer %q, fingerprint %s): %v",
		e.Subject, e.Issuer, e.Fingerprint, e.Err)
}

func (e *TrustError) Unwrap() error { return e.Err }

func (e *TrustError) Is(target error) bool {
	return target == ErrUntrustedCertificate
}

// TrustStore holds certificate fingerprint pins. Persistent pins come from
// and are written back to the profiles file; session pins live only for
// the current run. Safe for concurrent use.
type TrustStore struct {
	mu         sync.Mutex
	persistent map[string]struct{}
	session    map[string]struct{}
}

// NewTrustStore builds a store seeded with persistent pins, typically a
// profile's trusted_certificates list.
func NewTrustStore(pins ...string) *TrustStore {
	t := &TrustStore{
		persistent: make(map[string]struct{}),
		session:    make(map[string]struct{}),
	}
	for _, pin := range pins {
		t.persistent[normalizeFingerprint(pin)] = struct{}{}
	}
	return t
}

// Pin trusts a fingerprint for the rest of this run.
func (t *TrustStore) Pin(fingerprint string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.session[normalizeFingerprint(fingerprint)] = struct{}{}
}

// PinPersistent trusts a fingerprint and marks it for persistence; collect
// the result of PersistentPins into the profile afterwards.
func (t *TrustStore) PinPersistent(fingerprint string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.persistent[normalizeFingerprint(fingerprint)] = struct{}{}
}

// Pinned reports whether the fingerprint is trusted by either set.
func (t *TrustStore) Pinned(fingerprint string) bool {
	fp := normalizeFingerprint(fingerprint)
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.persistent[fp]; ok {
		return true
	}
	_, ok := t.session[fp]
	return ok
}

// PersistentPins returns the persistent pin set sorted, in the form the
// profiles file stores.
func (t *TrustStore) PersistentPins() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	pins := make([]string, 0, len(t.persistent))
	for pin := range t.persistent {
		pins = append(pins, pin)
	}
	sort.Strings(pins)
	return pins
}

// Config builds a TLS config that accepts chain-valid certificates as
// usual and otherwise consults the pin store. Unknown certificates fail
// with a *TrustError, which aborts the connect ladder instead of
// downgrading. base may be nil; serverName is used for hostname
// verification and SNI.
func (t *TrustStore) Config(base *tls.Config, serverName string) *tls.Config {
	var cfg *tls.Config
	if base != nil {
		cfg = base.Clone()
	} else {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = serverName
	}
	roots := cfg.RootCAs

	// Verification moves into the callback so pinned certificates can
	// bypass a failed chain check.
	cfg.InsecureSkipVerify = true
	cfg.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return &TrustError{Err: fmt.Errorf("server presented no certificate")}
		}
		certs := make([]*x509.Certificate, 0, len(rawCerts))
		for _, raw := range rawCerts {
			cert, err := x509.ParseCertificate(raw)
			if err != nil {
				return fmt.Errorf("ldapnav: parse peer certificate: %w", err)
			}
			certs = append(certs, cert)
		}
		leaf := certs[0]

		opts := x509.VerifyOptions{
			DNSName:       cfg.ServerName,
			Roots:         roots,
			Intermediates: x509.NewCertPool(),
		}
		for _, cert := range certs[1:] {
			opts.Intermediates.AddCert(cert)
		}
		_, verifyErr := leaf.Verify(opts)
		if verifyErr == nil {
			return nil
		}

		fp := Fingerprint(leaf)
		if t.Pinned(fp) {
			return nil
		}
		return &TrustError{
			Subject:     leaf.Subject.String(),
			Issuer:      leaf.Issuer.String(),
			Fingerprint: fp,
			Err:         verifyErr,
		}
	}
	return cfg
}
