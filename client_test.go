//go:build !integration

package ldapnav

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netresearch/ldapnav/testutil"
)

var _ Conn = (*testutil.MockConn)(nil)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestSession connects a session to the given mock through the dial
// seam, pinned to the plain rung so the ladder stays out of the way.
func newTestSession(t *testing.T, mock *testutil.MockConn, mutate ...func(*Config)) *Session {
	t.Helper()
	cfg := &Config{
		Host:    "ldap.test",
		TLSMode: TLSModePlain,
		BaseDN:  "dc=example,dc=com",
		Logger:  discardLogger(),
	}
	for _, fn := range mutate {
		fn(cfg)
	}
	session, err := Connect(context.Background(), cfg, Credential{Anonymous: true},
		WithDialFunc(func(ctx context.Context, url string, tlsConfig *tls.Config, timeout time.Duration) (Conn, error) {
			return mock, nil
		}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })
	return session
}

func TestConnectAutoLadderFallsThrough(t *testing.T) {
	starttlsMock := testutil.NewMockConn()
	starttlsMock.StartTLSFunc = func(*tls.Config) error {
		return errors.New("starttls not supported")
	}
	plainMock := testutil.NewMockConn()

	var urls []string
	dial := func(ctx context.Context, url string, tlsConfig *tls.Config, timeout time.Duration) (Conn, error) {
		urls = append(urls, url)
		switch len(urls) {
		case 1:
			return nil, errors.New("connection refused")
		case 2:
			return starttlsMock, nil
		default:
			return plainMock, nil
		}
	}

	cfg := &Config{Host: "ldap.test", Logger: discardLogger()}
	session, err := Connect(context.Background(), cfg, Credential{Anonymous: true}, WithDialFunc(dial))
	require.NoError(t, err)
	defer session.Close()

	assert.Equal(t, []string{
		"ldaps://ldap.test:636",
		"ldap://ldap.test:389",
		"ldap://ldap.test:389",
	}, urls)
	assert.Equal(t, TLSModePlain, session.Security())
	assert.Equal(t, StateReady, session.State())
	assert.True(t, starttlsMock.Closed, "failed StartTLS transport should be closed")

	require.Len(t, plainMock.BindCalls, 1)
	assert.True(t, plainMock.BindCalls[0].Anonymous)
}

func TestConnectExplicitModePinsOneRung(t *testing.T) {
	var dials int
	dial := func(ctx context.Context, url string, tlsConfig *tls.Config, timeout time.Duration) (Conn, error) {
		dials++
		return nil, errors.New("connection refused")
	}

	cfg := &Config{Host: "ldap.test", TLSMode: TLSModeLDAPS, Logger: discardLogger()}
	_, err := Connect(context.Background(), cfg, Credential{Anonymous: true}, WithDialFunc(dial))

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnreachable)
	assert.Equal(t, 1, dials, "explicit mode must not fall through")
}

func TestConnectTrustFailureAbortsLadder(t *testing.T) {
	var dials int
	dial := func(ctx context.Context, url string, tlsConfig *tls.Config, timeout time.Duration) (Conn, error) {
		dials++
		return nil, &TrustError{
			Subject:     "CN=ldap.test",
			Issuer:      "CN=Unknown CA",
			Fingerprint: "AA:BB",
			Err:         errors.New("unknown authority"),
		}
	}

	cfg := &Config{Host: "ldap.test", Logger: discardLogger()}
	_, err := Connect(context.Background(), cfg, Credential{Anonymous: true}, WithDialFunc(dial))

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUntrustedCertificate)
	assert.Equal(t, 1, dials, "trust failure must not downgrade to the next rung")

	var terr *TrustError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "AA:BB", terr.Fingerprint)
}

func TestConnectBindRejected(t *testing.T) {
	mock := testutil.NewMockConn()
	mock.BindErr = ldap.NewError(ldap.LDAPResultInvalidCredentials, errors.New("invalid credentials"))

	cfg := &Config{Host: "ldap.test", TLSMode: TLSModePlain, Logger: discardLogger()}
	_, err := Connect(context.Background(), cfg,
		Credential{BindDN: "cn=admin,dc=example,dc=com", Password: "wrong"},
		WithDialFunc(func(ctx context.Context, url string, tlsConfig *tls.Config, timeout time.Duration) (Conn, error) {
			return mock, nil
		}))

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBindRejected)
	assert.True(t, IsAuthenticationError(err))
	assert.True(t, mock.Closed, "transport must be closed after a rejected bind")
}

func TestConnectLDAPSPortSelection(t *testing.T) {
	t.Run("default port maps to 636", func(t *testing.T) {
		var url string
		dial := func(ctx context.Context, u string, tlsConfig *tls.Config, timeout time.Duration) (Conn, error) {
			url = u
			return nil, errors.New("refused")
		}
		cfg := &Config{Host: "ldap.test", TLSMode: TLSModeLDAPS, Logger: discardLogger()}
		_, err := Connect(context.Background(), cfg, Credential{Anonymous: true}, WithDialFunc(dial))
		require.Error(t, err)
		assert.Equal(t, "ldaps://ldap.test:636", url)
	})

	t.Run("custom port is kept", func(t *testing.T) {
		var url string
		dial := func(ctx context.Context, u string, tlsConfig *tls.Config, timeout time.Duration) (Conn, error) {
			url = u
			return nil, errors.New("refused")
		}
		cfg := &Config{Host: "ldap.test", Port: 10636, TLSMode: TLSModeLDAPS, Logger: discardLogger()}
		_, err := Connect(context.Background(), cfg, Credential{Anonymous: true}, WithDialFunc(dial))
		require.Error(t, err)
		assert.Equal(t, "ldaps://ldap.test:10636", url)
	})
}

func TestReconnectPinsNegotiatedRung(t *testing.T) {
	broken := testutil.NewMockConn()
	broken.SearchFunc = func(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
		return nil, ldap.NewError(ldap.ErrorNetwork, errors.New("connection reset by peer"))
	}
	fresh := testutil.NewMockConn()
	fresh.AddDirectoryEntry("dc=example,dc=com", map[string][]string{
		"objectClass": {"domain"},
	})

	var urls []string
	conns := []Conn{broken, fresh}
	dial := func(ctx context.Context, url string, tlsConfig *tls.Config, timeout time.Duration) (Conn, error) {
		urls = append(urls, url)
		conn := conns[0]
		if len(conns) > 1 {
			conns = conns[1:]
		}
		return conn, nil
	}

	cfg := &Config{Host: "ldap.test", TLSMode: TLSModePlain, BaseDN: "dc=example,dc=com", Logger: discardLogger()}
	session, err := Connect(context.Background(), cfg, Credential{Anonymous: true}, WithDialFunc(dial))
	require.NoError(t, err)
	defer session.Close()

	entries, err := session.SearchAll(context.Background(), SearchRequest{Scope: ScopeBase})
	require.NoError(t, err)
	require.Len(t, entries, 1)

	assert.Equal(t, []string{"ldap://ldap.test:389", "ldap://ldap.test:389"}, urls,
		"reconnect must redial the pinned rung, not restart the ladder")
	assert.True(t, broken.Closed)
	assert.Equal(t, StateReady, session.State())
}

func TestEphemeralCredentialNeverReconnects(t *testing.T) {
	mock := testutil.NewMockConn()
	mock.SearchFunc = func(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
		return nil, ldap.NewError(ldap.ErrorNetwork, errors.New("broken pipe"))
	}

	var dials int
	dial := func(ctx context.Context, url string, tlsConfig *tls.Config, timeout time.Duration) (Conn, error) {
		dials++
		return mock, nil
	}

	cfg := &Config{Host: "ldap.test", TLSMode: TLSModePlain, BaseDN: "dc=example,dc=com", Logger: discardLogger()}
	session, err := Connect(context.Background(), cfg,
		Credential{BindDN: "cn=admin,dc=example,dc=com", Password: "pw", Ephemeral: true},
		WithDialFunc(dial))
	require.NoError(t, err)
	defer session.Close()

	_, err = session.SearchAll(context.Background(), SearchRequest{Scope: ScopeBase})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnectionLost)
	assert.Equal(t, 1, dials, "ephemeral credentials must not trigger a silent rebind")
}

func TestCloseIsIdempotent(t *testing.T) {
	mock := testutil.NewMockConn()
	session := newTestSession(t, mock)

	require.NoError(t, session.Close())
	require.NoError(t, session.Close())
	assert.True(t, session.Closed())
	assert.True(t, mock.Closed)

	_, err := session.SearchAll(context.Background(), SearchRequest{Scope: ScopeBase})
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestSessionAccessors(t *testing.T) {
	mock := testutil.NewMockConn()
	session := newTestSession(t, mock, func(c *Config) {
		c.ReadOnly = true
		c.PageSize = 42
	})

	assert.Equal(t, "dc=example,dc=com", session.BaseDN().String())
	assert.Equal(t, "ldap.test:389", session.Address())
	assert.True(t, session.ReadOnly())
	assert.Equal(t, uint32(42), session.PageSize())
	assert.Equal(t, defaultTimeout, session.Timeout())
	assert.Empty(t, session.BoundDN())

	first := session.NextCorrelation()
	assert.Equal(t, first+1, session.NextCorrelation())
}

func TestConfigDefaults(t *testing.T) {
	cfg := (&Config{Host: "ldap.test"}).withDefaults()
	assert.Equal(t, defaultPort, cfg.Port)
	assert.Equal(t, uint32(defaultPageSize), cfg.PageSize)
	assert.Equal(t, defaultTimeout, cfg.Timeout)
	assert.Equal(t, "ldap.test:389", cfg.Address())
}

func TestParseTLSMode(t *testing.T) {
	tests := []struct {
		in      string
		want    TLSMode
		wantErr bool
	}{
		{"", TLSModeAuto, false},
		{"auto", TLSModeAuto, false},
		{"ldaps", TLSModeLDAPS, false},
		{"starttls", TLSModeStartTLS, false},
		{"start_tls", TLSModeStartTLS, false},
		{"plain", TLSModePlain, false},
		{"none", TLSModePlain, false},
		{"LDAPS", TLSModeLDAPS, false},
		{"tls13", TLSModeAuto, true},
	}
	for _, tt := range tests {
		t.Run("input "+tt.in, func(t *testing.T) {
			got, err := ParseTLSMode(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseReferralPolicy(t *testing.T) {
	got, err := ParseReferralPolicy("follow")
	require.NoError(t, err)
	assert.Equal(t, ReferralFollow, got)

	got, err = ParseReferralPolicy("")
	require.NoError(t, err)
	assert.Equal(t, ReferralIgnore, got)

	_, err = ParseReferralPolicy("maybe")
	assert.Error(t, err)
}
