package ldapnav

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleProfiles = `
default_profile: corp
profiles:
  corp:
    host: ldap.corp.example.com
    port: 636
    tls: ldaps
    bind_dn: cn=reader,dc=corp,dc=example,dc=com
    base_dn: dc=corp,dc=example,dc=com
    read_only: true
    credential:
      source: env
      env: LDAP_PASSWORD
    trusted_certificates:
      - "AB:CD:EF"
  lab:
    host: lab.example.com
    future_unknown_key: ignored
`

func writeProfiles(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadProfiles(t *testing.T) {
	profiles, err := LoadProfiles(writeProfiles(t, sampleProfiles))
	require.NoError(t, err)

	assert.Equal(t, "corp", profiles.Default)
	assert.Equal(t, []string{"corp", "lab"}, profiles.Names())

	corp, err := profiles.Get("corp")
	require.NoError(t, err)
	assert.Equal(t, "ldap.corp.example.com", corp.Host)
	assert.Equal(t, 636, corp.Port)
	assert.Equal(t, "ldaps", corp.TLS)
	assert.True(t, corp.ReadOnly)
	assert.Equal(t, []string{"AB:CD:EF"}, corp.TrustedCertificates)
	assert.Equal(t, "env", corp.Credential.Source)

	_, err = profiles.Get("nope")
	assert.ErrorIs(t, err, ErrProfileNotFound)
}

func TestLoadProfilesAppliesDefaults(t *testing.T) {
	profiles, err := LoadProfiles(writeProfiles(t, sampleProfiles))
	require.NoError(t, err)

	lab, err := profiles.Get("lab")
	require.NoError(t, err)
	assert.Equal(t, 389, lab.Port)
	assert.Equal(t, "auto", lab.TLS)
	assert.Equal(t, uint32(500), lab.PageSize)
	assert.Equal(t, 30, lab.TimeoutSeconds)
	assert.Equal(t, "ignore", lab.Referrals)
	assert.Equal(t, "none", lab.Credential.Source)
}

func TestLoadProfilesMissingFile(t *testing.T) {
	profiles, err := LoadProfiles(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Empty(t, profiles.Names())
}

func TestLoadProfilesMalformedYAML(t *testing.T) {
	_, err := LoadProfiles(writeProfiles(t, "profiles: [not, a, map]"))
	require.Error(t, err)
}

func TestProfilesSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	original := &Profiles{
		Default: "corp",
		Profiles: map[string]*Profile{
			"corp": {
				Host:                "ldap.corp.example.com",
				Port:                636,
				TLS:                 "ldaps",
				PageSize:            250,
				TimeoutSeconds:      10,
				Referrals:           "follow",
				TrustedCertificates: []string{"AB:CD"},
			},
		},
	}
	require.NoError(t, original.Save(path))

	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	}

	reloaded, err := LoadProfiles(path)
	require.NoError(t, err)
	assert.Equal(t, "corp", reloaded.Default)
	corp, err := reloaded.Get("corp")
	require.NoError(t, err)
	assert.Equal(t, uint32(250), corp.PageSize)
	assert.Equal(t, "follow", corp.Referrals)
}

func TestProfileConfig(t *testing.T) {
	profile := &Profile{
		Host:           "ldap.example.com",
		Port:           10389,
		TLS:            "starttls",
		BaseDN:         "dc=example,dc=com",
		PageSize:       100,
		TimeoutSeconds: 5,
		ReadOnly:       true,
		Referrals:      "follow",
	}

	cfg, err := profile.Config()
	require.NoError(t, err)
	assert.Equal(t, "ldap.example.com", cfg.Host)
	assert.Equal(t, 10389, cfg.Port)
	assert.Equal(t, TLSModeStartTLS, cfg.TLSMode)
	assert.Equal(t, ReferralFollow, cfg.Referrals)
	assert.Equal(t, uint32(100), cfg.PageSize)
	assert.Equal(t, 5*time.Second, cfg.Timeout)
	assert.True(t, cfg.ReadOnly)

	_, err = (&Profile{}).Config()
	require.Error(t, err, "a profile without a host cannot connect")

	_, err = (&Profile{Host: "x", TLS: "carrier-pigeon"}).Config()
	require.Error(t, err)
}

func TestResolveCredential(t *testing.T) {
	ctx := context.Background()

	t.Run("none without bind DN is anonymous", func(t *testing.T) {
		cred, err := (&Profile{}).ResolveCredential(ctx, "p", nil)
		require.NoError(t, err)
		assert.True(t, cred.Anonymous)
	})

	t.Run("none with bind DN is unauthenticated", func(t *testing.T) {
		p := &Profile{BindDN: "cn=reader,dc=example,dc=com"}
		cred, err := p.ResolveCredential(ctx, "p", nil)
		require.NoError(t, err)
		assert.Equal(t, "cn=reader,dc=example,dc=com", cred.BindDN)
		assert.Empty(t, cred.Password)
	})

	t.Run("prompt defers to the caller", func(t *testing.T) {
		p := &Profile{Credential: CredentialSource{Source: CredentialPrompt}}
		_, err := p.ResolveCredential(ctx, "p", nil)
		assert.ErrorIs(t, err, ErrPromptRequired)
	})

	t.Run("env reads the variable", func(t *testing.T) {
		t.Setenv("LDAPNAV_TEST_PASSWORD", "from-env")
		p := &Profile{
			BindDN:     "cn=reader,dc=example,dc=com",
			Credential: CredentialSource{Source: CredentialEnv, Env: "LDAPNAV_TEST_PASSWORD"},
		}
		cred, err := p.ResolveCredential(ctx, "p", nil)
		require.NoError(t, err)
		assert.Equal(t, "from-env", cred.Password)
	})

	t.Run("env rejects empty variable", func(t *testing.T) {
		t.Setenv("LDAPNAV_TEST_PASSWORD", "")
		p := &Profile{Credential: CredentialSource{Source: CredentialEnv, Env: "LDAPNAV_TEST_PASSWORD"}}
		_, err := p.ResolveCredential(ctx, "p", nil)
		require.Error(t, err)
	})

	t.Run("command output is trimmed", func(t *testing.T) {
		if runtime.GOOS == "windows" {
			t.Skip("command source shells out via sh")
		}
		p := &Profile{Credential: CredentialSource{Source: CredentialCommand, Command: "echo ' spaced secret '"}}
		cred, err := p.ResolveCredential(ctx, "p", nil)
		require.NoError(t, err)
		assert.Equal(t, "spaced secret", cred.Password)
	})

	t.Run("command failure surfaces", func(t *testing.T) {
		if runtime.GOOS == "windows" {
			t.Skip("command source shells out via sh")
		}
		p := &Profile{Credential: CredentialSource{Source: CredentialCommand, Command: "exit 3"}}
		_, err := p.ResolveCredential(ctx, "p", nil)
		require.Error(t, err)
	})

	t.Run("vault lookup by profile name", func(t *testing.T) {
		vault, err := OpenVault(filepath.Join(t.TempDir(), "vault.bin"), "pass")
		require.NoError(t, err)
		vault.Set("corp", "vaulted")

		p := &Profile{
			BindDN:     "cn=reader,dc=example,dc=com",
			Credential: CredentialSource{Source: CredentialVault},
		}
		cred, err := p.ResolveCredential(ctx, "corp", vault)
		require.NoError(t, err)
		assert.Equal(t, "vaulted", cred.Password)

		_, err = p.ResolveCredential(ctx, "unknown", vault)
		assert.ErrorIs(t, err, ErrSecretNotFound)

		_, err = p.ResolveCredential(ctx, "corp", nil)
		require.Error(t, err, "vault source needs an open vault")
	})

	t.Run("unknown source", func(t *testing.T) {
		p := &Profile{Credential: CredentialSource{Source: "telepathy"}}
		_, err := p.ResolveCredential(ctx, "p", nil)
		require.Error(t, err)
	})
}
