package ldapnav

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"gopkg.in/yaml.v3"
)

// Credential source names accepted in a profile.
const (
	CredentialNone    = "none"
	CredentialPrompt  = "prompt"
	CredentialCommand = "command"
	CredentialEnv     = "env"
	CredentialVault   = "vault"
)

var (
	// ErrProfileNotFound is returned when a named profile does not exist.
	ErrProfileNotFound = errors.New("ldapnav: profile not found")

	// ErrPromptRequired signals that the profile's credential source is
	// interactive and the caller must collect the password itself.
	ErrPromptRequired = errors.New("ldapnav: credential prompt required")
)

// CredentialSource describes where a profile's bind password comes from.
// Source selects the mechanism; Command and Env parameterize the command
// and env mechanisms respectively.
type CredentialSource struct {
	Source  string `yaml:"source" default:"none"`
	Command string `yaml:"command,omitempty"`
	Env     string `yaml:"env,omitempty"`
}

// Profile is one named connection in the profiles file.
type Profile struct {
	Host           string           `yaml:"host"`
	Port           int              `yaml:"port" default:"389"`
	TLS            string           `yaml:"tls" default:"auto"`
	BindDN         string           `yaml:"bind_dn,omitempty"`
	BaseDN         string           `yaml:"base_dn,omitempty"`
	PageSize       uint32           `yaml:"page_size" default:"500"`
	TimeoutSeconds int              `yaml:"timeout_seconds" default:"30"`
	ReadOnly       bool             `yaml:"read_only,omitempty"`
	Referrals      string           `yaml:"referrals" default:"ignore"`
	Credential     CredentialSource `yaml:"credential,omitempty"`

	// TrustedCertificates holds persistent SHA-256 fingerprint pins in the
	// colon-separated form produced by Fingerprint.
	TrustedCertificates []string `yaml:"trusted_certificates,omitempty"`
}

// Profiles is the on-disk profile collection.
type Profiles struct {
	Default  string              `yaml:"default_profile,omitempty"`
	Profiles map[string]*Profile `yaml:"profiles"`
}

// DefaultProfilesPath returns the per-user profiles file location,
// typically ~/.config/ldapnav/config.yaml.
func DefaultProfilesPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("ldapnav: locate config dir: %w", err)
	}
	return filepath.Join(dir, "ldapnav", "config.yaml"), nil
}

// LoadProfiles reads the profiles file at path. A missing file yields an
// empty collection; unknown keys in the file are ignored. Defaults from
// struct tags are applied to every profile after decoding.
func LoadProfiles(path string) (*Profiles, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &Profiles{Profiles: make(map[string]*Profile)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ldapnav: read profiles: %w", err)
	}

	var profiles Profiles
	if err := yaml.Unmarshal(data, &profiles); err != nil {
		return nil, fmt.Errorf("ldapnav: parse profiles: %w", err)
	}
	if profiles.Profiles == nil {
		profiles.Profiles = make(map[string]*Profile)
	}
	for name, profile := range profiles.Profiles {
		if profile == nil {
			profile = &Profile{}
			profiles.Profiles[name] = profile
		}
		if err := defaults.Set(profile); err != nil {
			return nil, fmt.Errorf("ldapnav: profile %q defaults: %w", name, err)
		}
	}
	return &profiles, nil
}

// Save writes the collection to path with owner-only permissions, creating
// parent directories as needed.
func (p *Profiles) Save(path string) error {
	data, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("ldapnav: encode profiles: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("ldapnav: create config dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("ldapnav: write profiles: %w", err)
	}
	return nil
}

// Get returns the named profile.
func (p *Profiles) Get(name string) (*Profile, error) {
	profile, ok := p.Profiles[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrProfileNotFound, name)
	}
	return profile, nil
}

// Names lists profile names sorted for stable display.
func (p *Profiles) Names() []string {
	names := make([]string, 0, len(p.Profiles))
	for name := range p.Profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Config converts the profile into a session Config.
func (p *Profile) Config() (*Config, error) {
	if p.Host == "" {
		return nil, fmt.Errorf("ldapnav: profile has no host")
	}
	mode, err := ParseTLSMode(p.TLS)
	if err != nil {
		return nil, err
	}
	policy, err := ParseReferralPolicy(p.Referrals)
	if err != nil {
		return nil, err
	}
	return &Config{
		Host:      p.Host,
		Port:      p.Port,
		BaseDN:    p.BaseDN,
		TLSMode:   mode,
		Referrals: policy,
		PageSize:  p.PageSize,
		Timeout:   time.Duration(p.TimeoutSeconds) * time.Second,
		ReadOnly:  p.ReadOnly,
	}, nil
}

// ResolveCredential materializes the profile's bind credential. name is the
// profile's own name, used as the vault lookup key. A nil vault is fine for
// every source except vault. The prompt source returns ErrPromptRequired;
// collecting the password interactively is the caller's job.
func (p *Profile) ResolveCredential(ctx context.Context, name string, vault *Vault) (Credential, error) {
	source := p.Credential.Source
	if source == "" {
		source = CredentialNone
	}

	switch source {
	case CredentialNone:
		if p.BindDN == "" {
			return Credential{Anonymous: true}, nil
		}
		return Credential{BindDN: p.BindDN}, nil

	case CredentialPrompt:
		return Credential{}, ErrPromptRequired

	case CredentialCommand:
		if p.Credential.Command == "" {
			return Credential{}, fmt.Errorf("ldapnav: credential source command has no command")
		}
		out, err := exec.CommandContext(ctx, "sh", "-c", p.Credential.Command).Output()
		if err != nil {
			return Credential{}, fmt.Errorf("ldapnav: credential command: %w", err)
		}
		return Credential{BindDN: p.BindDN, Password: strings.TrimSpace(string(out))}, nil

	case CredentialEnv:
		if p.Credential.Env == "" {
			return Credential{}, fmt.Errorf("ldapnav: credential source env has no variable name")
		}
		password := os.Getenv(p.Credential.Env)
		if password == "" {
			return Credential{}, fmt.Errorf("ldapnav: environment variable %s is empty", p.Credential.Env)
		}
		return Credential{BindDN: p.BindDN, Password: password}, nil

	case CredentialVault:
		if vault == nil {
			return Credential{}, fmt.Errorf("ldapnav: profile wants the vault but none is open")
		}
		secret, err := vault.Get(name)
		if err != nil {
			return Credential{}, err
		}
		return Credential{BindDN: p.BindDN, Password: secret}, nil

	default:
		return Credential{}, fmt.Errorf("ldapnav: unknown credential source %q", source)
	}
}
