package ldapnav

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// Vault file layout: magic, version byte, salt, nonce, big-endian
// ciphertext length, ciphertext. The ciphertext seals a JSON map of
// profile name to secret.
const (
	vaultMagic   = "LNAV"
	vaultVersion = 1
	vaultSaltLen = 32

	argonTime    = 3
	argonMemory  = 64 * 1024
	argonThreads = 1
)

var (
	// ErrVaultCorrupt is returned when the vault file cannot be decrypted,
	// covering both tampering and a wrong passphrase; the AEAD cannot tell
	// the two apart.
	ErrVaultCorrupt = errors.New("ldapnav: vault corrupt or wrong passphrase")

	// ErrSecretNotFound is returned by Get for an unknown profile name.
	ErrSecretNotFound = errors.New("ldapnav: secret not found in vault")
)

// Vault is an encrypted store of bind passwords keyed by profile name. The
// passphrase is retained so Save can re-seal with a fresh salt and nonce.
type Vault struct {
	mu         sync.Mutex
	path       string
	passphrase []byte
	secrets    map[string]string
}

// DefaultVaultPath returns the per-user vault location next to the
// profiles file.
func DefaultVaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("ldapnav: locate config dir: %w", err)
	}
	return filepath.Join(dir, "ldapnav", "vault.bin"), nil
}

// OpenVault reads and decrypts the vault at path. A missing file yields a
// new empty vault that materializes on the first Save.
func OpenVault(path, passphrase string) (*Vault, error) {
	v := &Vault{
		path:       path,
		passphrase: []byte(passphrase),
		secrets:    make(map[string]string),
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return v, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ldapnav: read vault: %w", err)
	}
	if err := v.unseal(data); err != nil {
		return nil, err
	}
	return v, nil
}

func (v *Vault) unseal(data []byte) error {
	header := len(vaultMagic) + 1 + vaultSaltLen + chacha20poly1305.NonceSize + 4
	if len(data) < header {
		return fmt.Errorf("%w: truncated header", ErrVaultCorrupt)
	}
	if string(data[:len(vaultMagic)]) != vaultMagic {
		return fmt.Errorf("%w: bad magic", ErrVaultCorrupt)
	}
	data = data[len(vaultMagic):]
	if data[0] != vaultVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrVaultCorrupt, data[0])
	}
	data = data[1:]

	salt := data[:vaultSaltLen]
	data = data[vaultSaltLen:]
	nonce := data[:chacha20poly1305.NonceSize]
	data = data[chacha20poly1305.NonceSize:]
	length := binary.BigEndian.Uint32(data[:4])
	data = data[4:]
	if uint32(len(data)) != length {
		return fmt.Errorf("%w: ciphertext length mismatch", ErrVaultCorrupt)
	}

	aead, err := chacha20poly1305.New(v.deriveKey(salt))
	if err != nil {
		return fmt.Errorf("ldapnav: vault cipher: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, data, nil)
	if err != nil {
		return ErrVaultCorrupt
	}

	secrets := make(map[string]string)
	if err := json.Unmarshal(plaintext, &secrets); err != nil {
		return fmt.Errorf("%w: payload not decodable", ErrVaultCorrupt)
	}
	v.secrets = secrets
	return nil
}

func (v *Vault) deriveKey(salt []byte) []byte {
	return argon2.IDKey(v.passphrase, salt, argonTime, argonMemory, argonThreads, chacha20poly1305.KeySize)
}

// Save seals the secrets with a fresh salt and nonce and writes the vault
// with owner-only permissions.
func (v *Vault) Save() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	plaintext, err := json.Marshal(v.secrets)
	if err != nil {
		return fmt.Errorf("ldapnav: encode vault: %w", err)
	}

	salt := make([]byte, vaultSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("ldapnav: vault salt: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("ldapnav: vault nonce: %w", err)
	}

	aead, err := chacha20poly1305.New(v.deriveKey(salt))
	if err != nil {
		return fmt.Errorf("ldapnav: vault cipher: %w", err)
	}
	ciphertext := aead.Seal(nil, nonce, plaintext, nil)

	buf := make([]byte, 0, len(vaultMagic)+1+len(salt)+len(nonce)+4+len(ciphertext))
	buf = append(buf, vaultMagic...)
	buf = append(buf, vaultVersion)
	buf = append(buf, salt...)
	buf = append(buf, nonce...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(ciphertext)))
	buf = append(buf, ciphertext...)

	if err := os.MkdirAll(filepath.Dir(v.path), 0o700); err != nil {
		return fmt.Errorf("ldapnav: create vault dir: %w", err)
	}
	if err := os.WriteFile(v.path, buf, 0o600); err != nil {
		return fmt.Errorf("ldapnav: write vault: %w", err)
	}
	return nil
}

// Get returns the secret stored under name.
func (v *Vault) Get(name string) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	secret, ok := v.secrets[name]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrSecretNotFound, name)
	}
	return secret, nil
}

// Set stores a secret under name. The change is in memory until Save.
func (v *Vault) Set(name, secret string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.secrets[name] = secret
}

// Delete removes the secret stored under name, reporting whether it
// existed.
func (v *Vault) Delete(name string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.secrets[name]
	delete(v.secrets, name)
	return ok
}

// Names lists stored profile names sorted for stable display.
func (v *Vault) Names() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	names := make([]string, 0, len(v.secrets))
	for name := range v.secrets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
