package ldapnav

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVaultRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.bin")

	vault, err := OpenVault(path, "correct horse battery staple")
	require.NoError(t, err)
	vault.Set("prod", "s3cret")
	vault.Set("staging", "hunter2")
	require.NoError(t, vault.Save())

	reopened, err := OpenVault(path, "correct horse battery staple")
	require.NoError(t, err)

	secret, err := reopened.Get("prod")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", secret)
	assert.Equal(t, []string{"prod", "staging"}, reopened.Names())

	_, err = reopened.Get("missing")
	assert.ErrorIs(t, err, ErrSecretNotFound)
}

func TestVaultWrongPassphrase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.bin")

	vault, err := OpenVault(path, "right")
	require.NoError(t, err)
	vault.Set("prod", "s3cret")
	require.NoError(t, vault.Save())

	_, err = OpenVault(path, "wrong")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrVaultCorrupt)
}

func TestVaultDetectsTampering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.bin")

	vault, err := OpenVault(path, "pass")
	require.NoError(t, err)
	vault.Set("prod", "s3cret")
	require.NoError(t, vault.Save())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	t.Run("flipped ciphertext byte", func(t *testing.T) {
		corrupted := append([]byte(nil), data...)
		corrupted[len(corrupted)-1] ^= 0xFF
		broken := filepath.Join(t.TempDir(), "vault.bin")
		require.NoError(t, os.WriteFile(broken, corrupted, 0o600))

		_, err := OpenVault(broken, "pass")
		assert.ErrorIs(t, err, ErrVaultCorrupt)
	})

	t.Run("bad magic", func(t *testing.T) {
		corrupted := append([]byte(nil), data...)
		copy(corrupted, "XXXX")
		broken := filepath.Join(t.TempDir(), "vault.bin")
		require.NoError(t, os.WriteFile(broken, corrupted, 0o600))

		_, err := OpenVault(broken, "pass")
		assert.ErrorIs(t, err, ErrVaultCorrupt)
	})

	t.Run("truncated file", func(t *testing.T) {
		broken := filepath.Join(t.TempDir(), "vault.bin")
		require.NoError(t, os.WriteFile(broken, data[:10], 0o600))

		_, err := OpenVault(broken, "pass")
		assert.ErrorIs(t, err, ErrVaultCorrupt)
	})

	t.Run("unsupported version", func(t *testing.T) {
		corrupted := append([]byte(nil), data...)
		corrupted[4] = 99
		broken := filepath.Join(t.TempDir(), "vault.bin")
		require.NoError(t, os.WriteFile(broken, corrupted, 0o600))

		_, err := OpenVault(broken, "pass")
		assert.ErrorIs(t, err, ErrVaultCorrupt)
	})
}

func TestVaultMissingFileIsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist.bin")

	vault, err := OpenVault(path, "pass")
	require.NoError(t, err)
	assert.Empty(t, vault.Names())

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "opening must not materialize the file")
}

func TestVaultDelete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.bin")

	vault, err := OpenVault(path, "pass")
	require.NoError(t, err)
	vault.Set("prod", "s3cret")

	assert.True(t, vault.Delete("prod"))
	assert.False(t, vault.Delete("prod"))
	_, err = vault.Get("prod")
	assert.ErrorIs(t, err, ErrSecretNotFound)
}

func TestVaultFilePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits are not meaningful on windows")
	}
	path := filepath.Join(t.TempDir(), "vault.bin")

	vault, err := OpenVault(path, "pass")
	require.NoError(t, err)
	vault.Set("prod", "s3cret")
	require.NoError(t, vault.Save())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestVaultReSealsFreshly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.bin")

	vault, err := OpenVault(path, "pass")
	require.NoError(t, err)
	vault.Set("prod", "s3cret")
	require.NoError(t, vault.Save())
	first, err := os.ReadFile(path)
	require.NoError(t, err)

	require.NoError(t, vault.Save())
	second, err := os.ReadFile(path)
	require.NoError(t, err)

	assert.NotEqual(t, first, second, "each save uses a fresh salt and nonce")

	reopened, err := OpenVault(path, "pass")
	require.NoError(t, err)
	secret, err := reopened.Get("prod")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", secret)
}
