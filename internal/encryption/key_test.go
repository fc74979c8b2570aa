package encryption

import (
	"encoding/base64"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(seed byte) []byte {
	k := make([]byte, KeySize)
	for i := range k {
		k[i] = seed + byte(i)
	}
	return k
}

func TestResolveKeyFromEnv(t *testing.T) {
	key := testKey(1)
	t.Setenv("QGOV_TEST_SEAL_KEY", hex.EncodeToString(key))
	t.Setenv(DefaultKeyEnv, hex.EncodeToString(testKey(9)))

	got, err := ResolveKey(KeyConfig{KeySource: SourceEnv, KeyEnv: "QGOV_TEST_SEAL_KEY"})
	require.NoError(t, err)
	assert.Equal(t, key, got)

	// Empty source and env name fall back to the default variable.
	got, err = ResolveKey(KeyConfig{})
	require.NoError(t, err)
	assert.Equal(t, testKey(9), got)

	t.Setenv(DefaultKeyEnv, "")
	_, err = ResolveKey(KeyConfig{KeySource: SourceEnv})
	assert.ErrorContains(t, err, DefaultKeyEnv)
}

func TestResolveKeyFromFile(t *testing.T) {
	key := testKey(2)
	path := filepath.Join(t.TempDir(), "seal.key")
	require.NoError(t, os.WriteFile(path, []byte(base64.StdEncoding.EncodeToString(key)+"\n"), 0o600))

	got, err := ResolveKey(KeyConfig{KeySource: SourceFile, KeyFile: path, KeyFormat: FormatBase64})
	require.NoError(t, err)
	assert.Equal(t, key, got)

	require.NoError(t, os.Chmod(path, 0o644))
	_, err = ResolveKey(KeyConfig{KeySource: SourceFile, KeyFile: path, KeyFormat: FormatBase64})
	assert.ErrorContains(t, err, "readable by others")

	_, err = ResolveKey(KeyConfig{KeySource: SourceFile})
	assert.ErrorContains(t, err, "key_file")
}

func TestResolveKeyFromCommand(t *testing.T) {
	key := testKey(3)
	got, err := ResolveKey(KeyConfig{KeySource: SourceCommand, KeyCommand: "echo " + hex.EncodeToString(key)})
	require.NoError(t, err)
	assert.Equal(t, key, got)

	_, err = ResolveKey(KeyConfig{KeySource: SourceCommand, KeyCommand: "exit 3"})
	assert.ErrorContains(t, err, "key_command")
}

func TestResolveKeyUnknownSource(t *testing.T) {
	_, err := ResolveKey(KeyConfig{KeySource: "vault"})
	assert.ErrorContains(t, err, "unknown key_source")
}

func TestResolveKeyActiveFromKeyring(t *testing.T) {
	cfg := KeyConfig{
		KeySource:   "vault", // ignored with a keyring
		ActiveKeyID: "k2",
		Keyring: map[string]string{
			"k1": hex.EncodeToString(testKey(10)),
			"k2": hex.EncodeToString(testKey(20)),
		},
	}
	got, err := ResolveKey(cfg)
	require.NoError(t, err)
	assert.Equal(t, testKey(20), got)

	cfg.ActiveKeyID = "k3"
	_, err = ResolveKey(cfg)
	assert.ErrorContains(t, err, "not in keyring")
}

func TestResolveKeyringOrder(t *testing.T) {
	cfg := KeyConfig{
		ActiveKeyID: "b",
		Keyring: map[string]string{
			"c": hex.EncodeToString(testKey(30)),
			"a": hex.EncodeToString(testKey(10)),
			"b": hex.EncodeToString(testKey(20)),
		},
	}
	keys, err := ResolveKeyring(cfg)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{testKey(20), testKey(10), testKey(30)}, keys)

	cfg.Keyring["a"] = "zz"
	_, err = ResolveKeyring(cfg)
	assert.ErrorContains(t, err, `keyring "a"`)
}

func TestResolveKeyringWithoutKeyringUsesSource(t *testing.T) {
	t.Setenv(DefaultKeyEnv, hex.EncodeToString(testKey(4)))
	keys, err := ResolveKeyring(KeyConfig{KeySource: SourceEnv})
	require.NoError(t, err)
	assert.Equal(t, [][]byte{testKey(4)}, keys)
}

func TestDecodeKey(t *testing.T) {
	tests := []struct {
		name    string
		encoded string
		format  string
		wantErr string
	}{
		{"hex ok", hex.EncodeToString(testKey(0)), FormatHex, ""},
		{"default is hex", hex.EncodeToString(testKey(0)), "", ""},
		{"base64 ok", base64.StdEncoding.EncodeToString(testKey(0)), FormatBase64, ""},
		{"empty", "  ", FormatHex, "empty"},
		{"bad hex", "not-hex!", FormatHex, "decode hex key"},
		{"bad base64", "%%%", FormatBase64, "decode base64 key"},
		{"unknown format", "abcd", "raw", "unknown key_format"},
		{"short", "deadbeef", FormatHex, "AES-256"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, err := decodeKey(tt.encoded, tt.format)
			if tt.wantErr == "" {
				require.NoError(t, err)
				assert.Len(t, key, KeySize)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}

	_, err := decodeKey("deadbeef", FormatHex)
	assert.True(t, IsInvalidKey(err))
}
