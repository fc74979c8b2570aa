package encryption

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/Dicklesworthstone/qgov/internal/util"
)

// Key sources.
const (
	SourceEnv     = "env"
	SourceFile    = "file"
	SourceCommand = "command"
)

// Key encodings.
const (
	FormatHex    = "hex"
	FormatBase64 = "base64"
)

// DefaultKeyEnv holds the key when key_env is unset.
const DefaultKeyEnv = "QGOV_ENCRYPTION_KEY"

// commandTimeout bounds key_command, which may prompt a password manager.
var commandTimeout = 10 * time.Second

// KeyConfig says where the token-sealing key comes from. A keyring, when
// present, replaces the source: ActiveKeyID names the key used for sealing
// and every entry is tried when opening.
type KeyConfig struct {
	KeySource   string
	KeyEnv      string
	KeyFile     string
	KeyCommand  string
	KeyFormat   string
	ActiveKeyID string
	Keyring     map[string]string
}

// ResolveKey returns the 32-byte sealing key.
func ResolveKey(cfg KeyConfig) ([]byte, error) {
	if cfg.ActiveKeyID != "" && len(cfg.Keyring) > 0 {
		encoded, ok := cfg.Keyring[cfg.ActiveKeyID]
		if !ok {
			return nil, fmt.Errorf("active_key_id %q not in keyring", cfg.ActiveKeyID)
		}
		return decodeKey(encoded, cfg.KeyFormat)
	}

	encoded, err := readSource(cfg)
	if err != nil {
		return nil, err
	}
	return decodeKey(encoded, cfg.KeyFormat)
}

// ResolveKeyring returns every key that may open a sealed token, active key
// first and the rest in id order.
func ResolveKeyring(cfg KeyConfig) ([][]byte, error) {
	if len(cfg.Keyring) == 0 {
		key, err := ResolveKey(cfg)
		if err != nil {
			return nil, err
		}
		return [][]byte{key}, nil
	}

	ids := make([]string, 0, len(cfg.Keyring))
	for id := range cfg.Keyring {
		if id != cfg.ActiveKeyID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if _, ok := cfg.Keyring[cfg.ActiveKeyID]; ok {
		ids = append([]string{cfg.ActiveKeyID}, ids...)
	}

	keys := make([][]byte, 0, len(ids))
	for _, id := range ids {
		key, err := decodeKey(cfg.Keyring[id], cfg.KeyFormat)
		if err != nil {
			return nil, fmt.Errorf("keyring %q: %w", id, err)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func readSource(cfg KeyConfig) (string, error) {
	switch cfg.KeySource {
	case SourceEnv, "":
		name := cfg.KeyEnv
		if name == "" {
			name = DefaultKeyEnv
		}
		v := strings.TrimSpace(os.Getenv(name))
		if v == "" {
			return "", fmt.Errorf("token encryption enabled but $%s is empty", name)
		}
		return v, nil

	case SourceFile:
		if cfg.KeyFile == "" {
			return "", fmt.Errorf("key_source=file needs key_file")
		}
		path := util.ExpandHome(cfg.KeyFile)
		info, err := os.Stat(path)
		if err != nil {
			return "", fmt.Errorf("key file: %w", err)
		}
		if info.Mode().Perm()&0o077 != 0 {
			return "", fmt.Errorf("key file %s is readable by others (mode %04o); chmod 600 it", path, info.Mode().Perm())
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("key file: %w", err)
		}
		return strings.TrimSpace(string(data)), nil

	case SourceCommand:
		if cfg.KeyCommand == "" {
			return "", fmt.Errorf("key_source=command needs key_command")
		}
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		out, err := exec.CommandContext(ctx, "sh", "-c", cfg.KeyCommand).Output()
		if err != nil {
			return "", fmt.Errorf("key_command: %w", err)
		}
		return strings.TrimSpace(string(out)), nil

	default:
		return "", fmt.Errorf("unknown key_source %q (env, file or command)", cfg.KeySource)
	}
}

func decodeKey(encoded, format string) ([]byte, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, fmt.Errorf("encryption key is empty")
	}

	var (
		key []byte
		err error
	)
	switch format {
	case FormatHex, "":
		key, err = hex.DecodeString(encoded)
	case FormatBase64:
		key, err = base64.StdEncoding.DecodeString(encoded)
	default:
		return nil, fmt.Errorf("unknown key_format %q (hex or base64)", format)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s key: %w", orHex(format), err)
	}
	if len(key) != KeySize {
		return nil, &Error{Kind: ErrInvalidKey, Err: fmt.Errorf("key is %d bytes, AES-256 needs %d", len(key), KeySize)}
	}
	return key, nil
}

func orHex(format string) string {
	if format == "" {
		return FormatHex
	}
	return format
}
