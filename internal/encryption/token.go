package encryption

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// SealedPrefix marks a token value that was sealed by SealToken.
const SealedPrefix = "enc:v1:"

// IsSealed reports whether value was produced by SealToken.
func IsSealed(value string) bool {
	return strings.HasPrefix(value, SealedPrefix)
}

// SealToken encrypts a credential string for storage in a JSON document.
// Empty values and already sealed values are returned unchanged.
func SealToken(key []byte, value string) (string, error) {
	if value == "" || IsSealed(value) {
		return value, nil
	}
	ciphertext, err := Encrypt(key, []byte(value))
	if err != nil {
		return "", err
	}
	return SealedPrefix + base64.RawStdEncoding.EncodeToString(ciphertext), nil
}

// OpenToken decrypts a sealed value. Plaintext values pass through unchanged
// so stores written before encryption was enabled stay readable.
func OpenToken(key []byte, value string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	return OpenTokenWithKeyring([][]byte{key}, value)
}

// OpenTokenWithKeyring tries each key in order until one succeeds.
func OpenTokenWithKeyring(keys [][]byte, value string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	raw, err := base64.RawStdEncoding.DecodeString(strings.TrimPrefix(value, SealedPrefix))
	if err != nil {
		return "", &Error{Kind: ErrMalformed, Err: fmt.Errorf("base64 decode: %w", err)}
	}
	for _, key := range keys {
		plaintext, err := Decrypt(key, raw)
		if err == nil {
			return string(plaintext), nil
		}
		if !IsWrongKey(err) {
			return "", err
		}
	}
	return "", &Error{Kind: ErrWrongKey, Err: fmt.Errorf("no key in keyring could open the token")}
}

// TokenSealer seals new values with Active and opens values sealed with any
// key in Keyring (Active is always tried first).
type TokenSealer struct {
	Active  []byte
	Keyring [][]byte
}

// NewTokenSealer resolves keys from cfg.
func NewTokenSealer(cfg KeyConfig) (*TokenSealer, error) {
	active, err := ResolveKey(cfg)
	if err != nil {
		return nil, err
	}
	keyring, err := ResolveKeyring(cfg)
	if err != nil {
		return nil, err
	}
	return &TokenSealer{Active: active, Keyring: keyring}, nil
}

// Seal implements keystore.Sealer.
func (s *TokenSealer) Seal(value string) (string, error) {
	return SealToken(s.Active, value)
}

// Open implements keystore.Sealer.
func (s *TokenSealer) Open(value string) (string, error) {
	keys := append([][]byte{s.Active}, s.Keyring...)
	return OpenTokenWithKeyring(keys, value)
}
