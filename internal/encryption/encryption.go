// Package encryption seals credential material at rest with AES-256-GCM.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

// KeySize is the required key length for AES-256.
const KeySize = 32

// ErrorKind classifies encryption failures.
type ErrorKind int

const (
	ErrInvalidKey ErrorKind = iota + 1
	ErrWrongKey
	ErrMalformed
)

func (k ErrorKind) String() string {
	switch k {
	case ErrInvalidKey:
		return "invalid key"
	case ErrWrongKey:
		return "wrong key"
	case ErrMalformed:
		return "malformed ciphertext"
	default:
		return "encryption error"
	}
}

// Error is returned by Encrypt/Decrypt and the helpers built on them.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Kind.String() + ": " + e.Err.Error()
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// IsWrongKey reports whether err means the ciphertext was sealed with another key.
func IsWrongKey(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == ErrWrongKey
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, &Error{Kind: ErrInvalidKey, Err: fmt.Errorf("key is %d bytes, expected %d", len(key), KeySize)}
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, &Error{Kind: ErrInvalidKey, Err: err}
	}
	return cipher.NewGCM(block)
}

// Encrypt returns nonce||ciphertext.
func Encrypt(key, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt reverses Encrypt.
func Decrypt(key, data []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(data) < gcm.NonceSize()+gcm.Overhead() {
		return nil, &Error{Kind: ErrMalformed, Err: fmt.Errorf("ciphertext too short (%d bytes)", len(data))}
	}
	nonce, body := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, &Error{Kind: ErrWrongKey, Err: err}
	}
	return plaintext, nil
}

// IsInvalidKey reports whether err means the key material itself is unusable.
func IsInvalidKey(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == ErrInvalidKey
}
