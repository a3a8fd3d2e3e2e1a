// Package vcrypto implements the fixed cryptographic protocol used
// throughout the vault: PBKDF2-HMAC-SHA256 key derivation and AES-256-GCM
// authenticated encryption. Every value stored by the vault, the session
// cache, the backup codec, and the export/import codec goes through this
// package so the protocol parameters stay in exactly one place.
package vcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// Fixed protocol parameters. Changing any of these changes the on-disk
// format; the vault's meta.version exists precisely so a future format can
// be introduced without breaking old vaults.
const (
	KDFIterations = 100_000
	KeyLen        = 32
	SaltLen       = 16
	NonceLen      = 12
	TagLen        = 16
)

// ErrDecryptionFailed is returned for any malformed or tampered ciphertext:
// too short, not valid base64, or failing AEAD authentication. Callers must
// not distinguish these cases further (see the unlock path, which collapses
// this into WrongPassword/LockedOut to avoid leaking which failure occurred).
var ErrDecryptionFailed = errors.New("vcrypto: decryption failed")

// DeriveMasterKey derives a 32-byte key from a password and salt using
// PBKDF2-HMAC-SHA256 with 100,000 iterations. Deterministic: the same
// (password, salt) pair always yields the same key.
func DeriveMasterKey(password []byte, salt []byte) []byte {
	return pbkdf2.Key(password, salt, KDFIterations, KeyLen, sha256.New)
}

// GenerateSalt returns 16 cryptographically random bytes.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("vcrypto: generate salt: %w", err)
	}
	return salt, nil
}

// GenerateNonce returns 12 cryptographically random bytes.
func GenerateNonce() ([]byte, error) {
	nonce := make([]byte, NonceLen)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("vcrypto: generate nonce: %w", err)
	}
	return nonce, nil
}

// Encrypt seals plaintext under key with AES-256-GCM and a fresh random
// nonce, returning base64(nonce || tag || ciphertext). Two calls with the
// same plaintext and key produce different output because the nonce is
// freshly generated each time.
func Encrypt(key []byte, plaintext []byte) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}
	nonce, err := GenerateNonce()
	if err != nil {
		return "", err
	}
	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	// gcm.Seal yields ciphertext || tag; the blob carries the tag first.
	ciphertext, tag := sealed[:len(sealed)-TagLen], sealed[len(sealed)-TagLen:]
	out := make([]byte, 0, len(nonce)+len(sealed))
	out = append(out, nonce...)
	out = append(out, tag...)
	out = append(out, ciphertext...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt opens a blob produced by Encrypt. Any failure — malformed
// base64, a blob shorter than nonce+tag, or a failed GCM tag check —
// collapses to ErrDecryptionFailed.
func Decrypt(key []byte, blob string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	if len(raw) < NonceLen+TagLen {
		return nil, ErrDecryptionFailed
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	nonce, tag, ciphertext := raw[:NonceLen], raw[NonceLen:NonceLen+TagLen], raw[NonceLen+TagLen:]
	sealed := make([]byte, 0, len(ciphertext)+TagLen)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// SealWithNonce encrypts plaintext under key and the caller-supplied
// nonce, returning ciphertext with the GCM tag appended. Used by the
// backup and export/import codecs, which frame salt/nonce/tag as
// separate header fields rather than Encrypt's single concatenated
// blob; callers that use this must never reuse a nonce under the same
// key.
func SealWithNonce(key, nonce, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != NonceLen {
		return nil, fmt.Errorf("vcrypto: nonce must be %d bytes, got %d", NonceLen, len(nonce))
	}
	return gcm.Seal(nil, nonce, plaintext, nil), nil
}

// OpenWithNonce is the inverse of SealWithNonce: sealed is
// ciphertext-with-appended-tag, as produced by SealWithNonce.
func OpenWithNonce(key, nonce, sealed []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	if len(nonce) != NonceLen {
		return nil, ErrDecryptionFailed
	}
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeyLen {
		return nil, fmt.Errorf("vcrypto: key must be %d bytes, got %d", KeyLen, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// ConstantTimeEqual compares two equal-length byte slices in time
// independent of their contents. Slices of different lengths return false
// immediately, so the comparison time does not hide whether the lengths
// differ.
func ConstantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

// VerifyPassword reports whether encryptedSentinel decrypts to exactly
// testPlaintext under key. Any decryption error is treated as a mismatch.
func VerifyPassword(key []byte, testPlaintext []byte, encryptedSentinel string) bool {
	decrypted, err := Decrypt(key, encryptedSentinel)
	if err != nil {
		return false
	}
	return ConstantTimeEqual(decrypted, testPlaintext)
}

// Zeroize overwrites buf in place with zero bytes. Every non-exceptional
// exit path that releases a master key, session key, or derived key must
// call this before dropping its last reference.
func Zeroize(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
}
