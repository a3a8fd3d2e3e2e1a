// Package session implements the on-disk, short-lived master-key cache
// that lets a CLI process avoid re-prompting for the master password on
// every invocation. The master key is never written to disk in the
// clear: it is sealed under a fresh, random session key that lives in
// the same file, so the cache only ever buys convenience across a
// single interactive terminal, never protection from a local reader of
// that file.
package session

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/jordanhubbard/secretsvault/internal/vcrypto"
)

const sessionKeyLen = 32
const filePerm = 0o600

// fileLayout is the on-disk JSON shape: encrypted_master_key is a
// base64(nonce ‖ tag ‖ ciphertext) blob from vcrypto.Encrypt,
// session_key is the plain base64 of the raw 32-byte session key, and
// expires_at and created_at are Unix millis.
type fileLayout struct {
	EncryptedMasterKey string `json:"encrypted_master_key"`
	SessionKey         string `json:"session_key"`
	ExpiresAt          int64  `json:"expires_at"`
	CreatedAt          int64  `json:"created_at"`
}

// Cache manages a single session file at Path.
type Cache struct {
	Path string
}

// New returns a Cache rooted at path.
func New(path string) *Cache {
	return &Cache{Path: path}
}

// Save seals masterKey under a freshly generated session key and writes
// the result to disk with 0600 permissions, expiring timeoutMinutes
// from now.
func (c *Cache) Save(masterKey []byte, timeoutMinutes int) error {
	sessionKey := make([]byte, sessionKeyLen)
	if _, err := io.ReadFull(rand.Reader, sessionKey); err != nil {
		return fmt.Errorf("session: generate session key: %w", err)
	}
	defer vcrypto.Zeroize(sessionKey)

	encrypted, err := vcrypto.Encrypt(sessionKey, masterKey)
	if err != nil {
		return fmt.Errorf("session: seal master key: %w", err)
	}

	now := time.Now()
	layout := fileLayout{
		EncryptedMasterKey: encrypted,
		SessionKey:         base64.StdEncoding.EncodeToString(sessionKey),
		ExpiresAt:          now.Add(time.Duration(timeoutMinutes) * time.Minute).UnixMilli(),
		CreatedAt:          now.UnixMilli(),
	}

	data, err := json.Marshal(layout)
	if err != nil {
		return fmt.Errorf("session: marshal: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(c.Path), 0o700); err != nil {
		return fmt.Errorf("session: create session directory: %w", err)
	}
	if err := os.WriteFile(c.Path, data, filePerm); err != nil {
		return fmt.Errorf("session: write session file: %w", err)
	}
	return nil
}

// Load returns the cached master key, or nil if no usable session
// exists. Any of expiry, a missing file, or a parse/AEAD failure
// results in (nil, nil) after the file is removed — a corrupt or
// stale session is equivalent to no session at all, not an error the
// caller has to handle separately.
func (c *Cache) Load() ([]byte, error) {
	data, err := os.ReadFile(c.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("session: read session file: %w", err)
	}

	var layout fileLayout
	if err := json.Unmarshal(data, &layout); err != nil {
		c.Delete()
		return nil, nil
	}

	if time.Now().UnixMilli() > layout.ExpiresAt {
		c.Delete()
		return nil, nil
	}

	sessionKey, err := base64.StdEncoding.DecodeString(layout.SessionKey)
	if err != nil {
		c.Delete()
		return nil, nil
	}
	defer vcrypto.Zeroize(sessionKey)

	masterKey, err := vcrypto.Decrypt(sessionKey, layout.EncryptedMasterKey)
	if err != nil {
		c.Delete()
		return nil, nil
	}
	return masterKey, nil
}

// Extend rewrites expires_at to timeoutMinutes from now, leaving the
// sealed master key untouched. Returns false if no session file
// exists to extend.
func (c *Cache) Extend(timeoutMinutes int) (bool, error) {
	data, err := os.ReadFile(c.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("session: read session file: %w", err)
	}

	var layout fileLayout
	if err := json.Unmarshal(data, &layout); err != nil {
		return false, nil
	}

	layout.ExpiresAt = time.Now().Add(time.Duration(timeoutMinutes) * time.Minute).UnixMilli()
	out, err := json.Marshal(layout)
	if err != nil {
		return false, fmt.Errorf("session: marshal: %w", err)
	}
	if err := os.WriteFile(c.Path, out, filePerm); err != nil {
		return false, fmt.Errorf("session: write session file: %w", err)
	}
	return true, nil
}

// HasValid reports whether a non-expired, well-formed session file
// exists, without returning the master key it guards.
func (c *Cache) HasValid() bool {
	data, err := os.ReadFile(c.Path)
	if err != nil {
		return false
	}
	var layout fileLayout
	if err := json.Unmarshal(data, &layout); err != nil {
		return false
	}
	return time.Now().UnixMilli() <= layout.ExpiresAt
}

// Delete zero-fills the session file's bytes before unlinking it, so a
// filesystem-level recovery of the deleted inode does not trivially
// recover the sealed master key.
func (c *Cache) Delete() error {
	info, err := os.Stat(c.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("session: stat session file: %w", err)
	}

	zeros := make([]byte, info.Size())
	_ = os.WriteFile(c.Path, zeros, filePerm)

	if err := os.Remove(c.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("session: remove session file: %w", err)
	}
	return nil
}
