// Package portable implements the vault's export/import wire format: a
// single AEAD-sealed JSON document carrying secrets as portable,
// environment-tagged records, independent of the vault's own database
// format and master password.
package portable

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/jordanhubbard/secretsvault/internal/engine"
	"github.com/jordanhubbard/secretsvault/internal/validate"
	"github.com/jordanhubbard/secretsvault/internal/vcrypto"
)

var magic = []byte("SECRETS_EXPORT_V1")

// ErrBadMagic is returned when a file does not start with the export
// format's magic header.
var ErrBadMagic = errors.New("portable: not a valid export file")

// ErrWrongPassword is returned when the export password fails to
// decrypt the payload.
var ErrWrongPassword = errors.New("portable: wrong export password")

// exportPasswordMinLen is the export password's own, lower strength
// floor — independent of validate.ValidatePassword's vault-master-key
// rules.
const exportPasswordMinLen = 8

// Entry is one exported secret record.
type Entry struct {
	Key         string   `json:"key"`
	Value       string   `json:"value"`
	Environment string   `json:"environment"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// Export seals entries under a key derived from exportPassword and
// returns the framed bytes ready to be written to a file.
func Export(entries []Entry, exportPassword string) ([]byte, error) {
	if len(exportPassword) < exportPasswordMinLen {
		return nil, fmt.Errorf("portable: export password must be at least %d characters", exportPasswordMinLen)
	}

	plaintext, err := json.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("portable: marshal entries: %w", err)
	}

	salt, err := vcrypto.GenerateSalt()
	if err != nil {
		return nil, err
	}
	key := vcrypto.DeriveMasterKey([]byte(exportPassword), salt)
	defer vcrypto.Zeroize(key)

	nonce, err := vcrypto.GenerateNonce()
	if err != nil {
		return nil, err
	}
	sealed, err := vcrypto.SealWithNonce(key, nonce, plaintext)
	if err != nil {
		return nil, err
	}
	tag := sealed[len(sealed)-vcrypto.TagLen:]
	ciphertext := sealed[:len(sealed)-vcrypto.TagLen]

	out := make([]byte, 0, len(magic)+len(salt)+len(nonce)+len(tag)+len(ciphertext))
	out = append(out, magic...)
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, tag...)
	out = append(out, ciphertext...)
	return out, nil
}

// Decode verifies the magic header and decrypts data under
// exportPassword, returning the entries it carries.
func Decode(data []byte, exportPassword string) ([]Entry, error) {
	headerLen := len(magic) + vcrypto.SaltLen + vcrypto.NonceLen + vcrypto.TagLen
	if len(data) < headerLen {
		return nil, ErrBadMagic
	}
	if !bytes.Equal(data[:len(magic)], magic) {
		return nil, ErrBadMagic
	}

	offset := len(magic)
	salt := data[offset : offset+vcrypto.SaltLen]
	offset += vcrypto.SaltLen
	nonce := data[offset : offset+vcrypto.NonceLen]
	offset += vcrypto.NonceLen
	tag := data[offset : offset+vcrypto.TagLen]
	offset += vcrypto.TagLen
	ciphertext := data[offset:]

	key := vcrypto.DeriveMasterKey([]byte(exportPassword), salt)
	defer vcrypto.Zeroize(key)

	sealed := append(append([]byte{}, ciphertext...), tag...)
	plaintext, err := vcrypto.OpenWithNonce(key, nonce, sealed)
	if err != nil {
		return nil, ErrWrongPassword
	}

	var entries []Entry
	if err := json.Unmarshal(plaintext, &entries); err != nil {
		return nil, fmt.Errorf("portable: parse entries: %w", err)
	}
	return entries, nil
}

// ExportToFile writes an Export frame to path.
func ExportToFile(path string, entries []Entry, exportPassword string) error {
	data, err := Export(entries, exportPassword)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// Import reads an export file at path and, for every entry, calls
// AddSecret into e — falling back to UpdateSecret when the row already
// exists. The spec treats --merge and the default identically: both
// overwrite on collision, so there is no separate "skip existing"
// mode.
func Import(ctx context.Context, e *engine.Engine, path, exportPassword string) (added, updated int, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, fmt.Errorf("portable: read export file: %w", err)
	}
	entries, err := Decode(data, exportPassword)
	if err != nil {
		return 0, 0, err
	}

	for _, entry := range entries {
		env := entry.Environment
		if env == "" {
			env = "all"
		}
		if !validate.ValidateEnvironment(env) {
			return added, updated, engine.ErrInvalidEnvironment
		}

		_, addErr := e.AddSecret(ctx, entry.Key, entry.Value, env, engine.AddSecretOptions{
			Description: entry.Description,
			Tags:        entry.Tags,
		})
		if addErr == nil {
			added++
			continue
		}
		if !errors.Is(addErr, engine.ErrSecretAlreadyExists) {
			return added, updated, addErr
		}
		desc := entry.Description
		updateErr := e.UpdateSecret(ctx, entry.Key, entry.Value, env, engine.UpdateSecretOptions{
			Description: &desc,
			Tags:        entry.Tags,
		})
		if updateErr != nil {
			return added, updated, updateErr
		}
		updated++
	}
	return added, updated, nil
}
