package engine

import (
	"context"
	"strings"
	"time"

	"github.com/jordanhubbard/secretsvault/internal/store"
	"github.com/jordanhubbard/secretsvault/internal/validate"
	"github.com/jordanhubbard/secretsvault/internal/vcrypto"
)

// AddSecret creates a new (key, environment) row. Fails with
// ErrSecretAlreadyExists if the row already exists.
func (e *Engine) AddSecret(ctx context.Context, key, value, environment string, opts AddSecretOptions) (*Secret, error) {
	if environment == "" {
		environment = "all"
	}
	if !validate.ValidateSecretKey(key) {
		return nil, ErrInvalidKey
	}
	if !validate.ValidateEnvironment(environment) {
		return nil, ErrInvalidEnvironment
	}
	if len(value) > maxSecretValueBytes {
		return nil, ErrSecretValueTooLarge
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireUnlockedLocked(); err != nil {
		return nil, err
	}
	e.touchActivityLocked()

	existing, err := e.store.GetSecret(ctx, key, environment)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrSecretAlreadyExists
	}

	ciphertext, err := vcrypto.Encrypt(e.masterKey, []byte(value))
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	row := store.SecretRow{
		ID:          newSecretID(),
		Key:         key,
		Value:       ciphertext,
		Environment: environment,
		Description: opts.Description,
		Tags:        opts.Tags,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   opts.ExpiresAt,
	}
	if err := e.store.InsertSecret(ctx, row); err != nil {
		return nil, err
	}

	e.logAuditLocked(ctx, ActionWrite, key, environment)
	sec := secretFromRow(row)
	return &sec, nil
}

// lookupWithFallbackLocked resolves (key, environment), falling back to
// (key, "all") when environment != "all" and no exact row exists. Caller
// holds e.mu.
func (e *Engine) lookupWithFallbackLocked(ctx context.Context, key, environment string) (*store.SecretRow, error) {
	row, err := e.store.GetSecret(ctx, key, environment)
	if err != nil {
		return nil, err
	}
	if row != nil {
		return row, nil
	}
	if environment == "all" {
		return nil, nil
	}
	return e.store.GetSecret(ctx, key, "all")
}

// GetSecret resolves (key, environment) with the "all" fallback and
// returns the decrypted plaintext. ok is false when no row matched.
func (e *Engine) GetSecret(ctx context.Context, key, environment string) (value string, ok bool, err error) {
	if environment == "" {
		environment = "all"
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireUnlockedLocked(); err != nil {
		return "", false, err
	}
	e.touchActivityLocked()

	row, err := e.lookupWithFallbackLocked(ctx, key, environment)
	if err != nil {
		return "", false, err
	}
	if row == nil {
		return "", false, nil
	}

	plaintext, err := vcrypto.Decrypt(e.masterKey, row.Value)
	if err != nil {
		return "", false, err
	}

	now := time.Now().UTC()
	_ = e.store.TouchSecretLastUsed(ctx, row.ID, now)
	e.logAuditLocked(ctx, ActionRead, row.Key, row.Environment)
	return string(plaintext), true, nil
}

// GetSecretWithDetails is GetSecret but returns the full row alongside
// the plaintext. The audited environment is the matched row's
// environment, not the one requested, since a fallback hit is really a
// read of the 'all' row.
func (e *Engine) GetSecretWithDetails(ctx context.Context, key, environment string) (*SecretWithValue, error) {
	if environment == "" {
		environment = "all"
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireUnlockedLocked(); err != nil {
		return nil, err
	}
	e.touchActivityLocked()

	row, err := e.lookupWithFallbackLocked(ctx, key, environment)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, nil
	}

	plaintext, err := vcrypto.Decrypt(e.masterKey, row.Value)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	_ = e.store.TouchSecretLastUsed(ctx, row.ID, now)
	e.logAuditLocked(ctx, ActionRead, row.Key, row.Environment)

	return &SecretWithValue{Secret: secretFromRow(*row), Value: string(plaintext)}, nil
}

// ListSecrets returns metadata rows only — ciphertext stays ciphertext,
// nothing is decrypted. If environment is non-empty, rows are filtered to
// that environment plus 'all'.
func (e *Engine) ListSecrets(ctx context.Context, environment string) ([]Secret, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireUnlockedLocked(); err != nil {
		return nil, err
	}
	e.touchActivityLocked()

	rows, err := e.store.ListSecrets(ctx, environment)
	if err != nil {
		return nil, err
	}
	out := make([]Secret, len(rows))
	for i, r := range rows {
		out[i] = secretFromRow(r)
	}
	return out, nil
}

// UpdateSecret overwrites the value (and, if set, description/tags) of
// an existing (key, environment) row, bumping updated_at.
func (e *Engine) UpdateSecret(ctx context.Context, key, value, environment string, opts UpdateSecretOptions) error {
	if environment == "" {
		environment = "all"
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireUnlockedLocked(); err != nil {
		return err
	}
	e.touchActivityLocked()

	existing, err := e.store.GetSecret(ctx, key, environment)
	if err != nil {
		return err
	}
	if existing == nil {
		return ErrSecretNotFound
	}

	ciphertext, err := vcrypto.Encrypt(e.masterKey, []byte(value))
	if err != nil {
		return err
	}

	row := *existing
	row.Value = ciphertext
	row.UpdatedAt = time.Now().UTC()
	if opts.Description != nil {
		row.Description = *opts.Description
	}
	if opts.Tags != nil {
		row.Tags = opts.Tags
	}

	if err := e.store.UpdateSecret(ctx, row); err != nil {
		return err
	}
	e.logAuditLocked(ctx, ActionWrite, key, environment)
	return nil
}

// DeleteSecret removes a single (key, environment) row.
func (e *Engine) DeleteSecret(ctx context.Context, key, environment string) error {
	if environment == "" {
		environment = "all"
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireUnlockedLocked(); err != nil {
		return err
	}
	e.touchActivityLocked()

	deleted, err := e.store.DeleteSecret(ctx, key, environment)
	if err != nil {
		return err
	}
	if !deleted {
		return ErrSecretNotFound
	}
	e.logAuditLocked(ctx, ActionDelete, key, environment)
	return nil
}

// DeleteSecretAllEnvs removes every row for key across all environments.
// Succeeds silently (returning 0) if no rows matched.
func (e *Engine) DeleteSecretAllEnvs(ctx context.Context, key string) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireUnlockedLocked(); err != nil {
		return 0, err
	}
	e.touchActivityLocked()

	n, err := e.store.DeleteSecretAllEnvs(ctx, key)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.logAuditLocked(ctx, ActionDelete, key, "")
	}
	return n, nil
}

// RotateSecret re-encrypts newValue under a fresh nonce for every row
// matching key whose environment is not in exclude, and applies the
// result to each row independently. Returns ErrSecretNotFound if no
// row matched. Each row gets its own AEAD call — a single ciphertext is
// never reused across rows, even though the rows share a plaintext,
// because nonce reuse under a shared key is the one thing AES-GCM
// cannot tolerate.
func (e *Engine) RotateSecret(ctx context.Context, key, newValue string, exclude []string) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireUnlockedLocked(); err != nil {
		return 0, err
	}
	e.touchActivityLocked()

	rows, err := e.store.ListSecretsByKey(ctx, key)
	if err != nil {
		return 0, err
	}

	excluded := make(map[string]bool, len(exclude))
	for _, env := range exclude {
		excluded[env] = true
	}

	var targets []store.SecretRow
	for _, r := range rows {
		if !excluded[r.Environment] {
			targets = append(targets, r)
		}
	}
	if len(targets) == 0 {
		return 0, ErrSecretNotFound
	}

	now := time.Now().UTC()
	for _, r := range targets {
		ciphertext, err := vcrypto.Encrypt(e.masterKey, []byte(newValue))
		if err != nil {
			return 0, err
		}
		r.Value = ciphertext
		r.UpdatedAt = now
		if err := e.store.UpdateSecret(ctx, r); err != nil {
			return 0, err
		}
		e.logAuditLocked(ctx, ActionRotate, r.Key, r.Environment)
	}
	return len(targets), nil
}

// SearchSecrets does a case-sensitive substring match against key and
// description, escaping LIKE metacharacters in substring so a literal
// "%" or "_" in user input cannot turn into a wildcard.
func (e *Engine) SearchSecrets(ctx context.Context, substring string) ([]Secret, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireUnlockedLocked(); err != nil {
		return nil, err
	}
	e.touchActivityLocked()

	pattern := "%" + escapeLike(substring) + "%"
	rows, err := e.store.SearchSecrets(ctx, pattern)
	if err != nil {
		return nil, err
	}
	// sqlite's LIKE ignores ASCII case, so each candidate is re-checked
	// case-sensitively.
	out := make([]Secret, 0, len(rows))
	for _, r := range rows {
		if strings.Contains(r.Key, substring) || strings.Contains(r.Description, substring) {
			out = append(out, secretFromRow(r))
		}
	}
	return out, nil
}

// GetSecretsForSync decrypts every secret visible to environment into a
// flat key→plaintext map. When both (key, environment) and (key, "all")
// exist, the environment-specific value wins.
func (e *Engine) GetSecretsForSync(ctx context.Context, environment string) (map[string]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireUnlockedLocked(); err != nil {
		return nil, err
	}
	e.touchActivityLocked()

	rows, err := e.store.ListSecrets(ctx, environment)
	if err != nil {
		return nil, err
	}

	merged := make(map[string]store.SecretRow, len(rows))
	for _, r := range rows {
		if r.Environment == "all" {
			if _, exists := merged[r.Key]; !exists {
				merged[r.Key] = r
			}
			continue
		}
		merged[r.Key] = r // environment-specific always wins
	}

	out := make(map[string]string, len(merged))
	for k, r := range merged {
		plaintext, err := vcrypto.Decrypt(e.masterKey, r.Value)
		if err != nil {
			return nil, err
		}
		out[k] = string(plaintext)
	}
	return out, nil
}
