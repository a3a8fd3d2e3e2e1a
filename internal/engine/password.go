package engine

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/jordanhubbard/secretsvault/internal/store"
	"github.com/jordanhubbard/secretsvault/internal/validate"
	"github.com/jordanhubbard/secretsvault/internal/vcrypto"
)

// ChangeMasterPassword re-encrypts every secret and the verification
// sentinel under a key derived from newPassword. It opens its own store
// handle when the engine is currently LOCKED rather than reusing engine
// state, per the "open the database without touching engine state"
// contract, and only touches engine state at the very end if the vault
// was UNLOCKED when called.
//
// Every row is decrypted under the old key before any row is written
// back under the new one, so a decrypt failure aborts before a single
// write happens. The writes themselves — every re-encrypted row plus
// the new salt and sentinel — go through store.Store.WithTx: if any
// one of them fails partway through, the transaction rolls back and
// the database is left exactly as it was, rather than with some rows
// keyed to the new password and others (or the meta) still keyed to
// the old one.
func (e *Engine) ChangeMasterPassword(ctx context.Context, oldPassword, newPassword string) error {
	if res := validate.ValidatePassword(newPassword); !res.Valid {
		return &InvalidPassword{Errors: res.Errors}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	wasUnlocked := e.state == StateUnlocked

	s := e.store
	if s == nil {
		exists, err := store.VaultExists(e.dbPath)
		if err != nil {
			return err
		}
		if !exists {
			return ErrVaultNotInitialized
		}
		opened, err := store.NewSQLite(e.dbPath)
		if err != nil {
			return err
		}
		if err := opened.Migrate(ctx); err != nil {
			_ = opened.Close()
			return err
		}
		s = opened
		defer func() { _ = s.Close() }()
	}

	saltB64, ok, err := s.GetMeta(ctx, metaKeySalt)
	if err != nil || !ok {
		return ErrVaultCorrupted
	}
	salt, err := base64.StdEncoding.DecodeString(saltB64)
	if err != nil {
		return ErrVaultCorrupted
	}
	sentinel, ok, err := s.GetMeta(ctx, metaKeySentinel)
	if err != nil || !ok {
		return ErrVaultCorrupted
	}

	oldKey := vcrypto.DeriveMasterKey([]byte(oldPassword), salt)
	defer vcrypto.Zeroize(oldKey)

	if !vcrypto.VerifyPassword(oldKey, []byte(sentinelPlaintext), sentinel) {
		return &WrongPassword{Remaining: e.maxFailedAttempts}
	}

	rows, err := s.AllSecrets(ctx)
	if err != nil {
		return err
	}

	plaintexts := make([][]byte, len(rows))
	for i, r := range rows {
		pt, err := vcrypto.Decrypt(oldKey, r.Value)
		if err != nil {
			return fmt.Errorf("%w: row %s/%s would not decrypt under the old key", ErrVaultCorrupted, r.Key, r.Environment)
		}
		plaintexts[i] = pt
	}
	defer func() {
		for _, pt := range plaintexts {
			vcrypto.Zeroize(pt)
		}
	}()

	newSalt, err := vcrypto.GenerateSalt()
	if err != nil {
		return err
	}
	newKey := vcrypto.DeriveMasterKey([]byte(newPassword), newSalt)

	newSentinel, err := vcrypto.Encrypt(newKey, []byte(sentinelPlaintext))
	if err != nil {
		vcrypto.Zeroize(newKey)
		return err
	}

	now := time.Now().UTC()
	txErr := s.WithTx(ctx, func(tx store.TxStore) error {
		for i, r := range rows {
			ciphertext, err := vcrypto.Encrypt(newKey, plaintexts[i])
			if err != nil {
				return err
			}
			r.Value = ciphertext
			r.UpdatedAt = now
			if err := tx.UpdateSecret(ctx, r); err != nil {
				return err
			}
		}
		if err := tx.SetMeta(ctx, metaKeySalt, base64.StdEncoding.EncodeToString(newSalt)); err != nil {
			return err
		}
		if err := tx.SetMeta(ctx, metaKeySentinel, newSentinel); err != nil {
			return err
		}
		if err := tx.SetMeta(ctx, metaKeyFailedAttempts, "0"); err != nil {
			return err
		}
		return tx.SetMeta(ctx, metaKeyLockoutUntil, "")
	})
	if txErr != nil {
		vcrypto.Zeroize(newKey)
		return txErr
	}

	if wasUnlocked {
		// Equivalent to "lock then unlock with the new password": the
		// in-memory key is swapped and the inactivity timer re-armed
		// without the overhead of actually closing and reopening the
		// database handle, since it is the same file just re-keyed.
		vcrypto.Zeroize(e.masterKey)
		e.masterKey = newKey
		e.armAutoLockLocked()
	} else {
		vcrypto.Zeroize(newKey)
	}

	row := store.AuditRow{Timestamp: now, Action: ActionWrite, SecretKey: "", Environment: "", User: currentUser()}
	_ = s.InsertAudit(ctx, row)

	e.logger.Info("master password changed", "path", e.dbPath, "secrets_rewritten", len(rows))
	return nil
}
