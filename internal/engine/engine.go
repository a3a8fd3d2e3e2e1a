// Package engine implements the vault's state machine and every
// operation that requires the master key: initialize/unlock/lock,
// secret CRUD, rotation, search, sync export, and master-password
// change. A single mutex guards all of it, mirroring the teacher's own
// Vault.mu + lockLocked discipline in internal/vault/vault.go, extended
// here from an in-memory map to a sqlite-backed store.
package engine

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os/user"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jordanhubbard/secretsvault/internal/store"
	"github.com/jordanhubbard/secretsvault/internal/validate"
	"github.com/jordanhubbard/secretsvault/internal/vcrypto"
)

const (
	metaKeySalt           = "salt"
	metaKeyVersion        = "version"
	metaKeyCreatedAt      = "created_at"
	metaKeyAutoLock       = "auto_lock_timeout"
	metaKeySentinel       = "__vault_verification__"
	metaKeyFailedAttempts = "failed_attempts"
	metaKeyLockoutUntil   = "lockout_until"

	schemaVersion     = "1"
	sentinelPlaintext = "secrets-manager-v1"

	maxSecretValueBytes = 64 * 1024

	defaultAutoLockMinutes = 15
)

// Options configures a new Engine. Zero values fall back to the
// defaults documented in internal/config.
type Options struct {
	MaxFailedAttempts int
	LockoutDuration   time.Duration
	Logger            *slog.Logger
}

// Engine is the vault's state machine. One Engine owns exactly one
// database path; it is not safe to open the same path from two Engines
// concurrently (the store's single-writer sqlite handle would contend).
type Engine struct {
	mu sync.Mutex

	dbPath string
	store  store.Store // nil unless state == StateUnlocked

	state     State
	masterKey []byte

	autoLockDuration time.Duration
	autoLockTimer    *time.Timer

	maxFailedAttempts int
	lockoutDuration   time.Duration

	logger *slog.Logger
}

// New returns an Engine bound to dbPath. Call IsInitialized to discover
// whether a vault already exists there.
func New(dbPath string, opts Options) *Engine {
	e := &Engine{
		dbPath:            dbPath,
		maxFailedAttempts: opts.MaxFailedAttempts,
		lockoutDuration:   opts.LockoutDuration,
		logger:            opts.Logger,
	}
	if e.maxFailedAttempts <= 0 {
		e.maxFailedAttempts = 3
	}
	if e.lockoutDuration <= 0 {
		e.lockoutDuration = 5 * time.Minute
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if exists, err := store.VaultExists(dbPath); err == nil && exists {
		e.state = StateLocked
	} else {
		e.state = StateNotInitialized
	}
	return e
}

// InitOptions configures Initialize.
type InitOptions struct {
	Force                bool
	AutoLockMinutes      int
	SkipPasswordStrength bool // tests only; production callers validate
}

// Initialize creates a fresh vault at the engine's database path. If a
// vault already exists and Force is false, it returns
// ErrVaultAlreadyInitialized.
func (e *Engine) Initialize(ctx context.Context, password string, opts InitOptions) error {
	if !opts.SkipPasswordStrength {
		if res := validate.ValidatePassword(password); !res.Valid {
			return &InvalidPassword{Errors: res.Errors}
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	exists, err := store.VaultExists(e.dbPath)
	if err != nil {
		return fmt.Errorf("engine: check vault existence: %w", err)
	}
	if exists && !opts.Force {
		return ErrVaultAlreadyInitialized
	}

	s, err := store.NewSQLite(e.dbPath)
	if err != nil {
		return fmt.Errorf("engine: open store: %w", err)
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return fmt.Errorf("engine: migrate: %w", err)
	}

	salt, err := vcrypto.GenerateSalt()
	if err != nil {
		_ = s.Close()
		return err
	}
	key := vcrypto.DeriveMasterKey([]byte(password), salt)

	sentinel, err := vcrypto.Encrypt(key, []byte(sentinelPlaintext))
	if err != nil {
		vcrypto.Zeroize(key)
		_ = s.Close()
		return err
	}

	autoLockMinutes := opts.AutoLockMinutes
	if autoLockMinutes <= 0 {
		autoLockMinutes = defaultAutoLockMinutes
	}

	metaWrites := map[string]string{
		metaKeySalt:      base64.StdEncoding.EncodeToString(salt),
		metaKeyVersion:   schemaVersion,
		metaKeyCreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
		metaKeyAutoLock:  strconv.Itoa(autoLockMinutes),
		metaKeySentinel:  sentinel,
	}
	for k, v := range metaWrites {
		if err := s.SetMeta(ctx, k, v); err != nil {
			vcrypto.Zeroize(key)
			_ = s.Close()
			return fmt.Errorf("engine: write meta %s: %w", k, err)
		}
	}

	e.store = s
	e.masterKey = key
	e.autoLockDuration = time.Duration(autoLockMinutes) * time.Minute
	e.state = StateUnlocked
	e.armAutoLockLocked()

	e.logger.Info("vault initialized", "path", e.dbPath)
	return nil
}

// UnlockOptions configures Unlock.
type UnlockOptions struct {
	AutoLockMinutes int // overrides the persisted default when > 0
}

// Unlock verifies password against the persisted sentinel and, on
// success, loads the master key and transitions to UNLOCKED.
func (e *Engine) Unlock(ctx context.Context, password string, opts UnlockOptions) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == StateUnlocked {
		e.touchActivityLocked()
		return nil
	}

	exists, err := store.VaultExists(e.dbPath)
	if err != nil {
		return fmt.Errorf("engine: check vault existence: %w", err)
	}
	if !exists {
		return ErrVaultNotInitialized
	}

	s, err := store.NewSQLite(e.dbPath)
	if err != nil {
		return fmt.Errorf("engine: open store: %w", err)
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return fmt.Errorf("engine: migrate: %w", err)
	}

	now := time.Now()

	lockoutUntil, err := e.loadLockoutUntil(ctx, s)
	if err != nil {
		_ = s.Close()
		return err
	}
	if lockoutUntil != nil {
		if lockoutUntil.After(now) {
			// I5: lockout respected without touching the KDF.
			_ = s.Close()
			e.state = StateLockedOut
			return &LockedOut{Seconds: int(lockoutUntil.Sub(now).Seconds()) + 1}
		}
		// Lockout window has elapsed: clear it before proceeding.
		if err := s.SetMeta(ctx, metaKeyFailedAttempts, "0"); err != nil {
			_ = s.Close()
			return err
		}
		if err := s.SetMeta(ctx, metaKeyLockoutUntil, ""); err != nil {
			_ = s.Close()
			return err
		}
	}

	saltB64, ok, err := s.GetMeta(ctx, metaKeySalt)
	if err != nil || !ok {
		_ = s.Close()
		return ErrVaultCorrupted
	}
	salt, err := base64.StdEncoding.DecodeString(saltB64)
	if err != nil {
		_ = s.Close()
		return ErrVaultCorrupted
	}
	sentinel, ok, err := s.GetMeta(ctx, metaKeySentinel)
	if err != nil || !ok {
		_ = s.Close()
		return ErrVaultCorrupted
	}

	candidateKey := vcrypto.DeriveMasterKey([]byte(password), salt)

	if !vcrypto.VerifyPassword(candidateKey, []byte(sentinelPlaintext), sentinel) {
		vcrypto.Zeroize(candidateKey)
		return e.recordFailedAttemptLocked(ctx, s, now)
	}

	// Success: clear counters, install key, arm the timer.
	if err := s.SetMeta(ctx, metaKeyFailedAttempts, "0"); err != nil {
		vcrypto.Zeroize(candidateKey)
		_ = s.Close()
		return err
	}
	if err := s.SetMeta(ctx, metaKeyLockoutUntil, ""); err != nil {
		vcrypto.Zeroize(candidateKey)
		_ = s.Close()
		return err
	}

	autoLockMinutes := opts.AutoLockMinutes
	if autoLockMinutes <= 0 {
		autoLockMinutes = e.persistedAutoLockMinutes(ctx, s)
	}

	e.store = s
	e.masterKey = candidateKey
	e.autoLockDuration = time.Duration(autoLockMinutes) * time.Minute
	e.state = StateUnlocked
	e.armAutoLockLocked()

	e.logger.Info("vault unlocked", "path", e.dbPath)
	return nil
}

// UnlockWithKey installs a previously-derived master key directly,
// without re-running PBKDF2 or touching the failed-attempt counters.
// It exists for the session cache: a restored key must still prove
// itself against the sentinel before the engine trusts it, since a
// corrupted or stale cache entry should fail closed rather than unlock
// under a wrong key.
func (e *Engine) UnlockWithKey(ctx context.Context, masterKey []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == StateUnlocked {
		e.touchActivityLocked()
		return nil
	}

	exists, err := store.VaultExists(e.dbPath)
	if err != nil {
		return fmt.Errorf("engine: check vault existence: %w", err)
	}
	if !exists {
		return ErrVaultNotInitialized
	}

	s, err := store.NewSQLite(e.dbPath)
	if err != nil {
		return fmt.Errorf("engine: open store: %w", err)
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return fmt.Errorf("engine: migrate: %w", err)
	}

	lockoutUntil, err := e.loadLockoutUntil(ctx, s)
	if err != nil {
		_ = s.Close()
		return err
	}
	if lockoutUntil != nil && lockoutUntil.After(time.Now()) {
		_ = s.Close()
		e.state = StateLockedOut
		return &LockedOut{Seconds: int(lockoutUntil.Sub(time.Now()).Seconds()) + 1}
	}

	sentinel, ok, err := s.GetMeta(ctx, metaKeySentinel)
	if err != nil || !ok {
		_ = s.Close()
		return ErrVaultCorrupted
	}
	if !vcrypto.VerifyPassword(masterKey, []byte(sentinelPlaintext), sentinel) {
		_ = s.Close()
		return &WrongPassword{Remaining: e.maxFailedAttempts}
	}

	e.store = s
	e.masterKey = masterKey
	e.autoLockDuration = time.Duration(e.persistedAutoLockMinutes(ctx, s)) * time.Minute
	e.state = StateUnlocked
	e.armAutoLockLocked()

	e.logger.Info("vault unlocked from cached session", "path", e.dbPath)
	return nil
}

// recordFailedAttemptLocked persists an incremented failed-attempt
// counter and, once it reaches maxFailedAttempts, transitions to
// LOCKED_OUT and closes the store handle. Caller holds e.mu and owns s.
func (e *Engine) recordFailedAttemptLocked(ctx context.Context, s store.Store, now time.Time) error {
	attempts, err := e.persistedFailedAttempts(ctx, s)
	if err != nil {
		_ = s.Close()
		return err
	}
	attempts++

	if attempts >= e.maxFailedAttempts {
		lockoutUntil := now.Add(e.lockoutDuration)
		_ = s.SetMeta(ctx, metaKeyFailedAttempts, strconv.Itoa(attempts))
		_ = s.SetMeta(ctx, metaKeyLockoutUntil, strconv.FormatInt(lockoutUntil.UnixMilli(), 10))
		_ = s.Close()
		e.state = StateLockedOut
		e.logger.Warn("vault locked out after repeated failed unlocks", "attempts", attempts)
		return &LockedOut{Seconds: int(e.lockoutDuration.Seconds())}
	}

	_ = s.SetMeta(ctx, metaKeyFailedAttempts, strconv.Itoa(attempts))
	_ = s.Close()
	e.state = StateLocked
	remaining := e.maxFailedAttempts - attempts
	return &WrongPassword{Remaining: remaining}
}

func (e *Engine) persistedFailedAttempts(ctx context.Context, s store.Store) (int, error) {
	v, ok, err := s.GetMeta(ctx, metaKeyFailedAttempts)
	if err != nil {
		return 0, err
	}
	if !ok || v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, nil
	}
	return n, nil
}

func (e *Engine) persistedAutoLockMinutes(ctx context.Context, s store.Store) int {
	v, ok, err := s.GetMeta(ctx, metaKeyAutoLock)
	if err != nil || !ok {
		return defaultAutoLockMinutes
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return defaultAutoLockMinutes
	}
	return n
}

func (e *Engine) loadLockoutUntil(ctx context.Context, s store.Store) (*time.Time, error) {
	v, ok, err := s.GetMeta(ctx, metaKeyLockoutUntil)
	if err != nil {
		return nil, err
	}
	if !ok || v == "" {
		return nil, nil
	}
	millis, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil, nil
	}
	t := time.UnixMilli(millis)
	return &t, nil
}

// Lock disarms the auto-lock timer, zeroizes and drops the master key,
// closes the database handle, and transitions to LOCKED. Idempotent.
func (e *Engine) Lock(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lockLocked()
	return nil
}

func (e *Engine) lockLocked() {
	if e.autoLockTimer != nil {
		e.autoLockTimer.Stop()
		e.autoLockTimer = nil
	}
	if e.masterKey != nil {
		vcrypto.Zeroize(e.masterKey)
		e.masterKey = nil
	}
	if e.store != nil {
		_ = e.store.Close()
		e.store = nil
	}
	if e.state != StateNotInitialized {
		e.state = StateLocked
	}
}

func (e *Engine) armAutoLockLocked() {
	if e.autoLockTimer != nil {
		e.autoLockTimer.Stop()
	}
	e.autoLockTimer = time.AfterFunc(e.autoLockDuration, e.autoLockFired)
}

func (e *Engine) touchActivityLocked() {
	if e.autoLockTimer != nil {
		e.autoLockTimer.Reset(e.autoLockDuration)
	}
}

func (e *Engine) autoLockFired() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateUnlocked {
		e.logger.Debug("vault auto-locked after inactivity")
		e.lockLocked()
	}
}

// CopyMasterKey returns a defensive copy of the current master key for
// the session cache to seal, or nil if the vault is not UNLOCKED. A
// copy is returned rather than the live slice so that a subsequent
// Lock zeroizing e.masterKey cannot reach into memory the caller still
// holds.
func (e *Engine) CopyMasterKey() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateUnlocked || e.masterKey == nil {
		return nil
	}
	cp := make([]byte, len(e.masterKey))
	copy(cp, e.masterKey)
	return cp
}

// IsInitialized reports whether a vault exists at the engine's path.
func (e *Engine) IsInitialized() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state != StateNotInitialized
}

// IsLocked reports whether the vault is anything other than UNLOCKED.
func (e *Engine) IsLocked() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state != StateUnlocked
}

// GetState returns the current lifecycle state.
func (e *Engine) GetState() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// requireUnlockedLocked must be called with e.mu held.
func (e *Engine) requireUnlockedLocked() error {
	switch e.state {
	case StateUnlocked:
		return nil
	case StateNotInitialized:
		return ErrVaultNotInitialized
	default:
		return ErrVaultLocked
	}
}

func currentUser() string {
	u, err := user.Current()
	if err != nil || u.Username == "" {
		return "unknown"
	}
	return u.Username
}

func (e *Engine) logAuditLocked(ctx context.Context, action, secretKey, environment string) {
	row := store.AuditRow{
		Timestamp:   time.Now().UTC(),
		Action:      action,
		SecretKey:   secretKey,
		Environment: environment,
		User:        currentUser(),
	}
	if err := e.store.InsertAudit(ctx, row); err != nil {
		e.logger.Warn("failed to write audit log entry", "action", action, "error", err)
	}
	e.logger.Info("vault action", "action", action, "secret_key", secretKey, "environment", environment)
}

// escapeLike escapes the LIKE metacharacters %, _, and \ with \ as the
// escape character, per the search_secrets contract.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func newSecretID() string { return uuid.NewString() }
