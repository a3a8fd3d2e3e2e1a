package engine

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

const testPassword = "TestPassword123!"

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	dir := t.TempDir()
	e := New(filepath.Join(dir, "vault.db"), Options{})
	return e
}

func initialized(t *testing.T) *Engine {
	t.Helper()
	e := newTestEngine(t)
	if err := e.Initialize(context.Background(), testPassword, InitOptions{}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return e
}

func TestEngine_InitializeTransitionsToUnlocked(t *testing.T) {
	e := newTestEngine(t)
	if e.GetState() != StateNotInitialized {
		t.Fatalf("expected NOT_INITIALIZED before Initialize, got %v", e.GetState())
	}
	if err := e.Initialize(context.Background(), testPassword, InitOptions{}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if e.GetState() != StateUnlocked {
		t.Fatalf("expected UNLOCKED after Initialize, got %v", e.GetState())
	}
}

func TestEngine_InitializeTwiceWithoutForceFails(t *testing.T) {
	e := initialized(t)
	err := e.Initialize(context.Background(), testPassword, InitOptions{})
	if !errors.Is(err, ErrVaultAlreadyInitialized) {
		t.Fatalf("expected ErrVaultAlreadyInitialized, got %v", err)
	}
}

// Scenario 1: initialize, add a secret in dev, read it back.
func TestScenario_AddAndGetSecret(t *testing.T) {
	e := initialized(t)
	ctx := context.Background()

	if _, err := e.AddSecret(ctx, "DATABASE_URL", "postgres://localhost/db", "dev", AddSecretOptions{}); err != nil {
		t.Fatalf("AddSecret: %v", err)
	}
	got, ok, err := e.GetSecret(ctx, "DATABASE_URL", "dev")
	if err != nil || !ok {
		t.Fatalf("GetSecret: got=%q ok=%v err=%v", got, ok, err)
	}
	if got != "postgres://localhost/db" {
		t.Errorf("GetSecret = %q, want %q", got, "postgres://localhost/db")
	}
}

// Scenario 2: 'all' secret falls back for a specific environment lookup.
func TestScenario_AllEnvironmentFallback(t *testing.T) {
	e := initialized(t)
	ctx := context.Background()

	if _, err := e.AddSecret(ctx, "API_KEY", "key123", "all", AddSecretOptions{}); err != nil {
		t.Fatalf("AddSecret: %v", err)
	}
	got, ok, err := e.GetSecret(ctx, "API_KEY", "dev")
	if err != nil || !ok || got != "key123" {
		t.Fatalf("fallback GetSecret: got=%q ok=%v err=%v", got, ok, err)
	}
}

// GetSecretWithDetails on a fallback hit must audit the matched row's
// environment ('all'), not the one the caller asked for.
func TestGetSecretWithDetails_FallbackAuditsMatchedEnvironment(t *testing.T) {
	e := initialized(t)
	ctx := context.Background()

	if _, err := e.AddSecret(ctx, "API_KEY", "key123", "all", AddSecretOptions{}); err != nil {
		t.Fatalf("AddSecret: %v", err)
	}

	got, err := e.GetSecretWithDetails(ctx, "API_KEY", "dev")
	if err != nil {
		t.Fatalf("GetSecretWithDetails: %v", err)
	}
	if got == nil || got.Value != "key123" {
		t.Fatalf("GetSecretWithDetails = %+v, want value key123", got)
	}
	if got.Environment != "all" {
		t.Errorf("returned Secret.Environment = %q, want %q", got.Environment, "all")
	}

	logs, err := e.GetLogs(ctx, AuditFilter{Action: ActionRead})
	if err != nil {
		t.Fatalf("GetLogs: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("GetLogs returned %d entries, want 1", len(logs))
	}
	if logs[0].Environment != "all" {
		t.Errorf("audited Environment = %q, want %q (matched row, not requested 'dev')", logs[0].Environment, "all")
	}
	if logs[0].SecretKey != "API_KEY" {
		t.Errorf("audited SecretKey = %q, want %q", logs[0].SecretKey, "API_KEY")
	}
}

// Scenario 3: per-environment rows are independent.
func TestScenario_PerEnvironmentIndependence(t *testing.T) {
	e := initialized(t)
	ctx := context.Background()

	if _, err := e.AddSecret(ctx, "API_KEY", "dev-db", "dev", AddSecretOptions{}); err != nil {
		t.Fatalf("AddSecret dev: %v", err)
	}
	if _, err := e.AddSecret(ctx, "API_KEY", "prod-db", "prod", AddSecretOptions{}); err != nil {
		t.Fatalf("AddSecret prod: %v", err)
	}
	dev, _, _ := e.GetSecret(ctx, "API_KEY", "dev")
	prod, _, _ := e.GetSecret(ctx, "API_KEY", "prod")
	if dev != "dev-db" || prod != "prod-db" {
		t.Errorf("got dev=%q prod=%q", dev, prod)
	}
}

// Scenario 4: rotate_secret with exclude leaves excluded rows untouched.
func TestScenario_RotateSecretWithExclude(t *testing.T) {
	e := initialized(t)
	ctx := context.Background()

	if _, err := e.AddSecret(ctx, "API_KEY", "old-key", "dev", AddSecretOptions{}); err != nil {
		t.Fatalf("AddSecret dev: %v", err)
	}
	if _, err := e.AddSecret(ctx, "API_KEY", "old-key", "prod", AddSecretOptions{}); err != nil {
		t.Fatalf("AddSecret prod: %v", err)
	}

	count, err := e.RotateSecret(ctx, "API_KEY", "new-key", []string{"prod"})
	if err != nil {
		t.Fatalf("RotateSecret: %v", err)
	}
	if count != 1 {
		t.Fatalf("RotateSecret count = %d, want 1", count)
	}

	dev, _, _ := e.GetSecret(ctx, "API_KEY", "dev")
	prod, _, _ := e.GetSecret(ctx, "API_KEY", "prod")
	if dev != "new-key" {
		t.Errorf("dev = %q, want new-key", dev)
	}
	if prod != "old-key" {
		t.Errorf("prod = %q, want old-key (excluded)", prod)
	}
}

// Scenario 5 / P4: lockout after MAX_FAILED_ATTEMPTS, including a
// correct-password attempt made inside the lockout window.
func TestScenario_LockoutAfterRepeatedFailures(t *testing.T) {
	e := initialized(t)
	ctx := context.Background()
	e.Lock(ctx)

	for i := 0; i < 3; i++ {
		err := e.Unlock(ctx, "wrong-password-entirely", UnlockOptions{})
		var wrongPw *WrongPassword
		var lockedOut *LockedOut
		if errors.As(err, &wrongPw) {
			continue
		}
		if errors.As(err, &lockedOut) {
			break
		}
		t.Fatalf("unlock attempt %d: unexpected error %v", i, err)
	}

	if e.GetState() != StateLockedOut {
		t.Fatalf("expected LOCKED_OUT after 3 failures, got %v", e.GetState())
	}

	// Correct password still rejected inside the lockout window.
	err := e.Unlock(ctx, testPassword, UnlockOptions{})
	var lockedOut *LockedOut
	if !errors.As(err, &lockedOut) {
		t.Fatalf("expected LockedOut even with correct password, got %v", err)
	}
}

func TestUnlock_WrongPasswordThenCorrect(t *testing.T) {
	e := initialized(t)
	ctx := context.Background()
	e.Lock(ctx)

	err := e.Unlock(ctx, "definitely-wrong-pw", UnlockOptions{})
	var wrongPw *WrongPassword
	if !errors.As(err, &wrongPw) {
		t.Fatalf("expected WrongPassword, got %v", err)
	}
	if wrongPw.Remaining != 2 {
		t.Errorf("Remaining = %d, want 2", wrongPw.Remaining)
	}

	if err := e.Unlock(ctx, testPassword, UnlockOptions{}); err != nil {
		t.Fatalf("Unlock with correct password: %v", err)
	}
	if e.GetState() != StateUnlocked {
		t.Fatalf("expected UNLOCKED, got %v", e.GetState())
	}
}

// Scenario 6 / P3: tampering the stored blob (here its trailing
// ciphertext bytes) makes decrypt (surfaced through GetSecret) fail.
func TestScenario_TamperedCiphertextFailsDecryption(t *testing.T) {
	e := initialized(t)
	ctx := context.Background()

	if _, err := e.AddSecret(ctx, "API_KEY", "secret", "all", AddSecretOptions{}); err != nil {
		t.Fatalf("AddSecret: %v", err)
	}

	rows, err := e.store.ListSecretsByKey(ctx, "API_KEY")
	if err != nil || len(rows) != 1 {
		t.Fatalf("ListSecretsByKey: %v rows=%d", err, len(rows))
	}
	row := rows[0]
	row.Value = row.Value[:len(row.Value)-4] + "AAAA" // corrupt the trailing ciphertext bytes
	if err := e.store.UpdateSecret(ctx, row); err != nil {
		t.Fatalf("UpdateSecret: %v", err)
	}

	_, _, err = e.GetSecret(ctx, "API_KEY", "all")
	if err == nil {
		t.Fatal("expected decryption failure for tampered ciphertext")
	}
}

// Scenario 7: list_secrets with and without an environment filter.
func TestScenario_ListSecretsFilter(t *testing.T) {
	e := initialized(t)
	ctx := context.Background()

	if _, err := e.AddSecret(ctx, "A", "v", "dev", AddSecretOptions{}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.AddSecret(ctx, "B", "v", "dev", AddSecretOptions{}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.AddSecret(ctx, "C", "v", "prod", AddSecretOptions{}); err != nil {
		t.Fatal(err)
	}

	all, err := e.ListSecrets(ctx, "")
	if err != nil || len(all) != 3 {
		t.Fatalf("ListSecrets(\"\"): got %d err=%v", len(all), err)
	}
	dev, err := e.ListSecrets(ctx, "dev")
	if err != nil || len(dev) != 2 {
		t.Fatalf("ListSecrets(dev): got %d err=%v", len(dev), err)
	}
}

func TestAddSecret_DuplicateRejected(t *testing.T) {
	e := initialized(t)
	ctx := context.Background()
	if _, err := e.AddSecret(ctx, "API_KEY", "v1", "all", AddSecretOptions{}); err != nil {
		t.Fatal(err)
	}
	_, err := e.AddSecret(ctx, "API_KEY", "v2", "all", AddSecretOptions{})
	if !errors.Is(err, ErrSecretAlreadyExists) {
		t.Fatalf("expected ErrSecretAlreadyExists, got %v", err)
	}
}

func TestAddSecret_InvalidKeyRejected(t *testing.T) {
	e := initialized(t)
	ctx := context.Background()
	_, err := e.AddSecret(ctx, "not_upper", "v", "all", AddSecretOptions{})
	if !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
}

func TestAddSecret_InvalidEnvironmentRejected(t *testing.T) {
	e := initialized(t)
	ctx := context.Background()
	_, err := e.AddSecret(ctx, "API_KEY", "v", "production", AddSecretOptions{})
	if !errors.Is(err, ErrInvalidEnvironment) {
		t.Fatalf("expected ErrInvalidEnvironment, got %v", err)
	}
}

func TestDeleteSecret_NotFound(t *testing.T) {
	e := initialized(t)
	ctx := context.Background()
	err := e.DeleteSecret(ctx, "NOPE", "all")
	if !errors.Is(err, ErrSecretNotFound) {
		t.Fatalf("expected ErrSecretNotFound, got %v", err)
	}
}

func TestDeleteSecretAllEnvs_SilentWhenAbsent(t *testing.T) {
	e := initialized(t)
	ctx := context.Background()
	n, err := e.DeleteSecretAllEnvs(ctx, "NOPE")
	if err != nil || n != 0 {
		t.Fatalf("expected silent 0, got n=%d err=%v", n, err)
	}
}

func TestGetSecretsForSync_EnvironmentSpecificWins(t *testing.T) {
	e := initialized(t)
	ctx := context.Background()
	if _, err := e.AddSecret(ctx, "SHARED", "all-value", "all", AddSecretOptions{}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.AddSecret(ctx, "SHARED", "dev-value", "dev", AddSecretOptions{}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.AddSecret(ctx, "ONLY_ALL", "v", "all", AddSecretOptions{}); err != nil {
		t.Fatal(err)
	}

	synced, err := e.GetSecretsForSync(ctx, "dev")
	if err != nil {
		t.Fatalf("GetSecretsForSync: %v", err)
	}
	if synced["SHARED"] != "dev-value" {
		t.Errorf("SHARED = %q, want dev-value", synced["SHARED"])
	}
	if synced["ONLY_ALL"] != "v" {
		t.Errorf("ONLY_ALL = %q, want v", synced["ONLY_ALL"])
	}
}

func TestChangeMasterPassword_PreservesSecretsAndAllowsNewUnlock(t *testing.T) {
	e := initialized(t)
	ctx := context.Background()
	if _, err := e.AddSecret(ctx, "API_KEY", "my-secret-value", "all", AddSecretOptions{}); err != nil {
		t.Fatal(err)
	}

	newPassword := "AnotherStrongPassw0rd!"
	if err := e.ChangeMasterPassword(ctx, testPassword, newPassword); err != nil {
		t.Fatalf("ChangeMasterPassword: %v", err)
	}

	got, ok, err := e.GetSecret(ctx, "API_KEY", "all")
	if err != nil || !ok || got != "my-secret-value" {
		t.Fatalf("secret not preserved across password change: got=%q ok=%v err=%v", got, ok, err)
	}

	e.Lock(ctx)
	if err := e.Unlock(ctx, newPassword, UnlockOptions{}); err != nil {
		t.Fatalf("unlock with new password: %v", err)
	}
	got, ok, err = e.GetSecret(ctx, "API_KEY", "all")
	if err != nil || !ok || got != "my-secret-value" {
		t.Fatalf("secret not readable after re-unlock: got=%q ok=%v err=%v", got, ok, err)
	}
}

func TestChangeMasterPassword_WrongOldPasswordRejected(t *testing.T) {
	e := initialized(t)
	ctx := context.Background()
	err := e.ChangeMasterPassword(ctx, "not-the-password", "AnotherStrongPassw0rd!")
	var wrongPw *WrongPassword
	if !errors.As(err, &wrongPw) {
		t.Fatalf("expected WrongPassword, got %v", err)
	}
}

func TestLock_IsIdempotent(t *testing.T) {
	e := initialized(t)
	ctx := context.Background()
	e.Lock(ctx)
	e.Lock(ctx)
	if e.GetState() != StateLocked {
		t.Fatalf("expected LOCKED, got %v", e.GetState())
	}
}

func TestAutoLock_FiresAfterInactivity(t *testing.T) {
	dir := t.TempDir()
	e := New(filepath.Join(dir, "vault.db"), Options{})
	ctx := context.Background()
	if err := e.Initialize(ctx, testPassword, InitOptions{AutoLockMinutes: 1}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	e.mu.Lock()
	e.autoLockDuration = 80 * time.Millisecond
	e.armAutoLockLocked()
	e.mu.Unlock()

	time.Sleep(200 * time.Millisecond)

	if e.GetState() != StateLocked {
		t.Errorf("expected auto-lock to fire, state = %v", e.GetState())
	}
}

func TestAutoLock_TouchPreventsLock(t *testing.T) {
	dir := t.TempDir()
	e := New(filepath.Join(dir, "vault.db"), Options{})
	ctx := context.Background()
	if err := e.Initialize(ctx, testPassword, InitOptions{AutoLockMinutes: 1}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	e.mu.Lock()
	e.autoLockDuration = 150 * time.Millisecond
	e.armAutoLockLocked()
	e.mu.Unlock()

	for i := 0; i < 4; i++ {
		time.Sleep(50 * time.Millisecond)
		if _, err := e.GetSecretsForSync(ctx, "all"); err != nil {
			t.Fatalf("GetSecretsForSync (touch): %v", err)
		}
	}
	if e.GetState() != StateUnlocked {
		t.Error("expected vault to remain unlocked while touched")
	}

	time.Sleep(250 * time.Millisecond)
	if e.GetState() != StateLocked {
		t.Error("expected vault to auto-lock once touching stopped")
	}
}

func TestEngine_OperationsFailWhenLocked(t *testing.T) {
	e := initialized(t)
	ctx := context.Background()
	e.Lock(ctx)

	if _, err := e.AddSecret(ctx, "API_KEY", "v", "all", AddSecretOptions{}); !errors.Is(err, ErrVaultLocked) {
		t.Errorf("expected ErrVaultLocked, got %v", err)
	}
	if _, _, err := e.GetSecret(ctx, "API_KEY", "all"); !errors.Is(err, ErrVaultLocked) {
		t.Errorf("expected ErrVaultLocked, got %v", err)
	}
}

func TestEngine_OperationsFailWhenNotInitialized(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	if _, err := e.AddSecret(ctx, "API_KEY", "v", "all", AddSecretOptions{}); !errors.Is(err, ErrVaultNotInitialized) {
		t.Errorf("expected ErrVaultNotInitialized, got %v", err)
	}
}

func TestAttachAndListSecretsForProject(t *testing.T) {
	e := initialized(t)
	ctx := context.Background()

	sec, err := e.AddSecret(ctx, "API_KEY", "v", "all", AddSecretOptions{})
	if err != nil {
		t.Fatal(err)
	}
	proj, err := e.CreateProject(ctx, "api", "/home/dev/api")
	if err != nil {
		t.Fatal(err)
	}
	if err := e.AttachSecret(ctx, proj.ID, sec.ID); err != nil {
		t.Fatalf("AttachSecret: %v", err)
	}

	linked, err := e.ListSecretsForProject(ctx, proj.ID)
	if err != nil || len(linked) != 1 {
		t.Fatalf("ListSecretsForProject: got %d err=%v", len(linked), err)
	}

	if err := e.DetachSecret(ctx, proj.ID, sec.ID); err != nil {
		t.Fatalf("DetachSecret: %v", err)
	}
	linked, err = e.ListSecretsForProject(ctx, proj.ID)
	if err != nil || len(linked) != 0 {
		t.Fatalf("expected 0 linked after detach, got %d err=%v", len(linked), err)
	}
}

func TestAuditLog_RecordsReadsAndWrites(t *testing.T) {
	e := initialized(t)
	ctx := context.Background()
	if _, err := e.AddSecret(ctx, "API_KEY", "v", "all", AddSecretOptions{}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := e.GetSecret(ctx, "API_KEY", "all"); err != nil {
		t.Fatal(err)
	}

	logs, err := e.GetLogs(ctx, AuditFilter{Action: ActionWrite})
	if err != nil || len(logs) != 1 {
		t.Fatalf("GetLogs(write): got %d err=%v", len(logs), err)
	}
	logs, err = e.GetLogs(ctx, AuditFilter{Action: ActionRead})
	if err != nil || len(logs) != 1 {
		t.Fatalf("GetLogs(read): got %d err=%v", len(logs), err)
	}
}

func TestLogBulkAction_RecordsExportAndImport(t *testing.T) {
	e := initialized(t)
	ctx := context.Background()

	if err := e.LogBulkAction(ctx, ActionExport); err != nil {
		t.Fatal(err)
	}
	if err := e.LogBulkAction(ctx, ActionImport); err != nil {
		t.Fatal(err)
	}

	logs, err := e.GetLogs(ctx, AuditFilter{Action: ActionExport})
	if err != nil || len(logs) != 1 {
		t.Fatalf("GetLogs(export): got %d err=%v", len(logs), err)
	}
	logs, err = e.GetLogs(ctx, AuditFilter{Action: ActionImport})
	if err != nil || len(logs) != 1 {
		t.Fatalf("GetLogs(import): got %d err=%v", len(logs), err)
	}
}

func TestLogBulkAction_FailsWhenLocked(t *testing.T) {
	e := initialized(t)
	ctx := context.Background()
	if err := e.Lock(ctx); err != nil {
		t.Fatal(err)
	}
	if err := e.LogBulkAction(ctx, ActionExport); err != ErrVaultLocked {
		t.Fatalf("expected ErrVaultLocked, got %v", err)
	}
}
