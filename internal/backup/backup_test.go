package backup

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFakeVault(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "vault.db")
	if err := os.WriteFile(path, []byte("sqlite fake database bytes"), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestCreateBackup_PlainRoundTrip(t *testing.T) {
	dir := t.TempDir()
	vaultPath := writeFakeVault(t, dir)
	backupsDir := filepath.Join(dir, "backups")

	backupPath, err := CreateBackup(vaultPath, backupsDir, "", 3)
	if err != nil {
		t.Fatalf("CreateBackup: %v", err)
	}

	restoredPath := filepath.Join(dir, "restored.db")
	if err := RestoreBackup(backupPath, restoredPath, backupsDir, ""); err != nil {
		t.Fatalf("RestoreBackup: %v", err)
	}

	got, err := os.ReadFile(restoredPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "sqlite fake database bytes" {
		t.Errorf("restored bytes = %q", got)
	}
}

func TestCreateBackup_EncryptedRoundTrip(t *testing.T) {
	dir := t.TempDir()
	vaultPath := writeFakeVault(t, dir)
	backupsDir := filepath.Join(dir, "backups")

	backupPath, err := CreateBackup(vaultPath, backupsDir, "backup-password-123", 5)
	if err != nil {
		t.Fatalf("CreateBackup: %v", err)
	}

	restoredPath := filepath.Join(dir, "restored.db")
	if err := RestoreBackup(backupPath, restoredPath, backupsDir, "backup-password-123"); err != nil {
		t.Fatalf("RestoreBackup: %v", err)
	}

	got, err := os.ReadFile(restoredPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "sqlite fake database bytes" {
		t.Errorf("restored bytes = %q", got)
	}
}

func TestRestoreBackup_WrongPasswordFails(t *testing.T) {
	dir := t.TempDir()
	vaultPath := writeFakeVault(t, dir)
	backupsDir := filepath.Join(dir, "backups")

	backupPath, err := CreateBackup(vaultPath, backupsDir, "correct-password", 1)
	if err != nil {
		t.Fatalf("CreateBackup: %v", err)
	}

	restoredPath := filepath.Join(dir, "restored.db")
	err = RestoreBackup(backupPath, restoredPath, backupsDir, "wrong-password")
	if err != ErrCorruptBackup {
		t.Fatalf("expected ErrCorruptBackup, got %v", err)
	}
}

func TestRestoreBackup_CopiesExistingVaultAside(t *testing.T) {
	dir := t.TempDir()
	vaultPath := writeFakeVault(t, dir)
	backupsDir := filepath.Join(dir, "backups")

	backupPath, err := CreateBackup(vaultPath, backupsDir, "", 1)
	if err != nil {
		t.Fatalf("CreateBackup: %v", err)
	}

	// vaultPath already exists (it's the source of the backup itself);
	// restoring onto it should produce a vault-pre-restore-*.db copy.
	if err := RestoreBackup(backupPath, vaultPath, backupsDir, ""); err != nil {
		t.Fatalf("RestoreBackup: %v", err)
	}

	entries, err := os.ReadDir(backupsDir)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".db" {
			found = true
		}
	}
	if !found {
		t.Error("expected a vault-pre-restore-*.db file in backups dir")
	}
}

func TestListBackups_SortedNewestFirstAndSkipsGarbage(t *testing.T) {
	dir := t.TempDir()
	vaultPath := writeFakeVault(t, dir)
	backupsDir := filepath.Join(dir, "backups")

	if _, err := CreateBackup(vaultPath, backupsDir, "", 1); err != nil {
		t.Fatalf("CreateBackup 1: %v", err)
	}
	if _, err := CreateBackup(vaultPath, backupsDir, "", 2); err != nil {
		t.Fatalf("CreateBackup 2: %v", err)
	}
	if err := os.WriteFile(filepath.Join(backupsDir, "garbage.enc"), []byte{0xFF, 0x00, 0x00}, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(backupsDir, "ignored.txt"), []byte("nope"), 0o600); err != nil {
		t.Fatal(err)
	}

	list, err := ListBackups(backupsDir)
	if err != nil {
		t.Fatalf("ListBackups: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("ListBackups returned %d entries, want 2 (garbage/txt skipped)", len(list))
	}
	if list[0].Metadata.SecretsCount != 2 || list[1].Metadata.SecretsCount != 1 {
		t.Errorf("ListBackups order: secrets counts %d, %d; want 2, 1 (newest first)", list[0].Metadata.SecretsCount, list[1].Metadata.SecretsCount)
	}
}

func TestListBackups_EncryptedMetadataReadWithoutPassword(t *testing.T) {
	dir := t.TempDir()
	vaultPath := writeFakeVault(t, dir)
	backupsDir := filepath.Join(dir, "backups")

	if _, err := CreateBackup(vaultPath, backupsDir, "hunter2", 7); err != nil {
		t.Fatalf("CreateBackup: %v", err)
	}

	list, err := ListBackups(backupsDir)
	if err != nil {
		t.Fatalf("ListBackups: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("ListBackups returned %d entries, want 1", len(list))
	}
	if list[0].Metadata.SecretsCount != 7 {
		t.Errorf("Metadata.SecretsCount = %d, want 7 (should read cleartext metadata without the password)", list[0].Metadata.SecretsCount)
	}
	if list[0].Metadata.Version == "" {
		t.Error("Metadata.Version is empty, want parsed value")
	}
	if list[0].Metadata.CreatedAt.IsZero() {
		t.Error("Metadata.CreatedAt is zero, want parsed value")
	}
}

func TestListBackups_EmptyDirectory(t *testing.T) {
	dir := t.TempDir()
	list, err := ListBackups(filepath.Join(dir, "nonexistent"))
	if err != nil || len(list) != 0 {
		t.Fatalf("ListBackups on nonexistent dir: got %d err=%v", len(list), err)
	}
}
