package main

import (
	"fmt"

	"github.com/jordanhubbard/secretsvault/internal/backup"
	"github.com/jordanhubbard/secretsvault/internal/engine"
	"github.com/jordanhubbard/secretsvault/internal/portable"
)

func (a *cliApp) cmdBackup(args []string) error {
	e, err := a.openAndUnlock()
	if err != nil {
		return err
	}
	defer a.cacheSession(e)

	password := ""
	if len(args) > 0 {
		password = args[0]
	}

	secrets, err := e.ListSecrets(a.ctx, "")
	if err != nil {
		return err
	}

	path, err := backup.CreateBackup(a.cfg.VaultPath(), a.cfg.BackupsDir(), password, len(secrets))
	if err != nil {
		return err
	}
	fmt.Printf("backup written to %s\n", path)
	return nil
}

func (a *cliApp) cmdRestore(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: restore <backup-file> [password]")
	}
	backupPath := args[0]
	password := ""
	if len(args) > 1 {
		password = args[1]
	}

	if err := backup.RestoreBackup(backupPath, a.cfg.VaultPath(), a.cfg.BackupsDir(), password); err != nil {
		return err
	}
	fmt.Printf("vault restored from %s\n", backupPath)
	return nil
}

func (a *cliApp) cmdExport(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: export <file> <export-password>")
	}
	path, password := args[0], args[1]

	e, err := a.openAndUnlock()
	if err != nil {
		return err
	}
	defer a.cacheSession(e)

	secrets, err := e.ListSecrets(a.ctx, "")
	if err != nil {
		return err
	}

	entries := make([]portable.Entry, 0, len(secrets))
	for _, s := range secrets {
		value, ok, err := e.GetSecret(a.ctx, s.Key, s.Environment)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		entries = append(entries, portable.Entry{
			Key:         s.Key,
			Value:       value,
			Environment: s.Environment,
			Description: s.Description,
			Tags:        s.Tags,
		})
	}

	if err := portable.ExportToFile(path, entries, password); err != nil {
		return err
	}
	_ = e.LogBulkAction(a.ctx, engine.ActionExport)
	fmt.Printf("exported %d secret(s) to %s\n", len(entries), path)
	return nil
}

func (a *cliApp) cmdImport(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: import <file> <export-password>")
	}
	path, password := args[0], args[1]

	e, err := a.openAndUnlock()
	if err != nil {
		return err
	}
	defer a.cacheSession(e)

	added, updated, err := portable.Import(a.ctx, e, path, password)
	if err != nil {
		return err
	}
	_ = e.LogBulkAction(a.ctx, engine.ActionImport)
	fmt.Printf("imported: %d added, %d updated\n", added, updated)
	return nil
}
