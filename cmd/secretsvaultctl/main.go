// Command secretsvaultctl is the CLI collaborator around the vault
// engine: password prompting, session caching across short-lived
// process invocations, project-marker bookkeeping, and formatted
// output are all handled here, outside the core engine package.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jordanhubbard/secretsvault/internal/config"
	"github.com/jordanhubbard/secretsvault/internal/engine"
	"github.com/jordanhubbard/secretsvault/internal/logging"
	"github.com/jordanhubbard/secretsvault/internal/session"
)

var version = "dev"

func main() {
	logging.Setup(os.Getenv("SECRETSVAULT_LOG_LEVEL"))

	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	app := &cliApp{cfg: cfg, ctx: ctx}

	var cmdErr error
	switch cmd {
	case "version", "--version", "-v":
		fmt.Printf("secretsvaultctl %s\n", version)
		return
	case "init":
		cmdErr = app.cmdInit(args)
	case "add":
		cmdErr = app.cmdAdd(args)
	case "get":
		cmdErr = app.cmdGet(args)
	case "list", "ls":
		cmdErr = app.cmdList(args)
	case "update":
		cmdErr = app.cmdUpdate(args)
	case "delete", "rm", "remove":
		cmdErr = app.cmdDelete(args)
	case "rotate":
		cmdErr = app.cmdRotate(args)
	case "lock":
		cmdErr = app.cmdLock(args)
	case "unlock":
		cmdErr = app.cmdUnlock(args)
	case "change-password":
		cmdErr = app.cmdChangePassword(args)
	case "project":
		cmdErr = app.cmdProject(args)
	case "sync":
		cmdErr = app.cmdSync(args)
	case "run":
		cmdErr = app.cmdRun(args)
	case "audit":
		cmdErr = app.cmdAudit(args)
	case "health":
		cmdErr = app.cmdHealth(args)
	case "backup":
		cmdErr = app.cmdBackup(args)
	case "restore":
		cmdErr = app.cmdRestore(args)
	case "export":
		cmdErr = app.cmdExport(args)
	case "import":
		cmdErr = app.cmdImport(args)
	default:
		usage()
		os.Exit(1)
	}

	if cmdErr != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", describeError(cmdErr))
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: secretsvaultctl <command> [args]

commands:
  init                          initialize a new vault
  add <key> <value> [env]       add a secret
  get <key> [env]                read a secret
  list [env]                     list secrets (metadata only)
  update <key> <value> [env]     update a secret
  delete <key> [env]             delete a secret
  rotate <key> <new-value>       rotate a secret across environments
  lock                            lock the vault
  unlock                          unlock the vault
  change-password                change the master password
  project init|list              project marker bookkeeping
  sync <env>                     materialize secrets for an environment
  run <env> -- <command>          run a command with secrets injected
  audit [key]                     show the audit log
  health                          report vault state
  backup [password]              create a backup
  restore <file> [password]      restore from a backup
  export <file> <password>       export secrets to a portable file
  import <file> <password>       import secrets from a portable file`)
}

// cliApp threads shared config/context through every subcommand.
type cliApp struct {
	cfg config.Config
	ctx context.Context
}

// openAndUnlock opens the engine at cfg.VaultPath and unlocks it,
// trying the session cache first and falling back to an interactive
// password prompt.
func (a *cliApp) openAndUnlock() (*engine.Engine, error) {
	e := engine.New(a.cfg.VaultPath(), engine.Options{
		MaxFailedAttempts: a.cfg.MaxFailedAttempts,
	})
	if !e.IsInitialized() {
		return nil, engine.ErrVaultNotInitialized
	}

	cache := session.New(a.cfg.SessionPath())
	if cached, err := cache.Load(); err == nil && cached != nil {
		if unlockErr := e.UnlockWithKey(a.ctx, cached); unlockErr == nil {
			return e, nil
		}
	}

	password, err := promptPassword("Master password: ")
	if err != nil {
		return nil, err
	}
	if err := e.Unlock(a.ctx, password, engine.UnlockOptions{}); err != nil {
		return nil, err
	}
	return e, nil
}

func describeError(err error) string {
	return err.Error()
}
