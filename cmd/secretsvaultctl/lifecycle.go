package main

import (
	"fmt"

	"github.com/jordanhubbard/secretsvault/internal/engine"
	"github.com/jordanhubbard/secretsvault/internal/session"
)

func (a *cliApp) cmdLock(args []string) error {
	e := engine.New(a.cfg.VaultPath(), engine.Options{})
	if err := e.Lock(a.ctx); err != nil {
		return err
	}
	session.New(a.cfg.SessionPath()).Delete()
	fmt.Println("vault locked")
	return nil
}

func (a *cliApp) cmdUnlock(args []string) error {
	e, err := a.openAndUnlock()
	if err != nil {
		return err
	}
	a.cacheSession(e)
	fmt.Println("vault unlocked")
	return nil
}

func (a *cliApp) cmdChangePassword(args []string) error {
	e, err := a.openAndUnlock()
	if err != nil {
		return err
	}

	oldPassword, err := promptPassword("Current password: ")
	if err != nil {
		return err
	}
	newPassword, err := confirmPassword("New password: ")
	if err != nil {
		return err
	}
	if err := e.ChangeMasterPassword(a.ctx, oldPassword, newPassword); err != nil {
		return err
	}
	a.cacheSession(e)
	fmt.Println("master password changed")
	return nil
}

func (a *cliApp) cmdHealth(args []string) error {
	e := engine.New(a.cfg.VaultPath(), engine.Options{
		MaxFailedAttempts: a.cfg.MaxFailedAttempts,
	})
	fmt.Printf("vault path:  %s\n", a.cfg.VaultPath())
	fmt.Printf("state:       %s\n", e.GetState())
	return nil
}
