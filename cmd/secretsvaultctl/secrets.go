package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/jordanhubbard/secretsvault/internal/engine"
	"github.com/jordanhubbard/secretsvault/internal/session"
)

func (a *cliApp) cmdInit(args []string) error {
	e := engine.New(a.cfg.VaultPath(), engine.Options{
		MaxFailedAttempts: a.cfg.MaxFailedAttempts,
	})
	if e.IsInitialized() {
		return fmt.Errorf("vault already initialized at %s", a.cfg.VaultPath())
	}

	password, err := confirmPassword("Set a master password: ")
	if err != nil {
		return err
	}
	if err := e.Initialize(a.ctx, password, engine.InitOptions{AutoLockMinutes: a.cfg.AutoLockMinutes}); err != nil {
		return err
	}
	fmt.Printf("vault initialized at %s\n", a.cfg.VaultPath())
	return nil
}

func (a *cliApp) cmdAdd(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: add <key> <value> [environment]")
	}
	key, value := args[0], args[1]
	environment := envArg(args, 2)

	e, err := a.openAndUnlock()
	if err != nil {
		return err
	}
	defer a.cacheSession(e)

	if _, err := e.AddSecret(a.ctx, key, value, environment, engine.AddSecretOptions{}); err != nil {
		return err
	}
	fmt.Printf("added %s (%s)\n", key, environment)
	return nil
}

func (a *cliApp) cmdGet(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: get <key> [environment]")
	}
	key := args[0]
	environment := envArg(args, 1)

	e, err := a.openAndUnlock()
	if err != nil {
		return err
	}
	defer a.cacheSession(e)

	value, ok, err := e.GetSecret(a.ctx, key, environment)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("secret %q not found in environment %q", key, environment)
	}
	fmt.Println(value)
	return nil
}

func (a *cliApp) cmdList(args []string) error {
	environment := envArg(args, 0)
	if environment == "all" && len(args) == 0 {
		environment = ""
	}

	e, err := a.openAndUnlock()
	if err != nil {
		return err
	}
	defer a.cacheSession(e)

	secrets, err := e.ListSecrets(a.ctx, environment)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tENVIRONMENT\tUPDATED")
	for _, s := range secrets {
		fmt.Fprintf(w, "%s\t%s\t%s\n", s.Key, s.Environment, s.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}

func (a *cliApp) cmdUpdate(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: update <key> <value> [environment]")
	}
	key, value := args[0], args[1]
	environment := envArg(args, 2)

	e, err := a.openAndUnlock()
	if err != nil {
		return err
	}
	defer a.cacheSession(e)

	if err := e.UpdateSecret(a.ctx, key, value, environment, engine.UpdateSecretOptions{}); err != nil {
		return err
	}
	fmt.Printf("updated %s (%s)\n", key, environment)
	return nil
}

func (a *cliApp) cmdDelete(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: delete <key> [environment]")
	}
	key := args[0]

	e, err := a.openAndUnlock()
	if err != nil {
		return err
	}
	defer a.cacheSession(e)

	if len(args) >= 2 {
		if err := e.DeleteSecret(a.ctx, key, args[1]); err != nil {
			return err
		}
		fmt.Printf("deleted %s (%s)\n", key, args[1])
		return nil
	}

	n, err := e.DeleteSecretAllEnvs(a.ctx, key)
	if err != nil {
		return err
	}
	fmt.Printf("deleted %s from %d environment(s)\n", key, n)
	return nil
}

func (a *cliApp) cmdRotate(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: rotate <key> <new-value> [exclude-env...]")
	}
	key, newValue := args[0], args[1]
	exclude := args[2:]

	e, err := a.openAndUnlock()
	if err != nil {
		return err
	}
	defer a.cacheSession(e)

	n, err := e.RotateSecret(a.ctx, key, newValue, exclude)
	if err != nil {
		return err
	}
	fmt.Printf("rotated %s across %d row(s)\n", key, n)
	return nil
}

func envArg(args []string, index int) string {
	if index < len(args) {
		return args[index]
	}
	return "all"
}

// cacheSession refreshes the session file after a successful operation
// so the next invocation of secretsvaultctl within the configured
// session timeout does not need to re-prompt for the master password.
func (a *cliApp) cacheSession(e *engine.Engine) {
	key := e.CopyMasterKey()
	if key == nil {
		return
	}
	defer zero(key)
	cache := session.New(a.cfg.SessionPath())
	_ = cache.Save(key, a.cfg.SessionTimeoutMinutes)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
