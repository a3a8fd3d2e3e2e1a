package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/jordanhubbard/secretsvault/internal/project"
)

func (a *cliApp) cmdProject(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: project init|list")
	}
	switch args[0] {
	case "init":
		return a.cmdProjectInit(args[1:])
	case "list":
		return a.cmdProjectList(args[1:])
	default:
		return fmt.Errorf("unknown project subcommand %q", args[0])
	}
}

func (a *cliApp) cmdProjectInit(args []string) error {
	dir, err := os.Getwd()
	if err != nil {
		return err
	}
	name := dir
	if len(args) > 0 {
		name = args[0]
	}

	e, err := a.openAndUnlock()
	if err != nil {
		return err
	}
	defer a.cacheSession(e)

	proj, err := e.CreateProject(a.ctx, name, dir)
	if err != nil {
		return err
	}

	if err := project.Write(dir, project.Marker{ProjectID: proj.ID, Name: proj.Name, Environment: "dev"}); err != nil {
		return err
	}
	if err := project.EnsureGitignoreEntries(dir, []string{".env", ".env.local"}); err != nil {
		return err
	}

	fmt.Printf("project %q initialized at %s (id %s)\n", name, dir, proj.ID)
	return nil
}

func (a *cliApp) cmdProjectList(args []string) error {
	e, err := a.openAndUnlock()
	if err != nil {
		return err
	}
	defer a.cacheSession(e)

	projects, err := e.ListProjects(a.ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tPATH")
	for _, p := range projects {
		fmt.Fprintf(w, "%s\t%s\t%s\n", p.ID, p.Name, p.Path)
	}
	return w.Flush()
}
