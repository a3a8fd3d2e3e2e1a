package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/jordanhubbard/secretsvault/internal/engine"
)

func (a *cliApp) cmdAudit(args []string) error {
	e, err := a.openAndUnlock()
	if err != nil {
		return err
	}
	defer a.cacheSession(e)

	filter := engine.AuditFilter{Limit: 50}
	if len(args) > 0 {
		filter.SecretKey = args[0]
	}

	logs, err := e.GetLogs(a.ctx, filter)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "TIMESTAMP\tACTION\tKEY\tENVIRONMENT\tUSER")
	for _, entry := range logs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			entry.Timestamp.Format("2006-01-02 15:04:05"), entry.Action, entry.SecretKey, entry.Environment, entry.User)
	}
	return w.Flush()
}
