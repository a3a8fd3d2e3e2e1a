package engine

import (
	"context"

	"github.com/jordanhubbard/secretsvault/internal/store"
)

const exportLogsLimit = 100_000

// LogBulkAction appends a single audit entry for an action that applies
// to the whole vault rather than one (key, environment) pair — export
// and import, which the per-secret CRUD paths never emit on their own
// since a bulk export/import is driven by a collaborator (the CLI's
// export and import commands, via the portable codec) outside the
// engine's own CRUD calls.
func (e *Engine) LogBulkAction(ctx context.Context, action string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireUnlockedLocked(); err != nil {
		return err
	}
	e.logAuditLocked(ctx, action, "", "")
	return nil
}

// GetLogs returns audit rows matching filter, ordered newest-first.
func (e *Engine) GetLogs(ctx context.Context, filter AuditFilter) ([]AuditEntry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireUnlockedLocked(); err != nil {
		return nil, err
	}

	rows, err := e.store.GetLogs(ctx, store.AuditFilter{
		SecretKey: filter.SecretKey,
		Action:    filter.Action,
		Limit:     filter.Limit,
		Offset:    filter.Offset,
	})
	if err != nil {
		return nil, err
	}
	out := make([]AuditEntry, len(rows))
	for i, r := range rows {
		out[i] = auditFromRow(r)
	}
	return out, nil
}

// GetLogCount returns the total row count for secretKey (or overall, if
// empty), for pagination.
func (e *Engine) GetLogCount(ctx context.Context, secretKey string) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireUnlockedLocked(); err != nil {
		return 0, err
	}
	return e.store.GetLogCount(ctx, secretKey)
}

// PruneLogs deletes every audit row except the most recent keepLastN by
// timestamp, returning the number removed.
func (e *Engine) PruneLogs(ctx context.Context, keepLastN int) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireUnlockedLocked(); err != nil {
		return 0, err
	}
	return e.store.PruneLogs(ctx, keepLastN)
}

// ExportLogs is GetLogs with a limit large enough to be effectively
// unbounded.
func (e *Engine) ExportLogs(ctx context.Context, secretKey string) ([]AuditEntry, error) {
	return e.GetLogs(ctx, AuditFilter{SecretKey: secretKey, Limit: exportLogsLimit})
}
