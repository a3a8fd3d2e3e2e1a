package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// queryer is the subset of *sql.DB that every data-access method below
// calls through. *sql.Tx satisfies it too, which is what lets WithTx
// hand callers a SQLiteStore backed by a transaction instead of the
// pool-level *sql.DB, without duplicating a single query.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteStore implements Store using modernc.org/sqlite (pure-Go, no CGO).
type SQLiteStore struct {
	db   *sql.DB
	q    queryer // db outside a transaction, the *sql.Tx inside WithTx
	path string  // empty for in-memory stores
}

// NewSQLite opens or creates a sqlite database at path (use ":memory:" for
// an ephemeral store, as this package's tests do). For a file-backed store,
// the parent directory is created with 0o700 and the database file is
// chmod'd to 0o600 after creation; permission-setting failures are
// non-fatal on platforms that do not support them (Windows).
func NewSQLite(path string) (*SQLiteStore, error) {
	if path != ":memory:" && !strings.HasPrefix(path, "file::memory:") {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create vault directory: %w", err)
		}
		if runtime.GOOS != "windows" {
			_ = os.Chmod(dir, 0o700)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000; PRAGMA foreign_keys=ON;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite pragmas: %w", err)
	}
	// sqlite only supports one writer at a time; keep the pool small to
	// avoid SQLITE_BUSY contention, the same discipline the engine that
	// this package was adapted from uses for its own sqlite-backed store.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &SQLiteStore{db: db, q: db, path: path}

	if path != ":memory:" && !strings.HasPrefix(path, "file::memory:") {
		if runtime.GOOS != "windows" {
			_ = os.Chmod(path, 0o600)
		}
	}
	return s, nil
}

func (s *SQLiteStore) DB() *sql.DB { return s.db }

// VaultExists reports whether a vault database file is present at path.
// It checks presence only, not schema validity, matching the teacher's
// own file-existence-as-truth convention for detecting a first run.
func VaultExists(path string) (bool, error) {
	if path == ":memory:" || strings.HasPrefix(path, "file::memory:") {
		return false, nil
	}
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS vault_meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS secrets (
			id TEXT PRIMARY KEY,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			environment TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			tags TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			last_used_at TEXT,
			expires_at TEXT,
			UNIQUE(key, environment)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_secrets_key ON secrets(key)`,
		`CREATE INDEX IF NOT EXISTS idx_secrets_environment ON secrets(environment)`,
		`CREATE INDEX IF NOT EXISTS idx_secrets_updated_at ON secrets(updated_at)`,
		`CREATE INDEX IF NOT EXISTS idx_secrets_expires_at ON secrets(expires_at)`,
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			path TEXT NOT NULL UNIQUE,
			created_at TEXT NOT NULL,
			last_synced_at TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS project_secrets (
			project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			secret_id TEXT NOT NULL REFERENCES secrets(id) ON DELETE CASCADE,
			added_at TEXT NOT NULL,
			PRIMARY KEY (project_id, secret_id)
		)`,
		`CREATE TABLE IF NOT EXISTS audit_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp INTEGER NOT NULL,
			action TEXT NOT NULL,
			secret_key TEXT NOT NULL DEFAULT '',
			environment TEXT NOT NULL DEFAULT '',
			user TEXT NOT NULL DEFAULT '',
			ip_address TEXT NOT NULL DEFAULT '',
			metadata TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_logs_timestamp ON audit_logs(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_logs_secret_key ON audit_logs(secret_key)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_logs_action ON audit_logs(action)`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// WithTx runs fn against a SQLiteStore whose data methods all go
// through a single *sql.Tx: if fn returns an error the transaction is
// rolled back and none of fn's writes are visible; otherwise it is
// committed. Used by ChangeMasterPassword so a failure partway through
// re-encrypting every secret row cannot leave some rows keyed to the
// new password and the rest (or the salt/sentinel meta) keyed to the
// old one.
func (s *SQLiteStore) WithTx(ctx context.Context, fn func(TxStore) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	txStore := &SQLiteStore{db: s.db, q: tx, path: s.path}
	if err := fn(txStore); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Meta

func (s *SQLiteStore) GetMeta(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.q.QueryRowContext(ctx, `SELECT value FROM vault_meta WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *SQLiteStore) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO vault_meta (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		key, value)
	return err
}

func (s *SQLiteStore) DeleteMeta(ctx context.Context, key string) error {
	_, err := s.q.ExecContext(ctx, `DELETE FROM vault_meta WHERE key = ?`, key)
	return err
}

// Secrets

func scanSecret(scan func(dest ...any) error) (SecretRow, error) {
	var row SecretRow
	var tags string
	var createdAt, updatedAt string
	var lastUsed, expires sql.NullString
	if err := scan(&row.ID, &row.Key, &row.Value, &row.Environment, &row.Description, &tags,
		&createdAt, &updatedAt, &lastUsed, &expires); err != nil {
		return SecretRow{}, err
	}
	row.Tags = splitTags(tags)
	row.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	row.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	if lastUsed.Valid {
		t, _ := time.Parse(time.RFC3339Nano, lastUsed.String)
		row.LastUsedAt = &t
	}
	if expires.Valid {
		t, _ := time.Parse(time.RFC3339Nano, expires.String)
		row.ExpiresAt = &t
	}
	return row, nil
}

func joinTags(tags []string) string { return strings.Join(tags, "\x1f") }

func splitTags(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "\x1f")
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

const secretColumns = `id, key, value, environment, description, tags, created_at, updated_at, last_used_at, expires_at`

func (s *SQLiteStore) InsertSecret(ctx context.Context, row SecretRow) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO secrets (`+secretColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.ID, row.Key, row.Value, row.Environment, row.Description, joinTags(row.Tags),
		row.CreatedAt.UTC().Format(time.RFC3339Nano), row.UpdatedAt.UTC().Format(time.RFC3339Nano),
		nullableTime(row.LastUsedAt), nullableTime(row.ExpiresAt))
	return err
}

func (s *SQLiteStore) GetSecret(ctx context.Context, key, environment string) (*SecretRow, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+secretColumns+` FROM secrets WHERE key = ? AND environment = ?`, key, environment)
	rec, err := scanSecret(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *SQLiteStore) ListSecrets(ctx context.Context, environment string) ([]SecretRow, error) {
	var rows *sql.Rows
	var err error
	if environment == "" {
		rows, err = s.q.QueryContext(ctx, `SELECT `+secretColumns+` FROM secrets ORDER BY key, environment`)
	} else {
		rows, err = s.q.QueryContext(ctx,
			`SELECT `+secretColumns+` FROM secrets WHERE environment = ? OR environment = 'all' ORDER BY key, environment`,
			environment)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []SecretRow
	for rows.Next() {
		rec, err := scanSecret(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateSecret(ctx context.Context, row SecretRow) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE secrets SET value=?, description=?, tags=?, updated_at=?, expires_at=?
		 WHERE key=? AND environment=?`,
		row.Value, row.Description, joinTags(row.Tags), row.UpdatedAt.UTC().Format(time.RFC3339Nano),
		nullableTime(row.ExpiresAt), row.Key, row.Environment)
	return err
}

func (s *SQLiteStore) TouchSecretLastUsed(ctx context.Context, id string, when time.Time) error {
	_, err := s.q.ExecContext(ctx, `UPDATE secrets SET last_used_at=? WHERE id=?`,
		when.UTC().Format(time.RFC3339Nano), id)
	return err
}

func (s *SQLiteStore) DeleteSecret(ctx context.Context, key, environment string) (bool, error) {
	res, err := s.q.ExecContext(ctx, `DELETE FROM secrets WHERE key=? AND environment=?`, key, environment)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *SQLiteStore) DeleteSecretAllEnvs(ctx context.Context, key string) (int, error) {
	res, err := s.q.ExecContext(ctx, `DELETE FROM secrets WHERE key=?`, key)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLiteStore) ListSecretsByKey(ctx context.Context, key string) ([]SecretRow, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+secretColumns+` FROM secrets WHERE key = ? ORDER BY environment`, key)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []SecretRow
	for rows.Next() {
		rec, err := scanSecret(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SearchSecrets(ctx context.Context, likePattern string) ([]SecretRow, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+secretColumns+` FROM secrets
		 WHERE key LIKE ? ESCAPE '\' OR description LIKE ? ESCAPE '\'
		 ORDER BY key, environment`,
		likePattern, likePattern)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []SecretRow
	for rows.Next() {
		rec, err := scanSecret(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AllSecrets(ctx context.Context) ([]SecretRow, error) {
	return s.ListSecrets(ctx, "")
}

// Audit log

func (s *SQLiteStore) InsertAudit(ctx context.Context, a AuditRow) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO audit_logs (timestamp, action, secret_key, environment, user, ip_address, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.Timestamp.UnixMilli(), a.Action, a.SecretKey, a.Environment, a.User, a.IPAddress, a.Metadata)
	return err
}

func (s *SQLiteStore) GetLogs(ctx context.Context, f AuditFilter) ([]AuditRow, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, timestamp, action, secret_key, environment, user, ip_address, metadata FROM audit_logs WHERE 1=1`
	var args []any
	if f.SecretKey != "" {
		query += ` AND secret_key = ?`
		args = append(args, f.SecretKey)
	}
	if f.Action != "" {
		query += ` AND action = ?`
		args = append(args, f.Action)
	}
	query += ` ORDER BY timestamp DESC LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []AuditRow
	for rows.Next() {
		var a AuditRow
		var ts int64
		if err := rows.Scan(&a.ID, &ts, &a.Action, &a.SecretKey, &a.Environment, &a.User, &a.IPAddress, &a.Metadata); err != nil {
			return nil, err
		}
		a.Timestamp = time.UnixMilli(ts).UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetLogCount(ctx context.Context, secretKey string) (int, error) {
	var count int
	var err error
	if secretKey == "" {
		err = s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_logs`).Scan(&count)
	} else {
		err = s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_logs WHERE secret_key = ?`, secretKey).Scan(&count)
	}
	return count, err
}

func (s *SQLiteStore) PruneLogs(ctx context.Context, keepLastN int) (int, error) {
	res, err := s.q.ExecContext(ctx,
		`DELETE FROM audit_logs WHERE id NOT IN (
			SELECT id FROM audit_logs ORDER BY timestamp DESC LIMIT ?
		)`, keepLastN)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Projects

func (s *SQLiteStore) CreateProject(ctx context.Context, p ProjectRow) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO projects (id, name, path, created_at, last_synced_at) VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Path, p.CreatedAt.UTC().Format(time.RFC3339Nano), nullableTime(p.LastSyncedAt))
	return err
}

func scanProject(scan func(dest ...any) error) (ProjectRow, error) {
	var p ProjectRow
	var createdAt string
	var lastSynced sql.NullString
	if err := scan(&p.ID, &p.Name, &p.Path, &createdAt, &lastSynced); err != nil {
		return ProjectRow{}, err
	}
	p.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if lastSynced.Valid {
		t, _ := time.Parse(time.RFC3339Nano, lastSynced.String)
		p.LastSyncedAt = &t
	}
	return p, nil
}

func (s *SQLiteStore) GetProjectByPath(ctx context.Context, path string) (*ProjectRow, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT id, name, path, created_at, last_synced_at FROM projects WHERE path = ?`, path)
	p, err := scanProject(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *SQLiteStore) ListProjects(ctx context.Context) ([]ProjectRow, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT id, name, path, created_at, last_synced_at FROM projects ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []ProjectRow
	for rows.Next() {
		p, err := scanProject(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) TouchProjectSynced(ctx context.Context, id string, when time.Time) error {
	_, err := s.q.ExecContext(ctx, `UPDATE projects SET last_synced_at=? WHERE id=?`,
		when.UTC().Format(time.RFC3339Nano), id)
	return err
}

func (s *SQLiteStore) AttachSecretToProject(ctx context.Context, projectID, secretID string, when time.Time) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO project_secrets (project_id, secret_id, added_at) VALUES (?, ?, ?)
		 ON CONFLICT(project_id, secret_id) DO UPDATE SET added_at=excluded.added_at`,
		projectID, secretID, when.UTC().Format(time.RFC3339Nano))
	return err
}

func (s *SQLiteStore) DetachSecretFromProject(ctx context.Context, projectID, secretID string) error {
	_, err := s.q.ExecContext(ctx,
		`DELETE FROM project_secrets WHERE project_id=? AND secret_id=?`, projectID, secretID)
	return err
}

func (s *SQLiteStore) ListSecretsForProject(ctx context.Context, projectID string) ([]SecretRow, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT s.`+strings.ReplaceAll(secretColumns, ", ", ", s.")+`
		 FROM secrets s JOIN project_secrets ps ON ps.secret_id = s.id
		 WHERE ps.project_id = ? ORDER BY s.key, s.environment`, projectID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []SecretRow
	for rows.Next() {
		rec, err := scanSecret(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteProject(ctx context.Context, id string) error {
	_, err := s.q.ExecContext(ctx, `DELETE FROM projects WHERE id=?`, id)
	return err
}

