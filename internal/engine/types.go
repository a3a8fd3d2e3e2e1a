package engine

import (
	"time"

	"github.com/jordanhubbard/secretsvault/internal/store"
)

// Audit action kinds, per the engine's action enum.
const (
	ActionRead   = "read"
	ActionWrite  = "write"
	ActionDelete = "delete"
	ActionRotate = "rotate"
	ActionExport = "export"
	ActionImport = "import"
)

// Secret is the engine-facing view of a secret row: metadata only, no
// plaintext. Returned by ListSecrets and SearchSecrets, where decrypting
// every row would be wasteful.
type Secret struct {
	ID          string
	Key         string
	Environment string
	Description string
	Tags        []string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastUsedAt  *time.Time
	ExpiresAt   *time.Time
}

// SecretWithValue adds the decrypted plaintext to Secret. Returned by
// GetSecretWithDetails.
type SecretWithValue struct {
	Secret
	Value string
}

// AddSecretOptions carries the optional fields accepted by AddSecret.
type AddSecretOptions struct {
	Description string
	Tags        []string
	ExpiresAt   *time.Time
}

// UpdateSecretOptions carries the optional fields accepted by
// UpdateSecret. A nil pointer/slice means "leave unchanged".
type UpdateSecretOptions struct {
	Description *string
	Tags        []string
}

// AuditEntry is the engine-facing view of a persisted audit log row.
type AuditEntry struct {
	ID          int64
	Timestamp   time.Time
	Action      string
	SecretKey   string
	Environment string
	User        string
	IPAddress   string
	Metadata    string
}

// AuditFilter narrows GetLogs.
type AuditFilter struct {
	SecretKey string
	Action    string
	Limit     int
	Offset    int
}

// Project is the engine-facing view of a project row.
type Project struct {
	ID           string
	Name         string
	Path         string
	CreatedAt    time.Time
	LastSyncedAt *time.Time
}

func secretFromRow(r store.SecretRow) Secret {
	return Secret{
		ID:          r.ID,
		Key:         r.Key,
		Environment: r.Environment,
		Description: r.Description,
		Tags:        r.Tags,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
		LastUsedAt:  r.LastUsedAt,
		ExpiresAt:   r.ExpiresAt,
	}
}

func projectFromRow(p store.ProjectRow) Project {
	return Project{
		ID:           p.ID,
		Name:         p.Name,
		Path:         p.Path,
		CreatedAt:    p.CreatedAt,
		LastSyncedAt: p.LastSyncedAt,
	}
}

func auditFromRow(a store.AuditRow) AuditEntry {
	return AuditEntry{
		ID:          a.ID,
		Timestamp:   a.Timestamp,
		Action:      a.Action,
		SecretKey:   a.SecretKey,
		Environment: a.Environment,
		User:        a.User,
		IPAddress:   a.IPAddress,
		Metadata:    a.Metadata,
	}
}
