package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/jordanhubbard/secretsvault/internal/store"
)

// CreateProject registers a project root. Fails with
// ErrProjectAlreadyExists if path is already registered.
func (e *Engine) CreateProject(ctx context.Context, name, path string) (*Project, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireUnlockedLocked(); err != nil {
		return nil, err
	}
	e.touchActivityLocked()

	existing, err := e.store.GetProjectByPath(ctx, path)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrProjectAlreadyExists
	}

	row := store.ProjectRow{
		ID:        uuid.NewString(),
		Name:      name,
		Path:      path,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.store.CreateProject(ctx, row); err != nil {
		return nil, err
	}
	p := projectFromRow(row)
	return &p, nil
}

// ListProjects returns every registered project.
func (e *Engine) ListProjects(ctx context.Context) ([]Project, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireUnlockedLocked(); err != nil {
		return nil, err
	}
	e.touchActivityLocked()

	rows, err := e.store.ListProjects(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Project, len(rows))
	for i, r := range rows {
		out[i] = projectFromRow(r)
	}
	return out, nil
}

// GetProjectByPath looks up a project by its absolute path.
func (e *Engine) GetProjectByPath(ctx context.Context, path string) (*Project, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireUnlockedLocked(); err != nil {
		return nil, err
	}
	e.touchActivityLocked()

	row, err := e.store.GetProjectByPath(ctx, path)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, nil
	}
	p := projectFromRow(*row)
	return &p, nil
}

// DeleteProject removes a project; its project_secrets links cascade.
func (e *Engine) DeleteProject(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireUnlockedLocked(); err != nil {
		return err
	}
	e.touchActivityLocked()
	return e.store.DeleteProject(ctx, id)
}

// AttachSecret links secretID into projectID's secret set.
func (e *Engine) AttachSecret(ctx context.Context, projectID, secretID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireUnlockedLocked(); err != nil {
		return err
	}
	e.touchActivityLocked()
	return e.store.AttachSecretToProject(ctx, projectID, secretID, time.Now().UTC())
}

// DetachSecret removes secretID from projectID's secret set.
func (e *Engine) DetachSecret(ctx context.Context, projectID, secretID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireUnlockedLocked(); err != nil {
		return err
	}
	e.touchActivityLocked()
	return e.store.DetachSecretFromProject(ctx, projectID, secretID)
}

// ListSecretsForProject returns the secret metadata rows attached to
// projectID. As with ListSecrets, no decryption happens.
func (e *Engine) ListSecretsForProject(ctx context.Context, projectID string) ([]Secret, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireUnlockedLocked(); err != nil {
		return nil, err
	}
	e.touchActivityLocked()

	rows, err := e.store.ListSecretsForProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	out := make([]Secret, len(rows))
	for i, r := range rows {
		out[i] = secretFromRow(r)
	}
	return out, nil
}

// TouchProjectSynced records that projectID's secrets were just
// materialized into its environment.
func (e *Engine) TouchProjectSynced(ctx context.Context, projectID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireUnlockedLocked(); err != nil {
		return err
	}
	e.touchActivityLocked()
	return e.store.TouchProjectSynced(ctx, projectID, time.Now().UTC())
}
