package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/kiranshivaraju/renderflow/pkg/models"
)

func (s *PostgresStore) CreateArtifact(ctx context.Context, a *models.Artifact) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO artifacts (id, owner, name, source_job_id, source_generation_id, status, size_bytes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		a.ID, a.Owner, a.Name, a.SourceJobID, a.SourceGenerationID, a.Status, a.SizeBytes, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create artifact: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetArtifact(ctx context.Context, id uuid.UUID) (*models.Artifact, error) {
	var a models.Artifact
	err := s.pool.QueryRow(ctx,
		`SELECT id, owner, name, source_job_id, source_generation_id, status, size_bytes, created_at, updated_at
		 FROM artifacts WHERE id = $1`, id).Scan(
		&a.ID, &a.Owner, &a.Name, &a.SourceJobID, &a.SourceGenerationID, &a.Status, &a.SizeBytes, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get artifact: %w", err)
	}
	return &a, nil
}

// SyncArtifacts sets the status of every artifact sourced from jobID. A nil
// sizeBytes leaves the stored size unchanged.
func (t *pgTx) SyncArtifacts(ctx context.Context, kind models.Kind, jobID uuid.UUID, status models.ArtifactStatus, sizeBytes *int64) (int64, error) {
	tag, err := t.tx.Exec(ctx, fmt.Sprintf(
		`UPDATE artifacts SET status = $2, size_bytes = COALESCE($3, size_bytes), updated_at = NOW()
		 WHERE %s = $1`, ident(kind.ArtifactColumn)), jobID, status, sizeBytes)
	if err != nil {
		return 0, fmt.Errorf("sync artifacts: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DetachArtifacts clears the source reference so artifacts outlive a deleted job.
func (t *pgTx) DetachArtifacts(ctx context.Context, kind models.Kind, jobID uuid.UUID) (int64, error) {
	col := ident(kind.ArtifactColumn)
	tag, err := t.tx.Exec(ctx, fmt.Sprintf(
		`UPDATE artifacts SET %s = NULL, updated_at = NOW() WHERE %s = $1`, col, col), jobID)
	if err != nil {
		return 0, fmt.Errorf("detach artifacts: %w", err)
	}
	return tag.RowsAffected(), nil
}
