package models

import (
	"time"

	"github.com/google/uuid"
)

// ArtifactStatus mirrors the outcome of the job that produces the artifact.
type ArtifactStatus string

const (
	ArtifactProcessing ArtifactStatus = "processing"
	ArtifactReady      ArtifactStatus = "ready"
	ArtifactFailed     ArtifactStatus = "failed"
)

// Artifact is a stored output owned by its own aggregate. Only its status and
// size are written by the job engine, keyed by the source reference columns.
type Artifact struct {
	ID                 uuid.UUID      `db:"id"                   json:"id"`
	Owner              string         `db:"owner"                json:"owner"`
	Name               string         `db:"name"                 json:"name"`
	SourceJobID        *uuid.UUID     `db:"source_job_id"        json:"source_job_id,omitempty"`
	SourceGenerationID *uuid.UUID     `db:"source_generation_id" json:"source_generation_id,omitempty"`
	Status             ArtifactStatus `db:"status"               json:"status"`
	SizeBytes          *int64         `db:"size_bytes"           json:"size_bytes,omitempty"`
	CreatedAt          time.Time      `db:"created_at"           json:"created_at"`
	UpdatedAt          time.Time      `db:"updated_at"           json:"updated_at"`
}
