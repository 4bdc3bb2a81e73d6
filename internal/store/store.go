package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/renderflow/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")
var ErrInsufficientCredits = errors.New("insufficient credits")

// Store is the data access interface. Reads that need no isolation go through
// Store directly; every multi-row invariant is maintained inside WithTx.
type Store interface {
	Ping(ctx context.Context) error

	// WithTx runs fn in a single transaction. The transaction commits when fn
	// returns nil and rolls back otherwise.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	GetJob(ctx context.Context, kind models.Kind, id uuid.UUID) (*models.Job, error)
	ListJobs(ctx context.Context, kind models.Kind, filter JobFilter) ([]*models.Job, int, error)
	ListJobEvents(ctx context.Context, kind models.Kind, jobID uuid.UUID) ([]*models.JobEvent, error)
	MarkDispatched(ctx context.Context, kind models.Kind, id uuid.UUID, at time.Time) error
	ListUndispatchedJobs(ctx context.Context, kind models.Kind, createdBefore time.Time, limit int) ([]*models.Job, error)
	ListExpiredJobs(ctx context.Context, kind models.Kind, q ExpiryQuery) ([]*models.Job, error)

	GetAccount(ctx context.Context, owner string) (*models.Account, error)
	GrantCredits(ctx context.Context, owner string, amount int64) (*models.Account, error)
	SetConcurrencyLimit(ctx context.Context, owner string, limit *int) error

	CreateArtifact(ctx context.Context, a *models.Artifact) error
	GetArtifact(ctx context.Context, id uuid.UUID) (*models.Artifact, error)

	CreateWebhook(ctx context.Context, w *models.Webhook) error
	GetWebhook(ctx context.Context, id uuid.UUID) (*models.Webhook, error)
	ListWebhooks(ctx context.Context, teamID uuid.UUID) ([]*models.Webhook, error)
	DeactivateWebhook(ctx context.Context, id uuid.UUID, teamID uuid.UUID) error
	ListDeliveries(ctx context.Context, webhookID uuid.UUID, limit int) ([]*models.WebhookDelivery, error)

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, userID uuid.UUID) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID) error
}

// Tx is the set of operations that must share a transaction with a job or
// delivery state change.
type Tx interface {
	// LockOwner serializes admissions for one owner of one kind until commit.
	LockOwner(ctx context.Context, kind models.Kind, owner string) error
	CountActiveJobs(ctx context.Context, kind models.Kind, owner string) (int, error)
	ConcurrencyLimit(ctx context.Context, owner string) (*int, error)
	FindJobByIdempotencyKey(ctx context.Context, kind models.Kind, triggeredBy uuid.UUID, key string) (*models.Job, error)
	InsertJob(ctx context.Context, kind models.Kind, job *models.Job) error
	// LockJob loads a job and holds an exclusive row lock on it until commit.
	LockJob(ctx context.Context, kind models.Kind, id uuid.UUID) (*models.Job, error)
	UpdateJob(ctx context.Context, kind models.Kind, job *models.Job) error
	DeleteJob(ctx context.Context, kind models.Kind, id uuid.UUID) error
	// AppendEvent assigns the next sequence for jobID. Callers must hold LockJob.
	AppendEvent(ctx context.Context, kind models.Kind, jobID uuid.UUID, eventType models.EventType, payload json.RawMessage, at time.Time) (*models.JobEvent, error)

	ChargeCredits(ctx context.Context, owner string, amount int64, kind models.Kind, jobID uuid.UUID) error
	RefundCredits(ctx context.Context, owner string, amount int64, kind models.Kind, jobID uuid.UUID) error

	SyncArtifacts(ctx context.Context, kind models.Kind, jobID uuid.UUID, status models.ArtifactStatus, sizeBytes *int64) (int64, error)
	DetachArtifacts(ctx context.Context, kind models.Kind, jobID uuid.UUID) (int64, error)

	// EnqueueDeliveries creates a pending delivery for every active webhook of
	// teamID subscribed to eventType.
	EnqueueDeliveries(ctx context.Context, teamID uuid.UUID, eventType string, jobID uuid.UUID, payload json.RawMessage, maxAttempts int, at time.Time) (int, error)
	// ClaimDeliveries locks up to limit due pending/retrying deliveries, skipping
	// rows locked by other workers.
	ClaimDeliveries(ctx context.Context, now time.Time, limit int) ([]*models.WebhookDelivery, error)
	// ClaimStaleDeliveries locks deliveries stuck in attempting since before cutoff.
	ClaimStaleDeliveries(ctx context.Context, cutoff time.Time, limit int) ([]*models.WebhookDelivery, error)
	LockDelivery(ctx context.Context, id uuid.UUID) (*models.WebhookDelivery, error)
	UpdateDelivery(ctx context.Context, d *models.WebhookDelivery) error
	TouchWebhook(ctx context.Context, id uuid.UUID, at time.Time) error
}

// JobFilter narrows ListJobs. Owner is required.
type JobFilter struct {
	Owner  string
	Status models.JobStatus
	Page   int
	Limit  int
}

// ExpiryQuery selects jobs the reconciler should time out.
type ExpiryQuery struct {
	QueuedBefore         time.Time
	ProcessingIdleBefore time.Time
	Limit                int
}

// Matches reports whether j qualifies for expiry under q. The zero times
// match nothing.
func (q ExpiryQuery) Matches(j *models.Job) bool {
	switch j.Status {
	case models.JobStatusQueued:
		return j.CreatedAt.Before(q.QueuedBefore)
	case models.JobStatusProcessing:
		return j.UpdatedAt.Before(q.ProcessingIdleBefore)
	}
	return false
}

// NormalizePage clamps pagination parameters to the supported range.
func NormalizePage(page, limit int) (int, int) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if page <= 0 {
		page = 1
	}
	return page, limit
}
