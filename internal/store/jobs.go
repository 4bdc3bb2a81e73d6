package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/kiranshivaraju/renderflow/pkg/models"
)

const jobColumns = `id, owner, triggered_by, project_id, status, progress, spec_snapshot, options,
	output, output_size_bytes, error, failure_type, credits_charged, credits_refunded,
	idempotency_key, retry_of, dispatched_at, started_at, completed_at, created_at, updated_at`

func scanJob(row pgx.Row, kind models.Kind) (*models.Job, error) {
	var j models.Job
	err := row.Scan(&j.ID, &j.Owner, &j.TriggeredBy, &j.ProjectID, &j.Status, &j.Progress,
		&j.SpecSnapshot, &j.Options, &j.Output, &j.OutputSizeBytes, &j.Error, &j.FailureType,
		&j.CreditsCharged, &j.CreditsRefunded, &j.IdempotencyKey, &j.RetryOf,
		&j.DispatchedAt, &j.StartedAt, &j.CompletedAt, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.Kind = kind.Name
	return &j, nil
}

func collectJobs(rows pgx.Rows, kind models.Kind) ([]*models.Job, error) {
	defer rows.Close()
	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows, kind)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", kind.Name, err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func getJob(ctx context.Context, q querier, kind models.Kind, id uuid.UUID, suffix string) (*models.Job, error) {
	j, err := scanJob(q.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1 %s`, jobColumns, ident(kind.Table), suffix), id), kind)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", kind.Name, err)
	}
	return j, nil
}

// --- Store (non-transactional) ---

func (s *PostgresStore) GetJob(ctx context.Context, kind models.Kind, id uuid.UUID) (*models.Job, error) {
	return getJob(ctx, s.pool, kind, id, "")
}

func (s *PostgresStore) ListJobs(ctx context.Context, kind models.Kind, filter JobFilter) ([]*models.Job, int, error) {
	conditions := []string{"owner = $1"}
	args := []any{filter.Owner}
	argIdx := 2

	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, filter.Status)
		argIdx++
	}

	where := strings.Join(conditions, " AND ")
	table := ident(kind.Table)

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM "+table+" WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count %s: %w", kind.Plural, err)
	}

	page, limit := NormalizePage(filter.Page, filter.Limit)
	offset := (page - 1) * limit

	dataQuery := fmt.Sprintf(`SELECT %s FROM %s WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		jobColumns, table, where, argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list %s: %w", kind.Plural, err)
	}
	jobs, err := collectJobs(rows, kind)
	return jobs, total, err
}

func (s *PostgresStore) ListJobEvents(ctx context.Context, kind models.Kind, jobID uuid.UUID) ([]*models.JobEvent, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT id, %s, sequence, event_type, payload, created_at FROM %s WHERE %s = $1 ORDER BY sequence`,
		ident(kind.EventFK), ident(kind.EventTable), ident(kind.EventFK)), jobID)
	if err != nil {
		return nil, fmt.Errorf("list %s events: %w", kind.Name, err)
	}
	defer rows.Close()

	var events []*models.JobEvent
	for rows.Next() {
		var e models.JobEvent
		if err := rows.Scan(&e.ID, &e.JobID, &e.Sequence, &e.EventType, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan %s event: %w", kind.Name, err)
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

// MarkDispatched stamps dispatched_at once. It never touches status so it can
// run outside the callback transaction.
func (s *PostgresStore) MarkDispatched(ctx context.Context, kind models.Kind, id uuid.UUID, at time.Time) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(
		`UPDATE %s SET dispatched_at = $2 WHERE id = $1 AND dispatched_at IS NULL`, ident(kind.Table)), id, at)
	if err != nil {
		return fmt.Errorf("mark %s dispatched: %w", kind.Name, err)
	}
	return nil
}

func (s *PostgresStore) ListUndispatchedJobs(ctx context.Context, kind models.Kind, createdBefore time.Time, limit int) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT %s FROM %s WHERE status = 'queued' AND dispatched_at IS NULL AND created_at < $1
		 ORDER BY created_at LIMIT $2`, jobColumns, ident(kind.Table)), createdBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("list undispatched %s: %w", kind.Plural, err)
	}
	return collectJobs(rows, kind)
}

func (s *PostgresStore) ListExpiredJobs(ctx context.Context, kind models.Kind, q ExpiryQuery) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT %s FROM %s
		 WHERE (status = 'queued' AND created_at < $1)
		    OR (status = 'processing' AND updated_at < $2)
		 ORDER BY created_at LIMIT $3`, jobColumns, ident(kind.Table)),
		q.QueuedBefore, q.ProcessingIdleBefore, q.Limit)
	if err != nil {
		return nil, fmt.Errorf("list expired %s: %w", kind.Plural, err)
	}
	return collectJobs(rows, kind)
}

// --- Tx ---

// LockOwner takes a transaction-scoped advisory lock keyed on (table, owner).
// Unlike FOR UPDATE on the active rows it also serializes the case where the
// owner has no active rows yet.
func (t *pgTx) LockOwner(ctx context.Context, kind models.Kind, owner string) error {
	_, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, kind.Table+":"+owner)
	if err != nil {
		return fmt.Errorf("lock owner: %w", err)
	}
	return nil
}

func (t *pgTx) CountActiveJobs(ctx context.Context, kind models.Kind, owner string) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx, fmt.Sprintf(
		`SELECT COUNT(*) FROM %s WHERE owner = $1 AND status IN ('queued', 'processing')`, ident(kind.Table)),
		owner).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active %s: %w", kind.Plural, err)
	}
	return n, nil
}

func (t *pgTx) FindJobByIdempotencyKey(ctx context.Context, kind models.Kind, triggeredBy uuid.UUID, key string) (*models.Job, error) {
	j, err := scanJob(t.tx.QueryRow(ctx, fmt.Sprintf(
		`SELECT %s FROM %s WHERE triggered_by = $1 AND idempotency_key = $2`, jobColumns, ident(kind.Table)),
		triggeredBy, key), kind)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find %s by idempotency key: %w", kind.Name, err)
	}
	return j, nil
}

func (t *pgTx) InsertJob(ctx context.Context, kind models.Kind, j *models.Job) error {
	_, err := t.tx.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s (id, owner, triggered_by, project_id, status, progress, spec_snapshot, options,
		 credits_charged, credits_refunded, idempotency_key, retry_of, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`, ident(kind.Table)),
		j.ID, j.Owner, j.TriggeredBy, j.ProjectID, j.Status, j.Progress,
		nullableJSON(j.SpecSnapshot), nullableJSON(j.Options),
		j.CreditsCharged, j.CreditsRefunded, j.IdempotencyKey, j.RetryOf, j.CreatedAt, j.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("insert %s: %w", kind.Name, err)
	}
	return nil
}

func (t *pgTx) LockJob(ctx context.Context, kind models.Kind, id uuid.UUID) (*models.Job, error) {
	return getJob(ctx, t.tx, kind, id, "FOR UPDATE")
}

// UpdateJob writes the mutable execution columns. spec_snapshot, options,
// credits_charged and dispatched_at are never written here.
func (t *pgTx) UpdateJob(ctx context.Context, kind models.Kind, j *models.Job) error {
	tag, err := t.tx.Exec(ctx, fmt.Sprintf(
		`UPDATE %s SET status = $2, progress = $3, output = $4, output_size_bytes = $5, error = $6,
		 failure_type = $7, credits_refunded = $8, started_at = $9, completed_at = $10, updated_at = $11
		 WHERE id = $1`, ident(kind.Table)),
		j.ID, j.Status, j.Progress, nullableJSON(j.Output), j.OutputSizeBytes, j.Error,
		j.FailureType, j.CreditsRefunded, j.StartedAt, j.CompletedAt, j.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update %s: %w", kind.Name, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) DeleteJob(ctx context.Context, kind models.Kind, id uuid.UUID) error {
	tag, err := t.tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, ident(kind.Table)), id)
	if err != nil {
		return fmt.Errorf("delete %s: %w", kind.Name, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) AppendEvent(ctx context.Context, kind models.Kind, jobID uuid.UUID, eventType models.EventType, payload json.RawMessage, at time.Time) (*models.JobEvent, error) {
	e := &models.JobEvent{
		ID:        uuid.New(),
		JobID:     jobID,
		EventType: eventType,
		Payload:   payload,
		CreatedAt: at,
	}
	table, fk := ident(kind.EventTable), ident(kind.EventFK)
	err := t.tx.QueryRow(ctx, fmt.Sprintf(
		`INSERT INTO %s (id, %s, sequence, event_type, payload, created_at)
		 VALUES ($1, $2, (SELECT COALESCE(MAX(sequence), 0) + 1 FROM %s WHERE %s = $2), $3, $4, $5)
		 RETURNING sequence`, table, fk, table, fk),
		e.ID, jobID, eventType, nullableJSON(payload), at).Scan(&e.Sequence)
	if err != nil {
		if isDuplicateKeyError(err) {
			return nil, fmt.Errorf("append %s event: sequence collision: %w", kind.Name, ErrDuplicateKey)
		}
		return nil, fmt.Errorf("append %s event: %w", kind.Name, err)
	}
	return e, nil
}
