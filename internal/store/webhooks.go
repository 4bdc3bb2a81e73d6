package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/kiranshivaraju/renderflow/pkg/models"
)

const webhookColumns = `id, team_id, created_by, url, events, secret, is_active, last_triggered_at, created_at, updated_at`

const deliveryColumns = `id, webhook_id, job_id, event_type, status, payload, response_status, response_body,
	last_error, attempts, max_attempts, next_retry_at, delivered_at, created_at, updated_at`

func scanWebhook(row pgx.Row) (*models.Webhook, error) {
	var w models.Webhook
	if err := row.Scan(&w.ID, &w.TeamID, &w.CreatedBy, &w.URL, &w.Events, &w.Secret, &w.IsActive,
		&w.LastTriggeredAt, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return nil, err
	}
	return &w, nil
}

func scanDelivery(row pgx.Row) (*models.WebhookDelivery, error) {
	var d models.WebhookDelivery
	if err := row.Scan(&d.ID, &d.WebhookID, &d.JobID, &d.EventType, &d.Status, &d.Payload,
		&d.ResponseStatus, &d.ResponseBody, &d.LastError, &d.Attempts, &d.MaxAttempts,
		&d.NextRetryAt, &d.DeliveredAt, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	return &d, nil
}

func collectDeliveries(rows pgx.Rows) ([]*models.WebhookDelivery, error) {
	defer rows.Close()
	var out []*models.WebhookDelivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// --- Store ---

func (s *PostgresStore) CreateWebhook(ctx context.Context, w *models.Webhook) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO webhooks (id, team_id, created_by, url, events, secret, is_active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		w.ID, w.TeamID, w.CreatedBy, w.URL, w.Events, w.Secret, w.IsActive, w.CreatedAt, w.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create webhook: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetWebhook(ctx context.Context, id uuid.UUID) (*models.Webhook, error) {
	w, err := scanWebhook(s.pool.QueryRow(ctx, `SELECT `+webhookColumns+` FROM webhooks WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get webhook: %w", err)
	}
	return w, nil
}

func (s *PostgresStore) ListWebhooks(ctx context.Context, teamID uuid.UUID) ([]*models.Webhook, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+webhookColumns+` FROM webhooks WHERE team_id = $1 ORDER BY created_at DESC`, teamID)
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	defer rows.Close()

	var hooks []*models.Webhook
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, fmt.Errorf("scan webhook: %w", err)
		}
		hooks = append(hooks, w)
	}
	return hooks, rows.Err()
}

func (s *PostgresStore) DeactivateWebhook(ctx context.Context, id uuid.UUID, teamID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE webhooks SET is_active = FALSE, updated_at = NOW() WHERE id = $1 AND team_id = $2`, id, teamID)
	if err != nil {
		return fmt.Errorf("deactivate webhook: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListDeliveries(ctx context.Context, webhookID uuid.UUID, limit int) ([]*models.WebhookDelivery, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE webhook_id = $1
		 ORDER BY created_at DESC LIMIT $2`, webhookID, limit)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	return collectDeliveries(rows)
}

// --- Tx ---

func (t *pgTx) EnqueueDeliveries(ctx context.Context, teamID uuid.UUID, eventType string, jobID uuid.UUID, payload json.RawMessage, maxAttempts int, at time.Time) (int, error) {
	tag, err := t.tx.Exec(ctx,
		`INSERT INTO webhook_deliveries (id, webhook_id, job_id, event_type, status, payload, attempts, max_attempts, created_at, updated_at)
		 SELECT gen_random_uuid(), id, $2, $3, 'pending', $4, 0, $5, $6, $6
		 FROM webhooks WHERE team_id = $1 AND is_active AND $3 = ANY(events)`,
		teamID, jobID, eventType, []byte(payload), maxAttempts, at)
	if err != nil {
		return 0, fmt.Errorf("enqueue deliveries: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (t *pgTx) ClaimDeliveries(ctx context.Context, now time.Time, limit int) ([]*models.WebhookDelivery, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+deliveryColumns+` FROM webhook_deliveries
		 WHERE status IN ('pending', 'retrying') AND (next_retry_at IS NULL OR next_retry_at <= $1)
		 ORDER BY created_at LIMIT $2
		 FOR UPDATE SKIP LOCKED`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim deliveries: %w", err)
	}
	return collectDeliveries(rows)
}

func (t *pgTx) ClaimStaleDeliveries(ctx context.Context, cutoff time.Time, limit int) ([]*models.WebhookDelivery, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+deliveryColumns+` FROM webhook_deliveries
		 WHERE status = 'attempting' AND updated_at < $1
		 ORDER BY updated_at LIMIT $2
		 FOR UPDATE SKIP LOCKED`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("claim stale deliveries: %w", err)
	}
	return collectDeliveries(rows)
}

func (t *pgTx) LockDelivery(ctx context.Context, id uuid.UUID) (*models.WebhookDelivery, error) {
	d, err := scanDelivery(t.tx.QueryRow(ctx,
		`SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock delivery: %w", err)
	}
	return d, nil
}

func (t *pgTx) UpdateDelivery(ctx context.Context, d *models.WebhookDelivery) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE webhook_deliveries SET status = $2, response_status = $3, response_body = $4, last_error = $5,
		 attempts = $6, next_retry_at = $7, delivered_at = $8, updated_at = $9
		 WHERE id = $1`,
		d.ID, d.Status, d.ResponseStatus, d.ResponseBody, d.LastError,
		d.Attempts, d.NextRetryAt, d.DeliveredAt, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update delivery: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) TouchWebhook(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE webhooks SET last_triggered_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("touch webhook: %w", err)
	}
	return nil
}
