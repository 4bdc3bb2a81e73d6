package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/kiranshivaraju/renderflow/pkg/models"
)

const accountColumns = `owner, balance, concurrency_limit, created_at, updated_at`

func scanAccount(row pgx.Row) (*models.Account, error) {
	var a models.Account
	if err := row.Scan(&a.Owner, &a.Balance, &a.ConcurrencyLimit, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func insertCreditTransaction(ctx context.Context, q querier, owner string, amount int64, reason string, kind *models.Kind, jobID *uuid.UUID) error {
	var jobKind *string
	if kind != nil {
		jobKind = &kind.Name
	}
	_, err := q.Exec(ctx,
		`INSERT INTO credit_transactions (id, owner, amount, reason, job_kind, job_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NOW())`,
		uuid.New(), owner, amount, reason, jobKind, jobID)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("insert credit transaction: %w", err)
	}
	return nil
}

// --- Store ---

func (s *PostgresStore) GetAccount(ctx context.Context, owner string) (*models.Account, error) {
	a, err := scanAccount(s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE owner = $1`, owner))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return a, nil
}

// GrantCredits creates the account on first grant and records a ledger entry.
func (s *PostgresStore) GrantCredits(ctx context.Context, owner string, amount int64) (*models.Account, error) {
	var account *models.Account
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		a, err := scanAccount(tx.QueryRow(ctx,
			`INSERT INTO accounts (owner, balance) VALUES ($1, $2)
			 ON CONFLICT (owner) DO UPDATE SET balance = accounts.balance + EXCLUDED.balance, updated_at = NOW()
			 RETURNING `+accountColumns, owner, amount))
		if err != nil {
			return fmt.Errorf("grant credits: %w", err)
		}
		account = a
		return insertCreditTransaction(ctx, tx, owner, amount, models.CreditGrant, nil, nil)
	})
	if err != nil {
		return nil, err
	}
	return account, nil
}

func (s *PostgresStore) SetConcurrencyLimit(ctx context.Context, owner string, limit *int) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (owner, concurrency_limit) VALUES ($1, $2)
		 ON CONFLICT (owner) DO UPDATE SET concurrency_limit = EXCLUDED.concurrency_limit, updated_at = NOW()`,
		owner, limit)
	if err != nil {
		return fmt.Errorf("set concurrency limit: %w", err)
	}
	return nil
}

// --- Tx ---

// ConcurrencyLimit returns the owner's override, or nil when none is set.
func (t *pgTx) ConcurrencyLimit(ctx context.Context, owner string) (*int, error) {
	var limit *int
	err := t.tx.QueryRow(ctx, `SELECT concurrency_limit FROM accounts WHERE owner = $1`, owner).Scan(&limit)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get concurrency limit: %w", err)
	}
	return limit, nil
}

// ChargeCredits debits amount only if the balance covers it.
func (t *pgTx) ChargeCredits(ctx context.Context, owner string, amount int64, kind models.Kind, jobID uuid.UUID) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE accounts SET balance = balance - $2, updated_at = NOW()
		 WHERE owner = $1 AND balance >= $2`, owner, amount)
	if err != nil {
		return fmt.Errorf("charge credits: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInsufficientCredits
	}
	return insertCreditTransaction(ctx, t.tx, owner, -amount, models.CreditCharge, &kind, &jobID)
}

// RefundCredits credits amount back. A second refund for the same job fails
// with ErrDuplicateKey.
func (t *pgTx) RefundCredits(ctx context.Context, owner string, amount int64, kind models.Kind, jobID uuid.UUID) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE accounts SET balance = balance + $2, updated_at = NOW() WHERE owner = $1`, owner, amount)
	if err != nil {
		return fmt.Errorf("refund credits: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return insertCreditTransaction(ctx, t.tx, owner, amount, models.CreditRefund, &kind, &jobID)
}
