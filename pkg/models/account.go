package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Owner URN prefixes.
const (
	OwnerUser = "user"
	OwnerTeam = "team"
)

// UserOwner returns the owner URN for a user.
func UserOwner(id uuid.UUID) string { return OwnerUser + ":" + id.String() }

// TeamOwner returns the owner URN for a team.
func TeamOwner(id uuid.UUID) string { return OwnerTeam + ":" + id.String() }

// ParseOwner splits an owner URN into its scope and identifier.
func ParseOwner(urn string) (string, uuid.UUID, error) {
	scope, rawID, ok := strings.Cut(urn, ":")
	if !ok || (scope != OwnerUser && scope != OwnerTeam) {
		return "", uuid.Nil, fmt.Errorf("invalid owner urn %q", urn)
	}
	id, err := uuid.Parse(rawID)
	if err != nil {
		return "", uuid.Nil, fmt.Errorf("invalid owner urn %q: %w", urn, err)
	}
	return scope, id, nil
}

// Account holds an owner's credit balance and optional concurrency override.
type Account struct {
	Owner            string    `db:"owner"             json:"owner"`
	Balance          int64     `db:"balance"           json:"balance"`
	ConcurrencyLimit *int      `db:"concurrency_limit" json:"concurrency_limit,omitempty"`
	CreatedAt        time.Time `db:"created_at"        json:"created_at"`
	UpdatedAt        time.Time `db:"updated_at"        json:"updated_at"`
}

// Credit transaction reasons.
const (
	CreditCharge = "charge"
	CreditRefund = "refund"
	CreditGrant  = "grant"
)

// CreditTransaction is an append-only ledger entry. Amount is negative for charges.
type CreditTransaction struct {
	ID        uuid.UUID  `db:"id"         json:"id"`
	Owner     string     `db:"owner"      json:"owner"`
	Amount    int64      `db:"amount"     json:"amount"`
	Reason    string     `db:"reason"     json:"reason"`
	JobKind   *string    `db:"job_kind"   json:"job_kind,omitempty"`
	JobID     *uuid.UUID `db:"job_id"     json:"job_id,omitempty"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
}
