package models

import (
	"time"

	"github.com/google/uuid"
)

// APIKey authenticates a user, optionally acting on behalf of a team.
// Raw keys are shown once at creation; only the bcrypt hash is stored.
type APIKey struct {
	ID         uuid.UUID  `db:"id"           json:"id"`
	UserID     uuid.UUID  `db:"user_id"      json:"user_id"`
	TeamID     *uuid.UUID `db:"team_id"      json:"team_id,omitempty"`
	Name       string     `db:"name"         json:"name"`
	KeyHash    string     `db:"key_hash"     json:"-"`
	KeyPrefix  string     `db:"key_prefix"   json:"key_prefix"`
	Scopes     []string   `db:"scopes"       json:"scopes"`
	LastUsedAt *time.Time `db:"last_used_at" json:"last_used_at,omitempty"`
	DeletedAt  *time.Time `db:"deleted_at"   json:"-"`
	CreatedAt  time.Time  `db:"created_at"   json:"created_at"`
	UpdatedAt  time.Time  `db:"updated_at"   json:"updated_at"`
}

// Owner returns the URN that resources created with this key belong to.
func (k *APIKey) Owner() string {
	if k.TeamID != nil {
		return TeamOwner(*k.TeamID)
	}
	return UserOwner(k.UserID)
}
