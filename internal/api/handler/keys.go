package handler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/renderflow/internal/api/middleware"
	"github.com/kiranshivaraju/renderflow/internal/api/response"
	"github.com/kiranshivaraju/renderflow/pkg/models"
	"golang.org/x/crypto/bcrypt"
)

// KeyPrefix starts every generated API key.
const KeyPrefix = "rf_"

// ScopeAdmin grants access to the /api/v1/admin routes.
const ScopeAdmin = "admin"

// APIKeyStore is the subset of the store the key endpoints need.
type APIKeyStore interface {
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, userID uuid.UUID) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID) error
}

// GenerateRawKey returns a new random key in the form rf_<48 hex chars>.
func GenerateRawKey() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return KeyPrefix + hex.EncodeToString(b), nil
}

// NewAPIKey hashes raw and builds the row that authenticates it.
func NewAPIKey(raw string, userID uuid.UUID, teamID *uuid.UUID, name string, scopes []string) (*models.APIKey, error) {
	if len(raw) < mw.KeyPrefixLen {
		return nil, fmt.Errorf("api key must be at least %d characters", mw.KeyPrefixLen)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash api key: %w", err)
	}
	now := time.Now().UTC()
	if scopes == nil {
		scopes = []string{}
	}
	return &models.APIKey{
		ID:        uuid.New(),
		UserID:    userID,
		TeamID:    teamID,
		Name:      name,
		KeyHash:   string(hash),
		KeyPrefix: raw[:mw.KeyPrefixLen],
		Scopes:    scopes,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Keys serves the admin API key endpoints.
type Keys struct {
	store APIKeyStore
}

func NewKeys(s APIKeyStore) *Keys {
	return &Keys{store: s}
}

type createdKey struct {
	*models.APIKey
	Key string `json:"key"`
}

// Create handles POST /api/v1/admin/keys. The raw key is returned once.
func (h *Keys) Create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID uuid.UUID  `json:"user_id"`
		TeamID *uuid.UUID `json:"team_id"`
		Name   string     `json:"name"`
		Scopes []string   `json:"scopes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "Invalid JSON body")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.UserID == uuid.Nil {
		badRequest(w, "user_id is required")
		return
	}
	if req.Name == "" {
		badRequest(w, "name is required")
		return
	}

	raw, err := GenerateRawKey()
	if err != nil {
		writeError(w, r, err)
		return
	}
	key, err := NewAPIKey(raw, req.UserID, req.TeamID, req.Name, req.Scopes)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.store.CreateAPIKey(r.Context(), key); err != nil {
		writeError(w, r, err)
		return
	}
	response.Created(w, createdKey{APIKey: key, Key: raw})
}

// List handles GET /api/v1/admin/keys?user_id=.
func (h *Keys) List(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(r.URL.Query().Get("user_id"))
	if err != nil {
		badRequest(w, "user_id must be a valid UUID")
		return
	}
	keys, err := h.store.ListAPIKeys(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if keys == nil {
		keys = []*models.APIKey{}
	}
	response.JSON(w, keys)
}

func (h *Keys) Revoke(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := h.store.RevokeAPIKey(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	response.NoContent(w)
}
