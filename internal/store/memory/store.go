// Package memory provides an in-memory store.Store for unit tests and local
// development. Transactions are serialized by a single mutex and roll back by
// restoring a snapshot, so invariants hold the same way they do in Postgres.
package memory

import (
	"context"
	"encoding/json"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/renderflow/internal/store"
	"github.com/kiranshivaraju/renderflow/pkg/models"
)

var (
	_ store.Store = (*Store)(nil)
	_ store.Tx    = (*memTx)(nil)
)

type state struct {
	jobs       map[string]map[uuid.UUID]*models.Job        // kind name -> id -> job
	events     map[string]map[uuid.UUID][]*models.JobEvent // kind name -> job id -> events
	accounts   map[string]*models.Account
	ledger     []*models.CreditTransaction
	artifacts  map[uuid.UUID]*models.Artifact
	webhooks   map[uuid.UUID]*models.Webhook
	deliveries map[uuid.UUID]*models.WebhookDelivery
	apiKeys    map[uuid.UUID]*models.APIKey
}

func newState() *state {
	st := &state{
		jobs:       make(map[string]map[uuid.UUID]*models.Job),
		events:     make(map[string]map[uuid.UUID][]*models.JobEvent),
		accounts:   make(map[string]*models.Account),
		artifacts:  make(map[uuid.UUID]*models.Artifact),
		webhooks:   make(map[uuid.UUID]*models.Webhook),
		deliveries: make(map[uuid.UUID]*models.WebhookDelivery),
		apiKeys:    make(map[uuid.UUID]*models.APIKey),
	}
	for _, k := range models.Kinds() {
		st.jobs[k.Name] = make(map[uuid.UUID]*models.Job)
		st.events[k.Name] = make(map[uuid.UUID][]*models.JobEvent)
	}
	return st
}

// clone deep-copies st. Stored values are never mutated in place, so copying
// the containers is enough.
func (st *state) clone() *state {
	c := &state{
		jobs:       make(map[string]map[uuid.UUID]*models.Job, len(st.jobs)),
		events:     make(map[string]map[uuid.UUID][]*models.JobEvent, len(st.events)),
		accounts:   copyMap(st.accounts),
		ledger:     slices.Clone(st.ledger),
		artifacts:  copyMap(st.artifacts),
		webhooks:   copyMap(st.webhooks),
		deliveries: copyMap(st.deliveries),
		apiKeys:    copyMap(st.apiKeys),
	}
	for kind, m := range st.jobs {
		c.jobs[kind] = copyMap(m)
	}
	for kind, m := range st.events {
		em := make(map[uuid.UUID][]*models.JobEvent, len(m))
		for id, evs := range m {
			em[id] = slices.Clone(evs)
		}
		c.events[kind] = em
	}
	return c
}

func copyMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Store is a fully in-memory implementation of store.Store.
// Safe for concurrent access.
type Store struct {
	mu sync.Mutex
	st *state
}

// New returns a new empty Store.
func New() *Store {
	return &Store{st: newState()}
}

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// WithTx holds the store lock for the whole of fn and discards every write
// fn made if it returns an error. fn must not call methods on m itself.
func (m *Store) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	snapshot := m.st.clone()
	if err := fn(&memTx{st: m.st}); err != nil {
		m.st = snapshot
		return err
	}
	return nil
}

// ──────────────────────────────────────────────────
// Jobs
// ──────────────────────────────────────────────────

func (m *Store) GetJob(_ context.Context, kind models.Kind, id uuid.UUID) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.st.jobs[kind.Name][id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return j.Clone(), nil
}

func (m *Store) ListJobs(_ context.Context, kind models.Kind, filter store.JobFilter) ([]*models.Job, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []*models.Job
	for _, j := range m.st.jobs[kind.Name] {
		if j.Owner != filter.Owner {
			continue
		}
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		matched = append(matched, j)
	}
	sort.Slice(matched, func(a, b int) bool {
		return matched[a].CreatedAt.After(matched[b].CreatedAt)
	})

	total := len(matched)
	page, limit := store.NormalizePage(filter.Page, filter.Limit)
	start := (page - 1) * limit
	if start >= total {
		return nil, total, nil
	}
	end := min(start+limit, total)

	out := make([]*models.Job, 0, end-start)
	for _, j := range matched[start:end] {
		out = append(out, j.Clone())
	}
	return out, total, nil
}

func (m *Store) ListJobEvents(_ context.Context, kind models.Kind, jobID uuid.UUID) ([]*models.JobEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	evs := m.st.events[kind.Name][jobID]
	out := make([]*models.JobEvent, 0, len(evs))
	for _, e := range evs {
		c := *e
		out = append(out, &c)
	}
	return out, nil
}

func (m *Store) MarkDispatched(_ context.Context, kind models.Kind, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.st.jobs[kind.Name][id]
	if !ok || j.DispatchedAt != nil {
		return nil
	}
	c := j.Clone()
	c.DispatchedAt = &at
	m.st.jobs[kind.Name][id] = c
	return nil
}

func (m *Store) ListUndispatchedJobs(_ context.Context, kind models.Kind, createdBefore time.Time, limit int) ([]*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selectJobs(kind, limit, func(j *models.Job) bool {
		return j.Status == models.JobStatusQueued && j.DispatchedAt == nil && j.CreatedAt.Before(createdBefore)
	}), nil
}

func (m *Store) ListExpiredJobs(_ context.Context, kind models.Kind, q store.ExpiryQuery) ([]*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selectJobs(kind, q.Limit, q.Matches), nil
}

func (m *Store) selectJobs(kind models.Kind, limit int, keep func(*models.Job) bool) []*models.Job {
	var out []*models.Job
	for _, j := range m.st.jobs[kind.Name] {
		if keep(j) {
			out = append(out, j.Clone())
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// ──────────────────────────────────────────────────
// Accounts
// ──────────────────────────────────────────────────

func (m *Store) GetAccount(_ context.Context, owner string) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.st.accounts[owner]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *a
	return &c, nil
}

func (m *Store) GrantCredits(_ context.Context, owner string, amount int64) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.st.account(owner)
	a.Balance += amount
	m.st.accounts[owner] = a
	m.st.record(owner, amount, models.CreditGrant, nil, nil)
	c := *a
	return &c, nil
}

func (m *Store) SetConcurrencyLimit(_ context.Context, owner string, limit *int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.st.account(owner)
	if limit != nil {
		v := *limit
		a.ConcurrencyLimit = &v
	} else {
		a.ConcurrencyLimit = nil
	}
	m.st.accounts[owner] = a
	return nil
}

// Ledger returns a copy of every credit transaction for owner, oldest first.
func (m *Store) Ledger(owner string) []models.CreditTransaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.CreditTransaction
	for _, t := range m.st.ledger {
		if t.Owner == owner {
			out = append(out, *t)
		}
	}
	return out
}

// account returns a private copy of owner's account, creating it if needed.
func (st *state) account(owner string) *models.Account {
	if a, ok := st.accounts[owner]; ok {
		c := *a
		return &c
	}
	now := time.Now().UTC()
	return &models.Account{Owner: owner, CreatedAt: now, UpdatedAt: now}
}

func (st *state) record(owner string, amount int64, reason string, kind *models.Kind, jobID *uuid.UUID) {
	t := &models.CreditTransaction{
		ID:        uuid.New(),
		Owner:     owner,
		Amount:    amount,
		Reason:    reason,
		JobID:     jobID,
		CreatedAt: time.Now().UTC(),
	}
	if kind != nil {
		name := kind.Name
		t.JobKind = &name
	}
	st.ledger = append(st.ledger, t)
}

// ──────────────────────────────────────────────────
// Artifacts
// ──────────────────────────────────────────────────

func (m *Store) CreateArtifact(_ context.Context, a *models.Artifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.st.artifacts[a.ID]; exists {
		return store.ErrDuplicateKey
	}
	c := *a
	m.st.artifacts[a.ID] = &c
	return nil
}

func (m *Store) GetArtifact(_ context.Context, id uuid.UUID) (*models.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.st.artifacts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *a
	return &c, nil
}

// ──────────────────────────────────────────────────
// Webhooks
// ──────────────────────────────────────────────────

func (m *Store) CreateWebhook(_ context.Context, w *models.Webhook) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.st.webhooks[w.ID]; exists {
		return store.ErrDuplicateKey
	}
	c := *w
	c.Events = slices.Clone(w.Events)
	m.st.webhooks[w.ID] = &c
	return nil
}

func (m *Store) GetWebhook(_ context.Context, id uuid.UUID) (*models.Webhook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.st.webhooks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *w
	return &c, nil
}

func (m *Store) ListWebhooks(_ context.Context, teamID uuid.UUID) ([]*models.Webhook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Webhook
	for _, w := range m.st.webhooks {
		if w.TeamID == teamID {
			c := *w
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	return out, nil
}

func (m *Store) DeactivateWebhook(_ context.Context, id uuid.UUID, teamID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.st.webhooks[id]
	if !ok || w.TeamID != teamID {
		return store.ErrNotFound
	}
	c := *w
	c.IsActive = false
	c.UpdatedAt = time.Now().UTC()
	m.st.webhooks[id] = &c
	return nil
}

func (m *Store) ListDeliveries(_ context.Context, webhookID uuid.UUID, limit int) ([]*models.WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.WebhookDelivery
	for _, d := range m.st.deliveries {
		if d.WebhookID == webhookID {
			out = append(out, d.Clone())
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ──────────────────────────────────────────────────
// API keys
// ──────────────────────────────────────────────────

func (m *Store) GetAPIKeyByPrefix(_ context.Context, prefix string) ([]*models.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.APIKey
	for _, k := range m.st.apiKeys {
		if k.KeyPrefix == prefix && k.DeletedAt == nil {
			c := *k
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *Store) UpdateAPIKeyLastUsed(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.st.apiKeys[id]
	if !ok {
		return nil
	}
	c := *k
	now := time.Now().UTC()
	c.LastUsedAt = &now
	m.st.apiKeys[id] = &c
	return nil
}

func (m *Store) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.st.apiKeys[key.ID]; exists {
		return store.ErrDuplicateKey
	}
	c := *key
	m.st.apiKeys[key.ID] = &c
	return nil
}

func (m *Store) ListAPIKeys(_ context.Context, userID uuid.UUID) ([]*models.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.APIKey
	for _, k := range m.st.apiKeys {
		if k.UserID == userID && k.DeletedAt == nil {
			c := *k
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	return out, nil
}

func (m *Store) RevokeAPIKey(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.st.apiKeys[id]
	if !ok || k.DeletedAt != nil {
		return store.ErrNotFound
	}
	c := *k
	now := time.Now().UTC()
	c.DeletedAt = &now
	m.st.apiKeys[id] = &c
	return nil
}

// ──────────────────────────────────────────────────
// Tx
// ──────────────────────────────────────────────────

// memTx operates on the live state while the store lock is held.
type memTx struct {
	st *state
}

// LockOwner is a no-op; the store lock already serializes transactions.
func (t *memTx) LockOwner(_ context.Context, _ models.Kind, _ string) error { return nil }

func (t *memTx) CountActiveJobs(_ context.Context, kind models.Kind, owner string) (int, error) {
	n := 0
	for _, j := range t.st.jobs[kind.Name] {
		if j.Owner == owner && !j.Status.IsTerminal() {
			n++
		}
	}
	return n, nil
}

func (t *memTx) ConcurrencyLimit(_ context.Context, owner string) (*int, error) {
	a, ok := t.st.accounts[owner]
	if !ok || a.ConcurrencyLimit == nil {
		return nil, nil
	}
	v := *a.ConcurrencyLimit
	return &v, nil
}

func (t *memTx) FindJobByIdempotencyKey(_ context.Context, kind models.Kind, triggeredBy uuid.UUID, key string) (*models.Job, error) {
	for _, j := range t.st.jobs[kind.Name] {
		if j.TriggeredBy == triggeredBy && j.IdempotencyKey != nil && *j.IdempotencyKey == key {
			return j.Clone(), nil
		}
	}
	return nil, store.ErrNotFound
}

func (t *memTx) InsertJob(ctx context.Context, kind models.Kind, j *models.Job) error {
	if _, exists := t.st.jobs[kind.Name][j.ID]; exists {
		return store.ErrDuplicateKey
	}
	if j.IdempotencyKey != nil {
		if _, err := t.FindJobByIdempotencyKey(ctx, kind, j.TriggeredBy, *j.IdempotencyKey); err == nil {
			return store.ErrDuplicateKey
		}
	}
	c := j.Clone()
	c.Kind = kind.Name
	t.st.jobs[kind.Name][j.ID] = c
	return nil
}

func (t *memTx) LockJob(_ context.Context, kind models.Kind, id uuid.UUID) (*models.Job, error) {
	j, ok := t.st.jobs[kind.Name][id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return j.Clone(), nil
}

func (t *memTx) UpdateJob(_ context.Context, kind models.Kind, j *models.Job) error {
	cur, ok := t.st.jobs[kind.Name][j.ID]
	if !ok {
		return store.ErrNotFound
	}
	c := j.Clone()
	c.Kind = kind.Name
	// Columns owned by admission and dispatch are never written here.
	c.SpecSnapshot = cur.SpecSnapshot
	c.Options = cur.Options
	c.CreditsCharged = cur.CreditsCharged
	c.DispatchedAt = cur.DispatchedAt
	t.st.jobs[kind.Name][j.ID] = c
	return nil
}

func (t *memTx) DeleteJob(_ context.Context, kind models.Kind, id uuid.UUID) error {
	if _, ok := t.st.jobs[kind.Name][id]; !ok {
		return store.ErrNotFound
	}
	delete(t.st.jobs[kind.Name], id)
	delete(t.st.events[kind.Name], id)
	return nil
}

func (t *memTx) AppendEvent(_ context.Context, kind models.Kind, jobID uuid.UUID, eventType models.EventType, payload json.RawMessage, at time.Time) (*models.JobEvent, error) {
	if _, ok := t.st.jobs[kind.Name][jobID]; !ok {
		return nil, store.ErrNotFound
	}
	evs := t.st.events[kind.Name][jobID]
	e := &models.JobEvent{
		ID:        uuid.New(),
		JobID:     jobID,
		Sequence:  int64(len(evs)) + 1,
		EventType: eventType,
		Payload:   slices.Clone(payload),
		CreatedAt: at,
	}
	t.st.events[kind.Name][jobID] = append(evs, e)
	c := *e
	return &c, nil
}

func (t *memTx) ChargeCredits(_ context.Context, owner string, amount int64, kind models.Kind, jobID uuid.UUID) error {
	a, ok := t.st.accounts[owner]
	if !ok || a.Balance < amount {
		return store.ErrInsufficientCredits
	}
	c := *a
	c.Balance -= amount
	c.UpdatedAt = time.Now().UTC()
	t.st.accounts[owner] = &c
	t.st.record(owner, -amount, models.CreditCharge, &kind, &jobID)
	return nil
}

func (t *memTx) RefundCredits(_ context.Context, owner string, amount int64, kind models.Kind, jobID uuid.UUID) error {
	a, ok := t.st.accounts[owner]
	if !ok {
		return store.ErrNotFound
	}
	for _, tr := range t.st.ledger {
		if tr.Reason == models.CreditRefund && tr.JobID != nil && *tr.JobID == jobID &&
			tr.JobKind != nil && *tr.JobKind == kind.Name {
			return store.ErrDuplicateKey
		}
	}
	c := *a
	c.Balance += amount
	c.UpdatedAt = time.Now().UTC()
	t.st.accounts[owner] = &c
	t.st.record(owner, amount, models.CreditRefund, &kind, &jobID)
	return nil
}

func artifactSource(kind models.Kind, a *models.Artifact) **uuid.UUID {
	if kind.Name == models.KindGeneration.Name {
		return &a.SourceGenerationID
	}
	return &a.SourceJobID
}

func (t *memTx) SyncArtifacts(_ context.Context, kind models.Kind, jobID uuid.UUID, status models.ArtifactStatus, sizeBytes *int64) (int64, error) {
	var n int64
	for id, a := range t.st.artifacts {
		src := *artifactSource(kind, a)
		if src == nil || *src != jobID {
			continue
		}
		c := *a
		c.Status = status
		if sizeBytes != nil {
			v := *sizeBytes
			c.SizeBytes = &v
		}
		c.UpdatedAt = time.Now().UTC()
		t.st.artifacts[id] = &c
		n++
	}
	return n, nil
}

func (t *memTx) DetachArtifacts(_ context.Context, kind models.Kind, jobID uuid.UUID) (int64, error) {
	var n int64
	for id, a := range t.st.artifacts {
		src := *artifactSource(kind, a)
		if src == nil || *src != jobID {
			continue
		}
		c := *a
		*artifactSource(kind, &c) = nil
		c.UpdatedAt = time.Now().UTC()
		t.st.artifacts[id] = &c
		n++
	}
	return n, nil
}

func (t *memTx) EnqueueDeliveries(_ context.Context, teamID uuid.UUID, eventType string, jobID uuid.UUID, payload json.RawMessage, maxAttempts int, at time.Time) (int, error) {
	n := 0
	for _, w := range t.st.webhooks {
		if w.TeamID != teamID || !w.IsActive || !w.Subscribes(eventType) {
			continue
		}
		id := jobID
		d := &models.WebhookDelivery{
			ID:          uuid.New(),
			WebhookID:   w.ID,
			JobID:       &id,
			EventType:   eventType,
			Status:      models.DeliveryPending,
			Payload:     slices.Clone(payload),
			MaxAttempts: maxAttempts,
			CreatedAt:   at,
			UpdatedAt:   at,
		}
		t.st.deliveries[d.ID] = d
		n++
	}
	return n, nil
}

func (t *memTx) selectDeliveries(limit int, keep func(*models.WebhookDelivery) bool) []*models.WebhookDelivery {
	var out []*models.WebhookDelivery
	for _, d := range t.st.deliveries {
		if keep(d) {
			out = append(out, d.Clone())
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (t *memTx) ClaimDeliveries(_ context.Context, now time.Time, limit int) ([]*models.WebhookDelivery, error) {
	return t.selectDeliveries(limit, func(d *models.WebhookDelivery) bool {
		if d.Status != models.DeliveryPending && d.Status != models.DeliveryRetrying {
			return false
		}
		return d.NextRetryAt == nil || !d.NextRetryAt.After(now)
	}), nil
}

func (t *memTx) ClaimStaleDeliveries(_ context.Context, cutoff time.Time, limit int) ([]*models.WebhookDelivery, error) {
	return t.selectDeliveries(limit, func(d *models.WebhookDelivery) bool {
		return d.Status == models.DeliveryAttempting && d.UpdatedAt.Before(cutoff)
	}), nil
}

func (t *memTx) LockDelivery(_ context.Context, id uuid.UUID) (*models.WebhookDelivery, error) {
	d, ok := t.st.deliveries[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return d.Clone(), nil
}

func (t *memTx) UpdateDelivery(_ context.Context, d *models.WebhookDelivery) error {
	if _, ok := t.st.deliveries[d.ID]; !ok {
		return store.ErrNotFound
	}
	t.st.deliveries[d.ID] = d.Clone()
	return nil
}

func (t *memTx) TouchWebhook(_ context.Context, id uuid.UUID, at time.Time) error {
	w, ok := t.st.webhooks[id]
	if !ok {
		return nil
	}
	c := *w
	c.LastTriggeredAt = &at
	t.st.webhooks[id] = &c
	return nil
}
