// Package store — in-memory Store implementation.
// Used in tests and when PostgreSQL is not available (local dev).
// Dump/Restore serialize a JSON snapshot so deployment export/import
// round-trips without a database server.
package store

import (
	"context"
	"encoding/json"
	"io"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cortexhub/cortex/pkg/models"
)

// snapshot is the JSON-serializable shape written by Dump.
type snapshot struct {
	Orgs     map[string]*models.Organization `json:"orgs"`
	Users    map[string]*models.User         `json:"users"`
	Keys     map[string]*models.APIKey       `json:"keys"`
	Models   map[int64]*models.Model         `json:"models"`
	Usage    []*models.UsageRecord           `json:"usage"`
	ConfigKV map[string]*models.ConfigKV     `json:"config_kv"`
	NextID   int64                           `json:"next_model_id"`
	NextUse  int64                           `json:"next_usage_id"`
}

// MemoryStore implements Store with in-memory maps.
type MemoryStore struct {
	mu       sync.RWMutex
	orgs     map[string]*models.Organization
	users    map[string]*models.User
	keys     map[string]*models.APIKey // key: id
	models   map[int64]*models.Model
	usage    []*models.UsageRecord // append-only
	configKV map[string]*models.ConfigKV
	sessions map[string]*models.Session // key: token
	jobs     []*models.DeploymentJob    // newest last

	nextModelID int64
	nextUsageID int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orgs:     make(map[string]*models.Organization),
		users:    make(map[string]*models.User),
		keys:     make(map[string]*models.APIKey),
		models:   make(map[int64]*models.Model),
		configKV: make(map[string]*models.ConfigKV),
		sessions: make(map[string]*models.Session),
	}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }
func (s *MemoryStore) Close() error               { return nil }

// ── Organizations ───────────────────────────────────────────

func (s *MemoryStore) ListOrgs(context.Context) ([]models.Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Organization, 0, len(s.orgs))
	for _, o := range s.orgs {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) GetOrg(_ context.Context, id string) (*models.Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orgs[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "organization", Key: id}
	}
	cp := *o
	return &cp, nil
}

func (s *MemoryStore) CreateOrg(_ context.Context, org *models.Organization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.orgs[org.ID]; exists {
		return &ErrConflict{Entity: "organization", Reason: "id already exists"}
	}
	cp := *org
	s.orgs[org.ID] = &cp
	return nil
}

func (s *MemoryStore) DeleteOrg(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orgs[id]; !ok {
		return &ErrNotFound{Entity: "organization", Key: id}
	}
	now := time.Now().UTC()
	for _, k := range s.keys {
		if k.OrgID == id && !k.Revoked() && !k.Expired(now) {
			return &ErrConflict{Entity: "organization", Reason: "active api keys exist"}
		}
	}
	delete(s.orgs, id)
	return nil
}

// ── Users ───────────────────────────────────────────────────

func (s *MemoryStore) ListUsers(context.Context) ([]models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "user", Key: id}
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) GetUserByUsername(_ context.Context, username string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.Username == username {
			cp := *u
			return &cp, nil
		}
	}
	return nil, &ErrNotFound{Entity: "user", Key: username}
}

func (s *MemoryStore) CreateUser(_ context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Username == user.Username {
			return &ErrConflict{Entity: "user", Reason: "username taken"}
		}
	}
	cp := *user
	s.users[user.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdateUserRole(_ context.Context, id string, role models.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return &ErrNotFound{Entity: "user", Key: id}
	}
	u.Role = role
	return nil
}

func (s *MemoryStore) DeleteUser(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[id]; !ok {
		return &ErrNotFound{Entity: "user", Key: id}
	}
	delete(s.users, id)
	return nil
}

func (s *MemoryStore) CountUsers(context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.users)), nil
}

// ── API keys ────────────────────────────────────────────────

func (s *MemoryStore) ListKeys(context.Context) ([]models.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.APIKey, 0, len(s.keys))
	for _, k := range s.keys {
		out = append(out, *k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ListKeysByUser(_ context.Context, userID string) ([]models.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.APIKey
	for _, k := range s.keys {
		if k.UserID == userID {
			out = append(out, *k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) GetKey(_ context.Context, id string) (*models.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "api key", Key: id}
	}
	cp := *k
	return &cp, nil
}

func (s *MemoryStore) GetKeyByPrefix(_ context.Context, prefix string) (*models.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if k.Prefix == prefix {
			cp := *k
			return &cp, nil
		}
	}
	return nil, &ErrNotFound{Entity: "api key", Key: prefix}
}

func (s *MemoryStore) CreateKey(_ context.Context, key *models.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.keys {
		if k.Prefix == key.Prefix {
			return &ErrConflict{Entity: "api key", Reason: "prefix collision"}
		}
	}
	cp := *key
	s.keys[key.ID] = &cp
	return nil
}

func (s *MemoryStore) RevokeKey(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return &ErrNotFound{Entity: "api key", Key: id}
	}
	if k.RevokedAt == nil {
		k.RevokedAt = &at
	}
	return nil
}

func (s *MemoryStore) TouchKeyLastUsed(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return &ErrNotFound{Entity: "api key", Key: id}
	}
	k.LastUsedAt = &at
	return nil
}

func (s *MemoryStore) DeleteKey(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[id]; !ok {
		return &ErrNotFound{Entity: "api key", Key: id}
	}
	delete(s.keys, id)
	for _, u := range s.usage {
		if u.APIKeyID == id {
			u.APIKeyID = ""
		}
	}
	return nil
}

// ── Models ──────────────────────────────────────────────────

func (s *MemoryStore) ListModels(context.Context) ([]models.Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Model, 0, len(s.models))
	for _, m := range s.models {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) GetModel(_ context.Context, id int64) (*models.Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.models[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "model", Key: strconv.FormatInt(id, 10)}
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) GetModelByServedName(_ context.Context, servedName string) (*models.Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.models {
		if m.ServedModelName == servedName && m.Active() {
			cp := *m
			return &cp, nil
		}
	}
	return nil, &ErrNotFound{Entity: "model", Key: servedName}
}

func (s *MemoryStore) servedNameTakenLocked(name string, excludeID int64) bool {
	for _, m := range s.models {
		if m.ID != excludeID && m.ServedModelName == name && m.Active() {
			return true
		}
	}
	return false
}

func (s *MemoryStore) CreateModel(_ context.Context, m *models.Model) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.Active() && s.servedNameTakenLocked(m.ServedModelName, 0) {
		return &ErrConflict{Entity: "model", Reason: "served_model_name in use"}
	}
	s.nextModelID++
	m.ID = s.nextModelID
	cp := *m
	s.models[m.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdateModel(_ context.Context, m *models.Model) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.models[m.ID]; !ok {
		return &ErrNotFound{Entity: "model", Key: strconv.FormatInt(m.ID, 10)}
	}
	if m.Active() && s.servedNameTakenLocked(m.ServedModelName, m.ID) {
		return &ErrConflict{Entity: "model", Reason: "served_model_name in use"}
	}
	cp := *m
	s.models[m.ID] = &cp
	return nil
}

func (s *MemoryStore) DeleteModel(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.models[id]; !ok {
		return &ErrNotFound{Entity: "model", Key: strconv.FormatInt(id, 10)}
	}
	delete(s.models, id)
	return nil
}

func (s *MemoryStore) ResetModelStates(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.models {
		m.State = models.StateStopped
		m.ContainerName = ""
		m.HostPort = 0
	}
	return nil
}

// ── Usage ───────────────────────────────────────────────────

func (s *MemoryStore) InsertUsage(_ context.Context, records []models.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range records {
		s.nextUsageID++
		cp := records[i]
		cp.ID = s.nextUsageID
		s.usage = append(s.usage, &cp)
	}
	return nil
}

func matchUsage(r *models.UsageRecord, f UsageFilter) bool {
	if f.From != nil && r.Timestamp.Before(*f.From) {
		return false
	}
	if f.To != nil && !r.Timestamp.Before(*f.To) {
		return false
	}
	if f.Model != "" && r.Model != f.Model {
		return false
	}
	if f.Task != "" && string(r.Task) != f.Task {
		return false
	}
	if f.APIKeyID != "" && r.APIKeyID != f.APIKeyID {
		return false
	}
	if f.StatusClass != "" {
		class := "2xx"
		switch {
		case r.StatusCode >= 500:
			class = "5xx"
		case r.StatusCode >= 400:
			class = "4xx"
		}
		if class != f.StatusClass {
			return false
		}
	}
	return true
}

func (s *MemoryStore) QueryUsage(_ context.Context, f UsageFilter) ([]models.UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matched []models.UsageRecord
	for _, r := range s.usage {
		if matchUsage(r, f) {
			matched = append(matched, *r)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].Timestamp.Equal(matched[j].Timestamp) {
			return matched[i].Timestamp.After(matched[j].Timestamp)
		}
		return matched[i].ID > matched[j].ID
	})
	if f.Offset > 0 {
		if f.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[f.Offset:]
	}
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched, nil
}

func (s *MemoryStore) CountUsage(_ context.Context, f UsageFilter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, r := range s.usage {
		if matchUsage(r, f) {
			n++
		}
	}
	return n, nil
}

// ── Config KV ───────────────────────────────────────────────

func (s *MemoryStore) GetConfigKV(_ context.Context, key string) (*models.ConfigKV, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	kv, ok := s.configKV[key]
	if !ok {
		return nil, &ErrNotFound{Entity: "config", Key: key}
	}
	cp := *kv
	return &cp, nil
}

func (s *MemoryStore) SetConfigKV(_ context.Context, kv *models.ConfigKV) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *kv
	cp.UpdatedAt = time.Now().UTC()
	s.configKV[kv.Key] = &cp
	return nil
}

func (s *MemoryStore) ListConfigKV(context.Context) ([]models.ConfigKV, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.ConfigKV, 0, len(s.configKV))
	for _, kv := range s.configKV {
		out = append(out, *kv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// ── Sessions ────────────────────────────────────────────────

func (s *MemoryStore) CreateSession(_ context.Context, sess *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sess
	s.sessions[sess.Token] = &cp
	return nil
}

func (s *MemoryStore) GetSession(_ context.Context, token string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[token]
	if !ok {
		return nil, &ErrNotFound{Entity: "session", Key: "token"}
	}
	cp := *sess
	return &cp, nil
}

func (s *MemoryStore) DeleteSession(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, token)
	return nil
}

func (s *MemoryStore) DeleteExpiredSessions(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for token, sess := range s.sessions {
		if now.After(sess.ExpiresAt) {
			delete(s.sessions, token)
			n++
		}
	}
	return n, nil
}

// ── Deployment jobs ─────────────────────────────────────────

func (s *MemoryStore) SaveDeploymentJob(_ context.Context, job *models.DeploymentJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *job
	for i, existing := range s.jobs {
		if existing.ID == job.ID {
			s.jobs[i] = &cp
			return nil
		}
	}
	s.jobs = append(s.jobs, &cp)
	return nil
}

func (s *MemoryStore) LatestDeploymentJob(context.Context) (*models.DeploymentJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.jobs) == 0 {
		return nil, &ErrNotFound{Entity: "deployment job", Key: "latest"}
	}
	cp := *s.jobs[len(s.jobs)-1]
	return &cp, nil
}

// ── Backup / restore ────────────────────────────────────────

// Dump writes a JSON snapshot of all persisted entities. Sessions and
// deployment jobs are process-local and excluded.
func (s *MemoryStore) Dump(_ context.Context, w io.Writer) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := snapshot{
		Orgs:     s.orgs,
		Users:    s.users,
		Keys:     s.keys,
		Models:   s.models,
		Usage:    s.usage,
		ConfigKV: s.configKV,
		NextID:   s.nextModelID,
		NextUse:  s.nextUsageID,
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(&snap)
}

// Restore replaces (or merges into) the store from a Dump snapshot.
func (s *MemoryStore) Restore(_ context.Context, r io.Reader, dropExisting bool) error {
	var snap snapshot
	if err := json.NewDecoder(r).Decode(&snap); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if dropExisting {
		s.orgs = make(map[string]*models.Organization)
		s.users = make(map[string]*models.User)
		s.keys = make(map[string]*models.APIKey)
		s.models = make(map[int64]*models.Model)
		s.usage = nil
		s.configKV = make(map[string]*models.ConfigKV)
	}
	for id, o := range snap.Orgs {
		s.orgs[id] = o
	}
	for id, u := range snap.Users {
		s.users[id] = u
	}
	for id, k := range snap.Keys {
		s.keys[id] = k
	}
	for id, m := range snap.Models {
		s.models[id] = m
	}
	s.usage = append(s.usage, snap.Usage...)
	for k, v := range snap.ConfigKV {
		s.configKV[k] = v
	}
	if snap.NextID > s.nextModelID {
		s.nextModelID = snap.NextID
	}
	if snap.NextUse > s.nextUsageID {
		s.nextUsageID = snap.NextUse
	}
	return nil
}
