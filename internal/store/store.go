// Package store provides the storage interface and implementations for
// the Cortex gateway. PostgreSQL backs production; the in-memory store
// backs tests and single-binary local development.
package store

import (
	"context"
	"io"
	"time"

	"github.com/cortexhub/cortex/pkg/models"
)

// Store is the primary storage interface. Handler and service code
// depends on this interface, making it easy to swap between in-memory
// (tests) and PostgreSQL (production) implementations.
type Store interface {
	OrgStore
	UserStore
	APIKeyStore
	ModelStore
	UsageStore
	ConfigKVStore
	SessionStore
	DeploymentJobStore
	BackupStore

	// Ping checks if the database is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error
}

// ── Organizations ───────────────────────────────────────────

type OrgStore interface {
	ListOrgs(ctx context.Context) ([]models.Organization, error)
	GetOrg(ctx context.Context, id string) (*models.Organization, error)
	CreateOrg(ctx context.Context, org *models.Organization) error
	// DeleteOrg fails with ErrConflict while the org still has
	// unrevoked, unexpired keys.
	DeleteOrg(ctx context.Context, id string) error
}

// ── Users ───────────────────────────────────────────────────

type UserStore interface {
	ListUsers(ctx context.Context) ([]models.User, error)
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	CreateUser(ctx context.Context, user *models.User) error
	UpdateUserRole(ctx context.Context, id string, role models.Role) error
	DeleteUser(ctx context.Context, id string) error
	CountUsers(ctx context.Context) (int64, error)
}

// ── API keys ────────────────────────────────────────────────

type APIKeyStore interface {
	ListKeys(ctx context.Context) ([]models.APIKey, error)
	ListKeysByUser(ctx context.Context, userID string) ([]models.APIKey, error)
	GetKey(ctx context.Context, id string) (*models.APIKey, error)
	GetKeyByPrefix(ctx context.Context, prefix string) (*models.APIKey, error)
	CreateKey(ctx context.Context, key *models.APIKey) error
	RevokeKey(ctx context.Context, id string, at time.Time) error
	// TouchKeyLastUsed updates last_used_at; callers throttle it.
	TouchKeyLastUsed(ctx context.Context, id string, at time.Time) error
	// DeleteKey removes the row; usage rows keep a NULL api_key_id.
	DeleteKey(ctx context.Context, id string) error
}

// ── Models ──────────────────────────────────────────────────

type ModelStore interface {
	ListModels(ctx context.Context) ([]models.Model, error)
	GetModel(ctx context.Context, id int64) (*models.Model, error)
	// GetModelByServedName resolves among active (non-stopped) models.
	GetModelByServedName(ctx context.Context, servedName string) (*models.Model, error)
	// CreateModel fails with ErrConflict when the served name is already
	// held by an active model.
	CreateModel(ctx context.Context, m *models.Model) error
	UpdateModel(ctx context.Context, m *models.Model) error
	DeleteModel(ctx context.Context, id int64) error
	// ResetModelStates forces every model row to stopped. Used after a
	// database import.
	ResetModelStates(ctx context.Context) error
}

// ── Usage ───────────────────────────────────────────────────

// UsageFilter narrows usage queries. Zero values mean "no filter".
type UsageFilter struct {
	From        *time.Time
	To          *time.Time
	Model       string
	Task        string
	StatusClass string // "2xx", "4xx", "5xx"
	APIKeyID    string
	Limit       int
	Offset      int
}

type UsageStore interface {
	// InsertUsage appends a batch of records.
	InsertUsage(ctx context.Context, records []models.UsageRecord) error
	// QueryUsage returns records newest-first, ties broken by id descending.
	QueryUsage(ctx context.Context, filter UsageFilter) ([]models.UsageRecord, error)
	CountUsage(ctx context.Context, filter UsageFilter) (int64, error)
}

// ── Config KV ───────────────────────────────────────────────

type ConfigKVStore interface {
	GetConfigKV(ctx context.Context, key string) (*models.ConfigKV, error)
	SetConfigKV(ctx context.Context, kv *models.ConfigKV) error
	ListConfigKV(ctx context.Context) ([]models.ConfigKV, error)
}

// ── Sessions ────────────────────────────────────────────────

type SessionStore interface {
	CreateSession(ctx context.Context, s *models.Session) error
	GetSession(ctx context.Context, token string) (*models.Session, error)
	DeleteSession(ctx context.Context, token string) error
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error)
}

// ── Deployment jobs ─────────────────────────────────────────

type DeploymentJobStore interface {
	SaveDeploymentJob(ctx context.Context, job *models.DeploymentJob) error
	LatestDeploymentJob(ctx context.Context) (*models.DeploymentJob, error)
}

// ── Backup / restore ────────────────────────────────────────

// BackupStore dumps and restores the whole database for deployment
// export/import. The dump format is implementation-defined but must
// round-trip through Restore of the same implementation.
type BackupStore interface {
	Dump(ctx context.Context, w io.Writer) error
	Restore(ctx context.Context, r io.Reader, dropExisting bool) error
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// ErrConflict is returned when a uniqueness or ownership invariant
// would be violated.
type ErrConflict struct {
	Entity string
	Reason string
}

func (e *ErrConflict) Error() string {
	return e.Entity + " conflict: " + e.Reason
}

// IsNotFound reports whether err is an ErrNotFound.
func IsNotFound(err error) bool {
	_, ok := err.(*ErrNotFound)
	return ok
}

// IsConflict reports whether err is an ErrConflict.
func IsConflict(err error) bool {
	_, ok := err.(*ErrConflict)
	return ok
}
