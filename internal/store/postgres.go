// Package store — PostgreSQL Store implementation backed by pgxpool.
// The schema is created on startup when absent; there is no migration
// framework in the core.
package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/cortexhub/cortex/pkg/models"
)

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects, pings, and ensures the schema.
func NewPostgresStore(ctx context.Context, connURL string, maxConns int) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(connURL)
	if err != nil {
		return nil, fmt.Errorf("postgres config: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	s := &PostgresStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres schema: %w", err)
	}
	log.Info().Int("max_conns", maxConns).Msg("postgres store initialized")
	return s, nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS organizations (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS users (
	id            TEXT PRIMARY KEY,
	username      TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	role          TEXT NOT NULL DEFAULT 'user',
	org_id        TEXT REFERENCES organizations(id),
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS api_keys (
	id           TEXT PRIMARY KEY,
	prefix       TEXT NOT NULL,
	hash         TEXT NOT NULL,
	scopes       TEXT[] NOT NULL DEFAULT '{}',
	ip_allowlist TEXT[] NOT NULL DEFAULT '{}',
	user_id      TEXT REFERENCES users(id) ON DELETE SET NULL,
	org_id       TEXT REFERENCES organizations(id),
	expires_at   TIMESTAMPTZ,
	revoked_at   TIMESTAMPTZ,
	last_used_at TIMESTAMPTZ,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_api_keys_prefix ON api_keys (prefix);
CREATE INDEX IF NOT EXISTS idx_api_keys_user ON api_keys (user_id);

CREATE TABLE IF NOT EXISTS models (
	id                  BIGSERIAL PRIMARY KEY,
	name                TEXT NOT NULL,
	served_model_name   TEXT NOT NULL,
	engine              TEXT NOT NULL,
	task                TEXT NOT NULL DEFAULT 'generate',
	source              TEXT NOT NULL DEFAULT 'local-path',
	local_path          TEXT NOT NULL DEFAULT '',
	repo_id             TEXT NOT NULL DEFAULT '',
	tokenizer_override  TEXT NOT NULL DEFAULT '',
	hf_config_path      TEXT NOT NULL DEFAULT '',
	state               TEXT NOT NULL DEFAULT 'stopped',
	container_name      TEXT NOT NULL DEFAULT '',
	host_port           INTEGER NOT NULL DEFAULT 0,
	selected_gpus       INTEGER[] NOT NULL DEFAULT '{}',
	engine_config       JSONB NOT NULL DEFAULT '{}',
	request_defaults    JSONB NOT NULL DEFAULT '{}',
	startup_timeout_sec INTEGER NOT NULL DEFAULT 0,
	offline             BOOLEAN NOT NULL DEFAULT FALSE,
	last_error          TEXT NOT NULL DEFAULT '',
	created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_models_state ON models (state);
CREATE UNIQUE INDEX IF NOT EXISTS idx_models_served_name_active
	ON models (served_model_name) WHERE state <> 'stopped';

CREATE TABLE IF NOT EXISTS usage (
	id                BIGSERIAL PRIMARY KEY,
	ts                TIMESTAMPTZ NOT NULL,
	request_id        TEXT NOT NULL DEFAULT '',
	api_key_id        TEXT REFERENCES api_keys(id) ON DELETE SET NULL,
	user_id           TEXT NOT NULL DEFAULT '',
	org_id            TEXT NOT NULL DEFAULT '',
	model             TEXT NOT NULL,
	task              TEXT NOT NULL DEFAULT '',
	endpoint          TEXT NOT NULL,
	prompt_tokens     BIGINT NOT NULL DEFAULT 0,
	completion_tokens BIGINT NOT NULL DEFAULT 0,
	total_tokens      BIGINT NOT NULL DEFAULT 0,
	latency_ms        BIGINT NOT NULL DEFAULT 0,
	ttft_ms           BIGINT,
	status_code       INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_usage_ts ON usage (ts);
CREATE INDEX IF NOT EXISTS idx_usage_key_ts ON usage (api_key_id, ts);
CREATE INDEX IF NOT EXISTS idx_usage_model_ts ON usage (model, ts);

CREATE TABLE IF NOT EXISTS config_kv (
	key        TEXT PRIMARY KEY,
	value      JSONB NOT NULL DEFAULT 'null',
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS sessions (
	token      TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	expires_at TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS deployment_jobs (
	id          TEXT PRIMARY KEY,
	type        TEXT NOT NULL,
	status      TEXT NOT NULL,
	progress    DOUBLE PRECISION NOT NULL DEFAULT 0,
	step        TEXT NOT NULL DEFAULT '',
	error       TEXT NOT NULL DEFAULT '',
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ,
	result      JSONB
);
`

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schemaDDL)
	return err
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }
func (s *PostgresStore) Close() error                   { s.pool.Close(); return nil }

// mapErr converts pgx errors to the store's typed errors.
func mapErr(err error, entity, key string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return &ErrNotFound{Entity: entity, Key: key}
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return &ErrConflict{Entity: entity, Reason: pgErr.ConstraintName}
	}
	return err
}

func scopesToStrings(scopes []models.Scope) []string {
	out := make([]string, len(scopes))
	for i, sc := range scopes {
		out[i] = string(sc)
	}
	return out
}

func stringsToScopes(ss []string) []models.Scope {
	out := make([]models.Scope, len(ss))
	for i, s := range ss {
		out[i] = models.Scope(s)
	}
	return out
}

// ── Organizations ───────────────────────────────────────────

func (s *PostgresStore) ListOrgs(ctx context.Context) ([]models.Organization, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, created_at FROM organizations ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Organization
	for rows.Next() {
		var o models.Organization
		if err := rows.Scan(&o.ID, &o.Name, &o.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetOrg(ctx context.Context, id string) (*models.Organization, error) {
	var o models.Organization
	err := s.pool.QueryRow(ctx, `SELECT id, name, created_at FROM organizations WHERE id = $1`, id).
		Scan(&o.ID, &o.Name, &o.CreatedAt)
	if err != nil {
		return nil, mapErr(err, "organization", id)
	}
	return &o, nil
}

func (s *PostgresStore) CreateOrg(ctx context.Context, org *models.Organization) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO organizations (id, name, created_at) VALUES ($1, $2, $3)`,
		org.ID, org.Name, org.CreatedAt)
	return mapErr(err, "organization", org.ID)
}

func (s *PostgresStore) DeleteOrg(ctx context.Context, id string) error {
	var active int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM api_keys
		 WHERE org_id = $1 AND revoked_at IS NULL
		   AND (expires_at IS NULL OR expires_at > NOW())`, id).Scan(&active)
	if err != nil {
		return err
	}
	if active > 0 {
		return &ErrConflict{Entity: "organization", Reason: "active api keys exist"}
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM organizations WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "organization", Key: id}
	}
	return nil
}

// ── Users ───────────────────────────────────────────────────

const userCols = `id, username, password_hash, role, COALESCE(org_id, ''), created_at`

func scanUser(row pgx.Row) (*models.User, error) {
	var u models.User
	if err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.OrgID, &u.CreatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]models.User, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+userCols+` FROM users ORDER BY username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *u)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE id = $1`, id))
	if err != nil {
		return nil, mapErr(err, "user", id)
	}
	return u, nil
}

func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE username = $1`, username))
	if err != nil {
		return nil, mapErr(err, "user", username)
	}
	return u, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, user *models.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, username, password_hash, role, org_id, created_at)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6)`,
		user.ID, user.Username, user.PasswordHash, user.Role, user.OrgID, user.CreatedAt)
	return mapErr(err, "user", user.Username)
}

func (s *PostgresStore) UpdateUserRole(ctx context.Context, id string, role models.Role) error {
	tag, err := s.pool.Exec(ctx, `UPDATE users SET role = $2 WHERE id = $1`, id, role)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "user", Key: id}
	}
	return nil
}

func (s *PostgresStore) DeleteUser(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "user", Key: id}
	}
	return nil
}

func (s *PostgresStore) CountUsers(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM users`).Scan(&n)
	return n, err
}

// ── API keys ────────────────────────────────────────────────

const keyCols = `id, prefix, hash, scopes, ip_allowlist, COALESCE(user_id, ''), COALESCE(org_id, ''),
	expires_at, revoked_at, last_used_at, created_at`

func scanKey(row pgx.Row) (*models.APIKey, error) {
	var k models.APIKey
	var scopes, allow []string
	if err := row.Scan(&k.ID, &k.Prefix, &k.Hash, &scopes, &allow, &k.UserID, &k.OrgID,
		&k.ExpiresAt, &k.RevokedAt, &k.LastUsedAt, &k.CreatedAt); err != nil {
		return nil, err
	}
	k.Scopes = stringsToScopes(scopes)
	k.IPAllowlist = allow
	return &k, nil
}

func (s *PostgresStore) listKeys(ctx context.Context, where string, args ...any) ([]models.APIKey, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+keyCols+` FROM api_keys `+where+` ORDER BY created_at DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.APIKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *k)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListKeys(ctx context.Context) ([]models.APIKey, error) {
	return s.listKeys(ctx, ``)
}

func (s *PostgresStore) ListKeysByUser(ctx context.Context, userID string) ([]models.APIKey, error) {
	return s.listKeys(ctx, `WHERE user_id = $1`, userID)
}

func (s *PostgresStore) GetKey(ctx context.Context, id string) (*models.APIKey, error) {
	k, err := scanKey(s.pool.QueryRow(ctx, `SELECT `+keyCols+` FROM api_keys WHERE id = $1`, id))
	if err != nil {
		return nil, mapErr(err, "api key", id)
	}
	return k, nil
}

func (s *PostgresStore) GetKeyByPrefix(ctx context.Context, prefix string) (*models.APIKey, error) {
	k, err := scanKey(s.pool.QueryRow(ctx, `SELECT `+keyCols+` FROM api_keys WHERE prefix = $1`, prefix))
	if err != nil {
		return nil, mapErr(err, "api key", prefix)
	}
	return k, nil
}

func (s *PostgresStore) CreateKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, prefix, hash, scopes, ip_allowlist, user_id, org_id, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8, $9)`,
		key.ID, key.Prefix, key.Hash, scopesToStrings(key.Scopes), key.IPAllowlist,
		key.UserID, key.OrgID, key.ExpiresAt, key.CreatedAt)
	return mapErr(err, "api key", key.ID)
}

func (s *PostgresStore) RevokeKey(ctx context.Context, id string, at time.Time) error {
	// COALESCE keeps the original revocation time; revocation is one-way.
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET revoked_at = COALESCE(revoked_at, $2) WHERE id = $1`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "api key", Key: id}
	}
	return nil
}

func (s *PostgresStore) TouchKeyLastUsed(ctx context.Context, id string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE api_keys SET last_used_at = $2 WHERE id = $1`, id, at)
	return err
}

func (s *PostgresStore) DeleteKey(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM api_keys WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "api key", Key: id}
	}
	return nil
}

// ── Models ──────────────────────────────────────────────────

const modelCols = `id, name, served_model_name, engine, task, source, local_path, repo_id,
	tokenizer_override, hf_config_path, state, container_name, host_port, selected_gpus,
	engine_config, request_defaults, startup_timeout_sec, offline, last_error, created_at, updated_at`

func scanModel(row pgx.Row) (*models.Model, error) {
	var m models.Model
	if err := row.Scan(&m.ID, &m.Name, &m.ServedModelName, &m.Engine, &m.Task, &m.Source,
		&m.LocalPath, &m.RepoID, &m.TokenizerOverride, &m.HFConfigPath, &m.State,
		&m.ContainerName, &m.HostPort, &m.SelectedGPUs, &m.EngineConfig, &m.RequestDefaults,
		&m.StartupTimeoutSec, &m.Offline, &m.LastError, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *PostgresStore) ListModels(ctx context.Context) ([]models.Model, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+modelCols+` FROM models ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Model
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetModel(ctx context.Context, id int64) (*models.Model, error) {
	m, err := scanModel(s.pool.QueryRow(ctx, `SELECT `+modelCols+` FROM models WHERE id = $1`, id))
	if err != nil {
		return nil, mapErr(err, "model", strconv.FormatInt(id, 10))
	}
	return m, nil
}

func (s *PostgresStore) GetModelByServedName(ctx context.Context, servedName string) (*models.Model, error) {
	m, err := scanModel(s.pool.QueryRow(ctx,
		`SELECT `+modelCols+` FROM models WHERE served_model_name = $1 AND state <> 'stopped'`, servedName))
	if err != nil {
		return nil, mapErr(err, "model", servedName)
	}
	return m, nil
}

func rawOrEmpty(raw []byte) []byte {
	if len(raw) == 0 {
		return []byte(`{}`)
	}
	return raw
}

func (s *PostgresStore) CreateModel(ctx context.Context, m *models.Model) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO models (name, served_model_name, engine, task, source, local_path, repo_id,
			tokenizer_override, hf_config_path, state, container_name, host_port, selected_gpus,
			engine_config, request_defaults, startup_timeout_sec, offline, last_error, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
		 RETURNING id`,
		m.Name, m.ServedModelName, m.Engine, m.Task, m.Source, m.LocalPath, m.RepoID,
		m.TokenizerOverride, m.HFConfigPath, m.State, m.ContainerName, m.HostPort, m.SelectedGPUs,
		rawOrEmpty(m.EngineConfig), rawOrEmpty(m.RequestDefaults), m.StartupTimeoutSec,
		m.Offline, m.LastError, m.CreatedAt, m.UpdatedAt).Scan(&m.ID)
	return mapErr(err, "model", m.ServedModelName)
}

func (s *PostgresStore) UpdateModel(ctx context.Context, m *models.Model) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE models SET name=$2, served_model_name=$3, engine=$4, task=$5, source=$6,
			local_path=$7, repo_id=$8, tokenizer_override=$9, hf_config_path=$10, state=$11,
			container_name=$12, host_port=$13, selected_gpus=$14, engine_config=$15,
			request_defaults=$16, startup_timeout_sec=$17, offline=$18, last_error=$19, updated_at=$20
		 WHERE id = $1`,
		m.ID, m.Name, m.ServedModelName, m.Engine, m.Task, m.Source, m.LocalPath, m.RepoID,
		m.TokenizerOverride, m.HFConfigPath, m.State, m.ContainerName, m.HostPort, m.SelectedGPUs,
		rawOrEmpty(m.EngineConfig), rawOrEmpty(m.RequestDefaults), m.StartupTimeoutSec,
		m.Offline, m.LastError, m.UpdatedAt)
	if err != nil {
		return mapErr(err, "model", m.ServedModelName)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "model", Key: strconv.FormatInt(m.ID, 10)}
	}
	return nil
}

func (s *PostgresStore) DeleteModel(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM models WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "model", Key: strconv.FormatInt(id, 10)}
	}
	return nil
}

func (s *PostgresStore) ResetModelStates(ctx context.Context) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE models SET state = 'stopped', container_name = '', host_port = 0`)
	return err
}

// ── Usage ───────────────────────────────────────────────────

func (s *PostgresStore) InsertUsage(ctx context.Context, records []models.UsageRecord) error {
	if len(records) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for i := range records {
		r := &records[i]
		batch.Queue(
			`INSERT INTO usage (ts, request_id, api_key_id, user_id, org_id, model, task, endpoint,
				prompt_tokens, completion_tokens, total_tokens, latency_ms, ttft_ms, status_code)
			 VALUES ($1,$2,NULLIF($3,''),$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
			r.Timestamp, r.RequestID, r.APIKeyID, r.UserID, r.OrgID, r.Model, r.Task, r.Endpoint,
			r.PromptTokens, r.CompletionTokens, r.TotalTokens, r.LatencyMs, r.TTFTMs, r.StatusCode)
	}
	return s.pool.SendBatch(ctx, batch).Close()
}

func usageWhere(f UsageFilter) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.From != nil {
		add("ts >= $%d", *f.From)
	}
	if f.To != nil {
		add("ts < $%d", *f.To)
	}
	if f.Model != "" {
		add("model = $%d", f.Model)
	}
	if f.Task != "" {
		add("task = $%d", f.Task)
	}
	if f.APIKeyID != "" {
		add("api_key_id = $%d", f.APIKeyID)
	}
	if f.StatusClass != "" {
		lo := 200
		switch f.StatusClass {
		case "4xx":
			lo = 400
		case "5xx":
			lo = 500
		}
		add("status_code >= $%d", lo)
		add("status_code < $%d", lo+100)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (s *PostgresStore) QueryUsage(ctx context.Context, f UsageFilter) ([]models.UsageRecord, error) {
	where, args := usageWhere(f)
	q := `SELECT id, ts, request_id, COALESCE(api_key_id, ''), user_id, org_id, model, task, endpoint,
		prompt_tokens, completion_tokens, total_tokens, latency_ms, ttft_ms, status_code
		FROM usage` + where + ` ORDER BY ts DESC, id DESC`
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	if f.Offset > 0 {
		q += fmt.Sprintf(" OFFSET %d", f.Offset)
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.UsageRecord
	for rows.Next() {
		var r models.UsageRecord
		if err := rows.Scan(&r.ID, &r.Timestamp, &r.RequestID, &r.APIKeyID, &r.UserID, &r.OrgID,
			&r.Model, &r.Task, &r.Endpoint, &r.PromptTokens, &r.CompletionTokens, &r.TotalTokens,
			&r.LatencyMs, &r.TTFTMs, &r.StatusCode); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CountUsage(ctx context.Context, f UsageFilter) (int64, error) {
	where, args := usageWhere(f)
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM usage`+where, args...).Scan(&n)
	return n, err
}

// ── Config KV ───────────────────────────────────────────────

func (s *PostgresStore) GetConfigKV(ctx context.Context, key string) (*models.ConfigKV, error) {
	var kv models.ConfigKV
	err := s.pool.QueryRow(ctx,
		`SELECT key, value, updated_at FROM config_kv WHERE key = $1`, key).
		Scan(&kv.Key, &kv.Value, &kv.UpdatedAt)
	if err != nil {
		return nil, mapErr(err, "config", key)
	}
	return &kv, nil
}

func (s *PostgresStore) SetConfigKV(ctx context.Context, kv *models.ConfigKV) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO config_kv (key, value, updated_at) VALUES ($1, $2, NOW())
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`,
		kv.Key, rawOrEmpty(kv.Value))
	return err
}

func (s *PostgresStore) ListConfigKV(ctx context.Context) ([]models.ConfigKV, error) {
	rows, err := s.pool.Query(ctx, `SELECT key, value, updated_at FROM config_kv ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.ConfigKV
	for rows.Next() {
		var kv models.ConfigKV
		if err := rows.Scan(&kv.Key, &kv.Value, &kv.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, kv)
	}
	return out, rows.Err()
}

// ── Sessions ────────────────────────────────────────────────

func (s *PostgresStore) CreateSession(ctx context.Context, sess *models.Session) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (token, user_id, expires_at, created_at) VALUES ($1, $2, $3, $4)`,
		sess.Token, sess.UserID, sess.ExpiresAt, sess.CreatedAt)
	return err
}

func (s *PostgresStore) GetSession(ctx context.Context, token string) (*models.Session, error) {
	var sess models.Session
	err := s.pool.QueryRow(ctx,
		`SELECT token, user_id, expires_at, created_at FROM sessions WHERE token = $1`, token).
		Scan(&sess.Token, &sess.UserID, &sess.ExpiresAt, &sess.CreatedAt)
	if err != nil {
		return nil, mapErr(err, "session", "token")
	}
	return &sess, nil
}

func (s *PostgresStore) DeleteSession(ctx context.Context, token string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE token = $1`, token)
	return err
}

func (s *PostgresStore) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE expires_at < $1`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ── Deployment jobs ─────────────────────────────────────────

func (s *PostgresStore) SaveDeploymentJob(ctx context.Context, job *models.DeploymentJob) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO deployment_jobs (id, type, status, progress, step, error, started_at, finished_at, result)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		 ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, progress = EXCLUDED.progress,
			step = EXCLUDED.step, error = EXCLUDED.error, finished_at = EXCLUDED.finished_at,
			result = EXCLUDED.result`,
		job.ID, job.Type, job.Status, job.Progress, job.Step, job.Error,
		job.StartedAt, job.FinishedAt, job.Result)
	return err
}

func (s *PostgresStore) LatestDeploymentJob(ctx context.Context) (*models.DeploymentJob, error) {
	var job models.DeploymentJob
	err := s.pool.QueryRow(ctx,
		`SELECT id, type, status, progress, step, error, started_at, finished_at, result
		 FROM deployment_jobs ORDER BY started_at DESC LIMIT 1`).
		Scan(&job.ID, &job.Type, &job.Status, &job.Progress, &job.Step, &job.Error,
			&job.StartedAt, &job.FinishedAt, &job.Result)
	if err != nil {
		return nil, mapErr(err, "deployment job", "latest")
	}
	return &job, nil
}
