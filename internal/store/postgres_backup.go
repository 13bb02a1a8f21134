// Package store — SQL dump and restore for the PostgreSQL store.
// The dump is a plain SQL script of INSERT statements: every column is
// selected as ::text and re-quoted, so Postgres coerces the literals
// back to the column types on restore. Sessions and deployment jobs are
// process-local and excluded.
package store

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"
)

// dumpTables lists tables in foreign-key dependency order.
var dumpTables = []struct {
	name string
	cols []string
}{
	{"organizations", []string{"id", "name", "created_at"}},
	{"users", []string{"id", "username", "password_hash", "role", "org_id", "created_at"}},
	{"api_keys", []string{"id", "prefix", "hash", "scopes", "ip_allowlist", "user_id", "org_id",
		"expires_at", "revoked_at", "last_used_at", "created_at"}},
	{"models", []string{"id", "name", "served_model_name", "engine", "task", "source", "local_path",
		"repo_id", "tokenizer_override", "hf_config_path", "state", "container_name", "host_port",
		"selected_gpus", "engine_config", "request_defaults", "startup_timeout_sec", "offline",
		"last_error", "created_at", "updated_at"}},
	{"usage", []string{"id", "ts", "request_id", "api_key_id", "user_id", "org_id", "model", "task",
		"endpoint", "prompt_tokens", "completion_tokens", "total_tokens", "latency_ms", "ttft_ms",
		"status_code"}},
	{"config_kv", []string{"key", "value", "updated_at"}},
}

// quoteLit single-quotes a SQL string literal.
func quoteLit(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// Dump writes the database content as a SQL script.
func (s *PostgresStore) Dump(ctx context.Context, w io.Writer) error {
	fmt.Fprintf(w, "-- cortex database dump %s\n", time.Now().UTC().Format(time.RFC3339))
	for _, t := range dumpTables {
		if err := s.dumpTable(ctx, w, t.name, t.cols); err != nil {
			return fmt.Errorf("dump %s: %w", t.name, err)
		}
	}
	// Bump serial sequences past the restored ids.
	fmt.Fprintln(w, `SELECT setval(pg_get_serial_sequence('models','id'), (SELECT COALESCE(MAX(id),1) FROM models));`)
	fmt.Fprintln(w, `SELECT setval(pg_get_serial_sequence('usage','id'), (SELECT COALESCE(MAX(id),1) FROM usage));`)
	return nil
}

func (s *PostgresStore) dumpTable(ctx context.Context, w io.Writer, table string, cols []string) error {
	sel := make([]string, len(cols))
	for i, c := range cols {
		sel[i] = c + "::text"
	}
	rows, err := s.pool.Query(ctx, `SELECT `+strings.Join(sel, ", ")+` FROM `+table)
	if err != nil {
		return err
	}
	defer rows.Close()

	colList := strings.Join(cols, ", ")
	vals := make([]*string, len(cols))
	dests := make([]any, len(cols))
	for i := range vals {
		dests[i] = &vals[i]
	}
	for rows.Next() {
		if err := rows.Scan(dests...); err != nil {
			return err
		}
		lits := make([]string, len(vals))
		for i, v := range vals {
			if v == nil {
				lits[i] = "NULL"
			} else {
				lits[i] = quoteLit(*v)
			}
		}
		fmt.Fprintf(w, "INSERT INTO %s (%s) VALUES (%s);\n", table, colList, strings.Join(lits, ", "))
	}
	return rows.Err()
}

// Restore applies a Dump script. With dropExisting, all gateway tables
// are dropped and recreated first. The script is executed as a single
// simple-protocol exec, so Postgres runs it in one implicit transaction.
func (s *PostgresStore) Restore(ctx context.Context, r io.Reader, dropExisting bool) error {
	script, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if dropExisting {
		_, err := s.pool.Exec(ctx,
			`DROP TABLE IF EXISTS deployment_jobs, sessions, usage, config_kv, models, api_keys, users, organizations CASCADE`)
		if err != nil {
			return fmt.Errorf("drop tables: %w", err)
		}
		if err := s.ensureSchema(ctx); err != nil {
			return fmt.Errorf("recreate schema: %w", err)
		}
	}
	if _, err := s.pool.Exec(ctx, string(script)); err != nil {
		return fmt.Errorf("apply dump: %w", err)
	}
	return nil
}
