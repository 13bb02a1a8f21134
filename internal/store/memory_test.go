package store_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/cortexhub/cortex/internal/store"
	"github.com/cortexhub/cortex/pkg/models"
)

func newModel(name string, state models.ModelState) *models.Model {
	now := time.Now().UTC()
	return &models.Model{
		Name:            name,
		ServedModelName: name,
		Engine:          models.EngineLlamaCpp,
		Task:            models.TaskGenerate,
		Source:          models.SourceLocalPath,
		LocalPath:       "/models/" + name + ".gguf",
		State:           state,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func TestServedNameUniqueAmongActive(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	if err := s.CreateModel(ctx, newModel("llama-8b", models.StateRunning)); err != nil {
		t.Fatalf("CreateModel: %v", err)
	}

	// Same served name while the first is active must conflict.
	err := s.CreateModel(ctx, newModel("llama-8b", models.StateRunning))
	if !store.IsConflict(err) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	// A stopped model may reuse the name.
	if err := s.CreateModel(ctx, newModel("llama-8b", models.StateStopped)); err != nil {
		t.Fatalf("stopped duplicate should be allowed: %v", err)
	}
}

func TestGetModelByServedNameSkipsStopped(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	stopped := newModel("phi-4", models.StateStopped)
	if err := s.CreateModel(ctx, stopped); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetModelByServedName(ctx, "phi-4"); !store.IsNotFound(err) {
		t.Fatalf("stopped model should not resolve, got %v", err)
	}

	running := newModel("phi-4b", models.StateRunning)
	if err := s.CreateModel(ctx, running); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetModelByServedName(ctx, "phi-4b")
	if err != nil {
		t.Fatalf("GetModelByServedName: %v", err)
	}
	if got.ID != running.ID {
		t.Errorf("resolved id = %d, want %d", got.ID, running.ID)
	}
}

func TestRevokeKeyIsOneWay(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	key := &models.APIKey{ID: "k1", Prefix: "ck-abc12", Hash: "h", Scopes: []models.Scope{models.ScopeChat}, CreatedAt: time.Now()}
	if err := s.CreateKey(ctx, key); err != nil {
		t.Fatal(err)
	}

	first := time.Now().UTC()
	if err := s.RevokeKey(ctx, "k1", first); err != nil {
		t.Fatal(err)
	}
	// A second revocation must not move the timestamp.
	if err := s.RevokeKey(ctx, "k1", first.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetKey(ctx, "k1")
	if got.RevokedAt == nil || !got.RevokedAt.Equal(first) {
		t.Errorf("revoked_at = %v, want %v", got.RevokedAt, first)
	}
}

func TestDeleteOrgBlockedByActiveKeys(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	if err := s.CreateOrg(ctx, &models.Organization{ID: "o1", Name: "acme"}); err != nil {
		t.Fatal(err)
	}
	key := &models.APIKey{ID: "k1", Prefix: "ck-abc12", Hash: "h", OrgID: "o1", CreatedAt: time.Now()}
	if err := s.CreateKey(ctx, key); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteOrg(ctx, "o1"); !store.IsConflict(err) {
		t.Fatalf("expected conflict while key active, got %v", err)
	}

	if err := s.RevokeKey(ctx, "k1", time.Now().UTC()); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteOrg(ctx, "o1"); err != nil {
		t.Fatalf("delete after revoke: %v", err)
	}
}

func TestUsageQueryOrderAndFilters(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	records := []models.UsageRecord{
		{Timestamp: base, Model: "m1", Endpoint: "/v1/chat/completions", StatusCode: 200, TotalTokens: 8},
		{Timestamp: base.Add(time.Second), Model: "m2", Endpoint: "/v1/completions", StatusCode: 503},
		{Timestamp: base.Add(time.Second), Model: "m1", Endpoint: "/v1/chat/completions", StatusCode: 200},
	}
	if err := s.InsertUsage(ctx, records); err != nil {
		t.Fatal(err)
	}

	got, err := s.QueryUsage(ctx, store.UsageFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	// Newest first; equal timestamps break ties by id descending.
	if got[0].ID != 3 || got[1].ID != 2 || got[2].ID != 1 {
		t.Errorf("order = %d,%d,%d, want 3,2,1", got[0].ID, got[1].ID, got[2].ID)
	}

	only5xx, err := s.QueryUsage(ctx, store.UsageFilter{StatusClass: "5xx"})
	if err != nil {
		t.Fatal(err)
	}
	if len(only5xx) != 1 || only5xx[0].Model != "m2" {
		t.Errorf("5xx filter returned %v", only5xx)
	}

	m1, err := s.QueryUsage(ctx, store.UsageFilter{Model: "m1", Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(m1) != 1 || m1[0].ID != 3 {
		t.Errorf("model filter with limit returned %v", m1)
	}
}

func TestDumpRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := store.NewMemoryStore()

	if err := src.CreateUser(ctx, &models.User{ID: "u1", Username: "admin", PasswordHash: "x", Role: models.RoleAdmin}); err != nil {
		t.Fatal(err)
	}
	m := newModel("qwen-7b", models.StateRunning)
	if err := src.CreateModel(ctx, m); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := src.Dump(ctx, &buf); err != nil {
		t.Fatalf("Dump: %v", err)
	}

	dst := store.NewMemoryStore()
	if err := dst.Restore(ctx, &buf, true); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	if _, err := dst.GetUserByUsername(ctx, "admin"); err != nil {
		t.Errorf("restored user missing: %v", err)
	}
	got, err := dst.GetModel(ctx, m.ID)
	if err != nil {
		t.Fatalf("restored model missing: %v", err)
	}
	if got.ServedModelName != "qwen-7b" {
		t.Errorf("served name = %q", got.ServedModelName)
	}
}
