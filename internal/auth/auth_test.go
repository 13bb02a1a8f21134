package auth_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cortexhub/cortex/internal/auth"
	"github.com/cortexhub/cortex/internal/store"
	"github.com/cortexhub/cortex/pkg/models"
)

func seedKey(t *testing.T, s store.Store, scopes []models.Scope, allowlist []string) (string, *models.APIKey) {
	t.Helper()
	token, prefix, hash, err := auth.MintToken()
	if err != nil {
		t.Fatal(err)
	}
	key := &models.APIKey{
		ID:          "key-" + prefix,
		Prefix:      prefix,
		Hash:        hash,
		Scopes:      scopes,
		IPAllowlist: allowlist,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.CreateKey(context.Background(), key); err != nil {
		t.Fatal(err)
	}
	return token, key
}

func request(path, token, remoteAddr string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, path, nil)
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	if remoteAddr != "" {
		r.RemoteAddr = remoteAddr
	}
	return r
}

func newAuthenticator(s store.Store) *auth.Authenticator {
	return auth.NewAuthenticator(s, nil, time.Minute)
}

func TestScopeMapping(t *testing.T) {
	s := store.NewMemoryStore()
	a := newAuthenticator(s)
	chatToken, _ := seedKey(t, s, []models.Scope{models.ScopeChat}, nil)

	cases := []struct {
		path    string
		wantErr auth.Reason
	}{
		{"/v1/chat/completions", ""},
		{"/v1/completions", auth.ReasonScopeNotPermitted},
		{"/v1/embeddings", auth.ReasonScopeNotPermitted},
		{"/v1/models", ""}, // any scope suffices
	}
	for _, tc := range cases {
		_, err := a.AuthenticateKey(context.Background(), request(tc.path, chatToken, "10.0.0.1:1234"))
		if tc.wantErr == "" {
			if err != nil {
				t.Errorf("%s: unexpected error %v", tc.path, err)
			}
			continue
		}
		ae, ok := err.(*auth.Error)
		if !ok || ae.Reason != tc.wantErr {
			t.Errorf("%s: got %v, want %s", tc.path, err, tc.wantErr)
		}
	}
}

func TestInvalidPrefixAndBadSecretLookAlike(t *testing.T) {
	s := store.NewMemoryStore()
	a := newAuthenticator(s)
	token, _ := seedKey(t, s, []models.Scope{models.ScopeChat}, nil)

	// Unknown prefix.
	_, err1 := a.AuthenticateKey(context.Background(), request("/v1/chat/completions", "ck-ffffffff0000000000000000000000000000dead", "1.2.3.4:1"))
	// Known prefix, wrong secret.
	tampered := token[:len(token)-4] + "0000"
	_, err2 := a.AuthenticateKey(context.Background(), request("/v1/chat/completions", tampered, "1.2.3.4:1"))

	for i, err := range []error{err1, err2} {
		ae, ok := err.(*auth.Error)
		if !ok || ae.Reason != auth.ReasonInvalidCredentials {
			t.Errorf("case %d: got %v, want invalid_credentials", i, err)
		}
	}
}

func TestRevokedAndExpired(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	a := newAuthenticator(s)

	revToken, revKey := seedKey(t, s, []models.Scope{models.ScopeChat}, nil)
	if err := s.RevokeKey(ctx, revKey.ID, time.Now().UTC()); err != nil {
		t.Fatal(err)
	}
	_, err := a.AuthenticateKey(ctx, request("/v1/chat/completions", revToken, "1.2.3.4:1"))
	if ae, ok := err.(*auth.Error); !ok || ae.Reason != auth.ReasonRevoked {
		t.Errorf("revoked: got %v", err)
	}

	expToken, _, expHash, _ := auth.MintToken()
	past := time.Now().UTC().Add(-time.Hour)
	expKey := &models.APIKey{
		ID: "exp", Prefix: strings.TrimPrefix(expToken, "ck-")[:8], Hash: expHash,
		Scopes: []models.Scope{models.ScopeChat}, ExpiresAt: &past, CreatedAt: past,
	}
	if err := s.CreateKey(ctx, expKey); err != nil {
		t.Fatal(err)
	}
	_, err = a.AuthenticateKey(ctx, request("/v1/chat/completions", expToken, "1.2.3.4:1"))
	if ae, ok := err.(*auth.Error); !ok || ae.Reason != auth.ReasonExpired {
		t.Errorf("expired: got %v", err)
	}
}

func TestIPAllowlist(t *testing.T) {
	s := store.NewMemoryStore()
	a := newAuthenticator(s)
	token, _ := seedKey(t, s, []models.Scope{models.ScopeChat}, []string{"10.1.0.0/16", "192.168.7.7"})

	allowed := []string{"10.1.2.3:555", "10.1.255.254:1", "192.168.7.7:9"}
	for _, addr := range allowed {
		if _, err := a.AuthenticateKey(context.Background(), request("/v1/chat/completions", token, addr)); err != nil {
			t.Errorf("addr %s should be allowed: %v", addr, err)
		}
	}

	blocked := []string{"10.2.0.1:555", "192.168.7.8:9", "8.8.8.8:53"}
	for _, addr := range blocked {
		_, err := a.AuthenticateKey(context.Background(), request("/v1/chat/completions", token, addr))
		if ae, ok := err.(*auth.Error); !ok || ae.Reason != auth.ReasonIPNotAllowed {
			t.Errorf("addr %s: got %v, want ip_not_allowed", addr, err)
		}
	}
}

func TestTrustedProxyResolution(t *testing.T) {
	s := store.NewMemoryStore()
	a := auth.NewAuthenticator(s, []string{"172.16.0.0/12"}, time.Minute)
	token, _ := seedKey(t, s, []models.Scope{models.ScopeChat}, []string{"203.0.113.0/24"})

	// Request arrives via a trusted proxy carrying the real client in XFF.
	r := request("/v1/chat/completions", token, "172.16.0.9:7000")
	r.Header.Set("X-Forwarded-For", "203.0.113.50, 172.16.0.9")
	if _, err := a.AuthenticateKey(context.Background(), r); err != nil {
		t.Errorf("forwarded client should be allowed: %v", err)
	}

	// Spoofed XFF from an untrusted peer is ignored.
	r2 := request("/v1/chat/completions", token, "198.51.100.20:7000")
	r2.Header.Set("X-Forwarded-For", "203.0.113.50")
	_, err := a.AuthenticateKey(context.Background(), r2)
	if ae, ok := err.(*auth.Error); !ok || ae.Reason != auth.ReasonIPNotAllowed {
		t.Errorf("spoofed XFF: got %v, want ip_not_allowed", err)
	}
}

func TestMissingCredentials(t *testing.T) {
	a := newAuthenticator(store.NewMemoryStore())
	_, err := a.AuthenticateKey(context.Background(), request("/v1/chat/completions", "", "1.2.3.4:1"))
	if ae, ok := err.(*auth.Error); !ok || ae.Reason != auth.ReasonMissingCredentials {
		t.Errorf("got %v, want missing_credentials", err)
	}
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	if err := auth.Bootstrap(ctx, s, "admin", "hunter22"); err != nil {
		t.Fatal(err)
	}
	sm := auth.NewSessionManager(s, time.Hour)

	if _, _, err := sm.Login(ctx, "admin", "wrong"); err == nil {
		t.Fatal("wrong password accepted")
	}
	token, user, err := sm.Login(ctx, "admin", "hunter22")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if user.Role != models.RoleAdmin {
		t.Errorf("role = %s", user.Role)
	}

	got, err := sm.Validate(ctx, token)
	if err != nil || got.Username != "admin" {
		t.Fatalf("validate: %v %v", got, err)
	}

	if err := sm.Logout(ctx, token); err != nil {
		t.Fatal(err)
	}
	if _, err := sm.Validate(ctx, token); err == nil {
		t.Fatal("session usable after logout")
	}
}
