// Package auth implements API-key and session authentication for the
// gateway: token minting and verification, scope checks, source-IP
// allowlists, and admin sessions.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"github.com/cortexhub/cortex/internal/store"
	"github.com/cortexhub/cortex/pkg/models"
)

const (
	tokenPrefix = "ck-"
	prefixLen   = 8
	secretLen   = 32 // hex chars of random secret after the prefix
)

// Reason identifies why authentication failed.
type Reason string

const (
	ReasonMissingCredentials Reason = "missing_credentials"
	ReasonInvalidCredentials Reason = "invalid_credentials"
	ReasonRevoked            Reason = "revoked"
	ReasonExpired            Reason = "expired"
	ReasonIPNotAllowed       Reason = "ip_not_allowed"
	ReasonScopeNotPermitted  Reason = "scope_not_permitted"
)

// Error is a typed authentication/authorization failure.
type Error struct {
	Reason Reason
}

func (e *Error) Error() string { return string(e.Reason) }

// Errf returns the auth error for a reason.
func Errf(r Reason) *Error { return &Error{Reason: r} }

// Principal is the authenticated caller: an API key (inference API) or
// a session-backed user (admin API).
type Principal struct {
	Key  *models.APIKey
	User *models.User
}

// Admin reports whether the principal is an admin session user.
func (p *Principal) Admin() bool {
	return p.User != nil && p.User.Role == models.RoleAdmin
}

// ── Token minting ───────────────────────────────────────────

// MintToken generates a fresh API token. The returned prefix (the first
// 8 characters after "ck-") is what gets stored and displayed; the hash
// is SHA-256 of the whole token.
func MintToken() (token, prefix, hash string, err error) {
	raw := make([]byte, (prefixLen+secretLen)/2)
	if _, err := rand.Read(raw); err != nil {
		return "", "", "", fmt.Errorf("mint token: %w", err)
	}
	body := hex.EncodeToString(raw)
	token = tokenPrefix + body
	return token, body[:prefixLen], HashToken(token), nil
}

// HashToken hashes a full token the way the store keeps it.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// splitToken extracts the lookup prefix from a presented token.
func splitToken(token string) (prefix string, ok bool) {
	if !strings.HasPrefix(token, tokenPrefix) {
		return "", false
	}
	body := token[len(tokenPrefix):]
	if len(body) < prefixLen {
		return "", false
	}
	return body[:prefixLen], true
}

// ── Scope mapping ───────────────────────────────────────────

// RequiredScope maps an inference path to the scope a key must carry.
// The empty return with ok=true means "any scope suffices" (/v1/models).
func RequiredScope(path string) (scope models.Scope, any bool, known bool) {
	switch {
	case strings.HasPrefix(path, "/v1/chat/completions"):
		return models.ScopeChat, false, true
	case strings.HasPrefix(path, "/v1/completions"):
		return models.ScopeCompletions, false, true
	case strings.HasPrefix(path, "/v1/embeddings"):
		return models.ScopeEmbeddings, false, true
	case strings.HasPrefix(path, "/v1/models"):
		return "", true, true
	}
	return "", false, false
}

// ── Authenticator ───────────────────────────────────────────

// Authenticator verifies API keys against the store.
type Authenticator struct {
	store store.Store

	// DevBypass skips key verification entirely (local development).
	DevBypass bool

	trustedProxies []*net.IPNet

	// lastUsed throttles last_used_at writes to at most one per key per
	// interval; the write itself happens off the request path.
	lastUsedMu       sync.Mutex
	lastUsed         map[string]time.Time
	lastUsedInterval time.Duration
}

// NewAuthenticator builds an Authenticator. trustedProxies are CIDRs
// whose X-Forwarded-For entries are trusted when resolving the client.
func NewAuthenticator(s store.Store, trustedProxies []string, lastUsedInterval time.Duration) *Authenticator {
	a := &Authenticator{
		store:            s,
		lastUsed:         make(map[string]time.Time),
		lastUsedInterval: lastUsedInterval,
	}
	for _, cidr := range trustedProxies {
		if _, ipnet, err := net.ParseCIDR(cidr); err == nil {
			a.trustedProxies = append(a.trustedProxies, ipnet)
		} else {
			log.Warn().Str("cidr", cidr).Msg("ignoring invalid trusted proxy CIDR")
		}
	}
	return a
}

// BearerToken extracts the bearer token from a request.
func BearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	if k := r.Header.Get("X-API-Key"); k != "" {
		return k
	}
	return ""
}

// AuthenticateKey verifies the bearer token on r and enforces the
// required scope for its path. Failures never reveal whether the prefix
// exists or the secret was wrong.
func (a *Authenticator) AuthenticateKey(ctx context.Context, r *http.Request) (*Principal, error) {
	if a.DevBypass {
		return &Principal{Key: &models.APIKey{ID: "dev", Scopes: models.AllScopes}}, nil
	}

	token := BearerToken(r)
	if token == "" {
		return nil, Errf(ReasonMissingCredentials)
	}
	prefix, ok := splitToken(token)
	if !ok {
		return nil, Errf(ReasonInvalidCredentials)
	}

	key, err := a.store.GetKeyByPrefix(ctx, prefix)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, Errf(ReasonInvalidCredentials)
		}
		return nil, fmt.Errorf("key lookup: %w", err)
	}

	candidate := HashToken(token)
	if subtle.ConstantTimeCompare([]byte(candidate), []byte(key.Hash)) != 1 {
		return nil, Errf(ReasonInvalidCredentials)
	}
	now := time.Now().UTC()
	if key.Revoked() {
		return nil, Errf(ReasonRevoked)
	}
	if key.Expired(now) {
		return nil, Errf(ReasonExpired)
	}
	if len(key.IPAllowlist) > 0 {
		client := a.ClientIP(r)
		if !ipAllowed(client, key.IPAllowlist) {
			return nil, Errf(ReasonIPNotAllowed)
		}
	}

	scope, anyScope, known := RequiredScope(r.URL.Path)
	if known && !anyScope && !key.HasScope(scope) {
		return nil, Errf(ReasonScopeNotPermitted)
	}
	if known && anyScope && len(key.Scopes) == 0 {
		return nil, Errf(ReasonScopeNotPermitted)
	}

	a.touchLastUsed(key.ID, now)
	return &Principal{Key: key}, nil
}

// touchLastUsed updates last_used_at at most once per interval per key.
func (a *Authenticator) touchLastUsed(keyID string, now time.Time) {
	a.lastUsedMu.Lock()
	last, seen := a.lastUsed[keyID]
	if seen && now.Sub(last) < a.lastUsedInterval {
		a.lastUsedMu.Unlock()
		return
	}
	a.lastUsed[keyID] = now
	a.lastUsedMu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.store.TouchKeyLastUsed(ctx, keyID, now); err != nil {
			log.Warn().Err(err).Str("key_id", keyID).Msg("failed to update key last_used_at")
		}
	}()
}

// ClientIP resolves the effective client address: the right-most
// X-Forwarded-For hop that is not a trusted proxy, starting from the
// TCP peer. With no trusted proxies the TCP peer wins.
func (a *Authenticator) ClientIP(r *http.Request) net.IP {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	peer := net.ParseIP(host)
	if len(a.trustedProxies) == 0 || peer == nil || !a.proxyTrusted(peer) {
		return peer
	}

	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		return peer
	}
	hops := strings.Split(xff, ",")
	for i := len(hops) - 1; i >= 0; i-- {
		ip := net.ParseIP(strings.TrimSpace(hops[i]))
		if ip == nil {
			return peer
		}
		if !a.proxyTrusted(ip) {
			return ip
		}
	}
	return peer
}

func (a *Authenticator) proxyTrusted(ip net.IP) bool {
	for _, n := range a.trustedProxies {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func ipAllowed(ip net.IP, cidrs []string) bool {
	if ip == nil {
		return false
	}
	for _, cidr := range cidrs {
		if _, ipnet, err := net.ParseCIDR(cidr); err == nil {
			if ipnet.Contains(ip) {
				return true
			}
		} else if parsed := net.ParseIP(cidr); parsed != nil && parsed.Equal(ip) {
			// Bare addresses are accepted as /32 (or /128) entries.
			return true
		}
	}
	return false
}

// ── Passwords ───────────────────────────────────────────────

// HashPassword hashes a password with bcrypt at default cost.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(h), nil
}

// VerifyPassword checks a password against its bcrypt hash.
func VerifyPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
