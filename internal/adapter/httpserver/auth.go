package httpserver

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"

	"github.com/fairyhunter13/outreach-orchestrator/internal/domain"
)

// Argon2Params defines parameters for Argon2id API key hashing.
type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLen     uint32
	KeyLen      uint32
}

var defaultArgon2Params = Argon2Params{
	Memory:      64 * 1024, // 64 MB
	Iterations:  3,
	Parallelism: 2,
	SaltLen:     16,
	KeyLen:      32,
}

// HashAPIKey creates an Argon2id hash of an API key secret.
// Format: argon2id$iterations$memory$parallelism$salt$hash (base64 raw std).
func HashAPIKey(secret string, params Argon2Params) (string, error) {
	salt := make([]byte, params.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	hash := argon2.IDKey([]byte(secret), salt, params.Iterations, params.Memory, params.Parallelism, params.KeyLen)
	return fmt.Sprintf("argon2id$%d$%d$%d$%s$%s",
		params.Iterations,
		params.Memory,
		params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

// VerifyAPIKey verifies a secret against its Argon2id hash.
func VerifyAPIKey(secret, encodedHash string) bool {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 || parts[0] != "argon2id" {
		return false
	}
	iters, err1 := parseUint32(parts[1])
	mem, err2 := parseUint32(parts[2])
	par64, err3 := parseUint32(parts[3])
	if err1 != nil || err2 != nil || err3 != nil {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}
	expected, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false
	}
	var par uint8
	if par64 > math.MaxUint8 {
		par = math.MaxUint8
	} else {
		par = uint8(par64)
	}
	actual := argon2.IDKey([]byte(secret), salt, iters, mem, par, defaultArgon2Params.KeyLen)
	return subtle.ConstantTimeCompare(actual, expected) == 1
}

// TokenClaims is what a validated bearer token carries.
type TokenClaims struct {
	ClientID  string
	Scopes    []string
	ExpiresAt time.Time
}

// HasScope reports whether the token grants the scope.
func (c TokenClaims) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// TokenManager issues and validates HMAC-signed bearer tokens.
// Token layout: "clientID:scope1 scope2:expiresUnix.signature".
type TokenManager struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenManager constructs a TokenManager.
func NewTokenManager(secret string, ttl time.Duration) *TokenManager {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TokenManager{secret: []byte(secret), ttl: ttl}
}

// TTL returns the configured token lifetime.
func (tm *TokenManager) TTL() time.Duration { return tm.ttl }

// CreateToken issues a bearer token for the client with the given scopes.
func (tm *TokenManager) CreateToken(clientID string, scopes []string) (string, error) {
	if clientID == "" || strings.ContainsAny(clientID, ":.") {
		return "", fmt.Errorf("op=httpserver.CreateToken: bad client id")
	}
	expiresAt := time.Now().Add(tm.ttl)
	payload := fmt.Sprintf("%s:%s:%d", clientID, strings.Join(scopes, " "), expiresAt.Unix())
	mac := hmac.New(sha256.New, tm.secret)
	mac.Write([]byte(payload))
	sig := base64.URLEncoding.EncodeToString(mac.Sum(nil))
	return payload + "." + sig, nil
}

// ValidateToken checks the signature and expiry and returns the claims.
func (tm *TokenManager) ValidateToken(token string) (TokenClaims, error) {
	payload, sigB64, ok := strings.Cut(token, ".")
	if !ok {
		return TokenClaims{}, fmt.Errorf("malformed token: %w", domain.ErrUnauthorized)
	}
	mac := hmac.New(sha256.New, tm.secret)
	mac.Write([]byte(payload))
	expected := mac.Sum(nil)
	actual, err := base64.URLEncoding.DecodeString(sigB64)
	if err != nil || !hmac.Equal(expected, actual) {
		return TokenClaims{}, fmt.Errorf("bad token signature: %w", domain.ErrUnauthorized)
	}
	parts := strings.Split(payload, ":")
	if len(parts) != 3 {
		return TokenClaims{}, fmt.Errorf("malformed token payload: %w", domain.ErrUnauthorized)
	}
	exp, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return TokenClaims{}, fmt.Errorf("malformed token expiry: %w", domain.ErrUnauthorized)
	}
	expiresAt := time.Unix(exp, 0)
	if time.Now().After(expiresAt) {
		return TokenClaims{}, fmt.Errorf("token expired: %w", domain.ErrUnauthorized)
	}
	var scopes []string
	if parts[1] != "" {
		scopes = strings.Split(parts[1], " ")
	}
	return TokenClaims{ClientID: parts[0], Scopes: scopes, ExpiresAt: expiresAt}, nil
}

type claimsKey struct{}

// ClaimsFrom extracts the validated token claims from the request context.
func ClaimsFrom(r *http.Request) (TokenClaims, bool) {
	c, ok := r.Context().Value(claimsKey{}).(TokenClaims)
	return c, ok
}

// BearerAuth validates the Authorization header and stores claims in the
// request context.
func (tm *TokenManager) BearerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, r, fmt.Errorf("missing bearer token: %w", domain.ErrUnauthorized), nil)
			return
		}
		claims, err := tm.ValidateToken(token)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireScope rejects requests whose token lacks the scope.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := ClaimsFrom(r)
			if !ok {
				writeError(w, r, fmt.Errorf("no token claims: %w", domain.ErrUnauthorized), nil)
				return
			}
			if !claims.HasScope(scope) {
				writeError(w, r, fmt.Errorf("scope %s required: %w", scope, domain.ErrForbidden), nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func parseUint32(s string) (uint32, error) {
	x, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("parse")
	}
	return uint32(x), nil
}
