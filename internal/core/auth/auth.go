// Package auth provides HMAC-based API key authentication for the gRPC rule API.
package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// contextKey is a typed key for context values to avoid collisions.
type contextKey string

// principalKey is the context key for the authenticated principal.
const principalKey = contextKey("principal")

// APIKeyHeader is the metadata key carrying the API key.
const APIKeyHeader = "x-api-key"

// errStore marks failures of the key store rather than of the key.
var errStore = errors.New("database error")

// Queries interface defines database operations needed for authentication.
// Implemented by *db.Queries to allow query loading via LoadQueries().
type Queries interface {
	Get(name string, dest interface{}, args ...interface{}) error
	Exec(name string, args ...interface{}) (sql.Result, error)
}

// Authenticator validates API keys using HMAC-SHA256 signatures.
// Holds in-memory secret map for O(1) lookup and queries for key verification.
type Authenticator struct {
	secrets map[string][]byte
	queries Queries
}

// NewAuthenticator creates an authenticator with HMAC secrets and query interface.
func NewAuthenticator(secrets map[string][]byte, queries Queries) *Authenticator {
	return &Authenticator{
		secrets: secrets,
		queries: queries,
	}
}

// Authenticate validates an API key and returns its principal.
func (a *Authenticator) Authenticate(ctx context.Context, apiKey string) (string, error) {
	secretID, _, err := ParseAPIKey(apiKey)
	if err != nil {
		return "", err
	}

	secret, ok := a.secrets[secretID]
	if !ok {
		return "", ErrUnknownKey
	}

	// key_hash is unique, so at most one row matches.
	var result struct {
		APIKeyID   string       `db:"api_key_id"`
		Principal  string       `db:"principal"`
		RevokedAt  sql.NullTime `db:"revoked_at"`
		LastUsedAt sql.NullTime `db:"last_used_at"`
	}
	err = a.queries.Get("get-api-key-by-hash", &result, ComputeHMAC(secret, apiKey))
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrInvalidKey
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", errStore, err)
	}

	if result.RevokedAt.Valid {
		return "", ErrKeyRevoked
	}

	// Throttle last_used_at writes to one per minute per key.
	if shouldUpdateLastUsed(result.LastUsedAt) {
		_, _ = a.queries.Exec("update-last-used", time.Now().UTC(), result.APIKeyID)
	}

	return result.Principal, nil
}

func shouldUpdateLastUsed(lastUsed sql.NullTime) bool {
	if !lastUsed.Valid {
		return true
	}
	return time.Since(lastUsed.Time) > time.Minute
}

// IssueKey generates a key for principal under secretID, stores its hash and
// returns the key id and the key itself. The key is not recoverable later.
func (a *Authenticator) IssueKey(secretID, principal string) (keyID, apiKey string, err error) {
	secret, ok := a.secrets[secretID]
	if !ok {
		return "", "", fmt.Errorf("%w: %s", ErrUnknownKey, secretID)
	}
	apiKey, hash, err := GenerateAPIKey(secretID, secret)
	if err != nil {
		return "", "", err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return "", "", fmt.Errorf("generate key id: %w", err)
	}
	keyID = id.String()
	if _, err := a.queries.Exec("insert-api-key", keyID, secretID, hash, principal, time.Now().UTC()); err != nil {
		return "", "", fmt.Errorf("store API key: %w", err)
	}
	return keyID, apiKey, nil
}

// RevokeKey marks a key revoked. Revoking twice is an error.
func (a *Authenticator) RevokeKey(keyID string) error {
	res, err := a.queries.Exec("revoke-api-key", time.Now().UTC(), keyID)
	if err != nil {
		return fmt.Errorf("revoke API key: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("API key %s not found or already revoked", keyID)
	}
	return nil
}

// UnaryInterceptor returns gRPC interceptor that authenticates requests.
// Methods listed in skip (health checks) pass through unauthenticated.
func (a *Authenticator) UnaryInterceptor(skip ...string) grpc.UnaryServerInterceptor {
	public := make(map[string]bool, len(skip))
	for _, m := range skip {
		public[m] = true
	}

	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if public[info.FullMethod] {
			return handler(ctx, req)
		}

		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Error(codes.Unauthenticated, "missing metadata")
		}

		apiKeys := md.Get(APIKeyHeader)
		if len(apiKeys) == 0 {
			return nil, status.Error(codes.Unauthenticated, ErrMissingKey.Error())
		}

		principal, err := a.Authenticate(ctx, apiKeys[0])
		switch {
		case err == nil:
		case errors.Is(err, ErrKeyRevoked):
			return nil, status.Error(codes.PermissionDenied, err.Error())
		case errors.Is(err, errStore):
			return nil, status.Error(codes.Unavailable, err.Error())
		default:
			return nil, status.Error(codes.Unauthenticated, err.Error())
		}

		return handler(WithPrincipal(ctx, principal), req)
	}
}

// WithPrincipal stores the authenticated principal in ctx.
func WithPrincipal(ctx context.Context, principal string) context.Context {
	return context.WithValue(ctx, principalKey, principal)
}

// PrincipalFromContext extracts the principal from context.
// Returns empty string if not found.
func PrincipalFromContext(ctx context.Context) string {
	if principal, ok := ctx.Value(principalKey).(string); ok {
		return principal
	}
	return ""
}
