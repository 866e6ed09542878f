// Package store defines the shared state contract for Saturn: provider
// pools, per-account tokens, sessions, and usage snapshots, with the atomic
// primitives the pool manager depends on. Two backends implement it, a
// Redis-backed one and a filesystem one; the factory prefers Redis when it
// is configured and reachable.
package store

import (
	"context"
	"time"
)

// Store is the abstract storage adapter. All mutating counter and health
// operations are atomic with respect to concurrent callers of the same
// backend; callers never take process-level locks around them.
type Store interface {
	// GetProviderPools returns every pool keyed by provider type.
	GetProviderPools(ctx context.Context) (map[ProviderType][]*Account, error)

	// GetProvider returns one account or ErrNotFound.
	GetProvider(ctx context.Context, t ProviderType, uuid string) (*Account, error)

	// AddProvider inserts a new account into its type's pool.
	AddProvider(ctx context.Context, acc *Account) error

	// UpdateProvider atomically merges the non-nil fields of upd into the
	// stored account.
	UpdateProvider(ctx context.Context, t ProviderType, uuid string, upd *AccountUpdate) error

	// DeleteProvider removes the account from its pool.
	DeleteProvider(ctx context.Context, t ProviderType, uuid string) error

	// IncrementUsage atomically bumps usageCount and stamps lastUsed,
	// returning the new count.
	IncrementUsage(ctx context.Context, t ProviderType, uuid string) (int64, error)

	// IncrementError atomically bumps errorCount and stamps lastErrorTime;
	// when markUnhealthy is set it also clears isHealthy. Returns the new
	// error count.
	IncrementError(ctx context.Context, t ProviderType, uuid string, markUnhealthy bool, message string) (int64, error)

	// UpdateHealthStatus atomically writes isHealthy and stamps
	// lastHealthCheckTime.
	UpdateHealthStatus(ctx context.Context, t ProviderType, uuid string, healthy bool) error

	// GetToken returns the stored token or ErrNotFound.
	GetToken(ctx context.Context, t ProviderType, uuid string) (*Token, error)

	// SetToken writes the token; ttl of zero means no expiry.
	SetToken(ctx context.Context, t ProviderType, uuid string, tok *Token, ttl time.Duration) error

	// AtomicTokenUpdate writes newToken only if the stored token's refresh
	// string equals expectedRefreshToken.
	AtomicTokenUpdate(ctx context.Context, t ProviderType, uuid string, newToken *Token, expectedRefreshToken string, ttl time.Duration) (TokenUpdateResult, error)

	// GetTokenWithLock reads the token and attempts to take the per-account
	// refresh lock (create-if-absent with TTL).
	GetTokenWithLock(ctx context.Context, t ProviderType, uuid string, lockTimeout time.Duration) (TokenLockResult, error)

	// ReleaseTokenLock releases the refresh lock only when lockID matches
	// the stored value.
	ReleaseTokenLock(ctx context.Context, t ProviderType, uuid string, lockID string) error

	// SetKiroToken writes a Kiro token while maintaining the refresh-token
	// dedup index. A refresh token owned by another account is refused.
	SetKiroToken(ctx context.Context, uuid string, tok *Token) (KiroTokenResult, error)

	// CheckKiroRefreshTokenExists consults the dedup index.
	CheckKiroRefreshTokenExists(ctx context.Context, refreshToken string) (KiroDupCheck, error)

	// DeleteKiroToken removes both the token record and its index entry.
	DeleteKiroToken(ctx context.Context, uuid string) error

	// KiroRoundRobinNext atomically increments and returns the shared
	// round-robin counter used by the Kiro streaming handler.
	KiroRoundRobinNext(ctx context.Context) (int64, error)

	// Session CRUD. Keys are sha256(tokenBytes) hex strings.
	GetSession(ctx context.Context, tokenHash string) (*Session, error)
	SetSession(ctx context.Context, tokenHash string, s *Session, ttl time.Duration) error
	DeleteSession(ctx context.Context, tokenHash string) error

	// Usage cache.
	GetUsageCache(ctx context.Context) (*UsageCache, error)
	SetUsageCache(ctx context.Context, uc *UsageCache) error

	// Plugin configuration blob (the core only stores it).
	GetPluginConfig(ctx context.Context) (map[string]any, error)
	SetPluginConfig(ctx context.Context, cfg map[string]any) error

	// UI password.
	GetPassword(ctx context.Context) (string, error)
	SetPassword(ctx context.Context, pwd string) error

	// Store metadata.
	GetMetadata(ctx context.Context) (Metadata, error)
	SetMetadataField(ctx context.Context, field, value string) error

	// Healthy reports whether the backing medium is currently reachable.
	Healthy() bool

	// Close releases backend resources.
	Close() error
}
