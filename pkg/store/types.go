package store

import "time"

// ProviderType identifies both the upstream service and its authentication
// flow. The set is closed: selection, routing overrides, and the store key
// schema all reject values outside this enumeration.
type ProviderType string

const (
	TypeGeminiCLIOAuth       ProviderType = "gemini-cli-oauth"
	TypeGeminiAntigravity    ProviderType = "gemini-antigravity"
	TypeClaudeKiroOAuth      ProviderType = "claude-kiro-oauth"
	TypeClaudeCustom         ProviderType = "claude-custom"
	TypeOpenAICustom         ProviderType = "openai-custom"
	TypeOpenAIResponses      ProviderType = "openai-custom-responses"
	TypeOpenAIQwenOAuth      ProviderType = "openai-qwen-oauth"
	TypeOpenAIIFlow          ProviderType = "openai-iflow"
	TypeOpenAICodexOAuth     ProviderType = "openai-codex-oauth"
	TypeClaudeOrchidsOAuth   ProviderType = "claude-orchids-oauth"
	TypeForwardAPI           ProviderType = "forward-api"
)

// AllProviderTypes lists every recognised provider type in a stable order.
var AllProviderTypes = []ProviderType{
	TypeGeminiCLIOAuth,
	TypeGeminiAntigravity,
	TypeClaudeKiroOAuth,
	TypeClaudeCustom,
	TypeOpenAICustom,
	TypeOpenAIResponses,
	TypeOpenAIQwenOAuth,
	TypeOpenAIIFlow,
	TypeOpenAICodexOAuth,
	TypeClaudeOrchidsOAuth,
	TypeForwardAPI,
}

// ValidProviderType reports whether t is a member of the closed enumeration.
func ValidProviderType(t ProviderType) bool {
	for _, known := range AllProviderTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Account is one credential-bearing identity within a provider pool.
// The UUID is unique across all pools, not just within its type.
type Account struct {
	// UUID identifies the account across every pool.
	UUID string `json:"uuid"`

	// ProviderType is the pool this account belongs to.
	ProviderType ProviderType `json:"providerType"`

	// CredsFilePath is the semantic credential path; it may be opaque when
	// the token lives only in the store.
	CredsFilePath string `json:"credsFilePath,omitempty"`

	// CustomName is an operator-assigned display name.
	CustomName string `json:"customName,omitempty"`

	// IsHealthy gates selection. When false, at least one of LastErrorTime
	// or ScheduledRecoveryTime is set.
	IsHealthy bool `json:"isHealthy"`

	// IsDisabled blocks selection regardless of health.
	IsDisabled bool `json:"isDisabled"`

	// UsageCount counts completed requests attributed to this account.
	UsageCount int64 `json:"usageCount"`

	// ErrorCount counts errors inside the current error window.
	ErrorCount int64 `json:"errorCount"`

	// LastUsed is the epoch-millisecond timestamp of the last selection.
	LastUsed int64 `json:"lastUsed,omitempty"`

	// LastErrorTime is the epoch-millisecond timestamp of the last error.
	LastErrorTime int64 `json:"lastErrorTime,omitempty"`

	// LastErrorMessage records the last error for operators.
	LastErrorMessage string `json:"lastErrorMessage,omitempty"`

	// LastHealthCheckTime is when the last probe completed, epoch ms.
	LastHealthCheckTime int64 `json:"lastHealthCheckTime,omitempty"`

	// LastHealthCheckModel is the model the last probe used.
	LastHealthCheckModel string `json:"lastHealthCheckModel,omitempty"`

	// CheckHealth opts the account into periodic probing.
	CheckHealth bool `json:"checkHealth,omitempty"`

	// CheckModelName overrides the probe model.
	CheckModelName string `json:"checkModelName,omitempty"`

	// NeedsRefresh marks the account's token as stale; selection skips it
	// until a refresh succeeds.
	NeedsRefresh bool `json:"needsRefresh,omitempty"`

	// RefreshCount counts consecutive refresh attempts.
	RefreshCount int `json:"refreshCount,omitempty"`

	// ScheduledRecoveryTime is the epoch-millisecond instant at which a
	// quota-exhausted (402) account returns to the healthy set.
	ScheduledRecoveryTime int64 `json:"scheduledRecoveryTime,omitempty"`

	// NotSupportedModels lists models this account must not serve.
	NotSupportedModels []string `json:"notSupportedModels,omitempty"`
}

// SupportsModel reports whether the account may serve the given model.
func (a *Account) SupportsModel(model string) bool {
	for _, m := range a.NotSupportedModels {
		if m == model {
			return false
		}
	}
	return true
}

// AccountUpdate carries a partial account mutation. Nil fields are left
// untouched by UpdateProvider.
type AccountUpdate struct {
	IsHealthy             *bool   `json:"isHealthy,omitempty"`
	IsDisabled            *bool   `json:"isDisabled,omitempty"`
	NeedsRefresh          *bool   `json:"needsRefresh,omitempty"`
	RefreshCount          *int    `json:"refreshCount,omitempty"`
	ErrorCount            *int64  `json:"errorCount,omitempty"`
	LastErrorMessage      *string `json:"lastErrorMessage,omitempty"`
	LastErrorTime         *int64  `json:"lastErrorTime,omitempty"`
	LastHealthCheckModel  *string `json:"lastHealthCheckModel,omitempty"`
	ScheduledRecoveryTime *int64  `json:"scheduledRecoveryTime,omitempty"`
	CustomName            *string `json:"customName,omitempty"`
	CheckHealth           *bool   `json:"checkHealth,omitempty"`
	CheckModelName        *string `json:"checkModelName,omitempty"`
}

// Token is the per-account secret record.
type Token struct {
	// AccessToken is the live bearer credential.
	AccessToken string `json:"accessToken,omitempty"`

	// RefreshToken is the long-lived credential used to mint access tokens.
	RefreshToken string `json:"refreshToken,omitempty"`

	// ExpiresAt is the access-token expiry, either RFC 3339 or epoch ms.
	ExpiresAt string `json:"expiresAt,omitempty"`

	// AuthMethod is provider-specific (e.g. "social", "idc" for Kiro).
	AuthMethod string `json:"authMethod,omitempty"`

	// ProfileArn is Kiro-specific, required for social auth.
	ProfileArn string `json:"profileArn,omitempty"`

	// ClientID and ClientSecret are used by IdC-style refresh flows.
	ClientID     string `json:"clientId,omitempty"`
	ClientSecret string `json:"clientSecret,omitempty"`

	// Extra preserves provider fields the core does not interpret
	// (gemini-style access_token / refresh_token / expiry_date live here).
	Extra map[string]any `json:"extra,omitempty"`
}

// ExpiryTime parses ExpiresAt. It accepts RFC 3339 and epoch milliseconds;
// the zero time is returned when the field is empty or unparseable.
func (t *Token) ExpiryTime() time.Time {
	if t == nil || t.ExpiresAt == "" {
		return time.Time{}
	}
	if ts, err := time.Parse(time.RFC3339, t.ExpiresAt); err == nil {
		return ts
	}
	if ts, err := time.Parse(time.RFC3339Nano, t.ExpiresAt); err == nil {
		return ts
	}
	var ms int64
	for _, c := range t.ExpiresAt {
		if c < '0' || c > '9' {
			return time.Time{}
		}
		ms = ms*10 + int64(c-'0')
	}
	return time.UnixMilli(ms)
}

// Session is a TTL-bound management-UI login record keyed by the SHA-256 of
// the session token bytes.
type Session struct {
	Username   string    `json:"username"`
	LoginTime  time.Time `json:"loginTime"`
	ExpiryTime time.Time `json:"expiryTime"`
}

// UsageCache is an opaque per-provider usage snapshot with a capture time.
type UsageCache struct {
	Timestamp time.Time               `json:"timestamp"`
	Providers map[ProviderType]any    `json:"providers"`
}

// TokenLockResult is returned by GetTokenWithLock.
type TokenLockResult struct {
	// Token is the stored token, possibly nil when none exists.
	Token *Token

	// LockID is non-empty when this caller now holds the refresh lock.
	LockID string

	// AlreadyLocked is true when another caller holds the lock; Token is
	// still returned for read-only use.
	AlreadyLocked bool
}

// TokenUpdateResult is returned by AtomicTokenUpdate.
type TokenUpdateResult struct {
	// Success is true when the compare-and-swap wrote the new token.
	Success bool

	// Conflict is true when the stored refresh token did not match the
	// expected value; nothing was written.
	Conflict bool
}

// KiroTokenResult is returned by SetKiroToken.
type KiroTokenResult struct {
	Success bool

	// Duplicate is true when the refresh token is already owned by a
	// different account; the write was refused.
	Duplicate bool

	// ExistingUUID names the owner when Duplicate is true.
	ExistingUUID string
}

// KiroDupCheck is returned by CheckKiroRefreshTokenExists.
type KiroDupCheck struct {
	IsDuplicate  bool
	ExistingUUID string
}

// Metadata holds store-level bookkeeping (schema version, migration marks).
type Metadata map[string]string
