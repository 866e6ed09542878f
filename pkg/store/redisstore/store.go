package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"mercator-hq/saturn/pkg/store"
)

const (
	mirrorPools    = "pools"
	mirrorUsage    = "usage"
	mirrorPlugins  = "plugins"
	mirrorPassword = "pwd"
	mirrorMeta     = "meta"
)

// GetProviderPools loads every pool. While connected, results refresh a
// short-TTL mirror; while disconnected the mirror is the read source.
func (s *Store) GetProviderPools(ctx context.Context) (map[store.ProviderType][]*store.Account, error) {
	if v, ok := s.mirrorGet(mirrorPools); ok {
		return clonePools(v.(map[store.ProviderType][]*store.Account)), nil
	}
	if !s.connected.Load() {
		return map[store.ProviderType][]*store.Account{}, nil
	}

	pools := make(map[store.ProviderType][]*store.Account, len(store.AllProviderTypes))
	for _, t := range store.AllProviderTypes {
		data, err := s.rdb.HGetAll(ctx, s.key("pools", string(t))).Result()
		if err != nil {
			// Fall back to whatever the mirror holds, stale or not.
			if v, ok := s.mirrorStaleGet(mirrorPools); ok {
				s.logger.Warn("using mirrored pools after redis error", "error", err)
				return clonePools(v.(map[store.ProviderType][]*store.Account)), nil
			}
			return nil, fmt.Errorf("redisstore: get pools: %w", err)
		}
		accounts := make([]*store.Account, 0, len(data))
		for id, raw := range data {
			var acc store.Account
			if err := json.Unmarshal([]byte(raw), &acc); err != nil {
				s.logger.Warn("skipping unparseable account", "type", t, "uuid", id, "error", err)
				continue
			}
			if acc.UUID == "" {
				acc.UUID = id
			}
			if acc.ProviderType == "" {
				acc.ProviderType = t
			}
			accounts = append(accounts, &acc)
		}
		if len(accounts) > 0 {
			pools[t] = accounts
		}
	}

	s.mirrorSet(mirrorPools, clonePools(pools))
	return pools, nil
}

// mirrorStaleGet reads a mirror entry ignoring freshness.
func (s *Store) mirrorStaleGet(key string) (any, bool) {
	s.mirrorMu.RLock()
	defer s.mirrorMu.RUnlock()
	e, ok := s.mirror[key]
	if !ok {
		return nil, false
	}
	return e.value, true
}

func clonePools(in map[store.ProviderType][]*store.Account) map[store.ProviderType][]*store.Account {
	out := make(map[store.ProviderType][]*store.Account, len(in))
	for t, accs := range in {
		list := make([]*store.Account, len(accs))
		for i, a := range accs {
			cp := *a
			list[i] = &cp
		}
		out[t] = list
	}
	return out
}

// GetProvider returns one account by type and UUID.
func (s *Store) GetProvider(ctx context.Context, t store.ProviderType, id string) (*store.Account, error) {
	if !store.ValidProviderType(t) {
		return nil, &store.UnknownTypeError{Type: t}
	}
	if !s.connected.Load() {
		return s.mirrorFindAccount(t, id)
	}

	raw, err := s.rdb.HGet(ctx, s.key("pools", string(t)), id).Result()
	if err == redis.Nil {
		return nil, store.ErrNotFound
	}
	if err != nil {
		if acc, mErr := s.mirrorFindAccount(t, id); mErr == nil {
			return acc, nil
		}
		return nil, fmt.Errorf("redisstore: get provider %s/%s: %w", t, id, err)
	}

	var acc store.Account
	if err := json.Unmarshal([]byte(raw), &acc); err != nil {
		return nil, fmt.Errorf("redisstore: parse provider %s/%s: %w", t, id, err)
	}
	return &acc, nil
}

func (s *Store) mirrorFindAccount(t store.ProviderType, id string) (*store.Account, error) {
	v, ok := s.mirrorStaleGet(mirrorPools)
	if !ok {
		return nil, store.ErrNotFound
	}
	for _, acc := range v.(map[store.ProviderType][]*store.Account)[t] {
		if acc.UUID == id {
			cp := *acc
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

// AddProvider inserts the account into its pool hash.
func (s *Store) AddProvider(ctx context.Context, acc *store.Account) error {
	if !store.ValidProviderType(acc.ProviderType) {
		return &store.UnknownTypeError{Type: acc.ProviderType}
	}
	if acc.UUID == "" {
		acc.UUID = uuid.NewString()
	}
	data, err := json.Marshal(acc)
	if err != nil {
		return fmt.Errorf("redisstore: marshal account: %w", err)
	}

	key := s.key("pools", string(acc.ProviderType))
	field := acc.UUID
	if !s.connected.Load() {
		s.deferWrite(fmt.Sprintf("add provider %s/%s", acc.ProviderType, acc.UUID),
			func(ctx context.Context, client any) error {
				return client.(*redis.Client).HSet(ctx, key, field, string(data)).Err()
			})
		s.mirrorInsert(acc)
		return nil
	}

	if err := s.rdb.HSet(ctx, key, field, string(data)).Err(); err != nil {
		return fmt.Errorf("redisstore: add provider: %w", err)
	}
	s.invalidateMirror(mirrorPools)
	return nil
}

// UpdateProvider merges the patch into the stored account in one script.
func (s *Store) UpdateProvider(ctx context.Context, t store.ProviderType, id string, upd *store.AccountUpdate) error {
	patch, err := json.Marshal(upd)
	if err != nil {
		return fmt.Errorf("redisstore: marshal update: %w", err)
	}
	key := s.key("pools", string(t))

	if !s.connected.Load() {
		s.deferWrite(fmt.Sprintf("update provider %s/%s", t, id),
			func(ctx context.Context, client any) error {
				return updateProviderScript.Run(ctx, client.(*redis.Client), []string{key}, id, string(patch)).Err()
			})
		s.mirrorApply(t, id, upd)
		return nil
	}

	res, err := updateProviderScript.Run(ctx, s.rdb, []string{key}, id, string(patch)).Int64()
	if err != nil {
		return fmt.Errorf("redisstore: update provider %s/%s: %w", t, id, err)
	}
	if res == -1 {
		return store.ErrNotFound
	}
	s.invalidateMirror(mirrorPools)
	return nil
}

// DeleteProvider removes the account from its pool hash.
func (s *Store) DeleteProvider(ctx context.Context, t store.ProviderType, id string) error {
	key := s.key("pools", string(t))
	if !s.connected.Load() {
		s.deferWrite(fmt.Sprintf("delete provider %s/%s", t, id),
			func(ctx context.Context, client any) error {
				return client.(*redis.Client).HDel(ctx, key, id).Err()
			})
		s.mirrorRemove(t, id)
		return nil
	}
	if err := s.rdb.HDel(ctx, key, id).Err(); err != nil {
		return fmt.Errorf("redisstore: delete provider: %w", err)
	}
	s.invalidateMirror(mirrorPools)
	return nil
}

// IncrementUsage bumps usageCount and stamps lastUsed atomically.
func (s *Store) IncrementUsage(ctx context.Context, t store.ProviderType, id string) (int64, error) {
	key := s.key("pools", string(t))
	now := time.Now().UnixMilli()

	if !s.connected.Load() {
		s.deferWrite(fmt.Sprintf("increment usage %s/%s", t, id),
			func(ctx context.Context, client any) error {
				return incrementUsageScript.Run(ctx, client.(*redis.Client), []string{key}, id, now).Err()
			})
		return s.mirrorBump(t, id, func(acc *store.Account) int64 {
			acc.UsageCount++
			acc.LastUsed = now
			return acc.UsageCount
		})
	}

	res, err := incrementUsageScript.Run(ctx, s.rdb, []string{key}, id, now).Int64()
	if err != nil {
		return 0, fmt.Errorf("redisstore: increment usage %s/%s: %w", t, id, err)
	}
	if res == -1 {
		return 0, store.ErrNotFound
	}
	s.invalidateMirror(mirrorPools)
	return res, nil
}

// IncrementError bumps errorCount, stamps lastErrorTime, and optionally
// clears isHealthy, all in one script.
func (s *Store) IncrementError(ctx context.Context, t store.ProviderType, id string, markUnhealthy bool, message string) (int64, error) {
	key := s.key("pools", string(t))
	now := time.Now().UnixMilli()
	flag := "0"
	if markUnhealthy {
		flag = "1"
	}

	if !s.connected.Load() {
		s.deferWrite(fmt.Sprintf("increment error %s/%s", t, id),
			func(ctx context.Context, client any) error {
				return incrementErrorScript.Run(ctx, client.(*redis.Client), []string{key}, id, now, flag, message).Err()
			})
		return s.mirrorBump(t, id, func(acc *store.Account) int64 {
			acc.ErrorCount++
			acc.LastErrorTime = now
			if message != "" {
				acc.LastErrorMessage = message
			}
			if markUnhealthy {
				acc.IsHealthy = false
			}
			return acc.ErrorCount
		})
	}

	res, err := incrementErrorScript.Run(ctx, s.rdb, []string{key}, id, now, flag, message).Int64()
	if err != nil {
		return 0, fmt.Errorf("redisstore: increment error %s/%s: %w", t, id, err)
	}
	if res == -1 {
		return 0, store.ErrNotFound
	}
	s.invalidateMirror(mirrorPools)
	return res, nil
}

// mirrorBump applies a counter mutation to the mirrored account so reads
// during an outage observe the deferred write.
func (s *Store) mirrorBump(t store.ProviderType, id string, fn func(*store.Account) int64) (int64, error) {
	s.mirrorMu.Lock()
	defer s.mirrorMu.Unlock()
	e, ok := s.mirror[mirrorPools]
	if !ok {
		return 0, store.ErrNotFound
	}
	pools := e.value.(map[store.ProviderType][]*store.Account)
	for _, acc := range pools[t] {
		if acc.UUID == id {
			return fn(acc), nil
		}
	}
	return 0, store.ErrNotFound
}

// mirrorInsert adds the account to the mirrored pools so reads during an
// outage see the deferred write.
func (s *Store) mirrorInsert(acc *store.Account) {
	s.mirrorMu.Lock()
	defer s.mirrorMu.Unlock()
	e, ok := s.mirror[mirrorPools]
	if !ok {
		e = mirrorEntry{value: map[store.ProviderType][]*store.Account{}, at: time.Now()}
	}
	pools := e.value.(map[store.ProviderType][]*store.Account)
	cp := *acc
	pools[acc.ProviderType] = append(pools[acc.ProviderType], &cp)
	s.mirror[mirrorPools] = e
}

// mirrorApply patches the mirrored account in place.
func (s *Store) mirrorApply(t store.ProviderType, id string, upd *store.AccountUpdate) {
	s.mirrorMu.Lock()
	defer s.mirrorMu.Unlock()
	e, ok := s.mirror[mirrorPools]
	if !ok {
		return
	}
	for _, acc := range e.value.(map[store.ProviderType][]*store.Account)[t] {
		if acc.UUID == id {
			applyUpdate(acc, upd)
			return
		}
	}
}

// mirrorRemove drops the account from the mirrored pools.
func (s *Store) mirrorRemove(t store.ProviderType, id string) {
	s.mirrorMu.Lock()
	defer s.mirrorMu.Unlock()
	e, ok := s.mirror[mirrorPools]
	if !ok {
		return
	}
	pools := e.value.(map[store.ProviderType][]*store.Account)
	accs := pools[t]
	for i, acc := range accs {
		if acc.UUID == id {
			pools[t] = append(accs[:i], accs[i+1:]...)
			if len(pools[t]) == 0 {
				delete(pools, t)
			}
			return
		}
	}
}

func applyUpdate(acc *store.Account, upd *store.AccountUpdate) {
	if upd.IsHealthy != nil {
		acc.IsHealthy = *upd.IsHealthy
	}
	if upd.IsDisabled != nil {
		acc.IsDisabled = *upd.IsDisabled
	}
	if upd.NeedsRefresh != nil {
		acc.NeedsRefresh = *upd.NeedsRefresh
	}
	if upd.RefreshCount != nil {
		acc.RefreshCount = *upd.RefreshCount
	}
	if upd.ErrorCount != nil {
		acc.ErrorCount = *upd.ErrorCount
	}
	if upd.LastErrorMessage != nil {
		acc.LastErrorMessage = *upd.LastErrorMessage
	}
	if upd.LastErrorTime != nil {
		acc.LastErrorTime = *upd.LastErrorTime
	}
	if upd.LastHealthCheckModel != nil {
		acc.LastHealthCheckModel = *upd.LastHealthCheckModel
	}
	if upd.ScheduledRecoveryTime != nil {
		acc.ScheduledRecoveryTime = *upd.ScheduledRecoveryTime
	}
	if upd.CustomName != nil {
		acc.CustomName = *upd.CustomName
	}
	if upd.CheckHealth != nil {
		acc.CheckHealth = *upd.CheckHealth
	}
	if upd.CheckModelName != nil {
		acc.CheckModelName = *upd.CheckModelName
	}
}

// UpdateHealthStatus writes isHealthy and stamps lastHealthCheckTime.
func (s *Store) UpdateHealthStatus(ctx context.Context, t store.ProviderType, id string, healthy bool) error {
	key := s.key("pools", string(t))
	now := time.Now().UnixMilli()
	flag := "0"
	if healthy {
		flag = "1"
	}

	if !s.connected.Load() {
		s.deferWrite(fmt.Sprintf("update health %s/%s", t, id),
			func(ctx context.Context, client any) error {
				return updateHealthScript.Run(ctx, client.(*redis.Client), []string{key}, id, now, flag).Err()
			})
		_, err := s.mirrorBump(t, id, func(acc *store.Account) int64 {
			acc.IsHealthy = healthy
			acc.LastHealthCheckTime = now
			if healthy {
				acc.ErrorCount = 0
			}
			return 0
		})
		return err
	}

	res, err := updateHealthScript.Run(ctx, s.rdb, []string{key}, id, now, flag).Int64()
	if err != nil {
		return fmt.Errorf("redisstore: update health %s/%s: %w", t, id, err)
	}
	if res == -1 {
		return store.ErrNotFound
	}
	s.invalidateMirror(mirrorPools)
	return nil
}

// GetToken reads the per-account token. Tokens are not mirrored; during an
// outage the caller sees ErrNotFound, which keeps credentials off the heap
// longer than a request needs them.
func (s *Store) GetToken(ctx context.Context, t store.ProviderType, id string) (*store.Token, error) {
	if !s.connected.Load() {
		return nil, store.ErrNotFound
	}
	raw, err := s.rdb.Get(ctx, s.key("tokens", string(t), id)).Result()
	if err == redis.Nil {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redisstore: get token %s/%s: %w", t, id, err)
	}
	var tok store.Token
	if err := json.Unmarshal([]byte(raw), &tok); err != nil {
		return nil, fmt.Errorf("redisstore: parse token %s/%s: %w", t, id, err)
	}
	return &tok, nil
}

// SetToken writes the token, optionally with a TTL.
func (s *Store) SetToken(ctx context.Context, t store.ProviderType, id string, tok *store.Token, ttl time.Duration) error {
	data, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("redisstore: marshal token: %w", err)
	}
	key := s.key("tokens", string(t), id)

	if !s.connected.Load() {
		s.deferWrite(fmt.Sprintf("set token %s/%s", t, id),
			func(ctx context.Context, client any) error {
				return client.(*redis.Client).Set(ctx, key, string(data), ttl).Err()
			})
		return nil
	}
	if err := s.rdb.Set(ctx, key, string(data), ttl).Err(); err != nil {
		return fmt.Errorf("redisstore: set token %s/%s: %w", t, id, err)
	}
	return nil
}

// AtomicTokenUpdate compare-and-swaps on the stored refresh token.
func (s *Store) AtomicTokenUpdate(ctx context.Context, t store.ProviderType, id string, newToken *store.Token, expectedRefreshToken string, ttl time.Duration) (store.TokenUpdateResult, error) {
	if !s.connected.Load() {
		return store.TokenUpdateResult{}, store.ErrUnavailable
	}
	data, err := json.Marshal(newToken)
	if err != nil {
		return store.TokenUpdateResult{}, fmt.Errorf("redisstore: marshal token: %w", err)
	}
	key := s.key("tokens", string(t), id)

	res, err := atomicTokenUpdateScript.Run(ctx, s.rdb, []string{key},
		expectedRefreshToken, string(data), int64(ttl/time.Second)).Int64()
	if err != nil {
		return store.TokenUpdateResult{}, fmt.Errorf("redisstore: atomic token update %s/%s: %w", t, id, err)
	}
	if res == 1 {
		return store.TokenUpdateResult{Success: true}, nil
	}
	return store.TokenUpdateResult{Conflict: true}, nil
}

// GetTokenWithLock reads the token and tries to take the refresh lock with
// SET NX + TTL. When another holder exists the token is still returned.
func (s *Store) GetTokenWithLock(ctx context.Context, t store.ProviderType, id string, lockTimeout time.Duration) (store.TokenLockResult, error) {
	if !s.connected.Load() {
		return store.TokenLockResult{}, store.ErrUnavailable
	}
	if lockTimeout <= 0 {
		lockTimeout = 30 * time.Second
	}

	tok, err := s.GetToken(ctx, t, id)
	if err != nil && err != store.ErrNotFound {
		return store.TokenLockResult{}, err
	}

	lockID := uuid.NewString()
	ok, err := s.rdb.SetNX(ctx, s.key("token-lock", string(t), id), lockID, lockTimeout).Result()
	if err != nil {
		return store.TokenLockResult{}, fmt.Errorf("redisstore: token lock %s/%s: %w", t, id, err)
	}
	if !ok {
		return store.TokenLockResult{Token: tok, AlreadyLocked: true}, nil
	}
	return store.TokenLockResult{Token: tok, LockID: lockID}, nil
}

// ReleaseTokenLock deletes the lock only when lockID still owns it.
func (s *Store) ReleaseTokenLock(ctx context.Context, t store.ProviderType, id string, lockID string) error {
	if !s.connected.Load() {
		// The lock has a TTL; letting it lapse is the outage behaviour.
		return nil
	}
	return releaseTokenLockScript.Run(ctx, s.rdb, []string{s.key("token-lock", string(t), id)}, lockID).Err()
}

// KiroRoundRobinNext atomically increments the shared counter.
func (s *Store) KiroRoundRobinNext(ctx context.Context) (int64, error) {
	if !s.connected.Load() {
		return 0, store.ErrUnavailable
	}
	n, err := s.rdb.Incr(ctx, s.key("kiro", "round-robin-counter")).Result()
	if err != nil {
		return 0, fmt.Errorf("redisstore: round robin incr: %w", err)
	}
	return n, nil
}

// GetSession reads a session record.
func (s *Store) GetSession(ctx context.Context, tokenHash string) (*store.Session, error) {
	if !s.connected.Load() {
		return nil, store.ErrNotFound
	}
	raw, err := s.rdb.Get(ctx, s.key("sessions", tokenHash)).Result()
	if err == redis.Nil {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redisstore: get session: %w", err)
	}
	var sess store.Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return nil, fmt.Errorf("redisstore: parse session: %w", err)
	}
	return &sess, nil
}

// SetSession writes a session record with its TTL.
func (s *Store) SetSession(ctx context.Context, tokenHash string, sess *store.Session, ttl time.Duration) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("redisstore: marshal session: %w", err)
	}
	key := s.key("sessions", tokenHash)
	if !s.connected.Load() {
		s.deferWrite("set session", func(ctx context.Context, client any) error {
			return client.(*redis.Client).Set(ctx, key, string(data), ttl).Err()
		})
		return nil
	}
	return s.rdb.Set(ctx, key, string(data), ttl).Err()
}

// DeleteSession removes a session record.
func (s *Store) DeleteSession(ctx context.Context, tokenHash string) error {
	if !s.connected.Load() {
		key := s.key("sessions", tokenHash)
		s.deferWrite("delete session", func(ctx context.Context, client any) error {
			return client.(*redis.Client).Del(ctx, key).Err()
		})
		return nil
	}
	return s.rdb.Del(ctx, s.key("sessions", tokenHash)).Err()
}

// GetUsageCache reads the aggregated usage snapshot.
func (s *Store) GetUsageCache(ctx context.Context) (*store.UsageCache, error) {
	if v, ok := s.mirrorGet(mirrorUsage); ok {
		uc := v.(store.UsageCache)
		return &uc, nil
	}
	if !s.connected.Load() {
		return nil, store.ErrNotFound
	}
	raw, err := s.rdb.Get(ctx, s.key("usage", "cache")).Result()
	if err == redis.Nil {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redisstore: get usage cache: %w", err)
	}
	var uc store.UsageCache
	if err := json.Unmarshal([]byte(raw), &uc); err != nil {
		return nil, fmt.Errorf("redisstore: parse usage cache: %w", err)
	}
	s.mirrorSet(mirrorUsage, uc)
	return &uc, nil
}

// SetUsageCache writes the usage snapshot.
func (s *Store) SetUsageCache(ctx context.Context, uc *store.UsageCache) error {
	data, err := json.Marshal(uc)
	if err != nil {
		return fmt.Errorf("redisstore: marshal usage cache: %w", err)
	}
	key := s.key("usage", "cache")
	s.invalidateMirror(mirrorUsage)
	if !s.connected.Load() {
		s.deferWrite("set usage cache", func(ctx context.Context, client any) error {
			return client.(*redis.Client).Set(ctx, key, string(data), 0).Err()
		})
		s.mirrorSet(mirrorUsage, *uc)
		return nil
	}
	return s.rdb.Set(ctx, key, string(data), 0).Err()
}

// GetPluginConfig reads the plugin configuration blob.
func (s *Store) GetPluginConfig(ctx context.Context) (map[string]any, error) {
	if v, ok := s.mirrorGet(mirrorPlugins); ok {
		return v.(map[string]any), nil
	}
	if !s.connected.Load() {
		return map[string]any{}, nil
	}
	raw, err := s.rdb.Get(ctx, s.key("plugins")).Result()
	if err == redis.Nil {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redisstore: get plugins: %w", err)
	}
	var cfg map[string]any
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, fmt.Errorf("redisstore: parse plugins: %w", err)
	}
	s.mirrorSet(mirrorPlugins, cfg)
	return cfg, nil
}

// SetPluginConfig writes the plugin configuration blob.
func (s *Store) SetPluginConfig(ctx context.Context, cfg map[string]any) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("redisstore: marshal plugins: %w", err)
	}
	key := s.key("plugins")
	s.invalidateMirror(mirrorPlugins)
	if !s.connected.Load() {
		s.deferWrite("set plugins", func(ctx context.Context, client any) error {
			return client.(*redis.Client).Set(ctx, key, string(data), 0).Err()
		})
		s.mirrorSet(mirrorPlugins, cfg)
		return nil
	}
	return s.rdb.Set(ctx, key, string(data), 0).Err()
}

// GetPassword reads the management-UI password.
func (s *Store) GetPassword(ctx context.Context) (string, error) {
	if v, ok := s.mirrorGet(mirrorPassword); ok {
		return v.(string), nil
	}
	if !s.connected.Load() {
		return "", store.ErrNotFound
	}
	raw, err := s.rdb.Get(ctx, s.key("pwd")).Result()
	if err == redis.Nil {
		return "", store.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("redisstore: get password: %w", err)
	}
	s.mirrorSet(mirrorPassword, raw)
	return raw, nil
}

// SetPassword writes the management-UI password.
func (s *Store) SetPassword(ctx context.Context, pwd string) error {
	key := s.key("pwd")
	s.invalidateMirror(mirrorPassword)
	if !s.connected.Load() {
		s.deferWrite("set password", func(ctx context.Context, client any) error {
			return client.(*redis.Client).Set(ctx, key, pwd, 0).Err()
		})
		s.mirrorSet(mirrorPassword, pwd)
		return nil
	}
	return s.rdb.Set(ctx, key, pwd, 0).Err()
}

// GetMetadata reads the store metadata hash.
func (s *Store) GetMetadata(ctx context.Context) (store.Metadata, error) {
	if v, ok := s.mirrorGet(mirrorMeta); ok {
		return v.(store.Metadata), nil
	}
	if !s.connected.Load() {
		return store.Metadata{}, nil
	}
	raw, err := s.rdb.HGetAll(ctx, s.key("meta")).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: get metadata: %w", err)
	}
	meta := store.Metadata(raw)
	s.mirrorSet(mirrorMeta, meta)
	return meta, nil
}

// SetMetadataField writes one metadata hash field.
func (s *Store) SetMetadataField(ctx context.Context, field, value string) error {
	key := s.key("meta")
	s.invalidateMirror(mirrorMeta)
	if !s.connected.Load() {
		s.deferWrite("set metadata "+field, func(ctx context.Context, client any) error {
			return client.(*redis.Client).HSet(ctx, key, field, value).Err()
		})
		return nil
	}
	return s.rdb.HSet(ctx, key, field, value).Err()
}
