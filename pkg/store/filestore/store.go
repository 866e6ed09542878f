// Package filestore implements the store contract on the local filesystem.
// It is the fallback backend when Redis is not configured: a single process
// owns the data directory, a process mutex serialises every operation, and
// each write lands via a temp-file rename so a crash never leaves a torn
// JSON document. The pools file is additionally watched with fsnotify so
// operator edits made outside the process are picked up without a restart.
package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"mercator-hq/saturn/pkg/store"
)

const (
	poolsFile    = "provider_pools.json"
	sessionsFile = "sessions.json"
	usageFile    = "usage_cache.json"
	pluginsFile  = "plugins.json"
	metaFile     = "meta.json"
	kiroIdxFile  = "kiro_refresh_index.json"
	tokensDir    = "tokens"

	metaRoundRobinField = "kiroRoundRobin"
	metaPasswordField   = "password"
)

// Store is the filesystem-backed storage adapter.
type Store struct {
	dir    string
	logger *slog.Logger

	mu    sync.Mutex
	pools map[store.ProviderType][]*store.Account

	// locks holds in-process refresh locks; this backend is single-process
	// so a map with expiry is equivalent to the Redis SETNX lock.
	locks map[string]lockRecord

	watcher *watcher
}

type lockRecord struct {
	id      string
	expires time.Time
}

// Open loads (or initialises) the data directory and starts the pools-file
// watcher.
func Open(ctx context.Context, dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("filestore: data directory is required")
	}
	if err := os.MkdirAll(filepath.Join(dir, tokensDir), 0o755); err != nil {
		return nil, fmt.Errorf("filestore: create data dir: %w", err)
	}

	s := &Store{
		dir:    dir,
		logger: slog.Default().With("component", "store.file"),
		locks:  make(map[string]lockRecord),
	}

	pools, err := s.loadPools()
	if err != nil {
		return nil, err
	}
	s.pools = pools

	w, err := newWatcher(s, filepath.Join(dir, poolsFile))
	if err != nil {
		s.logger.Warn("pools file watch unavailable, external edits need a restart", "error", err)
	} else {
		s.watcher = w
	}
	return s, nil
}

// Healthy always reports true: the local filesystem has no remote liveness.
func (s *Store) Healthy() bool { return true }

// Close stops the pools watcher.
func (s *Store) Close() error {
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name)
}

func (s *Store) tokenPath(t store.ProviderType, id string) string {
	return filepath.Join(s.dir, tokensDir, string(t)+"__"+id+".json")
}

// readJSON decodes the named file into out. A missing file reports
// os.ErrNotExist untouched so callers can map it to their own sentinel.
func (s *Store) readJSON(name string, out any) error {
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("filestore: decode %s: %w", name, err)
	}
	return nil
}

// writeJSON persists v as the named file via a temp-file rename.
func (s *Store) writeJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("filestore: encode %s: %w", name, err)
	}
	return s.writeRaw(name, data)
}

func (s *Store) writeRaw(name string, data []byte) error {
	target := s.path(name)
	// The temp file lives next to the target so the rename stays on one
	// filesystem; CreateTemp patterns cannot carry path separators.
	tmp, err := os.CreateTemp(filepath.Dir(target), filepath.Base(target)+".tmp-*")
	if err != nil {
		return fmt.Errorf("filestore: temp file for %s: %w", name, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("filestore: write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("filestore: close %s: %w", name, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("filestore: replace %s: %w", name, err)
	}
	return nil
}

func (s *Store) loadPools() (map[store.ProviderType][]*store.Account, error) {
	var pools map[store.ProviderType][]*store.Account
	err := s.readJSON(poolsFile, &pools)
	if errors.Is(err, os.ErrNotExist) {
		return make(map[store.ProviderType][]*store.Account), nil
	}
	if err != nil {
		return nil, err
	}
	if pools == nil {
		pools = make(map[store.ProviderType][]*store.Account)
	}
	for t := range pools {
		if !store.ValidProviderType(t) {
			s.logger.Warn("pools file contains unknown provider type, ignoring", "type", t)
			delete(pools, t)
		}
	}
	return pools, nil
}

// persistPoolsLocked writes the in-memory pools to disk. The watcher is told
// to ignore the resulting event so our own write does not trigger a reload.
func (s *Store) persistPoolsLocked() error {
	if s.watcher != nil {
		s.watcher.ExpectSelfWrite()
	}
	return s.writeJSON(poolsFile, s.pools)
}

// reloadPools replaces the in-memory pools after an external file change.
func (s *Store) reloadPools() {
	pools, err := s.loadPools()
	if err != nil {
		s.logger.Error("pools file reload failed, keeping previous state", "error", err)
		return
	}
	s.mu.Lock()
	s.pools = pools
	s.mu.Unlock()
	s.logger.Info("pools file reloaded after external change")
}

func cloneAccount(a *store.Account) *store.Account {
	out := *a
	if a.NotSupportedModels != nil {
		out.NotSupportedModels = append([]string(nil), a.NotSupportedModels...)
	}
	return &out
}

// GetProviderPools returns a deep copy of every pool.
func (s *Store) GetProviderPools(ctx context.Context) (map[store.ProviderType][]*store.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[store.ProviderType][]*store.Account, len(s.pools))
	for t, accs := range s.pools {
		copied := make([]*store.Account, len(accs))
		for i, a := range accs {
			copied[i] = cloneAccount(a)
		}
		out[t] = copied
	}
	return out, nil
}

func (s *Store) findLocked(t store.ProviderType, id string) (*store.Account, error) {
	if !store.ValidProviderType(t) {
		return nil, &store.UnknownTypeError{Type: t}
	}
	for _, a := range s.pools[t] {
		if a.UUID == id {
			return a, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) GetProvider(ctx context.Context, t store.ProviderType, id string) (*store.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, err := s.findLocked(t, id)
	if err != nil {
		return nil, err
	}
	return cloneAccount(acc), nil
}

func (s *Store) AddProvider(ctx context.Context, acc *store.Account) error {
	if acc == nil || acc.UUID == "" {
		return fmt.Errorf("filestore: account requires a uuid")
	}
	if !store.ValidProviderType(acc.ProviderType) {
		return &store.UnknownTypeError{Type: acc.ProviderType}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.pools[acc.ProviderType] {
		if existing.UUID == acc.UUID {
			return fmt.Errorf("filestore: account %s already exists", acc.UUID)
		}
	}
	s.pools[acc.ProviderType] = append(s.pools[acc.ProviderType], cloneAccount(acc))
	return s.persistPoolsLocked()
}

func (s *Store) UpdateProvider(ctx context.Context, t store.ProviderType, id string, upd *store.AccountUpdate) error {
	if upd == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, err := s.findLocked(t, id)
	if err != nil {
		return err
	}
	applyUpdate(acc, upd)
	return s.persistPoolsLocked()
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

func (s *Store) DeleteProvider(ctx context.Context, t store.ProviderType, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !store.ValidProviderType(t) {
		return &store.UnknownTypeError{Type: t}
	}
	accs := s.pools[t]
	for i, a := range accs {
		if a.UUID == id {
			s.pools[t] = append(accs[:i], accs[i+1:]...)
			return s.persistPoolsLocked()
		}
	}
	return store.ErrNotFound
}

func (s *Store) IncrementUsage(ctx context.Context, t store.ProviderType, id string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, err := s.findLocked(t, id)
	if err != nil {
		return 0, err
	}
	acc.UsageCount++
	acc.LastUsed = time.Now().UnixMilli()
	if err := s.persistPoolsLocked(); err != nil {
		return 0, err
	}
	return acc.UsageCount, nil
}

func (s *Store) IncrementError(ctx context.Context, t store.ProviderType, id string, markUnhealthy bool, message string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, err := s.findLocked(t, id)
	if err != nil {
		return 0, err
	}
	acc.ErrorCount++
	acc.LastErrorTime = time.Now().UnixMilli()
	if message != "" {
		acc.LastErrorMessage = message
	}
	if markUnhealthy {
		acc.IsHealthy = false
	}
	if err := s.persistPoolsLocked(); err != nil {
		return 0, err
	}
	return acc.ErrorCount, nil
}

func (s *Store) UpdateHealthStatus(ctx context.Context, t store.ProviderType, id string, healthy bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, err := s.findLocked(t, id)
	if err != nil {
		return err
	}
	acc.IsHealthy = healthy
	acc.LastHealthCheckTime = time.Now().UnixMilli()
	if healthy {
		acc.ErrorCount = 0
	}
	return s.persistPoolsLocked()
}

// tokenEnvelope wraps the token with an absolute expiry so TTLs survive a
// process restart.
type tokenEnvelope struct {
	Token     *store.Token `json:"token"`
	ExpiresAt time.Time    `json:"expiresAt,omitempty"`
}

func (s *Store) readToken(t store.ProviderType, id string) (*store.Token, error) {
	data, err := os.ReadFile(s.tokenPath(t, id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("filestore: read token: %w", err)
	}
	var env tokenEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("filestore: decode token: %w", err)
	}
	if !env.ExpiresAt.IsZero() && time.Now().After(env.ExpiresAt) {
		_ = os.Remove(s.tokenPath(t, id))
		return nil, store.ErrNotFound
	}
	return env.Token, nil
}

func (s *Store) writeToken(t store.ProviderType, id string, tok *store.Token, ttl time.Duration) error {
	env := tokenEnvelope{Token: tok}
	if ttl > 0 {
		env.ExpiresAt = time.Now().Add(ttl)
	}
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("filestore: encode token: %w", err)
	}
	rel, err := filepath.Rel(s.dir, s.tokenPath(t, id))
	if err != nil {
		return err
	}
	return s.writeRaw(rel, data)
}

func (s *Store) GetToken(ctx context.Context, t store.ProviderType, id string) (*store.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readToken(t, id)
}

func (s *Store) SetToken(ctx context.Context, t store.ProviderType, id string, tok *store.Token, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeToken(t, id, tok, ttl)
}

func (s *Store) AtomicTokenUpdate(ctx context.Context, t store.ProviderType, id string, newToken *store.Token, expectedRefreshToken string, ttl time.Duration) (store.TokenUpdateResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, err := s.readToken(t, id)
	if err != nil && err != store.ErrNotFound {
		return store.TokenUpdateResult{}, err
	}
	var currentRefresh string
	if current != nil {
		currentRefresh = current.RefreshToken
	}
	if currentRefresh != expectedRefreshToken {
		return store.TokenUpdateResult{Conflict: true}, nil
	}
	if err := s.writeToken(t, id, newToken, ttl); err != nil {
		return store.TokenUpdateResult{}, err
	}
	return store.TokenUpdateResult{Success: true}, nil
}

func (s *Store) GetTokenWithLock(ctx context.Context, t store.ProviderType, id string, lockTimeout time.Duration) (store.TokenLockResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tok, err := s.readToken(t, id)
	if err != nil && err != store.ErrNotFound {
		return store.TokenLockResult{}, err
	}

	key := string(t) + "/" + id
	if rec, held := s.locks[key]; held && time.Now().Before(rec.expires) {
		return store.TokenLockResult{Token: tok, AlreadyLocked: true}, nil
	}
	if lockTimeout <= 0 {
		lockTimeout = 30 * time.Second
	}
	id2 := uuid.NewString()
	s.locks[key] = lockRecord{id: id2, expires: time.Now().Add(lockTimeout)}
	return store.TokenLockResult{Token: tok, LockID: id2}, nil
}

func (s *Store) ReleaseTokenLock(ctx context.Context, t store.ProviderType, id string, lockID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := string(t) + "/" + id
	if rec, held := s.locks[key]; held && rec.id == lockID {
		delete(s.locks, key)
	}
	return nil
}

func (s *Store) kiroIndex() (map[string]string, error) {
	idx := make(map[string]string)
	err := s.readJSON(kiroIdxFile, &idx)
	if errors.Is(err, os.ErrNotExist) {
		return idx, nil
	}
	if err != nil {
		return nil, err
	}
	return idx, nil
}

func (s *Store) SetKiroToken(ctx context.Context, id string, tok *store.Token) (store.KiroTokenResult, error) {
	if tok == nil || tok.RefreshToken == "" {
		return store.KiroTokenResult{}, fmt.Errorf("filestore: kiro token requires a refresh token")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.kiroIndex()
	if err != nil {
		return store.KiroTokenResult{}, err
	}
	fp := store.KiroRefreshFingerprint(tok.RefreshToken)
	if owner, ok := idx[fp]; ok && owner != id {
		return store.KiroTokenResult{Duplicate: true, ExistingUUID: owner}, nil
	}
	idx[fp] = id
	if err := s.writeJSON(kiroIdxFile, idx); err != nil {
		return store.KiroTokenResult{}, err
	}
	if err := s.writeToken(store.TypeClaudeKiroOAuth, id, tok, 0); err != nil {
		return store.KiroTokenResult{}, err
	}
	return store.KiroTokenResult{Success: true}, nil
}

func (s *Store) CheckKiroRefreshTokenExists(ctx context.Context, refreshToken string) (store.KiroDupCheck, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, err := s.kiroIndex()
	if err != nil {
		return store.KiroDupCheck{}, err
	}
	fp := store.KiroRefreshFingerprint(refreshToken)
	if owner, ok := idx[fp]; ok {
		return store.KiroDupCheck{IsDuplicate: true, ExistingUUID: owner}, nil
	}
	return store.KiroDupCheck{}, nil
}

func (s *Store) DeleteKiroToken(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tok, err := s.readToken(store.TypeClaudeKiroOAuth, id)
	if err != nil && err != store.ErrNotFound {
		return err
	}
	if tok != nil && tok.RefreshToken != "" {
		idx, err := s.kiroIndex()
		if err != nil {
			return err
		}
		delete(idx, store.KiroRefreshFingerprint(tok.RefreshToken))
		if err := s.writeJSON(kiroIdxFile, idx); err != nil {
			return err
		}
	}
	if err := os.Remove(s.tokenPath(store.TypeClaudeKiroOAuth, id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("filestore: delete kiro token: %w", err)
	}
	return nil
}

func (s *Store) KiroRoundRobinNext(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, err := s.readMeta()
	if err != nil {
		return 0, err
	}
	var n int64
	fmt.Sscanf(meta[metaRoundRobinField], "%d", &n)
	n++
	meta[metaRoundRobinField] = fmt.Sprintf("%d", n)
	if err := s.writeJSON(metaFile, meta); err != nil {
		return 0, err
	}
	return n, nil
}

type sessionEnvelope struct {
	Session *store.Session `json:"session"`
	Expires time.Time      `json:"expires"`
}

func (s *Store) readSessions() (map[string]sessionEnvelope, error) {
	sessions := make(map[string]sessionEnvelope)
	err := s.readJSON(sessionsFile, &sessions)
	if errors.Is(err, os.ErrNotExist) {
		return sessions, nil
	}
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

func (s *Store) GetSession(ctx context.Context, tokenHash string) (*store.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sessions, err := s.readSessions()
	if err != nil {
		return nil, err
	}
	env, ok := sessions[tokenHash]
	if !ok || time.Now().After(env.Expires) {
		return nil, store.ErrNotFound
	}
	return env.Session, nil
}

func (s *Store) SetSession(ctx context.Context, tokenHash string, sess *store.Session, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sessions, err := s.readSessions()
	if err != nil {
		return err
	}
	// Expired entries are swept opportunistically on write.
	now := time.Now()
	for k, env := range sessions {
		if now.After(env.Expires) {
			delete(sessions, k)
		}
	}
	sessions[tokenHash] = sessionEnvelope{Session: sess, Expires: now.Add(ttl)}
	return s.writeJSON(sessionsFile, sessions)
}

func (s *Store) DeleteSession(ctx context.Context, tokenHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sessions, err := s.readSessions()
	if err != nil {
		return err
	}
	delete(sessions, tokenHash)
	return s.writeJSON(sessionsFile, sessions)
}

func (s *Store) GetUsageCache(ctx context.Context) (*store.UsageCache, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var uc store.UsageCache
	err := s.readJSON(usageFile, &uc)
	if errors.Is(err, os.ErrNotExist) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &uc, nil
}

func (s *Store) SetUsageCache(ctx context.Context, uc *store.UsageCache) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSON(usageFile, uc)
}

func (s *Store) GetPluginConfig(ctx context.Context) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg := make(map[string]any)
	err := s.readJSON(pluginsFile, &cfg)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func (s *Store) SetPluginConfig(ctx context.Context, cfg map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSON(pluginsFile, cfg)
}

func (s *Store) readMeta() (store.Metadata, error) {
	meta := make(store.Metadata)
	err := s.readJSON(metaFile, &meta)
	if errors.Is(err, os.ErrNotExist) {
		return meta, nil
	}
	if err != nil {
		return nil, err
	}
	return meta, nil
}

func (s *Store) GetPassword(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, err := s.readMeta()
	if err != nil {
		return "", err
	}
	return meta[metaPasswordField], nil
}

func (s *Store) SetPassword(ctx context.Context, pwd string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, err := s.readMeta()
	if err != nil {
		return err
	}
	meta[metaPasswordField] = pwd
	return s.writeJSON(metaFile, meta)
}

func (s *Store) GetMetadata(ctx context.Context) (store.Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readMeta()
}

func (s *Store) SetMetadataField(ctx context.Context, field, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, err := s.readMeta()
	if err != nil {
		return err
	}
	meta[field] = value
	return s.writeJSON(metaFile, meta)
}
