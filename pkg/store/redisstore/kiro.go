package redisstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"mercator-hq/saturn/pkg/store"
)

// SetKiroToken writes a Kiro token while enforcing the refresh-token dedup
// invariant: a refresh token is held by at most one account. The index claim
// and the token write happen in one script, so two concurrent imports of the
// same refresh token cannot both succeed.
func (s *Store) SetKiroToken(ctx context.Context, id string, tok *store.Token) (store.KiroTokenResult, error) {
	if !s.connected.Load() {
		return store.KiroTokenResult{}, store.ErrUnavailable
	}
	if tok == nil || tok.RefreshToken == "" {
		return store.KiroTokenResult{}, fmt.Errorf("redisstore: kiro token requires a refresh token")
	}

	data, err := jsonMarshalToken(tok)
	if err != nil {
		return store.KiroTokenResult{}, err
	}

	fp := store.KiroRefreshFingerprint(tok.RefreshToken)
	indexKey := s.key("kiro", "refresh-index", fp)
	tokenKey := s.key("tokens", string(store.TypeClaudeKiroOAuth), id)

	owner, err := setKiroTokenScript.Run(ctx, s.rdb, []string{indexKey, tokenKey}, id, data).Text()
	if err != nil {
		return store.KiroTokenResult{}, fmt.Errorf("redisstore: set kiro token: %w", err)
	}
	if owner != "" {
		return store.KiroTokenResult{Duplicate: true, ExistingUUID: owner}, nil
	}
	return store.KiroTokenResult{Success: true}, nil
}

// CheckKiroRefreshTokenExists consults the dedup index without writing.
func (s *Store) CheckKiroRefreshTokenExists(ctx context.Context, refreshToken string) (store.KiroDupCheck, error) {
	if !s.connected.Load() {
		return store.KiroDupCheck{}, store.ErrUnavailable
	}
	fp := store.KiroRefreshFingerprint(refreshToken)
	owner, err := s.rdb.Get(ctx, s.key("kiro", "refresh-index", fp)).Result()
	if err == redis.Nil {
		return store.KiroDupCheck{}, nil
	}
	if err != nil {
		return store.KiroDupCheck{}, fmt.Errorf("redisstore: check kiro refresh index: %w", err)
	}
	return store.KiroDupCheck{IsDuplicate: true, ExistingUUID: owner}, nil
}

// DeleteKiroToken removes the token record and its index entry.
func (s *Store) DeleteKiroToken(ctx context.Context, id string) error {
	if !s.connected.Load() {
		return store.ErrUnavailable
	}

	tok, err := s.GetToken(ctx, store.TypeClaudeKiroOAuth, id)
	if err != nil && err != store.ErrNotFound {
		return err
	}

	if tok != nil && tok.RefreshToken != "" {
		fp := store.KiroRefreshFingerprint(tok.RefreshToken)
		if err := s.rdb.Del(ctx, s.key("kiro", "refresh-index", fp)).Err(); err != nil {
			return fmt.Errorf("redisstore: delete kiro index: %w", err)
		}
	}
	if err := s.rdb.Del(ctx, s.key("tokens", string(store.TypeClaudeKiroOAuth), id)).Err(); err != nil {
		return fmt.Errorf("redisstore: delete kiro token: %w", err)
	}
	return nil
}

func jsonMarshalToken(tok *store.Token) (string, error) {
	data, err := json.Marshal(tok)
	if err != nil {
		return "", fmt.Errorf("redisstore: marshal kiro token: %w", err)
	}
	return string(data), nil
}
