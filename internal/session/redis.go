package session

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lgulliver/conduit/internal/common"
	"github.com/lgulliver/conduit/pkg/types"
)

const redisKeyPrefix = "upload-sessions:"

// RedisBackend keeps one hash per owner, keyed by session id
type RedisBackend struct {
	cache *common.Cache
}

// NewRedisBackend creates a Redis-backed session backend
func NewRedisBackend(cache *common.Cache) *RedisBackend {
	return &RedisBackend{cache: cache}
}

func ownerKey(ownerID string) string {
	return redisKeyPrefix + ownerID
}

func (r *RedisBackend) List(ctx context.Context, ownerID string) ([]*types.UploadSession, error) {
	raw, err := r.cache.HGetAllRaw(ctx, ownerKey(ownerID))
	if err != nil {
		return nil, err
	}
	sessions := make([]*types.UploadSession, 0, len(raw))
	for id, value := range raw {
		var s types.UploadSession
		if err := json.Unmarshal([]byte(value), &s); err != nil {
			return nil, fmt.Errorf("failed to decode session %s: %w", id, err)
		}
		sessions = append(sessions, &s)
	}
	return sessions, nil
}

func (r *RedisBackend) Put(ctx context.Context, ownerID string, sessions ...*types.UploadSession) error {
	fields := make(map[string]interface{}, len(sessions))
	for _, s := range sessions {
		fields[s.SessionID] = s
	}
	return r.cache.HSetJSON(ctx, ownerKey(ownerID), fields)
}

func (r *RedisBackend) Delete(ctx context.Context, ownerID string, sessionIDs ...string) error {
	return r.cache.HDel(ctx, ownerKey(ownerID), sessionIDs...)
}
