package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/fakturidias/internal/model"
)

const (
	redisSessionPrefix  = "session:"
	redisIdentityPrefix = "identity_sessions:"
)

// RedisSessionRepo はRedisを使用したセッションリポジトリ。
// セッションキーには有効期限までのTTLを設定する。
type RedisSessionRepo struct {
	client *redis.Client
}

// NewRedisSessionRepo はRedisSessionRepoを生成する。
func NewRedisSessionRepo(client *redis.Client) *RedisSessionRepo {
	return &RedisSessionRepo{client: client}
}

// NewRedisClient はURLからRedisクライアントを生成し、疎通を確認する。
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

type redisSession struct {
	Identity  string    `json:"identity"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// Create はセッションを作成する。
func (r *RedisSessionRepo) Create(ctx context.Context, session *model.Session) error {
	ttl := time.Until(session.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("failed to create session: already expired")
	}

	payload, err := json.Marshal(redisSession{
		Identity:  session.Identity,
		ExpiresAt: session.ExpiresAt,
		CreatedAt: session.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	indexKey := redisIdentityPrefix + session.Identity
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, redisSessionPrefix+session.ID, payload, ttl)
	pipe.SAdd(ctx, indexKey, session.ID)
	// 新しいセッションほど期限が遅いため、索引の期限は常に延長される
	pipe.Expire(ctx, indexKey, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// FindByID は指定IDのセッションを取得する。
func (r *RedisSessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	val, err := r.client.Get(ctx, redisSessionPrefix+id).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}

	var stored redisSession
	if err := json.Unmarshal([]byte(val), &stored); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	return &model.Session{
		ID:            id,
		Identity:      stored.Identity,
		Authenticated: true,
		ExpiresAt:     stored.ExpiresAt,
		CreatedAt:     stored.CreatedAt,
	}, nil
}

// DeleteByID は指定IDのセッションを削除する。
func (r *RedisSessionRepo) DeleteByID(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, redisSessionPrefix+id).Err(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// DeleteByIdentity は指定識別子の全セッションを削除する。
func (r *RedisSessionRepo) DeleteByIdentity(ctx context.Context, identity string) error {
	indexKey := redisIdentityPrefix + identity
	ids, err := r.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return fmt.Errorf("failed to list identity sessions: %w", err)
	}

	keys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		keys = append(keys, redisSessionPrefix+id)
	}
	keys = append(keys, indexKey)
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete identity sessions: %w", err)
	}
	return nil
}

// DeleteExpired は何もしない。期限切れのキーはRedisのTTLで消える。
func (r *RedisSessionRepo) DeleteExpired(context.Context, time.Time) (int64, error) {
	return 0, nil
}

// compile-time interface check
var _ SessionRepository = (*RedisSessionRepo)(nil)
