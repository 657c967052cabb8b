package repository

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/hitoshi/fakturidias/internal/model"
)

func setupRedisRepo(t *testing.T) *RedisSessionRepo {
	t.Helper()

	redisURL := os.Getenv("TEST_REDIS_URL")
	if redisURL == "" {
		t.Skip("TEST_REDIS_URL が未設定のためスキップ")
	}
	client, err := NewRedisClient(context.Background(), redisURL)
	if err != nil {
		t.Skipf("Redisに接続できません（スキップ）: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return NewRedisSessionRepo(client)
}

func TestNewRedisClient_InvalidURL(t *testing.T) {
	if _, err := NewRedisClient(context.Background(), "not-a-redis-url"); err == nil {
		t.Error("expected error for invalid URL")
	}
}

func TestRedisSessionRepo_Lifecycle(t *testing.T) {
	repo := setupRedisRepo(t)
	ctx := context.Background()
	now := time.Now()
	identity := "redis-" + now.Format("150405.000000") + "@example.com"

	for _, id := range []string{"r1-" + identity, "r2-" + identity} {
		if err := repo.Create(ctx, &model.Session{ID: id, Identity: identity, ExpiresAt: now.Add(time.Minute), CreatedAt: now}); err != nil {
			t.Fatalf("Create returned error: %v", err)
		}
	}

	s, err := repo.FindByID(ctx, "r1-"+identity)
	if err != nil {
		t.Fatalf("FindByID returned error: %v", err)
	}
	if s == nil || s.Identity != identity || !s.Authenticated {
		t.Fatalf("FindByID = %+v, want authenticated %s", s, identity)
	}

	if err := repo.DeleteByIdentity(ctx, identity); err != nil {
		t.Fatalf("DeleteByIdentity returned error: %v", err)
	}
	for _, id := range []string{"r1-" + identity, "r2-" + identity} {
		if s, _ := repo.FindByID(ctx, id); s != nil {
			t.Errorf("session %s should be deleted", id)
		}
	}
}

func TestRedisSessionRepo_CreateExpired(t *testing.T) {
	repo := setupRedisRepo(t)

	err := repo.Create(context.Background(), &model.Session{ID: "expired", Identity: "a@example.com", ExpiresAt: time.Now().Add(-time.Second)})
	if err == nil {
		t.Error("Create should reject an already expired session")
	}
}
