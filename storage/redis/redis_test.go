package redis

import (
	"context"
	"testing"

	"github.com/ggoodman/mcp-gateway/storage"
	"github.com/ggoodman/mcp-gateway/storage/storagetest"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func TestRedisStorage(t *testing.T) {
	conn := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379"})
	if err := conn.Ping(context.Background()).Err(); err != nil {
		_ = conn.Close()
		t.Skipf("Redis not available: %v", err)
	}
	_ = conn.Close()

	storagetest.RunStorageTests(t, func(t *testing.T) storage.Storage {
		s, err := New(Config{
			RedisAddr: "127.0.0.1:6379",
			KeyPrefix: "mcp:storage:test:" + uuid.NewString() + ":",
		})
		if err != nil {
			t.Fatalf("Failed to create Redis storage: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}
