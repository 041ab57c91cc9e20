package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nodestorage/mongosync/internal/oplogtypes"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func redisAddr(t *testing.T) string {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("skipping redis mirror test: %v", err)
	}
	return addr
}

func TestRedisMirrorStoreMirrorsWrites(t *testing.T) {
	addr := redisAddr(t)
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	file := NewFileStore(filepath.Join(t.TempDir(), "checkpoint"))
	ctx := context.Background()

	mirror, err := NewRedisMirrorStore(ctx, file, client, "test-run")
	require.NoError(t, err)
	defer client.Del(ctx, "mongosync:checkpoint:test-run")

	want := oplogtypes.OpTime{Seconds: 1700000100, Counter: 7}
	require.NoError(t, mirror.WriteContext(ctx, want))

	got, ok, err := mirror.Read()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, want, got)

	val, err := client.Get(ctx, "mongosync:checkpoint:test-run").Result()
	require.NoError(t, err)
	require.Equal(t, "1700000100.7", val)
}
