package checkpoint

import (
	"context"
	"fmt"
	"time"

	"github.com/nodestorage/mongosync/internal/core"
	"github.com/nodestorage/mongosync/internal/oplogtypes"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisMirrorStore wraps a FileStore and best-effort republishes every
// Write to Redis under a run-scoped key, so a monitoring host can read
// replication lag without shelling into the replayer's filesystem. Redis
// is never authoritative and a mirror failure never fails the Write.
type RedisMirrorStore struct {
	file   *FileStore
	client *redis.Client
	key    string
}

// NewRedisMirrorStore pings client once so a misconfigured Redis fails at
// startup rather than silently on every later write.
func NewRedisMirrorStore(ctx context.Context, file *FileStore, client *redis.Client, runID string) (*RedisMirrorStore, error) {
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("checkpoint: redis mirror ping: %w", err)
	}
	return &RedisMirrorStore{
		file:   file,
		client: client,
		key:    "mongosync:checkpoint:" + runID,
	}, nil
}

func (r *RedisMirrorStore) Read() (oplogtypes.OpTime, bool, error) {
	return r.file.Read()
}

// WriteContext persists to the file store (the authoritative path) and
// then mirrors to Redis; a mirror error is logged, not returned.
func (r *RedisMirrorStore) WriteContext(ctx context.Context, ts oplogtypes.OpTime) error {
	if err := r.file.Write(ts); err != nil {
		return err
	}
	field := fmt.Sprintf("%d.%d", ts.Seconds, ts.Counter)
	if err := r.client.Set(ctx, r.key, field, 0).Err(); err != nil {
		core.Warn("checkpoint mirror write failed", zap.Error(err), zap.String("key", r.key))
	}
	return nil
}

// Write implements Store for callers that don't carry a context (the
// replayer's hot path doesn't thread one through checkpoint writes); the
// Redis side of the mirror gets a short bounded timeout of its own.
func (r *RedisMirrorStore) Write(ts oplogtypes.OpTime) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return r.WriteContext(ctx, ts)
}

func (r *RedisMirrorStore) Path() string { return r.file.Path() }
