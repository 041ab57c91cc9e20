package initcopy

import (
	"context"
	"sync"
	"testing"

	"github.com/nodestorage/mongosync/internal/dest"
	"github.com/nodestorage/mongosync/internal/filter"
	"github.com/nodestorage/mongosync/internal/source"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

// fakeDocCursor scans a fixed in-memory slice of documents.
type fakeDocCursor struct {
	docs []bson.D
	pos  int
	cur  bson.D
}

func (c *fakeDocCursor) Next(ctx context.Context) bool {
	if c.pos >= len(c.docs) {
		return false
	}
	c.cur = c.docs[c.pos]
	c.pos++
	return true
}

func (c *fakeDocCursor) Decode(v interface{}) error {
	*(v.(*bson.D)) = c.cur
	return nil
}
func (c *fakeDocCursor) Err() error              { return nil }
func (c *fakeDocCursor) Close(ctx context.Context) error { return nil }

// fakeSource serves one small collection "app.widgets" with three documents
// and reports it under the large threshold so it copies as a single task.
type fakeSource struct {
	source.Client
	docs []bson.D
}

func (f *fakeSource) ListDatabases(ctx context.Context) ([]string, error) {
	return []string{"app"}, nil
}
func (f *fakeSource) ListCollections(ctx context.Context, db string) ([]string, error) {
	return []string{"widgets"}, nil
}
func (f *fakeSource) CountDocuments(ctx context.Context, db, coll string) (int64, error) {
	return int64(len(f.docs)), nil
}
func (f *fakeSource) Scan(ctx context.Context, db, coll string, idRange *source.IDRange) (source.Cursor, error) {
	return &fakeDocCursor{docs: f.docs}, nil
}

type fakeDest struct {
	dest.Writer
	mu    sync.Mutex
	calls [][]dest.WriteOp
}

func (d *fakeDest) BulkWrite(ctx context.Context, db, coll string, ops []dest.WriteOp) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, append([]dest.WriteOp{}, ops...))
	return nil
}

func TestCopierRunCopiesSmallCollection(t *testing.T) {
	docs := []bson.D{
		{{Key: "_id", Value: "a"}},
		{{Key: "_id", Value: "b"}},
		{{Key: "_id", Value: "c"}},
	}
	src := &fakeSource{docs: docs}
	d := &fakeDest{}
	f := filter.New(nil, nil)

	c := New(src, d, f, nil, Options{
		LargeThreshold:  1_000_000,
		BatchSize:       2,
		MaxSmallWorkers: 2,
		MaxChunkSize:    64 * 1024 * 1024,
	})

	require.NoError(t, c.Run(context.Background()))

	d.mu.Lock()
	defer d.mu.Unlock()
	var total int
	for _, call := range d.calls {
		total += len(call)
	}
	assert.Equal(t, 3, total)
}
