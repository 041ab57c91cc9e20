package replay

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/nodestorage/mongosync/internal/checkpoint"
	"github.com/nodestorage/mongosync/internal/dest"
	"github.com/nodestorage/mongosync/internal/filter"
	"github.com/nodestorage/mongosync/internal/oplogtypes"
	"github.com/nodestorage/mongosync/internal/source"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

// fakeCursor replays a fixed slice of entries, then blocks (like a real
// tailable cursor with nothing new) until closed.
type fakeCursor struct {
	mu      sync.Mutex
	entries []oplogtypes.Entry
	pos     int
	closed  bool
	cur     oplogtypes.Entry
}

func (c *fakeCursor) Next(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pos >= len(c.entries) {
		return false
	}
	c.cur = c.entries[c.pos]
	c.pos++
	return true
}

func (c *fakeCursor) Decode(v interface{}) error {
	out := v.(*oplogtypes.Entry)
	*out = c.cur
	return nil
}

func (c *fakeCursor) Err() error { return nil }

func (c *fakeCursor) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// fakeSource implements source.Client with just enough behavior to drive
// the replayer's tail loop in tests: TailOplog returns a fixed cursor once.
type fakeSource struct {
	source.Client
	cursor *fakeCursor
	oldest oplogtypes.OpTime
}

func (f *fakeSource) OldestOplogOptime(ctx context.Context) (oplogtypes.OpTime, error) {
	return f.oldest, nil
}

func (f *fakeSource) TailOplog(ctx context.Context, start oplogtypes.OpTime) (source.Cursor, error) {
	return f.cursor, nil
}

// fakeWriter records every BulkWrite and DropDatabase call it receives,
// the same hand-rolled-fake idiom used throughout the document storage
// layer's own tests.
type fakeWriter struct {
	dest.Writer
	mu      sync.Mutex
	writes  []fakeBulkCall
	dropped []string
}

type fakeBulkCall struct {
	db, coll string
	ops      []dest.WriteOp
}

func (w *fakeWriter) BulkWrite(ctx context.Context, db, coll string, ops []dest.WriteOp) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writes = append(w.writes, fakeBulkCall{db: db, coll: coll, ops: append([]dest.WriteOp{}, ops...)})
	return nil
}

func (w *fakeWriter) DropDatabase(ctx context.Context, db string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.dropped = append(w.dropped, db)
	return nil
}

func entry(op, ns string, obj, query bson.D) oplogtypes.Entry {
	objRaw, _ := bson.Marshal(obj)
	var queryRaw bson.Raw
	if query != nil {
		queryRaw, _ = bson.Marshal(query)
	}
	return oplogtypes.Entry{
		Timestamp: (oplogtypes.OpTime{Seconds: 1, Counter: 1}).Timestamp(),
		Operation: op,
		Namespace: ns,
		Object:    objRaw,
		Query:     queryRaw,
	}
}

func TestReplayerAppliesInsertsUpdatesAndDeletes(t *testing.T) {
	entries := []oplogtypes.Entry{
		entry(oplogtypes.OpInsert, "app.users", bson.D{{Key: "_id", Value: "u1"}, {Key: "name", Value: "a"}}, nil),
		entry(oplogtypes.OpUpdate, "app.users", bson.D{{Key: "$set", Value: bson.D{{Key: "name", Value: "b"}}}}, bson.D{{Key: "_id", Value: "u1"}}),
		entry(oplogtypes.OpDelete, "app.users", bson.D{{Key: "_id", Value: "u1"}}, nil),
	}
	cursor := &fakeCursor{entries: entries}
	src := &fakeSource{cursor: cursor}
	w := &fakeWriter{}
	cp := checkpoint.NewFileStore(filepath.Join(t.TempDir(), "checkpoint"))
	f := filter.New(nil, nil)

	r := New(src, w, f, cp, nil, 1)
	ctx, cancel := context.WithCancel(context.Background())

	// Drain entries then cancel so Run flushes the trailing group and
	// returns instead of blocking on the idle-sleep path forever.
	go func() {
		for {
			cursor.mu.Lock()
			done := cursor.pos >= len(cursor.entries)
			cursor.mu.Unlock()
			if done {
				cancel()
				return
			}
		}
	}()

	err := r.Run(ctx, oplogtypes.OpTime{})
	require.ErrorIs(t, err, context.Canceled)

	w.mu.Lock()
	defer w.mu.Unlock()
	require.Len(t, w.writes, 1)
	call := w.writes[0]
	assert.Equal(t, "app", call.db)
	assert.Equal(t, "users", call.coll)
	require.Len(t, call.ops, 3)
	assert.Equal(t, dest.OpReplace, call.ops[0].Kind)
	assert.Equal(t, dest.OpUpdate, call.ops[1].Kind)
	assert.Equal(t, dest.OpDelete, call.ops[2].Kind)
}

func TestReplayerRejectsStaleCheckpoint(t *testing.T) {
	cursor := &fakeCursor{}
	src := &fakeSource{cursor: cursor, oldest: oplogtypes.OpTime{Seconds: 100, Counter: 0}}
	w := &fakeWriter{}
	cp := checkpoint.NewFileStore(filepath.Join(t.TempDir(), "checkpoint"))
	f := filter.New(nil, nil)

	r := New(src, w, f, cp, nil, 1)
	err := r.Run(context.Background(), oplogtypes.OpTime{Seconds: 1, Counter: 0})
	require.Error(t, err)
}

func TestBuildWriteOpInsert(t *testing.T) {
	e := entry(oplogtypes.OpInsert, "app.users", bson.D{{Key: "_id", Value: "u1"}}, nil)
	op, ok := buildWriteOp(e)
	require.True(t, ok)
	assert.Equal(t, dest.OpReplace, op.Kind)
	assert.Equal(t, "u1", op.ID)
}

func TestBuildWriteOpDeleteHasNoDoc(t *testing.T) {
	e := entry(oplogtypes.OpDelete, "app.users", bson.D{{Key: "_id", Value: "u1"}}, nil)
	op, ok := buildWriteOp(e)
	require.True(t, ok)
	assert.Equal(t, dest.OpDelete, op.Kind)
	assert.Nil(t, op.Doc)
}
