package dest

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/nodestorage/mongosync/internal/core"
	"github.com/nodestorage/mongosync/internal/source"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// mongoWriter applies writes to a MongoDB (or mongos-fronted sharded
// cluster) destination. Inserts and replaces go through ReplaceOne with
// upsert so the initial copy and the replayer share one code path.
type mongoWriter struct {
	uri    string
	client *mongo.Client

	isMongos bool

	retryDelay    time.Duration
	maxRetryDelay time.Duration
	retryJitter   float64
}

func NewMongoWriter(uri string, opts source.Options) Writer {
	return &mongoWriter{
		uri:           uri,
		retryDelay:    opts.RetryDelay,
		maxRetryDelay: opts.MaxRetryDelay,
		retryJitter:   opts.RetryJitter,
	}
}

func (w *mongoWriter) Connect(ctx context.Context) error {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(w.uri))
	if err != nil {
		return fmt.Errorf("dest: connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("dest: ping: %w", err)
	}
	w.client = client

	var hello struct {
		Msg string `bson:"msg"`
	}
	if err := client.Database("admin").RunCommand(ctx, bson.D{{Key: "isMaster", Value: 1}}).Decode(&hello); err == nil {
		w.isMongos = hello.Msg == "isdbgrid"
	}
	return nil
}

func (w *mongoWriter) Close(ctx context.Context) error {
	if w.client == nil {
		return nil
	}
	return w.client.Disconnect(ctx)
}

func (w *mongoWriter) Reconnect(ctx context.Context) error {
	_ = w.Close(ctx)

	delay := w.retryDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	maxDelay := w.maxRetryDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}

	var lastErr error
	for attempt := 0; attempt < 20; attempt++ {
		if err := w.Connect(ctx); err == nil {
			return nil
		} else {
			lastErr = err
		}
		jitter := float64(delay) * w.retryJitter * (rand.Float64()*2 - 1)
		wait := time.Duration(float64(delay) + jitter)
		core.Warn("dest reconnect attempt failed", zap.Int("attempt", attempt), zap.Error(lastErr))

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay = time.Duration(math.Min(float64(maxDelay), float64(delay)*2))
	}
	return fmt.Errorf("dest: reconnect exhausted retries: %w", lastErr)
}

func (w *mongoWriter) CreateIndex(ctx context.Context, db, coll string, idx source.IndexDescriptor) error {
	model := mongo.IndexModel{
		Keys: idx.Key,
		Options: options.Index().
			SetName(idx.Name).
			SetUnique(idx.Unique).
			SetSparse(idx.Sparse),
	}
	_, err := w.client.Database(db).Collection(coll).Indexes().CreateOne(ctx, model)
	if err != nil {
		return fmt.Errorf("dest: create index %s on %s.%s: %w", idx.Name, db, coll, err)
	}
	return nil
}

func (w *mongoWriter) DropDatabase(ctx context.Context, db string) error {
	if err := w.client.Database(db).Drop(ctx); err != nil {
		return fmt.Errorf("dest: drop database %s: %w", db, err)
	}
	return nil
}

// BulkWrite issues one ordered bulk write per call so document-level
// ordering within this group is preserved; the replayer is responsible
// for grouping ops so that same-_id ordering survives across calls too.
func (w *mongoWriter) BulkWrite(ctx context.Context, db, coll string, ops []WriteOp) error {
	if len(ops) == 0 {
		return nil
	}
	models := make([]mongo.WriteModel, 0, len(ops))
	for _, op := range ops {
		switch op.Kind {
		case OpReplace:
			models = append(models, mongo.NewReplaceOneModel().
				SetFilter(bson.D{{Key: "_id", Value: op.ID}}).
				SetReplacement(op.Doc).
				SetUpsert(true))
		case OpUpdate:
			models = append(models, mongo.NewUpdateOneModel().
				SetFilter(bson.D{{Key: "_id", Value: op.ID}}).
				SetUpdate(op.Doc).
				SetUpsert(true))
		case OpDelete:
			models = append(models, mongo.NewDeleteOneModel().
				SetFilter(bson.D{{Key: "_id", Value: op.ID}}))
		case OpInsertNoID:
			models = append(models, mongo.NewInsertOneModel().SetDocument(op.Doc))
		}
	}

	_, err := w.client.Database(db).Collection(coll).BulkWrite(ctx, models, options.BulkWrite().SetOrdered(true))
	if err == nil {
		return nil
	}

	// Fall back to per-op application so one bad document in a batch
	// (duplicate key from a stale replay, e.g.) doesn't sink the whole
	// group; every other op in the batch still lands.
	core.Warn("dest bulk write failed, retrying ops individually",
		zap.String("ns", db+"."+coll), zap.Int("ops", len(ops)), zap.Error(err))
	var firstErr error
	for _, op := range ops {
		if opErr := w.applyOne(ctx, db, coll, op); opErr != nil {
			core.Error("dest op failed after bulk fallback", zap.String("ns", db+"."+coll), zap.Error(opErr))
			if firstErr == nil {
				firstErr = opErr
			}
		}
	}
	return firstErr
}

func (w *mongoWriter) applyOne(ctx context.Context, db, coll string, op WriteOp) error {
	collection := w.client.Database(db).Collection(coll)
	switch op.Kind {
	case OpReplace:
		_, err := collection.ReplaceOne(ctx, bson.D{{Key: "_id", Value: op.ID}}, op.Doc, options.Replace().SetUpsert(true))
		if isImmutableFieldErr(err) && w.isMongos {
			return w.compensateImmutableField(ctx, db, coll, op)
		}
		return err
	case OpUpdate:
		_, err := collection.UpdateOne(ctx, bson.D{{Key: "_id", Value: op.ID}}, op.Doc, options.Update().SetUpsert(true))
		if isImmutableFieldErr(err) && w.isMongos {
			return w.compensateImmutableField(ctx, db, coll, op)
		}
		return err
	case OpDelete:
		_, err := collection.DeleteOne(ctx, bson.D{{Key: "_id", Value: op.ID}})
		return err
	case OpInsertNoID:
		// Index-creation-via-insert: applied without key-checking, the
		// Go driver's InsertOne does not validate reserved key names the
		// way the legacy check_keys=False bypass did, but it likewise
		// never filters on _id.
		_, err := collection.InsertOne(ctx, op.Doc)
		return err
	}
	return nil
}

// isImmutableFieldErr reports whether err is MongoDB's "immutable field"
// write error (code 66), returned when an update tries to change a
// sharded collection's shard-key field.
func isImmutableFieldErr(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "immutable field")
}

// compensateImmutableField implements the destination's only non-idempotent
// fallback: on a sharded mongos, an update that touches the shard key
// cannot be applied in place, so the old document is deleted by _id and
// the new one inserted. This is a best-effort, non-transactional
// compensation — a crash between the delete and the insert loses the
// document, a known limitation operators must be told about.
func (w *mongoWriter) compensateImmutableField(ctx context.Context, db, coll string, op WriteOp) error {
	collection := w.client.Database(db).Collection(coll)
	if _, err := collection.DeleteOne(ctx, bson.D{{Key: "_id", Value: op.ID}}); err != nil {
		return fmt.Errorf("dest: immutable field compensation delete %v: %w", op.ID, err)
	}
	doc := op.Doc
	if op.Kind == OpUpdate {
		doc = replacementFromModifier(op.ID, op.Doc)
	}
	if _, err := collection.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("dest: immutable field compensation insert %v: %w", op.ID, err)
	}
	core.Warn("dest: applied immutable-field compensation", zap.String("ns", db+"."+coll), zap.Any("id", op.ID))
	return nil
}

// replacementFromModifier builds the best available replacement document
// from a $set/$unset modifier when the full document isn't available: the
// compensation path only ever sees the modifier, not the source's current
// document state.
func replacementFromModifier(id interface{}, modifier bson.D) bson.D {
	doc := bson.D{{Key: "_id", Value: id}}
	for _, elem := range modifier {
		if elem.Key != "$set" {
			continue
		}
		if sets, ok := elem.Value.(bson.D); ok {
			doc = append(doc, sets...)
		}
	}
	return doc
}
