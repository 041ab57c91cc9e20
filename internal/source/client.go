// Package source wraps the MongoDB client used to read from the
// replication source: listing collections and indexes, scanning documents
// for the initial copy, and tailing the oplog.
package source

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/nodestorage/mongosync/internal/core"
	"github.com/nodestorage/mongosync/internal/oplogtypes"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// IndexDescriptor is a listIndexes result pared down to what index mirror
// and consistency checking need.
type IndexDescriptor struct {
	Name   string
	Key    bson.D
	Unique bool
	Sparse bool
	Extra  bson.D // any remaining index options (partialFilterExpression, expireAfterSeconds, ...)
}

// Cursor abstracts a mongo.Cursor so callers don't depend on the driver
// type directly, matching how the destination writer is abstracted too.
type Cursor interface {
	Next(ctx context.Context) bool
	Decode(v interface{}) error
	Err() error
	Close(ctx context.Context) error
}

// Client is everything the initial copier, oplog replayer, index mirror
// and consistency checker need from a source cluster.
type Client interface {
	Connect(ctx context.Context) error
	Close(ctx context.Context) error
	Reconnect(ctx context.Context) error

	ListDatabases(ctx context.Context) ([]string, error)
	ListCollections(ctx context.Context, db string) ([]string, error)
	ListIndexes(ctx context.Context, db, coll string) ([]IndexDescriptor, error)
	CollStats(ctx context.Context, db, coll string) (count int64, avgObjSize int64, err error)
	SplitVector(ctx context.Context, db, coll string, maxChunkSize int64) ([]bson.RawValue, error)

	Scan(ctx context.Context, db, coll string, idRange *IDRange) (Cursor, error)
	CountDocuments(ctx context.Context, db, coll string) (int64, error)
	FindByID(ctx context.Context, db, coll string, id interface{}) (bson.D, error)

	PrimaryOptime(ctx context.Context) (oplogtypes.OpTime, error)
	OldestOplogOptime(ctx context.Context) (oplogtypes.OpTime, error)
	TailOplog(ctx context.Context, start oplogtypes.OpTime) (Cursor, error)
}

// IDRange bounds a split-vector partition of a large collection; either
// bound may be nil to mean "unbounded" on that side.
type IDRange struct {
	Min interface{}
	Max interface{}
}

type mongoClient struct {
	uri    string
	client *mongo.Client

	retryDelay    time.Duration
	maxRetryDelay time.Duration
	retryJitter   float64
}

// Options configures reconnect backoff.
type Options struct {
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	RetryJitter   float64
}

func DefaultOptions() Options {
	return Options{
		RetryDelay:    500 * time.Millisecond,
		MaxRetryDelay: 30 * time.Second,
		RetryJitter:   0.2,
	}
}

// New returns a Client backed by uri. Connect must be called before use.
func New(uri string, opts Options) Client {
	return &mongoClient{
		uri:           uri,
		retryDelay:    opts.RetryDelay,
		maxRetryDelay: opts.MaxRetryDelay,
		retryJitter:   opts.RetryJitter,
	}
}

func (c *mongoClient) Connect(ctx context.Context) error {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(c.uri))
	if err != nil {
		return fmt.Errorf("source: connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("source: ping: %w", err)
	}
	c.client = client
	return nil
}

func (c *mongoClient) Close(ctx context.Context) error {
	if c.client == nil {
		return nil
	}
	return c.client.Disconnect(ctx)
}

// Reconnect retries Connect with exponential backoff and jitter, the same
// shape used for write-conflict retries in the document storage layer this
// client's patterns were lifted from, repurposed here for connection loss.
func (c *mongoClient) Reconnect(ctx context.Context) error {
	_ = c.Close(ctx)

	delay := c.retryDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	maxDelay := c.maxRetryDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}

	var lastErr error
	for attempt := 0; attempt < 20; attempt++ {
		if err := c.Connect(ctx); err == nil {
			return nil
		} else {
			lastErr = err
		}

		jitter := float64(delay) * c.retryJitter * (rand.Float64()*2 - 1)
		wait := time.Duration(float64(delay) + jitter)
		core.Warn("source reconnect attempt failed", zap.Int("attempt", attempt), zap.Error(lastErr))

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay = time.Duration(math.Min(float64(maxDelay), float64(delay)*2))
	}
	return fmt.Errorf("source: reconnect exhausted retries: %w", lastErr)
}

func (c *mongoClient) ListDatabases(ctx context.Context) ([]string, error) {
	return c.client.ListDatabaseNames(ctx, bson.D{})
}

func (c *mongoClient) ListCollections(ctx context.Context, db string) ([]string, error) {
	return c.client.Database(db).ListCollectionNames(ctx, bson.D{})
}

func (c *mongoClient) ListIndexes(ctx context.Context, db, coll string) ([]IndexDescriptor, error) {
	cur, err := c.client.Database(db).Collection(coll).Indexes().List(ctx)
	if err != nil {
		return nil, fmt.Errorf("source: list indexes %s.%s: %w", db, coll, err)
	}
	defer cur.Close(ctx)

	var out []IndexDescriptor
	for cur.Next(ctx) {
		var raw bson.D
		if err := cur.Decode(&raw); err != nil {
			return nil, err
		}
		out = append(out, decodeIndexDescriptor(raw))
	}
	return out, cur.Err()
}

func decodeIndexDescriptor(raw bson.D) IndexDescriptor {
	var d IndexDescriptor
	for _, elem := range raw {
		switch elem.Key {
		case "name":
			d.Name, _ = elem.Value.(string)
		case "key":
			if key, ok := elem.Value.(bson.D); ok {
				d.Key = key
			}
		case "unique":
			d.Unique, _ = elem.Value.(bool)
		case "sparse":
			d.Sparse, _ = elem.Value.(bool)
		default:
			d.Extra = append(d.Extra, elem)
		}
	}
	return d
}

func (c *mongoClient) CollStats(ctx context.Context, db, coll string) (int64, int64, error) {
	var result bson.M
	cmd := bson.D{{Key: "collStats", Value: coll}}
	if err := c.client.Database(db).RunCommand(ctx, cmd).Decode(&result); err != nil {
		return 0, 0, fmt.Errorf("source: collStats %s.%s: %w", db, coll, err)
	}
	count, _ := toInt64(result["count"])
	avgObjSize, _ := toInt64(result["avgObjSize"])
	return count, avgObjSize, nil
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

// SplitVector calls the splitVector command to get _id boundaries for
// parallel range scans of a large collection, the Go equivalent of the
// chunk boundaries a sharded cluster's balancer would compute.
func (c *mongoClient) SplitVector(ctx context.Context, db, coll string, maxChunkSize int64) ([]bson.RawValue, error) {
	var result struct {
		SplitKeys []bson.RawValue `bson:"splitKeys"`
	}
	cmd := bson.D{
		{Key: "splitVector", Value: db + "." + coll},
		{Key: "keyPattern", Value: bson.D{{Key: "_id", Value: 1}}},
		{Key: "maxChunkSize", Value: maxChunkSize},
	}
	if err := c.client.Database("admin").RunCommand(ctx, cmd).Decode(&result); err != nil {
		return nil, fmt.Errorf("source: splitVector %s.%s: %w", db, coll, err)
	}
	return result.SplitKeys, nil
}

func (c *mongoClient) Scan(ctx context.Context, db, coll string, idRange *IDRange) (Cursor, error) {
	filter := bson.D{}
	if idRange != nil {
		rangeFilter := bson.D{}
		if idRange.Min != nil {
			rangeFilter = append(rangeFilter, bson.E{Key: "$gte", Value: idRange.Min})
		}
		if idRange.Max != nil {
			rangeFilter = append(rangeFilter, bson.E{Key: "$lt", Value: idRange.Max})
		}
		if len(rangeFilter) > 0 {
			filter = bson.D{{Key: "_id", Value: rangeFilter}}
		}
	}
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}).SetNoCursorTimeout(true)
	return c.client.Database(db).Collection(coll).Find(ctx, filter, opts)
}

func (c *mongoClient) CountDocuments(ctx context.Context, db, coll string) (int64, error) {
	return c.client.Database(db).Collection(coll).EstimatedDocumentCount(ctx)
}

// FindByID fetches a single document by its _id, used by the consistency
// checker's document-level sampling.
func (c *mongoClient) FindByID(ctx context.Context, db, coll string, id interface{}) (bson.D, error) {
	var doc bson.D
	err := c.client.Database(db).Collection(coll).FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&doc)
	if err != nil {
		return nil, fmt.Errorf("source: find by id in %s.%s: %w", db, coll, err)
	}
	return doc, nil
}

func (c *mongoClient) PrimaryOptime(ctx context.Context) (oplogtypes.OpTime, error) {
	var result struct {
		OperationTime primitive.Timestamp `bson:"operationTime"`
	}
	if err := c.client.Database("admin").RunCommand(ctx, bson.D{{Key: "ping", Value: 1}}).Decode(&result); err != nil {
		return oplogtypes.OpTime{}, fmt.Errorf("source: primary optime: %w", err)
	}
	return oplogtypes.FromTimestamp(result.OperationTime), nil
}

func (c *mongoClient) OldestOplogOptime(ctx context.Context) (oplogtypes.OpTime, error) {
	var entry oplogtypes.Entry
	opts := options.FindOne().SetSort(bson.D{{Key: "$natural", Value: 1}})
	err := c.client.Database("local").Collection("oplog.rs").FindOne(ctx, bson.D{}, opts).Decode(&entry)
	if err != nil {
		return oplogtypes.OpTime{}, fmt.Errorf("source: oldest oplog entry: %w", err)
	}
	return oplogtypes.FromTimestamp(entry.Timestamp), nil
}

// TailOplog opens a tailable-await cursor starting at and including start,
// so the caller can validate the first returned entry's ts equals start.
func (c *mongoClient) TailOplog(ctx context.Context, start oplogtypes.OpTime) (Cursor, error) {
	filter := bson.D{{Key: "ts", Value: bson.D{{Key: "$gte", Value: start.Timestamp()}}}}
	opts := options.Find().
		SetCursorType(options.TailableAwait).
		SetNoCursorTimeout(true).
		SetOplogReplay(true)
	return c.client.Database("local").Collection("oplog.rs").Find(ctx, filter, opts)
}
