// Package initcopy performs the one-time bulk copy of every in-scope
// collection before oplog tailing begins, splitting large collections into
// parallel _id ranges the way a sharded cluster's balancer would chunk
// them, and small collections into a bounded worker pool.
package initcopy

import (
	"context"
	"fmt"
	"sync"

	"github.com/nodestorage/mongosync/internal/core"
	"github.com/nodestorage/mongosync/internal/dest"
	"github.com/nodestorage/mongosync/internal/filter"
	"github.com/nodestorage/mongosync/internal/progress"
	"github.com/nodestorage/mongosync/internal/source"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"
)

// Options configures batching and parallelism for the copy.
type Options struct {
	// LargeThreshold is the document count above which a collection is
	// split into ranges and copied with one worker per range.
	LargeThreshold int64
	// BatchSize is the number of documents per ReplaceOne batch handed
	// to one BulkWrite call.
	BatchSize int
	// MaxSmallWorkers bounds how many small collections copy at once.
	MaxSmallWorkers int
	// MaxChunkSize is the splitVector chunk size hint, in bytes.
	MaxChunkSize int64
}

func DefaultOptions() Options {
	return Options{
		LargeThreshold:  1_000_000,
		BatchSize:       100,
		MaxSmallWorkers: 8,
		MaxChunkSize:    64 * 1024 * 1024,
	}
}

// Copier drives the initial bulk copy for every in-scope namespace.
type Copier struct {
	src      source.Client
	dst      dest.Writer
	filter   *filter.Set
	progress *progress.Reporter
	opts     Options
}

func New(src source.Client, dst dest.Writer, f *filter.Set, reporter *progress.Reporter, opts Options) *Copier {
	return &Copier{src: src, dst: dst, filter: f, progress: reporter, opts: opts}
}

type task struct {
	db, coll string
	idRange  *source.IDRange
	total    int64
}

// Run copies every in-scope collection, small collections run through a
// bounded worker pool, each large collection gets one worker per
// split-vector range so no single collection starves the others.
func (c *Copier) Run(ctx context.Context) error {
	dbs, err := c.src.ListDatabases(ctx)
	if err != nil {
		return fmt.Errorf("initcopy: list databases: %w", err)
	}

	var smallTasks, largeTasks []task
	for _, db := range dbs {
		if !c.filter.ValidDB(db) {
			continue
		}
		colls, err := c.src.ListCollections(ctx, db)
		if err != nil {
			return fmt.Errorf("initcopy: list collections in %s: %w", db, err)
		}
		for _, coll := range colls {
			if !c.filter.ValidColl(db, coll) {
				continue
			}
			count, err := c.src.CountDocuments(ctx, db, coll)
			if err != nil {
				return fmt.Errorf("initcopy: count %s.%s: %w", db, coll, err)
			}
			if c.progress != nil {
				c.progress.Register(db+"."+coll, count)
			}

			if count <= c.opts.LargeThreshold {
				smallTasks = append(smallTasks, task{db: db, coll: coll, total: count})
				continue
			}
			ranges, err := c.splitRanges(ctx, db, coll)
			if err != nil {
				return err
			}
			for _, r := range ranges {
				largeTasks = append(largeTasks, task{db: db, coll: coll, idRange: r, total: count})
			}
		}
	}

	if err := c.runPool(ctx, smallTasks, c.opts.MaxSmallWorkers); err != nil {
		return err
	}
	return c.runPool(ctx, largeTasks, len(largeTasks))
}

func (c *Copier) splitRanges(ctx context.Context, db, coll string) ([]*source.IDRange, error) {
	keys, err := c.src.SplitVector(ctx, db, coll, c.opts.MaxChunkSize)
	if err != nil {
		core.Warn("initcopy: splitVector failed, copying as single range",
			zap.String("ns", db+"."+coll), zap.Error(err))
		return []*source.IDRange{nil}, nil
	}
	if len(keys) == 0 {
		return []*source.IDRange{nil}, nil
	}

	ranges := make([]*source.IDRange, 0, len(keys)+1)
	var prev interface{}
	for _, k := range keys {
		var boundary bson.D
		if err := bson.Unmarshal(k.Value, &boundary); err != nil {
			continue
		}
		var id interface{}
		for _, elem := range boundary {
			if elem.Key == "_id" {
				id = elem.Value
			}
		}
		ranges = append(ranges, &source.IDRange{Min: prev, Max: id})
		prev = id
	}
	ranges = append(ranges, &source.IDRange{Min: prev, Max: nil})
	return ranges, nil
}

// runPool copies tasks with up to workers goroutines in flight at once.
func (c *Copier) runPool(ctx context.Context, tasks []task, workers int) error {
	if len(tasks) == 0 {
		return nil
	}
	if workers <= 0 {
		workers = 1
	}

	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	errCh := make(chan error, len(tasks))

	for _, t := range tasks {
		t := t
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if err := c.copyTask(ctx, t); err != nil {
				errCh <- err
			}
		}()
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *Copier) copyTask(ctx context.Context, t task) error {
	cursor, err := c.src.Scan(ctx, t.db, t.coll, t.idRange)
	if err != nil {
		return fmt.Errorf("initcopy: scan %s.%s: %w", t.db, t.coll, err)
	}
	defer cursor.Close(ctx)

	destDB, destColl := c.filter.MapNamespace(t.db, t.coll)

	batch := make([]dest.WriteOp, 0, c.opts.BatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := c.dst.BulkWrite(ctx, destDB, destColl, batch); err != nil {
			return fmt.Errorf("initcopy: bulk write %s.%s: %w", destDB, destColl, err)
		}
		if c.progress != nil {
			c.progress.Add(t.db+"."+t.coll, int64(len(batch)), false)
		}
		batch = batch[:0]
		return nil
	}

	for cursor.Next(ctx) {
		var doc bson.D
		if err := cursor.Decode(&doc); err != nil {
			return fmt.Errorf("initcopy: decode document in %s.%s: %w", t.db, t.coll, err)
		}
		var id interface{}
		for _, elem := range doc {
			if elem.Key == "_id" {
				id = elem.Value
			}
		}
		batch = append(batch, dest.WriteOp{Kind: dest.OpReplace, ID: id, Doc: doc})
		if len(batch) >= c.opts.BatchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := cursor.Err(); err != nil {
		return fmt.Errorf("initcopy: cursor error on %s.%s: %w", t.db, t.coll, err)
	}
	if err := flush(); err != nil {
		return err
	}
	if c.progress != nil {
		c.progress.Add(t.db+"."+t.coll, 0, true)
	}
	return nil
}
