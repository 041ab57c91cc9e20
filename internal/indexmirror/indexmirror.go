// Package indexmirror copies index definitions from the source cluster to
// the destination before the initial document copy starts, so bulk
// upserts racing ahead of index builds never produce a duplicate-key
// surprise partway through a collection.
package indexmirror

import (
	"context"
	"fmt"

	"github.com/nodestorage/mongosync/internal/core"
	"github.com/nodestorage/mongosync/internal/dest"
	"github.com/nodestorage/mongosync/internal/filter"
	"github.com/nodestorage/mongosync/internal/source"
	"go.uber.org/zap"
)

// Mirror walks every in-scope database and collection on src and
// recreates each of its indexes on dst, skipping the implicit _id index
// every collection already has.
func Mirror(ctx context.Context, src source.Client, dst dest.Writer, f *filter.Set) error {
	dbs, err := src.ListDatabases(ctx)
	if err != nil {
		return fmt.Errorf("indexmirror: list databases: %w", err)
	}

	for _, db := range dbs {
		if !f.ValidDB(db) {
			continue
		}
		colls, err := src.ListCollections(ctx, db)
		if err != nil {
			return fmt.Errorf("indexmirror: list collections in %s: %w", db, err)
		}
		for _, coll := range colls {
			if !f.ValidColl(db, coll) {
				continue
			}
			if err := mirrorCollection(ctx, src, dst, f, db, coll); err != nil {
				return err
			}
		}
	}
	return nil
}

func mirrorCollection(ctx context.Context, src source.Client, dst dest.Writer, f *filter.Set, db, coll string) error {
	indexes, err := src.ListIndexes(ctx, db, coll)
	if err != nil {
		return fmt.Errorf("indexmirror: list indexes on %s.%s: %w", db, coll, err)
	}

	destDB, destColl := f.MapNamespace(db, coll)
	for _, idx := range indexes {
		if idx.Name == "_id_" {
			continue
		}
		if err := dst.CreateIndex(ctx, destDB, destColl, idx); err != nil {
			core.Warn("indexmirror: failed to create index, continuing",
				zap.String("index", idx.Name), zap.String("ns", destDB+"."+destColl), zap.Error(err))
			continue
		}
		core.Info("indexmirror: created index", zap.String("index", idx.Name), zap.String("ns", destDB+"."+destColl))
	}
	return nil
}
