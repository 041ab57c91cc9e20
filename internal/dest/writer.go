// Package dest defines the destination side of replication: applying the
// initial copy and oplog-derived writes to either a MongoDB/sharded-cluster
// target or an Elasticsearch index.
package dest

import (
	"context"

	"github.com/nodestorage/mongosync/internal/source"
	"go.mongodb.org/mongo-driver/bson"
)

// OpKind is the write operation a replayed oplog entry translates into.
type OpKind int

const (
	OpReplace OpKind = iota
	OpUpdate
	OpDelete
	// OpInsertNoID is an insert whose source document carries no _id — the
	// index-creation-via-insert special case (spec.md §4.2 special case
	// (i)) — and is applied as a bare insert without key-checking instead
	// of a replace-by-_id.
	OpInsertNoID
)

// WriteOp is one document-level write destined for a single namespace,
// built by the replayer or initial copier from a source oplog entry or
// scanned document.
type WriteOp struct {
	Kind OpKind
	ID   interface{}
	Doc  bson.D // full document for OpReplace, $set/$unset-shaped update for OpUpdate
}

// Writer is the destination side of replication. BulkWrite must preserve
// the relative order of ops sharing the same ID and may reorder ops for
// different IDs.
type Writer interface {
	Connect(ctx context.Context) error
	Close(ctx context.Context) error
	Reconnect(ctx context.Context) error

	CreateIndex(ctx context.Context, db, coll string, idx source.IndexDescriptor) error
	DropDatabase(ctx context.Context, db string) error

	BulkWrite(ctx context.Context, db, coll string, ops []WriteOp) error
}
