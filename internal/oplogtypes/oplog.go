// Package oplogtypes defines the wire shapes read from a MongoDB oplog and
// the optime bookkeeping built on top of them.
package oplogtypes

import (
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Entry is a single local.oplog.rs document. Field names mirror the
// server's own abbreviations (ts, op, ns, o, o2) so bson tags decode
// directly off the wire without a translation layer.
type Entry struct {
	Timestamp primitive.Timestamp `bson:"ts"`
	Term      *int64              `bson:"t,omitempty"`
	Hash      *int64              `bson:"h,omitempty"`
	Version   int                 `bson:"v,omitempty"`
	Operation string              `bson:"op"`
	Namespace string              `bson:"ns"`
	Object    bson.Raw            `bson:"o"`
	Query     bson.Raw            `bson:"o2,omitempty"`
	UI        *primitive.Binary   `bson:"ui,omitempty"`
}

// Operation codes as they appear in Entry.Operation.
const (
	OpInsert   = "i"
	OpUpdate   = "u"
	OpDelete   = "d"
	OpCommand  = "c"
	OpNoop     = "n"
)

// IDFromObject extracts the _id field from an insert/delete oplog entry's
// Object; for an update entry use IDFromQuery.
func (e Entry) IDFromObject() (interface{}, bool) {
	var doc bson.D
	if err := bson.Unmarshal(e.Object, &doc); err != nil {
		return nil, false
	}
	for _, elem := range doc {
		if elem.Key == "_id" {
			return elem.Value, true
		}
	}
	return nil, false
}

// IDFromQuery extracts the _id selector from an update entry's Query (o2).
func (e Entry) IDFromQuery() (interface{}, bool) {
	var doc bson.D
	if err := bson.Unmarshal(e.Query, &doc); err != nil {
		return nil, false
	}
	for _, elem := range doc {
		if elem.Key == "_id" {
			return elem.Value, true
		}
	}
	return nil, false
}

// IsUpdateModifier reports whether an update entry's Object is a modifier
// document (leading $set/$unset/... key) rather than a full replacement
// document, matching the replication-style update oplog shape.
func (e Entry) IsUpdateModifier() bool {
	var doc bson.D
	if err := bson.Unmarshal(e.Object, &doc); err != nil {
		return false
	}
	if len(doc) == 0 {
		return false
	}
	key := doc[0].Key
	return len(key) > 0 && key[0] == '$'
}

// OpTime is the (seconds, counter) pair MongoDB uses to order oplog
// entries within a term; it round-trips to primitive.Timestamp.
type OpTime struct {
	Seconds uint32
	Counter uint32
}

// FromTimestamp converts a driver Timestamp into an OpTime.
func FromTimestamp(ts primitive.Timestamp) OpTime {
	return OpTime{Seconds: ts.T, Counter: ts.I}
}

// Timestamp converts an OpTime back into a driver Timestamp.
func (o OpTime) Timestamp() primitive.Timestamp {
	return primitive.Timestamp{T: o.Seconds, I: o.Counter}
}

// Less reports whether o sorts strictly before other.
func (o OpTime) Less(other OpTime) bool {
	if o.Seconds != other.Seconds {
		return o.Seconds < other.Seconds
	}
	return o.Counter < other.Counter
}

// IsZero reports whether o is the zero optime, used as "no checkpoint yet".
func (o OpTime) IsZero() bool {
	return o.Seconds == 0 && o.Counter == 0
}
