// Package replay tails the source oplog and applies it to the
// destination, grouping consecutive entries per namespace the way the
// original multi-writer replayer batched updates per collection before
// handing them to the driver's bulk write.
package replay

import (
	"fmt"

	"github.com/nodestorage/mongosync/internal/dest"
	"github.com/nodestorage/mongosync/internal/oplogtypes"
	"github.com/spaolacci/murmur3"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// directBulkThreshold is the largest group size dispatched as a single
// bulk write without id-hash sharding; above it, ops are spread across
// partitions to bound single-request size.
const directBulkThreshold = 40

// group buffers pending writes for one namespace between flushes. oldestTS
// is the ts of the first entry pushed since the group was last flushed; a
// threshold-triggered flush of a sibling group must not advance the
// checkpoint past oldestTS, since this group's buffered entries are still
// unacknowledged.
type group struct {
	db, coll string
	ops      []dest.WriteOp
	oldestTS oplogtypes.OpTime
	hasTS    bool
}

func newGroup(db, coll string) *group {
	return &group{db: db, coll: coll}
}

func (g *group) push(op dest.WriteOp, ts oplogtypes.OpTime) {
	g.ops = append(g.ops, op)
	if !g.hasTS {
		g.oldestTS = ts
		g.hasTS = true
	}
}

func (g *group) len() int {
	return len(g.ops)
}

// partitions splits g's ops into n shards by murmur3 hash of the
// document's string _id, preserving the relative order of ops sharing the
// same _id within their shard (a group is built in oplog arrival order,
// and stable partitioning never reorders two ops landing in the same
// shard).
func (g *group) partitions(n int) [][]dest.WriteOp {
	if n <= 1 || len(g.ops) <= directBulkThreshold {
		return [][]dest.WriteOp{g.ops}
	}
	shards := make([][]dest.WriteOp, n)
	for _, op := range g.ops {
		idx := shardFor(op.ID, n)
		shards[idx] = append(shards[idx], op)
	}
	return shards
}

func shardFor(id interface{}, n int) int {
	key := idString(id)
	h := murmur3.Sum32([]byte(key))
	return int(h % uint32(n))
}

func idString(id interface{}) string {
	switch v := id.(type) {
	case string:
		return v
	case primitive.ObjectID:
		return v.Hex()
	default:
		return fmt.Sprint(v)
	}
}
