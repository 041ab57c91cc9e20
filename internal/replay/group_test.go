package replay

import (
	"testing"

	"github.com/nodestorage/mongosync/internal/dest"
	"github.com/nodestorage/mongosync/internal/oplogtypes"
	"github.com/stretchr/testify/assert"
)

func TestGroupPartitionsPreserveOrderPerID(t *testing.T) {
	g := newGroup("app", "users")
	g.push(dest.WriteOp{Kind: dest.OpReplace, ID: "a"}, oplogtypes.OpTime{Seconds: 1, Counter: 1})
	g.push(dest.WriteOp{Kind: dest.OpUpdate, ID: "b"}, oplogtypes.OpTime{Seconds: 1, Counter: 1})
	g.push(dest.WriteOp{Kind: dest.OpUpdate, ID: "a"}, oplogtypes.OpTime{Seconds: 1, Counter: 1})
	g.push(dest.WriteOp{Kind: dest.OpDelete, ID: "b"}, oplogtypes.OpTime{Seconds: 1, Counter: 1})

	for i := 0; i < directBulkThreshold+1; i++ {
		g.push(dest.WriteOp{Kind: dest.OpReplace, ID: "filler"}, oplogtypes.OpTime{Seconds: 1, Counter: 1})
	}

	shards := g.partitions(4)

	seenA := []dest.OpKind{}
	seenB := []dest.OpKind{}
	for _, shard := range shards {
		for _, op := range shard {
			if op.ID == "a" {
				seenA = append(seenA, op.Kind)
			}
			if op.ID == "b" {
				seenB = append(seenB, op.Kind)
			}
		}
	}
	assert.Equal(t, []dest.OpKind{dest.OpReplace, dest.OpUpdate}, seenA)
	assert.Equal(t, []dest.OpKind{dest.OpUpdate, dest.OpDelete}, seenB)
}

func TestGroupSmallBatchIsSinglePartition(t *testing.T) {
	g := newGroup("app", "users")
	g.push(dest.WriteOp{Kind: dest.OpReplace, ID: "a"}, oplogtypes.OpTime{Seconds: 1, Counter: 1})
	g.push(dest.WriteOp{Kind: dest.OpReplace, ID: "b"}, oplogtypes.OpTime{Seconds: 1, Counter: 1})

	shards := g.partitions(4)
	assert.Len(t, shards, 1)
	assert.Len(t, shards[0], 2)
}

func TestShardForIsDeterministic(t *testing.T) {
	a := shardFor("stable-id", 8)
	b := shardFor("stable-id", 8)
	assert.Equal(t, a, b)
}
