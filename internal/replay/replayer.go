package replay

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nodestorage/mongosync/internal/checkpoint"
	"github.com/nodestorage/mongosync/internal/core"
	"github.com/nodestorage/mongosync/internal/dest"
	"github.com/nodestorage/mongosync/internal/filter"
	"github.com/nodestorage/mongosync/internal/oplogtypes"
	"github.com/nodestorage/mongosync/internal/progress"
	"github.com/nodestorage/mongosync/internal/replay/ledger"
	"github.com/nodestorage/mongosync/internal/source"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"
)

// State names the replayer's current phase, reported for diagnostics
// through Replayer.State.
type State int

const (
	StateOpen State = iota
	StateTail
	StateFlush
	StateReconnectSource
	StateFatal
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateTail:
		return "tail"
	case StateFlush:
		return "flush"
	case StateReconnectSource:
		return "reconnect_source"
	case StateFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// flushThreshold is the per-namespace group size that forces a flush even
// without a natural pause in the cursor, bounding memory and replication
// lag under sustained write load on one collection.
const flushThreshold = 1000

// Replayer tails the source oplog, groups entries per namespace, and
// flushes them to the destination, checkpointing after each durable flush.
type Replayer struct {
	src        source.Client
	dst        dest.Writer
	filter     *filter.Set
	checkpoint checkpoint.Store
	progress   *progress.Reporter
	ledger     *ledger.Ledger
	partitions int

	state State
}

// New builds a Replayer. partitions controls how many id-hash shards a
// large flush group is split across; 4 is a reasonable default. No ledger
// is attached; WithLedger adds per-namespace flush bookkeeping.
func New(src source.Client, dst dest.Writer, f *filter.Set, cp checkpoint.Store, reporter *progress.Reporter, partitions int) *Replayer {
	if partitions <= 0 {
		partitions = 4
	}
	return &Replayer{
		src:        src,
		dst:        dst,
		filter:     f,
		checkpoint: cp,
		progress:   reporter,
		partitions: partitions,
		state:      StateOpen,
	}
}

// WithLedger attaches a namespace flush ledger for crash-restart
// visibility; it has no effect on replay correctness.
func (r *Replayer) WithLedger(l *ledger.Ledger) *Replayer {
	r.ledger = l
	return r
}

// State returns the replayer's current phase.
func (r *Replayer) State() State { return r.state }

// Run tails the oplog from start and applies entries until ctx is
// cancelled or a fatal error occurs. On cancellation it flushes, writes
// the checkpoint, then returns ctx.Err() so the caller can tell a user
// interrupt apart from every other failure.
func (r *Replayer) Run(ctx context.Context, start oplogtypes.OpTime) error {
	r.state = StateTail
	last := start
	groups := map[string]*group{}

	cursor, err := r.openCursor(ctx, start)
	if err != nil {
		r.state = StateFatal
		return err
	}
	defer cursor.Close(ctx)

	for {
		select {
		case <-ctx.Done():
			if err := r.flushAll(context.WithoutCancel(ctx), groups, last); err != nil {
				r.state = StateFatal
				core.Error("replay: flush on shutdown failed", zap.Error(err))
				return err
			}
			if err := r.checkpoint.Write(last); err != nil {
				core.Error("replay: checkpoint write failed", zap.Error(err))
			}
			return ctx.Err()
		default:
		}

		if !cursor.Next(ctx) {
			if err := cursor.Err(); err != nil {
				core.Warn("replay: cursor error, reconnecting", zap.Error(err))
				r.state = StateReconnectSource
				if err := r.flushAll(ctx, groups, last); err != nil {
					r.state = StateFatal
					return fmt.Errorf("replay: flush before reconnect: %w", err)
				}
				if err := r.checkpoint.Write(last); err != nil {
					core.Error("replay: checkpoint write failed", zap.Error(err))
				}
				if err := r.src.Reconnect(ctx); err != nil {
					r.state = StateFatal
					return fmt.Errorf("replay: reconnect source: %w", err)
				}
				cursor, err = r.openCursor(ctx, last)
				if err != nil {
					r.state = StateFatal
					return err
				}
				r.state = StateTail
				continue
			}
			// No more entries right now: flush what we have and wait.
			if err := r.flushAll(ctx, groups, last); err != nil {
				r.state = StateFatal
				return fmt.Errorf("replay: flush on idle: %w", err)
			}
			if err := r.checkpoint.Write(last); err != nil {
				core.Error("replay: checkpoint write failed", zap.Error(err))
			}
			time.Sleep(100 * time.Millisecond)
			continue
		}

		var entry oplogtypes.Entry
		if err := cursor.Decode(&entry); err != nil {
			r.state = StateFatal
			return fmt.Errorf("replay: decode oplog entry: %w", err)
		}
		last = oplogtypes.FromTimestamp(entry.Timestamp)

		if !r.filter.ValidOplog(entry) {
			continue
		}

		if entry.Operation == oplogtypes.OpCommand {
			// Commands (createCollection, dropDatabase, ...) force a
			// flush first so ordering against preceding document writes
			// in the same namespace is preserved.
			if err := r.flushAll(ctx, groups, last); err != nil {
				r.state = StateFatal
				return fmt.Errorf("replay: flush before command: %w", err)
			}
			if err := r.applyCommand(ctx, entry); err != nil {
				r.state = StateFatal
				return err
			}
			if err := r.checkpoint.Write(last); err != nil {
				core.Error("replay: checkpoint write failed", zap.Error(err))
			}
			continue
		}

		op, ok := buildWriteOp(entry)
		if !ok {
			continue
		}
		db, coll, _ := strings.Cut(entry.Namespace, ".")
		destDB, destColl := r.filter.MapNamespace(db, coll)
		key := destDB + "." + destColl
		g, ok := groups[key]
		if !ok {
			g = newGroup(destDB, destColl)
			groups[key] = g
		}
		g.push(op, last)

		if g.len() >= flushThreshold {
			if err := r.flushGroup(ctx, g, last); err != nil {
				r.state = StateFatal
				return err
			}
			delete(groups, key)
			if err := r.checkpoint.Write(safeCheckpoint(last, groups)); err != nil {
				core.Error("replay: checkpoint write failed", zap.Error(err))
			}
		}
	}
}

// openCursor opens a tailing cursor at start and validates that the very
// first entry it returns has ts == start; tail_oplog filters ts >= start,
// so that first entry is the already-applied boundary entry itself, which
// is consumed here and never handed to the caller. A mismatch means the
// oplog has rolled past start and the stream is stale.
func (r *Replayer) openCursor(ctx context.Context, start oplogtypes.OpTime) (source.Cursor, error) {
	cursor, err := r.src.TailOplog(ctx, start)
	if err != nil {
		return nil, fmt.Errorf("replay: tail oplog: %w", err)
	}
	if start.IsZero() {
		return cursor, nil
	}
	if !cursor.Next(ctx) {
		oldest, oldestErr := r.src.OldestOplogOptime(ctx)
		cursor.Close(ctx)
		if err := cursor.Err(); err != nil {
			return nil, fmt.Errorf("replay: read first oplog entry: %w", err)
		}
		if oldestErr != nil {
			return nil, core.NewStaleCheckpointError(fmt.Sprintf("%d.%d", start.Seconds, start.Counter), "unknown")
		}
		return nil, core.NewStaleCheckpointError(fmt.Sprintf("%d.%d", start.Seconds, start.Counter), fmt.Sprintf("%d.%d", oldest.Seconds, oldest.Counter))
	}
	var first oplogtypes.Entry
	if err := cursor.Decode(&first); err != nil {
		cursor.Close(ctx)
		return nil, fmt.Errorf("replay: decode first oplog entry: %w", err)
	}
	if firstTS := oplogtypes.FromTimestamp(first.Timestamp); firstTS != start {
		cursor.Close(ctx)
		return nil, core.NewStaleCheckpointError(fmt.Sprintf("%d.%d", start.Seconds, start.Counter), fmt.Sprintf("%d.%d", firstTS.Seconds, firstTS.Counter))
	}
	return cursor, nil
}

// safeCheckpoint returns the latest ts the checkpoint may safely advance
// to after a single group's threshold flush: the newest entry read (ts),
// unless some other namespace group still holds buffered, unflushed
// entries older than that — in which case advancing past those entries'
// ts would let a crash skip them on resume, since tail_oplog resumes
// inclusively from the checkpoint. Clamping to the oldest such buffered
// ts is safe precisely because resume re-includes that entry.
func safeCheckpoint(ts oplogtypes.OpTime, groups map[string]*group) oplogtypes.OpTime {
	safe := ts
	for _, g := range groups {
		if g.hasTS && g.oldestTS.Less(safe) {
			safe = g.oldestTS
		}
	}
	return safe
}

func (r *Replayer) flushAll(ctx context.Context, groups map[string]*group, ts oplogtypes.OpTime) error {
	for key, g := range groups {
		if err := r.flushGroup(ctx, g, ts); err != nil {
			return err
		}
		delete(groups, key)
	}
	return nil
}

func (r *Replayer) flushGroup(ctx context.Context, g *group, ts oplogtypes.OpTime) error {
	if g.len() == 0 {
		return nil
	}
	for _, shard := range g.partitions(r.partitions) {
		if len(shard) == 0 {
			continue
		}
		if err := r.dst.BulkWrite(ctx, g.db, g.coll, shard); err != nil {
			return fmt.Errorf("replay: bulk write %s.%s: %w", g.db, g.coll, err)
		}
	}
	ns := g.db + "." + g.coll
	if r.progress != nil {
		r.progress.Add(ns, int64(g.len()), false)
	}
	if r.ledger != nil {
		if err := r.ledger.Record(ns, ts); err != nil {
			core.Warn("replay: ledger record failed", zap.String("ns", ns), zap.Error(err))
		}
	}
	return nil
}

func buildWriteOp(e oplogtypes.Entry) (dest.WriteOp, bool) {
	switch e.Operation {
	case oplogtypes.OpInsert:
		var doc bson.D
		if err := bson.Unmarshal(e.Object, &doc); err != nil {
			return dest.WriteOp{}, false
		}
		id, ok := e.IDFromObject()
		if !ok {
			// An insert without _id is an index-creation insert
			// (system.indexes) and is applied without key-checking.
			return dest.WriteOp{Kind: dest.OpInsertNoID, Doc: doc}, true
		}
		return dest.WriteOp{Kind: dest.OpReplace, ID: id, Doc: doc}, true

	case oplogtypes.OpUpdate:
		id, ok := e.IDFromQuery()
		if !ok {
			return dest.WriteOp{}, false
		}
		if e.IsUpdateModifier() {
			var update bson.D
			if err := bson.Unmarshal(e.Object, &update); err != nil {
				return dest.WriteOp{}, false
			}
			return dest.WriteOp{Kind: dest.OpUpdate, ID: id, Doc: update}, true
		}
		var doc bson.D
		if err := bson.Unmarshal(e.Object, &doc); err != nil {
			return dest.WriteOp{}, false
		}
		return dest.WriteOp{Kind: dest.OpReplace, ID: id, Doc: doc}, true

	case oplogtypes.OpDelete:
		id, ok := e.IDFromObject()
		if !ok {
			return dest.WriteOp{}, false
		}
		return dest.WriteOp{Kind: dest.OpDelete, ID: id}, true

	default:
		return dest.WriteOp{}, false
	}
}

func (r *Replayer) applyCommand(ctx context.Context, e oplogtypes.Entry) error {
	var cmd bson.D
	if err := bson.Unmarshal(e.Object, &cmd); err != nil {
		return fmt.Errorf("replay: decode command: %w", err)
	}
	if len(cmd) == 0 {
		return nil
	}
	db, _, _ := strings.Cut(e.Namespace, ".")
	destDB, _ := r.filter.MapNamespace(db, "")

	switch cmd[0].Key {
	case "dropDatabase":
		if err := r.dst.DropDatabase(ctx, destDB); err != nil {
			return fmt.Errorf("replay: apply dropDatabase %s: %w", destDB, err)
		}
	default:
		// createCollection, drop, collMod, etc. have no required effect
		// on the destination beyond the document writes already
		// replicated against it; log and move on.
		core.Debug("replay: ignoring command", zap.String("command", cmd[0].Key), zap.String("db", destDB))
	}
	return nil
}
