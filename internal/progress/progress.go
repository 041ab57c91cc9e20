// Package progress reports per-namespace copy/replay progress through a
// single consumer goroutine, the way the original tool's logger thread
// drained a queue instead of letting every worker write to stdout directly.
package progress

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nodestorage/mongosync/internal/core"
	"go.uber.org/zap"
)

type update struct {
	ns   string
	n    int64
	done bool
}

type entry struct {
	total     int64
	processed int64
	startedAt time.Time
	lastLogAt time.Time
}

// Reporter tracks progress for a set of namespaces and logs rate-limited
// updates plus a one-line completion summary for each.
type Reporter struct {
	runID      string
	interval   time.Duration
	updates    chan update
	registered chan registration
	done       chan struct{}
	closed     chan struct{}
}

type registration struct {
	ns    string
	total int64
}

// New starts the reporter's consumer goroutine. interval controls how
// often an in-progress namespace is allowed to log again; it defaults to
// two seconds when zero.
func New(interval time.Duration) *Reporter {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	r := &Reporter{
		runID:      uuid.NewString(),
		interval:   interval,
		updates:    make(chan update, 256),
		registered: make(chan registration, 64),
		done:       make(chan struct{}),
		closed:     make(chan struct{}),
	}
	go r.run()
	return r
}

// Register declares a namespace with its known total document count
// (0 if unknown) before any Add calls for it arrive.
func (r *Reporter) Register(ns string, total int64) {
	select {
	case r.registered <- registration{ns: ns, total: total}:
	case <-r.closed:
	}
}

// Add records that n more documents were processed for ns. done marks the
// namespace as finished and triggers the completion summary line.
func (r *Reporter) Add(ns string, n int64, done bool) {
	select {
	case r.updates <- update{ns: ns, n: n, done: done}:
	case <-r.closed:
	}
}

// Close stops the consumer goroutine and waits for it to exit; updates
// still queued at that point are discarded without being logged.
func (r *Reporter) Close() {
	close(r.closed)
	<-r.done
}

func (r *Reporter) run() {
	defer close(r.done)
	entries := make(map[string]*entry)
	log := core.With(zap.String("run_id", r.runID))

	for {
		select {
		case reg := <-r.registered:
			entries[reg.ns] = &entry{total: reg.total, startedAt: time.Now()}
		case u := <-r.updates:
			e, ok := entries[u.ns]
			if !ok {
				e = &entry{startedAt: time.Now()}
				entries[u.ns] = e
			}
			e.processed += u.n
			pct := percent(e.processed, e.total)

			if u.done {
				elapsed := time.Since(e.startedAt)
				log.Info(fmt.Sprintf("[ OK ] %s %d/%d %.1fs", u.ns, e.processed, e.total, elapsed.Seconds()),
					zap.String("ns", u.ns), zap.Int64("processed", e.processed), zap.Int64("total", e.total))
				delete(entries, u.ns)
				continue
			}
			if time.Since(e.lastLogAt) >= r.interval {
				e.lastLogAt = time.Now()
				log.Info(fmt.Sprintf("%s %d/%d [%.2f%%]", u.ns, e.processed, e.total, pct),
					zap.String("ns", u.ns), zap.Int64("processed", e.processed), zap.Int64("total", e.total))
			}
		case <-r.closed:
			return
		}
	}
}

func percent(curr, total int64) float64 {
	if total <= 0 {
		return float64(curr+1) / float64(curr+2) * 100
	}
	return float64(curr) / float64(total) * 100
}

// RunID returns the correlation id attached to every log line this
// reporter instance emits.
func (r *Reporter) RunID() string { return r.runID }
