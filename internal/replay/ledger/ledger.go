// Package ledger persists, per namespace, the optime of the last group this
// process flushed to the destination. It exists purely for operator
// visibility across a crash/restart (the replayer always resumes from the
// authoritative checkpoint file regardless of ledger contents) and does
// not change the at-least-once delivery guarantee of the replayer itself.
package ledger

import (
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/nodestorage/mongosync/internal/oplogtypes"
)

// Ledger is a small on-disk key-value store mapping namespace to the last
// optime flushed for it.
type Ledger struct {
	db *badger.DB
}

// Open opens (creating if absent) a ledger at dbPath.
func Open(dbPath string) (*Ledger, error) {
	opts := badger.DefaultOptions(dbPath)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", dbPath, err)
	}
	go runGC(db)
	return &Ledger{db: db}, nil
}

func runGC(db *badger.DB) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
	again:
		if err := db.RunValueLogGC(0.5); err == nil {
			goto again
		}
	}
}

// Record sets the last-flushed optime for ns.
func (l *Ledger) Record(ns string, ts oplogtypes.OpTime) error {
	value := []byte(fmt.Sprintf("%d.%d", ts.Seconds, ts.Counter))
	err := l.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(ns), value)
	})
	if err != nil {
		return fmt.Errorf("ledger: record %s: %w", ns, err)
	}
	return nil
}

// LastFlushed returns the last-flushed optime recorded for ns, or false if
// nothing has been recorded yet.
func (l *Ledger) LastFlushed(ns string) (string, bool, error) {
	var value string
	err := l.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(ns))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			value = string(val)
			return nil
		})
	})
	if err == badger.ErrKeyNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("ledger: read %s: %w", ns, err)
	}
	return value, true, nil
}

// Close releases the underlying BadgerDB handle.
func (l *Ledger) Close() error {
	return l.db.Close()
}
