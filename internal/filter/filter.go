// Package filter decides which databases, collections, and oplog entries a
// sync run replicates, and maps source namespaces onto destination ones.
package filter

import (
	"strings"

	"github.com/nodestorage/mongosync/internal/oplogtypes"
)

var ignoredDBs = map[string]bool{
	"admin": true,
	"local": true,
	"config": true,
}

var ignoredColls = map[string]bool{
	"system.users":   true,
	"system.profile": true,
	"system.indexes": true,
}

// Set holds the include list for a sync run plus the database/collection
// name remap to apply to destination writes. An empty include list means
// "replicate everything not otherwise ignored".
type Set struct {
	includeColls map[string]bool // "db.coll" or "db.*"
	relatedDBs   map[string]bool
	rename       map[string]string // "db" or "db.coll" -> replacement
}

// New builds a Set from a list of namespace patterns ("db" or "db.coll" or
// "db.*") and an optional rename table keyed the same way.
func New(includes []string, rename map[string]string) *Set {
	s := &Set{
		includeColls: make(map[string]bool),
		relatedDBs:   make(map[string]bool),
		rename:       rename,
	}
	for _, ns := range includes {
		if db, _, ok := strings.Cut(ns, "."); ok {
			s.includeColls[ns] = true
			s.relatedDBs[db] = true
		} else {
			s.includeColls[ns+".*"] = true
			s.relatedDBs[ns] = true
		}
	}
	return s
}

// ValidDB reports whether db should be scanned at all.
func (s *Set) ValidDB(db string) bool {
	if ignoredDBs[db] {
		return false
	}
	if len(s.relatedDBs) == 0 {
		return true
	}
	return s.relatedDBs[db]
}

// ValidColl reports whether db.coll should be replicated.
func (s *Set) ValidColl(db, coll string) bool {
	if !s.ValidDB(db) {
		return false
	}
	if ignoredColls[coll] {
		return false
	}
	if len(s.includeColls) == 0 {
		return true
	}
	if s.includeColls[db+".*"] {
		return true
	}
	return s.includeColls[db+"."+coll]
}

// ValidNS is ValidColl split on a "db.coll" namespace string.
func (s *Set) ValidNS(ns string) bool {
	db, coll, ok := strings.Cut(ns, ".")
	if !ok {
		return false
	}
	return s.ValidColl(db, coll)
}

// ValidOplog reports whether an oplog entry should be replayed. Noops are
// always dropped; database commands pass if their database is in scope
// (a dropDatabase on an in-scope db must reach the destination);
// everything else is gated on its namespace.
func (s *Set) ValidOplog(e oplogtypes.Entry) bool {
	switch e.Operation {
	case oplogtypes.OpNoop:
		return false
	case oplogtypes.OpCommand:
		db, _, _ := strings.Cut(e.Namespace, ".")
		return s.ValidDB(db)
	default:
		return s.ValidNS(e.Namespace)
	}
}

// MapNamespace applies the rename table to a "db.coll" namespace,
// preferring an exact db.coll entry over a whole-database entry.
func (s *Set) MapNamespace(db, coll string) (string, string) {
	if s.rename == nil {
		return db, coll
	}
	if target, ok := s.rename[db+"."+coll]; ok {
		if tdb, tcoll, ok := strings.Cut(target, "."); ok {
			return tdb, tcoll
		}
	}
	if target, ok := s.rename[db]; ok {
		return target, coll
	}
	return db, coll
}
