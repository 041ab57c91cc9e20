package filter

import (
	"testing"

	"github.com/nodestorage/mongosync/internal/oplogtypes"
	"github.com/stretchr/testify/assert"
	"go.mongodb.org/mongo-driver/bson"
)

func TestValidDB(t *testing.T) {
	s := New(nil, nil)
	assert.True(t, s.ValidDB("app"))
	assert.False(t, s.ValidDB("admin"))
	assert.False(t, s.ValidDB("local"))

	s = New([]string{"app.users"}, nil)
	assert.True(t, s.ValidDB("app"))
	assert.False(t, s.ValidDB("other"))
}

func TestValidColl(t *testing.T) {
	s := New([]string{"app.users", "billing.*"}, nil)
	assert.True(t, s.ValidColl("app", "users"))
	assert.False(t, s.ValidColl("app", "orders"))
	assert.True(t, s.ValidColl("billing", "invoices"))
	assert.False(t, s.ValidColl("app", "system.profile"))
}

func TestValidOplog(t *testing.T) {
	s := New([]string{"app.users"}, nil)

	noop := oplogtypes.Entry{Operation: oplogtypes.OpNoop}
	assert.False(t, s.ValidOplog(noop))

	inScope := oplogtypes.Entry{Operation: oplogtypes.OpInsert, Namespace: "app.users"}
	assert.True(t, s.ValidOplog(inScope))

	outOfScope := oplogtypes.Entry{Operation: oplogtypes.OpInsert, Namespace: "app.orders"}
	assert.False(t, s.ValidOplog(outOfScope))

	cmd := oplogtypes.Entry{Operation: oplogtypes.OpCommand, Namespace: "app.$cmd"}
	assert.True(t, s.ValidOplog(cmd))

	otherDBCmd := oplogtypes.Entry{Operation: oplogtypes.OpCommand, Namespace: "other.$cmd"}
	assert.False(t, s.ValidOplog(otherDBCmd))
}

func TestMapNamespace(t *testing.T) {
	s := New(nil, map[string]string{
		"app.users": "app2.people",
		"legacy":    "current",
	})
	db, coll := s.MapNamespace("app", "users")
	assert.Equal(t, "app2", db)
	assert.Equal(t, "people", coll)

	db, coll = s.MapNamespace("legacy", "widgets")
	assert.Equal(t, "current", db)
	assert.Equal(t, "widgets", coll)

	db, coll = s.MapNamespace("unrelated", "x")
	assert.Equal(t, "unrelated", db)
	assert.Equal(t, "x", coll)
}

func TestEntryIDExtraction(t *testing.T) {
	obj, _ := bson.Marshal(bson.D{{Key: "_id", Value: "abc"}, {Key: "name", Value: "x"}})
	e := oplogtypes.Entry{Operation: oplogtypes.OpInsert, Object: obj}
	id, ok := e.IDFromObject()
	assert.True(t, ok)
	assert.Equal(t, "abc", id)
}
