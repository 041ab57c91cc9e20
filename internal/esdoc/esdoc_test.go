package esdoc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.mongodb.org/mongo-driver/bson"
)

func TestFlatToNested(t *testing.T) {
	flat := bson.D{
		{Key: "profile.name", Value: "ada"},
		{Key: "profile.age", Value: int32(30)},
		{Key: "active", Value: true},
	}
	nested := FlatToNested(flat)

	profile, ok := nested["profile"].(map[string]interface{})
	assert.True(t, ok)
	assert.Equal(t, "ada", profile["name"])
	assert.Equal(t, int32(30), profile["age"])
	assert.Equal(t, true, nested["active"])
}

func TestMergeDoc(t *testing.T) {
	dst := map[string]interface{}{
		"profile": map[string]interface{}{"name": "ada", "age": int32(30)},
	}
	src := map[string]interface{}{
		"profile": map[string]interface{}{"age": int32(31)},
		"active":  true,
	}
	merged := MergeDoc(dst, src)

	profile := merged["profile"].(map[string]interface{})
	assert.Equal(t, "ada", profile["name"])
	assert.Equal(t, int32(31), profile["age"])
	assert.Equal(t, true, merged["active"])
}

func TestUnsetScript(t *testing.T) {
	source, params := UnsetScript([]string{"profile.nickname", "flag"})
	assert.Contains(t, source, "ctx._source.profile.remove(params.f0)")
	assert.Contains(t, source, "ctx._source.remove(params.f1)")
	assert.Equal(t, "nickname", params["f0"])
	assert.Equal(t, "flag", params["f1"])
}
