// Package esdoc translates MongoDB update-modifier documents ($set/$unset
// with dotted paths) into the nested JSON shapes and painless scripts an
// Elasticsearch bulk update expects.
package esdoc

import (
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
)

// FlatToNested expands a dotted-path document like {"a.b.c": 1} into the
// nested map {"a": {"b": {"c": 1}}} an Elasticsearch partial-update body
// needs, since MongoDB's $set paths never get unflattened for us.
func FlatToNested(flat bson.D) map[string]interface{} {
	nested := map[string]interface{}{}
	for _, elem := range flat {
		setNestedPath(nested, strings.Split(elem.Key, "."), elem.Value)
	}
	return nested
}

func setNestedPath(dst map[string]interface{}, path []string, value interface{}) {
	if len(path) == 1 {
		dst[path[0]] = value
		return
	}
	next, ok := dst[path[0]].(map[string]interface{})
	if !ok {
		next = map[string]interface{}{}
		dst[path[0]] = next
	}
	setNestedPath(next, path[1:], value)
}

// MergeDoc deep-merges src into dst, overwriting scalar leaves and
// recursing into maps that exist on both sides. The Elasticsearch writer
// does not call it; its doc_as_upsert updates merge server-side.
func MergeDoc(dst, src map[string]interface{}) map[string]interface{} {
	for k, v := range src {
		if srcMap, ok := v.(map[string]interface{}); ok {
			if dstMap, ok := dst[k].(map[string]interface{}); ok {
				dst[k] = MergeDoc(dstMap, srcMap)
				continue
			}
		}
		dst[k] = v
	}
	return dst
}

// UnsetScript builds the painless script statements to remove the given
// dotted field paths from _source, matching Elasticsearch's
// ctx._source.<path>.remove('<leaf>') idiom for $unset translation.
func UnsetScript(fields []string) (source string, params map[string]interface{}) {
	var statements []string
	for i, field := range fields {
		parts := strings.Split(field, ".")
		leaf := parts[len(parts)-1]
		parent := strings.Join(parts[:len(parts)-1], ".")
		paramName := fmt.Sprintf("f%d", i)
		if parent == "" {
			statements = append(statements, fmt.Sprintf("ctx._source.remove(params.%s)", paramName))
		} else {
			statements = append(statements, fmt.Sprintf("ctx._source.%s.remove(params.%s)", parent, paramName))
		}
		if params == nil {
			params = map[string]interface{}{}
		}
		params[paramName] = leaf
	}
	return strings.Join(statements, "; "), params
}
