// Package indexsig produces a canonical signature for a MongoDB index
// definition so an index created on one server compares equal to the
// "same" index created on another, even when the driver round-trips a
// direction through a different numeric type (int32 on one server,
// float64 on another after a version migration).
package indexsig

import (
	"fmt"
	"sort"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
)

// KeyDirection is one field of an index key document.
type KeyDirection struct {
	Field     string
	Direction interface{} // int, int32, int64, float64, or string (text/2d/geoHaystack/hashed)
}

// Signature renders an index's key pattern into a stable string, coercing
// any numeric direction to its integer value before formatting so 1 and
// 1.0 and int32(1) all produce the same signature. A non-numeric,
// non-string direction is an error: the index cannot be compared.
func Signature(keys []KeyDirection) (string, error) {
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		part, err := formatKeyDirection(k)
		if err != nil {
			return "", err
		}
		parts = append(parts, part)
	}
	return strings.Join(parts, "_"), nil
}

func formatKeyDirection(k KeyDirection) (string, error) {
	switch v := k.Direction.(type) {
	case int:
		return fmt.Sprintf("%s_%d", k.Field, v), nil
	case int32:
		return fmt.Sprintf("%s_%d", k.Field, v), nil
	case int64:
		return fmt.Sprintf("%s_%d", k.Field, v), nil
	case float64:
		return fmt.Sprintf("%s_%d", k.Field, int64(v)), nil
	case float32:
		return fmt.Sprintf("%s_%d", k.Field, int64(v)), nil
	case string:
		return fmt.Sprintf("%s_%s", k.Field, v), nil
	default:
		return "", fmt.Errorf("indexsig: unsupported direction type %T for field %q", k.Direction, k.Field)
	}
}

// KeysFromBSON converts a raw index "key" document (as returned by
// listIndexes) into the ordered []KeyDirection Signature expects.
func KeysFromBSON(key bson.D) []KeyDirection {
	out := make([]KeyDirection, 0, len(key))
	for _, elem := range key {
		out = append(out, KeyDirection{Field: elem.Key, Direction: elem.Value})
	}
	return out
}

// Set is the set of canonical index signatures for a collection, used to
// diff the indexes of two collections irrespective of creation order.
type Set map[string]bool

// SetFromSpecs builds a signature Set from a collection's index key
// documents, skipping any index whose direction can't be signed; those
// errors are returned for the caller to log.
func SetFromSpecs(keyDocs []bson.D) (Set, []error) {
	set := make(Set)
	var errs []error
	for _, key := range keyDocs {
		sig, err := Signature(KeysFromBSON(key))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		set[sig] = true
	}
	return set, errs
}

// Diff returns signatures present in a but not b, and vice versa.
func Diff(a, b Set) (onlyA, onlyB []string) {
	for sig := range a {
		if !b[sig] {
			onlyA = append(onlyA, sig)
		}
	}
	for sig := range b {
		if !a[sig] {
			onlyB = append(onlyB, sig)
		}
	}
	sort.Strings(onlyA)
	sort.Strings(onlyB)
	return onlyA, onlyB
}
