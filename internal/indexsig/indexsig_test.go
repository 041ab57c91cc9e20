package indexsig

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func TestSignatureCoercesNumericDirections(t *testing.T) {
	intSig, err := Signature([]KeyDirection{{Field: "age", Direction: int32(1)}})
	require.NoError(t, err)

	floatSig, err := Signature([]KeyDirection{{Field: "age", Direction: float64(1.0)}})
	require.NoError(t, err)

	assert.Equal(t, intSig, floatSig)
	assert.Equal(t, "age_1", intSig)
}

func TestSignatureStringDirection(t *testing.T) {
	sig, err := Signature([]KeyDirection{{Field: "loc", Direction: "2d"}})
	require.NoError(t, err)
	assert.Equal(t, "loc_2d", sig)
}

func TestSignatureRejectsUnsupportedDirection(t *testing.T) {
	_, err := Signature([]KeyDirection{{Field: "x", Direction: true}})
	assert.Error(t, err)
}

func TestSignatureCompoundKeyOrderMatters(t *testing.T) {
	sig, err := Signature([]KeyDirection{
		{Field: "a", Direction: int32(1)},
		{Field: "b", Direction: int32(-1)},
	})
	require.NoError(t, err)
	assert.Equal(t, "a_1_b_-1", sig)

	swapped, err := Signature([]KeyDirection{
		{Field: "b", Direction: int32(-1)},
		{Field: "a", Direction: int32(1)},
	})
	require.NoError(t, err)
	assert.Equal(t, "b_-1_a_1", swapped)
	assert.NotEqual(t, sig, swapped)
}

func TestDiff(t *testing.T) {
	a := Set{"x_1": true, "y_1": true}
	b := Set{"y_1": true, "z_1": true}
	onlyA, onlyB := Diff(a, b)
	assert.Equal(t, []string{"x_1"}, onlyA)
	assert.Equal(t, []string{"z_1"}, onlyB)
}

func TestSetFromSpecs(t *testing.T) {
	keyDocs := []bson.D{
		{{Key: "_id", Value: int32(1)}},
		{{Key: "email", Value: int32(1)}},
	}
	set, errs := SetFromSpecs(keyDocs)
	assert.Empty(t, errs)
	assert.True(t, set["_id_1"])
	assert.True(t, set["email_1"])
}
