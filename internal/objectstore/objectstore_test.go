package objectstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jhuapl-boss/spdb/internal/keys"
)

func TestParseObjectKeyLookupPartsRoundTrip(t *testing.T) {
	objKey := keys.ObjectKey("coll&exp&chan", 2, 3, 42, false)
	lookupKey, resolution, err := ParseObjectKeyLookupParts(objKey)
	require.NoError(t, err)
	assert.Equal(t, "coll&exp&chan", lookupKey)
	assert.Equal(t, 2, resolution)
}

func TestParseObjectKeyLookupPartsISO(t *testing.T) {
	objKey := keys.ObjectKey("coll&exp&chan", 0, 3, 42, true)
	lookupKey, resolution, err := ParseObjectKeyLookupParts(objKey)
	require.NoError(t, err)
	assert.Equal(t, "coll&exp&chan", lookupKey)
	assert.Equal(t, 0, resolution)
}

func TestParseObjectKeyLookupPartsMalformed(t *testing.T) {
	_, _, err := ParseObjectKeyLookupParts("not-enough-segments")
	assert.Error(t, err)
}

func TestMortonSuffix(t *testing.T) {
	objKey := keys.ObjectKey("coll&exp&chan", 2, 3, 42, false)
	assert.Equal(t, "42", mortonSuffix(objKey))
}
