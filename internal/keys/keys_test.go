package keys

import (
	"crypto/md5"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCachedCuboidKey(t *testing.T) {
	assert.Equal(t, "CACHED-CUBOID&1&2&3&0&3&0", CachedCuboidKey("1&2&3", 0, 3, 0, false))
	assert.Equal(t, "CACHED-CUBOID&ISO&1&2&3&1&5&42", CachedCuboidKey("1&2&3", 1, 5, 42, true))
}

func TestWriteAndBlackCuboidKey(t *testing.T) {
	assert.Equal(t, "WRITE-CUBOID&L&0&0&7&abc", WriteCuboidKey("L", 0, 0, 7, "abc", false))
	assert.Equal(t, "BLACK-CUBOID&ISO&L&0&0&7&abc", BlackCuboidKey("L", 0, 0, 7, "abc", true))
}

func TestCacheKeyFromWriteKey(t *testing.T) {
	got, err := CacheKeyFromWriteKey("WRITE-CUBOID&L&0&0&7&abc")
	require.NoError(t, err)
	assert.Equal(t, "CACHED-CUBOID&L&0&0&7", got)

	got, err = CacheKeyFromWriteKey("BLACK-CUBOID&ISO&L&1&0&7&abc")
	require.NoError(t, err)
	assert.Equal(t, "CACHED-CUBOID&ISO&L&1&0&7", got)

	_, err = CacheKeyFromWriteKey("CACHED-CUBOID&L&0&0&7")
	assert.Error(t, err)
}

func TestObjectKeyHashesNonISOBody(t *testing.T) {
	body := "L&0&0&7"
	sum := md5.Sum([]byte(body))
	wantHash := hex.EncodeToString(sum[:])

	plain := ObjectKey("L", 0, 0, 7, false)
	assert.Equal(t, wantHash+"&"+body, plain)

	iso := ObjectKey("L", 0, 0, 7, true)
	assert.Equal(t, wantHash+"&ISO&"+body, iso)
}

func TestIDIndexAndCountKeys(t *testing.T) {
	k := IDIndexKey("L", 0, 99)
	body := "L&0&99"
	sum := md5.Sum([]byte(body))
	assert.Equal(t, hex.EncodeToString(sum[:])+"&"+body, k)

	ck := IDCountKey("L")
	sum2 := md5.Sum([]byte("L"))
	assert.Equal(t, hex.EncodeToString(sum2[:])+"&L", ck)
}

func TestLookupKeyAttr(t *testing.T) {
	assert.Equal(t, "L&0#3", LookupKeyAttr("L", 0, 3))
}

func TestWriteBufferPrefixMatchesWriteKey(t *testing.T) {
	prefix := WriteBufferPrefix("L", 0, 0, 7, false)
	full := WriteCuboidKey("L", 0, 0, 7, "some-uuid", false)
	assert.Contains(t, full, prefix)
}
