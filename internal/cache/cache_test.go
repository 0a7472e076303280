package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTrailingTM(t *testing.T) {
	tVal, m, err := parseTrailingTM("CACHED-CUBOID&1&2&3&0&42")
	require.NoError(t, err)
	assert.Equal(t, 0, tVal)
	assert.Equal(t, uint64(42), m)
}

func TestParseTrailingTMMalformed(t *testing.T) {
	_, _, err := parseTrailingTM("onlyone")
	assert.Error(t, err)
}

func TestCachedKeyToWritePrefix(t *testing.T) {
	prefix, err := cachedKeyToWritePrefix("CACHED-CUBOID&L&0&0&7")
	require.NoError(t, err)
	assert.Equal(t, "WRITE-CUBOID&L&0&0&7", prefix)

	_, err = cachedKeyToWritePrefix("WRITE-CUBOID&L&0&0&7")
	assert.Error(t, err)
}
