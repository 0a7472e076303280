package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPageOutKeyAndMember(t *testing.T) {
	assert.Equal(t, "PAGE-OUT&L&0", pageOutKey("L", 0))
	assert.Equal(t, "3&42", tmMember(3, 42))
}

func TestDelayedWriteKey(t *testing.T) {
	assert.Equal(t, "DELAYED-WRITE&L&0&3&42", delayedWriteKey("L", 0, 42, 3))
}

func TestSplitDelayedIndexMember(t *testing.T) {
	listKey, lookupKey, ok := splitDelayedIndexMember("DELAYED-WRITE&1&2&3&0&4&2|1&2&3")
	assert.True(t, ok)
	assert.Equal(t, "DELAYED-WRITE&1&2&3&0&4&2", listKey)
	assert.Equal(t, "1&2&3", lookupKey)

	_, _, ok = splitDelayedIndexMember("no-pipe-here")
	assert.False(t, ok)
}
