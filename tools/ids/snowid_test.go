package ids

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeneratorMonotonicWithinMillisecond(t *testing.T) {
	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	g := newGenerator(7, func() time.Time { return fixed })

	a, b := g.next(), g.next()
	assert.Greater(t, b, a)
	assert.Equal(t, int64(7), (a>>12)&maxNodeID)
	assert.Equal(t, int64(0), a&0xFFF)
	assert.Equal(t, int64(1), b&0xFFF)
}

func TestGenerateUnique(t *testing.T) {
	seen := make(map[int64]struct{}, 10000)
	for i := 0; i < 10000; i++ {
		id := Generate()
		_, dup := seen[id]
		require.False(t, dup)
		seen[id] = struct{}{}
	}
}

func TestSetNodeIDRange(t *testing.T) {
	assert.Error(t, SetNodeID(-1))
	assert.Error(t, SetNodeID(maxNodeID+1))
	require.NoError(t, SetNodeID(3))
	assert.Equal(t, int64(3), (Generate()>>12)&maxNodeID)
	require.NoError(t, SetNodeID(1))
}

func TestLocalIDsAreDistinct(t *testing.T) {
	a, b := LocalID(), LocalID()
	assert.True(t, strings.HasPrefix(a, "local-"))
	assert.NotEqual(t, a, b)
	assert.Len(t, UUID(), 36)
}
