package id

import (
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIsParseableAndUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 1000; i++ {
		s := New()
		_, err := ulid.Parse(s)
		require.NoError(t, err)
		assert.False(t, seen[s], "duplicate id %s", s)
		seen[s] = true
	}
}

func TestAtEncodesTimestamp(t *testing.T) {
	ts := time.Date(2026, 1, 5, 14, 0, 0, 0, time.UTC)
	v, err := ulid.Parse(At(ts))
	require.NoError(t, err)
	assert.Equal(t, ulid.Timestamp(ts), v.Time())
}

func TestAtMonotonicWithinMillisecond(t *testing.T) {
	ts := time.Date(2026, 1, 5, 14, 0, 0, 0, time.UTC)
	a := At(ts)
	b := At(ts)
	assert.Less(t, a, b)
}
