package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRangeLocker(t *testing.T) {
	l := newRangeLocker()
	d := func(n int) time.Time { return time.Date(2024, 1, n, 0, 0, 0, 0, time.UTC) }

	release, ok := l.TryLock(d(1), d(10))
	require.True(t, ok)

	_, ok = l.TryLock(d(10), d(12))
	assert.False(t, ok, "shared end day overlaps")

	_, ok = l.TryLock(d(3), d(4))
	assert.False(t, ok, "contained range overlaps")

	other, ok := l.TryLock(d(11), d(20))
	require.True(t, ok)
	assert.Equal(t, 2, l.Active())

	release()
	release()
	assert.Equal(t, 1, l.Active())

	again, ok := l.TryLock(d(1), d(10))
	require.True(t, ok)
	again()
	other()
	assert.Equal(t, 0, l.Active())
}
