package region

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const pageSize = 0x1000

func TestSetMappedRejectsOverlap(t *testing.T) {
	m := New(0x1000, 0x100000)
	require.NoError(t, m.SetMapped(0x1000, 0x3000))
	require.ErrorIs(t, m.SetMapped(0x2000, 0x4000), ErrAlreadyMapped)
	require.NoError(t, m.SetMapped(0x3000, 0x4000))
}

func TestSetMappedRejectsOutsideWindow(t *testing.T) {
	m := New(0x1000, 0x100000)
	require.ErrorIs(t, m.SetMapped(0x500, 0x1500), ErrNotUserRange)
	require.ErrorIs(t, m.SetMapped(0x1000, 0x200000), ErrNotUserRange)
}

func TestSetNotMappedTrimsAndSplits(t *testing.T) {
	m := New(0, 0x100000)
	require.NoError(t, m.SetMapped(0x1000, 0x5000))

	require.NoError(t, m.SetNotMapped(0x2000, 0x3000))
	require.True(t, m.IsMapped(0x1000))
	require.False(t, m.IsMapped(0x2000))
	require.True(t, m.IsMapped(0x3000))
	require.True(t, m.IsMapped(0x4000))

	require.NoError(t, m.SetMapped(0x2000, 0x3000))
	require.NoError(t, m.SetNotMapped(0x1000, 0x5000))
	for a := uint64(0x1000); a < 0x5000; a += pageSize {
		require.False(t, m.IsMapped(a))
	}
}

func TestSetNotMappedIdempotent(t *testing.T) {
	m := New(0, 0x100000)
	require.NoError(t, m.SetNotMapped(0x1000, 0x2000))
	require.NoError(t, m.SetNotMapped(0x1000, 0x2000))
}

func TestFindNotMappedTwiceGivesDisjointRanges(t *testing.T) {
	m := New(0x1000, 0x10000)
	a, ok := m.FindNotMapped(0x2000, pageSize)
	require.True(t, ok)
	require.NoError(t, m.SetMapped(a, a+0x2000))

	b, ok := m.FindNotMapped(0x2000, pageSize)
	require.True(t, ok)
	require.NoError(t, m.SetMapped(b, b+0x2000))

	require.True(t, a >= 0x1000 && a+0x2000 <= 0x10000)
	require.True(t, b >= 0x1000 && b+0x2000 <= 0x10000)
	require.True(t, b >= a+0x2000 || a >= b+0x2000)
}

func TestFindNotMappedFailsWhenExhausted(t *testing.T) {
	m := New(0x1000, 0x3000)
	require.NoError(t, m.SetMapped(0x1000, 0x3000))
	_, ok := m.FindNotMapped(pageSize, pageSize)
	require.False(t, ok)
}

func TestFindNotMappedSkipsMisalignedLength(t *testing.T) {
	m := New(0, 0x10000)
	_, ok := m.FindNotMapped(0x1001, pageSize)
	require.False(t, ok)
}

func TestCloneIsIndependent(t *testing.T) {
	m := New(0, 0x10000)
	require.NoError(t, m.SetMapped(0x1000, 0x2000))

	clone := m.Clone()
	require.NoError(t, clone.SetMapped(0x2000, 0x3000))

	require.False(t, m.IsMapped(0x2000))
	require.True(t, clone.IsMapped(0x2000))
	require.True(t, clone.IsMapped(0x1000))
}
