package pagetables

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func rwPerms() Perms { return Perms{Read: true, Write: true} }

func TestMapUnmapRemapZerosFreshFrame(t *testing.T) {
	pool := NewMmapFramePool()
	pt, err := New(pool)
	require.NoError(t, err)

	const vaddr = 0x10000
	f1, err := pool.Alloc()
	require.NoError(t, err)
	for i := range pool.Bytes(f1) {
		pool.Bytes(f1)[i] = 0xAB
	}

	require.NoError(t, pt.MapPage(vaddr, f1, Options{Perms: rwPerms(), UserAccessible: true}))
	require.NoError(t, pt.UnmapPage(vaddr))

	f2, err := pool.Alloc()
	require.NoError(t, err)
	require.NoError(t, pt.MapPage(vaddr, f2, Options{Perms: rwPerms(), UserAccessible: true}))

	got, _, ok := pt.Lookup(vaddr)
	require.True(t, ok)
	for _, b := range pool.Bytes(got) {
		require.Equal(t, byte(0), b)
	}
}

func TestMapPageAlreadyMapped(t *testing.T) {
	pool := NewMmapFramePool()
	pt, err := New(pool)
	require.NoError(t, err)
	f, _ := pool.Alloc()

	require.NoError(t, pt.MapPage(0x2000, f, Options{Perms: rwPerms()}))
	err = pt.MapPage(0x2000, f, Options{Perms: rwPerms()})
	require.ErrorIs(t, err, ErrAlreadyMapped)

	f2, _ := pool.Alloc()
	require.NoError(t, pt.MapPage(0x2000, f2, Options{Perms: rwPerms(), DiscardAlreadyMapped: true}))
	got, _, ok := pt.Lookup(0x2000)
	require.True(t, ok)
	require.Equal(t, f2, got)
}

func TestUnmapIdempotence(t *testing.T) {
	pool := NewMmapFramePool()
	pt, err := New(pool)
	require.NoError(t, err)
	f, _ := pool.Alloc()
	require.NoError(t, pt.MapPage(0x3000, f, Options{Perms: rwPerms()}))

	require.NoError(t, pt.UnmapPage(0x3000))
	err = pt.UnmapPage(0x3000)
	require.ErrorIs(t, err, ErrNotMapped)
}

func TestSetPagePermsNotMapped(t *testing.T) {
	pool := NewMmapFramePool()
	pt, err := New(pool)
	require.NoError(t, err)
	err = pt.SetPagePerms(0x4000, rwPerms())
	require.ErrorIs(t, err, ErrNotMapped)
}

func TestCloneIsolatesPrivatePages(t *testing.T) {
	pool := NewMmapFramePool()
	pt, err := New(pool)
	require.NoError(t, err)
	f, _ := pool.Alloc()
	require.NoError(t, pt.MapPage(0x5000, f, Options{Perms: rwPerms()}))

	clone, err := pt.Clone()
	require.NoError(t, err)

	origFrame, _, _ := pt.Lookup(0x5000)
	pool.Bytes(origFrame)[0] = 0x42

	cloneFrame, _, ok := clone.Lookup(0x5000)
	require.True(t, ok)
	require.NotEqual(t, origFrame, cloneFrame)
	require.Equal(t, byte(0), pool.Bytes(cloneFrame)[0])
}

func TestCloneSharesRefcountedPages(t *testing.T) {
	pool := NewMmapFramePool()
	pt, err := New(pool)
	require.NoError(t, err)
	f, _ := pool.Alloc()
	require.NoError(t, pt.MapPage(0x6000, f, Options{Perms: rwPerms(), Shared: true}))

	clone, err := pt.Clone()
	require.NoError(t, err)

	origFrame, _, _ := pt.Lookup(0x6000)
	cloneFrame, _, ok := clone.Lookup(0x6000)
	require.True(t, ok)
	require.Equal(t, origFrame, cloneFrame)
}

func TestProtNoneDecodesAsAllFalsePerms(t *testing.T) {
	pool := NewMmapFramePool()
	pt, err := New(pool)
	require.NoError(t, err)

	f, _ := pool.Alloc()
	require.NoError(t, pt.MapPage(0x8000, f, Options{ProtNone: true, UserAccessible: true}))
	_, got, ok := pt.Lookup(0x8000)
	require.True(t, ok)
	require.Equal(t, Perms{}, got)
}

func TestOrdinaryPermsUnaffectedByProtNoneMarker(t *testing.T) {
	pool := NewMmapFramePool()
	pt, err := New(pool)
	require.NoError(t, err)

	f, _ := pool.Alloc()
	want := Perms{Read: true, Exec: true}
	require.NoError(t, pt.MapPage(0x9000, f, Options{Perms: want, UserAccessible: true}))
	_, got, ok := pt.Lookup(0x9000)
	require.True(t, ok)
	require.Equal(t, want, got)
}

func TestIntermediateTableFreedWhenEmpty(t *testing.T) {
	pool := NewMmapFramePool()
	pt, err := New(pool)
	require.NoError(t, err)
	f, _ := pool.Alloc()
	const vaddr = 0x7000
	require.NoError(t, pt.MapPage(vaddr, f, Options{Perms: rwPerms()}))
	require.NoError(t, pt.UnmapPage(vaddr))

	chain, err := pt.descend(vaddr, false)
	require.Nil(t, chain)
	require.ErrorIs(t, err, ErrNotMapped)
}
