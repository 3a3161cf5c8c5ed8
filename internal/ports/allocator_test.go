package ports

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := Open(filepath.Join(t.TempDir(), "warden.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })
	return reg
}

func TestAllocate_Idempotent(t *testing.T) {
	reg := openTestRegistry(t)
	ctx := context.Background()

	first, err := reg.Allocate(ctx, "bot1", 18789, 8080)
	require.NoError(t, err)
	assert.Equal(t, 18789, first.Gateway)
	assert.Equal(t, 8080, first.Controller)

	second, err := reg.Allocate(ctx, "bot1", 18789, 8080)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestAllocate_SecondInstanceScansUp(t *testing.T) {
	reg := openTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Allocate(ctx, "bot1", 18789, 8080)
	require.NoError(t, err)

	// Same requested bases must yield the next free ports, not a collision.
	second, err := reg.Allocate(ctx, "bot2", 18789, 8080)
	require.NoError(t, err)
	assert.Equal(t, 18790, second.Gateway)
	assert.Equal(t, 8081, second.Controller)
}

func TestAllocate_NoDuplicatesUnderConcurrency(t *testing.T) {
	reg := openTestRegistry(t)
	ctx := context.Background()

	const n = 16
	results := make([]Allocation, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			alloc, err := reg.Allocate(ctx, "bot-"+string(rune('a'+i)), 18789, 8080)
			assert.NoError(t, err)
			results[i] = alloc
		}()
	}
	wg.Wait()

	seen := make(map[int]bool)
	for _, alloc := range results {
		assert.False(t, seen[alloc.Gateway], "duplicate gateway port %d", alloc.Gateway)
		assert.False(t, seen[alloc.Controller], "duplicate controller port %d", alloc.Controller)
		seen[alloc.Gateway] = true
		seen[alloc.Controller] = true
	}
}

func TestAllocate_Exhausted(t *testing.T) {
	reg := openTestRegistry(t)
	ctx := context.Background()

	// Base so close to the port ceiling that only one pair fits.
	_, err := reg.Allocate(ctx, "bot1", 65534, 65535)
	require.NoError(t, err)

	_, err = reg.Allocate(ctx, "bot2", 65534, 65535)
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestRelease_And_Reallocate(t *testing.T) {
	reg := openTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Allocate(ctx, "bot1", 18789, 8080)
	require.NoError(t, err)
	require.NoError(t, reg.Release(ctx, "bot1"))

	_, ok, err := reg.Lookup(ctx, "bot1")
	require.NoError(t, err)
	assert.False(t, ok)

	// Freed ports are available again.
	alloc, err := reg.Allocate(ctx, "bot2", 18789, 8080)
	require.NoError(t, err)
	assert.Equal(t, 18789, alloc.Gateway)

	// Releasing an unknown instance is a no-op.
	assert.NoError(t, reg.Release(ctx, "ghost"))
}

func TestAll_Ordered(t *testing.T) {
	reg := openTestRegistry(t)
	ctx := context.Background()

	for _, name := range []string{"zeta", "alpha"} {
		_, err := reg.Allocate(ctx, name, 18789, 8080)
		require.NoError(t, err)
	}

	allocs, err := reg.All(ctx)
	require.NoError(t, err)
	require.Len(t, allocs, 2)
	assert.Equal(t, "alpha", allocs[0].Instance)
	assert.Equal(t, "zeta", allocs[1].Instance)
}

func TestAllocate_PersistsAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "warden.db")
	ctx := context.Background()

	reg, err := Open(dbPath)
	require.NoError(t, err)
	first, err := reg.Allocate(ctx, "bot1", 18789, 8080)
	require.NoError(t, err)
	require.NoError(t, reg.Close())

	reg, err = Open(dbPath)
	require.NoError(t, err)
	defer reg.Close() //nolint:errcheck // test cleanup

	again, err := reg.Allocate(ctx, "bot1", 18789, 8080)
	require.NoError(t, err)
	assert.Equal(t, first, again)
}

func TestRecommend_LinearModel(t *testing.T) {
	small := Recommend(1, t.TempDir())
	large := Recommend(4, t.TempDir())

	assert.GreaterOrEqual(t, large.MemoryMB, small.MemoryMB)
	assert.GreaterOrEqual(t, large.DiskGB, small.DiskGB)
	assert.Positive(t, small.CPUs)
	assert.Positive(t, small.MemoryMB)
	assert.Positive(t, small.DiskGB)
}
