package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulseboard/backend/internal/sandbox/types"
)

func TestCompileCacheHit(t *testing.T) {
	c := New(DefaultConfig())
	source := `$state.count = 1;`

	first, cerr := c.Compile(source)
	require.Nil(t, cerr)
	assert.False(t, first.CacheHit)
	assert.Equal(t, HashSource(source), first.Hash)
	assert.NotZero(t, first.Size)

	second, cerr := c.Compile(source)
	require.Nil(t, cerr)
	assert.True(t, second.CacheHit)
	assert.Equal(t, first.Hash, second.Hash)
	// The compiled program is shared, so the bytecode is identical by
	// construction.
	assert.Same(t, first.Program, second.Program)

	stats := c.Stats()
	assert.EqualValues(t, 1, stats.Hits)
	assert.EqualValues(t, 1, stats.Misses)
	assert.EqualValues(t, 1, stats.Compilations)
	assert.InDelta(t, 0.5, stats.HitRate, 0.001)
}

func TestCompileErrorNeverCached(t *testing.T) {
	c := New(DefaultConfig())
	source := `function ( {`

	_, cerr := c.Compile(source)
	require.NotNil(t, cerr)
	assert.Equal(t, types.CodeCompileError, cerr.Code)

	_, cerr = c.Compile(source)
	require.NotNil(t, cerr)

	stats := c.Stats()
	assert.Zero(t, stats.Compilations)
	assert.Zero(t, stats.Entries)
}

func TestLRUEviction(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxEntries = 2
	c := New(cfg)

	a, b, d := `let a = 1;`, `let b = 2;`, `let d = 3;`
	for _, src := range []string{a, b, d} {
		_, cerr := c.Compile(src)
		require.Nil(t, cerr)
	}
	assert.Equal(t, 2, c.Stats().Entries)

	// The oldest entry was evicted; recompiling it is a miss.
	misses := c.Stats().Misses
	h, cerr := c.Compile(a)
	require.Nil(t, cerr)
	assert.False(t, h.CacheHit)
	assert.Equal(t, misses+1, c.Stats().Misses)

	// The newest entry is still resident.
	h, cerr = c.Compile(d)
	require.Nil(t, cerr)
	assert.True(t, h.CacheHit)
}

func TestLRUByteBudget(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxBytes = 200
	c := New(cfg)

	_, cerr := c.Compile(`let first = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa";`)
	require.Nil(t, cerr)
	_, cerr = c.Compile(`let second = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb";`)
	require.Nil(t, cerr)

	// The budget fits one entry plus wrapper overhead, not two.
	assert.Equal(t, 1, c.Stats().Entries)
}

func TestDiskTierSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.DiskDir = dir
	source := `$emit('ready', {});`

	c := New(cfg)
	first, cerr := c.Compile(source)
	require.Nil(t, cerr)
	assert.False(t, first.CacheHit)

	// A fresh compiler has a cold memory tier but a warm disk tier.
	c2 := New(cfg)
	hit, cerr := c2.Compile(source)
	require.Nil(t, cerr)
	assert.True(t, hit.CacheHit)
	assert.Equal(t, first.Hash, hit.Hash)
	assert.Equal(t, source, hit.Source)

	// Promotion: the next lookup is a memory hit sharing the program.
	again, cerr := c2.Compile(source)
	require.Nil(t, cerr)
	assert.Same(t, hit.Program, again.Program)
}

func TestGetByHash(t *testing.T) {
	c := New(DefaultConfig())
	source := `let x = 9;`

	hash, cerr := c.Precompile(source)
	require.Nil(t, cerr)
	require.NotEmpty(t, hash)

	h, ok := c.GetByHash(hash)
	require.True(t, ok)
	assert.True(t, h.CacheHit)
	assert.Equal(t, source, h.Source)

	_, ok = c.GetByHash("0000000000000000000000000000000000000000000000000000000000000000")
	assert.False(t, ok)
}

func TestClear(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.DiskDir = dir
	c := New(cfg)

	_, cerr := c.Compile(`let y = 1;`)
	require.Nil(t, cerr)
	c.Clear()
	assert.Zero(t, c.Stats().Entries)

	h, cerr := c.Compile(`let y = 1;`)
	require.Nil(t, cerr)
	assert.False(t, h.CacheHit)
}

func TestWrapUnwrapRoundTrip(t *testing.T) {
	source := "const a = 1;\nconst b = 2;\nreturn a + b;"
	assert.Equal(t, source, Unwrap(Wrap(source)))
}

func TestSnippetAt(t *testing.T) {
	source := "line one\n  line two  \nline three"
	assert.Equal(t, "line two", SnippetAt(source, 2))
	assert.Equal(t, "", SnippetAt(source, 0))
	assert.Equal(t, "", SnippetAt(source, 4))
}

func TestHashIsStable(t *testing.T) {
	assert.Equal(t, HashSource("abc"), HashSource("abc"))
	assert.NotEqual(t, HashSource("abc"), HashSource("abd"))
	assert.Len(t, HashSource("abc"), 64)
}
