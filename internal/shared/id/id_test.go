package id

import (
	"crypto/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateUnique(t *testing.T) {
	gen := NewGenerator(rand.Reader)
	assert.NotEqual(t, gen.Generate().String(), gen.Generate().String())
}

func TestGenerateWithPrefix(t *testing.T) {
	gen := NewGenerator(rand.Reader)

	s := gen.GenerateWithPrefix("inst")
	parts := strings.SplitN(s, "_", 2)
	require.Len(t, parts, 2)
	assert.Equal(t, "inst", parts[0])

	_, err := ulid.Parse(parts[1])
	assert.NoError(t, err)
}

func TestTypedIDs(t *testing.T) {
	assert.True(t, strings.HasPrefix(NewInstanceID().String(), "inst_"))
	assert.True(t, strings.HasPrefix(NewRequestID().String(), "req_"))
}

func TestLexicographicSorting(t *testing.T) {
	gen := NewGenerator(rand.Reader)

	ids := make([]string, 5)
	for i := range ids {
		ids[i] = gen.Generate().String()
		time.Sleep(2 * time.Millisecond)
	}

	for i := 1; i < len(ids); i++ {
		assert.Greater(t, ids[i], ids[i-1])
	}
}

func TestConcurrentGeneration(t *testing.T) {
	gen := NewGenerator(rand.Reader)

	const goroutines = 50
	const perGoroutine = 100

	var wg sync.WaitGroup
	idCh := make(chan string, goroutines*perGoroutine)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				idCh <- gen.Generate().String()
			}
		}()
	}
	wg.Wait()
	close(idCh)

	seen := make(map[string]struct{})
	for s := range idCh {
		_, dup := seen[s]
		require.False(t, dup, "duplicate id %s", s)
		seen[s] = struct{}{}
	}
	assert.Len(t, seen, goroutines*perGoroutine)
}

func TestDefaultSingleton(t *testing.T) {
	assert.Same(t, Default(), Default())
}
