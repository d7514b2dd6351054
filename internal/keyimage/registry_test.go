package keyimage

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistryInsertIsAbsentSemantics(t *testing.T) {
	r := NewRegistry()
	require.True(t, r.Insert([]byte("image-a")))
	require.False(t, r.Insert([]byte("image-a")))
	require.True(t, r.Insert([]byte("image-b")))
	require.Equal(t, 2, r.Size())
}

func TestRegistryConcurrentInsertsCollapseToOne(t *testing.T) {
	r := NewRegistry()
	const attempts = 50
	var wins int32
	var wg sync.WaitGroup
	var mu sync.Mutex
	wg.Add(attempts)
	for i := 0; i < attempts; i++ {
		go func() {
			defer wg.Done()
			if r.Insert([]byte("contested-image")) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1, wins)
}

func TestRegistryContains(t *testing.T) {
	r := NewRegistry()
	require.False(t, r.Contains([]byte("x")))
	r.Insert([]byte("x"))
	require.True(t, r.Contains([]byte("x")))
}
