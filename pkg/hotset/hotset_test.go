package hotset

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetGetDelete(t *testing.T) {
	c := New(10)

	c.Set("t1", "s1", "chk_1", "continue writing tests")

	entry, ok := c.Get("t1", "s1", "chk_1")
	require.True(t, ok)
	assert.Equal(t, "chk_1", entry.Key)
	assert.Equal(t, "continue writing tests", entry.Value)
	assert.Equal(t, "t1", entry.Tenant)
	assert.Nil(t, entry.ExpiresAt)
	assert.False(t, entry.CreatedAt.IsZero())

	// Overwrite value.
	c.Set("t1", "s1", "chk_1", "updated")
	entry, ok = c.Get("t1", "s1", "chk_1")
	require.True(t, ok)
	assert.Equal(t, "updated", entry.Value)

	_, ok = c.Get("t1", "s1", "missing")
	assert.False(t, ok)

	assert.True(t, c.Delete("t1", "s1", "chk_1"))
	_, ok = c.Get("t1", "s1", "chk_1")
	assert.False(t, ok)
	assert.False(t, c.Delete("t1", "s1", "chk_1"))
}

func TestLRUEviction(t *testing.T) {
	c := New(3)

	c.Set("t1", "s1", "a", "1")
	c.Set("t1", "s1", "b", "2")
	c.Set("t1", "s1", "c", "3")
	assert.Equal(t, 3, c.Len())

	// Touch "a" so "b" is the eviction victim.
	_, ok := c.Get("t1", "s1", "a")
	require.True(t, ok)

	c.Set("t1", "s1", "d", "4")
	assert.Equal(t, 3, c.Len())

	_, ok = c.Get("t1", "s1", "b")
	assert.False(t, ok, "least recently used entry should be evicted")
	for _, key := range []string{"a", "c", "d"} {
		_, ok := c.Get("t1", "s1", key)
		assert.True(t, ok, "key %s should survive", key)
	}
}

func TestScopeIsolation(t *testing.T) {
	c := New(2)

	c.Set("t1", "s1", "k", "tenant1")
	c.Set("t2", "s1", "k", "tenant2")

	e1, ok := c.Get("t1", "s1", "k")
	require.True(t, ok)
	e2, ok := c.Get("t2", "s1", "k")
	require.True(t, ok)
	assert.Equal(t, "tenant1", e1.Value)
	assert.Equal(t, "tenant2", e2.Value)

	// Filling one scope never evicts another.
	c.Set("t1", "s1", "k2", "x")
	c.Set("t1", "s1", "k3", "y")
	_, ok = c.Get("t2", "s1", "k")
	assert.True(t, ok)
}

func TestTTLExpiry(t *testing.T) {
	c := New(10)

	c.Set("t1", "s1", "fleeting", "v", WithTTL(10*time.Millisecond))
	_, ok := c.Get("t1", "s1", "fleeting")
	require.True(t, ok)

	time.Sleep(20 * time.Millisecond)
	_, ok = c.Get("t1", "s1", "fleeting")
	assert.False(t, ok, "expired entry should be gone")
	assert.Equal(t, 0, c.Len())
}

func TestListOrder(t *testing.T) {
	c := New(10)

	c.Set("t1", "s1", "a", "1")
	c.Set("t1", "s1", "b", "2")
	c.Set("t1", "s1", "c", "3")

	entries := c.List("t1", "s1")
	require.Len(t, entries, 3)
	assert.Equal(t, "c", entries[0].Key, "most recent first")
	assert.Equal(t, "a", entries[2].Key)

	assert.Nil(t, c.List("t1", "other"))
}

func TestConcurrentAccess(t *testing.T) {
	c := New(50)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := fmt.Sprintf("k%d", j%20)
				c.Set("t1", fmt.Sprintf("s%d", worker%2), key, "v")
				c.Get("t1", fmt.Sprintf("s%d", worker%2), key)
			}
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, c.Len(), 50*2)
}
