// ABOUTME: Tests for the attachment cache covering LRU eviction and TTL expiry.
// ABOUTME: Validates recency refresh on read and lazy expiry semantics.

package media

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_PutGet(t *testing.T) {
	c := New(10, time.Minute)
	defer c.Close()

	c.Put(Key("t1", "m1"), &Item{Bytes: []byte("hello"), Mime: "text/plain", Filename: "hi.txt"})

	item, ok := c.Get(Key("t1", "m1"))
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), item.Bytes)
	assert.Equal(t, "text/plain", item.Mime)
	assert.Equal(t, 5, item.Size)
	assert.Equal(t, HashBytes([]byte("hello")), item.ContentHash)
	assert.False(t, item.CapturedAt.IsZero())
}

func TestCache_Miss(t *testing.T) {
	c := New(10, time.Minute)
	defer c.Close()

	_, ok := c.Get(Key("t1", "never-stored"))
	assert.False(t, ok)
}

func TestCache_TTLExpiry(t *testing.T) {
	c := New(10, 10*time.Millisecond)
	defer c.Close()

	c.Put(Key("t1", "m1"), &Item{Bytes: []byte("x")})

	_, ok := c.Get(Key("t1", "m1"))
	assert.True(t, ok)

	time.Sleep(20 * time.Millisecond)

	// Expired entries are removed on access
	_, ok = c.Get(Key("t1", "m1"))
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestCache_CapacityEviction(t *testing.T) {
	c := New(3, time.Minute)
	defer c.Close()

	for i := 0; i < 3; i++ {
		c.Put(Key("t1", fmt.Sprintf("m%d", i)), &Item{Bytes: []byte("x")})
	}
	c.Put(Key("t1", "m3"), &Item{Bytes: []byte("x")})

	// Oldest entry evicted, newest retained
	_, ok := c.Get(Key("t1", "m0"))
	assert.False(t, ok)
	_, ok = c.Get(Key("t1", "m3"))
	assert.True(t, ok)
	assert.Equal(t, 3, c.Len())
}

func TestCache_GetRefreshesRecency(t *testing.T) {
	c := New(2, time.Minute)
	defer c.Close()

	c.Put(Key("t1", "a"), &Item{Bytes: []byte("a")})
	c.Put(Key("t1", "b"), &Item{Bytes: []byte("b")})

	// Touch "a" so "b" becomes least recently used
	_, ok := c.Get(Key("t1", "a"))
	require.True(t, ok)

	c.Put(Key("t1", "c"), &Item{Bytes: []byte("c")})

	_, ok = c.Get(Key("t1", "a"))
	assert.True(t, ok, "recently read entry must survive eviction")
	_, ok = c.Get(Key("t1", "b"))
	assert.False(t, ok, "least recently used entry must be evicted")
}

func TestCache_PerTenantIdentity(t *testing.T) {
	c := New(10, time.Minute)
	defer c.Close()

	// Same message id under different tenants stays separate
	c.Put(Key("t1", "m1"), &Item{Bytes: []byte("one")})
	c.Put(Key("t2", "m1"), &Item{Bytes: []byte("two")})

	a, ok := c.Get(Key("t1", "m1"))
	require.True(t, ok)
	b, ok := c.Get(Key("t2", "m1"))
	require.True(t, ok)
	assert.NotEqual(t, a.Bytes, b.Bytes)
}

func TestCache_OverwriteSameKey(t *testing.T) {
	c := New(10, time.Minute)
	defer c.Close()

	c.Put(Key("t1", "m1"), &Item{Bytes: []byte("old")})
	c.Put(Key("t1", "m1"), &Item{Bytes: []byte("new")})

	item, ok := c.Get(Key("t1", "m1"))
	require.True(t, ok)
	assert.Equal(t, []byte("new"), item.Bytes)
	assert.Equal(t, 1, c.Len())
}

func TestCache_CloseIdempotent(t *testing.T) {
	c := New(10, time.Minute)
	c.Close()
	c.Close()
}
