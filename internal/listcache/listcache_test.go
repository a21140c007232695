package listcache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGetMissThenHit(t *testing.T) {
	c := New(30 * time.Second)

	_, ok := c.Get("/folder")
	assert.False(t, ok)

	c.Put("/folder", []string{"a", "b"})

	names, ok := c.Get("/folder")
	assert.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, names)
}

func TestExpiry(t *testing.T) {
	c := New(10 * time.Millisecond)
	fakeNow := time.Now()
	c.now = func() time.Time { return fakeNow }

	c.Put("/folder", []string{"a"})

	_, ok := c.Get("/folder")
	assert.True(t, ok)

	fakeNow = fakeNow.Add(20 * time.Millisecond)

	_, ok = c.Get("/folder")
	assert.False(t, ok, "expected entry to expire after TTL")
}

func TestInvalidateShallow(t *testing.T) {
	c := New(time.Minute)
	c.Put("/a", []string{"x"})
	c.Put("/a/b", []string{"y"})

	c.Invalidate("/a", false)

	_, ok := c.Get("/a")
	assert.False(t, ok)

	_, ok = c.Get("/a/b")
	assert.True(t, ok, "shallow invalidate should not clear descendants")
}

func TestInvalidateDeep(t *testing.T) {
	c := New(time.Minute)
	c.Put("/a", []string{"x"})
	c.Put("/a/b", []string{"y"})
	c.Put("/a/b/c", []string{"z"})
	c.Put("/other", []string{"w"})

	c.Invalidate("/a", true)

	_, ok := c.Get("/a")
	assert.False(t, ok)

	_, ok = c.Get("/a/b")
	assert.False(t, ok)

	_, ok = c.Get("/a/b/c")
	assert.False(t, ok)

	_, ok = c.Get("/other")
	assert.True(t, ok, "sibling path should be unaffected")
}
