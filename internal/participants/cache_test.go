package participants

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVerKey(t *testing.T) {
	assert.Equal(t, "conv:conv1:part:ver", verKey("conv1"))
}

func TestEntryKey(t *testing.T) {
	assert.Equal(t, "conv:conv1:participants:v3", entryKey("conv1", 3))
}

func newTestCache() *Cache {
	return New(Config{})
}

func TestHandleInvalidate_DropsOnNoLocalEntry(t *testing.T) {
	c := newTestCache()
	c.handleInvalidate(`{"conversationId":"conv1","version":2}`)
	_, ok := c.local["conv1"]
	assert.False(t, ok)
}

func TestHandleInvalidate_DropsWhenVersionNewer(t *testing.T) {
	c := newTestCache()
	c.local["conv1"] = localEntry{version: 1, userIDs: []string{"u1"}}

	c.handleInvalidate(`{"conversationId":"conv1","version":2}`)

	_, ok := c.local["conv1"]
	assert.False(t, ok)
}

func TestHandleInvalidate_KeepsWhenVersionNotNewer(t *testing.T) {
	c := newTestCache()
	c.local["conv1"] = localEntry{version: 3, userIDs: []string{"u1"}}

	c.handleInvalidate(`{"conversationId":"conv1","version":2}`)

	entry, ok := c.local["conv1"]
	assert.True(t, ok)
	assert.Equal(t, int64(3), entry.version)
}

func TestHandleInvalidate_IgnoresMalformedPayload(t *testing.T) {
	c := newTestCache()
	c.local["conv1"] = localEntry{version: 3, userIDs: []string{"u1"}}

	c.handleInvalidate(`not json`)

	entry, ok := c.local["conv1"]
	assert.True(t, ok)
	assert.Equal(t, int64(3), entry.version)
}

func TestNew_AppliesDefaults(t *testing.T) {
	c := New(Config{})
	assert.Equal(t, "participants:invalidate", c.channel)
	assert.NotZero(t, c.ttl)
}
