package delivery

import (
	"testing"

	"github.com/nyxloma/signalmesh/internal/hub"
	"github.com/stretchr/testify/assert"
)

func envelopeWithID(id string) hub.Envelope {
	return hub.Envelope{ID: id}
}

func TestBackpressureQueue_PushUnderCapacity(t *testing.T) {
	q := newBackpressureQueue(3, DropNew, nil)
	q.push(envelopeWithID("1"))
	q.push(envelopeWithID("2"))

	items := q.drain()
	assert.Len(t, items, 2)
	assert.Equal(t, "1", items[0].ID)
	assert.Equal(t, "2", items[1].ID)
}

func TestBackpressureQueue_DropNewDiscardsIncoming(t *testing.T) {
	q := newBackpressureQueue(2, DropNew, nil)
	q.push(envelopeWithID("1"))
	q.push(envelopeWithID("2"))
	q.push(envelopeWithID("3")) // dropped

	items := q.drain()
	assert.Len(t, items, 2)
	assert.Equal(t, "1", items[0].ID)
	assert.Equal(t, "2", items[1].ID)
}

func TestBackpressureQueue_DropOldDiscardsOldest(t *testing.T) {
	q := newBackpressureQueue(2, DropOld, nil)
	q.push(envelopeWithID("1"))
	q.push(envelopeWithID("2"))
	q.push(envelopeWithID("3"))

	items := q.drain()
	assert.Len(t, items, 2)
	assert.Equal(t, "2", items[0].ID)
	assert.Equal(t, "3", items[1].ID)
}

func TestBackpressureQueue_DrainEmptiesQueue(t *testing.T) {
	q := newBackpressureQueue(5, DropNew, nil)
	q.push(envelopeWithID("1"))
	q.drain()

	assert.Empty(t, q.drain())
}

func TestBackpressureQueue_DefaultsAppliedOnInvalidInputs(t *testing.T) {
	q := newBackpressureQueue(0, "", nil)
	assert.Equal(t, 100, q.maxSize)
	assert.Equal(t, DropNew, q.policy)
}
