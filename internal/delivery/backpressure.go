package delivery

import (
	"sync"

	"github.com/nyxloma/signalmesh/internal/hub"
	"github.com/nyxloma/signalmesh/internal/obsv"
)

// DropPolicy selects what a full backpressure queue discards (spec 4.9
// "Backpressure queue").
type DropPolicy string

const (
	DropNew DropPolicy = "drop_new"
	DropOld DropPolicy = "drop_old"
)

// backpressureQueue is the per-conversation bounded queue of events
// awaiting socket write.
type backpressureQueue struct {
	mu       sync.Mutex
	items    []hub.Envelope
	maxSize  int
	policy   DropPolicy
	metrics  *obsv.Registry
}

func newBackpressureQueue(maxSize int, policy DropPolicy, metrics *obsv.Registry) *backpressureQueue {
	if maxSize <= 0 {
		maxSize = 100
	}
	if policy == "" {
		policy = DropNew
	}
	return &backpressureQueue{maxSize: maxSize, policy: policy, metrics: metrics}
}

// push enqueues envelope, applying the drop policy when the queue is
// full (spec 4.9: "drop events emit ws.dropped{reason} with the policy
// tag").
func (q *backpressureQueue) push(envelope hub.Envelope) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) < q.maxSize {
		q.items = append(q.items, envelope)
		return
	}

	switch q.policy {
	case DropOld:
		q.items = append(q.items[1:], envelope)
	default: // DropNew
		// envelope itself is dropped; queue contents unchanged.
	}
	if q.metrics != nil {
		q.metrics.WSDropped.WithLabelValues("queue_full", string(q.policy)).Inc()
	}
}

func (q *backpressureQueue) drain() []hub.Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}
