package outbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyFailure_RetryBelowMaxAttempts(t *testing.T) {
	d := &Dispatcher{maxAttempts: 10}
	var retryIDs, deadIDs []int64

	d.classifyFailure(Row{ID: 1, Attempts: 3}, &retryIDs, &deadIDs)

	assert.Equal(t, []int64{1}, retryIDs)
	assert.Empty(t, deadIDs)
}

func TestClassifyFailure_DeadAtMaxAttempts(t *testing.T) {
	d := &Dispatcher{maxAttempts: 3}
	var retryIDs, deadIDs []int64

	d.classifyFailure(Row{ID: 7, Attempts: 3}, &retryIDs, &deadIDs)

	assert.Empty(t, retryIDs)
	assert.Equal(t, []int64{7}, deadIDs)
}

func TestClassifyFailure_DeadAboveMaxAttempts(t *testing.T) {
	d := &Dispatcher{maxAttempts: 3}
	var retryIDs, deadIDs []int64

	d.classifyFailure(Row{ID: 9, Attempts: 5}, &retryIDs, &deadIDs)

	assert.Empty(t, retryIDs)
	assert.Equal(t, []int64{9}, deadIDs)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 1000))
	assert.Equal(t, "ab", truncate("abcdef", 2))
}
