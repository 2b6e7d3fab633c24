package health

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFlag_ReadyByDefault(t *testing.T) {
	f := NewFlag()
	assert.True(t, f.Ready())
}

func TestFlag_SetNotReady(t *testing.T) {
	f := NewFlag()
	f.SetNotReady()
	assert.False(t, f.Ready())
}
