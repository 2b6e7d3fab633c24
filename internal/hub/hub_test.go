package hub

import (
	"errors"
	"testing"

	pkgerrors "github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestIsPermanent_TypedError(t *testing.T) {
	err := NewPermanentError("bad payload", errors.New("boom"))
	assert.True(t, IsPermanent(err))
}

func TestIsPermanent_TypedErrorWrapped(t *testing.T) {
	err := pkgerrors.WithMessage(NewPermanentError("bad payload", nil), "broadcast failed")
	assert.True(t, IsPermanent(err))
}

func TestIsPermanent_StringMatchFallback(t *testing.T) {
	assert.True(t, IsPermanent(errors.New("validation failed: missing field")))
	assert.True(t, IsPermanent(errors.New("could not parse envelope")))
	assert.True(t, IsPermanent(errors.New("missing required field ciphertext")))
}

func TestIsPermanent_Transient(t *testing.T) {
	assert.False(t, IsPermanent(errors.New("connection reset by peer")))
	assert.False(t, IsPermanent(nil))
}
