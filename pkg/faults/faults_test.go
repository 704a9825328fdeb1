package faults

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestKindSurvivesWrapping(t *testing.T) {
	err := NotFound("no map %q", "m1")
	wrapped := errors.Wrap(err, "while resolving")

	assert.True(t, Is(wrapped, KindNotFound))
	assert.Equal(t, KindNotFound, KindOf(wrapped))
	assert.False(t, Is(wrapped, KindConflict))
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
}

func TestPersistenceCarriesCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Persistence(cause, "failed to save %q", "m1")
	assert.True(t, Is(err, KindPersistence))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "disk full")
	assert.Contains(t, err.Error(), `failed to save "m1"`)
}
