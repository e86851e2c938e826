package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDoneEvent(t *testing.T) {
	ev := Done()
	assert.Equal(t, EventDone, ev.Kind)
	assert.False(t, ev.IsCancelled())
}

func TestErrorfCancelled(t *testing.T) {
	ev := Errorf(ErrCancelledReason)
	assert.Equal(t, EventError, ev.Kind)
	assert.True(t, ev.IsCancelled())
}

func TestErrorfGenuineFailureIsNotCancelled(t *testing.T) {
	ev := Errorf("model runtime timed out")
	assert.Equal(t, EventError, ev.Kind)
	assert.False(t, ev.IsCancelled())
}

func TestEmbeddingJobIsInit(t *testing.T) {
	j := &EmbeddingJob{}
	assert.True(t, j.IsInit())

	now := j.CreatedAt
	j.InitFinishedAt = &now
	assert.False(t, j.IsInit())
}
