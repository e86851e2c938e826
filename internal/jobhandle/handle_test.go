package jobhandle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanterndata/lanternd/internal/domain"
)

func TestMapSetGetRemove(t *testing.T) {
	m := NewMap()
	_, ok := m.Get(1)
	assert.False(t, ok)

	h := NewHandle()
	m.Set(1, h)

	got, ok := m.Get(1)
	require.True(t, ok)
	assert.Equal(t, h, got)

	m.Remove(1)
	_, ok = m.Get(1)
	assert.False(t, ok)
}

func TestMapNotifyDeliversAndNeverBlocks(t *testing.T) {
	m := NewMap()
	h := NewHandle()
	m.Set(1, h)

	// Notify on an untracked job id is a no-op, not a panic.
	m.Notify(2, domain.Done())

	m.Notify(1, domain.Done())
	select {
	case ev := <-h:
		assert.Equal(t, domain.EventDone, ev.Kind)
	default:
		t.Fatal("expected buffered event")
	}

	// A second Notify with nobody draining must not block (handle is full).
	m.Set(1, h)
	m.Notify(1, domain.Done())
	m.Notify(1, domain.Errorf("ignored, buffer full"))
}

func TestMapCancelAllEmptiesTableAndSignalsEveryHandle(t *testing.T) {
	m := NewMap()
	h1, h2 := NewHandle(), NewHandle()
	m.Set(1, h1)
	m.Set(2, h2)

	m.CancelAll()

	for _, h := range []Handle{h1, h2} {
		select {
		case ev := <-h:
			assert.True(t, ev.IsCancelled())
		default:
			t.Fatal("expected cancellation event")
		}
	}

	_, ok := m.Get(1)
	assert.False(t, ok)
	_, ok = m.Get(2)
	assert.False(t, ok)
}

func TestMustNotRegistered(t *testing.T) {
	m := NewMap()
	require.NoError(t, m.MustNotRegistered(1))

	m.Set(1, NewHandle())
	assert.Error(t, m.MustNotRegistered(1))

	m.Remove(1)
	assert.NoError(t, m.MustNotRegistered(1))
}
