package wagergame

import (
	"errors"
	"testing"

	"github.com/companyzero/bisonrelay/zkidentity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockSet_AllOrNothing(t *testing.T) {
	ls := NewLockSet()
	a, b, c := testActor(1), testActor(2), testActor(3)

	require.NoError(t, ls.Lock([]zkidentity.ShortID{a, b}))
	assert.True(t, ls.IsLocked(a))
	assert.True(t, ls.IsLocked(b))

	// b is already held, so none of {b, c} may be added.
	err := ls.Lock([]zkidentity.ShortID{c, b})
	assert.ErrorIs(t, err, ErrPartiallyLocked)
	assert.False(t, ls.IsLocked(c))

	ls.Unlock([]zkidentity.ShortID{a, b})
	assert.False(t, ls.IsLocked(a))
	assert.False(t, ls.IsLocked(b))

	require.NoError(t, ls.Lock([]zkidentity.ShortID{c, b}))
	assert.True(t, ls.IsLocked(c))
}

func TestLockSet_UnlockIgnoresAbsent(t *testing.T) {
	ls := NewLockSet()
	ls.Unlock([]zkidentity.ShortID{testActor(1)})
	assert.False(t, ls.IsLocked(testActor(1)))
}

func TestLockSet_WithLockedReleasesOnError(t *testing.T) {
	ls := NewLockSet()
	a, b := testActor(1), testActor(2)
	actors := []zkidentity.ShortID{a, b}

	wantErr := errors.New("event aborted")
	err := ls.WithLocked(actors, func() error {
		assert.True(t, ls.IsLocked(a))
		assert.True(t, ls.IsLocked(b))
		return wantErr
	})
	assert.ErrorIs(t, err, wantErr)

	// Every exit path releases the whole set.
	assert.False(t, ls.IsLocked(a))
	assert.False(t, ls.IsLocked(b))
}

func TestLockSet_WithLockedReleasesOnPanic(t *testing.T) {
	ls := NewLockSet()
	actors := []zkidentity.ShortID{testActor(1)}

	assert.Panics(t, func() {
		_ = ls.WithLocked(actors, func() error { panic("boom") })
	})
	assert.False(t, ls.IsLocked(testActor(1)))
}

func TestLockSet_WithLockedPropagatesLockFailure(t *testing.T) {
	ls := NewLockSet()
	a := testActor(1)
	require.NoError(t, ls.Lock([]zkidentity.ShortID{a}))

	ran := false
	err := ls.WithLocked([]zkidentity.ShortID{a}, func() error {
		ran = true
		return nil
	})
	assert.ErrorIs(t, err, ErrPartiallyLocked)
	assert.False(t, ran)
	assert.True(t, ls.IsLocked(a), "original holder must keep the lock")
}
