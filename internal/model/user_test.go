package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func TestNewPendingUser_NormalizesInput(t *testing.T) {
	u := NewPendingUser("u1", "  Ann@X.COM ", " Ann ", t0)

	assert.Equal(t, "ann@x.com", u.Email())
	assert.Equal(t, "Ann", u.Name())
	assert.Equal(t, UserStatusPending, u.Status())
	_, ok := u.ExternalRef()
	assert.False(t, ok)
	assert.Empty(t, u.PullEvents())
}

func TestUser_SetExternalRef_IsWriteOnce(t *testing.T) {
	u := NewPendingUser("u1", "a@x.com", "Ann", t0)

	require.ErrorIs(t, u.SetExternalRef("  ", t0), ErrEmptyExternalRef)
	require.NoError(t, u.SetExternalRef("sub-1", t0))
	require.NoError(t, u.SetExternalRef("sub-1", t0), "same value is a no-op")
	require.ErrorIs(t, u.SetExternalRef("sub-2", t0), ErrExternalRefAlreadySet)

	ref, ok := u.ExternalRef()
	assert.True(t, ok)
	assert.Equal(t, "sub-1", ref)
}

func TestUser_Activate(t *testing.T) {
	t.Run("requires external ref", func(t *testing.T) {
		u := NewPendingUser("u1", "a@x.com", "Ann", t0)
		require.ErrorIs(t, u.Activate(t0), ErrMissingExternalRef)
		assert.Equal(t, UserStatusPending, u.Status())
	})

	t.Run("raises UserVerified once", func(t *testing.T) {
		u := NewPendingUser("u1", "a@x.com", "Ann", t0)
		require.NoError(t, u.SetExternalRef("sub-1", t0))

		later := t0.Add(time.Minute)
		require.NoError(t, u.Activate(later))
		require.NoError(t, u.Activate(later.Add(time.Minute)))

		assert.True(t, u.IsActive())
		assert.Equal(t, later, u.UpdatedAt())

		events := u.PullEvents()
		require.Len(t, events, 1)
		ev, ok := events[0].(UserVerified)
		require.True(t, ok)
		assert.Equal(t, "u1", ev.AggregateID())
		assert.Equal(t, "sub-1", ev.ExternalRef)
		assert.Equal(t, later, ev.OccurredAt())

		assert.Empty(t, u.PullEvents(), "buffer is cleared after pull")
	})
}

func TestUser_RecordRegistration(t *testing.T) {
	u := NewPendingUser("u1", "a@x.com", "Ann", t0)
	u.RecordRegistration("123456", t0)

	events := u.PullEvents()
	require.Len(t, events, 1)
	assert.Equal(t, EventUserRegistrationRequested, events[0].EventType())
	assert.Equal(t, "123456", events[0].(UserRegistrationRequested).OtpCode)
}

func TestNewSyncedUser(t *testing.T) {
	u, err := NewSyncedUser("u1", "a@x.com", "Ann", "sub-1", t0)
	require.NoError(t, err)
	assert.True(t, u.IsActive())
	assert.Empty(t, u.PullEvents())

	_, err = NewSyncedUser("u1", "a@x.com", "Ann", "", t0)
	assert.ErrorIs(t, err, ErrEmptyExternalRef)
}

func TestUser_SnapshotRoundTrip(t *testing.T) {
	u, err := NewSyncedUser("u1", "a@x.com", "Ann", "sub-1", t0)
	require.NoError(t, err)
	u.Delete(t0.Add(time.Hour))

	back := RestoreUser(u.Snapshot())
	assert.Equal(t, u.Snapshot(), back.Snapshot())
	assert.True(t, back.IsDeleted())

	pending := NewPendingUser("u2", "b@x.com", "Bob", t0)
	assert.Nil(t, pending.Snapshot().ExternalRef)
}

func TestUser_UpdateName(t *testing.T) {
	u := NewPendingUser("u1", "a@x.com", "Ann", t0)
	require.ErrorIs(t, u.UpdateName(" ", t0), ErrEmptyName)
	require.NoError(t, u.UpdateName("Annie", t0.Add(time.Second)))
	assert.Equal(t, "Annie", u.Name())
	assert.Equal(t, t0.Add(time.Second), u.UpdatedAt())
}
