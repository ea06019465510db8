// ABOUTME: Tests for the session registry.
// ABOUTME: Covers creation, duplicate rejection, lookups, and removal.

package session

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCreds(domain string) Credentials {
	return Credentials{Domain: domain, AccessToken: "token"}
}

func TestRegistry_CreateAndLookup(t *testing.T) {
	r := NewRegistry(slog.Default())

	sess, err := r.Create("sess-1", "acme.example", testCreds("acme.example"), &recordingNotifier{})
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, "sess-1", sess.ID)
	assert.Equal(t, "acme.example", sess.TenantID)
	assert.Equal(t, StateIdle, sess.State())

	got, ok := r.LookupBySessionID("sess-1")
	require.True(t, ok)
	assert.Same(t, sess, got)

	got, ok = r.LookupByTenantID("acme.example")
	require.True(t, ok)
	assert.Same(t, sess, got)

	assert.Equal(t, 1, r.Count())
}

func TestRegistry_LookupMisses(t *testing.T) {
	r := NewRegistry(slog.Default())

	_, ok := r.LookupBySessionID("nope")
	assert.False(t, ok)

	_, ok = r.LookupByTenantID("nope.example")
	assert.False(t, ok)
}

func TestRegistry_DuplicateSessionIDRejected(t *testing.T) {
	r := NewRegistry(slog.Default())

	_, err := r.Create("sess-1", "acme.example", testCreds("acme.example"), &recordingNotifier{})
	require.NoError(t, err)

	_, err = r.Create("sess-1", "other.example", testCreds("other.example"), &recordingNotifier{})
	assert.ErrorIs(t, err, ErrSessionExists)
}

func TestRegistry_DuplicateTenantRejected(t *testing.T) {
	r := NewRegistry(slog.Default())

	_, err := r.Create("sess-1", "acme.example", testCreds("acme.example"), &recordingNotifier{})
	require.NoError(t, err)

	_, err = r.Create("sess-2", "acme.example", testCreds("acme.example"), &recordingNotifier{})
	assert.ErrorIs(t, err, ErrDuplicateTenant)
	assert.Equal(t, 1, r.Count())
}

func TestRegistry_LoggedOutTenantCanReinitialize(t *testing.T) {
	r := NewRegistry(slog.Default())

	first, err := r.Create("sess-1", "acme.example", testCreds("acme.example"), &recordingNotifier{})
	require.NoError(t, err)

	// A logged-out session no longer claims the tenant.
	first.setState(StateLoggedOut)

	second, err := r.Create("sess-2", "acme.example", testCreds("acme.example"), &recordingNotifier{})
	require.NoError(t, err)
	assert.NotSame(t, first, second)

	// Tenant lookup resolves to the live session, not the logged-out one.
	got, ok := r.LookupByTenantID("acme.example")
	require.True(t, ok)
	assert.Same(t, second, got)
}

func TestRegistry_Remove(t *testing.T) {
	r := NewRegistry(slog.Default())

	_, err := r.Create("sess-1", "acme.example", testCreds("acme.example"), &recordingNotifier{})
	require.NoError(t, err)

	r.Remove("sess-1")
	assert.Equal(t, 0, r.Count())

	_, ok := r.LookupBySessionID("sess-1")
	assert.False(t, ok)

	// Removing an unknown session is a no-op.
	r.Remove("sess-1")
}

func TestRegistry_Sessions(t *testing.T) {
	r := NewRegistry(slog.Default())

	_, err := r.Create("sess-1", "acme.example", testCreds("acme.example"), &recordingNotifier{})
	require.NoError(t, err)
	_, err = r.Create("sess-2", "other.example", testCreds("other.example"), &recordingNotifier{})
	require.NoError(t, err)

	sessions := r.Sessions()
	assert.Len(t, sessions, 2)
}
