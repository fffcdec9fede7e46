package auth_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/pimsync/internal/apperr"
	"github.com/nhle/pimsync/internal/auth"
	"github.com/nhle/pimsync/internal/discovery"
	"github.com/nhle/pimsync/tests/testutil"
)

func resultWith(cal, card discovery.ServiceResult) *discovery.Result {
	return &discovery.Result{CalDAV: cal, CardDAV: card}
}

func TestAuthenticateCardDAVUnavailable(t *testing.T) {
	fake := testutil.NewFakeDiscovery(resultWith(
		discovery.ServiceResult{Service: discovery.ServiceCalDAV, Principal: "/p/alice/"},
		discovery.ServiceResult{Service: discovery.ServiceCardDAV,
			Err: apperr.New(apperr.ServiceUnavailable, "test", "no carddav")},
	))
	m := auth.NewManager(fake, nil)

	out, err := m.Authenticate(context.Background(), "https://dav.example.com", "alice", "pw")
	require.NoError(t, err)
	assert.True(t, out.CalDAVAvailable)
	assert.False(t, out.CardDAVAvailable)
	assert.Equal(t, "/p/alice/", out.CalDAVPrincipal)
	assert.True(t, apperr.IsKind(out.CardDAVErr, apperr.ServiceUnavailable))

	known := out.Known()
	assert.Equal(t, discovery.Principal{Href: "/p/alice/", Endpoint: "/"}, known.CalDAV)
	assert.False(t, known.CardDAV.Resolved())
	assert.Equal(t, out.CardDAVErr, known.CardDAVErr)
}

func TestAuthenticateRejected(t *testing.T) {
	rejected := apperr.New(apperr.AuthenticationRejected, "test", "401")
	fake := testutil.NewFakeDiscovery(resultWith(
		discovery.ServiceResult{Err: rejected},
		discovery.ServiceResult{Err: apperr.New(apperr.ServiceUnavailable, "test", "absent")},
	))

	_, err := auth.NewManager(fake, nil).Authenticate(context.Background(), "https://dav.example.com", "alice", "bad")
	assert.True(t, apperr.IsKind(err, apperr.AuthenticationRejected))
}

func TestAuthenticateUnreachableOnlyWhenBothAre(t *testing.T) {
	down := apperr.New(apperr.NetworkUnreachable, "test", "refused")
	fake := testutil.NewFakeDiscovery(resultWith(
		discovery.ServiceResult{Err: down},
		discovery.ServiceResult{Err: down},
	))

	_, err := auth.NewManager(fake, nil).Authenticate(context.Background(), "https://dav.example.com", "alice", "pw")
	assert.True(t, apperr.IsKind(err, apperr.NetworkUnreachable))
}

func TestTestCredentialsFallsBackToCardDAV(t *testing.T) {
	fake := testutil.NewFakeDiscovery(resultWith(
		discovery.ServiceResult{Err: apperr.New(apperr.ServiceUnavailable, "test", "no caldav")},
		discovery.ServiceResult{Service: discovery.ServiceCardDAV, Principal: "/p/alice/"},
	))

	ok, err := auth.NewManager(fake, nil).TestCredentials(context.Background(), "https://dav.example.com", "alice", "pw")
	require.NoError(t, err)
	assert.True(t, ok)
	_, resolves := fake.Calls()
	assert.Equal(t, 2, resolves)
}

func TestTestCredentialsDemoSkipsNetwork(t *testing.T) {
	fake := testutil.NewFakeDiscovery(nil)

	ok, err := auth.NewManager(fake, nil).TestCredentials(context.Background(), "demo.local", "demo", "demo")
	require.NoError(t, err)
	assert.True(t, ok)
	discovers, resolves := fake.Calls()
	assert.Zero(t, discovers+resolves)
}

func TestBackgroundGraceExpiresAfterBothWindows(t *testing.T) {
	clk := testutil.NewFakeClock()
	expired := make(chan struct{}, 1)
	g := auth.NewBackgroundGrace(clk, func() { expired <- struct{}{} })

	g.OnBackground()
	clk.BlockUntil(t, 1)
	clk.Advance(auth.DefaultBackgroundWait)
	clk.BlockUntil(t, 1)

	select {
	case <-expired:
		t.Fatal("expired before the grace window")
	default:
	}

	clk.Advance(auth.DefaultBackgroundGrace)
	select {
	case <-expired:
	case <-time.After(5 * time.Second):
		t.Fatal("grace did not expire")
	}
}

func TestBackgroundGraceDisarmedByForeground(t *testing.T) {
	clk := testutil.NewFakeClock()
	expired := make(chan struct{}, 1)
	g := auth.NewBackgroundGrace(clk, func() { expired <- struct{}{} })

	g.OnBackground()
	clk.BlockUntil(t, 1)
	g.OnForeground()
	clk.Advance(time.Minute)

	select {
	case <-expired:
		t.Fatal("foregrounded owner must not be cancelled")
	case <-time.After(50 * time.Millisecond):
	}
}
