package auth_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/pimsync/internal/apperr"
	"github.com/nhle/pimsync/internal/auth"
	"github.com/nhle/pimsync/internal/model"
	"github.com/nhle/pimsync/tests/testutil"
)

// fakeLoginAPI completes after completeAfter polls; zero never completes.
type fakeLoginAPI struct {
	mu            sync.Mutex
	initiations   int
	polls         int
	completeAfter int
	pollErr       error
}

func (f *fakeLoginAPI) Initiate(_ context.Context, baseURL string) (*auth.Initiation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initiations++
	return &auth.Initiation{
		LoginURL:     baseURL + "/login/v2/flow/abc",
		PollEndpoint: baseURL + "/login/v2/poll",
		PollToken:    "tok",
	}, nil
}

func (f *fakeLoginAPI) Poll(_ context.Context, _, token string) (*auth.LoginCredentials, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if f.pollErr != nil {
		return nil, f.pollErr
	}
	if f.completeAfter > 0 && f.polls >= f.completeAfter {
		return &auth.LoginCredentials{
			ServerURL:   "https://cloud.example.com",
			LoginName:   "alice",
			AppPassword: "app-" + token,
		}, nil
	}
	return nil, nil
}

func (f *fakeLoginAPI) pollCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls
}

var flowConfig = model.LoginFlowConfig{TimeoutSec: 300, PollIntervalSec: 2}

func awaitAsync(c *auth.Coordinator) <-chan error {
	done := make(chan error, 1)
	go func() {
		_, err := c.Await(context.Background())
		done <- err
	}()
	return done
}

func receive(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Await did not return")
		return nil
	}
}

func TestAwaitTimesOutAndStopsPolling(t *testing.T) {
	clk := testutil.NewFakeClock()
	api := &fakeLoginAPI{}
	c := auth.NewCoordinator(api, flowConfig, clk, nil)

	s, err := c.Start(context.Background(), "https://cloud.example.com")
	require.NoError(t, err)
	assert.Equal(t, auth.StateInitiated, s.State())

	done := awaitAsync(c)

	// Timeout timer plus the first poll interval.
	clk.BlockUntil(t, 2)
	for i := 0; i < 3; i++ {
		clk.Advance(2 * time.Second)
		clk.BlockUntil(t, 2)
	}
	assert.Equal(t, auth.StatePolling, s.State())

	clk.Advance(5 * time.Minute)
	err = receive(t, done)
	assert.True(t, apperr.IsKind(err, apperr.LoginFlowTimeout))
	assert.Equal(t, auth.StateTimedOut, s.State())

	polls := api.pollCount()
	assert.Equal(t, 4, polls)

	clk.Advance(10 * time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, polls, api.pollCount(), "no poll after timeout")
}

func TestAwaitCompletes(t *testing.T) {
	clk := testutil.NewFakeClock()
	api := &fakeLoginAPI{completeAfter: 2}
	c := auth.NewCoordinator(api, flowConfig, clk, nil)

	s, err := c.Start(context.Background(), "https://cloud.example.com")
	require.NoError(t, err)
	watch := s.Watch()

	type result struct {
		creds *auth.LoginCredentials
		err   error
	}
	done := make(chan result, 1)
	go func() {
		creds, err := c.Await(context.Background())
		done <- result{creds, err}
	}()

	clk.BlockUntil(t, 2)
	clk.Advance(2 * time.Second)

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, "alice", r.creds.LoginName)
		assert.Equal(t, "app-tok", r.creds.AppPassword)
	case <-time.After(5 * time.Second):
		t.Fatal("Await did not return")
	}
	assert.Equal(t, auth.StateCompleted, s.State())

	var states []auth.SessionState
	for st := range watch {
		states = append(states, st)
	}
	assert.Equal(t, []auth.SessionState{auth.StateInitiated, auth.StatePolling, auth.StateCompleted}, states)
}

func TestCancelStopsPolling(t *testing.T) {
	clk := testutil.NewFakeClock()
	api := &fakeLoginAPI{}
	c := auth.NewCoordinator(api, flowConfig, clk, nil)

	s, err := c.Start(context.Background(), "https://cloud.example.com")
	require.NoError(t, err)
	done := awaitAsync(c)
	clk.BlockUntil(t, 2)

	c.Cancel()
	err = receive(t, done)
	assert.True(t, apperr.IsKind(err, apperr.LoginFlowCancelled))
	assert.Equal(t, auth.StateCancelled, s.State())

	polls := api.pollCount()
	clk.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, polls, api.pollCount())
	assert.Nil(t, s.Credentials())
}

func TestCallerContextCancelsSession(t *testing.T) {
	clk := testutil.NewFakeClock()
	c := auth.NewCoordinator(&fakeLoginAPI{}, flowConfig, clk, nil)

	s, err := c.Start(context.Background(), "https://cloud.example.com")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Await(ctx)
		done <- err
	}()
	clk.BlockUntil(t, 2)
	cancel()

	assert.True(t, apperr.IsKind(receive(t, done), apperr.LoginFlowCancelled))
	assert.Equal(t, auth.StateCancelled, s.State())
}

func TestStartSupersedesPreviousSession(t *testing.T) {
	api := &fakeLoginAPI{}
	c := auth.NewCoordinator(api, flowConfig, testutil.NewFakeClock(), nil)

	first, err := c.Start(context.Background(), "https://cloud.example.com")
	require.NoError(t, err)
	second, err := c.Start(context.Background(), "https://cloud.example.com")
	require.NoError(t, err)

	assert.Equal(t, auth.StateCancelled, first.State())
	assert.Equal(t, auth.StateInitiated, second.State())
	assert.NotEqual(t, first.ID, second.ID)
	assert.Same(t, second, c.Session())
}

func TestCloseCancelsPendingSession(t *testing.T) {
	c := auth.NewCoordinator(&fakeLoginAPI{}, flowConfig, testutil.NewFakeClock(), nil)
	s, err := c.Start(context.Background(), "https://cloud.example.com")
	require.NoError(t, err)

	require.NoError(t, c.Close())
	assert.Equal(t, auth.StateCancelled, s.State())

	_, err = c.Await(context.Background())
	assert.True(t, apperr.IsKind(err, apperr.LoginFlowCancelled))
}

func TestTerminalStatesAreFinal(t *testing.T) {
	clk := testutil.NewFakeClock()
	c := auth.NewCoordinator(&fakeLoginAPI{completeAfter: 1}, flowConfig, clk, nil)
	s, err := c.Start(context.Background(), "https://cloud.example.com")
	require.NoError(t, err)

	_, err = c.Await(context.Background())
	require.NoError(t, err)

	c.Cancel()
	assert.Equal(t, auth.StateCompleted, s.State())
	assert.NotNil(t, s.Credentials())
}

func TestPollErrorFailsSession(t *testing.T) {
	c := auth.NewCoordinator(&fakeLoginAPI{pollErr: errors.New("unexpected status 500")},
		flowConfig, testutil.NewFakeClock(), nil)
	s, err := c.Start(context.Background(), "https://cloud.example.com")
	require.NoError(t, err)

	_, err = c.Await(context.Background())
	require.Error(t, err)
	assert.Equal(t, auth.StateFailed, s.State())
	assert.Contains(t, s.Reason(), "500")
}

func TestLoginFlowClientAgainstServer(t *testing.T) {
	var pollMu sync.Mutex
	polls := 0

	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/index.php/login/v2":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"poll":{"token":"t0k","endpoint":"` + srv.URL +
				`/login/v2/poll"},"login":"` + srv.URL + `/login/v2/flow/xyz"}`))
		case "/login/v2/poll":
			assert.NoError(t, r.ParseForm())
			assert.Equal(t, "t0k", r.PostForm.Get("token"))
			pollMu.Lock()
			polls++
			n := polls
			pollMu.Unlock()
			if n == 1 {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			_, _ = w.Write([]byte(`{"server":"` + srv.URL +
				`","loginName":"alice","appPassword":"secret-app"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)

	client := auth.NewLoginFlowClient(5 * time.Second)
	ctx := context.Background()

	init, err := client.Initiate(ctx, srv.URL+"/")
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/login/v2/flow/xyz", init.LoginURL)
	assert.Equal(t, "t0k", init.PollToken)

	creds, err := client.Poll(ctx, init.PollEndpoint, init.PollToken)
	require.NoError(t, err)
	assert.Nil(t, creds, "404 means pending")

	creds, err = client.Poll(ctx, init.PollEndpoint, init.PollToken)
	require.NoError(t, err)
	require.NotNil(t, creds)
	assert.Equal(t, "alice", creds.LoginName)
	assert.Equal(t, "secret-app", creds.AppPassword)
}

func TestLoginFlowClientUnsupportedServer(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	_, err := auth.NewLoginFlowClient(5*time.Second).Initiate(context.Background(), srv.URL)
	assert.True(t, apperr.IsKind(err, apperr.ServiceUnavailable))
}
