package auth

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nhle/pimsync/internal/apperr"
	"github.com/nhle/pimsync/internal/clock"
	"github.com/nhle/pimsync/internal/logging"
	"github.com/nhle/pimsync/internal/metrics"
	"github.com/nhle/pimsync/internal/model"
)

// SessionState is the lifecycle state of a login session.
type SessionState string

const (
	StateInitiated SessionState = "initiated"
	StatePolling   SessionState = "polling"
	StateCompleted SessionState = "completed"
	StateTimedOut  SessionState = "timed_out"
	StateCancelled SessionState = "cancelled"
	StateFailed    SessionState = "failed"
)

// Terminal reports whether no further transition can leave the state.
func (s SessionState) Terminal() bool {
	switch s {
	case StateCompleted, StateTimedOut, StateCancelled, StateFailed:
		return true
	}
	return false
}

// Session is one in-flight delegated browser login.
type Session struct {
	ID           string
	LoginURL     string
	PollEndpoint string
	StartedAt    time.Time

	pollToken string

	// ctx is cancelled when the session ends for any reason, aborting an
	// in-flight poll request.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    SessionState
	creds    *LoginCredentials
	reason   string
	watchers []chan SessionState
}

func newSession(init *Initiation, now time.Time) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		ID:           uuid.New().String(),
		LoginURL:     init.LoginURL,
		PollEndpoint: init.PollEndpoint,
		StartedAt:    now,
		pollToken:    init.PollToken,
		ctx:          ctx,
		cancel:       cancel,
		state:        StateInitiated,
	}
}

// State returns the current state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Credentials returns the final credentials once Completed, else nil.
func (s *Session) Credentials() *LoginCredentials {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds
}

// Reason describes why the session failed.
func (s *Session) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Watch returns a channel receiving the current state and every later
// transition. It is closed once the session reaches a terminal state.
func (s *Session) Watch() <-chan SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan SessionState, 4)
	ch <- s.state
	if s.state.Terminal() {
		close(ch)
		return ch
	}
	s.watchers = append(s.watchers, ch)
	return ch
}

// transition moves the session to a new state. Terminal states are
// final; a transition out of one is ignored and reported as false.
func (s *Session) transition(to SessionState, creds *LoginCredentials, reason string) bool {
	s.mu.Lock()
	if s.state.Terminal() || s.state == to {
		s.mu.Unlock()
		return false
	}
	s.state = to
	if creds != nil {
		s.creds = creds
	}
	s.reason = reason

	for _, w := range s.watchers {
		select {
		case w <- to:
		default:
		}
		if to.Terminal() {
			close(w)
		}
	}
	if to.Terminal() {
		s.watchers = nil
	}
	s.mu.Unlock()

	if to.Terminal() {
		s.cancel()
		metrics.ObserveLoginFlow(string(to))
	}
	return true
}

// Coordinator owns the login session of one account-creation attempt.
// Starting a new session cancels the previous one. Close must be called
// when the owner goes away.
type Coordinator struct {
	api      LoginFlowAPI
	clock    clock.Clock
	timeout  time.Duration
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	session *Session
}

// NewCoordinator creates a login coordinator using cfg's timeout and poll
// cadence.
func NewCoordinator(
	api LoginFlowAPI,
	cfg model.LoginFlowConfig,
	clk clock.Clock,
	logger *slog.Logger,
) *Coordinator {
	return &Coordinator{
		api:      api,
		clock:    clock.OrReal(clk),
		timeout:  cfg.Timeout(),
		interval: cfg.PollInterval(),
		logger:   logging.OrDiscard(logger),
	}
}

// Start cancels any previous session and initiates a new one.
func (c *Coordinator) Start(ctx context.Context, baseURL string) (*Session, error) {
	c.Cancel()

	init, err := c.api.Initiate(ctx, baseURL)
	if err != nil {
		return nil, err
	}

	s := newSession(init, c.clock.Now())

	c.mu.Lock()
	prev := c.session
	c.session = s
	c.mu.Unlock()

	// A concurrent Start may have slipped in between Cancel and here.
	if prev != nil {
		prev.transition(StateCancelled, nil, "superseded")
	}

	c.logger.Info("login flow started", "session", s.ID, "login_url", s.LoginURL)
	return s, nil
}

// Session returns the current session, or nil.
func (c *Coordinator) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Await polls the current session until it completes, fails, is
// cancelled, or the timeout measured from the first poll elapses. No poll
// is issued once the session is terminal.
func (c *Coordinator) Await(ctx context.Context) (*LoginCredentials, error) {
	s := c.Session()
	if s == nil {
		return nil, apperr.New(apperr.Internal, "auth.login_flow.await", "no login session started")
	}
	if !s.transition(StatePolling, nil, "") && s.State() != StatePolling {
		return s.result()
	}

	deadline := c.clock.Now().Add(c.timeout)
	timeout := c.clock.After(c.timeout)

	for {
		select {
		case <-s.ctx.Done():
			return s.result()
		case <-ctx.Done():
			s.transition(StateCancelled, nil, "caller cancelled")
			return s.result()
		case <-timeout:
			s.transition(StateTimedOut, nil, "")
			return s.result()
		default:
		}
		if !c.clock.Now().Before(deadline) {
			s.transition(StateTimedOut, nil, "")
			return s.result()
		}

		creds, err := c.poll(ctx, s)
		switch {
		case creds != nil:
			s.transition(StateCompleted, creds, "")
			c.logger.Info("login flow completed", "session", s.ID, "login_name", creds.LoginName)
			return s.result()
		case err != nil && s.ctx.Err() == nil && ctx.Err() == nil:
			if !apperr.IsKind(err, apperr.NetworkUnreachable) {
				s.transition(StateFailed, nil, err.Error())
				return s.result()
			}
			c.logger.Warn("login flow poll failed, retrying", "session", s.ID, "error", err)
		}

		select {
		case <-c.clock.After(c.interval):
		case <-timeout:
			s.transition(StateTimedOut, nil, "")
			return s.result()
		case <-s.ctx.Done():
			return s.result()
		case <-ctx.Done():
			s.transition(StateCancelled, nil, "caller cancelled")
			return s.result()
		}
	}
}

func (c *Coordinator) poll(ctx context.Context, s *Session) (creds *LoginCredentials, err error) {
	defer apperr.Recover("auth.login_flow.poll", &err)

	pollCtx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	return c.api.Poll(pollCtx, s.PollEndpoint, s.pollToken)
}

// Cancel cancels the current session if it is still in progress.
func (c *Coordinator) Cancel() {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()
	if s != nil && s.transition(StateCancelled, nil, "cancelled") {
		c.logger.Info("login flow cancelled", "session", s.ID)
	}
}

// Close tears the coordinator down, cancelling a non-terminal session.
func (c *Coordinator) Close() error {
	c.Cancel()
	return nil
}

// result maps the session's terminal state to the caller's return values.
func (s *Session) result() (*LoginCredentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateCompleted:
		return s.creds, nil
	case StateTimedOut:
		return nil, apperr.New(apperr.LoginFlowTimeout, "auth.login_flow", "login did not complete in time")
	case StateCancelled:
		return nil, apperr.New(apperr.LoginFlowCancelled, "auth.login_flow", s.reason)
	case StateFailed:
		return nil, apperr.Wrap(apperr.ServiceUnavailable, "auth.login_flow", errors.New(s.reason))
	default:
		return nil, apperr.New(apperr.Internal, "auth.login_flow", "session still "+string(s.state))
	}
}
