package auth

import (
	"sync"
	"time"

	"github.com/nhle/pimsync/internal/clock"
)

// Default grace windows applied after the owner is backgrounded.
const (
	DefaultBackgroundWait  = 3 * time.Second
	DefaultBackgroundGrace = 2 * time.Second
)

// BackgroundGrace cancels a login flow when its owner stays in the
// background for the wait plus grace windows. Returning to the
// foreground in time disarms it. It lives with the presentation
// collaborator; the poll loop only honors the resulting cancellation.
type BackgroundGrace struct {
	clock    clock.Clock
	wait     time.Duration
	grace    time.Duration
	onExpire func()

	mu     sync.Mutex
	disarm chan struct{}
}

// NewBackgroundGrace arms onExpire (typically Coordinator.Cancel) with
// the default windows.
func NewBackgroundGrace(clk clock.Clock, onExpire func()) *BackgroundGrace {
	return &BackgroundGrace{
		clock:    clock.OrReal(clk),
		wait:     DefaultBackgroundWait,
		grace:    DefaultBackgroundGrace,
		onExpire: onExpire,
	}
}

// OnBackground starts the countdown. Repeated calls restart it.
func (g *BackgroundGrace) OnBackground() {
	g.mu.Lock()
	if g.disarm != nil {
		close(g.disarm)
	}
	disarm := make(chan struct{})
	g.disarm = disarm
	g.mu.Unlock()

	go func() {
		for _, d := range []time.Duration{g.wait, g.grace} {
			select {
			case <-g.clock.After(d):
			case <-disarm:
				return
			}
		}

		g.mu.Lock()
		current := g.disarm == disarm
		if current {
			g.disarm = nil
		}
		g.mu.Unlock()
		if current {
			g.onExpire()
		}
	}()
}

// OnForeground disarms a pending countdown.
func (g *BackgroundGrace) OnForeground() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.disarm != nil {
		close(g.disarm)
		g.disarm = nil
	}
}
