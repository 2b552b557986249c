package dispatch

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/agentbridge/connection-bridge/internal/connection"
	"github.com/agentbridge/connection-bridge/internal/experiment"
	"github.com/agentbridge/connection-bridge/internal/humanize"
	"github.com/agentbridge/connection-bridge/internal/router"
	"github.com/agentbridge/connection-bridge/internal/util"
)

// Drifter runs the idle-drift half of the Humanization Engine: while a
// session with the humanization experiment on sits idle, it nudges the
// cursor 2-5 px along a random angle on a random [10s, 30s] cadence, so
// the pointer never freezes in place between tool calls.
type Drifter struct {
	conn   *connection.Connection
	router *router.Router

	mu           sync.Mutex
	lastActivity time.Time
	stopCh       chan struct{}

	// nextDelay is replaceable in tests; production uses the [10s, 30s]
	// cadence from humanize.NextIdleDriftDelay.
	nextDelay func(*rand.Rand) time.Duration
}

// NewDrifter builds a Drifter for one Connection/Router pair. Start must
// be called once the extension is connected.
func NewDrifter(conn *connection.Connection, r *router.Router) *Drifter {
	return &Drifter{conn: conn, router: r, nextDelay: humanize.NextIdleDriftDelay}
}

// MarkActivity records that the session just did something; the next drift
// tick is suppressed when activity happened inside its waiting window.
func (d *Drifter) MarkActivity() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastActivity = time.Now()
}

func (d *Drifter) lastActive() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastActivity
}

// Start launches the drift loop for clientID's session. Calling Start
// while a loop is already running is a no-op; Stop ends it.
func (d *Drifter) Start(clientID string) {
	d.mu.Lock()
	if d.stopCh != nil {
		d.mu.Unlock()
		return
	}
	stopCh := make(chan struct{})
	d.stopCh = stopCh
	d.mu.Unlock()

	util.SafeGo(func() { d.run(clientID, stopCh) })
}

// Stop ends the drift loop. Safe to call when no loop is running.
func (d *Drifter) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopCh != nil {
		close(d.stopCh)
		d.stopCh = nil
	}
}

func (d *Drifter) run(clientID string, stopCh chan struct{}) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for {
		delay := d.nextDelay(rng)
		select {
		case <-stopCh:
			return
		case <-time.After(delay):
		}

		if d.conn.State() != connection.Connected {
			continue
		}
		session, ok := d.conn.Sessions().Get(clientID)
		if !ok {
			return
		}
		if !session.Experiments.Enabled(experiment.Humanization) {
			continue
		}
		if time.Since(d.lastActive()) < delay {
			continue
		}

		vp := humanize.Viewport{Width: defaultViewportWidth, Height: defaultViewportHeight}
		wp := humanize.IdleDrift(session.CursorPosition(), vp, rng)
		payload, err := json.Marshal(struct {
			Waypoints []humanize.Waypoint `json:"waypoints"`
		}{Waypoints: []humanize.Waypoint{wp}})
		if err != nil {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), router.DefaultTimeout)
		_, err = d.router.Dispatch(ctx, "humanizedMouseMove", payload, 0)
		cancel()
		if err == nil {
			session.SetCursorPosition(humanize.Point{X: float64(wp.X), Y: float64(wp.Y)})
		}
	}
}
