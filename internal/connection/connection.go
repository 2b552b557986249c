// Package connection implements the top-level runtime state machine:
// passive -> active -> connected, with one transition action assigned to
// each edge. A Connection is created once at process start in passive and
// lives until process exit.
package connection

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/agentbridge/connection-bridge/internal/experiment"
	"github.com/agentbridge/connection-bridge/internal/registry"
	"github.com/agentbridge/connection-bridge/internal/util"
)

// State is one of the three states a Connection can be in.
type State int

const (
	Passive State = iota
	Active
	Connected
)

func (s State) String() string {
	switch s {
	case Passive:
		return "passive"
	case Active:
		return "active"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

var (
	// ErrAlreadyEnabled is returned by Enable when the Connection is already
	// active or connected and clientID does not name a registered session
	// (a registered one gets registry.ErrDuplicateSession); callers report
	// it as "already enabled" rather than an error.
	ErrAlreadyEnabled = errors.New("already_enabled")
	// ErrNotConnected marks a tab-scoped tool invoked while passive or active.
	ErrNotConnected = errors.New("not_connected")
	// ErrReloadNotAllowed is returned when reload is requested outside debug mode.
	ErrReloadNotAllowed = errors.New("reload_requires_debug_mode")
)

// CatalogNotifier is informed whenever the set of available tools changes
// (state transition, or an experiment toggle adding/removing entries).
type CatalogNotifier interface {
	NotifyCatalogChanged()
}

// Connection is the process-wide runtime object.
type Connection struct {
	mu          sync.RWMutex
	state       State
	debugMode   bool
	browserName string
	buildTime   time.Time

	sessions    *registry.Registry
	experiments *experiment.Registry
	notifier    CatalogNotifier

	onEnterActive    func(clientID string) error
	onEnterConnected func()
	onLeaveConnected func()
	onDisable        func()
}

// Options configures a new Connection.
type Options struct {
	DebugMode        bool
	Experiments      *experiment.Registry
	Notifier         CatalogNotifier
	OnEnterActive    func(clientID string) error
	OnEnterConnected func()
	OnLeaveConnected func()
	OnDisable        func()
}

// New creates a Connection in the passive state.
func New(opts Options) *Connection {
	exp := opts.Experiments
	if exp == nil {
		exp = experiment.NewFromEnv("")
	}
	c := &Connection{
		state:            Passive,
		debugMode:        opts.DebugMode,
		experiments:      exp,
		notifier:         opts.Notifier,
		onEnterActive:    opts.OnEnterActive,
		onEnterConnected: opts.OnEnterConnected,
		onLeaveConnected: opts.OnLeaveConnected,
		onDisable:        opts.OnDisable,
	}
	c.sessions = registry.New(exp)
	return c
}

// State returns the current state.
func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Sessions returns the Session Registry backing this Connection.
func (c *Connection) Sessions() *registry.Registry {
	return c.sessions
}

// Experiments returns the process-wide experiment defaults new sessions
// inherit.
func (c *Connection) Experiments() *experiment.Registry {
	return c.experiments
}

// Enable transitions passive -> active for clientID: validates the ID,
// starts the Transport (via onEnterActive), creates a session, and notifies
// the catalog change. While already enabled, a clientID that names a
// registered session is rejected as a duplicate without disturbing that
// session; any other clientID gets the idempotent "already enabled"
// response. Neither case has side effects.
func (c *Connection) Enable(clientID string) error {
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return registry.ErrEmptyClientID
	}

	c.mu.Lock()
	if c.state != Passive {
		c.mu.Unlock()
		if _, exists := c.sessions.Get(clientID); exists {
			return registry.ErrDuplicateSession
		}
		return ErrAlreadyEnabled
	}
	c.mu.Unlock()

	if _, err := c.sessions.Register(clientID); err != nil {
		return err
	}

	if c.onEnterActive != nil {
		if err := c.onEnterActive(clientID); err != nil {
			c.sessions.Unregister(clientID)
			return err
		}
	}

	c.mu.Lock()
	c.state = Active
	c.mu.Unlock()

	c.notifyCatalogChanged()
	return nil
}

// ExtensionConnected is the transition fired when the extension's
// WebSocket handshake completes: active -> connected, or connected (new
// socket replacing old) -> connected. buildTimestamp is the RFC3339
// build_timestamp from the extension's identity frame; empty or
// unparseable values leave the build time zero.
func (c *Connection) ExtensionConnected(browserName, buildTimestamp string) {
	c.mu.Lock()
	wasConnected := c.state == Connected
	c.browserName = browserName
	c.buildTime = util.ParseTimestamp(buildTimestamp)
	c.state = Connected
	c.mu.Unlock()

	if c.onEnterConnected != nil {
		c.onEnterConnected()
	}
	if !wasConnected {
		c.notifyCatalogChanged()
	}
}

// ExtensionDisconnected is the soft-event transition connected -> active:
// every session's attached tab is cleared. Tab ownership entries are left
// as they are: tabs stay owned under their old extension-side IDs, and
// nothing marks those entries stale or re-resolves them. Only pending
// operations fail — disconnection itself is never an error.
func (c *Connection) ExtensionDisconnected() {
	c.mu.Lock()
	if c.state != Connected {
		c.mu.Unlock()
		return
	}
	c.state = Active
	c.mu.Unlock()

	for _, session := range c.allSessions() {
		session.SetAttachedTab("")
	}

	if c.onLeaveConnected != nil {
		c.onLeaveConnected()
	}
	c.notifyCatalogChanged()
}

// Disable tears down the Transport, destroys every session, resets
// experiment flags, and releases humanization session state: active or
// connected -> passive.
func (c *Connection) Disable() error {
	c.mu.Lock()
	if c.state == Passive {
		c.mu.Unlock()
		return nil
	}
	c.state = Passive
	c.browserName = ""
	c.buildTime = time.Time{}
	c.mu.Unlock()

	c.sessions.Reset()
	c.experiments.Reset()

	if c.onDisable != nil {
		c.onDisable()
	}
	c.notifyCatalogChanged()
	return nil
}

// Reload is valid only in debug mode; callers translate ErrReloadNotAllowed
// into a structured tool error, and a nil return into os.Exit(42) at the
// call site (this package never calls os.Exit itself, to stay testable).
func (c *Connection) Reload() error {
	c.mu.RLock()
	debug := c.debugMode
	c.mu.RUnlock()
	if !debug {
		return ErrReloadNotAllowed
	}
	return nil
}

// RequireConnected enforces the tab-scoped precondition: ErrNotConnected
// when the Connection is passive or active.
func (c *Connection) RequireConnected() error {
	if c.State() != Connected {
		return ErrNotConnected
	}
	return nil
}

// DebugMode reports whether the process was started with debug mode on,
// the precondition Reload checks and an input to the Status Formatter.
func (c *Connection) DebugMode() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.debugMode
}

// BrowserName returns the name reported by the currently (or most
// recently) connected extension, used by the Status Formatter.
func (c *Connection) BrowserName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.browserName
}

// ExtensionBuildTime returns the parsed build_timestamp from the
// extension's identity frame, another Status Formatter input. Zero when no
// extension has connected or its timestamp did not parse.
func (c *Connection) ExtensionBuildTime() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.buildTime
}

func (c *Connection) notifyCatalogChanged() {
	if c.notifier != nil {
		c.notifier.NotifyCatalogChanged()
	}
}

func (c *Connection) allSessions() []*registry.Session {
	ids := c.sessions.SessionIDs()
	out := make([]*registry.Session, 0, len(ids))
	for _, id := range ids {
		if s, ok := c.sessions.Get(id); ok {
			out = append(out, s)
		}
	}
	return out
}
