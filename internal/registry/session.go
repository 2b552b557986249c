// Package registry implements the Session Registry and Tab Ownership Map:
// logical client identities, the tabs each one owns, and the per-request
// ACL check that keeps one session's tools from touching another
// session's tabs.
package registry

import (
	"errors"
	"strings"
	"sync"

	"github.com/agentbridge/connection-bridge/internal/experiment"
	"github.com/agentbridge/connection-bridge/internal/humanize"
)

// Sentinel errors. Callers map these to mcp error codes.
var (
	ErrEmptyClientID    = errors.New("client_id is required")
	ErrDuplicateSession = errors.New("duplicate_session")
	ErrPermissionDenied = errors.New("permission_denied")
	ErrUnknownSession   = errors.New("unknown_session")
)

// Session is a logical client identity: a stable ID, the tabs it owns,
// its humanization state, and its experiment overrides.
type Session struct {
	ID string

	mu          sync.RWMutex
	tabs        map[string]bool
	attachedTab string
	tabSnapshot TabSnapshot

	Experiments *experiment.Registry
	Personality humanize.Personality
	Cursor      humanize.Point
}

// TabSnapshot is the latest-known metadata for a session's attached tab,
// pushed by the extension as a tab_info_update notification and consumed
// by the Status Formatter. Zero value means no snapshot has arrived yet.
type TabSnapshot struct {
	Index int
	URL   string
	Tech  string
}

// OwnsTab reports whether this session owns tabID.
func (s *Session) OwnsTab(tabID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tabs[tabID]
}

// Tabs returns a snapshot slice of tab IDs owned by this session.
func (s *Session) Tabs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.tabs))
	for id := range s.tabs {
		out = append(out, id)
	}
	return out
}

// AttachedTab returns the tab that tab-scoped tools act on by default.
func (s *Session) AttachedTab() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.attachedTab
}

// SetAttachedTab updates the session's default tab target.
func (s *Session) SetAttachedTab(tabID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attachedTab = tabID
	if tabID == "" {
		s.tabSnapshot = TabSnapshot{}
	}
}

// TabSnapshot returns the latest-known metadata for the session's attached
// tab: index, URL, and detected tech stack as last reported by the
// extension.
func (s *Session) TabSnapshot() TabSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tabSnapshot
}

// SetTabSnapshot records a fresh tab_info_update/tech_stack notification
// from the extension for this session's attached tab.
func (s *Session) SetTabSnapshot(snap TabSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tabSnapshot = snap
}

// CursorPosition returns the session's current cursor position, updated
// after every humanized mouse move to the last waypoint generated.
func (s *Session) CursorPosition() humanize.Point {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Cursor
}

// SetCursorPosition updates the session's cursor position, used by the
// Humanization Engine after dispatching a generated path.
func (s *Session) SetCursorPosition(p humanize.Point) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Cursor = p
}

func (s *Session) addTab(tabID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tabs[tabID] = true
}

func (s *Session) removeTab(tabID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tabs, tabID)
	if s.attachedTab == tabID {
		s.attachedTab = ""
	}
}

// Registry owns every live Session and the Tab Ownership Map: which
// session, if any, owns each tab ID. A tab belongs to at most one session.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	tabOwner map[string]string // tabID -> sessionID
	defaults *experiment.Registry
}

// New creates an empty Registry. defaults seeds every new session's
// experiment overrides (the Connection's process-wide toggle state at the
// moment the session is created).
func New(defaults *experiment.Registry) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		tabOwner: make(map[string]string),
		defaults: defaults,
	}
}

// Register creates a new Session for clientID. Empty or whitespace-only
// IDs are rejected; IDs already registered are rejected as duplicates
// without disturbing the existing session.
func (r *Registry) Register(clientID string) (*Session, error) {
	if strings.TrimSpace(clientID) == "" {
		return nil, ErrEmptyClientID
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[clientID]; exists {
		return nil, ErrDuplicateSession
	}

	var expDefaults *experiment.Registry
	if r.defaults != nil {
		expDefaults = r.defaults.Clone()
	} else {
		expDefaults = experiment.NewFromEnv("")
	}

	session := &Session{
		ID:          clientID,
		tabs:        make(map[string]bool),
		Experiments: expDefaults,
		Personality: humanize.NewPersonality(),
	}
	r.sessions[clientID] = session
	return session, nil
}

// Get returns the session for clientID, if any.
func (r *Registry) Get(clientID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[clientID]
	return s, ok
}

// Unregister tears down a session. Its tabs are released — ownership is
// cleared but the tabs themselves are left open in the browser.
func (r *Registry) Unregister(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[clientID]
	if !ok {
		return
	}
	for _, tabID := range session.Tabs() {
		delete(r.tabOwner, tabID)
	}
	delete(r.sessions, clientID)
}

// Reset tears down every session, used on Connection disable.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = make(map[string]*Session)
	r.tabOwner = make(map[string]string)
}

// AssignTab records that tabID is now owned by clientID. Tabs created via
// a session's tools are implicitly assigned to that session this way.
func (r *Registry) AssignTab(clientID, tabID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[clientID]
	if !ok {
		return ErrUnknownSession
	}
	if prevOwner, owned := r.tabOwner[tabID]; owned && prevOwner != clientID {
		if prev, ok := r.sessions[prevOwner]; ok {
			prev.removeTab(tabID)
		}
	}
	r.tabOwner[tabID] = clientID
	session.addTab(tabID)
	return nil
}

// ReleaseTab clears ownership of tabID (e.g. the tab was closed).
func (r *Registry) ReleaseTab(tabID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	owner, ok := r.tabOwner[tabID]
	if !ok {
		return
	}
	delete(r.tabOwner, tabID)
	if session, ok := r.sessions[owner]; ok {
		session.removeTab(tabID)
	}
}

// OwnerOf returns the session owning tabID, if any — used to route an
// extension notification about a tab (tab_info_update, tech_stack) to the
// session whose Attached Tab Snapshot it updates.
func (r *Registry) OwnerOf(tabID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	owner, ok := r.tabOwner[tabID]
	if !ok {
		return nil, false
	}
	session, ok := r.sessions[owner]
	return session, ok
}

// CheckOwnership enforces the Tab ACL: clientID must own tabID, or the
// call fails PermissionDenied. A session invoking a tool on a tab it does
// not own — including a tab owned by no one — is rejected.
func (r *Registry) CheckOwnership(clientID, tabID string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.tabOwner[tabID] != clientID {
		return ErrPermissionDenied
	}
	return nil
}

// FilterOwned narrows a list-style result (e.g. list tabs) down to the
// tabs owned by clientID, preserving input order.
func (r *Registry) FilterOwned(clientID string, tabIDs []string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(tabIDs))
	for _, id := range tabIDs {
		if r.tabOwner[id] == clientID {
			out = append(out, id)
		}
	}
	return out
}

// SessionCount reports the number of live sessions, for diagnostics.
func (r *Registry) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// SessionIDs returns a snapshot of every live client ID.
func (r *Registry) SessionIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		out = append(out, id)
	}
	return out
}
