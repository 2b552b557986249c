package connection

import (
	"errors"
	"testing"

	"github.com/agentbridge/connection-bridge/internal/registry"
)

func TestEnableTransitionsToActive(t *testing.T) {
	c := New(Options{})
	if c.State() != Passive {
		t.Fatalf("expected initial state passive, got %v", c.State())
	}
	if err := c.Enable("client-1"); err != nil {
		t.Fatalf("Enable returned error: %v", err)
	}
	if c.State() != Active {
		t.Fatalf("expected active after enable, got %v", c.State())
	}
}

func TestEnableRejectsEmptyClientID(t *testing.T) {
	c := New(Options{})
	if err := c.Enable("   "); err == nil {
		t.Fatalf("expected error for empty client_id")
	}
	if c.State() != Passive {
		t.Fatalf("state must not change on rejected enable")
	}
}

func TestEnableAgainHasNoSideEffects(t *testing.T) {
	c := New(Options{})
	if err := c.Enable("client-1"); err != nil {
		t.Fatalf("Enable returned error: %v", err)
	}

	// Re-enabling with the registered client_id is a duplicate; the
	// existing session must be left undisturbed.
	if err := c.Enable("client-1"); !errors.Is(err, registry.ErrDuplicateSession) {
		t.Fatalf("expected ErrDuplicateSession for a registered client_id, got %v", err)
	}
	// A fresh client_id while already enabled gets the idempotent reply.
	if err := c.Enable("client-2"); !errors.Is(err, ErrAlreadyEnabled) {
		t.Fatalf("expected ErrAlreadyEnabled for a new client_id, got %v", err)
	}

	if c.State() != Active {
		t.Fatalf("repeated enable must not change state")
	}
	if c.Sessions().SessionCount() != 1 {
		t.Fatalf("repeated enable must not create or destroy sessions, have %d", c.Sessions().SessionCount())
	}
}

func TestExtensionConnectedThenDisconnected(t *testing.T) {
	var notified int
	c := New(Options{Notifier: notifierFunc(func() { notified++ })})
	if err := c.Enable("client-1"); err != nil {
		t.Fatalf("Enable returned error: %v", err)
	}

	c.ExtensionConnected("chrome", "")
	if c.State() != Connected {
		t.Fatalf("expected connected, got %v", c.State())
	}
	if c.BrowserName() != "chrome" {
		t.Fatalf("expected browser name chrome, got %q", c.BrowserName())
	}

	session, _ := c.Sessions().Get("client-1")
	session.SetAttachedTab("tab-1")

	c.ExtensionDisconnected()
	if c.State() != Active {
		t.Fatalf("expected active after disconnect, got %v", c.State())
	}
	if session.AttachedTab() != "" {
		t.Fatalf("expected attached tab cleared on disconnect")
	}
	if notified == 0 {
		t.Fatalf("expected catalog change notifications")
	}
}

func TestDisableTearsDownSessions(t *testing.T) {
	c := New(Options{})
	if err := c.Enable("client-1"); err != nil {
		t.Fatalf("Enable returned error: %v", err)
	}
	c.ExtensionConnected("chrome", "")

	if err := c.Disable(); err != nil {
		t.Fatalf("Disable returned error: %v", err)
	}
	if c.State() != Passive {
		t.Fatalf("expected passive after disable, got %v", c.State())
	}
	if c.Sessions().SessionCount() != 0 {
		t.Fatalf("expected sessions cleared on disable")
	}
}

func TestDisableOnPassiveIsNoop(t *testing.T) {
	c := New(Options{})
	if err := c.Disable(); err != nil {
		t.Fatalf("Disable on passive returned error: %v", err)
	}
	if c.State() != Passive {
		t.Fatalf("expected still passive")
	}
}

func TestRequireConnectedOnlyWhenConnected(t *testing.T) {
	c := New(Options{})
	if err := c.RequireConnected(); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected while passive, got %v", err)
	}
	c.Enable("client-1")
	if err := c.RequireConnected(); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected while active, got %v", err)
	}
	c.ExtensionConnected("chrome", "")
	if err := c.RequireConnected(); err != nil {
		t.Fatalf("expected no error while connected, got %v", err)
	}
}

func TestReloadRequiresDebugMode(t *testing.T) {
	c := New(Options{DebugMode: false})
	if err := c.Reload(); !errors.Is(err, ErrReloadNotAllowed) {
		t.Fatalf("expected ErrReloadNotAllowed, got %v", err)
	}

	debugConn := New(Options{DebugMode: true})
	if err := debugConn.Reload(); err != nil {
		t.Fatalf("expected reload to succeed in debug mode, got %v", err)
	}
}

func TestEnterActiveFailureRollsBackSession(t *testing.T) {
	startErr := errors.New("bind failed")
	c := New(Options{OnEnterActive: func(string) error { return startErr }})
	if err := c.Enable("client-1"); !errors.Is(err, startErr) {
		t.Fatalf("expected start error to propagate, got %v", err)
	}
	if c.State() != Passive {
		t.Fatalf("expected state to remain passive after failed enable")
	}
	if c.Sessions().SessionCount() != 0 {
		t.Fatalf("expected session rolled back after failed enable")
	}
}

func TestExtensionBuildTimeParsedFromHandshake(t *testing.T) {
	c := New(Options{})
	if err := c.Enable("client-1"); err != nil {
		t.Fatalf("Enable returned error: %v", err)
	}

	c.ExtensionConnected("chrome", "2026-07-14T09:30:00Z")
	got := c.ExtensionBuildTime()
	if got.IsZero() {
		t.Fatalf("expected build time parsed from handshake timestamp")
	}
	if got.Year() != 2026 || got.Month() != 7 || got.Day() != 14 {
		t.Fatalf("unexpected build time: %v", got)
	}

	if err := c.Disable(); err != nil {
		t.Fatalf("Disable returned error: %v", err)
	}
	if !c.ExtensionBuildTime().IsZero() {
		t.Fatalf("expected build time cleared on disable")
	}
}

func TestExtensionBuildTimeZeroWhenUnparseable(t *testing.T) {
	c := New(Options{})
	_ = c.Enable("client-1")
	c.ExtensionConnected("chrome", "yesterday-ish")
	if !c.ExtensionBuildTime().IsZero() {
		t.Fatalf("expected zero build time for an unparseable timestamp")
	}
}

type notifierFunc func()

func (f notifierFunc) NotifyCatalogChanged() { f() }
