// deps.go — Composable dependency interfaces for MCP tool packages.
// Each tool package defines its own Deps interface by embedding these sub-interfaces.
package mcp

import "context"

// DiagnosticProvider supplies system state snapshots for error messages.
// Used by tools to attach "Current state: ..." hints to structured errors.
type DiagnosticProvider interface {
	DiagnosticHintString() string
}

// ExtensionCaller dispatches a command to the connected extension and waits
// for its response or the caller's context deadline. Implemented by the
// Request Router; consumed by tab-scoped tool handlers.
type ExtensionCaller interface {
	Call(ctx context.Context, method string, params any) (result []byte, err error)
}
