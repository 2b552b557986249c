// timeout.go — Per-request timeout logic for MCP tool calls.
package bridge

import (
	"encoding/json"
	"time"
)

// Timeout constants for different tool categories.
const (
	FastTimeout     = 10 * time.Second
	SlowTimeout     = 35 * time.Second
	ExtendedTimeout = 45 * time.Second
)

// connectionScopedTools never round-trip to the extension, so they always
// get FastTimeout regardless of what ToolCallTimeout would otherwise infer.
var connectionScopedTools = map[string]bool{
	"enable":            true,
	"disable":           true,
	"status":            true,
	"experiment_toggle": true,
	"reload":            true,
}

// extendedTimeoutTools round-trip to the extension and may legitimately run
// long (a full CDP round-trip or a page screenshot); they get ExtendedTimeout
// instead of the usual SlowTimeout.
var extendedTimeoutTools = map[string]bool{
	"forwardCDPCommand": true,
	"screenshot":        true,
}

// ToolCallTimeout returns the per-request timeout based on the MCP method and
// tool name. Connection-scoped tools (enable, disable, status,
// experiment_toggle, reload) get FastTimeout since they never reach the
// extension. Tab-scoped tools get SlowTimeout, except forwardCDPCommand and
// screenshot, which get ExtendedTimeout to cover a full CDP round-trip.
//
// method is the JSON-RPC method (e.g. "tools/call", "resources/read").
// params is the raw JSON of the request params.
func ToolCallTimeout(method string, params json.RawMessage) time.Duration {
	if method != "tools/call" {
		return FastTimeout
	}

	var p struct {
		Name string `json:"name"`
	}
	if json.Unmarshal(params, &p) != nil {
		return FastTimeout
	}

	if connectionScopedTools[p.Name] {
		return FastTimeout
	}
	if extendedTimeoutTools[p.Name] {
		return ExtendedTimeout
	}
	return SlowTimeout
}

// ExtractToolAction extracts the tool name and tab_id parameter from a
// tools/call request, for log lines that want to name the target tab
// without unmarshaling the full arguments.
func ExtractToolAction(method string, params json.RawMessage) (toolName, tabID string) {
	if method != "tools/call" {
		return "", ""
	}
	var p struct {
		Name string          `json:"name"`
		Args json.RawMessage `json:"arguments"`
	}
	if json.Unmarshal(params, &p) != nil {
		return "", ""
	}
	var a struct {
		TabID string `json:"tab_id"`
	}
	_ = json.Unmarshal(p.Args, &a)
	return p.Name, a.TabID
}
