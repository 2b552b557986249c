// Package dispatch implements the Tool Catalog and Tool Dispatcher: the
// static(-ish) set of tools the agent can call, and the six-step
// lookup/precondition/secure-eval/credential/extension-call/compose
// algorithm applied to every inbound request.
package dispatch

import (
	"github.com/agentbridge/connection-bridge/internal/experiment"
	"github.com/agentbridge/connection-bridge/internal/mcp"
)

// Scope is whether a tool works in passive (connection-scoped) or
// requires connected plus an owned attached tab (tab-scoped).
type Scope int

const (
	ConnectionScoped Scope = iota
	TabScoped
)

// Tool is one Tool Catalog Entry: name, argument schema, scope, the
// extension-side command it maps to (tab-scoped only), and the experiment
// that must be enabled for it to appear, if any.
type Tool struct {
	Name            string
	Scope           Scope
	Schema          map[string]any
	ExtensionMethod string // only set for TabScoped tools
	Experiment      experiment.Name
	TakesTabID      bool // true if the tool accepts an explicit tab_id argument
}

func schema(required []string, props map[string]any) map[string]any {
	return map[string]any{
		"properties": props,
		"required":   required,
	}
}

// Catalog is the static set of every known tool. Connection-scoped tools
// are handled locally; tab-scoped tools map 1:1 to an extension command.
var Catalog = buildCatalog()

func buildCatalog() map[string]*Tool {
	tools := []*Tool{
		{Name: "enable", Scope: ConnectionScoped, Schema: schema([]string{"client_id"}, map[string]any{"client_id": map[string]any{"type": "string"}})},
		{Name: "disable", Scope: ConnectionScoped, Schema: schema(nil, map[string]any{})},
		{Name: "status", Scope: ConnectionScoped, Schema: schema(nil, map[string]any{})},
		{Name: "experiment_toggle", Scope: ConnectionScoped, Schema: schema([]string{"name", "enabled"}, map[string]any{
			"name":    map[string]any{"type": "string"},
			"enabled": map[string]any{"type": "boolean"},
		})},
		{Name: "reload", Scope: ConnectionScoped, Schema: schema(nil, map[string]any{})},

		{Name: "getTabs", Scope: TabScoped, ExtensionMethod: "getTabs", Schema: schema(nil, map[string]any{})},
		{Name: "createTab", Scope: TabScoped, ExtensionMethod: "createTab", Schema: schema([]string{"url"}, map[string]any{"url": map[string]any{"type": "string"}})},
		{Name: "selectTab", Scope: TabScoped, ExtensionMethod: "selectTab", TakesTabID: true, Schema: schema([]string{"tab_id"}, map[string]any{"tab_id": map[string]any{"type": "string"}})},
		{Name: "closeTab", Scope: TabScoped, ExtensionMethod: "closeTab", TakesTabID: true, Schema: schema([]string{"tab_id"}, map[string]any{"tab_id": map[string]any{"type": "string"}})},
		{Name: "navigate", Scope: TabScoped, ExtensionMethod: "navigate", Schema: schema([]string{"url"}, map[string]any{"url": map[string]any{"type": "string"}})},
		{Name: "screenshot", Scope: TabScoped, ExtensionMethod: "screenshot", Schema: schema(nil, map[string]any{})},
		{Name: "snapshot", Scope: TabScoped, ExtensionMethod: "snapshot", Schema: schema(nil, map[string]any{})},
		{Name: "evaluate", Scope: TabScoped, ExtensionMethod: "evaluate", Experiment: experiment.SecureEval, Schema: schema([]string{"source"}, map[string]any{"source": map[string]any{"type": "string"}})},
		{Name: "secure_fill", Scope: TabScoped, ExtensionMethod: "secure_fill", Schema: schema([]string{"selector", "credential_env"}, map[string]any{
			"selector":       map[string]any{"type": "string"},
			"credential_env": map[string]any{"type": "string"},
		})},
		{Name: "dialog", Scope: TabScoped, ExtensionMethod: "dialog", Schema: schema([]string{"action"}, map[string]any{"action": map[string]any{"type": "string"}})},
		{Name: "window", Scope: TabScoped, ExtensionMethod: "window", Schema: schema([]string{"action"}, map[string]any{"action": map[string]any{"type": "string"}})},
		{Name: "listExtensions", Scope: TabScoped, ExtensionMethod: "listExtensions", Schema: schema(nil, map[string]any{})},
		{Name: "reloadExtension", Scope: TabScoped, ExtensionMethod: "reloadExtension", Schema: schema(nil, map[string]any{})},
		{Name: "performanceMetrics", Scope: TabScoped, ExtensionMethod: "performanceMetrics", Schema: schema(nil, map[string]any{})},
		{Name: "forwardCDPCommand", Scope: TabScoped, ExtensionMethod: "forwardCDPCommand", Schema: schema([]string{"method"}, map[string]any{"method": map[string]any{"type": "string"}})},
		{Name: "humanizedMouseMove", Scope: TabScoped, ExtensionMethod: "humanizedMouseMove", Experiment: experiment.Humanization, Schema: schema([]string{"x", "y"}, map[string]any{
			"x":               map[string]any{"type": "number"},
			"y":               map[string]any{"type": "number"},
			"viewport_width":  map[string]any{"type": "number"},
			"viewport_height": map[string]any{"type": "number"},
		})},
		{Name: "setHumanizationConfig", Scope: TabScoped, ExtensionMethod: "setHumanizationConfig", Experiment: experiment.Humanization, Schema: schema(nil, map[string]any{})},
		{Name: "getViewportDimensions", Scope: TabScoped, ExtensionMethod: "getViewportDimensions", Schema: schema(nil, map[string]any{})},
		{Name: "validateEval", Scope: TabScoped, ExtensionMethod: "validateEval", Experiment: experiment.SecureEval, Schema: schema([]string{"source"}, map[string]any{"source": map[string]any{"type": "string"}})},
		{Name: "capturePageState", Scope: TabScoped, ExtensionMethod: "capturePageState", Experiment: experiment.PageDiffing, Schema: schema(nil, map[string]any{})},
		{Name: "waitForReady", Scope: TabScoped, ExtensionMethod: "waitForReady", Experiment: experiment.SmartWaiting, Schema: schema(nil, map[string]any{})},
		{Name: "sessionDisconnect", Scope: TabScoped, ExtensionMethod: "sessionDisconnect", Schema: schema(nil, map[string]any{})},
	}

	m := make(map[string]*Tool, len(tools))
	for _, tl := range tools {
		m[tl.Name] = tl
	}
	return m
}

// Lookup returns the catalog entry for name, or nil if unknown.
func Lookup(name string) *Tool {
	return Catalog[name]
}

// VisibleNames returns every tool name whose experiment gate (if any) is
// enabled in exp — the tool list the agent is actually allowed to see.
func VisibleNames(exp *experiment.Registry) []string {
	names := make([]string, 0, len(Catalog))
	for name, tl := range Catalog {
		if tl.Experiment == "" || exp.Enabled(tl.Experiment) {
			names = append(names, name)
		}
	}
	return names
}

// AsMCPTools renders the visible catalog as MCP tool descriptors for
// tools/list.
func AsMCPTools(exp *experiment.Registry) []mcp.MCPTool {
	var out []mcp.MCPTool
	for _, name := range VisibleNames(exp) {
		tl := Catalog[name]
		out = append(out, mcp.MCPTool{Name: tl.Name, InputSchema: tl.Schema})
	}
	return out
}
