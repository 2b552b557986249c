package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/agentbridge/connection-bridge/internal/connection"
	"github.com/agentbridge/connection-bridge/internal/credential"
	"github.com/agentbridge/connection-bridge/internal/experiment"
	"github.com/agentbridge/connection-bridge/internal/humanize"
	"github.com/agentbridge/connection-bridge/internal/mcp"
	"github.com/agentbridge/connection-bridge/internal/registry"
	"github.com/agentbridge/connection-bridge/internal/router"
	"github.com/agentbridge/connection-bridge/internal/secureeval"
	"github.com/agentbridge/connection-bridge/internal/status"
)

// Sentinel errors mapped to mcp error codes at the response-writing layer.
var (
	ErrMethodNotFound   = errors.New("method_not_found")
	ErrNotConnected     = connection.ErrNotConnected
	ErrInvalidArguments = errors.New("invalid_arguments")
)

// Scrubber registers resolved credential values with the log redaction
// layer, so a value substituted at secure-fill time can never appear in a
// session log line afterward.
type Scrubber interface {
	AddLiteral(value string)
}

// Dispatcher wires the Tool Catalog to the rest of the bridge: the
// Connection state machine, the Session Registry & Tab ACL, the Router,
// credential substitution, and secure-eval gating.
type Dispatcher struct {
	conn     *connection.Connection
	router   *router.Router
	version  string
	scrubber Scrubber
}

// New constructs a Dispatcher for one Connection/Router pair.
func New(conn *connection.Connection, r *router.Router, version string) *Dispatcher {
	return &Dispatcher{conn: conn, router: r, version: version}
}

// SetScrubber wires the redaction engine credential values are registered
// with before dispatch. Optional; nil disables registration (tests).
func (d *Dispatcher) SetScrubber(s Scrubber) {
	d.scrubber = s
}

// Status renders the Status Header tool response directly. clientID may be
// empty (no session yet, e.g. before the first enable) or name a
// registered session whose attached-tab snapshot feeds the header. The
// connection-scoped tool handlers in server.go use this for the status tool
// and for reporting the outcome of enable/disable/experiment_toggle, none
// of which reach Dispatch's session lookup when no session yet exists.
func (d *Dispatcher) Status(clientID string) json.RawMessage {
	session, _ := d.conn.Sessions().Get(clientID)
	return d.compose(session, nil, nil)
}

// Dispatch runs the six-step lookup/precondition/secure-eval/credential/
// extension-call/compose algorithm for one inbound agent request and
// returns the marshaled MCP tool result body, with the Status Header
// already composed onto it.
func (d *Dispatcher) Dispatch(ctx context.Context, clientID, toolName string, args json.RawMessage) (json.RawMessage, error) {
	tool := Lookup(toolName)
	if tool == nil {
		return nil, ErrMethodNotFound
	}

	session, ok := d.conn.Sessions().Get(clientID)
	if !ok {
		return nil, registry.ErrUnknownSession
	}

	if tool.Scope == TabScoped {
		if err := d.conn.RequireConnected(); err != nil {
			return nil, err
		}
	}

	if tool.Experiment != "" && !session.Experiments.Enabled(tool.Experiment) {
		return nil, ErrMethodNotFound
	}

	var parsed map[string]json.RawMessage
	if len(args) > 0 {
		if err := json.Unmarshal(args, &parsed); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
		}
	}
	if err := requireFields(tool, parsed); err != nil {
		return nil, err
	}

	if tool.Name == "secure_fill" {
		return d.dispatchSecureFill(ctx, session, args)
	}
	if tool.Name == "evaluate" || tool.Name == "validateEval" {
		if err := d.checkSecureEval(parsed); err != nil {
			return nil, err
		}
	}

	warnings := mcp.ValidateParamsAgainstSchema(args, tool.Schema)

	if tool.Scope == ConnectionScoped {
		return d.dispatchLocal(session, tool, warnings)
	}
	return d.dispatchToExtension(ctx, session, tool, args, warnings)
}

func requireFields(tool *Tool, parsed map[string]json.RawMessage) error {
	required, _ := tool.Schema["required"].([]string)
	for _, field := range required {
		if _, ok := parsed[field]; !ok {
			return fmt.Errorf("%w: missing required field %q", ErrInvalidArguments, field)
		}
	}
	return nil
}

func (d *Dispatcher) checkSecureEval(parsed map[string]json.RawMessage) error {
	raw, ok := parsed["source"]
	if !ok {
		return nil
	}
	var source string
	if err := json.Unmarshal(raw, &source); err != nil {
		return fmt.Errorf("%w: source must be a string", ErrInvalidArguments)
	}
	if _, err := secureeval.Check(source); err != nil {
		return err
	}
	return nil
}

func (d *Dispatcher) dispatchSecureFill(ctx context.Context, session *registry.Session, args json.RawMessage) (json.RawMessage, error) {
	var req credential.Request
	warnings, err := mcp.UnmarshalWithWarnings(args, &req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	cmd, value, err := credential.Resolve(req, nil)
	if err != nil {
		return nil, err
	}
	// Register the resolved value with the redaction layer before anything
	// downstream can log: the value crosses the wire exactly once.
	if d.scrubber != nil {
		d.scrubber.AddLiteral(value)
	}
	result, err := d.router.Dispatch(ctx, "secure_fill", cmd, 0)
	if err != nil {
		return nil, err
	}
	return d.compose(session, result, warnings), nil
}

func (d *Dispatcher) dispatchToExtension(ctx context.Context, session *registry.Session, tool *Tool, args json.RawMessage, warnings []string) (json.RawMessage, error) {
	var tabID string
	if tool.TakesTabID {
		id, err := extractTabID(args)
		if err == nil && id != "" {
			if err := d.conn.Sessions().CheckOwnership(session.ID, id); err != nil {
				return nil, err
			}
			tabID = id
		}
	} else if attached := session.AttachedTab(); attached != "" {
		// Most tab-scoped tools act on the session's attached tab; the
		// Registry substitutes it so the extension targets the right tab.
		args = injectTabID(args, attached)
	}

	if tool.Name == "humanizedMouseMove" {
		return d.dispatchHumanizedMove(ctx, session, args, warnings)
	}

	timeout := time.Duration(0)
	if tool.Name == "forwardCDPCommand" || tool.Name == "screenshot" {
		timeout = router.MaxTimeout
	}

	result, err := d.router.Dispatch(ctx, tool.ExtensionMethod, args, timeout)
	if err != nil {
		return nil, err
	}
	result = d.applyTabEffects(session, tool, tabID, result)

	if tool.Name == "navigate" {
		// Internal wait-for-load step: navigate does not return until the
		// page has settled, so a follow-up screenshot sees the new page.
		if _, err := d.router.Dispatch(ctx, "waitForReady", nil, 0); err != nil {
			return nil, err
		}
	}
	return d.compose(session, result, warnings), nil
}

// applyTabEffects maintains the Tab Ownership Map after a successful
// extension round trip: tabs created via a session's tools are implicitly
// assigned to that session, selection moves the attached tab, a closed tab
// is released, and list-style results are filtered down to owned tabs.
func (d *Dispatcher) applyTabEffects(session *registry.Session, tool *Tool, tabID string, result json.RawMessage) json.RawMessage {
	switch tool.Name {
	case "createTab":
		if created := extractResultTabID(result); created != "" {
			_ = d.conn.Sessions().AssignTab(session.ID, created)
			session.SetAttachedTab(created)
		}
	case "selectTab":
		if tabID != "" {
			session.SetAttachedTab(tabID)
		}
	case "closeTab":
		if tabID != "" {
			d.conn.Sessions().ReleaseTab(tabID)
		}
	case "getTabs":
		return d.filterTabList(session, result)
	}
	return result
}

// filterTabList narrows a getTabs result to the invoker session's own tabs.
// A result whose shape isn't the expected {"tabs":[...]} passes through
// unchanged rather than being dropped.
func (d *Dispatcher) filterTabList(session *registry.Session, result json.RawMessage) json.RawMessage {
	var body struct {
		Tabs []json.RawMessage `json:"tabs"`
	}
	if err := json.Unmarshal(result, &body); err != nil || body.Tabs == nil {
		return result
	}
	owned := make([]json.RawMessage, 0, len(body.Tabs))
	for _, raw := range body.Tabs {
		var tab struct {
			TabID string `json:"tab_id"`
		}
		if err := json.Unmarshal(raw, &tab); err != nil {
			continue
		}
		if session.OwnsTab(tab.TabID) {
			owned = append(owned, raw)
		}
	}
	filtered, err := json.Marshal(struct {
		Tabs []json.RawMessage `json:"tabs"`
	}{Tabs: owned})
	if err != nil {
		return result
	}
	return filtered
}

func (d *Dispatcher) dispatchLocal(session *registry.Session, tool *Tool, warnings []string) (json.RawMessage, error) {
	switch tool.Name {
	case "status":
		return d.compose(session, nil, warnings), nil
	case "reload":
		if err := d.conn.Reload(); err != nil {
			return nil, err
		}
		return mcp.TextResponse("reloading"), nil
	default:
		// enable/disable/experiment_toggle are handled by the caller (the
		// stdio loop) before reaching Dispatch, since they mutate the
		// Connection itself rather than producing a tool result.
		return nil, fmt.Errorf("%w: %s must be handled by the connection layer", ErrMethodNotFound, tool.Name)
	}
}

// humanizedMoveRequest is the tool-facing argument shape for
// humanizedMouseMove: a target point within a viewport whose dimensions
// the extension reports (default to a common desktop viewport when the
// caller omits them, matching the catalog schema's optional fields).
type humanizedMoveRequest struct {
	X              float64 `json:"x"`
	Y              float64 `json:"y"`
	ViewportWidth  int     `json:"viewport_width"`
	ViewportHeight int     `json:"viewport_height"`
}

const (
	defaultViewportWidth  = 1920
	defaultViewportHeight = 1080
)

// dispatchHumanizedMove runs the mouse humanization engine: it generates
// a Bezier waypoint sequence from the session's current
// cursor position to the requested target, sends the whole sequence to
// the extension in one command, and advances the session's cursor to the
// last waypoint.
func (d *Dispatcher) dispatchHumanizedMove(ctx context.Context, session *registry.Session, args json.RawMessage, warnings []string) (json.RawMessage, error) {
	var req humanizedMoveRequest
	if err := json.Unmarshal(args, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	vp := humanize.Viewport{Width: req.ViewportWidth, Height: req.ViewportHeight}
	if vp.Width <= 0 {
		vp.Width = defaultViewportWidth
	}
	if vp.Height <= 0 {
		vp.Height = defaultViewportHeight
	}

	target := humanize.Point{X: req.X, Y: req.Y}
	waypoints := humanize.GeneratePath(session.CursorPosition(), target, vp, session.Personality)
	last := waypoints[len(waypoints)-1]
	session.SetCursorPosition(humanize.Point{X: float64(last.X), Y: float64(last.Y)})

	payload, err := json.Marshal(struct {
		Waypoints []humanize.Waypoint `json:"waypoints"`
	}{Waypoints: waypoints})
	if err != nil {
		return nil, err
	}

	result, err := d.router.Dispatch(ctx, "humanizedMouseMove", payload, 0)
	if err != nil {
		return nil, err
	}
	return d.compose(session, result, warnings), nil
}

func extractTabID(args json.RawMessage) (string, error) {
	var v struct {
		TabID string `json:"tab_id"`
	}
	if err := json.Unmarshal(args, &v); err != nil {
		return "", err
	}
	return v.TabID, nil
}

// extractResultTabID pulls the new tab's identifier out of a createTab
// result. Empty when the extension's reply has a different shape.
func extractResultTabID(result json.RawMessage) string {
	var v struct {
		TabID string `json:"tab_id"`
	}
	if err := json.Unmarshal(result, &v); err != nil {
		return ""
	}
	return v.TabID
}

// injectTabID adds the session's attached tab to an outgoing argument
// object. Arguments that fail to parse pass through untouched; the
// extension rejects them with its own error.
func injectTabID(args json.RawMessage, tabID string) json.RawMessage {
	fields := make(map[string]json.RawMessage)
	if len(args) > 0 {
		if err := json.Unmarshal(args, &fields); err != nil {
			return args
		}
	}
	idRaw, err := json.Marshal(tabID)
	if err != nil {
		return args
	}
	fields["tab_id"] = idRaw
	out, err := json.Marshal(fields)
	if err != nil {
		return args
	}
	return out
}

// compose renders the status header onto an empty-or-real extension
// result, matching the data flow's final "compose with the Status Header"
// step. session is nil when no session is registered yet (e.g. status
// before the first enable); its attached-tab snapshot, if any, feeds the
// header's Tab component. Argument-validation warnings, if any, trail the
// body.
func (d *Dispatcher) compose(session *registry.Session, extensionResult json.RawMessage, warnings []string) json.RawMessage {
	in := status.Inputs{
		State:              d.conn.State(),
		Version:            d.version,
		DebugMode:          d.conn.DebugMode(),
		BrowserName:        d.conn.BrowserName(),
		ExtensionBuildTime: d.conn.ExtensionBuildTime(),
	}
	if session != nil {
		if snap := session.TabSnapshot(); snap.URL != "" {
			in.Tab = &status.AttachedTab{Index: snap.Index, URL: snap.URL, Tech: snap.Tech}
		}
		in.Stealth = session.Experiments.Enabled(experiment.Humanization)
	}
	body := "{}"
	if len(extensionResult) > 0 {
		body = string(extensionResult)
	}
	return mcp.TextResponse(mcp.AppendWarnings(status.Prepend(in, body), warnings))
}
