// server.go — wires every internal package into one running process: the
// Connection state machine, the Session Registry, the Request Router, the
// extension-facing Transport (single-client or multiplexed), the Tool
// Dispatcher, the domain whitelist, and per-session logging.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentbridge/connection-bridge/internal/bridge"
	"github.com/agentbridge/connection-bridge/internal/connection"
	"github.com/agentbridge/connection-bridge/internal/credential"
	"github.com/agentbridge/connection-bridge/internal/dispatch"
	"github.com/agentbridge/connection-bridge/internal/experiment"
	"github.com/agentbridge/connection-bridge/internal/extbridge"
	"github.com/agentbridge/connection-bridge/internal/mcp"
	"github.com/agentbridge/connection-bridge/internal/multiplex"
	"github.com/agentbridge/connection-bridge/internal/redaction"
	"github.com/agentbridge/connection-bridge/internal/registry"
	"github.com/agentbridge/connection-bridge/internal/router"
	"github.com/agentbridge/connection-bridge/internal/secureeval"
	"github.com/agentbridge/connection-bridge/internal/sessionlog"
	"github.com/agentbridge/connection-bridge/internal/util"
	"github.com/agentbridge/connection-bridge/internal/whitelist"
)

// version is embedded in the Status Header and the MCP initialize result.
const version = "1.0.0"

// ServerConfig is the process-wide configuration assembled from CLI flags.
type ServerConfig struct {
	Port           int
	DebugMode      bool
	LogFilePath    string
	ScriptMode     bool
	WhitelistURL   string
	ExtensionToken string
}

// Server owns every wired component and answers one JSON-RPC request at a
// time over stdio.
type Server struct {
	cfg    ServerConfig
	stderr *os.File

	conn       *connection.Connection
	router     *router.Router
	dispatcher *dispatch.Dispatcher
	drifter    *dispatch.Drifter
	whitelist  *whitelist.Whitelist
	redaction  *redaction.RedactionEngine

	outMu sync.Mutex
	out   *os.File

	mu         sync.Mutex
	bridge     *extbridge.Bridge
	mux        *multiplex.Multiplexer
	activeID   string
	sessionLog *sessionlog.Logger
}

// NewServer builds every component in passive state; nothing binds a
// socket until the agent calls enable.
func NewServer(cfg ServerConfig, out, stderr *os.File) (*Server, error) {
	eng := redaction.NewRedactionEngine("")
	s := &Server{cfg: cfg, out: out, stderr: stderr, redaction: eng}
	s.router = router.New()

	s.conn = connection.New(connection.Options{
		DebugMode:        cfg.DebugMode,
		Experiments:      experiment.NewFromEnv(os.Getenv("CONNECTION_BRIDGE_EXPERIMENTS")),
		Notifier:         s,
		OnEnterActive:    s.onEnterActive,
		OnEnterConnected: s.onEnterConnected,
		OnLeaveConnected: s.onLeaveConnected,
		OnDisable:        s.onDisable,
	})
	s.dispatcher = dispatch.New(s.conn, s.router, version)
	s.dispatcher.SetScrubber(eng)
	s.drifter = dispatch.NewDrifter(s.conn, s.router)

	if cfg.WhitelistURL != "" {
		wl, err := whitelist.New(httpFetcher(cfg.WhitelistURL), whitelistPusher{s.router}, "")
		if err != nil {
			return nil, fmt.Errorf("construct whitelist: %w", err)
		}
		s.whitelist = wl
	}

	return s, nil
}

// NotifyCatalogChanged implements connection.CatalogNotifier: every state
// transition or experiment toggle that changes tool visibility sends the
// client a notifications/tools/list_changed frame, unannounced (no id).
func (s *Server) NotifyCatalogChanged() {
	s.writeNotification("notifications/tools/list_changed")
}

// writeResponse serializes one JSON-RPC response to stdout. Stdout is
// shared between the request loop and background notifications, so every
// write goes through outMu.
func (s *Server) writeResponse(resp mcp.JSONRPCResponse) {
	payload, err := json.Marshal(resp)
	if err != nil {
		fmt.Fprintf(s.stderr, "[connection-bridge] marshal response: %v\n", err)
		return
	}
	s.outMu.Lock()
	defer s.outMu.Unlock()
	fmt.Fprintln(s.out, string(payload))
}

// writeNotification serializes a no-id, no-result JSON-RPC notification.
func (s *Server) writeNotification(method string) {
	payload, err := json.Marshal(struct {
		JSONRPC string `json:"jsonrpc"`
		Method  string `json:"method"`
	}{JSONRPC: "2.0", Method: method})
	if err != nil {
		fmt.Fprintf(s.stderr, "[connection-bridge] marshal notification: %v\n", err)
		return
	}
	s.outMu.Lock()
	defer s.outMu.Unlock()
	fmt.Fprintln(s.out, string(payload))
}

// HandleNotification implements extbridge.NotificationHandler: one-way
// frames from the extension (tab_info_update, tech_stack, console,
// navigation_blocked) that never carry a request id.
func (s *Server) HandleNotification(method string, params json.RawMessage) {
	switch method {
	case "tab_info_update", "tech_stack":
		var body struct {
			TabID string `json:"tab_id"`
			Index int    `json:"index"`
			URL   string `json:"url"`
			Tech  string `json:"tech"`
		}
		if err := json.Unmarshal(params, &body); err != nil {
			return
		}
		if session, ok := s.conn.Sessions().OwnerOf(body.TabID); ok {
			snap := session.TabSnapshot()
			snap.Index = body.Index
			if body.URL != "" {
				snap.URL = body.URL
			}
			if body.Tech != "" {
				snap.Tech = body.Tech
			}
			session.SetTabSnapshot(snap)
		}
	case "navigation_blocked":
		s.logEvent("navigation_blocked", "", false, string(params))
	case "console":
		s.logEvent("console", "", true, string(params))
	}
}

// onEnterActive fires once per enable: it opens this session's log file
// and brings up the extension-facing Transport, either directly or
// through the Multiplexer depending on the multiplexer experiment.
func (s *Server) onEnterActive(clientID string) error {
	logger, err := s.openSessionLog(clientID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.activeID = clientID
	s.sessionLog = logger
	s.mu.Unlock()

	if s.conn.Experiments().Enabled(experiment.Multiplexer) {
		return s.startMultiplexed()
	}
	return s.startSingleClient()
}

func (s *Server) openSessionLog(clientID string) (*sessionlog.Logger, error) {
	if s.cfg.LogFilePath != "" {
		return sessionlog.OpenAt(s.cfg.LogFilePath, s.redaction)
	}
	return sessionlog.Open(clientID, s.redaction)
}

// startSingleClient binds the real extension Transport directly on
// --port, the ordinary single-process topology.
func (s *Server) startSingleClient() error {
	b := s.newBridge()
	if err := b.Start(); err != nil {
		return err
	}
	if port := listenerPort(b.Addr()); !bridge.WaitForServer(port, 2*time.Second) {
		_ = b.Close(context.Background())
		return fmt.Errorf("extension listener on %s did not come up", b.Addr())
	}
	s.mu.Lock()
	s.bridge = b
	s.mu.Unlock()
	s.router.Attach(b)
	return nil
}

// listenerPort extracts the resolved port from a host:port listen address;
// with --port 0 the OS assigns one, so the configured value can't be used
// for the readiness probe.
func listenerPort(addr string) int {
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return 0
	}
	port, err := strconv.Atoi(addr[idx+1:])
	if err != nil {
		return 0
	}
	return port
}

// startMultiplexed joins the leader/follower topology on a coordination
// port one above --port: the Multiplexer's /mux endpoint and the
// extension's /ws endpoint cannot share one listener, so they use
// adjacent ports.
func (s *Server) startMultiplexed() error {
	coordAddr := "127.0.0.1:" + strconv.Itoa(s.cfg.Port+1)
	m := multiplex.New(multiplex.Options{
		ListenAddr: coordAddr,
		Router:     s.router,
		OnLeader:   func() { s.startLeaderTransport() },
		OnFollower: func() { fmt.Fprintln(s.stderr, "[connection-bridge] running as multiplexer follower") },
		OnLeaderLost: func() {
			s.conn.ExtensionDisconnected()
		},
	})
	s.mu.Lock()
	s.mux = m
	s.mu.Unlock()
	return m.Start(context.Background())
}

func (s *Server) startLeaderTransport() {
	b := s.newBridge()
	if err := b.Start(); err != nil {
		fmt.Fprintf(s.stderr, "[connection-bridge] leader transport failed: %v\n", err)
		return
	}
	if port := listenerPort(b.Addr()); !bridge.WaitForServer(port, 2*time.Second) {
		fmt.Fprintf(s.stderr, "[connection-bridge] extension listener on %s did not come up\n", b.Addr())
		_ = b.Close(context.Background())
		return
	}
	s.mu.Lock()
	s.bridge = b
	s.mu.Unlock()
	s.router.Attach(b)
}

func (s *Server) newBridge() *extbridge.Bridge {
	b := extbridge.New(extbridge.Config{
		ListenAddr: "127.0.0.1:" + strconv.Itoa(s.cfg.Port),
		Token:      s.cfg.ExtensionToken,
		Timeout:    router.DefaultTimeout,
	})
	b.OnConnect(func() {
		s.conn.ExtensionConnected(b.ClientName(), b.BuildTimestamp())
		if err := b.NotifyClientID(s.currentClientID()); err != nil {
			fmt.Fprintf(s.stderr, "[connection-bridge] client_id_notify failed: %v\n", err)
		}
	})
	b.OnDisconnect(func() {
		s.router.FailAll(router.ErrTransportGone)
		s.conn.ExtensionDisconnected()
	})
	b.SetResponseHandler(s.router)
	b.SetNotificationHandler(s)
	return b
}

func (s *Server) onEnterConnected() {
	s.logEvent("extension_connected", "", true, "")
	s.drifter.Start(s.currentClientID())
}

func (s *Server) onLeaveConnected() {
	s.drifter.Stop()
	s.logEvent("extension_disconnected", "", true, "")
}

// onDisable tears down whatever Transport is currently live and closes
// this session's log file. Connection.Disable has already reset the
// Session Registry by the time this runs; the live bridge, multiplexer and
// log handle are copied out and cleared under s.mu, then closed outside
// the lock — Enable only ever wires one live session at a time.
func (s *Server) onDisable() {
	s.mu.Lock()
	b, m, logger := s.bridge, s.mux, s.sessionLog
	s.bridge, s.mux, s.sessionLog, s.activeID = nil, nil, nil, ""
	s.mu.Unlock()

	s.drifter.Stop()
	s.router.Detach()
	s.router.FailAll(connection.ErrNotConnected)

	if m != nil {
		_ = m.Stop(context.Background())
	}
	if b != nil {
		_ = b.Close(context.Background())
	}
	if logger != nil {
		_ = logger.Close()
	}
}

func (s *Server) logEvent(event, tool string, success bool, message string) {
	s.mu.Lock()
	logger := s.sessionLog
	clientID := s.activeID
	s.mu.Unlock()
	if logger == nil {
		return
	}
	logger.Log(sessionlog.Entry{
		ClientID: clientID,
		Event:    event,
		Tool:     tool,
		Success:  success,
		Message:  message,
	})
}

// HandleRequest answers one JSON-RPC request, dispatching connection-scoped
// tools locally and everything else through the Tool Dispatcher.
func (s *Server) HandleRequest(ctx context.Context, req mcp.JSONRPCRequest) mcp.JSONRPCResponse {
	switch req.Method {
	case "initialize":
		return s.handleInitialize(req)
	case "initialized", "notifications/initialized":
		return mcp.JSONRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(`{}`)}
	case "tools/list":
		return s.handleToolsList(req)
	case "tools/call":
		return s.handleToolsCall(ctx, req)
	default:
		return mcp.JSONRPCResponse{
			JSONRPC: "2.0", ID: req.ID,
			Error: &mcp.JSONRPCError{Code: -32601, Message: "Method not found: " + req.Method},
		}
	}
}

func (s *Server) handleInitialize(req mcp.JSONRPCRequest) mcp.JSONRPCResponse {
	result := mcp.MCPInitializeResult{
		ProtocolVersion: "2024-11-05",
		ServerInfo:      mcp.MCPServerInfo{Name: "connection-bridge", Version: version},
		Capabilities:    mcp.MCPCapabilities{Tools: mcp.MCPToolsCapability{}},
	}
	return mcp.JSONRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: mcp.SafeMarshal(result, `{}`)}
}

func (s *Server) handleToolsList(req mcp.JSONRPCRequest) mcp.JSONRPCResponse {
	result := mcp.MCPToolsListResult{Tools: dispatch.AsMCPTools(s.conn.Experiments())}
	return mcp.JSONRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: mcp.SafeMarshal(result, `{"tools":[]}`)}
}

func (s *Server) handleToolsCall(ctx context.Context, req mcp.JSONRPCRequest) mcp.JSONRPCResponse {
	var params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return mcp.JSONRPCResponse{
			JSONRPC: "2.0", ID: req.ID,
			Error: &mcp.JSONRPCError{Code: -32602, Message: "Invalid params: " + err.Error()},
		}
	}

	timeout := bridge.ToolCallTimeout(req.Method, req.Params)
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var result json.RawMessage
	var err error
	switch params.Name {
	case "enable":
		result, err = s.toolEnable(params.Arguments)
	case "disable":
		result, err = s.toolDisable()
	case "status":
		result, err = s.toolStatus(), nil
	case "experiment_toggle":
		result, err = s.toolExperimentToggle(params.Arguments)
	case "reload":
		result, err = s.toolReload(req.ID)
	default:
		if blocked := s.checkWhitelist(params.Name, params.Arguments); blocked != nil {
			return mcp.JSONRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: blocked}
		}
		toolName, tabID := bridge.ExtractToolAction(req.Method, req.Params)
		s.drifter.MarkActivity()
		start := time.Now()
		result, err = s.dispatcher.Dispatch(callCtx, s.currentClientID(), params.Name, params.Arguments)
		s.logToolCall(toolName, tabID, time.Since(start), err)
	}

	if err != nil {
		return mcp.JSONRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: mapDispatchError(err)}
	}
	return mcp.JSONRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: result}
}

func (s *Server) currentClientID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeID
}

func (s *Server) logToolCall(toolName, tabID string, dur time.Duration, err error) {
	entry := sessionlog.Entry{
		Tool:       toolName,
		Event:      "tool_call",
		DurationMs: dur.Milliseconds(),
		Success:    err == nil,
	}
	if tabID != "" {
		entry.Message = "tab_id=" + tabID
	}
	if err != nil {
		entry.Error = err.Error()
	}
	s.logEntry(entry)
}

func (s *Server) logEntry(e sessionlog.Entry) {
	s.mu.Lock()
	logger := s.sessionLog
	e.ClientID = s.activeID
	s.mu.Unlock()
	if logger != nil {
		logger.Log(e)
	}
}

func (s *Server) toolEnable(args json.RawMessage) (json.RawMessage, error) {
	var body struct {
		ClientID string `json:"client_id"`
	}
	mcp.LenientUnmarshal(args, &body)
	if err := s.conn.Enable(body.ClientID); err != nil {
		if errors.Is(err, connection.ErrAlreadyEnabled) {
			return s.dispatcher.Status(s.currentClientID()), nil
		}
		return nil, err
	}
	return s.dispatcher.Status(body.ClientID), nil
}

func (s *Server) toolDisable() (json.RawMessage, error) {
	if err := s.conn.Disable(); err != nil {
		return nil, err
	}
	return s.dispatcher.Status(""), nil
}

func (s *Server) toolStatus() json.RawMessage {
	return s.dispatcher.Status(s.currentClientID())
}

func (s *Server) toolExperimentToggle(args json.RawMessage) (json.RawMessage, error) {
	var body struct {
		Name    string `json:"name"`
		Enabled bool   `json:"enabled"`
	}
	if err := json.Unmarshal(args, &body); err != nil {
		return nil, fmt.Errorf("%w: %v", dispatch.ErrInvalidArguments, err)
	}
	name := experiment.Name(body.Name)

	clientID := s.currentClientID()
	if session, ok := s.conn.Sessions().Get(clientID); ok && experiment.IsSessionScoped(name) {
		if !session.Experiments.Set(name, body.Enabled) {
			return nil, fmt.Errorf("%w: unknown experiment %q", dispatch.ErrInvalidArguments, body.Name)
		}
	} else if !s.conn.Experiments().Set(name, body.Enabled) {
		return nil, fmt.Errorf("%w: unknown experiment %q", dispatch.ErrInvalidArguments, body.Name)
	}
	s.NotifyCatalogChanged()
	return s.dispatcher.Status(clientID), nil
}

// toolReload acknowledges the reload request on stdout itself (the normal
// handleToolsCall return path never runs — os.Exit(42) below replaces it),
// since Connection.Reload never calls os.Exit itself to stay testable.
func (s *Server) toolReload(id any) (json.RawMessage, error) {
	if err := s.conn.Reload(); err != nil {
		return nil, err
	}
	s.writeResponse(mcp.JSONRPCResponse{JSONRPC: "2.0", ID: id, Result: mcp.TextResponse("reloading")})
	os.Exit(42)
	return nil, nil
}

// mapDispatchError translates a sentinel error from connection/registry/
// dispatch/credential/router into a structured MCP tool error the agent
// can act on without a lookup table.
func mapDispatchError(err error) json.RawMessage {
	switch {
	case errors.Is(err, dispatch.ErrMethodNotFound):
		return mcp.StructuredErrorResponse(mcp.ErrInvalidParam, "unknown tool", "Call tools/list and retry with a known tool name")
	case errors.Is(err, dispatch.ErrInvalidArguments):
		return mcp.StructuredErrorResponse(mcp.ErrMissingParam, err.Error(), "Fix the arguments and call again")
	case errors.Is(err, connection.ErrNotConnected):
		return mcp.StructuredErrorResponse(mcp.ErrNotInitialized, "no extension connected", "Wait for the extension to connect and retry", mcp.WithRetryable(true), mcp.WithRetryAfterMs(1000))
	case errors.Is(err, registry.ErrUnknownSession):
		return mcp.StructuredErrorResponse(mcp.ErrNotInitialized, "no active session", "Call enable with a client_id first")
	case errors.Is(err, registry.ErrPermissionDenied):
		return mcp.StructuredErrorResponse(mcp.ErrPermissionDenied, "tab not owned by this session", "Select or create a tab this session owns")
	case errors.Is(err, registry.ErrEmptyClientID):
		return mcp.StructuredErrorResponse(mcp.ErrMissingParam, "client_id is required", "Call enable with a non-empty client_id", mcp.WithParam("client_id"))
	case errors.Is(err, registry.ErrDuplicateSession):
		return mcp.StructuredErrorResponse(mcp.ErrDuplicateSession, "client_id already registered", "Choose a different client_id; the existing session is undisturbed")
	case errors.Is(err, secureeval.ErrBlockedApi):
		return mcp.StructuredErrorResponse(mcp.ErrBlockedApi, "source references a blocked API", "Remove the blocked API usage and submit the source again")
	case errors.Is(err, multiplex.ErrLeaderLost):
		return mcp.StructuredErrorResponse(mcp.ErrLeaderLost, "multiplexer leader connection lost", "Retry the call once a new leader is elected")
	case errors.Is(err, extbridge.ErrPortInUse):
		return mcp.StructuredErrorResponse(mcp.ErrPortInUse, "extension port already bound by another process", "Enable the multiplexer experiment to share the port, or free it")
	case errors.Is(err, credential.ErrEnvVarUnset):
		return mcp.StructuredErrorResponse(mcp.ErrEnvVarUnset, "named environment variable is not set", "Set the environment variable and retry")
	case errors.Is(err, router.ErrTimeout):
		return mcp.StructuredErrorResponse(mcp.ErrExtTimeout, "extension did not respond in time", "Retry the call")
	case errors.Is(err, router.ErrTransportGone):
		return mcp.StructuredErrorResponse(mcp.ErrTransportGone, "no extension transport attached", "Wait for the extension to connect and retry", mcp.WithRetryable(true), mcp.WithRetryAfterMs(1000))
	case errors.Is(err, connection.ErrReloadNotAllowed):
		return mcp.StructuredErrorResponse(mcp.ErrInvalidParam, "reload requires debug mode", "Restart with --debug to allow reload")
	default:
		return mcp.StructuredErrorResponse(mcp.ErrInternal, err.Error(), "This is unexpected; report it")
	}
}

// checkWhitelist pre-filters navigation targets on the server before the
// extension's own enforcement sees them; both layers must allow. Returns
// nil when the call may proceed, or a structured tool error otherwise.
func (s *Server) checkWhitelist(toolName string, args json.RawMessage) json.RawMessage {
	if s.whitelist == nil || !s.whitelist.Enabled() {
		return nil
	}
	if toolName != "navigate" && toolName != "createTab" {
		return nil
	}
	var a struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(args, &a); err != nil || a.URL == "" {
		return nil
	}
	if s.whitelist.AllowsURL(a.URL) {
		return nil
	}
	// Log the path only; the full target may carry query-string secrets.
	s.logEvent("navigation_blocked", toolName, false, util.ExtractURLPath(a.URL))
	return mcp.StructuredErrorResponse(mcp.ErrWhitelistViolation, "navigation target is not on the domain whitelist", "Navigate to an allowed domain")
}

// httpFetcher builds a whitelist.Fetcher that GETs a JSON array of domain
// suffixes from url.
func httpFetcher(url string) whitelist.Fetcher {
	client := &http.Client{Timeout: 10 * time.Second}
	return func(ctx context.Context) ([]string, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("whitelist fetch: unexpected status %d", resp.StatusCode)
		}
		var suffixes []string
		if err := json.NewDecoder(resp.Body).Decode(&suffixes); err != nil {
			return nil, err
		}
		return suffixes, nil
	}
}

// whitelistPusher delivers a refreshed suffix set to the connected
// extension over the Router, under an internal method name the wire
// protocol list doesn't otherwise name — setWhitelist plumbing.
type whitelistPusher struct {
	router *router.Router
}

func (p whitelistPusher) PushWhitelist(ctx context.Context, suffixes []string) error {
	payload, err := json.Marshal(struct {
		Suffixes []string `json:"suffixes"`
	}{Suffixes: suffixes})
	if err != nil {
		return err
	}
	_, err = p.router.Dispatch(ctx, "setWhitelist", payload, 0)
	return err
}
