package extbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentbridge/connection-bridge/internal/util"
)

// errNotConnected is returned by Call (and surfaces as ErrTransportGone to
// dispatch) when no extension is currently attached.
var errNotConnected = errors.New("not_connected")

// ErrPortInUse is returned by Start when the configured loopback port is
// already bound. Without the multiplexer experiment this is fatal for the
// enable attempt; with it, the caller falls back to follower mode.
var ErrPortInUse = errors.New("port_in_use")

// ResponseHandler is notified when a framed rpcResponse arrives from the
// extension. Implemented by the Router; decoupled here by interface so this
// package never imports router.
type ResponseHandler interface {
	HandleResponse(id string, payload json.RawMessage, rpcErr error) bool
}

// NotificationHandler is notified of one-way extension notifications —
// tab_info_update, tech_stack, console, navigation_blocked — that never
// carry a request ID and so never reach a ResponseHandler.
type NotificationHandler interface {
	HandleNotification(method string, params json.RawMessage)
}

// Config configures a Bridge's listener and handshake policy.
type Config struct {
	ListenAddr string        // e.g. "127.0.0.1:0" to let the OS assign a port
	Token      string        // required hello token; empty disables the check
	Timeout    time.Duration // Call default timeout when the caller passes 0
}

// Bridge is the server side of the extension's WebSocket connection: it
// accepts exactly one live extension socket at a time, performs the
// hello/welcome handshake, and relays rpcRequest/rpcResponse frames.
type Bridge struct {
	cfg      Config
	upgrader websocket.Upgrader
	server   *http.Server
	listener net.Listener

	mu            sync.RWMutex
	conn          *websocket.Conn
	connected     chan struct{} // closed and replaced on each connect
	lastClient    string        // hello.Client from the most recent handshake
	lastBuildTime string        // hello.BuildTimestamp from the most recent handshake

	responseHandler     ResponseHandler
	notificationHandler NotificationHandler
	onConnect           func()
	onDisconnect        func()
	oneShotByID         map[string]chan rpcResponse
}

// New constructs a Bridge. Start must be called before the extension can
// dial in.
func New(cfg Config) *Bridge {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	b := &Bridge{
		cfg:       cfg,
		upgrader:  websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		connected: make(chan struct{}),
	}
	return b
}

// OnConnect registers a callback fired once the extension completes the
// handshake. Used by the Connection state machine to transition to connected.
func (b *Bridge) OnConnect(fn func()) { b.onConnect = fn }

// OnDisconnect registers a callback fired when the extension's socket
// closes. Used to fail the Router's pending requests and to fall the
// Connection state machine back to active.
func (b *Bridge) OnDisconnect(fn func()) { b.onDisconnect = fn }

// SetResponseHandler wires the component that correlates inbound
// rpcResponse frames to pending requests (the Router).
func (b *Bridge) SetResponseHandler(h ResponseHandler) { b.responseHandler = h }

// SetNotificationHandler wires the component that consumes one-way
// extension notifications (tab_info_update and friends).
func (b *Bridge) SetNotificationHandler(h NotificationHandler) { b.notificationHandler = h }

// Start begins listening for the extension's WebSocket connection.
func (b *Bridge) Start() error {
	ln, err := net.Listen("tcp", b.cfg.ListenAddr)
	if err != nil {
		var opErr *net.OpError
		if errors.As(err, &opErr) && opErr.Op == "listen" {
			return fmt.Errorf("%w: %s: %v", ErrPortInUse, b.cfg.ListenAddr, err)
		}
		return fmt.Errorf("listen %s: %w", b.cfg.ListenAddr, err)
	}
	b.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", b.handleWS)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	b.server = &http.Server{Handler: mux}

	util.SafeGo(func() {
		_ = b.server.Serve(ln)
	})
	return nil
}

// Addr returns the bound listen address (host:port), resolved even when
// ListenAddr requested port 0.
func (b *Bridge) Addr() string {
	if b.listener == nil {
		return b.cfg.ListenAddr
	}
	return b.listener.Addr().String()
}

// Close shuts down the listener and any live extension connection.
func (b *Bridge) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.conn != nil {
		_ = b.conn.Close()
		b.conn = nil
	}
	b.mu.Unlock()
	if b.server == nil {
		return nil
	}
	return b.server.Shutdown(ctx)
}

// WaitForConnected blocks until an extension completes the handshake or
// timeout elapses.
func (b *Bridge) WaitForConnected(ctx context.Context, timeout time.Duration) error {
	b.mu.RLock()
	if b.conn != nil {
		b.mu.RUnlock()
		return nil
	}
	ch := b.connected
	b.mu.RUnlock()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ch:
		return nil
	case <-t.C:
		return fmt.Errorf("timed out waiting for extension connection")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connected reports whether an extension is currently attached.
func (b *Bridge) Connected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.conn != nil
}

// ClientName returns the hello.Client value from the most recent
// handshake — the browser identity reported to ExtensionConnected so the
// Status Formatter can show it.
func (b *Bridge) ClientName() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastClient
}

// BuildTimestamp returns the hello.BuildTimestamp value from the most
// recent handshake.
func (b *Bridge) BuildTimestamp() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastBuildTime
}

// NotifyClientID sends the one-shot client_id_notify frame to the currently
// attached extension: the extension learns which agent-facing session it
// is now serving.
func (b *Bridge) NotifyClientID(clientID string) error {
	b.mu.RLock()
	conn := b.conn
	b.mu.RUnlock()
	if conn == nil {
		return errNotConnected
	}
	return conn.WriteJSON(clientIDNotify{Type: "client_id_notify", ClientID: clientID})
}

// Send implements router.Sender: it frames method/params as an rpcRequest
// and writes it to the currently attached extension socket.
func (b *Bridge) Send(id, method string, params json.RawMessage) error {
	b.mu.RLock()
	conn := b.conn
	b.mu.RUnlock()
	if conn == nil {
		return errNotConnected
	}
	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	return conn.WriteJSON(req)
}

// Call is a convenience one-shot request/response helper used by tests;
// production dispatch goes through the Router, which calls Send directly.
func (b *Bridge) Call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	b.mu.RLock()
	conn := b.conn
	b.mu.RUnlock()
	if conn == nil {
		return nil, errNotConnected
	}

	id := fmt.Sprintf("call-%d", time.Now().UnixNano())
	replyCh := make(chan rpcResponse, 1)
	b.registerOneShot(id, replyCh)
	defer b.clearOneShot(id)

	if err := b.Send(id, method, params); err != nil {
		return nil, err
	}

	select {
	case resp := <-replyCh:
		if resp.Error != nil {
			return nil, resp.Error.asError()
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(b.cfg.Timeout):
		return nil, fmt.Errorf("extension_timeout")
	}
}

func (b *Bridge) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	var hello helloMessage
	if err := conn.ReadJSON(&hello); err != nil {
		_ = conn.Close()
		return
	}
	if hello.Type != "hello" || (b.cfg.Token != "" && hello.Token != b.cfg.Token) {
		_ = conn.Close()
		return
	}
	if err := conn.WriteJSON(welcomeMessage{Type: "welcome", Version: protocolVersion}); err != nil {
		_ = conn.Close()
		return
	}

	b.mu.Lock()
	if b.conn != nil {
		_ = b.conn.Close()
	}
	b.conn = conn
	b.lastClient = hello.Client
	b.lastBuildTime = hello.BuildTimestamp
	close(b.connected)
	b.connected = make(chan struct{})
	b.mu.Unlock()

	if b.onConnect != nil {
		b.onConnect()
	}

	b.readLoop(conn)
}

func (b *Bridge) readLoop(conn *websocket.Conn) {
	defer func() {
		b.mu.Lock()
		if b.conn == conn {
			b.conn = nil
		}
		b.mu.Unlock()
		_ = conn.Close()
		if b.onDisconnect != nil {
			b.onDisconnect()
		}
	}()

	for {
		var frame inboundFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		if frame.isNotification() {
			if b.notificationHandler != nil {
				b.notificationHandler.HandleNotification(frame.Method, frame.Params)
			}
			continue
		}
		if frame.ID == "" {
			continue
		}
		resp := frame.asResponse()
		b.dispatchOneShot(resp)
		if b.responseHandler != nil {
			b.responseHandler.HandleResponse(resp.ID, resp.Result, resp.Error.asError())
		}
	}
}

func (b *Bridge) registerOneShot(id string, ch chan rpcResponse) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.oneShotByID == nil {
		b.oneShotByID = make(map[string]chan rpcResponse)
	}
	b.oneShotByID[id] = ch
}

func (b *Bridge) clearOneShot(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.oneShotByID, id)
}

func (b *Bridge) dispatchOneShot(resp rpcResponse) {
	b.mu.Lock()
	ch, ok := b.oneShotByID[resp.ID]
	if ok {
		delete(b.oneShotByID, resp.ID)
	}
	b.mu.Unlock()
	if ok {
		select {
		case ch <- resp:
		default:
		}
	}
}
