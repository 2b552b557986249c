// Package multiplex implements the dual-mode endpoint that lets several
// bridge processes share one extension connection: the first process to
// bind the configured loopback port becomes leader and owns the extension
// link; every later process connects to the leader as a follower and
// proxies its extension-bound commands through it. A follower promotes
// itself when the leader disappears.
package multiplex

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentbridge/connection-bridge/internal/router"
	"github.com/agentbridge/connection-bridge/internal/util"
)

// ErrLeaderLost is the error every in-flight follower request fails with
// when the leader connection drops.
var ErrLeaderLost = errors.New("leader_lost")

// Role is the multiplexer's current position in the topology.
type Role int

const (
	RoleSingle Role = iota // not multiplexed: ordinary leader with no peers
	RoleLeader
	RoleFollower
)

func (r Role) String() string {
	switch r {
	case RoleLeader:
		return "leader"
	case RoleFollower:
		return "follower"
	default:
		return "single"
	}
}

// reconnectBackoffMin/Max bound the jittered delay a follower waits before
// retrying port binding after its leader connection drops.
const (
	reconnectBackoffMin = 50 * time.Millisecond
	reconnectBackoffMax = 200 * time.Millisecond
)

type followerConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (f *followerConn) writeJSON(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conn.WriteJSON(v)
}

// Multiplexer owns the leader/follower state for one Connection's extension
// link. It is constructed once at startup with the intended loopback
// address and the local Router whose Sender it will wire.
type Multiplexer struct {
	addr   string
	router *router.Router

	mu        sync.RWMutex
	role      Role
	server    *http.Server
	listener  net.Listener
	followers map[*followerConn]bool

	leaderConn *websocket.Conn

	onLeader     func()
	onFollower   func()
	onLeaderLost func()
	stopCh       chan struct{}
}

// Options configures a Multiplexer.
type Options struct {
	ListenAddr string
	Router     *router.Router
	// OnLeader fires whenever this process becomes (or is promoted to)
	// leader; used to wire the real extension Transport in.
	OnLeader func()
	// OnFollower fires whenever this process is operating as a follower.
	OnFollower func()
	// OnLeaderLost fires when a follower's leader connection drops, right
	// after in-flight requests are failed with ErrLeaderLost — the caller's
	// cue to fall the Connection back out of the connected state, since a
	// follower has no extension socket of its own to notice the loss.
	OnLeaderLost func()
}

// New creates a Multiplexer in no role; call Start to join the topology.
func New(opts Options) *Multiplexer {
	return &Multiplexer{
		addr:         opts.ListenAddr,
		router:       opts.Router,
		followers:    make(map[*followerConn]bool),
		onLeader:     opts.OnLeader,
		onFollower:   opts.OnFollower,
		onLeaderLost: opts.OnLeaderLost,
		stopCh:       make(chan struct{}),
	}
}

// Role returns the multiplexer's current topology position.
func (m *Multiplexer) Role() Role {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.role
}

// Start attempts to bind the configured port. On success it becomes leader.
// On "address in use" it connects outbound to the existing leader as a
// follower and begins the reconnect/promotion loop.
func (m *Multiplexer) Start(ctx context.Context) error {
	if err := m.tryBecomeLeader(); err == nil {
		return nil
	} else if !isAddrInUse(err) {
		return err
	}
	return m.becomeFollower(ctx)
}

// Stop tears down whichever role is active.
func (m *Multiplexer) Stop(ctx context.Context) error {
	close(m.stopCh)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.leaderConn != nil {
		_ = m.leaderConn.Close()
	}
	if m.server != nil {
		return m.server.Shutdown(ctx)
	}
	return nil
}

func isAddrInUse(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Op == "listen"
	}
	return false
}

// tryBecomeLeader binds the port. On success, accepts both extension
// connections (handled elsewhere, via extbridge) and follower connections
// on /mux.
func (m *Multiplexer) tryBecomeLeader() error {
	ln, err := net.Listen("tcp", m.addr)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/mux", m.handleFollowerConn)
	server := &http.Server{Handler: mux}

	m.mu.Lock()
	m.role = RoleLeader
	m.listener = ln
	m.server = server
	m.mu.Unlock()

	util.SafeGo(func() { _ = server.Serve(ln) })

	if m.onLeader != nil {
		m.onLeader()
	}
	return nil
}

// handleFollowerConn accepts one follower's WebSocket connection and
// registers it as a live proxy target so its Router.Dispatch calls can be
// relayed to this leader's extension link.
func (m *Multiplexer) handleFollowerConn(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	fc := &followerConn{conn: conn}

	m.mu.Lock()
	m.followers[fc] = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.followers, fc)
		m.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		var req forwardedRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		go m.relayFollowerRequest(fc, req)
	}
}

type forwardedRequest struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type forwardedResponse struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// relayFollowerRequest dispatches a follower's proxied command through
// this leader's own Router (which owns the real extension Transport) and
// writes the result back over the follower's socket.
func (m *Multiplexer) relayFollowerRequest(fc *followerConn, req forwardedRequest) {
	payload, err := m.router.Dispatch(context.Background(), req.Method, req.Params, 0)
	resp := forwardedResponse{ID: req.ID, Result: payload}
	if err != nil {
		resp.Error = err.Error()
	}
	_ = fc.writeJSON(resp)
}

// becomeFollower connects outbound to the existing leader and proxies
// every local Router dispatch through that socket until it drops, at which
// point it waits a jittered [50ms,200ms] delay and retries port binding.
func (m *Multiplexer) becomeFollower(ctx context.Context) error {
	for {
		select {
		case <-m.stopCh:
			return nil
		default:
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, "ws://"+m.addr+"/mux", nil)
		if err != nil {
			return err
		}

		m.mu.Lock()
		m.role = RoleFollower
		m.leaderConn = conn
		m.mu.Unlock()

		if m.onFollower != nil {
			m.onFollower()
		}

		m.router.Attach(followerSender{m: m, conn: conn})
		m.readLeaderResponses(conn)

		m.router.FailAll(ErrLeaderLost)
		m.router.Detach()
		if m.onLeaderLost != nil {
			m.onLeaderLost()
		}

		select {
		case <-m.stopCh:
			return nil
		default:
		}

		time.Sleep(jitteredBackoff())

		if err := m.tryBecomeLeader(); err == nil {
			return nil // promoted; leader setup already wired the real Transport via onLeader
		}
		// Someone else won the race; loop and reconnect as follower again.
	}
}

func (m *Multiplexer) readLeaderResponses(conn *websocket.Conn) {
	for {
		var resp forwardedResponse
		if err := conn.ReadJSON(&resp); err != nil {
			return
		}
		var rpcErr error
		if resp.Error != "" {
			rpcErr = errors.New(resp.Error)
		}
		m.router.HandleResponse(resp.ID, resp.Result, rpcErr)
	}
}

// followerSender implements router.Sender by forwarding a dispatch over
// the follower's socket to the leader instead of to the extension.
type followerSender struct {
	m    *Multiplexer
	conn *websocket.Conn
}

func (s followerSender) Send(id, method string, params json.RawMessage) error {
	return s.conn.WriteJSON(forwardedRequest{ID: id, Method: method, Params: params})
}

func jitteredBackoff() time.Duration {
	span := reconnectBackoffMax - reconnectBackoffMin
	return reconnectBackoffMin + time.Duration(rand.Int63n(int64(span)+1))
}
