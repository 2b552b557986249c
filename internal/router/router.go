// Package router correlates extension-bound commands to their responses.
// It assigns a fresh identifier to every outgoing command, tracks a
// deadline per in-flight request, and resolves or times out each entry
// exactly once — no identifier is ever reused and no pending entry leaks.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultTimeout is the per-call deadline used when a call site does not
// override it. CDP-heavy calls (forwardCDPCommand, screenshot) may request
// up to MaxTimeout.
const (
	DefaultTimeout = 30 * time.Second
	MaxTimeout     = 45 * time.Second
)

// Sender delivers a framed command to the extension (or, for a follower,
// proxies it to the leader). Implemented by the active Transport.
type Sender interface {
	Send(id string, method string, params json.RawMessage) error
}

// pending is one in-flight request: its result channel and deadline timer.
type pending struct {
	resultCh chan result
	timer    *time.Timer
}

type result struct {
	payload json.RawMessage
	err     error
}

// Router owns the Pending Request Table for one Connection (or, in
// multiplexer follower mode, for the local proxy leg of one follower).
type Router struct {
	mu      sync.Mutex
	entries map[string]*pending
	counter uint64
	sender  Sender
}

// New creates a Router with no sender attached. Attach must be called
// once the Transport becomes available (state machine: active/connected).
func New() *Router {
	return &Router{entries: make(map[string]*pending)}
}

// Attach wires the Transport that outgoing commands are sent through.
func (r *Router) Attach(sender Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sender = sender
}

// Detach clears the current Transport, used when the connection drops.
func (r *Router) Detach() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sender = nil
}

// nextID returns a fresh, never-reused identifier for this Router's lifetime.
func (r *Router) nextID() string {
	n := atomic.AddUint64(&r.counter, 1)
	return fmt.Sprintf("req-%d", n)
}

// ErrTransportGone is returned when no extension/leader link is attached.
var ErrTransportGone = fmt.Errorf("transport_gone")

// ErrTimeout is returned when a dispatched command is not resolved before
// its deadline.
var ErrTimeout = fmt.Errorf("extension_timeout")

// Dispatch sends method/params to the extension and blocks until a
// matching response arrives, the deadline passes, ctx is canceled, or the
// transport is lost. timeout <= 0 uses DefaultTimeout.
func (r *Router) Dispatch(ctx context.Context, method string, params json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	r.mu.Lock()
	sender := r.sender
	if sender == nil {
		r.mu.Unlock()
		return nil, ErrTransportGone
	}
	id := r.nextID()
	p := &pending{resultCh: make(chan result, 1)}
	r.entries[id] = p
	r.mu.Unlock()

	p.timer = time.AfterFunc(timeout, func() { r.resolve(id, result{err: ErrTimeout}) })

	if err := sender.Send(id, method, params); err != nil {
		r.resolve(id, result{err: err})
	}

	select {
	case res := <-p.resultCh:
		return res.payload, res.err
	case <-ctx.Done():
		r.resolve(id, result{err: ctx.Err()})
		return nil, ctx.Err()
	}
}

// HandleResponse is called by the Transport when a framed response arrives
// from the extension. If id does not match a pending entry, the frame is a
// late response for a timed-out call and is dropped (caller should log it).
func (r *Router) HandleResponse(id string, payload json.RawMessage, rpcErr error) bool {
	return r.resolve(id, result{payload: payload, err: rpcErr})
}

// resolve completes the pending entry for id exactly once and removes it.
// Returns false if id had no pending entry (already resolved, or unknown).
func (r *Router) resolve(id string, res result) bool {
	r.mu.Lock()
	p, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	select {
	case p.resultCh <- res:
	default:
	}
	return true
}

// FailAll completes every pending entry with err, used when the transport
// to the extension (or, for a follower, to the leader) is lost.
func (r *Router) FailAll(err error) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.resolve(id, result{err: err})
	}
}

// PendingCount reports the number of in-flight requests, for diagnostics.
func (r *Router) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
