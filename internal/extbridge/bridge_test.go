package extbridge

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestBridgeCallRequiresConnection(t *testing.T) {
	bridge := New(Config{ListenAddr: "127.0.0.1:0"})
	if _, err := bridge.Call(context.Background(), "bridge.ping", nil); !errors.Is(err, errNotConnected) {
		t.Fatalf("expected not-connected error, got %v", err)
	}
}

func dialExtension(t *testing.T, bridge *Bridge, token string) *websocket.Conn {
	t.Helper()
	wsURL := "ws://" + bridge.Addr() + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial returned error: %v", err)
	}
	if err := conn.WriteJSON(helloMessage{Type: "hello", Token: token, Client: "chrome_extension", Version: 1}); err != nil {
		t.Fatalf("write hello returned error: %v", err)
	}
	var welcome welcomeMessage
	if err := conn.ReadJSON(&welcome); err != nil {
		t.Fatalf("read welcome returned error: %v", err)
	}
	if welcome.Type != "welcome" || welcome.Version != protocolVersion {
		t.Fatalf("unexpected welcome message: %+v", welcome)
	}
	return conn
}

func TestBridgeHandshakeAndCall(t *testing.T) {
	bridge := New(Config{ListenAddr: "127.0.0.1:0", Token: "test-token", Timeout: 2 * time.Second})
	if err := bridge.Start(); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	t.Cleanup(func() { _ = bridge.Close(context.Background()) })

	conn := dialExtension(t, bridge, "test-token")
	t.Cleanup(func() { _ = conn.Close() })

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var req rpcRequest
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			if req.JSONRPC != "2.0" || req.ID == "" {
				continue
			}
			if req.Method == "bridge.ping" {
				_ = conn.WriteJSON(rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(`{"ok":true}`)})
			} else {
				_ = conn.WriteJSON(rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: -32601, Message: "method not found"}})
			}
		}
	}()

	raw, err := bridge.Call(context.Background(), "bridge.ping", nil)
	if err != nil {
		t.Fatalf("Call returned error: %v", err)
	}
	var payload struct {
		OK bool `json:"ok"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("unmarshal result returned error: %v", err)
	}
	if !payload.OK {
		t.Fatalf("expected ok=true, got %#v", payload)
	}

	_ = conn.Close()
	<-done
}

func TestBridgeRejectsBadToken(t *testing.T) {
	bridge := New(Config{ListenAddr: "127.0.0.1:0", Token: "expected"})
	if err := bridge.Start(); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	t.Cleanup(func() { _ = bridge.Close(context.Background()) })

	wsURL := "ws://" + bridge.Addr() + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial returned error: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(helloMessage{Type: "hello", Token: "wrong"}); err != nil {
		t.Fatalf("write hello returned error: %v", err)
	}
	var welcome welcomeMessage
	if err := conn.ReadJSON(&welcome); err == nil {
		t.Fatalf("expected handshake failure, got welcome: %+v", welcome)
	}
}

func TestBridgeWaitForConnected(t *testing.T) {
	bridge := New(Config{ListenAddr: "127.0.0.1:0", Token: "t", Timeout: time.Second})
	if err := bridge.Start(); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	t.Cleanup(func() { _ = bridge.Close(context.Background()) })

	conn := dialExtension(t, bridge, "t")
	t.Cleanup(func() { _ = conn.Close() })

	if err := bridge.WaitForConnected(context.Background(), time.Second); err != nil {
		t.Fatalf("WaitForConnected returned error: %v", err)
	}
	if !bridge.Connected() {
		t.Fatalf("expected Connected() to be true after handshake")
	}
}

func TestBridgeOnConnectAndOnDisconnectFire(t *testing.T) {
	bridge := New(Config{ListenAddr: "127.0.0.1:0", Token: "t", Timeout: time.Second})

	connectedCh := make(chan struct{}, 1)
	disconnectedCh := make(chan struct{}, 1)
	bridge.OnConnect(func() { connectedCh <- struct{}{} })
	bridge.OnDisconnect(func() { disconnectedCh <- struct{}{} })

	if err := bridge.Start(); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	t.Cleanup(func() { _ = bridge.Close(context.Background()) })

	conn := dialExtension(t, bridge, "t")

	select {
	case <-connectedCh:
	case <-time.After(time.Second):
		t.Fatalf("expected OnConnect to fire")
	}

	_ = conn.Close()

	select {
	case <-disconnectedCh:
	case <-time.After(time.Second):
		t.Fatalf("expected OnDisconnect to fire")
	}
}

type fakeResponseHandler struct {
	ch chan string
}

func (f *fakeResponseHandler) HandleResponse(id string, payload json.RawMessage, rpcErr error) bool {
	f.ch <- id
	return true
}

type fakeNotificationHandler struct {
	ch chan string
}

func (f *fakeNotificationHandler) HandleNotification(method string, params json.RawMessage) {
	f.ch <- method
}

func TestBridgeRoutesNotificationsToHandler(t *testing.T) {
	bridge := New(Config{ListenAddr: "127.0.0.1:0", Token: "t", Timeout: time.Second})
	handler := &fakeNotificationHandler{ch: make(chan string, 1)}
	bridge.SetNotificationHandler(handler)

	if err := bridge.Start(); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	t.Cleanup(func() { _ = bridge.Close(context.Background()) })

	conn := dialExtension(t, bridge, "t")
	t.Cleanup(func() { _ = conn.Close() })

	notification := struct {
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}{Method: "tab_info_update", Params: json.RawMessage(`{"index":0,"url":"https://example.com"}`)}
	if err := conn.WriteJSON(notification); err != nil {
		t.Fatalf("write notification returned error: %v", err)
	}

	select {
	case method := <-handler.ch:
		if method != "tab_info_update" {
			t.Fatalf("expected tab_info_update, got %s", method)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected HandleNotification to be called")
	}
}

func TestBridgeRoutesResponsesToHandler(t *testing.T) {
	bridge := New(Config{ListenAddr: "127.0.0.1:0", Token: "t", Timeout: time.Second})
	handler := &fakeResponseHandler{ch: make(chan string, 1)}
	bridge.SetResponseHandler(handler)

	if err := bridge.Start(); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	t.Cleanup(func() { _ = bridge.Close(context.Background()) })

	conn := dialExtension(t, bridge, "t")
	t.Cleanup(func() { _ = conn.Close() })

	if err := bridge.Send("req-1", "getTabs", nil); err != nil {
		t.Fatalf("Send returned error: %v", err)
	}

	var req rpcRequest
	if err := conn.ReadJSON(&req); err != nil {
		t.Fatalf("read request returned error: %v", err)
	}
	if err := conn.WriteJSON(rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(`[]`)}); err != nil {
		t.Fatalf("write response returned error: %v", err)
	}

	select {
	case id := <-handler.ch:
		if id != "req-1" {
			t.Fatalf("expected id req-1, got %s", id)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected HandleResponse to be called")
	}
}
