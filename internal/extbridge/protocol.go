// Package extbridge implements the extension-facing transport: a WebSocket
// server the sideloaded extension dials into, the hello/welcome handshake
// that authenticates it, and the framed JSON-RPC wire format commands and
// responses travel over once connected.
package extbridge

import "encoding/json"

const protocolVersion = 1

// helloMessage is the first frame the extension sends after dialing. It
// is the identity frame: at minimum the browser name, extension version,
// and build timestamp.
type helloMessage struct {
	Type           string `json:"type"`
	Token          string `json:"token"`
	Client         string `json:"client"`
	Version        int    `json:"version"`
	BuildTimestamp string `json:"build_timestamp"`
}

// clientIDNotify is the one-shot notification sent to the extension right
// after handshake, per the Transport contract's ClientIdNotify operation.
type clientIDNotify struct {
	Type     string `json:"type"`
	ClientID string `json:"client_id"`
}

// welcomeMessage is the server's handshake reply on a successful token check.
type welcomeMessage struct {
	Type    string `json:"type"`
	Version int    `json:"version"`
}

// rpcRequest is a command sent to the extension. ID is the Router's
// identifier, echoed back unchanged in the matching rpcResponse.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// rpcResponse is the extension's reply to one rpcRequest.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// inboundFrame is the union shape of everything the extension can send on
// its socket: a reply to a command (ID set, Method empty) or a one-way
// notification (Method set, ID empty) such as tab_info_update, tech_stack,
// console, or navigation_blocked. Decoding once into this shape and
// branching on Method lets the same read loop serve both without
// guessing from field presence alone.
type inboundFrame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

func (f inboundFrame) isNotification() bool { return f.Method != "" && f.ID == "" }

func (f inboundFrame) asResponse() rpcResponse {
	return rpcResponse{JSONRPC: f.JSONRPC, ID: f.ID, Result: f.Result, Error: f.Error}
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) asError() error {
	if e == nil {
		return nil
	}
	return &extensionError{code: e.Code, message: e.Message}
}

// extensionError wraps an extension-reported JSON-RPC error so callers can
// recover the original code/message without depending on this package's
// unexported rpcError type.
type extensionError struct {
	code    int
	message string
}

func (e *extensionError) Error() string { return e.message }

// Code returns the extension-reported JSON-RPC error code.
func (e *extensionError) Code() int { return e.code }
