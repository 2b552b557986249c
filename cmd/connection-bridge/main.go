// Command connection-bridge is the MCP stdio server an agent host launches
// directly: it speaks JSON-RPC 2.0 over stdin/stdout to the agent and, once
// enabled, a second JSON-RPC 2.0 connection over WebSocket to the sideloaded
// browser extension.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/agentbridge/connection-bridge/internal/bridge"
	"github.com/agentbridge/connection-bridge/internal/mcp"
)

const defaultPort = 5555

// maxStdioBody caps a single Content-Length-framed message so a malformed
// header cannot allocate unbounded memory.
const maxStdioBody = 10 * 1024 * 1024

// debugValue is the --debug flag: a bare --debug enables debug mode, and
// --debug=<mode> (e.g. no_truncate) enables it with a mode; --debug=false
// leaves it off.
type debugValue string

func (d *debugValue) String() string     { return string(*d) }
func (d *debugValue) Set(s string) error { *d = debugValue(s); return nil }
func (d *debugValue) IsBoolFlag() bool   { return true }

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// run is the entry point separated from main for testability: it never
// calls os.Exit itself except via the reload tool path, which intentionally
// terminates the process with status 42.
func run(args []string, stdin io.Reader, stdout, stderr *os.File) int {
	fs := flag.NewFlagSet("connection-bridge", flag.ContinueOnError)
	fs.SetOutput(stderr)
	port := fs.Int("port", defaultPort, "loopback port the browser extension dials")
	var debugFlag debugValue
	fs.Var(&debugFlag, "debug", `enable debug mode; "no_truncate" also enables debug mode`)
	logFile := fs.String("log-file", "", "path to the session log file (default: one file per session under the state root)")
	scriptMode := fs.Bool("script-mode", false, "suppress the interactive startup banner")
	whitelistURL := fs.String("whitelist-url", os.Getenv("CONNECTION_BRIDGE_WHITELIST_URL"), "domain whitelist source URL (enables whitelist enforcement when set)")
	token := fs.String("extension-token", os.Getenv("CONNECTION_BRIDGE_EXTENSION_TOKEN"), "shared token the extension must present on handshake")
	showVersion := fs.Bool("version", false, "print the version and exit")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *showVersion {
		fmt.Fprintf(stdout, "connection-bridge v%s\n", version)
		return 0
	}

	cfg := ServerConfig{
		Port:           *port,
		DebugMode:      debugFlag != "" && debugFlag != "false",
		LogFilePath:    *logFile,
		ScriptMode:     *scriptMode,
		WhitelistURL:   *whitelistURL,
		ExtensionToken: *token,
	}

	srv, err := NewServer(cfg, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "[connection-bridge] startup failed: %v\n", err)
		return 1
	}

	if !cfg.ScriptMode {
		fmt.Fprintf(stderr, "[connection-bridge] v%s ready, extension port %d\n", version, cfg.Port)
	}

	if srv.whitelist != nil {
		ctx := context.Background()
		if err := srv.whitelist.Enable(ctx); err != nil {
			if bridge.IsConnectionError(err) {
				fmt.Fprintf(stderr, "[connection-bridge] whitelist source unreachable, will retry on next daily refresh: %v\n", err)
			} else {
				fmt.Fprintf(stderr, "[connection-bridge] whitelist enable failed: %v\n", err)
			}
		}
		srv.whitelist.StartDailyRefresh(ctx)
	}

	serveStdio(srv, stdin, stderr)
	return 0
}

// serveStdio reads one MCP message at a time (line-delimited or
// Content-Length framed, whichever the host uses) and answers it before
// reading the next; the agent channel is serialized by design.
func serveStdio(srv *Server, stdin io.Reader, stderr *os.File) {
	reader := bufio.NewReaderSize(stdin, 64*1024)
	for {
		raw, _, err := bridge.ReadStdioMessageWithMode(reader, maxStdioBody)
		if err != nil {
			if err != io.EOF {
				fmt.Fprintf(stderr, "[connection-bridge] stdin read error: %v\n", err)
			}
			return
		}
		if len(strings.TrimSpace(string(raw))) == 0 {
			continue
		}

		var req mcp.JSONRPCRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			srv.writeResponse(mcp.JSONRPCResponse{
				JSONRPC: "2.0",
				Error:   &mcp.JSONRPCError{Code: -32700, Message: "Parse error: " + err.Error()},
			})
			continue
		}

		resp := srv.HandleRequest(context.Background(), req)
		if !req.HasID() {
			// A notification from the agent (e.g. "initialized"): MCP
			// forbids replying to these with a framed response.
			continue
		}
		srv.writeResponse(resp)
	}
}
