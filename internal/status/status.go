// Package status formats the single-line Status Header prepended to every
// tool response. Formatting is a pure function of its inputs: it never
// reads shared mutable state.
package status

import (
	"fmt"
	"strings"
	"time"

	"github.com/agentbridge/connection-bridge/internal/connection"
	"github.com/agentbridge/connection-bridge/internal/mcp"
)

const urlTruncateLen = 50

// AttachedTab is the subset of the Attached Tab Snapshot the formatter
// needs: index, URL, and detected technology stack.
type AttachedTab struct {
	Index int
	URL   string
	Tech  string
}

// Inputs is the full set of values the Status Header is a pure function
// of: Connection state, version, debug flag, connected-browser name and
// extension build time, the latest attached-tab snapshot (nil if none),
// and the stealth flag.
type Inputs struct {
	State              connection.State
	Version            string
	DebugMode          bool
	BrowserName        string
	ExtensionBuildTime time.Time
	Tab                *AttachedTab
	Stealth            bool
}

// Format renders the Status Header. Connected: "✅ v<ver> | 🌐 <browser> |
// 📄 Tab <idx>: <url-truncated-50> | 🔧 <tech> | 🕵️ Stealth\n---\n\n",
// components omitted when their source data is absent. Any other state:
// "🔴 v<ver> | Disabled\n---\n\n".
func Format(in Inputs) string {
	if in.State != connection.Connected {
		return fmt.Sprintf("🔴 v%s | Disabled\n---\n\n", in.Version)
	}

	parts := []string{fmt.Sprintf("✅ v%s", in.Version)}
	if in.BrowserName != "" {
		browser := in.BrowserName
		if !in.ExtensionBuildTime.IsZero() {
			browser += " (build " + in.ExtensionBuildTime.Format("2006-01-02") + ")"
		}
		parts = append(parts, fmt.Sprintf("🌐 %s", browser))
	}
	if in.Tab != nil && in.Tab.URL != "" {
		parts = append(parts, fmt.Sprintf("📄 Tab %d: %s", in.Tab.Index, mcp.Truncate(in.Tab.URL, urlTruncateLen)))
	}
	if in.Tab != nil && in.Tab.Tech != "" {
		parts = append(parts, fmt.Sprintf("🔧 %s", in.Tab.Tech))
	}
	if in.Stealth {
		parts = append(parts, "🕵️ Stealth")
	}

	return strings.Join(parts, " | ") + "\n---\n\n"
}

// Prepend joins a Status Header onto a tool response body.
func Prepend(in Inputs, body string) string {
	return Format(in) + body
}
