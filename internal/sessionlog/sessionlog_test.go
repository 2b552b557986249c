package sessionlog

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/agentbridge/connection-bridge/internal/redaction"
	"github.com/agentbridge/connection-bridge/internal/state"
)

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open log file: %v", err)
	}
	defer f.Close()
	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines
}

func TestOpenAtWritesOneJSONLinePerEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.jsonl")
	l, err := OpenAt(path, nil)
	if err != nil {
		t.Fatalf("OpenAt returned error: %v", err)
	}

	l.Log(Entry{ClientID: "client-1", Event: "tool_call", Tool: "navigate", Success: true})
	l.Log(Entry{ClientID: "client-1", Event: "tool_call", Tool: "screenshot", Success: false, Error: "extension_timeout"})
	if err := l.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}

	lines := readLines(t, path)
	if len(lines) != 2 {
		t.Fatalf("expected 2 log lines, got %d", len(lines))
	}
	var first Entry
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("first line is not valid JSON: %v", err)
	}
	if first.Tool != "navigate" || !first.Success || first.Timestamp.IsZero() {
		t.Fatalf("unexpected first entry: %+v", first)
	}
}

func TestLogRedactsSecretsBeforeDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.jsonl")
	l, err := OpenAt(path, redaction.NewRedactionEngine(""))
	if err != nil {
		t.Fatalf("OpenAt returned error: %v", err)
	}

	l.Log(Entry{Event: "console", Message: "request used api_key=super-secret-value"})
	_ = l.Close()

	content := strings.Join(readLines(t, path), "\n")
	if strings.Contains(content, "super-secret-value") {
		t.Fatalf("secret value reached disk: %s", content)
	}
	if !strings.Contains(content, "[REDACTED:") {
		t.Fatalf("expected a redaction marker in the log line: %s", content)
	}
}

func TestLogNeverContainsRegisteredCredentialValue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.jsonl")
	eng := redaction.NewRedactionEngine("")
	l, err := OpenAt(path, eng)
	if err != nil {
		t.Fatalf("OpenAt returned error: %v", err)
	}

	// The secure-fill pipeline registers each resolved credential value
	// before dispatch; any later log line echoing it must come out scrubbed.
	eng.AddLiteral("correct-horse-battery")
	l.Log(Entry{Event: "console", Message: "page script saw value correct-horse-battery"})
	l.Log(Entry{Event: "tool_call", Tool: "secure_fill", Success: false, Error: "selector rejected correct-horse-battery"})
	_ = l.Close()

	content := strings.Join(readLines(t, path), "\n")
	if strings.Contains(content, "correct-horse-battery") {
		t.Fatalf("resolved credential value reached a log line: %s", content)
	}
	if !strings.Contains(content, "[REDACTED:credential]") {
		t.Fatalf("expected credential redaction marker in log: %s", content)
	}
}

func TestOpenNamesFilePerSessionUnderStateRoot(t *testing.T) {
	root := t.TempDir()
	t.Setenv(state.StateDirEnv, root)

	l, err := Open("client one/../x", nil)
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	defer l.Close()

	if filepath.Dir(l.Path()) != filepath.Join(root, "logs") {
		t.Fatalf("log file outside state logs dir: %s", l.Path())
	}
	base := filepath.Base(l.Path())
	if strings.ContainsAny(base, "/ ") {
		t.Fatalf("client ID not sanitized in filename: %s", base)
	}
}

func TestLogAfterCloseIsANoOp(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.jsonl")
	l, err := OpenAt(path, nil)
	if err != nil {
		t.Fatalf("OpenAt returned error: %v", err)
	}
	_ = l.Close()
	l.Log(Entry{Event: "late"}) // must not panic or write

	if lines := readLines(t, path); len(lines) != 0 {
		t.Fatalf("expected no lines after Close, got %d", len(lines))
	}
}
