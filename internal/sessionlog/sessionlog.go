// Package sessionlog writes one append-only JSONL log file per session
// under the runtime state root. Every line is passed through the
// redaction engine first, so a credential value substituted by
// internal/credential can never reach a log line.
package sessionlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/agentbridge/connection-bridge/internal/redaction"
	"github.com/agentbridge/connection-bridge/internal/state"
)

// unsafeChars strips characters that would make clientID unsafe as a
// filename component.
var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

func sanitize(s string) string {
	s = unsafeChars.ReplaceAllString(s, "_")
	if len(s) > 80 {
		s = s[:80]
	}
	return s
}

// Entry is one append-only log line. Timestamp is RFC3339Nano; every
// other field is optional depending on what produced the entry (a tool
// dispatch, a state transition, a background loop).
type Entry struct {
	Timestamp  time.Time `json:"ts"`
	ClientID   string    `json:"client_id"`
	Event      string    `json:"event"`
	Tool       string    `json:"tool,omitempty"`
	Method     string    `json:"method,omitempty"`
	Message    string    `json:"message,omitempty"`
	DurationMs int64     `json:"duration_ms,omitempty"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
}

// Logger is a single session's append-only log file. Safe for concurrent
// use; writes are best-effort (a write failure is reported to stderr, not
// propagated, so a full disk cannot take a tool call down).
type Logger struct {
	mu   sync.Mutex
	f    *os.File
	path string
	eng  *redaction.RedactionEngine
}

// Open creates (or appends to) the session log file for clientID under
// the state root's logs directory, one file per session.
func Open(clientID string, eng *redaction.RedactionEngine) (*Logger, error) {
	dir, err := state.LogsDir()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create logs dir: %w", err)
	}
	path := filepath.Join(dir, "session-"+sanitize(clientID)+".jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open session log: %w", err)
	}
	if eng == nil {
		eng = redaction.NewRedactionEngine("")
	}
	return &Logger{f: f, path: path, eng: eng}, nil
}

// OpenAt creates (or appends to) a session log file at an explicit path,
// bypassing the default state-root naming — used when the operator
// overrides the log destination via --log-file.
func OpenAt(path string, eng *redaction.RedactionEngine) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open session log: %w", err)
	}
	if eng == nil {
		eng = redaction.NewRedactionEngine("")
	}
	return &Logger{f: f, path: path, eng: eng}, nil
}

// Path returns the on-disk location of this session's log file.
func (l *Logger) Path() string {
	return l.path
}

// Log appends one entry, redacting Message and Error through the
// redaction engine before the line ever reaches disk.
func (l *Logger) Log(e Entry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	e.Message = l.eng.Redact(e.Message)
	e.Error = l.eng.Redact(e.Error)

	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return
	}
	if _, err := l.f.Write(data); err != nil {
		fmt.Fprintf(os.Stderr, "[connection-bridge] session log write failed: %v\n", err)
		return
	}
	_ = l.f.Sync()
}

// Close flushes and closes the underlying file. Best-effort: orphaned log
// files on abnormal termination are tolerable.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}
