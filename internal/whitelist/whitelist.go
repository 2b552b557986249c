// Package whitelist implements the domain whitelist: an allow-set of
// domain suffixes, fetched once, cached on disk, and refreshed once per
// calendar day. Presence is orthogonal to the connection state machine —
// an enabled whitelist survives disable/enable cycles.
package whitelist

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/agentbridge/connection-bridge/internal/state"
	"github.com/agentbridge/connection-bridge/internal/util"
)

// Fetcher retrieves the current domain list from its source of truth
// (a remote config endpoint in production; a static list or file in tests).
type Fetcher func(ctx context.Context) ([]string, error)

// Pusher delivers an updated suffix set to the connected extension.
// Implemented by the Tool Dispatcher via the Router.
type Pusher interface {
	PushWhitelist(ctx context.Context, suffixes []string) error
}

type cacheFile struct {
	Suffixes  []string  `json:"suffixes"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Whitelist holds the current allow-set and drives its daily refresh.
type Whitelist struct {
	mu        sync.RWMutex
	enabled   bool
	suffixes  map[string]bool
	fetchedAt time.Time

	fetch     Fetcher
	pusher    Pusher
	cachePath string

	stopCh chan struct{}
}

// New constructs a Whitelist. cachePath overrides the on-disk cache
// location for tests; pass "" to use state.WhitelistCacheFile's default.
func New(fetch Fetcher, pusher Pusher, cachePath string) (*Whitelist, error) {
	if cachePath == "" {
		resolved, err := state.WhitelistCacheFile()
		if err != nil {
			return nil, err
		}
		cachePath = resolved
	}
	w := &Whitelist{
		suffixes:  make(map[string]bool),
		fetch:     fetch,
		pusher:    pusher,
		cachePath: cachePath,
		stopCh:    make(chan struct{}),
	}
	w.loadCache()
	return w, nil
}

func (w *Whitelist) loadCache() {
	data, err := os.ReadFile(w.cachePath)
	if err != nil {
		return
	}
	var cf cacheFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.fetchedAt = cf.FetchedAt
	w.suffixes = make(map[string]bool, len(cf.Suffixes))
	for _, s := range cf.Suffixes {
		w.suffixes[s] = true
	}
}

func (w *Whitelist) saveCache() error {
	w.mu.RLock()
	cf := cacheFile{Suffixes: w.snapshotLocked(), FetchedAt: w.fetchedAt}
	w.mu.RUnlock()

	data, err := json.Marshal(cf)
	if err != nil {
		return err
	}
	return os.WriteFile(w.cachePath, data, 0o600)
}

func (w *Whitelist) snapshotLocked() []string {
	out := make([]string, 0, len(w.suffixes))
	for s := range w.suffixes {
		out = append(out, s)
	}
	return out
}

// Enable marks the whitelist active for navigation enforcement and
// performs an immediate fetch if the cache is empty or stale.
func (w *Whitelist) Enable(ctx context.Context) error {
	w.mu.Lock()
	w.enabled = true
	w.mu.Unlock()
	return w.RefreshIfStale(ctx)
}

// Enabled reports whether whitelist enforcement is currently active. This
// flag is independent of the Connection's passive/active/connected state.
func (w *Whitelist) Enabled() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.enabled
}

// Allows reports whether host matches any cached suffix.
func (w *Whitelist) Allows(host string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	host = strings.ToLower(host)
	for suffix := range w.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}

// AllowsURL reports whether a navigation target's origin host matches the
// allow-set. Targets with no extractable origin (data: URLs, malformed
// input) are never allowed while enforcement is on.
func (w *Whitelist) AllowsURL(rawURL string) bool {
	origin := util.ExtractOrigin(rawURL)
	if origin == "" {
		return false
	}
	host := origin[strings.Index(origin, "://")+3:]
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return w.Allows(host)
}

// Suffixes returns a snapshot of the current allow-set.
func (w *Whitelist) Suffixes() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.snapshotLocked()
}

// RefreshIfStale fetches a fresh list when the cache is older than one
// calendar day (or empty), caches it, and pushes it to the extension.
func (w *Whitelist) RefreshIfStale(ctx context.Context) error {
	w.mu.RLock()
	stale := time.Since(w.fetchedAt) >= 24*time.Hour
	w.mu.RUnlock()
	if !stale {
		return nil
	}
	return w.Refresh(ctx)
}

// Refresh unconditionally fetches, caches, and pushes a new suffix list.
func (w *Whitelist) Refresh(ctx context.Context) error {
	if w.fetch == nil {
		return nil
	}
	suffixes, err := w.fetch(ctx)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.suffixes = make(map[string]bool, len(suffixes))
	for _, s := range suffixes {
		w.suffixes[strings.ToLower(s)] = true
	}
	w.fetchedAt = time.Now()
	w.mu.Unlock()

	if err := w.saveCache(); err != nil {
		return err
	}
	if w.pusher != nil {
		return w.pusher.PushWhitelist(ctx, w.Suffixes())
	}
	return nil
}

// StartDailyRefresh launches the background loop that refetches the list
// every 24 hours. It runs under util.SafeGo so a panic cannot take the
// process down.
func (w *Whitelist) StartDailyRefresh(ctx context.Context) {
	util.SafeGo(func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				_ = w.Refresh(ctx)
			case <-w.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	})
}

// Stop ends the daily refresh loop.
func (w *Whitelist) Stop() {
	close(w.stopCh)
}
