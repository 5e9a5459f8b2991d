// ABOUTME: Process-wide index of live session FSMs
// ABOUTME: Diagnostic snapshots plus periodic sweep of aged-out terminal sessions

package session

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

const (
	// DefaultRetention is how long terminal FSMs are kept for diagnostics.
	DefaultRetention = time.Hour
	// DefaultSweepInterval is how often the sweep runs.
	DefaultSweepInterval = 10 * time.Minute
	// recentTerminalLimit bounds the recent-terminal list in diagnostics.
	recentTerminalLimit = 20
)

// ActiveSession is one live entry in a diagnostics snapshot.
type ActiveSession struct {
	SessionID string `json:"session_id"`
	State     State  `json:"state"`
	UptimeMs  int64  `json:"uptime_ms"`
}

// Diagnostics is a point-in-time snapshot of the registry.
type Diagnostics struct {
	ActiveCount    int             `json:"active_sessions"`
	TerminalCount  int             `json:"terminal_sessions"`
	Total          int             `json:"total"`
	Active         []ActiveSession `json:"active"`
	RecentTerminal []Summary       `json:"recent_terminal"`
}

// Registry is the process-wide map of session ID to FSM. Terminal FSMs
// are retained for diagnostics until the sweep ages them out.
type Registry struct {
	mu     sync.RWMutex
	fsms   map[string]*FSM
	logger *slog.Logger

	retention     time.Duration
	sweepInterval time.Duration
	done          chan struct{}
	closeOnce     sync.Once
}

// RegistryOption customizes a Registry.
type RegistryOption func(*Registry)

// WithRetention overrides how long terminal FSMs are retained.
func WithRetention(d time.Duration) RegistryOption {
	return func(r *Registry) { r.retention = d }
}

// WithSweepInterval overrides the sweep period.
func WithSweepInterval(d time.Duration) RegistryOption {
	return func(r *Registry) { r.sweepInterval = d }
}

// NewRegistry creates a registry and starts its background sweep.
func NewRegistry(logger *slog.Logger, opts ...RegistryOption) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		fsms:          make(map[string]*FSM),
		logger:        logger.With("component", "session-registry"),
		retention:     DefaultRetention,
		sweepInterval: DefaultSweepInterval,
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	go r.sweepLoop()
	return r
}

// Create constructs an FSM for the session and registers it.
func (r *Registry) Create(sessionID, conversationID, userMessageID string, timeout time.Duration) *FSM {
	f := New(sessionID, conversationID, userMessageID, timeout)

	r.mu.Lock()
	r.fsms[sessionID] = f
	r.mu.Unlock()

	r.logger.Debug("session registered", "session_id", sessionID, "conversation_id", conversationID)
	return f
}

// Get returns the FSM for a session, if present.
func (r *Registry) Get(sessionID string) (*FSM, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.fsms[sessionID]
	return f, ok
}

// Remove drops a session from the registry.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.fsms, sessionID)
}

// Active returns the FSMs currently in a non-terminal state.
func (r *Registry) Active() []*FSM {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var active []*FSM
	for _, f := range r.fsms {
		if !f.State().IsTerminal() {
			active = append(active, f)
		}
	}
	return active
}

// Diagnostics returns a copy-producing snapshot of the registry.
func (r *Registry) Diagnostics() Diagnostics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now()
	diag := Diagnostics{Total: len(r.fsms)}

	var terminal []Summary
	for _, f := range r.fsms {
		summary := f.Summary()
		if summary.State.IsTerminal() {
			diag.TerminalCount++
			terminal = append(terminal, summary)
			continue
		}
		diag.ActiveCount++
		diag.Active = append(diag.Active, ActiveSession{
			SessionID: summary.SessionID,
			State:     summary.State,
			UptimeMs:  now.Sub(summary.CreatedAt).Milliseconds(),
		})
	}

	// Most recently finished first.
	sort.Slice(terminal, func(i, j int) bool {
		return terminal[i].LastTransition.After(terminal[j].LastTransition)
	})
	if len(terminal) > recentTerminalLimit {
		terminal = terminal[:recentTerminalLimit]
	}
	diag.RecentTerminal = terminal

	return diag
}

// sweepLoop periodically removes terminal FSMs past the retention window.
func (r *Registry) sweepLoop() {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweep()
		case <-r.done:
			return
		}
	}
}

// sweep removes terminal FSMs whose last transition is older than the
// retention window.
func (r *Registry) sweep() {
	cutoff := time.Now().Add(-r.retention)

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, f := range r.fsms {
		if f.State().IsTerminal() && f.LastTransition().Before(cutoff) {
			delete(r.fsms, id)
			removed++
		}
	}
	if removed > 0 {
		r.logger.Debug("swept terminal sessions", "removed", removed, "remaining", len(r.fsms))
	}
}

// Close stops the background sweep. Safe to call multiple times.
func (r *Registry) Close() {
	r.closeOnce.Do(func() { close(r.done) })
}
