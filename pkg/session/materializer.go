// Package session bounds ledger memory to active work. The database holds
// the full history; the materializer keeps an evictable in-memory working
// set of rows for sessions that are currently live.
package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/Mindburn-Labs/keel/pkg/chain"
)

// workingSet is one loaded session: rows in insertion order plus a
// session-local hash view used for fast lookups (not global integrity).
type workingSet struct {
	actions   []chain.Action
	byID      map[string]int // action_id → index in actions
	localHead string
}

// Materializer owns the in-memory working sets. It never deletes from the
// store; eviction only frees RAM.
type Materializer struct {
	store  *chain.Store
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*workingSet
}

// NewMaterializer creates an empty materializer over store.
func NewMaterializer(store *chain.Store) *Materializer {
	return &Materializer{
		store:    store,
		logger:   slog.Default().With("component", "session"),
		sessions: make(map[string]*workingSet),
	}
}

// LoadSession hydrates the working set for sessionID from the store.
// Loading an already-loaded session is safe: rows already in memory are
// skipped, so double loads never duplicate.
func (m *Materializer) LoadSession(ctx context.Context, sessionID string) error {
	rows, err := m.store.Query(ctx, chain.Query{SessionID: sessionID})
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ws, ok := m.sessions[sessionID]
	if !ok {
		ws = &workingSet{byID: make(map[string]int)}
		m.sessions[sessionID] = ws
	}

	loaded := 0
	for _, a := range rows {
		if _, seen := ws.byID[a.ActionID]; seen {
			continue
		}
		ws.byID[a.ActionID] = len(ws.actions)
		ws.actions = append(ws.actions, a)
		ws.localHead = a.ChainHash
		loaded++
	}
	m.logger.Debug("session loaded", "session_id", sessionID, "rows", loaded)
	return nil
}

// UnloadSession evicts the working set for sessionID. Idempotent; the store
// retains the full history and the session can be reloaded later.
func (m *Materializer) UnloadSession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sessionID]; ok {
		delete(m.sessions, sessionID)
		m.logger.Debug("session evicted", "session_id", sessionID)
	}
}

// AppendAction delegates to the store, then updates the working set if that
// session is currently loaded (no-op otherwise).
func (m *Materializer) AppendAction(ctx context.Context, a chain.Action) (chain.Action, error) {
	final, err := m.store.Append(ctx, a)
	if err != nil {
		return chain.Action{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if ws, ok := m.sessions[final.SessionID]; ok {
		if _, seen := ws.byID[final.ActionID]; !seen {
			ws.byID[final.ActionID] = len(ws.actions)
			ws.actions = append(ws.actions, final)
			ws.localHead = final.ChainHash
		}
	}
	return final, nil
}

// Loaded reports whether sessionID has a working set in memory.
func (m *Materializer) Loaded(sessionID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.sessions[sessionID]
	return ok
}

// Actions returns a copy of the loaded rows for sessionID in insertion
// order; nil if the session is not loaded.
func (m *Materializer) Actions(sessionID string) []chain.Action {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ws, ok := m.sessions[sessionID]
	if !ok {
		return nil
	}
	out := make([]chain.Action, len(ws.actions))
	copy(out, ws.actions)
	return out
}

// Get returns one loaded row by action_id.
func (m *Materializer) Get(sessionID, actionID string) (chain.Action, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ws, ok := m.sessions[sessionID]
	if !ok {
		return chain.Action{}, false
	}
	i, ok := ws.byID[actionID]
	if !ok {
		return chain.Action{}, false
	}
	return ws.actions[i], true
}

// LocalHead returns the chain hash of the last loaded row for the session,
// or "" if the session is not loaded or empty. This is a session-scoped
// view only; global integrity goes through chain.Store.VerifyIntegrity.
func (m *Materializer) LocalHead(sessionID string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if ws, ok := m.sessions[sessionID]; ok {
		return ws.localHead
	}
	return ""
}
