// Package chain implements the causal chain: an append-only, hash-chained
// ledger of governed events backed by SQLite or Postgres.
//
// Every row is bound to its predecessor through chain_hash, so any mutation
// of stored history is detectable by a full-chain scan. The database is the
// source of truth; callers that need a bounded in-memory view use the
// session materializer on top of this store.
package chain

import (
	"errors"
	"fmt"
)

// ActionType categorizes ledger rows.
type ActionType string

const (
	ActionCapabilityCall    ActionType = "CapabilityCall"
	ActionBudgetAllocation  ActionType = "BudgetAllocation"
	ActionBudgetConsumption ActionType = "BudgetConsumption"
	ActionBudgetWarning     ActionType = "BudgetWarning"
	ActionBudgetExhausted   ActionType = "BudgetExhausted"
	ActionBudgetExtended    ActionType = "BudgetExtended"
	ActionRunCreated        ActionType = "RunCreated"
	ActionRunTransitioned   ActionType = "RunTransitioned"
	ActionRunCancelled      ActionType = "RunCancelled"
)

// Valid reports whether t is a known action type.
func (t ActionType) Valid() bool {
	switch t {
	case ActionCapabilityCall, ActionBudgetAllocation, ActionBudgetConsumption,
		ActionBudgetWarning, ActionBudgetExhausted, ActionBudgetExtended,
		ActionRunCreated, ActionRunTransitioned, ActionRunCancelled:
		return true
	}
	return false
}

// Action is one immutable ledger row.
//
// SequenceID and ChainHash are assigned by the store on append; callers
// supply the rest. Large payloads (generated code, captured output) are
// stored by artifact reference inside Data, never inline.
type Action struct {
	SequenceID     uint64         `json:"sequence_id"`
	ActionID       string         `json:"action_id"`
	Type           ActionType     `json:"action_type"`
	PlanID         string         `json:"plan_id,omitempty"`
	IntentID       string         `json:"intent_id,omitempty"`
	SessionID      string         `json:"session_id"`
	ParentActionID string         `json:"parent_action_id,omitempty"`
	FunctionName   string         `json:"function_name,omitempty"`
	Timestamp      int64          `json:"timestamp"` // unix milliseconds
	Data           map[string]any `json:"data"`
	ChainHash      string         `json:"chain_hash"`
}

// Query filters ledger reads. Zero-value fields are ignored; SessionID is
// the indexed hot path used for session loads.
type Query struct {
	SessionID string
	IntentID  string
	PlanID    string
	ActionID  string
	SinceTS   int64
}

var (
	// ErrWriteFailed wraps storage-layer faults. The caller must not assume
	// the row is durable; retrying with the same ActionID is safe.
	ErrWriteFailed = errors.New("chain: write failed")

	// ErrDuplicateAction is returned when an ActionID has already been
	// recorded. Appends are idempotent per ActionID; duplicates are rejected
	// rather than double-recorded.
	ErrDuplicateAction = errors.New("chain: duplicate action_id")

	// ErrInvalidAction is returned for rows that fail basic validation
	// before any write is attempted.
	ErrInvalidAction = errors.New("chain: invalid action")
)

// IntegrityError reports the first row at which the recomputed hash chain
// diverges from stored state.
type IntegrityError struct {
	AtSequence uint64
	Reason     string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("chain: integrity violation at sequence %d: %s", e.AtSequence, e.Reason)
}

// ActionSink is notified synchronously after each committed append, e.g. for
// secondary indexing into working memory. Sink failures never roll back or
// block the ledger write; panics are recovered by the store.
type ActionSink interface {
	OnActionAppended(Action)
}
