package chain

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// createSchemaSQL declares the append-only table. session_id is a dedicated,
// indexed column so per-session loads never scan the data JSON blob.
const createSchemaSQL = `
CREATE TABLE IF NOT EXISTS causal_chain (
	sequence_id      BIGINT PRIMARY KEY,
	action_id        TEXT   NOT NULL UNIQUE,
	action_type      TEXT   NOT NULL,
	plan_id          TEXT   NOT NULL DEFAULT '',
	intent_id        TEXT   NOT NULL DEFAULT '',
	session_id       TEXT   NOT NULL,
	parent_action_id TEXT   NOT NULL DEFAULT '',
	function_name    TEXT   NOT NULL DEFAULT '',
	timestamp        BIGINT NOT NULL,
	data             TEXT   NOT NULL,
	chain_hash       TEXT   NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chain_session_id ON causal_chain(session_id);
CREATE INDEX IF NOT EXISTS idx_chain_intent_id  ON causal_chain(intent_id);
CREATE INDEX IF NOT EXISTS idx_chain_plan_id    ON causal_chain(plan_id);
CREATE INDEX IF NOT EXISTS idx_chain_timestamp  ON causal_chain(timestamp);
`

const rowColumns = "sequence_id, action_id, action_type, plan_id, intent_id, session_id, parent_action_id, function_name, timestamp, data, chain_hash"

// scanBatchSize bounds how many rows a single ScanAll query pulls.
const scanBatchSize = 512

// Store is the durable causal chain. It exclusively owns row storage and
// assigns sequence_id and chain_hash. All appends are serialized behind one
// lock so the prev-hash fold stays a plain owned value; reads that only need
// committed history (scans, integrity verification) go straight to the
// database without blocking new appends.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	clock  func() time.Time

	mu       sync.Mutex
	nextSeq  uint64
	tailHash string
	sinks    []ActionSink
}

// NewStore wraps an open database handle. Init must be called before use.
func NewStore(db *sql.DB) *Store {
	return &Store{
		db:       db,
		logger:   slog.Default().With("component", "chain"),
		clock:    time.Now,
		tailHash: genesisHash,
		nextSeq:  1,
	}
}

// WithClock overrides the timestamp source for testing.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

// Init creates the schema if needed and restores the chain tail from the
// last persisted row, so appends continue the existing chain after restart.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createSchemaSQL); err != nil {
		return fmt.Errorf("chain: init schema: %w", err)
	}

	row := s.db.QueryRowContext(ctx,
		"SELECT sequence_id, chain_hash FROM causal_chain ORDER BY sequence_id DESC LIMIT 1")
	var seq uint64
	var tail string
	switch err := row.Scan(&seq, &tail); {
	case errors.Is(err, sql.ErrNoRows):
		// Empty chain; keep the genesis tail.
	case err != nil:
		return fmt.Errorf("chain: restore tail: %w", err)
	default:
		s.mu.Lock()
		s.nextSeq = seq + 1
		s.tailHash = tail
		s.mu.Unlock()
	}
	return nil
}

// RegisterSink adds an observer invoked synchronously after each commit.
func (s *Store) RegisterSink(sink ActionSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sinks = append(s.sinks, sink)
}

// Head returns the current tail hash ("genesis" for an empty chain).
func (s *Store) Head() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tailHash
}

// Append computes the chain hash, assigns the sequence, persists the row
// durably and returns the finalized copy. Either the row is fully persisted
// with a valid hash, or an error is returned and no partial row exists.
//
// Appends are idempotent per ActionID: a duplicate returns
// ErrDuplicateAction without double-recording.
func (s *Store) Append(ctx context.Context, a Action) (Action, error) {
	if a.ActionID == "" {
		return Action{}, fmt.Errorf("%w: empty action_id", ErrInvalidAction)
	}
	if !a.Type.Valid() {
		return Action{}, fmt.Errorf("%w: unknown action_type %q", ErrInvalidAction, a.Type)
	}
	if a.SessionID == "" {
		return Action{}, fmt.Errorf("%w: empty session_id", ErrInvalidAction)
	}
	if a.Data == nil {
		a.Data = map[string]any{}
	}
	dataJSON, err := json.Marshal(a.Data)
	if err != nil {
		return Action{}, fmt.Errorf("%w: marshal data: %v", ErrInvalidAction, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if a.Timestamp == 0 {
		a.Timestamp = s.clock().UnixMilli()
	}
	a.SequenceID = s.nextSeq

	hash, err := computeChainHash(s.tailHash, a, dataJSON)
	if err != nil {
		return Action{}, err
	}
	a.ChainHash = hash

	_, err = s.db.ExecContext(ctx,
		"INSERT INTO causal_chain ("+rowColumns+") VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)",
		a.SequenceID, a.ActionID, string(a.Type), a.PlanID, a.IntentID, a.SessionID,
		a.ParentActionID, a.FunctionName, a.Timestamp, string(dataJSON), a.ChainHash,
	)
	if err != nil {
		if s.actionExists(ctx, a.ActionID) {
			return Action{}, fmt.Errorf("%w: %s", ErrDuplicateAction, a.ActionID)
		}
		return Action{}, fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}

	s.nextSeq++
	s.tailHash = a.ChainHash
	s.notifySinks(a)

	return a, nil
}

// actionExists distinguishes a unique-constraint rejection from a genuine
// storage fault without parsing driver-specific error strings.
func (s *Store) actionExists(ctx context.Context, actionID string) bool {
	var one int
	err := s.db.QueryRowContext(ctx,
		"SELECT 1 FROM causal_chain WHERE action_id = $1", actionID).Scan(&one)
	return err == nil
}

func (s *Store) notifySinks(a Action) {
	for _, sink := range s.sinks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("action sink panicked", "action_id", a.ActionID, "panic", r)
				}
			}()
			sink.OnActionAppended(a)
		}()
	}
}

// Query returns rows matching q in insertion order.
func (s *Store) Query(ctx context.Context, q Query) ([]Action, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if q.SessionID != "" {
		add("session_id = $%d", q.SessionID)
	}
	if q.IntentID != "" {
		add("intent_id = $%d", q.IntentID)
	}
	if q.PlanID != "" {
		add("plan_id = $%d", q.PlanID)
	}
	if q.ActionID != "" {
		add("action_id = $%d", q.ActionID)
	}
	if q.SinceTS > 0 {
		add("timestamp >= $%d", q.SinceTS)
	}

	query := "SELECT " + rowColumns + " FROM causal_chain"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY sequence_id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("chain: query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return collectRows(rows)
}

// ScanAll streams every row in insertion order through fn, fetching in
// bounded batches so arbitrarily long histories never load at once. fn
// returning an error stops the scan and surfaces that error.
func (s *Store) ScanAll(ctx context.Context, fn func(Action) error) error {
	var cursor uint64
	for {
		rows, err := s.db.QueryContext(ctx,
			"SELECT "+rowColumns+" FROM causal_chain WHERE sequence_id > $1 ORDER BY sequence_id ASC LIMIT $2",
			cursor, scanBatchSize)
		if err != nil {
			return fmt.Errorf("chain: scan: %w", err)
		}
		batch, err := collectRows(rows)
		_ = rows.Close()
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		for _, a := range batch {
			if err := fn(a); err != nil {
				return err
			}
			cursor = a.SequenceID
		}
		if len(batch) < scanBatchSize {
			return nil
		}
	}
}

// VerifyIntegrity recomputes the full hash chain from row 0 against stored
// state. It reads a committed snapshot and does not block new appends; rows
// appended after the scan started are not covered by this invocation.
func (s *Store) VerifyIntegrity(ctx context.Context) error {
	prev := genesisHash
	return s.ScanAll(ctx, func(a Action) error {
		dataJSON, err := json.Marshal(a.Data)
		if err != nil {
			return &IntegrityError{AtSequence: a.SequenceID, Reason: fmt.Sprintf("unreadable data payload: %v", err)}
		}
		expected, err := computeChainHash(prev, a, dataJSON)
		if err != nil {
			return &IntegrityError{AtSequence: a.SequenceID, Reason: err.Error()}
		}
		if expected != a.ChainHash {
			return &IntegrityError{
				AtSequence: a.SequenceID,
				Reason:     fmt.Sprintf("recomputed hash %s does not match stored %s", expected, a.ChainHash),
			}
		}
		prev = a.ChainHash
		return nil
	})
}

// Size returns the number of persisted rows.
func (s *Store) Size(ctx context.Context) (uint64, error) {
	var n uint64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM causal_chain").Scan(&n); err != nil {
		return 0, fmt.Errorf("chain: size: %w", err)
	}
	return n, nil
}

func collectRows(rows *sql.Rows) ([]Action, error) {
	var out []Action
	for rows.Next() {
		var (
			a        Action
			typ      string
			dataJSON string
		)
		if err := rows.Scan(&a.SequenceID, &a.ActionID, &typ, &a.PlanID, &a.IntentID,
			&a.SessionID, &a.ParentActionID, &a.FunctionName, &a.Timestamp, &dataJSON, &a.ChainHash); err != nil {
			return nil, fmt.Errorf("chain: scan row: %w", err)
		}
		a.Type = ActionType(typ)
		if err := json.Unmarshal([]byte(dataJSON), &a.Data); err != nil {
			return nil, fmt.Errorf("chain: decode data for %s: %w", a.ActionID, err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chain: iterate rows: %w", err)
	}
	return out, nil
}
