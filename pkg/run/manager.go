package run

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/keel/pkg/budget"
	"github.com/Mindburn-Labs/keel/pkg/chain"
	"github.com/Mindburn-Labs/keel/pkg/predicate"
	"github.com/Mindburn-Labs/keel/pkg/session"
)

// Manager coordinates runs, their budgets and the causal chain behind one
// exclusive lock. Admission decisions and the appends they cause are atomic
// with respect to other callers of the same run, so two concurrent calls can
// never both squeeze through the same remaining budget.
type Manager struct {
	store    *chain.Store
	sessions *session.Materializer
	logger   *slog.Logger
	clock    func() time.Time
	notifier ApprovalNotifier

	mu              sync.Mutex
	runs            map[string]*Run
	activeBySession map[string]string
}

// NewManager creates a manager over the given store and materializer.
func NewManager(store *chain.Store, sessions *session.Materializer) *Manager {
	return &Manager{
		store:           store,
		sessions:        sessions,
		logger:          slog.Default().With("component", "run"),
		clock:           time.Now,
		runs:            make(map[string]*Run),
		activeBySession: make(map[string]string),
	}
}

// WithNotifier registers the approval authority contacted when a dimension
// under ApprovalRequired exhausts.
func (m *Manager) WithNotifier(n ApprovalNotifier) *Manager {
	m.notifier = n
	return m
}

// WithClock overrides the time source for testing.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// CreateRun opens a new run for the session with the given budget and
// completion predicate. A session holds at most one non-terminal run;
// violating that returns ErrRunAlreadyActive. The run and its allocation
// are persisted before the run is visible in memory.
func (m *Manager) CreateRun(ctx context.Context, sessionID string, limits budget.Limits, policies budget.Policies, pred *predicate.Predicate) (*Run, error) {
	if err := policies.Validate(); err != nil {
		return nil, err
	}
	if pred == nil {
		pred = predicate.Never()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.hydrateSessionLocked(ctx, sessionID); err != nil {
		return nil, err
	}
	if active, ok := m.activeBySession[sessionID]; ok {
		return nil, fmt.Errorf("%w: session %s run %s", ErrRunAlreadyActive, sessionID, active)
	}

	r := &Run{
		RunID:     uuid.NewString(),
		SessionID: sessionID,
		State:     StateActive,
		Budget:    budget.NewContext(limits, policies).WithClock(m.clock),
		Predicate: pred,
		CreatedAt: m.clock(),
	}

	if _, err := m.appendLocked(ctx, r, chain.Action{
		Type: chain.ActionRunCreated,
		Data: map[string]any{
			"run_id":    r.RunID,
			"predicate": pred.Expr(),
		},
	}); err != nil {
		return nil, err
	}
	if _, err := m.appendLocked(ctx, r, chain.Action{
		Type: chain.ActionBudgetAllocation,
		Data: map[string]any{
			"limits":   limits.AsMap(),
			"policies": policies.AsMap(),
		},
	}); err != nil {
		return nil, err
	}

	m.runs[r.RunID] = r
	m.activeBySession[sessionID] = r.RunID
	m.logger.Info("run created", "run_id", r.RunID, "session_id", sessionID)
	return r, nil
}

// Get returns a snapshot view of the run.
func (m *Manager) Get(runID string) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.runLocked(runID)
	if err != nil {
		return nil, err
	}
	cp := *r
	return &cp, nil
}

// Admit decides whether one capability call may execute. Paused and
// terminal runs refuse everything except calls flagged as communication,
// which stay admitted while paused so the system can explain its pause. An
// admitted call holds a reservation for its estimate until usage is
// reported, and is recorded as a CapabilityCall row before this returns.
func (m *Manager) Admit(ctx context.Context, runID, functionName string, estimate budget.Usage, communication bool) (*Admission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.runLocked(runID)
	if err != nil {
		return nil, err
	}
	if r.State.Terminal() {
		return nil, fmt.Errorf("%w: run %s is %s", ErrRunNotAdmissible, runID, r.State)
	}
	if r.State != StateActive {
		if !communication {
			return nil, fmt.Errorf("%w: run %s is %s", ErrRunNotAdmissible, runID, r.State)
		}
		// A paused run usually got there because a dimension hit its
		// limit; communication calls bypass the budget check entirely so
		// the pause itself cannot be re-enforced, and hold no reservation.
		a, err := m.appendLocked(ctx, r, chain.Action{
			Type:         chain.ActionCapabilityCall,
			FunctionName: functionName,
			Data: map[string]any{
				"estimate":      estimate.AsMap(),
				"communication": true,
			},
		})
		if err != nil {
			return nil, err
		}
		return &Admission{RunID: runID, ActionID: a.ActionID}, nil
	}

	res := r.Budget.CheckPreCall(estimate)
	if res.Outcome == budget.OutcomeExhausted {
		if res.Policy == budget.SoftWarn {
			// Soft dimensions warn and keep going.
			if err := m.appendWarningLocked(ctx, r, budget.Crossing{
				Dimension: res.Dimension,
				Percent:   res.Percent,
				Consumed:  res.Consumed,
				Limit:     res.Limit,
			}); err != nil {
				return nil, err
			}
		} else {
			if err := m.enforceLocked(ctx, r, res); err != nil {
				return nil, err
			}
			return nil, &budget.ExhaustedError{
				Dimension: res.Dimension,
				Policy:    res.Policy,
				Consumed:  res.Consumed,
				Limit:     res.Limit,
			}
		}
	}

	a, err := m.appendLocked(ctx, r, chain.Action{
		Type:         chain.ActionCapabilityCall,
		FunctionName: functionName,
		Data: map[string]any{
			"estimate":      estimate.AsMap(),
			"communication": communication,
		},
	})
	if err != nil {
		return nil, err
	}

	r.Budget.Reserve(estimate)
	return &Admission{
		RunID:    runID,
		ActionID: a.ActionID,
		Estimate: estimate,
		Result:   res,
	}, nil
}

// Consumption is the settled account of one admitted call. OutputRef, when
// set, points at an artifact holding the call's large output; the ledger
// row only ever carries the reference.
type Consumption struct {
	Usage     budget.Usage
	Outcome   string
	Estimated bool
	OutputRef string
}

// RecordConsumption adds the actual usage to the run's totals, persists the
// delta with the remaining budget, then releases the admission's
// reservation. Threshold crossings append one BudgetWarning row each, after
// the consumption row that caused them.
//
// An error means the consumption row is not durable: in-memory totals are
// rolled back and the reservation stays held, so the caller can retry the
// same report.
func (m *Manager) RecordConsumption(ctx context.Context, adm *Admission, c Consumption) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.runLocked(adm.RunID)
	if err != nil {
		return err
	}

	crossings := r.Budget.Record(c.Usage)

	data := map[string]any{
		"delta":     c.Usage.AsMap(),
		"remaining": r.Budget.Remaining(),
		"outcome":   c.Outcome,
		"estimated": c.Estimated,
	}
	if c.OutputRef != "" {
		data["output_ref"] = c.OutputRef
	}
	if _, err := m.appendLocked(ctx, r, chain.Action{
		Type:           chain.ActionBudgetConsumption,
		ParentActionID: adm.ActionID,
		Data:           data,
	}); err != nil {
		r.Budget.Rollback(c.Usage, crossings)
		return err
	}
	r.Budget.Release(adm.Estimate)

	// The consumption row is durable from here on; a returned error would
	// make a retry double-record, so warning rows only log on failure.
	for _, cr := range crossings {
		if err := m.appendWarningLocked(ctx, r, cr); err != nil {
			m.logger.Error("budget warning row not persisted",
				"run_id", r.RunID, "dimension", cr.Dimension, "percent", cr.Percent, "error", err)
		}
	}
	return nil
}

// ExtendBudget raises one dimension's limit after approval and resumes the
// run if it was paused waiting for that approval. Resuming restarts the
// wall-clock window.
func (m *Manager) ExtendBudget(ctx context.Context, runID string, d budget.Dimension, additional int64, approvedBy, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.runLocked(runID)
	if err != nil {
		return err
	}
	if r.State.Terminal() {
		return &TransitionError{RunID: runID, From: r.State, To: StateActive}
	}

	r.Budget.Extend(d, additional)
	if _, err := m.appendLocked(ctx, r, chain.Action{
		Type: chain.ActionBudgetExtended,
		Data: map[string]any{
			"dimension":   string(d),
			"amount":      additional,
			"approved_by": approvedBy,
			"reason":      reason,
		},
	}); err != nil {
		return err
	}

	if r.State == StatePausedApproval {
		if err := m.transitionLocked(ctx, r, StateActive, "budget extended by "+approvedBy); err != nil {
			return err
		}
		r.Budget.ResetWindow()
	}
	return nil
}

// DenyApproval cancels a run whose approval request was refused.
func (m *Manager) DenyApproval(ctx context.Context, runID, deniedBy, reason string) error {
	return m.Cancel(ctx, runID, fmt.Sprintf("approval denied by %s: %s", deniedBy, reason))
}

// Cancel terminates the run from any non-terminal state. Admissions already
// granted keep executing externally; every future admission is refused.
func (m *Manager) Cancel(ctx context.Context, runID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.runLocked(runID)
	if err != nil {
		return err
	}
	if r.State.Terminal() {
		return &TransitionError{RunID: runID, From: r.State, To: StateCancelled}
	}

	if _, err := m.appendLocked(ctx, r, chain.Action{
		Type: chain.ActionRunCancelled,
		Data: map[string]any{
			"from":   string(r.State),
			"reason": reason,
		},
	}); err != nil {
		return err
	}
	m.finishLocked(r, StateCancelled)
	m.logger.Info("run cancelled", "run_id", runID, "reason", reason)
	return nil
}

// Fail terminates the run after an unrecoverable execution error.
func (m *Manager) Fail(ctx context.Context, runID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.runLocked(runID)
	if err != nil {
		return err
	}
	return m.transitionLocked(ctx, r, StateFailed, reason)
}

// PauseForEvent parks an active run until an external signal arrives.
func (m *Manager) PauseForEvent(ctx context.Context, runID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.runLocked(runID)
	if err != nil {
		return err
	}
	return m.transitionLocked(ctx, r, StatePausedExternalEvent, reason)
}

// SignalExternalEvent resumes a run paused on an external event. Pauses
// waiting for approval are not resumable this way; only an approval or
// extension does that.
func (m *Manager) SignalExternalEvent(ctx context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.runLocked(runID)
	if err != nil {
		return err
	}
	if r.State != StatePausedExternalEvent {
		return &TransitionError{RunID: runID, From: r.State, To: StateActive}
	}
	if err := m.transitionLocked(ctx, r, StateActive, "external event"); err != nil {
		return err
	}
	r.Budget.ResetWindow()
	return nil
}

// CompleteIfSatisfied evaluates the run's completion predicate over its
// recorded trace and transitions to Done when it holds. Only active runs
// complete; paused runs have decisions pending.
func (m *Manager) CompleteIfSatisfied(ctx context.Context, runID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.runLocked(runID)
	if err != nil {
		return false, err
	}
	if r.State != StateActive {
		return false, nil
	}

	ok, err := r.Predicate.Satisfied(m.traceLocked(r))
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if err := m.transitionLocked(ctx, r, StateDone, "completion predicate satisfied"); err != nil {
		return false, err
	}
	return true, nil
}

// RebuildFromChain rehydrates every run recorded for the session by folding
// its ledger rows in sequence order, then resets the budget windows of runs
// that come back non-terminal. This is the restart path; it is also invoked
// lazily by CreateRun for sessions not yet in memory.
func (m *Manager) RebuildFromChain(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rebuildLocked(ctx, sessionID)
}

// UnloadSession evicts the session's working set and its terminal runs from
// memory. Sessions with a live run are left loaded.
func (m *Manager) UnloadSession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.activeBySession[sessionID]; ok {
		return
	}
	for id, r := range m.runs {
		if r.SessionID == sessionID {
			delete(m.runs, id)
		}
	}
	m.sessions.UnloadSession(sessionID)
}

func (m *Manager) runLocked(runID string) (*Run, error) {
	r, ok := m.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return r, nil
}

// hydrateSessionLocked makes sure the session's history is materialized and
// folded before any decision about it is taken.
func (m *Manager) hydrateSessionLocked(ctx context.Context, sessionID string) error {
	if m.sessions.Loaded(sessionID) {
		return nil
	}
	return m.rebuildLocked(ctx, sessionID)
}

func (m *Manager) rebuildLocked(ctx context.Context, sessionID string) error {
	if err := m.sessions.LoadSession(ctx, sessionID); err != nil {
		return err
	}

	for _, a := range m.sessions.Actions(sessionID) {
		runID := a.IntentID
		if runID == "" {
			continue
		}
		r := m.runs[runID]

		switch a.Type {
		case chain.ActionRunCreated:
			r = &Run{
				RunID:     runID,
				SessionID: sessionID,
				State:     StateActive,
				Budget:    budget.NewContext(budget.Limits{}, budget.DefaultPolicies()).WithClock(m.clock),
				Predicate: replayPredicate(a.Data, m.logger),
				CreatedAt: time.UnixMilli(a.Timestamp),
			}
			m.runs[runID] = r
		case chain.ActionBudgetAllocation:
			if r == nil {
				continue
			}
			limits := budget.LimitsFromMap(asMap(a.Data["limits"]))
			policies := budget.PoliciesFromMap(asMap(a.Data["policies"]))
			pred := r.Predicate
			created := r.CreatedAt
			*r = Run{
				RunID:     runID,
				SessionID: sessionID,
				State:     r.State,
				Budget:    budget.NewContext(limits, policies).WithClock(m.clock),
				Predicate: pred,
				CreatedAt: created,
			}
		case chain.ActionBudgetConsumption:
			if r == nil {
				continue
			}
			r.Budget.Record(budget.UsageFromMap(asMap(a.Data["delta"])))
		case chain.ActionBudgetWarning:
			if r == nil {
				continue
			}
			d, _ := a.Data["dimension"].(string)
			r.Budget.MarkFired(budget.Dimension(d), int(intFrom(a.Data["percent"])))
		case chain.ActionBudgetExtended:
			if r == nil {
				continue
			}
			d, _ := a.Data["dimension"].(string)
			r.Budget.Extend(budget.Dimension(d), intFrom(a.Data["amount"]))
		case chain.ActionRunTransitioned:
			if r == nil {
				continue
			}
			if to, ok := a.Data["to"].(string); ok && State(to).Valid() {
				r.State = State(to)
			}
		case chain.ActionRunCancelled:
			if r == nil {
				continue
			}
			r.State = StateCancelled
		}
	}

	delete(m.activeBySession, sessionID)
	for _, r := range m.runs {
		if r.SessionID != sessionID {
			continue
		}
		if !r.State.Terminal() {
			m.activeBySession[sessionID] = r.RunID
			r.Budget.ResetWindow()
		}
	}
	return nil
}

// transitionLocked validates the edge, persists it, then mutates memory.
// The ledger row always lands first so the fold in rebuildLocked
// reproduces exactly the states the live process saw.
func (m *Manager) transitionLocked(ctx context.Context, r *Run, to State, reason string) error {
	if !validTransition(r.State, to) {
		return &TransitionError{RunID: r.RunID, From: r.State, To: to}
	}
	if _, err := m.appendLocked(ctx, r, chain.Action{
		Type: chain.ActionRunTransitioned,
		Data: map[string]any{
			"from":   string(r.State),
			"to":     string(to),
			"reason": reason,
		},
	}); err != nil {
		return err
	}
	m.logger.Info("run transitioned", "run_id", r.RunID, "from", r.State, "to", to, "reason", reason)
	if to.Terminal() {
		m.finishLocked(r, to)
	} else {
		r.State = to
	}
	return nil
}

func (m *Manager) finishLocked(r *Run, to State) {
	r.State = to
	if m.activeBySession[r.SessionID] == r.RunID {
		delete(m.activeBySession, r.SessionID)
	}
}

// enforceLocked applies the exhausted dimension's policy: HardStop fails
// the run, ApprovalRequired pauses it and notifies the approval authority.
// The BudgetExhausted row precedes the transition it causes.
func (m *Manager) enforceLocked(ctx context.Context, r *Run, res budget.CheckResult) error {
	if _, err := m.appendLocked(ctx, r, chain.Action{
		Type: chain.ActionBudgetExhausted,
		Data: map[string]any{
			"dimension": string(res.Dimension),
			"policy":    string(res.Policy),
			"consumed":  res.Consumed,
			"limit":     res.Limit,
		},
	}); err != nil {
		return err
	}

	switch res.Policy {
	case budget.HardStop:
		return m.transitionLocked(ctx, r, StateFailed,
			fmt.Sprintf("budget exhausted: %s", res.Dimension))
	case budget.ApprovalRequired:
		if err := m.transitionLocked(ctx, r, StatePausedApproval,
			fmt.Sprintf("awaiting approval: %s", res.Dimension)); err != nil {
			return err
		}
		if m.notifier != nil {
			m.notifier.ApprovalRequired(r.RunID, res.Dimension, res.Consumed, res.Limit)
		}
	}
	return nil
}

func (m *Manager) appendWarningLocked(ctx context.Context, r *Run, c budget.Crossing) error {
	_, err := m.appendLocked(ctx, r, chain.Action{
		Type: chain.ActionBudgetWarning,
		Data: map[string]any{
			"dimension": string(c.Dimension),
			"percent":   c.Percent,
			"consumed":  c.Consumed,
			"limit":     c.Limit,
		},
	})
	return err
}

// appendLocked stamps the run's identity onto the row and writes it through
// the materializer so the loaded working set stays current.
func (m *Manager) appendLocked(ctx context.Context, r *Run, a chain.Action) (chain.Action, error) {
	a.ActionID = uuid.NewString()
	a.SessionID = r.SessionID
	a.IntentID = r.RunID
	a.PlanID = r.PlanID
	return m.sessions.AppendAction(ctx, a)
}

// traceLocked is the run's slice of the session working set.
func (m *Manager) traceLocked(r *Run) []chain.Action {
	var out []chain.Action
	for _, a := range m.sessions.Actions(r.SessionID) {
		if a.IntentID == r.RunID {
			out = append(out, a)
		}
	}
	return out
}

func replayPredicate(data map[string]any, logger *slog.Logger) *predicate.Predicate {
	expr, _ := data["predicate"].(string)
	if expr == "" {
		return predicate.Never()
	}
	p, err := predicate.Compile(expr)
	if err != nil {
		logger.Warn("replayed predicate no longer compiles, treating as never",
			"expr", expr, "error", err)
		return predicate.Never()
	}
	return p
}

func asMap(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

func intFrom(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}
