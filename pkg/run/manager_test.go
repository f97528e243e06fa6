package run

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/keel/pkg/budget"
	"github.com/Mindburn-Labs/keel/pkg/chain"
	"github.com/Mindburn-Labs/keel/pkg/predicate"
	"github.com/Mindburn-Labs/keel/pkg/session"
)

func newTestManager(t *testing.T) (*Manager, *chain.Store) {
	t.Helper()
	store, err := chain.OpenMemory(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewManager(store, session.NewMaterializer(store)), store
}

func recordSteps(t *testing.T, m *Manager, runID string, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		adm, err := m.Admit(ctx, runID, "work", budget.Usage{Steps: 1}, false)
		require.NoError(t, err)
		require.NoError(t, m.RecordConsumption(ctx, adm, Consumption{Usage: budget.Usage{Steps: 1}, Outcome: "success"}))
	}
}

func TestCreateRunPersistsCreationAndAllocation(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	r, err := m.CreateRun(ctx, "s1", budget.Limits{Steps: 10}, budget.DefaultPolicies(), nil)
	require.NoError(t, err)
	assert.Equal(t, StateActive, r.State)

	rows, err := store.Query(ctx, chain.Query{SessionID: "s1"})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, chain.ActionRunCreated, rows[0].Type)
	assert.Equal(t, chain.ActionBudgetAllocation, rows[1].Type)
	assert.Equal(t, r.RunID, rows[0].IntentID)
}

func TestSingleActiveRunPerSession(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	first, err := m.CreateRun(ctx, "s1", budget.Limits{}, budget.DefaultPolicies(), predicate.MustCompile("steps >= 1"))
	require.NoError(t, err)

	_, err = m.CreateRun(ctx, "s1", budget.Limits{}, budget.DefaultPolicies(), nil)
	require.ErrorIs(t, err, ErrRunAlreadyActive)

	// A different session is unaffected.
	_, err = m.CreateRun(ctx, "s2", budget.Limits{}, budget.DefaultPolicies(), nil)
	require.NoError(t, err)

	// Once the first run completes, the session can host a new one.
	recordSteps(t, m, first.RunID, 1)
	done, err := m.CompleteIfSatisfied(ctx, first.RunID)
	require.NoError(t, err)
	require.True(t, done)

	_, err = m.CreateRun(ctx, "s1", budget.Limits{}, budget.DefaultPolicies(), nil)
	require.NoError(t, err)
}

func TestNeverPredicateNeverCompletes(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	r, err := m.CreateRun(ctx, "s1", budget.Limits{}, budget.DefaultPolicies(), predicate.Never())
	require.NoError(t, err)

	recordSteps(t, m, r.RunID, 10)
	require.NoError(t, m.PauseForEvent(ctx, r.RunID, "waiting"))
	require.NoError(t, m.SignalExternalEvent(ctx, r.RunID))

	done, err := m.CompleteIfSatisfied(ctx, r.RunID)
	require.NoError(t, err)
	assert.False(t, done)

	got, err := m.Get(r.RunID)
	require.NoError(t, err)
	assert.Equal(t, StateActive, got.State)
}

func TestHardStopExhaustionFailsRun(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	r, err := m.CreateRun(ctx, "s1", budget.Limits{Steps: 3}, budget.DefaultPolicies(), nil)
	require.NoError(t, err)

	recordSteps(t, m, r.RunID, 3)

	_, err = m.Admit(ctx, r.RunID, "work", budget.Usage{Steps: 1}, false)
	require.ErrorIs(t, err, budget.ErrExhausted)

	var exhausted *budget.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, budget.DimSteps, exhausted.Dimension)
	assert.Equal(t, budget.HardStop, exhausted.Policy)

	got, err := m.Get(r.RunID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, got.State)

	// Terminal runs refuse all further admissions.
	_, err = m.Admit(ctx, r.RunID, "work", budget.Usage{Steps: 1}, false)
	require.ErrorIs(t, err, ErrRunNotAdmissible)
}

func TestApprovalRequiredPausesAndNotifies(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	var notifiedRun string
	var notifiedDim budget.Dimension
	m.WithNotifier(NotifierFunc(func(runID string, d budget.Dimension, consumed, limit int64) {
		notifiedRun = runID
		notifiedDim = d
	}))

	r, err := m.CreateRun(ctx, "s1", budget.Limits{LLMTokens: 100}, budget.DefaultPolicies(), nil)
	require.NoError(t, err)

	adm, err := m.Admit(ctx, r.RunID, "think", budget.Usage{LLMTokens: 50}, false)
	require.NoError(t, err)
	require.NoError(t, m.RecordConsumption(ctx, adm, Consumption{Usage: budget.Usage{LLMTokens: 100}, Outcome: "success"}))

	_, err = m.Admit(ctx, r.RunID, "think", budget.Usage{LLMTokens: 10}, false)
	require.ErrorIs(t, err, budget.ErrExhausted)

	got, err := m.Get(r.RunID)
	require.NoError(t, err)
	assert.Equal(t, StatePausedApproval, got.State)
	assert.Equal(t, r.RunID, notifiedRun)
	assert.Equal(t, budget.DimLLMTokens, notifiedDim)

	// Inbound events never resume an approval pause.
	require.ErrorIs(t, m.SignalExternalEvent(ctx, r.RunID), ErrInvalidTransition)

	// Communication calls stay admitted so the pause can be explained.
	_, err = m.Admit(ctx, r.RunID, "notify_user", budget.Usage{}, true)
	require.NoError(t, err)

	got, err = m.Get(r.RunID)
	require.NoError(t, err)
	assert.Equal(t, StatePausedApproval, got.State)

	// The exhaustion that caused the pause is recorded exactly once; the
	// communication admit must not re-enforce it.
	rows, err := store.Query(ctx, chain.Query{SessionID: "s1", IntentID: r.RunID})
	require.NoError(t, err)
	var exhaustedRows int
	for _, a := range rows {
		if a.Type == chain.ActionBudgetExhausted {
			exhaustedRows++
		}
	}
	assert.Equal(t, 1, exhaustedRows)

	// Ordinary calls are refused while paused.
	_, err = m.Admit(ctx, r.RunID, "think", budget.Usage{}, false)
	require.ErrorIs(t, err, ErrRunNotAdmissible)
}

func TestCommunicationAdmittedAfterPauseDespiteExhaustion(t *testing.T) {
	ctx := context.Background()
	store, err := chain.OpenMemory(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	now := time.Now()
	m := NewManager(store, session.NewMaterializer(store)).WithClock(func() time.Time { return now })

	r, err := m.CreateRun(ctx, "s1", budget.Limits{WallClockMS: 60_000}, budget.DefaultPolicies(), nil)
	require.NoError(t, err)
	require.NoError(t, m.PauseForEvent(ctx, r.RunID, "awaiting webhook"))

	// The clock keeps ticking past the wall-clock limit while paused.
	now = now.Add(2 * time.Minute)

	adm, err := m.Admit(ctx, r.RunID, "notify_user", budget.Usage{}, true)
	require.NoError(t, err)
	require.NotEmpty(t, adm.ActionID)

	got, err := m.Get(r.RunID)
	require.NoError(t, err)
	assert.Equal(t, StatePausedExternalEvent, got.State)

	rows, err := store.Query(ctx, chain.Query{SessionID: "s1", IntentID: r.RunID})
	require.NoError(t, err)
	for _, a := range rows {
		assert.NotEqual(t, chain.ActionBudgetExhausted, a.Type)
	}
}

func TestRecordConsumptionWriteFailureKeepsBudgetConsistent(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	r, err := m.CreateRun(ctx, "s1", budget.Limits{Steps: 10}, budget.DefaultPolicies(), nil)
	require.NoError(t, err)

	adm, err := m.Admit(ctx, r.RunID, "work", budget.Usage{Steps: 1}, false)
	require.NoError(t, err)

	require.NoError(t, store.Close())

	err = m.RecordConsumption(ctx, adm, Consumption{Usage: budget.Usage{Steps: 1}, Outcome: "success"})
	require.ErrorIs(t, err, chain.ErrWriteFailed)

	// Nothing was recorded, so totals match what replay would rebuild.
	got, err := m.Get(r.RunID)
	require.NoError(t, err)
	assert.True(t, got.Budget.Consumed().IsZero())

	// The reservation is still held for the retry.
	res := got.Budget.CheckPreCall(budget.Usage{Steps: 10})
	assert.Equal(t, budget.OutcomeExhausted, res.Outcome)
	assert.Equal(t, budget.DimSteps, res.Dimension)
}

func TestExtendBudgetResumesApprovalPause(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	r, err := m.CreateRun(ctx, "s1", budget.Limits{LLMTokens: 100}, budget.DefaultPolicies(), nil)
	require.NoError(t, err)

	adm, err := m.Admit(ctx, r.RunID, "think", budget.Usage{LLMTokens: 100}, false)
	require.NoError(t, err)
	require.NoError(t, m.RecordConsumption(ctx, adm, Consumption{Usage: budget.Usage{LLMTokens: 100}, Outcome: "success"}))
	_, err = m.Admit(ctx, r.RunID, "think", budget.Usage{LLMTokens: 1}, false)
	require.ErrorIs(t, err, budget.ErrExhausted)

	require.NoError(t, m.ExtendBudget(ctx, r.RunID, budget.DimLLMTokens, 900, "ops@corp", "sprint extension"))

	got, err := m.Get(r.RunID)
	require.NoError(t, err)
	assert.Equal(t, StateActive, got.State)

	_, err = m.Admit(ctx, r.RunID, "think", budget.Usage{LLMTokens: 100}, false)
	require.NoError(t, err)
}

func TestDenyApprovalCancelsRun(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	r, err := m.CreateRun(ctx, "s1", budget.Limits{}, budget.DefaultPolicies(), nil)
	require.NoError(t, err)

	require.NoError(t, m.DenyApproval(ctx, r.RunID, "ops@corp", "too expensive"))

	got, err := m.Get(r.RunID)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, got.State)

	// Cancellation of a terminal run is rejected.
	require.ErrorIs(t, m.Cancel(ctx, r.RunID, "again"), ErrInvalidTransition)
}

func TestExternalEventPauseAndResume(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	r, err := m.CreateRun(ctx, "s1", budget.Limits{}, budget.DefaultPolicies(), nil)
	require.NoError(t, err)

	require.NoError(t, m.PauseForEvent(ctx, r.RunID, "awaiting webhook"))
	got, _ := m.Get(r.RunID)
	assert.Equal(t, StatePausedExternalEvent, got.State)

	require.NoError(t, m.SignalExternalEvent(ctx, r.RunID))
	got, _ = m.Get(r.RunID)
	assert.Equal(t, StateActive, got.State)
}

func TestConsumptionPrecedesWarningInLedger(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	r, err := m.CreateRun(ctx, "s1", budget.Limits{Steps: 10}, budget.DefaultPolicies(), nil)
	require.NoError(t, err)

	recordSteps(t, m, r.RunID, 5)

	rows, err := store.Query(ctx, chain.Query{SessionID: "s1"})
	require.NoError(t, err)

	var sawWarning bool
	var lastConsumptionSeq, warningSeq uint64
	for _, a := range rows {
		switch a.Type {
		case chain.ActionBudgetConsumption:
			if !sawWarning {
				lastConsumptionSeq = a.SequenceID
			}
		case chain.ActionBudgetWarning:
			sawWarning = true
			warningSeq = a.SequenceID
		}
	}
	require.True(t, sawWarning)
	assert.Greater(t, warningSeq, lastConsumptionSeq)
}

func TestRebuildFromChainReproducesLiveState(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "chain.db")

	store, err := chain.OpenSQLite(ctx, path)
	require.NoError(t, err)
	m := NewManager(store, session.NewMaterializer(store))

	r, err := m.CreateRun(ctx, "s1", budget.Limits{Steps: 10, LLMTokens: 1000}, budget.DefaultPolicies(), predicate.MustCompile("steps >= 100"))
	require.NoError(t, err)
	recordSteps(t, m, r.RunID, 6)
	live, err := m.Get(r.RunID)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	// Simulated restart: a fresh process over the same file.
	store2, err := chain.OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer store2.Close()
	m2 := NewManager(store2, session.NewMaterializer(store2))
	require.NoError(t, m2.RebuildFromChain(ctx, "s1"))

	rebuilt, err := m2.Get(r.RunID)
	require.NoError(t, err)
	assert.Equal(t, live.State, rebuilt.State)
	assert.Equal(t, live.Budget.Consumed(), rebuilt.Budget.Consumed())
	assert.Equal(t, live.Budget.Limits(), rebuilt.Budget.Limits())

	// The replayed run carries the single-active-run constraint forward.
	_, err = m2.CreateRun(ctx, "s1", budget.Limits{}, budget.DefaultPolicies(), nil)
	require.ErrorIs(t, err, ErrRunAlreadyActive)

	// Already-fired thresholds stay fired after the restart.
	adm, err := m2.Admit(ctx, r.RunID, "work", budget.Usage{Steps: 1}, false)
	require.NoError(t, err)
	require.NoError(t, m2.RecordConsumption(ctx, adm, Consumption{Usage: budget.Usage{Steps: 1}, Outcome: "success"}))
	rows, err := store2.Query(ctx, chain.Query{SessionID: "s1", IntentID: r.RunID})
	require.NoError(t, err)
	var warnings50 int
	for _, a := range rows {
		if a.Type == chain.ActionBudgetWarning && intFrom(a.Data["percent"]) == 50 {
			warnings50++
		}
	}
	assert.Equal(t, 1, warnings50)
}

func TestRebuildTerminalRunFreesSession(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "chain.db")

	store, err := chain.OpenSQLite(ctx, path)
	require.NoError(t, err)
	m := NewManager(store, session.NewMaterializer(store))
	r, err := m.CreateRun(ctx, "s1", budget.Limits{}, budget.DefaultPolicies(), nil)
	require.NoError(t, err)
	require.NoError(t, m.Cancel(ctx, r.RunID, "operator stop"))
	require.NoError(t, store.Close())

	store2, err := chain.OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer store2.Close()
	m2 := NewManager(store2, session.NewMaterializer(store2))

	// CreateRun hydrates the session lazily and sees only a cancelled run.
	_, err = m2.CreateRun(ctx, "s1", budget.Limits{}, budget.DefaultPolicies(), nil)
	require.NoError(t, err)

	rebuilt, err := m2.Get(r.RunID)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, rebuilt.State)
}

func TestUnloadSessionKeepsLiveRuns(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	r, err := m.CreateRun(ctx, "s1", budget.Limits{}, budget.DefaultPolicies(), nil)
	require.NoError(t, err)

	m.UnloadSession("s1")
	_, err = m.Get(r.RunID)
	require.NoError(t, err)

	require.NoError(t, m.Cancel(ctx, r.RunID, "done with it"))
	m.UnloadSession("s1")
	_, err = m.Get(r.RunID)
	require.ErrorIs(t, err, ErrRunNotFound)
}
