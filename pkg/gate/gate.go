// Package gate is the single admission checkpoint between an orchestrator
// and the capability executor. It composes run-state checks with budget
// pre-call checks, hands out correlation tokens for admitted calls, and
// feeds reported usage back into the ledger.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/keel/pkg/artifacts"
	"github.com/Mindburn-Labs/keel/pkg/budget"
	"github.com/Mindburn-Labs/keel/pkg/run"
)

// inlineOutputLimit is the largest call output recorded inline; anything
// bigger goes to the artifact store and the ledger row keeps the reference.
const inlineOutputLimit = 4096

// fallbackBytesPerToken approximates token counts from serialized payload
// size when a provider reports no usage.
const fallbackBytesPerToken = 4

var (
	// ErrUnknownToken is returned when usage is reported against a token the
	// gate never issued or has already settled.
	ErrUnknownToken = errors.New("gate: unknown correlation token")
	// ErrThrottled is returned when the admission rate limit is hit.
	ErrThrottled = errors.New("gate: admission rate limit exceeded")
)

// Request describes one capability call awaiting admission.
type Request struct {
	RunID        string
	FunctionName string
	Estimate     budget.Usage
	// Communication marks the narrow class of calls allowed while a run is
	// paused, so the system can explain why it paused.
	Communication bool
}

// Decision is an admitted call. Token correlates the later usage report.
type Decision struct {
	Token  string
	Result budget.CheckResult
}

// Report carries the executor's account of what an admitted call actually
// consumed. If Usage is empty the gate estimates tokens from the payload
// sizes and marks the recorded figure as estimated. Output is the captured
// call output, if any; large outputs are stored as artifacts.
type Report struct {
	Usage       budget.Usage
	Outcome     string
	InputBytes  int64
	OutputBytes int64
	Output      []byte
}

// Gate fronts a run manager.
type Gate struct {
	mgr     *run.Manager
	logger  *slog.Logger
	limiter *rate.Limiter
	blobs   *artifacts.Store

	mu      sync.Mutex
	pending map[string]*run.Admission
}

// New creates a gate over the manager.
func New(mgr *run.Manager) *Gate {
	return &Gate{
		mgr:     mgr,
		logger:  slog.Default().With("component", "gate"),
		pending: make(map[string]*run.Admission),
	}
}

// WithArtifacts stores large call outputs out of line.
func (g *Gate) WithArtifacts(store *artifacts.Store) *Gate {
	g.blobs = store
	return g
}

// WithRateLimiter caps the global admission rate.
func (g *Gate) WithRateLimiter(r rate.Limit, burst int) *Gate {
	g.limiter = rate.NewLimiter(r, burst)
	return g
}

// AdmitCall decides one capability call. Rejections carry structured detail
// (dimension, consumed, limit, policy) so they can be rendered upstream.
func (g *Gate) AdmitCall(ctx context.Context, req Request) (*Decision, error) {
	if g.limiter != nil && !g.limiter.Allow() {
		return nil, ErrThrottled
	}

	adm, err := g.mgr.Admit(ctx, req.RunID, req.FunctionName, req.Estimate, req.Communication)
	if err != nil {
		g.logger.Info("call rejected",
			"run_id", req.RunID, "function", req.FunctionName, "error", err)
		return nil, err
	}

	token := uuid.NewString()
	g.mu.Lock()
	g.pending[token] = adm
	g.mu.Unlock()

	if adm.Result.Outcome == budget.OutcomeWarning {
		g.logger.Warn("call admitted near budget limit",
			"run_id", req.RunID, "function", req.FunctionName,
			"dimension", adm.Result.Dimension, "percent", adm.Result.Percent)
	}
	return &Decision{Token: token, Result: adm.Result}, nil
}

// ReportUsage settles an admitted call. Each token settles exactly once; a
// failed report leaves the token pending so the caller can retry it.
func (g *Gate) ReportUsage(ctx context.Context, token string, rep Report) error {
	g.mu.Lock()
	adm, ok := g.pending[token]
	if ok {
		delete(g.pending, token)
	}
	g.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownToken, token)
	}

	c := run.Consumption{Usage: rep.Usage, Outcome: rep.Outcome}
	if c.Usage.IsZero() {
		c.Usage, c.Estimated = estimateUsage(rep), true
	}
	if g.blobs != nil && len(rep.Output) > inlineOutputLimit {
		ref, err := g.blobs.Put(rep.Output)
		if err != nil {
			g.restore(token, adm)
			return fmt.Errorf("gate: store output artifact: %w", err)
		}
		c.OutputRef = ref
	}
	if err := g.mgr.RecordConsumption(ctx, adm, c); err != nil {
		g.restore(token, adm)
		return err
	}
	return nil
}

// restore puts a token back after a settle failed before anything durable
// happened, so the report can be retried under the same token.
func (g *Gate) restore(token string, adm *run.Admission) {
	g.mu.Lock()
	g.pending[token] = adm
	g.mu.Unlock()
}

// Pending reports how many admitted calls have not settled yet.
func (g *Gate) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

// estimateUsage is the documented fallback when a provider reports nothing:
// one step, tokens approximated from serialized input/output size.
func estimateUsage(rep Report) budget.Usage {
	return budget.Usage{
		Steps:     1,
		LLMTokens: (rep.InputBytes + rep.OutputBytes) / fallbackBytesPerToken,
	}
}
