package budget

import (
	"math"
	"time"
)

// Warning thresholds, in percent of the limit. Each fires at most once per
// dimension per run; extending a dimension re-arms its thresholds.
var warnThresholds = []int{50, 80}

type firedKey struct {
	dim     Dimension
	percent int
}

// Context is the runtime budget state for one run. It is not safe for
// concurrent use on its own; the run manager serializes access behind the
// chain lock.
type Context struct {
	limits   Limits
	policies Policies
	consumed Usage
	// reserved holds admitted-but-unreported estimates so two concurrent
	// calls cannot both pass the same remaining headroom.
	reserved        Usage
	windowStartedAt time.Time
	fired           map[firedKey]bool
	clock           func() time.Time
}

// NewContext creates a context with the budget window starting now.
func NewContext(limits Limits, policies Policies) *Context {
	c := &Context{
		limits:   limits,
		policies: policies,
		fired:    make(map[firedKey]bool),
		clock:    time.Now,
	}
	c.windowStartedAt = c.clock()
	return c
}

// WithClock overrides the time source for testing and replay.
func (c *Context) WithClock(clock func() time.Time) *Context {
	c.clock = clock
	c.windowStartedAt = clock()
	return c
}

// Limits returns the current (possibly extended) ceilings.
func (c *Context) Limits() Limits { return c.limits }

// Policies returns the per-dimension exhaustion policies.
func (c *Context) Policies() Policies { return c.policies }

// Consumed returns accumulated usage, excluding wall clock.
func (c *Context) Consumed() Usage { return c.consumed }

// WindowStartedAt returns the start of the current budget window.
func (c *Context) WindowStartedAt() time.Time { return c.windowStartedAt }

// consumedValue is the effective consumption for d right now. Wall clock is
// derived from the window, not accumulated, so resuming a run resets
// elapsed time by resetting the window.
func (c *Context) consumedValue(d Dimension) int64 {
	if d == DimWallClock {
		return c.clock().Sub(c.windowStartedAt).Milliseconds()
	}
	return c.consumed.Value(d)
}

// CheckPreCall compares consumed+reserved+estimate against the limits for
// every dimension. The worst outcome across dimensions wins
// (Exhausted > Warning > Ok). A zero limit means unlimited.
func (c *Context) CheckPreCall(estimate Usage) CheckResult {
	worst := CheckResult{Outcome: OutcomeOK}
	for _, d := range Dimensions() {
		limit := c.limits.Value(d)
		if limit <= 0 {
			continue
		}
		current := c.consumedValue(d) + c.reserved.Value(d)
		projected := current + estimate.Value(d)

		if projected > limit || current >= limit {
			return CheckResult{
				Outcome:   OutcomeExhausted,
				Dimension: d,
				Percent:   percentOf(projected, limit),
				Policy:    c.policies.For(d),
				Consumed:  current,
				Limit:     limit,
			}
		}

		pct := percentOf(projected, limit)
		for i := len(warnThresholds) - 1; i >= 0; i-- {
			th := warnThresholds[i]
			if pct >= th {
				if worst.Outcome < OutcomeWarning || th > worst.Percent {
					worst = CheckResult{
						Outcome:   OutcomeWarning,
						Dimension: d,
						Percent:   th,
						Policy:    c.policies.For(d),
						Consumed:  current,
						Limit:     limit,
					}
				}
				break
			}
		}
	}
	return worst
}

// Reserve holds an admitted estimate against the budget until the actual
// usage is reported.
func (c *Context) Reserve(estimate Usage) {
	c.reserved.addUsage(estimate)
}

// Release returns an unreported reservation (clamped at zero).
func (c *Context) Release(estimate Usage) {
	c.reserved.subUsageClamped(estimate)
}

// Record adds actual usage to the running totals and returns the 50%/80%
// threshold crossings that fired for the first time this run. Consumption
// hovering around a threshold across many small increments still fires each
// threshold exactly once.
func (c *Context) Record(usage Usage) []Crossing {
	c.consumed.addUsage(usage)
	recordConsumptionMetrics(usage)

	var crossings []Crossing
	for _, d := range Dimensions() {
		limit := c.limits.Value(d)
		if limit <= 0 {
			continue
		}
		consumed := c.consumedValue(d)
		pct := percentOf(consumed, limit)
		for _, th := range warnThresholds {
			if pct < th {
				break
			}
			key := firedKey{dim: d, percent: th}
			if c.fired[key] {
				continue
			}
			c.fired[key] = true
			crossings = append(crossings, Crossing{
				Dimension: d,
				Percent:   th,
				Consumed:  consumed,
				Limit:     limit,
			})
		}
	}
	return crossings
}

// Rollback reverses a Record whose ledger row could not be persisted, so
// in-memory totals never drift ahead of what replay reconstructs.
func (c *Context) Rollback(usage Usage, crossings []Crossing) {
	c.consumed.subUsageClamped(usage)
	for _, cr := range crossings {
		delete(c.fired, firedKey{dim: cr.Dimension, percent: cr.Percent})
	}
}

// MarkFired seeds the per-run fired set during chain replay so a resumed
// run does not re-fire thresholds it already warned about.
func (c *Context) MarkFired(d Dimension, percent int) {
	c.fired[firedKey{dim: d, percent: percent}] = true
}

// Extend raises the limit for d and re-arms its warning thresholds.
func (c *Context) Extend(d Dimension, additional int64) {
	c.limits.add(d, additional)
	for _, th := range warnThresholds {
		delete(c.fired, firedKey{dim: d, percent: th})
	}
}

// ResetWindow restarts elapsed-time accounting, used when a paused run
// resumes. Cumulative totals for the other dimensions are untouched.
func (c *Context) ResetWindow() {
	c.windowStartedAt = c.clock()
}

// Remaining returns per-dimension headroom for ledger payloads and
// rejection messages. Unlimited dimensions report 0.
func (c *Context) Remaining() map[string]any {
	m := map[string]any{}
	for _, d := range Dimensions() {
		limit := c.limits.Value(d)
		if limit <= 0 {
			m[string(d)] = int64(0)
			continue
		}
		m[string(d)] = max(0, limit-c.consumedValue(d))
	}
	return m
}

// Snapshot returns consumed/limit for d, for approval notifications and
// rejection detail.
func (c *Context) Snapshot(d Dimension) (consumed, limit int64) {
	return c.consumedValue(d), c.limits.Value(d)
}

func percentOf(v, limit int64) int {
	if limit <= 0 {
		return 0
	}
	// v*100 overflows int64 for byte-sized dimensions near the top of the
	// range; fall back to float division there.
	if v > math.MaxInt64/100 {
		return int(float64(v) / float64(limit) * 100)
	}
	return int(v * 100 / limit)
}
