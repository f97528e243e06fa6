// Package budget provides per-run resource accounting with fail-closed
// enforcement. Consumption is tracked across several dimensions; each
// dimension carries its own exhaustion policy.
package budget

import (
	"errors"
	"fmt"
)

// Dimension identifies one tracked resource.
type Dimension string

const (
	DimSteps         Dimension = "steps"
	DimWallClock     Dimension = "wall_clock_ms"
	DimLLMTokens     Dimension = "llm_tokens"
	DimCost          Dimension = "cost_usd"
	DimNetworkEgress Dimension = "network_egress_bytes"
	DimStorageWrite  Dimension = "storage_write_bytes"
)

// Dimensions lists every dimension in canonical check order.
func Dimensions() []Dimension {
	return []Dimension{DimSteps, DimWallClock, DimLLMTokens, DimCost, DimNetworkEgress, DimStorageWrite}
}

// ExhaustionPolicy is the action taken when a dimension reaches its limit.
type ExhaustionPolicy string

const (
	// HardStop fails the run immediately.
	HardStop ExhaustionPolicy = "hard_stop"
	// ApprovalRequired pauses the run until a human or policy authority
	// extends the budget.
	ApprovalRequired ExhaustionPolicy = "approval_required"
	// SoftWarn records a warning and lets execution continue.
	SoftWarn ExhaustionPolicy = "soft_warn"
)

// Valid reports whether p is a known policy.
func (p ExhaustionPolicy) Valid() bool {
	switch p {
	case HardStop, ApprovalRequired, SoftWarn:
		return true
	}
	return false
}

// Limits is the immutable-per-run ceiling for each dimension, set at run
// creation and raised only through an approved extension. Zero means
// unlimited for that dimension. Cost is tracked in micro-USD so
// comparisons stay exact.
type Limits struct {
	Steps              int64 `json:"steps" yaml:"steps"`
	WallClockMS        int64 `json:"wall_clock_ms" yaml:"wall_clock_ms"`
	LLMTokens          int64 `json:"llm_tokens" yaml:"llm_tokens"`
	CostMicroUSD       int64 `json:"cost_micro_usd" yaml:"cost_micro_usd"`
	NetworkEgressBytes int64 `json:"network_egress_bytes" yaml:"network_egress_bytes"`
	StorageWriteBytes  int64 `json:"storage_write_bytes" yaml:"storage_write_bytes"`
}

// Value returns the ceiling for d.
func (l Limits) Value(d Dimension) int64 {
	switch d {
	case DimSteps:
		return l.Steps
	case DimWallClock:
		return l.WallClockMS
	case DimLLMTokens:
		return l.LLMTokens
	case DimCost:
		return l.CostMicroUSD
	case DimNetworkEgress:
		return l.NetworkEgressBytes
	case DimStorageWrite:
		return l.StorageWriteBytes
	}
	return 0
}

func (l *Limits) add(d Dimension, v int64) {
	switch d {
	case DimSteps:
		l.Steps += v
	case DimWallClock:
		l.WallClockMS += v
	case DimLLMTokens:
		l.LLMTokens += v
	case DimCost:
		l.CostMicroUSD += v
	case DimNetworkEgress:
		l.NetworkEgressBytes += v
	case DimStorageWrite:
		l.StorageWriteBytes += v
	}
}

// AsMap serializes limits for ledger payloads.
func (l Limits) AsMap() map[string]any {
	return map[string]any{
		string(DimSteps):         l.Steps,
		string(DimWallClock):     l.WallClockMS,
		string(DimLLMTokens):     l.LLMTokens,
		string(DimCost):          l.CostMicroUSD,
		string(DimNetworkEgress): l.NetworkEgressBytes,
		string(DimStorageWrite):  l.StorageWriteBytes,
	}
}

// LimitsFromMap rebuilds limits from a ledger payload.
func LimitsFromMap(m map[string]any) Limits {
	return Limits{
		Steps:              intFromAny(m[string(DimSteps)]),
		WallClockMS:        intFromAny(m[string(DimWallClock)]),
		LLMTokens:          intFromAny(m[string(DimLLMTokens)]),
		CostMicroUSD:       intFromAny(m[string(DimCost)]),
		NetworkEgressBytes: intFromAny(m[string(DimNetworkEgress)]),
		StorageWriteBytes:  intFromAny(m[string(DimStorageWrite)]),
	}
}

// Usage carries actual or estimated consumption for one capability call.
// Wall clock is never accumulated here; it derives from the budget window.
type Usage struct {
	Steps              int64 `json:"steps,omitempty"`
	LLMTokens          int64 `json:"llm_tokens,omitempty"`
	CostMicroUSD       int64 `json:"cost_micro_usd,omitempty"`
	NetworkEgressBytes int64 `json:"network_egress_bytes,omitempty"`
	StorageWriteBytes  int64 `json:"storage_write_bytes,omitempty"`
}

// Value returns the usage for d (always 0 for wall clock).
func (u Usage) Value(d Dimension) int64 {
	switch d {
	case DimSteps:
		return u.Steps
	case DimLLMTokens:
		return u.LLMTokens
	case DimCost:
		return u.CostMicroUSD
	case DimNetworkEgress:
		return u.NetworkEgressBytes
	case DimStorageWrite:
		return u.StorageWriteBytes
	}
	return 0
}

// IsZero reports whether no dimension carries usage.
func (u Usage) IsZero() bool {
	return u == Usage{}
}

func (u *Usage) addUsage(v Usage) {
	u.Steps += v.Steps
	u.LLMTokens += v.LLMTokens
	u.CostMicroUSD += v.CostMicroUSD
	u.NetworkEgressBytes += v.NetworkEgressBytes
	u.StorageWriteBytes += v.StorageWriteBytes
}

func (u *Usage) subUsageClamped(v Usage) {
	u.Steps = max(0, u.Steps-v.Steps)
	u.LLMTokens = max(0, u.LLMTokens-v.LLMTokens)
	u.CostMicroUSD = max(0, u.CostMicroUSD-v.CostMicroUSD)
	u.NetworkEgressBytes = max(0, u.NetworkEgressBytes-v.NetworkEgressBytes)
	u.StorageWriteBytes = max(0, u.StorageWriteBytes-v.StorageWriteBytes)
}

// AsMap serializes usage for ledger payloads, omitting zero dimensions.
func (u Usage) AsMap() map[string]any {
	m := map[string]any{}
	for _, d := range Dimensions() {
		if d == DimWallClock {
			continue
		}
		if v := u.Value(d); v != 0 {
			m[string(d)] = v
		}
	}
	return m
}

// UsageFromMap rebuilds usage from a ledger payload.
func UsageFromMap(m map[string]any) Usage {
	return Usage{
		Steps:              intFromAny(m[string(DimSteps)]),
		LLMTokens:          intFromAny(m[string(DimLLMTokens)]),
		CostMicroUSD:       intFromAny(m[string(DimCost)]),
		NetworkEgressBytes: intFromAny(m[string(DimNetworkEgress)]),
		StorageWriteBytes:  intFromAny(m[string(DimStorageWrite)]),
	}
}

// Policies assigns an exhaustion policy per dimension.
type Policies struct {
	Steps         ExhaustionPolicy `json:"steps" yaml:"steps"`
	WallClock     ExhaustionPolicy `json:"wall_clock_ms" yaml:"wall_clock_ms"`
	LLMTokens     ExhaustionPolicy `json:"llm_tokens" yaml:"llm_tokens"`
	Cost          ExhaustionPolicy `json:"cost_usd" yaml:"cost_usd"`
	NetworkEgress ExhaustionPolicy `json:"network_egress_bytes" yaml:"network_egress_bytes"`
	StorageWrite  ExhaustionPolicy `json:"storage_write_bytes" yaml:"storage_write_bytes"`
}

// DefaultPolicies hard-stops everything except LLM tokens, which pause the
// run for approval so a human can decide whether to extend.
func DefaultPolicies() Policies {
	return Policies{
		Steps:         HardStop,
		WallClock:     HardStop,
		LLMTokens:     ApprovalRequired,
		Cost:          HardStop,
		NetworkEgress: HardStop,
		StorageWrite:  HardStop,
	}
}

// For returns the policy for d.
func (p Policies) For(d Dimension) ExhaustionPolicy {
	switch d {
	case DimSteps:
		return p.Steps
	case DimWallClock:
		return p.WallClock
	case DimLLMTokens:
		return p.LLMTokens
	case DimCost:
		return p.Cost
	case DimNetworkEgress:
		return p.NetworkEgress
	case DimStorageWrite:
		return p.StorageWrite
	}
	return HardStop
}

// Validate rejects unknown policy names.
func (p Policies) Validate() error {
	for _, d := range Dimensions() {
		if !p.For(d).Valid() {
			return fmt.Errorf("budget: invalid policy %q for dimension %s", p.For(d), d)
		}
	}
	return nil
}

// AsMap serializes policies for ledger payloads.
func (p Policies) AsMap() map[string]any {
	m := map[string]any{}
	for _, d := range Dimensions() {
		m[string(d)] = string(p.For(d))
	}
	return m
}

// PoliciesFromMap rebuilds policies from a ledger payload, falling back to
// defaults for absent dimensions.
func PoliciesFromMap(m map[string]any) Policies {
	p := DefaultPolicies()
	set := func(dst *ExhaustionPolicy, d Dimension) {
		if s, ok := m[string(d)].(string); ok && ExhaustionPolicy(s).Valid() {
			*dst = ExhaustionPolicy(s)
		}
	}
	set(&p.Steps, DimSteps)
	set(&p.WallClock, DimWallClock)
	set(&p.LLMTokens, DimLLMTokens)
	set(&p.Cost, DimCost)
	set(&p.NetworkEgress, DimNetworkEgress)
	set(&p.StorageWrite, DimStorageWrite)
	return p
}

// Outcome orders check results: Exhausted > Warning > Ok.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeWarning
	OutcomeExhausted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeWarning:
		return "warning"
	case OutcomeExhausted:
		return "exhausted"
	}
	return "unknown"
}

// CheckResult is the pre-call admission verdict. For Warning and Exhausted
// it names the deciding dimension with a consumed/limit snapshot so
// rejections can be rendered upstream.
type CheckResult struct {
	Outcome   Outcome          `json:"outcome"`
	Dimension Dimension        `json:"dimension,omitempty"`
	Percent   int              `json:"percent,omitempty"`
	Policy    ExhaustionPolicy `json:"policy,omitempty"`
	Consumed  int64            `json:"consumed,omitempty"`
	Limit     int64            `json:"limit,omitempty"`
}

// Crossing reports a warning threshold crossed for the first time this run.
type Crossing struct {
	Dimension Dimension
	Percent   int
	Consumed  int64
	Limit     int64
}

// ExhaustedError carries the structured rejection detail required by the
// governance gate.
type ExhaustedError struct {
	Dimension Dimension
	Policy    ExhaustionPolicy
	Consumed  int64
	Limit     int64
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("budget: %s exhausted (%d/%d, policy %s)", e.Dimension, e.Consumed, e.Limit, e.Policy)
}

// ErrExhausted matches any ExhaustedError via errors.Is.
var ErrExhausted = errors.New("budget: exhausted")

func (e *ExhaustedError) Is(target error) bool { return target == ErrExhausted }

// intFromAny tolerates the number types JSON and YAML decoding produce.
func intFromAny(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	case uint64:
		return int64(n)
	}
	return 0
}
