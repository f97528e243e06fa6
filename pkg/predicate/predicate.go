// Package predicate compiles and evaluates run completion predicates.
//
// A predicate is a CEL expression over the run's recorded trace. The
// expression sees four variables:
//
//	steps     (int)          number of capability calls recorded so far
//	succeeded (list<string>) function names of calls that reported success
//	failed    (list<string>) function names of calls that reported failure
//	actions   (dyn)          the raw trace rows, newest last
//
// Expressions are compiled once at construction so a malformed predicate is
// rejected before the run starts, never mid-flight.
package predicate

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/Mindburn-Labs/keel/pkg/chain"
)

var (
	envOnce sync.Once
	env     *cel.Env
	envErr  error
)

func traceEnv() (*cel.Env, error) {
	envOnce.Do(func() {
		env, envErr = cel.NewEnv(
			cel.Variable("steps", cel.IntType),
			cel.Variable("succeeded", cel.ListType(cel.StringType)),
			cel.Variable("failed", cel.ListType(cel.StringType)),
			cel.Variable("actions", cel.DynType),
		)
	})
	return env, envErr
}

// Predicate is a compiled completion condition.
type Predicate struct {
	expr string
	prg  cel.Program
}

// Compile parses and type-checks expr against the trace environment.
func Compile(expr string) (*Predicate, error) {
	e, err := traceEnv()
	if err != nil {
		return nil, fmt.Errorf("predicate: environment: %w", err)
	}
	ast, issues := e.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("predicate: compile %q: %w", expr, issues.Err())
	}
	prg, err := e.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("predicate: program %q: %w", expr, err)
	}
	return &Predicate{expr: expr, prg: prg}, nil
}

// MustCompile is Compile for expressions known valid at build time.
func MustCompile(expr string) *Predicate {
	p, err := Compile(expr)
	if err != nil {
		panic(err)
	}
	return p
}

// Never returns the predicate that is never satisfied. Runs carrying it end
// only through cancellation, failure, or an explicit external completion.
func Never() *Predicate {
	return MustCompile("false")
}

// CapabilitySucceeded is satisfied once a call to name has reported success.
func CapabilitySucceeded(name string) *Predicate {
	return MustCompile(fmt.Sprintf("%q in succeeded", name))
}

// AllOf combines expressions with logical AND.
func AllOf(exprs ...string) (*Predicate, error) {
	return Compile(joinExprs(exprs, "&&", "true"))
}

// AnyOf combines expressions with logical OR.
func AnyOf(exprs ...string) (*Predicate, error) {
	return Compile(joinExprs(exprs, "||", "false"))
}

func joinExprs(exprs []string, op, empty string) string {
	if len(exprs) == 0 {
		return empty
	}
	out := "(" + exprs[0] + ")"
	for _, e := range exprs[1:] {
		out += " " + op + " (" + e + ")"
	}
	return out
}

// Expr returns the source expression, for ledger payloads and logs.
func (p *Predicate) Expr() string { return p.expr }

// Satisfied evaluates the predicate over the run's trace.
func (p *Predicate) Satisfied(trace []chain.Action) (bool, error) {
	out, _, err := p.prg.Eval(traceInput(trace))
	if err != nil {
		return false, fmt.Errorf("predicate: eval %q: %w", p.expr, err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("predicate: %q did not evaluate to bool", p.expr)
	}
	return val, nil
}

func traceInput(trace []chain.Action) map[string]any {
	var (
		steps     int64
		succeeded = []string{}
		failed    = []string{}
		rows      = make([]map[string]any, 0, len(trace))
	)
	for _, a := range trace {
		if a.Type == chain.ActionCapabilityCall {
			steps++
			switch outcome(a) {
			case "success":
				succeeded = append(succeeded, a.FunctionName)
			case "failure":
				failed = append(failed, a.FunctionName)
			}
		}
		rows = append(rows, map[string]any{
			"type":          string(a.Type),
			"function_name": a.FunctionName,
			"action_id":     a.ActionID,
			"timestamp":     a.Timestamp,
			"data":          a.Data,
		})
	}
	return map[string]any{
		"steps":     steps,
		"succeeded": succeeded,
		"failed":    failed,
		"actions":   rows,
	}
}

func outcome(a chain.Action) string {
	if a.Data == nil {
		return ""
	}
	s, _ := a.Data["outcome"].(string)
	return s
}
