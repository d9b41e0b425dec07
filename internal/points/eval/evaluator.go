// Package eval runs user-supplied formulas against a read-only
// snapshot of named inputs. The VM resolves only the supplied input
// names; there is no ambient access to the store, network or
// filesystem.
package eval

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/builtin"
	"github.com/expr-lang/expr/parser"
	"github.com/expr-lang/expr/vm"

	points "telemetry-core/internal/points/domain"
)

// FailureKind classifies evaluation failures.
type FailureKind string

const (
	FailureTimeout    FailureKind = "Timeout"
	FailureEvaluation FailureKind = "EvaluationError"
)

// maxErrorLen bounds stored error messages so log growth stays bounded
// and VM internals do not leak into diagnostics.
const maxErrorLen = 200

// Failure is a classified evaluation failure.
type Failure struct {
	Kind    FailureKind
	Message string
}

func (f *Failure) Error() string { return string(f.Kind) + ": " + f.Message }

// Result is the outcome of one evaluation.
type Result struct {
	Value points.Value
	// Coerced notes a lossy numeric normalization (TypeCoercion).
	Coerced  bool
	Failure  *Failure
	Duration time.Duration
}

// compiled is one cached formula: the program plus the free identifiers
// it reads, which the caller must supply as inputs.
type compiled struct {
	program *vm.Program
	idents  []string
}

// Evaluator compiles and runs formulas. Compiled programs are cached
// per formula text; the cache is safe for concurrent use.
type Evaluator struct {
	mu    sync.RWMutex
	cache map[string]*compiled
}

// New constructs an evaluator.
func New() *Evaluator {
	return &Evaluator{cache: make(map[string]*compiled)}
}

// ctxKey is the env name the VM polls for cancellation.
const ctxKey = "__ctx"

func (e *Evaluator) compile(formula string) (*compiled, error) {
	e.mu.RLock()
	c, ok := e.cache[formula]
	e.mu.RUnlock()
	if ok {
		return c, nil
	}
	program, err := expr.Compile(formula, expr.WithContext(ctxKey))
	if err != nil {
		return nil, err
	}
	idents, err := formulaIdents(formula)
	if err != nil {
		return nil, err
	}
	c = &compiled{program: program, idents: idents}
	e.mu.Lock()
	e.cache[formula] = c
	e.mu.Unlock()
	return c, nil
}

// builtinNames indexes the VM's builtin functions so they are never
// mistaken for inputs.
var builtinNames = func() map[string]bool {
	names := make(map[string]bool, len(builtin.Builtins))
	for _, fn := range builtin.Builtins {
		names[fn.Name] = true
	}
	return names
}()

// identCollector gathers identifier reads and let-declared names from
// a parsed formula.
type identCollector struct {
	seen     map[string]bool
	declared map[string]bool
}

func (c *identCollector) Visit(node *ast.Node) {
	switch n := (*node).(type) {
	case *ast.IdentifierNode:
		c.seen[n.Value] = true
	case *ast.VariableDeclaratorNode:
		c.declared[n.Name] = true
	}
}

// formulaIdents lists the free identifiers a formula reads, sorted.
// Builtin functions and let-declared names are not inputs.
func formulaIdents(formula string) ([]string, error) {
	tree, err := parser.Parse(formula)
	if err != nil {
		return nil, err
	}
	c := &identCollector{seen: make(map[string]bool), declared: make(map[string]bool)}
	ast.Walk(&tree.Node, c)
	idents := make([]string, 0, len(c.seen))
	for name := range c.seen {
		if c.declared[name] || builtinNames[name] {
			continue
		}
		idents = append(idents, name)
	}
	sort.Strings(idents)
	return idents, nil
}

// Evaluate runs a formula against the input snapshot with a hard time
// bound. Cancellation is cooperative-with-force: the VM observes the
// context, and a run that ignores it is abandoned at the deadline and
// reported as Timeout.
func (e *Evaluator) Evaluate(ctx context.Context, formula string, inputs map[string]points.Value, declared points.DataType, timeout time.Duration) Result {
	start := time.Now()
	if timeout <= 0 {
		timeout = time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	prog, err := e.compile(formula)
	if err != nil {
		return Result{
			Value:    points.Null(),
			Failure:  &Failure{Kind: FailureEvaluation, Message: truncate(err.Error())},
			Duration: time.Since(start),
		}
	}

	// Only the supplied input names are resolvable. A formula reading
	// anything else fails instead of silently evaluating against nil.
	for _, name := range prog.idents {
		if _, ok := inputs[name]; !ok {
			return Result{
				Value:    points.Null(),
				Failure:  &Failure{Kind: FailureEvaluation, Message: fmt.Sprintf("unknown input %q", name)},
				Duration: time.Since(start),
			}
		}
	}

	env := make(map[string]any, len(inputs)+1)
	for name, value := range inputs {
		env[name] = value.Native()
	}
	env[ctxKey] = runCtx

	type outcome struct {
		raw any
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		raw, runErr := expr.Run(prog.program, env)
		done <- outcome{raw: raw, err: runErr}
	}()

	select {
	case <-runCtx.Done():
		return Result{
			Value:    points.Null(),
			Failure:  &Failure{Kind: FailureTimeout, Message: "formula exceeded " + timeout.String()},
			Duration: time.Since(start),
		}
	case out := <-done:
		duration := time.Since(start)
		if out.err != nil {
			kind := FailureEvaluation
			if runCtx.Err() != nil {
				kind = FailureTimeout
			}
			return Result{
				Value:    points.Null(),
				Failure:  &Failure{Kind: kind, Message: truncate(out.err.Error())},
				Duration: duration,
			}
		}
		value, err := points.FromNative(out.raw)
		if err != nil {
			return Result{
				Value:    points.Null(),
				Failure:  &Failure{Kind: FailureEvaluation, Message: truncate(err.Error())},
				Duration: duration,
			}
		}
		coerced, err := normalize(&value, declared)
		if err != nil {
			return Result{
				Value:    points.Null(),
				Failure:  &Failure{Kind: FailureEvaluation, Message: truncate(err.Error())},
				Duration: duration,
			}
		}
		return Result{Value: value, Coerced: coerced, Duration: duration}
	}
}

// normalize rewrites the value to the declared data type, reporting
// whether the coercion was lossy.
func normalize(value *points.Value, declared points.DataType) (bool, error) {
	if !declared.Valid() || value.IsNull() {
		return false, nil
	}
	coerced, lossy, err := value.Coerce(declared)
	if err != nil {
		return false, err
	}
	*value = coerced
	return lossy, nil
}

func truncate(msg string) string {
	if len(msg) > maxErrorLen {
		return msg[:maxErrorLen]
	}
	return msg
}
