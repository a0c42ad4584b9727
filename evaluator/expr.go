// Package evaluator provides rule evaluators for the engine.
//
// ExprEvaluator runs rules written in the expr language
// (github.com/expr-lang/expr). Rule content is either a JSON document with
// an expression field
//
//	{"expression": "amount > 100 && country != \"US\"", "description": "..."}
//
// or a bare expression. The input document's fields are the expression's
// variables and the whole document is also available as input. The result
// may be any value expressible as a document.Value.
package evaluator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/jonwraymond/ruleops/document"
	"github.com/jonwraymond/ruleops/engine"
	"github.com/jonwraymond/ruleops/fault"
	"github.com/jonwraymond/ruleops/observe"
)

// InputVar names the variable holding the whole input document.
const InputVar = "input"

// ErrEmptyExpression is returned for rules without an expression.
var ErrEmptyExpression = errors.New("evaluator: expression is empty")

// Config configures an ExprEvaluator.
type Config struct {
	// Options are extra compile options, such as expr.Function.
	Options []expr.Option

	// Logger receives compile diagnostics.
	// Default: observe.NopLogger()
	Logger observe.Logger
}

// Source is the JSON form of an expr rule.
type Source struct {
	Expression  string `json:"expression"`
	Description string `json:"description,omitempty"`
}

type programKey struct {
	id       string
	checksum uint64
}

type program struct {
	src  Source
	prog *vm.Program
}

// ExprEvaluator implements engine.Evaluator with expr-lang. Compiled
// programs are cached per rule id and content checksum; a rule whose
// content changes is recompiled on its next evaluation.
type ExprEvaluator struct {
	opts   []expr.Option
	logger observe.Logger

	mu       sync.RWMutex
	programs map[programKey]*program
	compiles int64
}

var _ engine.Evaluator = (*ExprEvaluator)(nil)

// New creates an ExprEvaluator.
func New(cfg Config) *ExprEvaluator {
	if cfg.Logger == nil {
		cfg.Logger = observe.NopLogger()
	}
	// Env turns strict mode on, so it must come before
	// AllowUndefinedVariables.
	opts := make([]expr.Option, 0, len(cfg.Options)+2)
	opts = append(opts, expr.Env(map[string]any{}))
	opts = append(opts, cfg.Options...)
	opts = append(opts, expr.AllowUndefinedVariables())
	return &ExprEvaluator{
		opts:     opts,
		logger:   cfg.Logger,
		programs: make(map[programKey]*program),
	}
}

// Evaluate runs rule against input.
func (e *ExprEvaluator) Evaluate(ctx context.Context, rule engine.Rule, input document.Value) (engine.Evaluation, error) {
	if err := ctx.Err(); err != nil {
		return engine.Evaluation{}, err
	}
	p, err := e.program(ctx, rule)
	if err != nil {
		return engine.Evaluation{}, err
	}

	start := time.Now()
	out, err := expr.Run(p.prog, env(input))
	if err != nil {
		return engine.Evaluation{}, fmt.Errorf("evaluator: run rule %s: %w", rule.ID, err)
	}
	result, err := document.FromAny(out)
	if err != nil {
		return engine.Evaluation{}, fmt.Errorf("evaluator: rule %s result: %w", rule.ID, err)
	}
	return engine.Evaluation{
		Result:  result,
		Elapsed: time.Since(start),
		Trace:   p.src,
	}, nil
}

// Compile parses and compiles content without caching it.
func (e *ExprEvaluator) Compile(content []byte) (Source, error) {
	src, err := ParseSource(content)
	if err != nil {
		return Source{}, err
	}
	if _, err := expr.Compile(src.Expression, e.opts...); err != nil {
		return Source{}, err
	}
	return src, nil
}

// Forget drops the compiled programs of a rule.
func (e *ExprEvaluator) Forget(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for k := range e.programs {
		if k.id == id {
			delete(e.programs, k)
		}
	}
}

// Len returns the number of cached programs.
func (e *ExprEvaluator) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.programs)
}

// Compiles returns how many programs have been compiled.
func (e *ExprEvaluator) Compiles() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.compiles
}

func (e *ExprEvaluator) program(ctx context.Context, rule engine.Rule) (*program, error) {
	key := programKey{id: rule.ID, checksum: rule.Metadata.Checksum}

	e.mu.RLock()
	p, ok := e.programs[key]
	e.mu.RUnlock()
	if ok {
		return p, nil
	}

	src, err := ParseSource(rule.Content)
	if err != nil {
		return nil, fault.New(fault.KindInvalidInput, "evaluator.compile", rule.ID, err)
	}
	prog, err := expr.Compile(src.Expression, e.opts...)
	if err != nil {
		e.logger.Warn(ctx, "rule does not compile",
			observe.F("rule.id", rule.ID),
			observe.F("error", err.Error()),
		)
		return nil, fault.New(fault.KindInvalidInput, "evaluator.compile", rule.ID, err)
	}
	p = &program{src: src, prog: prog}

	e.mu.Lock()
	defer e.mu.Unlock()
	// Older versions of the rule are no longer reachable.
	for k := range e.programs {
		if k.id == rule.ID && k != key {
			delete(e.programs, k)
		}
	}
	e.programs[key] = p
	e.compiles++
	return p, nil
}

// ParseSource reads rule content: a JSON object with an expression field,
// or a bare expression. Objects without an expression field are read as map
// literals.
func ParseSource(content []byte) (Source, error) {
	trimmed := bytes.TrimSpace(content)
	src := Source{Expression: string(trimmed)}
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var fields map[string]json.RawMessage
		if json.Unmarshal(trimmed, &fields) == nil {
			if _, ok := fields["expression"]; ok {
				src = Source{}
				if err := json.Unmarshal(trimmed, &src); err != nil {
					return Source{}, fmt.Errorf("evaluator: parse rule: %w", err)
				}
			}
		}
	}
	if src.Expression == "" {
		return Source{}, ErrEmptyExpression
	}
	return src, nil
}

// env exposes map fields as variables and the whole document as input.
func env(input document.Value) map[string]any {
	out := make(map[string]any)
	if m, ok := input.Any().(map[string]any); ok {
		out = m
	}
	out[InputVar] = input.Any()
	return out
}
