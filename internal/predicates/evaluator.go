package predicates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/comfortablynumb/pmp-imposter/internal/errs"
	"github.com/comfortablynumb/pmp-imposter/internal/models"
)

// Injector runs user supplied predicate code
type Injector interface {
	Predicate(ctx context.Context, script string, request models.Request, state map[string]interface{}) (bool, error)
}

// Evaluator applies predicates to requests. The state handed to predicate
// injections belongs to the evaluator and is never shared with response
// injection.
type Evaluator struct {
	injector Injector
	mu       sync.Mutex
	state    map[string]interface{}
}

// NewEvaluator creates an evaluator; injector may be nil when injection is unavailable
func NewEvaluator(injector Injector) *Evaluator {
	return &Evaluator{
		injector: injector,
		state:    make(map[string]interface{}),
	}
}

// Compiled is the compiled form of a stub's predicates. Compile problems
// travel with it and are reported by every evaluation.
type Compiled struct {
	node *Node
	err  error
}

// CompilePredicates compiles a stub's predicates. Top-level keys name
// request fields, except for the combinators or, and, not, exists and
// inject, which apply to the request as a whole.
func CompilePredicates(predicates map[string]interface{}) *Compiled {
	if predicates == nil {
		predicates = map[string]interface{}{}
	}
	node, err := compile(predicates, false)
	return &Compiled{node: node, err: err}
}

// Err returns the problems found while compiling
func (c *Compiled) Err() error {
	return c.err
}

// EvaluateAll reports whether every predicate holds for the request. All
// keys are evaluated even after one fails.
func (e *Evaluator) EvaluateAll(ctx context.Context, predicates map[string]interface{}, request models.Request) (bool, error) {
	return e.Match(ctx, CompilePredicates(predicates), request)
}

// Match evaluates compiled predicates against the request
func (e *Evaluator) Match(ctx context.Context, compiled *Compiled, request models.Request) (bool, error) {
	if compiled.node == nil {
		return false, compiled.err
	}

	matched, evalErr := e.eval(ctx, compiled.node, request, true, request)
	if err := errors.Join(compiled.err, evalErr); err != nil {
		return false, err
	}
	return matched, nil
}

// Evaluate applies one raw predicate node to request[fieldName]
func (e *Evaluator) Evaluate(ctx context.Context, fieldName string, raw interface{}, request models.Request) (bool, error) {
	node, compileErr := Compile(raw)
	if node == nil {
		return false, compileErr
	}

	value, present := lookup(map[string]interface{}(request), fieldName, node.CaseSensitive)
	matched, evalErr := e.eval(ctx, node, value, present, request)

	if err := errors.Join(compileErr, evalErr); err != nil {
		return false, err
	}
	return matched, nil
}

func (e *Evaluator) eval(ctx context.Context, node *Node, value interface{}, present bool, root models.Request) (bool, error) {
	value, present = node.transform(value, present)

	matched := true
	var problems []error
	for i := range node.Terms {
		ok, err := e.evalTerm(ctx, node, &node.Terms[i], value, present, root)
		if err != nil {
			problems = append(problems, err)
		}
		if !ok {
			matched = false
		}
	}
	return matched, errors.Join(problems...)
}

func (e *Evaluator) evalTerm(ctx context.Context, node *Node, term *Term, value interface{}, present bool, root models.Request) (bool, error) {
	switch term.Kind {
	case KindIs, KindContains, KindStartsWith, KindEndsWith:
		expected := fold(term.Value, node.CaseSensitive)
		for _, candidate := range candidates(value) {
			if compare(term.Kind, fold(candidate, node.CaseSensitive), expected) {
				return true, nil
			}
		}
		return false, nil

	case KindMatches:
		for _, candidate := range candidates(value) {
			if term.Pattern.MatchString(candidate) {
				return true, nil
			}
		}
		return false, nil

	case KindExists:
		actual := present && value != nil && value != ""
		return actual == term.Exists, nil

	case KindNot:
		ok, err := e.eval(ctx, term.Child, value, present, root)
		return !ok, err

	case KindOr:
		matchedAny := false
		var problems []error
		for _, child := range term.Children {
			ok, err := e.eval(ctx, child, value, present, root)
			if err != nil {
				problems = append(problems, err)
			}
			matchedAny = matchedAny || ok
		}
		return matchedAny, errors.Join(problems...)

	case KindAnd:
		all := true
		var problems []error
		for _, child := range term.Children {
			ok, err := e.eval(ctx, child, value, present, root)
			if err != nil {
				problems = append(problems, err)
			}
			all = all && ok
		}
		return all, errors.Join(problems...)

	case KindInject:
		return e.inject(ctx, term.Script, root)

	case KindField:
		sub, subPresent := lookup(value, term.Field, term.Child.CaseSensitive)
		return e.eval(ctx, term.Child, sub, subPresent, root)

	default:
		return false, errs.InvalidPredicate(fmt.Sprintf("unhandled predicate kind %d", term.Kind), nil)
	}
}

func (e *Evaluator) inject(ctx context.Context, script string, root models.Request) (bool, error) {
	if e.injector == nil {
		return false, errs.Injection("predicate injection is not available", script, nil)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	matched, err := e.injector.Predicate(ctx, script, root.Clone(), e.state)
	if err != nil {
		if errs.HasCode(err, errs.CodeInvalidInjection) {
			return false, err
		}
		return false, errs.Injection("invalid predicate injection", script, err)
	}
	return matched, nil
}

// transform applies the node's selector and except modifiers
func (n *Node) transform(value interface{}, present bool) (interface{}, bool) {
	if n.Selector != nil {
		if !present {
			return nil, false
		}
		selected, ok := n.Selector.Select(stringify(value))
		switch {
		case !ok:
			return nil, false
		case len(selected) == 1:
			value = selected[0]
		default:
			items := make([]interface{}, len(selected))
			for i, item := range selected {
				items[i] = item
			}
			value = items
		}
	}

	if n.Except != nil {
		value = applyExcept(value, n)
	}
	return value, present
}

func applyExcept(value interface{}, n *Node) interface{} {
	switch v := value.(type) {
	case string:
		return n.Except.ReplaceAllString(v, "")
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = applyExcept(item, n)
		}
		return out
	default:
		return value
	}
}

// lookup finds key in a structured value, falling back to a case-insensitive
// key match unless caseSensitive is set
func lookup(container interface{}, key string, caseSensitive bool) (interface{}, bool) {
	var fields map[string]interface{}
	switch c := container.(type) {
	case map[string]interface{}:
		fields = c
	case models.Request:
		fields = c
	case map[string]string:
		fields = make(map[string]interface{}, len(c))
		for k, v := range c {
			fields[k] = v
		}
	default:
		return nil, false
	}

	if value, ok := fields[key]; ok {
		return value, true
	}
	if caseSensitive {
		return nil, false
	}
	for k, value := range fields {
		if strings.EqualFold(k, key) {
			return value, true
		}
	}
	return nil, false
}

// candidates lists the strings a comparison predicate is tested against;
// arrays match when any element matches
func candidates(value interface{}) []string {
	switch v := value.(type) {
	case nil:
		return []string{""}
	case []interface{}:
		if len(v) == 0 {
			return []string{""}
		}
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, stringify(item))
		}
		return out
	case []string:
		if len(v) == 0 {
			return []string{""}
		}
		return v
	default:
		return []string{stringify(v)}
	}
}

func stringify(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case map[string]interface{}, []interface{}, models.Request:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(data)
	default:
		return fmt.Sprint(v)
	}
}

func fold(value string, caseSensitive bool) string {
	if caseSensitive {
		return value
	}
	return strings.ToLower(value)
}

func compare(kind Kind, actual, expected string) bool {
	switch kind {
	case KindIs:
		return actual == expected
	case KindContains:
		return strings.Contains(actual, expected)
	case KindStartsWith:
		return strings.HasPrefix(actual, expected)
	case KindEndsWith:
		return strings.HasSuffix(actual, expected)
	default:
		return false
	}
}
