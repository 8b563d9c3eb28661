package predicates

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"

	"github.com/comfortablynumb/pmp-imposter/internal/errs"
)

// Kind tags a term of a compiled predicate node
type Kind int

// Term kinds
const (
	KindIs Kind = iota
	KindContains
	KindStartsWith
	KindEndsWith
	KindMatches
	KindExists
	KindNot
	KindOr
	KindAnd
	KindInject
	KindField
)

var predicateNames = map[string]Kind{
	"is":         KindIs,
	"contains":   KindContains,
	"startsWith": KindStartsWith,
	"endsWith":   KindEndsWith,
	"matches":    KindMatches,
	"exists":     KindExists,
	"not":        KindNot,
	"or":         KindOr,
	"and":        KindAnd,
	"inject":     KindInject,
}

// String returns the predicate name of the kind
func (k Kind) String() string {
	for name, kind := range predicateNames {
		if kind == k {
			return name
		}
	}
	return "field"
}

// Node is a compiled predicate object. All terms must hold.
type Node struct {
	Terms         []Term
	CaseSensitive bool
	Except        *regexp.Regexp
	Selector      Selector
}

// Term is one key of a predicate object
type Term struct {
	Kind     Kind
	Field    string
	Value    string
	Pattern  *regexp.Regexp
	Exists   bool
	Child    *Node
	Children []*Node
	Script   string
}

// Compile turns a raw predicate node into a tagged tree. Every key is
// compiled; all problems are returned joined. The returned node is usable
// even when err is non-nil, with the malformed terms left out.
func Compile(raw interface{}) (*Node, error) {
	return compile(raw, false)
}

func compile(raw interface{}, inheritedCaseSensitive bool) (*Node, error) {
	obj, ok := raw.(map[string]interface{})
	if !ok {
		return nil, errs.InvalidPredicate("predicate must be an object", raw)
	}

	node := &Node{CaseSensitive: inheritedCaseSensitive}
	var problems []error

	// Modifiers first, since they change how the remaining keys compile
	if value, ok := obj["caseSensitive"]; ok {
		flag, isBool := value.(bool)
		if !isBool {
			problems = append(problems, errs.InvalidPredicate("caseSensitive must be a boolean", obj))
		}
		node.CaseSensitive = flag
	}
	if value, ok := obj["except"]; ok {
		pattern, err := compileRegex(value, node.CaseSensitive, obj)
		if err != nil {
			problems = append(problems, err)
		}
		node.Except = pattern
	}
	if value, ok := obj["jsonpath"]; ok {
		selector, err := newJSONPathSelector(value)
		if err != nil {
			problems = append(problems, err)
		}
		node.Selector = selector
	}
	if value, ok := obj["xpath"]; ok {
		if node.Selector != nil {
			problems = append(problems, errs.InvalidPredicate("jsonpath and xpath cannot be combined", obj))
		} else {
			selector, err := newXPathSelector(value)
			if err != nil {
				problems = append(problems, err)
			}
			node.Selector = selector
		}
	}

	keys := make([]string, 0, len(obj))
	for key := range obj {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		switch key {
		case "caseSensitive", "except", "jsonpath", "xpath":
			continue
		}

		term, err := compileTerm(key, obj[key], node.CaseSensitive, obj)
		if err != nil {
			problems = append(problems, err)
		}
		if term != nil {
			node.Terms = append(node.Terms, *term)
		}
	}

	return node, errors.Join(problems...)
}

func compileTerm(key string, value interface{}, caseSensitive bool, source map[string]interface{}) (*Term, error) {
	kind, known := predicateNames[key]
	if !known {
		if _, isObject := value.(map[string]interface{}); !isObject {
			return nil, errs.InvalidPredicate(fmt.Sprintf("no predicate '%s'", key), source)
		}
		child, err := compile(value, caseSensitive)
		if child == nil {
			return nil, err
		}
		return &Term{Kind: KindField, Field: key, Child: child}, err
	}

	term := &Term{Kind: kind}

	switch kind {
	case KindIs, KindContains, KindStartsWith, KindEndsWith:
		operand, err := operandString(key, value, source)
		if err != nil {
			return nil, err
		}
		term.Value = operand

	case KindMatches:
		pattern, err := compileRegex(value, caseSensitive, source)
		if err != nil {
			return nil, err
		}
		term.Pattern = pattern

	case KindExists:
		if fields, ok := value.(map[string]interface{}); ok {
			// {"exists": {"query": {"q": true}}} tests the named fields
			child, err := compile(existsTree(fields), caseSensitive)
			if child == nil {
				return nil, err
			}
			return &Term{Kind: KindAnd, Children: []*Node{child}}, err
		}
		flag, ok := value.(bool)
		if !ok {
			return nil, errs.InvalidPredicate("exists predicate must be a boolean or an object of booleans", source)
		}
		term.Exists = flag

	case KindNot:
		child, err := compile(value, caseSensitive)
		if child == nil {
			return nil, errs.InvalidPredicate("not predicate must be an object", source)
		}
		term.Child = child
		return term, err

	case KindOr, KindAnd:
		items, ok := value.([]interface{})
		if !ok {
			return nil, errs.InvalidPredicate(fmt.Sprintf("%s predicate must be an array", key), source)
		}
		var problems []error
		for _, item := range items {
			child, err := compile(item, caseSensitive)
			if err != nil {
				problems = append(problems, err)
			}
			if child != nil {
				term.Children = append(term.Children, child)
			}
		}
		return term, errors.Join(problems...)

	case KindInject:
		script, ok := value.(string)
		if !ok || script == "" {
			return nil, errs.InvalidPredicate("inject predicate must be a function source string", source)
		}
		term.Script = script
	}

	return term, nil
}

// existsTree rewrites a map of field names to booleans into nested field
// predicates ending in exists leaves
func existsTree(fields map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(fields))
	for key, value := range fields {
		if nested, ok := value.(map[string]interface{}); ok {
			out[key] = existsTree(nested)
			continue
		}
		out[key] = map[string]interface{}{"exists": value}
	}
	return out
}

// operandString normalizes a comparison operand to a string
func operandString(name string, value interface{}, source map[string]interface{}) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case nil:
		return "", errs.InvalidPredicate(fmt.Sprintf("%s predicate requires a value", name), source)
	case map[string]interface{}, []interface{}:
		data, err := json.Marshal(v)
		if err != nil {
			return "", errs.InvalidPredicate(fmt.Sprintf("%s predicate value cannot be serialized", name), source)
		}
		return string(data), nil
	default:
		return fmt.Sprint(v), nil
	}
}

func compileRegex(value interface{}, caseSensitive bool, source map[string]interface{}) (*regexp.Regexp, error) {
	expr, ok := value.(string)
	if !ok {
		return nil, errs.InvalidPredicate("regular expression must be a string", source)
	}
	if !caseSensitive {
		expr = "(?i)" + expr
	}
	pattern, err := regexp.Compile(expr)
	if err != nil {
		return nil, errs.InvalidPredicate(fmt.Sprintf("invalid regular expression: %v", err), source)
	}
	return pattern, nil
}
