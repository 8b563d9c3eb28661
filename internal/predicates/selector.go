package predicates

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/antchfx/xmlquery"
	"github.com/antchfx/xpath"
	"github.com/tidwall/gjson"

	"github.com/comfortablynumb/pmp-imposter/internal/errs"
)

// Selector narrows a string field (typically a body) to the values it selects
type Selector interface {
	// Select returns the selected values; ok is false when nothing was selected
	Select(value string) (values []string, ok bool)
}

type jsonPathSelector struct {
	path string
}

func newJSONPathSelector(raw interface{}) (Selector, error) {
	selector, err := selectorString("jsonpath", raw)
	if err != nil {
		return nil, err
	}
	return &jsonPathSelector{path: toGJSONPath(selector)}, nil
}

// toGJSONPath converts a $.a.b[0] style selector into gjson syntax
func toGJSONPath(selector string) string {
	path := strings.TrimPrefix(selector, "$")
	path = strings.TrimPrefix(path, ".")
	path = strings.ReplaceAll(path, "[", ".")
	path = strings.ReplaceAll(path, "]", "")
	path = strings.ReplaceAll(path, "'", "")
	path = strings.ReplaceAll(path, "*", "#")
	return path
}

func (s *jsonPathSelector) Select(value string) ([]string, bool) {
	if !gjson.Valid(value) {
		return nil, false
	}

	result := gjson.Get(value, s.path)
	if !result.Exists() {
		return nil, false
	}
	if result.IsArray() {
		var values []string
		for _, item := range result.Array() {
			values = append(values, item.String())
		}
		return values, len(values) > 0
	}
	return []string{result.String()}, true
}

type xpathSelector struct {
	expr *xpath.Expr
}

func newXPathSelector(raw interface{}) (Selector, error) {
	selector, err := selectorString("xpath", raw)
	if err != nil {
		return nil, err
	}

	namespaces := map[string]string{}
	if obj, ok := raw.(map[string]interface{}); ok {
		if ns, ok := obj["ns"].(map[string]interface{}); ok {
			for prefix, uri := range ns {
				namespaces[prefix] = fmt.Sprint(uri)
			}
		}
	}

	expr, err := xpath.CompileWithNS(selector, namespaces)
	if err != nil {
		return nil, errs.InvalidPredicate(fmt.Sprintf("malformed xpath predicate: %v", err), raw)
	}
	return &xpathSelector{expr: expr}, nil
}

func (s *xpathSelector) Select(value string) ([]string, bool) {
	doc, err := xmlquery.Parse(strings.NewReader(value))
	if err != nil {
		return nil, false
	}

	switch result := s.expr.Evaluate(xmlquery.CreateXPathNavigator(doc)).(type) {
	case *xpath.NodeIterator:
		var values []string
		for result.MoveNext() {
			values = append(values, result.Current().Value())
		}
		return values, len(values) > 0
	case string:
		return []string{result}, true
	case float64:
		return []string{strconv.FormatFloat(result, 'f', -1, 64)}, true
	case bool:
		return []string{strconv.FormatBool(result)}, true
	default:
		return nil, false
	}
}

func selectorString(name string, raw interface{}) (string, error) {
	obj, ok := raw.(map[string]interface{})
	if !ok {
		return "", errs.InvalidPredicate(name+" must be an object with a selector", raw)
	}
	selector, ok := obj["selector"].(string)
	if !ok || selector == "" {
		return "", errs.InvalidPredicate(name+" selector must be a non-empty string", raw)
	}
	return selector, nil
}
