package validator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"github.com/xeipuuv/gojsonschema"

	"github.com/comfortablynumb/pmp-imposter/internal/errs"
	"github.com/comfortablynumb/pmp-imposter/internal/inject"
	"github.com/comfortablynumb/pmp-imposter/internal/models"
	"github.com/comfortablynumb/pmp-imposter/internal/predicates"
	"github.com/comfortablynumb/pmp-imposter/internal/proxy"
	"github.com/comfortablynumb/pmp-imposter/internal/repository"
	"github.com/comfortablynumb/pmp-imposter/internal/resolver"
)

// stubSchemaJSON describes the structural shape of a stub
const stubSchemaJSON = `{
	"type": "object",
	"properties": {
		"predicates": {"type": "object"},
		"responses": {
			"type": ["array", "null"],
			"items": {
				"type": "object",
				"properties": {
					"is": {"type": "object"},
					"proxy": {"type": "object", "required": ["to"]},
					"proxyOnce": {"type": "object", "required": ["to"]},
					"inject": {"type": "string"},
					"repeat": {"type": "integer", "minimum": 0},
					"_behaviors": {
						"type": "object",
						"properties": {"wait": {"type": "integer", "minimum": 0}}
					}
				}
			}
		}
	}
}`

var stubSchema = mustSchema(stubSchemaJSON)

func mustSchema(source string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(source))
	if err != nil {
		panic(fmt.Sprintf("invalid stub schema: %v", err))
	}
	return schema
}

// ValidationResult represents the result of validating a set of imposters
type ValidationResult struct {
	Valid    bool
	Errors   []string
	Warnings []string
}

// Validator checks stubs by running them against a synthetic request with
// the same code paths used for live traffic, with proxies stubbed out
type Validator struct {
	injector *inject.Injector
}

// NewValidator creates a validator; injector may be nil
func NewValidator(injector *inject.Injector) *Validator {
	return &Validator{injector: injector}
}

// ValidateStub returns every problem with the stub joined into one error
func (v *Validator) ValidateStub(ctx context.Context, stub models.Stub, testRequest models.Request) error {
	return errors.Join(v.StubErrors(ctx, stub, testRequest)...)
}

// StubErrors returns every problem with the stub. It never stops at the
// first one.
func (v *Validator) StubErrors(ctx context.Context, stub models.Stub, testRequest models.Request) []error {
	problems := schemaErrors(stub)

	shapeOK := true
	for i, response := range stub.Responses {
		if err := checkDirective(i, response); err != nil {
			problems = append(problems, err)
			shapeOK = false
		}
	}

	if len(stub.Predicates) > 0 {
		evaluator := predicates.NewEvaluator(v.predicateInjector())
		if _, err := evaluator.EvaluateAll(ctx, stub.Predicates, testRequest.Clone()); err != nil {
			problems = append(problems, errs.Flatten(err)...)
		}
	}

	if shapeOK {
		problems = append(problems, v.dryRunResponses(ctx, stub.Responses, testRequest)...)
	}
	return problems
}

func schemaErrors(stub models.Stub) []error {
	data, err := json.Marshal(stub)
	if err != nil {
		return []error{errs.Validation("stub cannot be serialized", nil).Wrap(err)}
	}

	result, err := stubSchema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return []error{errs.Validation("stub cannot be validated", nil).Wrap(err)}
	}

	var problems []error
	for _, desc := range result.Errors() {
		problems = append(problems, errs.Validation(fmt.Sprintf("%s: %s", desc.Field(), desc.Description()), desc.Value()))
	}
	return problems
}

func checkDirective(index int, directive models.ResponseDirective) error {
	switch directive.Kind() {
	case models.KindUnknown:
		return errs.InvalidResponse(fmt.Sprintf("unrecognized response type in response %d", index), directive)
	case models.KindProxy, models.KindProxyOnce:
		target := directive.ProxyTarget()
		parsed, err := url.Parse(target.To)
		if target.To == "" || err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return errs.InvalidProxy(fmt.Sprintf("response %d has an invalid proxy target %q", index, target.To), directive, err)
		}
	}
	if directive.Repeat < 0 {
		return errs.Validation(fmt.Sprintf("response %d has a negative repeat", index), directive)
	}
	return nil
}

// dryRunResponses resolves each response once against a throwaway stub
func (v *Validator) dryRunResponses(ctx context.Context, responses []models.ResponseDirective, testRequest models.Request) []error {
	dryRun := models.Stub{Responses: make([]models.ResponseDirective, 0, len(responses))}
	for _, response := range responses {
		clone := response.Clone()
		clone.Repeat = 0
		clone.Behaviors = nil
		dryRun.Responses = append(dryRun.Responses, clone)
	}

	stubs := repository.NewMemoryStubs()
	if err := stubs.Add(ctx, dryRun); err != nil {
		return []error{err}
	}
	handle, _, err := stubs.First(ctx, func(string, map[string]interface{}) bool { return true }, 0)
	if err != nil {
		return []error{err}
	}

	r := resolver.New(proxy.Noop{}, v.responseInjector())
	var problems []error
	for range dryRun.Responses {
		if _, err := r.Resolve(ctx, handle, testRequest.Clone()); err != nil {
			problems = append(problems, err)
		}
	}
	return problems
}

func (v *Validator) predicateInjector() predicates.Injector {
	if v.injector == nil {
		return nil
	}
	return v.injector
}

func (v *Validator) responseInjector() resolver.Injector {
	if v.injector == nil {
		return nil
	}
	return v.injector
}

// ValidateImposters validates imposter definitions, typically from a config
// file. testRequest supplies the synthetic request of each protocol and
// reports false for protocols that are not supported.
func (v *Validator) ValidateImposters(ctx context.Context, imposters []*models.Imposter, testRequest func(protocol string) (models.Request, bool)) *ValidationResult {
	result := &ValidationResult{
		Valid:    true,
		Errors:   make([]string, 0),
		Warnings: make([]string, 0),
	}

	ports := make(map[int]int)
	for i, imposter := range imposters {
		prefix := fmt.Sprintf("Imposter #%d (%s:%d)", i+1, imposter.Protocol, imposter.Port)

		if err := imposter.Validate(); err != nil {
			result.fail(prefix, err)
			continue
		}
		if imposter.Port != 0 {
			ports[imposter.Port]++
		}
		if imposter.Name == "" {
			result.Warnings = append(result.Warnings, fmt.Sprintf("%s: imposter has no name", prefix))
		}

		request, ok := testRequest(imposter.Protocol)
		if !ok {
			result.fail(prefix, errs.Validation("the "+imposter.Protocol+" protocol is not supported", imposter.Protocol))
			continue
		}

		for j, stub := range imposter.Stubs {
			stubPrefix := fmt.Sprintf("%s stub[%d]", prefix, j)
			for _, err := range v.StubErrors(ctx, stub, request) {
				result.fail(stubPrefix, err)
			}
			if len(stub.Responses) == 0 {
				result.Warnings = append(result.Warnings, fmt.Sprintf("%s: stub has no responses and will return the default response", stubPrefix))
			}
			for k, response := range stub.Responses {
				if response.Is != nil && response.Is.StatusCode != 0 && (response.Is.StatusCode < 100 || response.Is.StatusCode > 599) {
					result.Warnings = append(result.Warnings, fmt.Sprintf("%s response[%d]: unusual status code %d", stubPrefix, k, response.Is.StatusCode))
				}
			}
		}
	}

	for port, count := range ports {
		if count > 1 {
			result.Valid = false
			result.Errors = append(result.Errors, fmt.Sprintf("Port %d is used by %d imposters", port, count))
		}
	}
	return result
}

func (r *ValidationResult) fail(prefix string, err error) {
	r.Valid = false
	r.Errors = append(r.Errors, fmt.Sprintf("%s: %v", prefix, err))
}

// PrintValidationResult prints validation results in a user-friendly format
func (v *Validator) PrintValidationResult(result *ValidationResult) {
	if len(result.Errors) > 0 {
		fmt.Println("\n❌ Imposter Validation FAILED:")
		for _, err := range result.Errors {
			fmt.Printf("  ERROR: %s\n", err)
		}
	}

	if len(result.Warnings) > 0 {
		fmt.Println("\n⚠️  Imposter Validation Warnings:")
		for _, warn := range result.Warnings {
			fmt.Printf("  WARNING: %s\n", warn)
		}
	}

	if result.Valid && len(result.Warnings) == 0 {
		fmt.Println("\n✅ All imposters validated successfully!")
	} else if result.Valid {
		fmt.Printf("\n✅ Imposters are valid (with %d warnings)\n", len(result.Warnings))
	}
}
