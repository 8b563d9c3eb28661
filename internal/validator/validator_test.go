package validator

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comfortablynumb/pmp-imposter/internal/errs"
	"github.com/comfortablynumb/pmp-imposter/internal/inject"
	"github.com/comfortablynumb/pmp-imposter/internal/models"
)

func testRequest() models.Request {
	return models.Request{
		"method":  "GET",
		"path":    "/",
		"query":   map[string]interface{}{},
		"headers": map[string]interface{}{},
		"body":    "",
	}
}

func httpTestRequest(protocol string) (models.Request, bool) {
	if protocol != "http" {
		return nil, false
	}
	return testRequest(), true
}

func isResponse(body string) models.ResponseDirective {
	return models.ResponseDirective{Is: &models.Response{StatusCode: 200, Body: body}}
}

func TestValidateStub(t *testing.T) {
	tests := []struct {
		name     string
		stub     models.Stub
		injector *inject.Injector
		code     string
	}{
		{
			name: "is response",
			stub: models.Stub{
				Predicates: map[string]interface{}{"path": map[string]interface{}{"is": "/test"}},
				Responses:  []models.ResponseDirective{isResponse("OK")},
			},
		},
		{
			name: "no responses",
			stub: models.Stub{},
		},
		{
			name: "proxy response is not called",
			stub: models.Stub{Responses: []models.ResponseDirective{
				{Proxy: &models.ProxyConfig{To: "http://127.0.0.1:1"}},
			}},
		},
		{
			name: "unknown response type",
			stub: models.Stub{Responses: []models.ResponseDirective{{Repeat: 2}}},
			code: errs.CodeInvalidResponse,
		},
		{
			name: "two response types",
			stub: models.Stub{Responses: []models.ResponseDirective{
				{Is: &models.Response{}, Inject: "function () { return {}; }"},
			}},
			code: errs.CodeInvalidResponse,
		},
		{
			name: "proxy without target",
			stub: models.Stub{Responses: []models.ResponseDirective{
				{Proxy: &models.ProxyConfig{}},
			}},
			code: errs.CodeInvalidProxy,
		},
		{
			name: "proxy target without scheme",
			stub: models.Stub{Responses: []models.ResponseDirective{
				{ProxyOnce: &models.ProxyConfig{To: "localhost"}},
			}},
			code: errs.CodeInvalidProxy,
		},
		{
			name: "unknown predicate",
			stub: models.Stub{
				Predicates: map[string]interface{}{"path": map[string]interface{}{"sortOf": "/"}},
				Responses:  []models.ResponseDirective{isResponse("OK")},
			},
			code: errs.CodeInvalidPredicate,
		},
		{
			name: "response injection disallowed",
			stub: models.Stub{Responses: []models.ResponseDirective{
				{Inject: "function () { return { statusCode: 201 }; }"},
			}},
			injector: inject.New(false),
			code:     errs.CodeInvalidInjection,
		},
		{
			name: "response injection allowed",
			stub: models.Stub{Responses: []models.ResponseDirective{
				{Inject: "function (request) { return { statusCode: 201, body: request.path }; }"},
			}},
			injector: inject.New(true),
		},
		{
			name: "response injection that throws",
			stub: models.Stub{Responses: []models.ResponseDirective{
				{Inject: "function () { throw new Error('boom'); }"},
			}},
			injector: inject.New(true),
			code:     errs.CodeInvalidInjection,
		},
		{
			name: "predicate injection disallowed",
			stub: models.Stub{
				Predicates: map[string]interface{}{"inject": "function () { return true; }"},
				Responses:  []models.ResponseDirective{isResponse("OK")},
			},
			injector: inject.New(false),
			code:     errs.CodeInvalidInjection,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewValidator(tt.injector)
			err := v.ValidateStub(context.Background(), tt.stub, testRequest())
			if tt.code == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errs.HasCode(err, tt.code), "expected %q in %v", tt.code, err)
		})
	}
}

func TestValidateStubNegativeRepeat(t *testing.T) {
	v := NewValidator(nil)
	problems := v.StubErrors(context.Background(), models.Stub{
		Responses: []models.ResponseDirective{{Is: &models.Response{}, Repeat: -1}},
	}, testRequest())

	require.NotEmpty(t, problems)
	assert.True(t, errs.HasCode(errors.Join(problems...), errs.CodeBadData))
}

func TestValidateStubReportsEveryProblem(t *testing.T) {
	v := NewValidator(nil)
	problems := v.StubErrors(context.Background(), models.Stub{
		Predicates: map[string]interface{}{
			"path":   map[string]interface{}{"bogus": "/"},
			"method": map[string]interface{}{"matches": "("},
		},
		Responses: []models.ResponseDirective{
			{Proxy: &models.ProxyConfig{}},
			{},
		},
	}, testRequest())

	assert.Len(t, problems, 4)
}

func TestValidateStubIndependentOfRequestPath(t *testing.T) {
	v := NewValidator(nil)
	stub := models.Stub{
		Predicates: map[string]interface{}{
			"path": map[string]interface{}{"is": "/a"},
			"body": map[string]interface{}{"invalidPredicate": "x"},
		},
		Responses: []models.ResponseDirective{isResponse("OK")},
	}

	for _, path := range []string{"/a", "/b"} {
		request := testRequest()
		request["path"] = path

		err := v.ValidateStub(context.Background(), stub, request)
		require.Error(t, err, "path %s", path)
		assert.True(t, errs.HasCode(err, errs.CodeInvalidPredicate))
		assert.Contains(t, err.Error(), "invalidPredicate")
	}
}

func TestValidateStubDoesNotMutateInput(t *testing.T) {
	v := NewValidator(nil)
	stub := models.Stub{Responses: []models.ResponseDirective{
		{Is: &models.Response{Body: "x"}, Repeat: 3, Behaviors: &models.Behaviors{Wait: 10000}},
	}}

	require.NoError(t, v.ValidateStub(context.Background(), stub, testRequest()))
	assert.Equal(t, 3, stub.Responses[0].Repeat)
	assert.Equal(t, 10000, stub.Responses[0].Behaviors.Wait)
}

func TestValidateImposters(t *testing.T) {
	v := NewValidator(nil)

	imposters := []*models.Imposter{
		{
			Protocol: "http",
			Port:     4545,
			Name:     "orders",
			Stubs: []models.Stub{
				{Responses: []models.ResponseDirective{isResponse("OK")}},
			},
		},
	}

	result := v.ValidateImposters(context.Background(), imposters, httpTestRequest)
	assert.True(t, result.Valid, "errors: %v", result.Errors)
	assert.Empty(t, result.Errors)
	assert.Empty(t, result.Warnings)
}

func TestValidateImpostersErrors(t *testing.T) {
	tests := []struct {
		name      string
		imposters []*models.Imposter
		contains  string
	}{
		{
			name:      "missing protocol",
			imposters: []*models.Imposter{{Port: 4545}},
			contains:  "invalid imposter",
		},
		{
			name:      "port out of range",
			imposters: []*models.Imposter{{Protocol: "http", Port: 70000}},
			contains:  "invalid imposter",
		},
		{
			name:      "unsupported protocol",
			imposters: []*models.Imposter{{Protocol: "smtp", Port: 2525}},
			contains:  "not supported",
		},
		{
			name: "duplicate port",
			imposters: []*models.Imposter{
				{Protocol: "http", Port: 4545, Name: "a"},
				{Protocol: "http", Port: 4545, Name: "b"},
			},
			contains: "Port 4545 is used by 2 imposters",
		},
		{
			name: "bad stub",
			imposters: []*models.Imposter{{
				Protocol: "http",
				Port:     4545,
				Stubs:    []models.Stub{{Responses: []models.ResponseDirective{{}}}},
			}},
			contains: "stub[0]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := NewValidator(nil).ValidateImposters(context.Background(), tt.imposters, httpTestRequest)
			assert.False(t, result.Valid)
			assert.True(t, containsString(result.Errors, tt.contains), "expected %q in %v", tt.contains, result.Errors)
		})
	}
}

func TestValidateImpostersWarnings(t *testing.T) {
	imposters := []*models.Imposter{{
		Protocol: "http",
		Port:     4545,
		Stubs: []models.Stub{
			{},
			{Responses: []models.ResponseDirective{{Is: &models.Response{StatusCode: 999}}}},
		},
	}}

	result := NewValidator(nil).ValidateImposters(context.Background(), imposters, httpTestRequest)
	assert.True(t, result.Valid, "errors: %v", result.Errors)
	assert.True(t, containsString(result.Warnings, "has no name"))
	assert.True(t, containsString(result.Warnings, "no responses"))
	assert.True(t, containsString(result.Warnings, "unusual status code 999"))
}

func containsString(values []string, fragment string) bool {
	for _, value := range values {
		if strings.Contains(value, fragment) {
			return true
		}
	}
	return false
}
