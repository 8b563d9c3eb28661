package matcher

import (
	"context"
	"testing"

	"github.com/comfortablynumb/pmp-imposter/internal/models"
	"github.com/comfortablynumb/pmp-imposter/internal/predicates"
	"github.com/comfortablynumb/pmp-imposter/internal/repository"
)

func newTestMatcher() *Matcher {
	return NewMatcher(predicates.NewEvaluator(nil), "test", nil)
}

func stub(body string, preds map[string]interface{}) models.Stub {
	return models.Stub{
		Predicates: preds,
		Responses:  []models.ResponseDirective{{Is: &models.Response{Body: body}}},
	}
}

func field(name, predicate, value string) map[string]interface{} {
	return map[string]interface{}{name: map[string]interface{}{predicate: value}}
}

func TestSelect(t *testing.T) {
	stubs := []models.Stub{
		stub("users", field("path", "startsWith", "/users")),
		stub("posts", field("path", "is", "/posts")),
		stub("catch-all", nil),
	}

	tests := []struct {
		name      string
		request   models.Request
		wantIndex int
	}{
		{name: "first stub", request: models.Request{"path": "/users/1"}, wantIndex: 0},
		{name: "second stub", request: models.Request{"path": "/posts"}, wantIndex: 1},
		{name: "absent predicates match everything", request: models.Request{"path": "/other"}, wantIndex: 2},
	}

	m := newTestMatcher()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			index, _ := m.Select(context.Background(), stubs, tt.request)
			if index != tt.wantIndex {
				t.Errorf("Expected index %d, got %d", tt.wantIndex, index)
			}
		})
	}
}

func TestSelectFirstMatchWins(t *testing.T) {
	stubs := []models.Stub{
		stub("first", field("path", "is", "/same")),
		stub("second", field("path", "is", "/same")),
	}

	_, matched := newTestMatcher().Select(context.Background(), stubs, models.Request{"path": "/same"})
	if matched.Responses[0].Is.Body != "first" {
		t.Errorf("Expected the first stub, got %v", matched.Responses[0].Is.Body)
	}
}

func TestSelectDefault(t *testing.T) {
	index, matched := newTestMatcher().Select(context.Background(), nil, models.Request{"path": "/"})
	if index != -1 {
		t.Errorf("Expected -1, got %d", index)
	}
	if len(matched.Responses) != 1 || matched.Responses[0].Kind() != models.KindIs {
		t.Errorf("Expected a single is response, got %+v", matched.Responses)
	}
}

func TestInvalidPredicateDoesNotMatch(t *testing.T) {
	stubs := []models.Stub{stub("broken", map[string]interface{}{
		"path": map[string]interface{}{"invalidPredicate": "x"},
	})}

	index, _ := newTestMatcher().Select(context.Background(), stubs, models.Request{"path": "/"})
	if index != -1 {
		t.Errorf("Expected malformed stub not to match, got index %d", index)
	}
}

func TestFindUsesDefaultStubWhenPredicatesFail(t *testing.T) {
	ctx := context.Background()
	stubs := repository.NewMemoryStubs()
	err := stubs.Add(ctx, models.Stub{
		Predicates: map[string]interface{}{
			"path":   map[string]interface{}{"is": "/test"},
			"method": map[string]interface{}{"is": "POST"},
		},
		Responses: []models.ResponseDirective{{Is: &models.Response{Body: "configured"}}},
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	handle, err := newTestMatcher().Find(ctx, stubs, models.Request{"path": "/test", "method": "GET"})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if _, ok := handle.(DefaultStub); !ok {
		t.Fatalf("Expected the default stub, got %T", handle)
	}

	next, err := handle.NextResponse(ctx)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if next.Directive.Is == nil || next.Directive.Is.Body != nil {
		t.Errorf("Expected an empty is response, got %+v", next.Directive)
	}
}

func TestFindDoesNotAdvanceRotation(t *testing.T) {
	ctx := context.Background()
	stubs := repository.NewMemoryStubs()
	err := stubs.Add(ctx, models.Stub{Responses: []models.ResponseDirective{
		{Is: &models.Response{Body: "first"}},
		{Is: &models.Response{Body: "second"}},
	}})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	m := newTestMatcher()
	var handle repository.StubHandle
	for i := 0; i < 3; i++ {
		handle, err = m.Find(ctx, stubs, models.Request{"path": "/"})
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
	}

	next, err := handle.NextResponse(ctx)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if next.Directive.Is.Body != "first" {
		t.Errorf("Expected rotation to start at first, got %v", next.Directive.Is.Body)
	}
}

func TestFindCompilesPredicatesOncePerStub(t *testing.T) {
	ctx := context.Background()
	stubs := repository.NewMemoryStubs()
	if err := stubs.Add(ctx, stub("a", field("path", "matches", "^/a$"))); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	m := newTestMatcher()
	first, err := m.Find(ctx, stubs, models.Request{"path": "/a"})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	// evaluation uses the compiled form, not the stored map
	first.Predicates()["path"] = map[string]interface{}{"is": "/changed"}
	again, err := m.Find(ctx, stubs, models.Request{"path": "/a"})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if again.ID() != first.ID() {
		t.Errorf("Expected cached predicates to keep matching, got %T", again)
	}
	if len(m.compiled) != 1 {
		t.Errorf("Expected one compiled entry, got %d", len(m.compiled))
	}

	if err := stubs.OverwriteAtIndex(ctx, stub("b", field("path", "is", "/b")), 0); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	replaced, err := m.Find(ctx, stubs, models.Request{"path": "/b"})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if replaced.ID() == "" || replaced.ID() == first.ID() {
		t.Fatalf("Expected the replacement stub to match, got %q", replaced.ID())
	}
	if len(m.compiled) != 2 {
		t.Errorf("Expected the replacement to be compiled separately, got %d entries", len(m.compiled))
	}

	m.Retain(map[string]struct{}{replaced.ID(): {}})
	if _, ok := m.compiled[first.ID()]; ok || len(m.compiled) != 1 {
		t.Errorf("Expected only the live stub to stay cached, got %d entries", len(m.compiled))
	}
}
