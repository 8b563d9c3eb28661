package matcher

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/comfortablynumb/pmp-imposter/internal/models"
	"github.com/comfortablynumb/pmp-imposter/internal/observability"
	"github.com/comfortablynumb/pmp-imposter/internal/predicates"
	"github.com/comfortablynumb/pmp-imposter/internal/repository"
)

// maxCompiled bounds the compiled predicate cache; it is cleared when full
const maxCompiled = 4096

// Matcher finds the stub that answers a request. Predicates of stored stubs
// are compiled once per stub id.
type Matcher struct {
	evaluator *predicates.Evaluator
	imposter  string
	logger    *zap.Logger

	mu       sync.Mutex
	compiled map[string]*predicates.Compiled
}

// NewMatcher creates a matcher; imposter labels metrics and logs
func NewMatcher(evaluator *predicates.Evaluator, imposter string, logger *zap.Logger) *Matcher {
	if logger == nil {
		logger = observability.GetLogger()
	}
	return &Matcher{
		evaluator: evaluator,
		imposter:  imposter,
		logger:    logger.Named("matcher"),
		compiled:  make(map[string]*predicates.Compiled),
	}
}

// Matches reports whether a stub's predicates accept the request. Absent
// predicates match everything; evaluation errors count as a mismatch.
func (m *Matcher) Matches(ctx context.Context, stubPredicates map[string]interface{}, request models.Request) bool {
	if len(stubPredicates) == 0 {
		return true
	}

	return m.match(ctx, predicates.CompilePredicates(stubPredicates), request)
}

func (m *Matcher) match(ctx context.Context, compiled *predicates.Compiled, request models.Request) bool {
	matched, err := m.evaluator.Match(ctx, compiled, request)
	if err != nil {
		m.logger.Warn("Predicate evaluation failed", zap.Error(err))
		return false
	}
	return matched
}

// compiledFor returns the cached compiled predicates of a stored stub. Stub
// ids change whenever a stub is replaced, so entries never go stale.
func (m *Matcher) compiledFor(id string, stubPredicates map[string]interface{}) *predicates.Compiled {
	m.mu.Lock()
	defer m.mu.Unlock()

	if compiled, ok := m.compiled[id]; ok {
		return compiled
	}
	if len(m.compiled) >= maxCompiled {
		m.compiled = make(map[string]*predicates.Compiled)
	}
	compiled := predicates.CompilePredicates(stubPredicates)
	m.compiled[id] = compiled
	return compiled
}

// Cached returns how many stubs have compiled predicates cached
func (m *Matcher) Cached() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.compiled)
}

// Retain drops cached predicates of stubs not in live
func (m *Matcher) Retain(live map[string]struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.compiled {
		if _, ok := live[id]; !ok {
			delete(m.compiled, id)
		}
	}
}

// Select returns the index and value of the first matching stub, or -1 and
// the default stub. It does not touch rotation state.
func (m *Matcher) Select(ctx context.Context, stubs []models.Stub, request models.Request) (int, models.Stub) {
	for i, stub := range stubs {
		if m.Matches(ctx, stub.Predicates, request) {
			return i, stub
		}
	}
	return -1, models.Stub{Responses: []models.ResponseDirective{{Is: &models.Response{}}}}
}

// Find returns the first stub in the repository that accepts the request,
// falling back to the default stub
func (m *Matcher) Find(ctx context.Context, stubs repository.StubRepository, request models.Request) (repository.StubHandle, error) {
	ctx, span := observability.StartSpan(ctx, "matcher.find", observability.AttrImposter.String(m.imposter))
	defer span.End()

	start := time.Now()
	handle, found, err := stubs.First(ctx, func(id string, stubPredicates map[string]interface{}) bool {
		if len(stubPredicates) == 0 {
			return true
		}
		return m.match(ctx, m.compiledFor(id, stubPredicates), request)
	}, 0)
	observability.RecordPredicateMatch(m.imposter, time.Since(start))

	if err != nil {
		observability.RecordSpanError(ctx, err)
		return nil, err
	}
	if !found {
		observability.RecordNoMatch(m.imposter)
		span.SetAttributes(attribute.Bool("mb.matched", false))
		m.logger.Debug("No stub matched, using default response")
		return DefaultStub{}, nil
	}

	span.SetAttributes(attribute.Bool("mb.matched", true), observability.AttrStub.String(handle.ID()))
	return handle, nil
}

// DefaultStub answers requests no stub matched with an empty is response.
// It never records anything.
type DefaultStub struct{}

// ID is empty for the default stub
func (DefaultStub) ID() string { return "" }

// Predicates is nil for the default stub
func (DefaultStub) Predicates() map[string]interface{} { return nil }

// AddResponse is a no-op
func (DefaultStub) AddResponse(context.Context, models.ResponseDirective) error { return nil }

// NextResponse always returns an empty is directive
func (DefaultStub) NextResponse(context.Context) (*repository.NextResponse, error) {
	return &repository.NextResponse{Directive: models.ResponseDirective{Is: &models.Response{}}}, nil
}

// ReplaceResponse is a no-op
func (DefaultStub) ReplaceResponse(context.Context, string, models.ResponseDirective) error {
	return nil
}

// RecordMatch is a no-op
func (DefaultStub) RecordMatch(context.Context, models.Match) error { return nil }
