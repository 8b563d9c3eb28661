// Package resolver turns the directive at the head of a stub's rotation into
// a concrete response and records the match.
package resolver

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/comfortablynumb/pmp-imposter/internal/errs"
	"github.com/comfortablynumb/pmp-imposter/internal/models"
	"github.com/comfortablynumb/pmp-imposter/internal/observability"
	"github.com/comfortablynumb/pmp-imposter/internal/proxy"
	"github.com/comfortablynumb/pmp-imposter/internal/repository"
)

// Injector runs user supplied response code
type Injector interface {
	Respond(ctx context.Context, script string, request models.Request, state map[string]interface{}) (*models.Response, error)
}

// Resolver produces responses for matched stubs
type Resolver struct {
	proxy           proxy.Proxy
	injector        Injector
	defaultResponse *models.Response
	imposter        string
	logger          *zap.Logger
	now             func() time.Time

	mu         sync.Mutex
	stubStates map[string]*injectionState
	proxyLocks map[string]*sync.Mutex
	captured   map[string]*models.Response
}

// injectionState is the mutable state shared by every injection of one stub
type injectionState struct {
	mu    sync.Mutex
	state map[string]interface{}
}

// Option configures a Resolver
type Option func(*Resolver)

// WithDefaultResponse sets the imposter level response defaults
func WithDefaultResponse(response *models.Response) Option {
	return func(r *Resolver) {
		r.defaultResponse = response.Clone()
	}
}

// WithImposter sets the label used in metrics
func WithImposter(imposter string) Option {
	return func(r *Resolver) {
		r.imposter = imposter
	}
}

// WithLogger sets the resolver logger
func WithLogger(logger *zap.Logger) Option {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// New creates a resolver. injector may be nil, in which case inject
// directives fail.
func New(p proxy.Proxy, injector Injector, opts ...Option) *Resolver {
	r := &Resolver{
		proxy:      p,
		injector:   injector,
		logger:     observability.GetLogger(),
		now:        time.Now,
		stubStates: make(map[string]*injectionState),
		proxyLocks: make(map[string]*sync.Mutex),
		captured:   make(map[string]*models.Response),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.Named("resolver")
	return r
}

// Resolve advances the stub's rotation, produces the response for the
// selected directive and records the match
func (r *Resolver) Resolve(ctx context.Context, stub repository.StubHandle, request models.Request) (*models.Response, error) {
	ctx, span := observability.StartSpan(ctx, "resolver.resolve",
		observability.AttrImposter.String(r.imposter),
		observability.AttrStub.String(stub.ID()),
	)
	defer span.End()

	start := r.now()
	next, err := stub.NextResponse(ctx)
	if err != nil {
		observability.RecordSpanError(ctx, err)
		return nil, err
	}

	directive := next.Directive
	kind := directive.Kind()
	span.SetAttributes(observability.AttrResponseKind.String(string(kind)))

	var response *models.Response
	switch kind {
	case models.KindIs:
		response = directive.Is.Clone()
	case models.KindProxy:
		response, err = r.proxy.To(ctx, directive.ProxyTarget(), request)
	case models.KindProxyOnce:
		response, err = r.proxyOnce(ctx, stub, next, request)
	case models.KindInject:
		response, err = r.inject(ctx, stub, directive.Inject, request)
	default:
		err = errs.InvalidResponse("unrecognized response type", directive)
	}
	if err != nil {
		observability.RecordSpanError(ctx, err)
		return nil, err
	}

	if directive.Behaviors != nil && directive.Behaviors.Wait > 0 {
		if err := wait(ctx, time.Duration(directive.Behaviors.Wait)*time.Millisecond); err != nil {
			return nil, err
		}
	}

	response = r.withDefaults(response)
	elapsed := r.now().Sub(start)
	observability.RecordResponseGeneration(r.imposter, string(kind), elapsed)

	r.recordMatch(ctx, stub, request, response, directive, elapsed)
	return response, nil
}

// proxyOnce calls the proxy at most once per stored directive. The first
// success replaces the directive with an is directive holding the captured
// response; callers that raced for the same directive reuse the capture.
func (r *Resolver) proxyOnce(ctx context.Context, stub repository.StubHandle, next *repository.NextResponse, request models.Request) (*models.Response, error) {
	key := stub.ID() + "|" + next.Ref
	lock := r.proxyLock(key)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	captured, ok := r.captured[key]
	r.mu.Unlock()
	if ok {
		return captured.Clone(), nil
	}

	directive := next.Directive
	response, err := r.proxy.To(ctx, directive.ProxyTarget(), request)
	if err != nil {
		return nil, err
	}

	recorded := models.ResponseDirective{
		Is:        response.Clone(),
		Repeat:    directive.Repeat,
		Behaviors: directive.Behaviors,
	}
	if err := stub.ReplaceResponse(ctx, next.Ref, recorded); err != nil {
		r.logger.Error("Failed to save proxied response", zap.String("stub", stub.ID()), zap.Error(err))
	}

	r.mu.Lock()
	r.captured[key] = response.Clone()
	r.mu.Unlock()
	return response, nil
}

func (r *Resolver) proxyLock(key string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.proxyLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		r.proxyLocks[key] = lock
	}
	return lock
}

// inject runs the script against a copy of the request with the stub's
// state; injections of one stub are serialized
func (r *Resolver) inject(ctx context.Context, stub repository.StubHandle, script string, request models.Request) (*models.Response, error) {
	if r.injector == nil {
		return nil, errs.Injection("response injection is not available", script, nil)
	}

	state := r.stateFor(stub.ID())
	state.mu.Lock()
	defer state.mu.Unlock()

	response, err := r.injector.Respond(ctx, script, request.Clone(), state.state)
	if err != nil {
		if errs.HasCode(err, errs.CodeInvalidInjection) {
			return nil, err
		}
		return nil, errs.Injection("invalid response injection", script, err)
	}
	return response, nil
}

// Retain drops injection state and proxy captures of stubs not in live
func (r *Resolver) Retain(live map[string]struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()

	isLive := func(key string) bool {
		id, _, _ := strings.Cut(key, "|")
		_, ok := live[id]
		return ok
	}
	for id := range r.stubStates {
		if !isLive(id) {
			delete(r.stubStates, id)
		}
	}
	for key := range r.proxyLocks {
		if !isLive(key) {
			delete(r.proxyLocks, key)
		}
	}
	for key := range r.captured {
		if !isLive(key) {
			delete(r.captured, key)
		}
	}
}

func (r *Resolver) stateFor(stubID string) *injectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.stubStates[stubID]
	if !ok {
		state = &injectionState{state: make(map[string]interface{})}
		r.stubStates[stubID] = state
	}
	return state
}

// withDefaults fills what the response leaves out: the imposter default
// response first, then status 200 and Connection: close
func (r *Resolver) withDefaults(response *models.Response) *models.Response {
	out := response.Clone()
	if out == nil {
		out = &models.Response{}
	}

	if r.defaultResponse != nil {
		if out.StatusCode == 0 {
			out.StatusCode = r.defaultResponse.StatusCode
		}
		if out.Body == nil {
			out.Body = models.CloneValue(r.defaultResponse.Body)
		}
		for key, value := range r.defaultResponse.Headers {
			if !hasHeader(out.Headers, key) {
				if out.Headers == nil {
					out.Headers = make(map[string]interface{})
				}
				out.Headers[key] = models.CloneValue(value)
			}
		}
	}

	if out.StatusCode == 0 {
		out.StatusCode = 200
	}
	if !hasHeader(out.Headers, "Connection") {
		if out.Headers == nil {
			out.Headers = make(map[string]interface{})
		}
		out.Headers["Connection"] = "close"
	}
	return out
}

func hasHeader(headers map[string]interface{}, name string) bool {
	for key := range headers {
		if strings.EqualFold(key, name) {
			return true
		}
	}
	return false
}

// recordMatch appends the match record. Failures are logged and counted
// but never fail the resolution.
func (r *Resolver) recordMatch(ctx context.Context, stub repository.StubHandle, request models.Request, response *models.Response, directive models.ResponseDirective, elapsed time.Duration) {
	config := directive.Clone()
	match := models.Match{
		Timestamp:      models.Timestamp(r.now()),
		Request:        request.Clone(),
		Response:       response.Clone(),
		ResponseConfig: &config,
		Duration:       elapsed.Milliseconds(),
	}

	if err := stub.RecordMatch(ctx, match); err != nil {
		observability.RecordMatchRecordFailure()
		r.logger.Error("Failed to record match", zap.String("stub", stub.ID()), zap.Error(err))
	}
}

func wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
