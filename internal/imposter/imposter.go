// Package imposter binds protocol listeners to stub repositories and owns
// the lifecycle of every running imposter.
package imposter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/comfortablynumb/pmp-imposter/internal/errs"
	"github.com/comfortablynumb/pmp-imposter/internal/matcher"
	"github.com/comfortablynumb/pmp-imposter/internal/models"
	"github.com/comfortablynumb/pmp-imposter/internal/observability"
	"github.com/comfortablynumb/pmp-imposter/internal/predicates"
	"github.com/comfortablynumb/pmp-imposter/internal/repository"
	"github.com/comfortablynumb/pmp-imposter/internal/resolver"
	"github.com/comfortablynumb/pmp-imposter/internal/validator"
)

// resolveAttempts bounds re-matching when the matched stub is removed
// before its response is resolved
const resolveAttempts = 3

// pruneEvery is the number of requests between drops of cached state that
// belongs to stubs no longer stored
const pruneEvery = 256

// Imposter is the live handle of one imposter. It is the Handler given to
// its protocol server and the Controller registered with the repository.
type Imposter struct {
	protocol  Protocol
	validator *validator.Validator
	logger    *zap.Logger
	now       func() time.Time

	mu       sync.RWMutex
	header   *models.Imposter
	stubs    repository.StubRepository
	matcher  *matcher.Matcher
	resolver *resolver.Resolver
	server   Server
	ready    chan struct{}
	stopped  bool
	served   atomic.Int64
}

// newImposter creates a handle that holds requests until bind is called
func newImposter(m *Manager, header *models.Imposter, protocol Protocol) *Imposter {
	return &Imposter{
		protocol:  protocol,
		validator: m.validator,
		logger:    m.logger,
		now:       m.now,
		header:    header.Header(),
		ready:     make(chan struct{}),
	}
}

// bind attaches the started server and the storage of the bound port
func (i *Imposter) bind(m *Manager, server Server) {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.server = server
	i.header.Port = server.Port()
	label := fmt.Sprintf("%s:%d", i.header.Protocol, i.header.Port)
	i.logger = observability.ForImposter(i.header.Protocol, i.header.Port)

	i.stubs = m.repo.StubsFor(i.header.Port)
	i.matcher = matcher.NewMatcher(predicates.NewEvaluator(m.injector), label, i.logger)
	i.resolver = resolver.New(m.proxy, m.injector,
		resolver.WithDefaultResponse(i.header.DefaultResponse),
		resolver.WithImposter(label),
		resolver.WithLogger(i.logger),
	)
}

// open releases requests waiting for the imposter to be registered
func (i *Imposter) open() {
	close(i.ready)
}

// ID returns the port the imposter is bound to
func (i *Imposter) ID() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.header.Port
}

// Header returns a copy of the imposter without stubs or requests
func (i *Imposter) Header() *models.Imposter {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.header.Header()
}

// Stubs returns the stub repository of the imposter
func (i *Imposter) Stubs() repository.StubRepository {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.stubs
}

// ToJSON returns the imposter with its stubs and, when recorded, its requests
func (i *Imposter) ToJSON(ctx context.Context, opts repository.JSONOptions) (*models.Imposter, error) {
	imposter := i.Header()
	stubs := i.Stubs()

	list, err := stubs.ToJSON(ctx, opts)
	if err != nil {
		return nil, err
	}
	imposter.Stubs = list

	if imposter.RecordRequests {
		requests, err := stubs.LoadRequests(ctx)
		if err != nil {
			return nil, err
		}
		imposter.Requests = requests
	}
	return imposter, nil
}

// StubRequestErrorsFor returns every problem with a stub, found by dry
// running it against the protocol's test request
func (i *Imposter) StubRequestErrorsFor(ctx context.Context, stub models.Stub) []error {
	return i.validator.StubErrors(ctx, stub, i.protocol.TestRequest())
}

// IsValidStubRequest reports whether the stub can be added
func (i *Imposter) IsValidStubRequest(ctx context.Context, stub models.Stub) bool {
	return len(i.StubRequestErrorsFor(ctx, stub)) == 0
}

// AddStub validates the stub and inserts it at index. A negative index
// appends.
func (i *Imposter) AddStub(ctx context.Context, stub models.Stub, index int) error {
	if problems := i.StubRequestErrorsFor(ctx, stub); len(problems) > 0 {
		return errors.Join(problems...)
	}

	stubs := i.Stubs()
	if index < 0 {
		return stubs.Add(ctx, stub)
	}
	return stubs.InsertAtIndex(ctx, stub, index)
}

// GetResponseFor records the request when enabled, finds the first matching
// stub and resolves its next response
func (i *Imposter) GetResponseFor(ctx context.Context, request models.Request) (*models.Response, error) {
	select {
	case <-i.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	i.mu.RLock()
	stubs, match, resolve, recordRequests := i.stubs, i.matcher, i.resolver, i.header.RecordRequests
	i.mu.RUnlock()

	if recordRequests {
		recorded := request.Clone()
		if _, ok := recorded["timestamp"]; !ok {
			recorded["timestamp"] = models.Timestamp(i.now())
		}
		if err := stubs.AddRequest(ctx, recorded); err != nil {
			i.logger.Error("Failed to record request", zap.Error(err))
		}
	}

	if i.served.Add(1)%pruneEvery == 0 {
		i.prune(ctx, stubs, match, resolve)
	}

	for attempt := 1; ; attempt++ {
		stub, err := match.Find(ctx, stubs, request)
		if err != nil {
			return nil, err
		}
		response, err := resolve.Resolve(ctx, stub, request)
		if err == nil || attempt == resolveAttempts || !errs.HasCode(err, errs.CodeMissingResource) {
			return response, err
		}
		i.logger.Debug("Matched stub was removed, matching again", zap.String("stub", stub.ID()), zap.Int("attempt", attempt))
	}
}

// prune forgets compiled predicates and resolver state of removed stubs
func (i *Imposter) prune(ctx context.Context, stubs repository.StubRepository, match *matcher.Matcher, resolve *resolver.Resolver) {
	live, err := repository.StubIDs(ctx, stubs)
	if err != nil {
		i.logger.Warn("Failed to list stubs for pruning", zap.Error(err))
		return
	}
	match.Retain(live)
	resolve.Retain(live)
}

// Stop closes the protocol server. Stored data is left untouched.
func (i *Imposter) Stop(ctx context.Context) error {
	i.mu.Lock()
	if i.stopped || i.server == nil {
		i.mu.Unlock()
		return nil
	}
	i.stopped = true
	server, port := i.server, i.header.Port
	i.mu.Unlock()

	observability.RecordImposterActive(-1)
	if err := server.Close(ctx); err != nil {
		return fmt.Errorf("failed to stop imposter on port %d: %w", port, err)
	}
	i.logger.Info("Imposter stopped")
	return nil
}
