package repository

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/comfortablynumb/pmp-imposter/internal/errs"
	"github.com/comfortablynumb/pmp-imposter/internal/models"
)

// Memory keeps all imposter state in process memory
type Memory struct {
	mu          sync.RWMutex
	headers     map[int]*models.Imposter
	controllers map[int]Controller
	stubs       map[int]*MemoryStubs
}

// NewMemory creates an empty in-memory repository
func NewMemory() *Memory {
	return &Memory{
		headers:     make(map[int]*models.Imposter),
		controllers: make(map[int]Controller),
		stubs:       make(map[int]*MemoryStubs),
	}
}

// Add stores the imposter header and stubs and registers its controller
func (m *Memory) Add(ctx context.Context, imposter *models.Imposter, controller Controller) error {
	stubs := m.StubsFor(imposter.Port)
	if err := stubs.OverwriteAll(ctx, imposter.Stubs); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.headers[imposter.Port] = imposter.Header()
	if controller != nil {
		m.controllers[imposter.Port] = controller
	}
	return nil
}

// Get returns the imposter with its stubs and requests
func (m *Memory) Get(ctx context.Context, id int) (*models.Imposter, error) {
	m.mu.RLock()
	header, ok := m.headers[id]
	m.mu.RUnlock()
	if !ok {
		return nil, errs.MissingResource(fmt.Sprintf("no imposter on port %d", id))
	}

	imposter := header.Header()
	stubs := m.StubsFor(id)
	var err error
	if imposter.Stubs, err = stubs.ToJSON(ctx, JSONOptions{}); err != nil {
		return nil, err
	}
	if imposter.Requests, err = stubs.LoadRequests(ctx); err != nil {
		return nil, err
	}
	return imposter, nil
}

// All returns every stored imposter ordered by port
func (m *Memory) All(ctx context.Context) ([]*models.Imposter, error) {
	m.mu.RLock()
	ids := make([]int, 0, len(m.headers))
	for id := range m.headers {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Ints(ids)

	imposters := make([]*models.Imposter, 0, len(ids))
	for _, id := range ids {
		imposter, err := m.Get(ctx, id)
		if errs.HasCode(err, errs.CodeMissingResource) {
			continue
		}
		if err != nil {
			return nil, err
		}
		imposters = append(imposters, imposter)
	}
	return imposters, nil
}

// Exists reports whether an imposter is stored under id
func (m *Memory) Exists(_ context.Context, id int) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.headers[id]
	return ok, nil
}

// Del stops and removes the imposter, returning its last state
func (m *Memory) Del(ctx context.Context, id int) (*models.Imposter, error) {
	imposter, err := m.Get(ctx, id)
	if errs.HasCode(err, errs.CodeMissingResource) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	controller := m.controllers[id]
	delete(m.controllers, id)
	delete(m.headers, id)
	delete(m.stubs, id)
	m.mu.Unlock()

	if controller != nil {
		if err := controller.Stop(ctx); err != nil {
			return imposter, fmt.Errorf("failed to stop imposter %d: %w", id, err)
		}
	}
	return imposter, nil
}

// StopAll stops every controller concurrently and forgets all imposters
func (m *Memory) StopAll(ctx context.Context) error {
	controllers := m.reset()
	group, groupCtx := errgroup.WithContext(ctx)
	for _, controller := range controllers {
		group.Go(func() error {
			return controller.Stop(groupCtx)
		})
	}
	return group.Wait()
}

// StopAllSync stops every controller in port order
func (m *Memory) StopAllSync(ctx context.Context) error {
	var firstErr error
	for _, controller := range m.reset() {
		if err := controller.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// DeleteAll stops and removes every imposter
func (m *Memory) DeleteAll(ctx context.Context) error {
	return m.StopAll(ctx)
}

// LoadAll has nothing to restore in memory
func (m *Memory) LoadAll(context.Context, ProtocolRegistry) error {
	return nil
}

// StubsFor returns the stub repository of an imposter, creating it on first use
func (m *Memory) StubsFor(id int) StubRepository {
	m.mu.Lock()
	defer m.mu.Unlock()
	stubs, ok := m.stubs[id]
	if !ok {
		stubs = NewMemoryStubs()
		m.stubs[id] = stubs
	}
	return stubs
}

// reset clears all state and returns the controllers in port order
func (m *Memory) reset() []Controller {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]int, 0, len(m.controllers))
	for id := range m.controllers {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	controllers := make([]Controller, 0, len(ids))
	for _, id := range ids {
		controllers = append(controllers, m.controllers[id])
	}

	m.headers = make(map[int]*models.Imposter)
	m.controllers = make(map[int]Controller)
	m.stubs = make(map[int]*MemoryStubs)
	return controllers
}

// MemoryStubs is the in-memory stub repository of one imposter
type MemoryStubs struct {
	mu       sync.RWMutex
	stubs    []*memoryStub
	requests []models.Request
}

// NewMemoryStubs creates an empty stub repository
func NewMemoryStubs() *MemoryStubs {
	return &MemoryStubs{}
}

// Count returns the number of stubs
func (s *MemoryStubs) Count(context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.stubs), nil
}

// First returns the first stub from startIndex whose predicates pass filter
func (s *MemoryStubs) First(_ context.Context, filter StubFilter, startIndex int) (StubHandle, bool, error) {
	s.mu.RLock()
	snapshot := make([]*memoryStub, len(s.stubs))
	copy(snapshot, s.stubs)
	s.mu.RUnlock()

	if startIndex < 0 {
		startIndex = 0
	}
	for i := startIndex; i < len(snapshot); i++ {
		if filter(snapshot[i].ID(), snapshot[i].Predicates()) {
			return snapshot[i], true, nil
		}
	}
	return nil, false, nil
}

// Add appends a stub
func (s *MemoryStubs) Add(_ context.Context, stub models.Stub) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stubs = append(s.stubs, newMemoryStub(stub))
	return nil
}

// InsertAtIndex inserts a stub before index; an index past the end appends
func (s *MemoryStubs) InsertAtIndex(_ context.Context, stub models.Stub, index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index < 0 {
		index = 0
	}
	if index > len(s.stubs) {
		index = len(s.stubs)
	}
	s.stubs = append(s.stubs, nil)
	copy(s.stubs[index+1:], s.stubs[index:])
	s.stubs[index] = newMemoryStub(stub)
	return nil
}

// DeleteAtIndex removes the stub at index
func (s *MemoryStubs) DeleteAtIndex(_ context.Context, index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index < 0 || index >= len(s.stubs) {
		return errs.MissingResource(fmt.Sprintf("no stub at index %d", index))
	}
	s.stubs[index].retire()
	s.stubs = append(s.stubs[:index], s.stubs[index+1:]...)
	return nil
}

// OverwriteAtIndex replaces the stub at index with a fresh one
func (s *MemoryStubs) OverwriteAtIndex(_ context.Context, stub models.Stub, index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index < 0 || index >= len(s.stubs) {
		return errs.MissingResource(fmt.Sprintf("no stub at index %d", index))
	}
	s.stubs[index].retire()
	s.stubs[index] = newMemoryStub(stub)
	return nil
}

// OverwriteAll replaces every stub
func (s *MemoryStubs) OverwriteAll(_ context.Context, stubs []models.Stub) error {
	replacement := make([]*memoryStub, 0, len(stubs))
	for _, stub := range stubs {
		replacement = append(replacement, newMemoryStub(stub))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, stub := range s.stubs {
		stub.retire()
	}
	s.stubs = replacement
	return nil
}

// ToJSON returns a deep copy of every stub in order
func (s *MemoryStubs) ToJSON(_ context.Context, opts JSONOptions) ([]models.Stub, error) {
	s.mu.RLock()
	snapshot := make([]*memoryStub, len(s.stubs))
	copy(snapshot, s.stubs)
	s.mu.RUnlock()

	out := make([]models.Stub, 0, len(snapshot))
	for _, stub := range snapshot {
		out = append(out, stub.snapshot(opts.Debug))
	}
	return out, nil
}

// DeleteSavedProxyResponses removes directives recorded from proxies
func (s *MemoryStubs) DeleteSavedProxyResponses(ctx context.Context) error {
	return DeleteSavedProxyResponses(ctx, s)
}

// AddRequest records an inbound request
func (s *MemoryStubs) AddRequest(_ context.Context, request models.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, request.Clone())
	return nil
}

// LoadRequests returns the recorded requests in arrival order
func (s *MemoryStubs) LoadRequests(context.Context) ([]models.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Request, 0, len(s.requests))
	for _, request := range s.requests {
		out = append(out, request.Clone())
	}
	return out, nil
}

// DeleteSavedRequests forgets every recorded request
func (s *MemoryStubs) DeleteSavedRequests(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = nil
	return nil
}

type memoryStub struct {
	id         string
	predicates map[string]interface{}

	mu        sync.Mutex
	responses []models.ResponseDirective
	rotation  Rotation
	matches   []models.Match
	retired   bool
}

func newMemoryStub(stub models.Stub) *memoryStub {
	clone := stub.Clone()
	created := &memoryStub{
		id:         uuid.NewString(),
		predicates: clone.Predicates,
		matches:    clone.Matches,
	}
	for _, response := range clone.Responses {
		created.appendResponse(response)
	}
	return created
}

func (m *memoryStub) appendResponse(directive models.ResponseDirective) {
	m.responses = append(m.responses, directive)
	m.rotation.Append(len(m.responses)-1, directive.RepeatCount())
}

// retire detaches the stub from its repository; handles still held by
// in-flight requests fail from then on
func (m *memoryStub) retire() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retired = true
}

func (m *memoryStub) gone() error {
	return errs.MissingResource("stub " + m.id + " was deleted")
}

func (m *memoryStub) ID() string {
	return m.id
}

func (m *memoryStub) Predicates() map[string]interface{} {
	return m.predicates
}

func (m *memoryStub) AddResponse(_ context.Context, directive models.ResponseDirective) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.retired {
		return m.gone()
	}
	m.appendResponse(directive.Clone())
	return nil
}

func (m *memoryStub) NextResponse(context.Context) (*NextResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.retired {
		return nil, m.gone()
	}

	index, ok := m.rotation.Next()
	if !ok {
		return &NextResponse{Directive: models.ResponseDirective{Is: &models.Response{}}}, nil
	}
	return &NextResponse{
		Directive: m.responses[index].Clone(),
		Ref:       strconv.Itoa(index),
	}, nil
}

func (m *memoryStub) ReplaceResponse(_ context.Context, ref string, directive models.ResponseDirective) error {
	if ref == "" {
		return nil
	}
	index, err := strconv.Atoi(ref)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.retired {
		return m.gone()
	}
	if err != nil || index < 0 || index >= len(m.responses) {
		return errs.MissingResource("no response " + ref)
	}
	m.responses[index] = directive.Clone()
	return nil
}

func (m *memoryStub) RecordMatch(_ context.Context, match models.Match) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.retired {
		return m.gone()
	}
	m.matches = append(m.matches, match)
	return nil
}

func (m *memoryStub) snapshot(debug bool) models.Stub {
	m.mu.Lock()
	defer m.mu.Unlock()

	stub := models.Stub{
		Predicates: m.predicates,
		Responses:  m.responses,
	}
	if debug {
		stub.Matches = m.matches
	}
	return stub.Clone()
}
