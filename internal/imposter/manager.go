package imposter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/comfortablynumb/pmp-imposter/internal/errs"
	"github.com/comfortablynumb/pmp-imposter/internal/inject"
	"github.com/comfortablynumb/pmp-imposter/internal/models"
	"github.com/comfortablynumb/pmp-imposter/internal/observability"
	"github.com/comfortablynumb/pmp-imposter/internal/proxy"
	"github.com/comfortablynumb/pmp-imposter/internal/repository"
	"github.com/comfortablynumb/pmp-imposter/internal/validator"
)

// Manager creates, revives and tears down imposters
type Manager struct {
	repo      repository.ImposterRepository
	protocols map[string]Protocol
	injector  *inject.Injector
	proxy     proxy.Proxy
	validator *validator.Validator
	logger    *zap.Logger
	now       func() time.Time

	mu      sync.RWMutex
	handles map[int]*Imposter
}

// Option configures a Manager
type Option func(*Manager)

// WithInjector sets the injector used by predicates and responses
func WithInjector(injector *inject.Injector) Option {
	return func(m *Manager) {
		m.injector = injector
	}
}

// WithProxy sets the proxy used by proxy responses
func WithProxy(p proxy.Proxy) Option {
	return func(m *Manager) {
		m.proxy = p
	}
}

// WithLogger sets the manager logger
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager creates a manager over repo serving the given protocols
func NewManager(repo repository.ImposterRepository, protocols []Protocol, opts ...Option) *Manager {
	m := &Manager{
		repo:      repo,
		protocols: make(map[string]Protocol, len(protocols)),
		logger:    observability.GetLogger(),
		now:       time.Now,
		handles:   make(map[int]*Imposter),
	}
	for _, protocol := range protocols {
		m.protocols[protocol.Name()] = protocol
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.injector == nil {
		m.injector = inject.New(false, inject.WithLogger(m.logger))
	}
	if m.proxy == nil {
		m.proxy = proxy.NewClient(proxy.Config{}, m.logger)
	}
	m.validator = validator.NewValidator(m.injector)
	return m
}

// Protocols returns the names of the supported protocols
func (m *Manager) Protocols() []string {
	names := make([]string, 0, len(m.protocols))
	for name := range m.protocols {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TestRequest returns the dry run request of a protocol
func (m *Manager) TestRequest(protocol string) (models.Request, bool) {
	p, ok := m.protocols[protocol]
	if !ok {
		return nil, false
	}
	return p.TestRequest(), true
}

// Create validates the imposter, starts its listener and stores it. Port 0
// binds an ephemeral port, reflected in the returned handle.
func (m *Manager) Create(ctx context.Context, imposter *models.Imposter) (*Imposter, error) {
	protocol, err := m.check(ctx, imposter)
	if err != nil {
		return nil, err
	}

	if imposter.Port != 0 {
		exists, err := m.repo.Exists(ctx, imposter.Port)
		if err != nil {
			return nil, err
		}
		if exists {
			return nil, errs.ResourceConflict(fmt.Sprintf("port %d is already in use by an imposter", imposter.Port))
		}
	}

	handle, err := m.start(ctx, imposter, protocol)
	if err != nil {
		return nil, err
	}

	stored := imposter.Clone()
	stored.Port = handle.ID()
	stored.Requests = nil
	if err := m.repo.Add(ctx, stored, handle); err != nil {
		_ = handle.Stop(ctx)
		return nil, err
	}

	m.register(handle)
	handle.logger.Info("Imposter created", zap.Int("stubs", len(stored.Stubs)))
	return handle, nil
}

// check validates the header and every stub, reporting all problems at once
func (m *Manager) check(ctx context.Context, imposter *models.Imposter) (Protocol, error) {
	if err := imposter.Validate(); err != nil {
		return nil, errs.Validation(err.Error(), imposter.Header())
	}

	protocol, ok := m.protocols[imposter.Protocol]
	if !ok {
		return nil, errs.Validation(fmt.Sprintf("the %s protocol is not supported", imposter.Protocol), imposter.Protocol)
	}

	var problems []error
	for _, stub := range imposter.Stubs {
		problems = append(problems, m.validator.StubErrors(ctx, stub, protocol.TestRequest())...)
	}
	return protocol, errors.Join(problems...)
}

// start listens for the imposter. Requests are held until the handle is
// registered.
func (m *Manager) start(ctx context.Context, header *models.Imposter, protocol Protocol) (*Imposter, error) {
	handle := newImposter(m, header, protocol)
	server, err := protocol.Listen(ctx, handle.Header(), handle)
	if err != nil {
		return nil, bindError(err, header.Port)
	}
	handle.bind(m, server)
	observability.RecordImposterActive(1)
	return handle, nil
}

func (m *Manager) register(handle *Imposter) {
	m.mu.Lock()
	m.handles[handle.ID()] = handle
	m.mu.Unlock()
	handle.open()
}

// Load revives the imposters kept by the repository without rewriting them
func (m *Manager) Load(ctx context.Context) error {
	registry := make(repository.ProtocolRegistry, len(m.protocols))
	for name, protocol := range m.protocols {
		registry[name] = repository.ImposterFactoryFunc(func(ctx context.Context, header *models.Imposter) (repository.Controller, error) {
			handle, err := m.start(ctx, header, protocol)
			if err != nil {
				return nil, err
			}
			m.register(handle)
			return handle, nil
		})
	}
	return m.repo.LoadAll(ctx, registry)
}

// Get returns the live handle of an imposter
func (m *Manager) Get(_ context.Context, id int) (*Imposter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	handle, ok := m.handles[id]
	if !ok {
		return nil, errs.MissingResource(fmt.Sprintf("no imposter on port %d", id))
	}
	return handle, nil
}

// All returns every live imposter with its stubs
func (m *Manager) All(ctx context.Context) ([]*models.Imposter, error) {
	return m.repo.All(ctx)
}

// Count returns the number of live imposters
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.handles)
}

// Delete stops the imposter and removes its data. It returns nil, nil when
// no imposter is bound to the port.
func (m *Manager) Delete(ctx context.Context, id int) (*models.Imposter, error) {
	imposter, err := m.repo.Del(ctx, id)
	m.mu.Lock()
	delete(m.handles, id)
	m.mu.Unlock()
	return imposter, err
}

// DeleteAll stops every imposter and removes all stored data
func (m *Manager) DeleteAll(ctx context.Context) error {
	err := m.repo.DeleteAll(ctx)
	m.forgetAll()
	return err
}

// StopAll stops every imposter and keeps stored data for the next Load
func (m *Manager) StopAll(ctx context.Context) error {
	err := m.repo.StopAll(ctx)
	m.forgetAll()
	return err
}

func (m *Manager) forgetAll() {
	m.mu.Lock()
	m.handles = make(map[int]*Imposter)
	m.mu.Unlock()
}

// Replace swaps every imposter for the given set. All imposters are checked
// before any running one is touched.
func (m *Manager) Replace(ctx context.Context, imposters []*models.Imposter) error {
	var problems []error
	for _, imposter := range imposters {
		if _, err := m.check(ctx, imposter); err != nil {
			problems = append(problems, fmt.Errorf("imposter %s:%d: %w", imposter.Protocol, imposter.Port, err))
		}
	}
	if len(problems) > 0 {
		return errors.Join(problems...)
	}

	if err := m.DeleteAll(ctx); err != nil {
		return err
	}

	for _, imposter := range imposters {
		if _, err := m.Create(ctx, imposter); err != nil {
			problems = append(problems, fmt.Errorf("imposter %s:%d: %w", imposter.Protocol, imposter.Port, err))
		}
	}
	m.logger.Info("Imposters replaced", zap.Int("count", m.Count()))
	return errors.Join(problems...)
}
