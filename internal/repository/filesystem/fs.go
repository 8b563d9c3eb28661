// Package filesystem is the durable repository. Each imposter is a
// directory named by its port:
//
//	{datadir}/{port}/imposter.json
//	{datadir}/{port}/stubs/{uuid}/meta.json
//	{datadir}/{port}/stubs/{uuid}/responses/{epoch}-{pid}-{n}.json
//	{datadir}/{port}/stubs/{uuid}/matches/{epoch}-{pid}-{n}.json
//	{datadir}/{port}/requests/{epoch}-{pid}-{n}.json
//
// imposter.json and meta.json are only modified under an advisory lock, and
// every write goes through a temp file and a rename.
package filesystem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/comfortablynumb/pmp-imposter/internal/errs"
	"github.com/comfortablynumb/pmp-imposter/internal/models"
	"github.com/comfortablynumb/pmp-imposter/internal/observability"
	"github.com/comfortablynumb/pmp-imposter/internal/repository"
)

const (
	headerFile = "imposter.json"
	metaFile   = "meta.json"
)

// Repository stores imposters under a data directory
type Repository struct {
	dataDir string
	logger  *zap.Logger
	lock    LockOptions
	names   *nameGenerator

	rename         func(from, to string) error
	renameAttempts int
	renameDelay    time.Duration

	mu          sync.RWMutex
	controllers map[int]repository.Controller
}

// Option configures a Repository
type Option func(*Repository)

// WithLogger sets the repository logger
func WithLogger(logger *zap.Logger) Option {
	return func(r *Repository) {
		r.logger = logger
	}
}

// WithLockOptions overrides lock acquisition limits
func WithLockOptions(opts LockOptions) Option {
	return func(r *Repository) {
		r.lock = opts
	}
}

// New creates a repository rooted at dataDir
func New(dataDir string, opts ...Option) *Repository {
	r := &Repository{
		dataDir:        dataDir,
		logger:         observability.GetLogger(),
		lock:           DefaultLockOptions(),
		names:          newNameGenerator(),
		rename:         os.Rename,
		renameAttempts: 5,
		renameDelay:    10 * time.Millisecond,
		controllers:    make(map[int]repository.Controller),
	}
	for _, opt := range opts {
		opt(r)
	}

	defaults := DefaultLockOptions()
	if r.lock.Retries < 0 {
		r.lock.Retries = 0
	}
	if r.lock.MinTimeout <= 0 {
		r.lock.MinTimeout = defaults.MinTimeout
	}
	if r.lock.MaxTimeout < r.lock.MinTimeout {
		r.lock.MaxTimeout = r.lock.MinTimeout
	}
	if r.lock.Factor < 1 {
		r.lock.Factor = defaults.Factor
	}
	r.logger = r.logger.Named("filesystem")
	return r
}

// DataDir returns the root directory
func (r *Repository) DataDir() string {
	return r.dataDir
}

func (r *Repository) imposterDir(id int) string {
	return filepath.Join(r.dataDir, strconv.Itoa(id))
}

func (r *Repository) headerPath(id int) string {
	return filepath.Join(r.imposterDir(id), headerFile)
}

// Add writes the imposter header, then its stubs, and registers the controller
func (r *Repository) Add(ctx context.Context, imposter *models.Imposter, controller repository.Controller) error {
	err := readAndWriteFile(ctx, r, r.headerPath(imposter.Port), func(current *imposterFile) error {
		current.Imposter = imposter.Header()
		return nil
	})
	if err != nil {
		return err
	}

	if err := r.StubsFor(imposter.Port).OverwriteAll(ctx, imposter.Stubs); err != nil {
		return err
	}

	r.mu.Lock()
	r.controllers[imposter.Port] = controller
	r.mu.Unlock()
	return nil
}

func (r *Repository) registered(id int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.controllers[id]
	return ok
}

// Get returns a live imposter with its stubs and requests
func (r *Repository) Get(ctx context.Context, id int) (*models.Imposter, error) {
	missing := errs.MissingResource(fmt.Sprintf("no imposter on port %d", id))
	if !r.registered(id) {
		return nil, missing
	}

	var header imposterFile
	found, err := r.readFile(r.headerPath(id), &header)
	if err != nil {
		return nil, err
	}
	if !found || header.Imposter == nil {
		return nil, missing
	}

	imposter := header.Imposter
	stubs := r.StubsFor(id)
	if imposter.Stubs, err = stubs.ToJSON(ctx, repository.JSONOptions{}); err != nil {
		return nil, err
	}
	if imposter.Requests, err = stubs.LoadRequests(ctx); err != nil {
		return nil, err
	}
	return imposter, nil
}

func (r *Repository) ids() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]int, 0, len(r.controllers))
	for id := range r.controllers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// All returns every live imposter ordered by port
func (r *Repository) All(ctx context.Context) ([]*models.Imposter, error) {
	ids := r.ids()
	imposters := make([]*models.Imposter, len(ids))

	group, groupCtx := errgroup.WithContext(ctx)
	for i, id := range ids {
		group.Go(func() error {
			imposter, err := r.Get(groupCtx, id)
			if errs.HasCode(err, errs.CodeMissingResource) {
				return nil
			}
			imposters[i] = imposter
			return err
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	out := make([]*models.Imposter, 0, len(imposters))
	for _, imposter := range imposters {
		if imposter != nil {
			out = append(out, imposter)
		}
	}
	return out, nil
}

// Exists reports whether a live imposter is registered under id
func (r *Repository) Exists(_ context.Context, id int) (bool, error) {
	return r.registered(id), nil
}

// Del stops the imposter and removes its directory
func (r *Repository) Del(ctx context.Context, id int) (*models.Imposter, error) {
	imposter, err := r.Get(ctx, id)
	if errs.HasCode(err, errs.CodeMissingResource) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	controller := r.controllers[id]
	delete(r.controllers, id)
	r.mu.Unlock()

	var stopErr error
	if controller != nil {
		if err := controller.Stop(ctx); err != nil {
			stopErr = fmt.Errorf("failed to stop imposter %d: %w", id, err)
		}
	}
	if err := removeAll(r.imposterDir(id)); err != nil {
		return imposter, err
	}
	return imposter, stopErr
}

func (r *Repository) unregisterAll() []repository.Controller {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]int, 0, len(r.controllers))
	for id := range r.controllers {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	controllers := make([]repository.Controller, 0, len(ids))
	for _, id := range ids {
		if controller := r.controllers[id]; controller != nil {
			controllers = append(controllers, controller)
		}
	}
	r.controllers = make(map[int]repository.Controller)
	return controllers
}

// StopAll stops every controller concurrently; stored data is kept for the
// next LoadAll
func (r *Repository) StopAll(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	for _, controller := range r.unregisterAll() {
		group.Go(func() error {
			return controller.Stop(groupCtx)
		})
	}
	return group.Wait()
}

// StopAllSync stops every controller in port order; stored data is kept
func (r *Repository) StopAllSync(ctx context.Context) error {
	var firstErr error
	for _, controller := range r.unregisterAll() {
		if err := controller.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// DeleteAll stops every controller and removes every imposter directory
func (r *Repository) DeleteAll(ctx context.Context) error {
	stopErr := r.StopAll(ctx)

	ids, err := r.storedIDs()
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := removeAll(r.imposterDir(id)); err != nil {
			return err
		}
	}
	return stopErr
}

// storedIDs lists the numeric imposter directories under the data directory
func (r *Repository) storedIDs() ([]int, error) {
	entries, err := os.ReadDir(r.dataDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Database("failed to list data directory", r.dataDir, err)
	}

	var ids []int
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids, nil
}

// LoadAll revives every stored imposter whose protocol is registered.
// Unreadable headers and unknown protocols are skipped with a warning.
func (r *Repository) LoadAll(ctx context.Context, registry repository.ProtocolRegistry) error {
	ids, err := r.storedIDs()
	if err != nil {
		return err
	}

	for _, id := range ids {
		logger := r.logger.With(zap.Int("port", id))

		var header imposterFile
		found, err := r.readFile(r.headerPath(id), &header)
		if err != nil || !found || header.Imposter == nil {
			logger.Warn("Skipping imposter with unreadable header", zap.Error(err))
			continue
		}

		factory, ok := registry[header.Imposter.Protocol]
		if !ok {
			logger.Warn("Skipping imposter with unknown protocol", zap.String("protocol", header.Imposter.Protocol))
			continue
		}

		controller, err := factory.Create(ctx, header.Imposter)
		if err != nil {
			logger.Warn("Failed to revive imposter", zap.Error(err))
			continue
		}

		r.mu.Lock()
		r.controllers[id] = controller
		r.mu.Unlock()
		logger.Info("Loaded imposter", zap.String("protocol", header.Imposter.Protocol))
	}
	return nil
}

// StubsFor returns the stub repository of an imposter
func (r *Repository) StubsFor(id int) repository.StubRepository {
	return &stubRepository{repo: r, id: id, dir: r.imposterDir(id)}
}

// stubRef is how imposter.json refers to a stub directory
type stubRef struct {
	Predicates map[string]interface{} `json:"predicates,omitempty"`
	Meta       struct {
		Dir string `json:"dir"`
	} `json:"meta"`
}

// imposterFile is the content of imposter.json
type imposterFile struct {
	Imposter *models.Imposter
	Stubs    []stubRef
}

// MarshalJSON writes the imposter header with stub references in place of stubs
func (f imposterFile) MarshalJSON() ([]byte, error) {
	fields := make(map[string]interface{})
	if f.Imposter != nil {
		data, err := json.Marshal(f.Imposter.Header())
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, &fields); err != nil {
			return nil, err
		}
	}

	stubs := f.Stubs
	if stubs == nil {
		stubs = []stubRef{}
	}
	fields["stubs"] = stubs
	return json.Marshal(fields)
}

// UnmarshalJSON splits imposter.json into header and stub references
func (f *imposterFile) UnmarshalJSON(data []byte) error {
	var refs struct {
		Stubs []stubRef `json:"stubs"`
	}
	if err := json.Unmarshal(data, &refs); err != nil {
		return err
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	delete(fields, "stubs")

	f.Stubs = refs.Stubs
	f.Imposter = nil
	if _, ok := fields["protocol"]; !ok {
		return nil
	}

	header, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	var imposter models.Imposter
	if err := json.Unmarshal(header, &imposter); err != nil {
		return err
	}
	f.Imposter = &imposter
	return nil
}
