package filesystem

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/comfortablynumb/pmp-imposter/internal/errs"
	"github.com/comfortablynumb/pmp-imposter/internal/models"
	"github.com/comfortablynumb/pmp-imposter/internal/repository"
)

// stubMeta is the content of a stub's meta.json
type stubMeta struct {
	ResponseFiles []string `json:"responseFiles"`
	repository.Rotation
}

type stubRepository struct {
	repo *Repository
	id   int
	dir  string
}

func (s *stubRepository) headerPath() string {
	return filepath.Join(s.dir, headerFile)
}

func (s *stubRepository) readHeader() (imposterFile, error) {
	var header imposterFile
	_, err := s.repo.readFile(s.headerPath(), &header)
	return header, err
}

func (s *stubRepository) handle(ref stubRef) *stubHandle {
	return &stubHandle{
		repo:       s.repo,
		owner:      s,
		dir:        filepath.Join(s.dir, filepath.FromSlash(ref.Meta.Dir)),
		id:         ref.Meta.Dir,
		predicates: ref.Predicates,
	}
}

// Count returns the number of stubs
func (s *stubRepository) Count(context.Context) (int, error) {
	header, err := s.readHeader()
	if err != nil {
		return 0, err
	}
	return len(header.Stubs), nil
}

// First returns the first stub from startIndex whose predicates pass filter
func (s *stubRepository) First(_ context.Context, filter repository.StubFilter, startIndex int) (repository.StubHandle, bool, error) {
	header, err := s.readHeader()
	if err != nil {
		return nil, false, err
	}

	if startIndex < 0 {
		startIndex = 0
	}
	for i := startIndex; i < len(header.Stubs); i++ {
		if filter(header.Stubs[i].Meta.Dir, header.Stubs[i].Predicates) {
			return s.handle(header.Stubs[i]), true, nil
		}
	}
	return nil, false, nil
}

// saveStub writes every artifact of a new stub and returns its reference.
// Nothing points at the directory until the caller updates the header.
func (s *stubRepository) saveStub(ctx context.Context, stub models.Stub) (stubRef, error) {
	ref := stubRef{Predicates: stub.Predicates}
	ref.Meta.Dir = "stubs/" + uuid.NewString()
	dir := filepath.Join(s.dir, filepath.FromSlash(ref.Meta.Dir))

	meta := stubMeta{ResponseFiles: []string{}}
	for i, response := range stub.Responses {
		file := "responses/" + s.repo.names.next() + ".json"
		if err := s.repo.writeFile(ctx, filepath.Join(dir, filepath.FromSlash(file)), response); err != nil {
			_ = removeAll(dir)
			return ref, err
		}
		meta.ResponseFiles = append(meta.ResponseFiles, file)
		meta.Append(i, response.RepeatCount())
	}
	for _, match := range stub.Matches {
		if err := s.repo.writeFile(ctx, filepath.Join(dir, "matches", s.repo.names.next()+".json"), match); err != nil {
			_ = removeAll(dir)
			return ref, err
		}
	}
	if err := s.repo.writeFile(ctx, filepath.Join(dir, metaFile), meta); err != nil {
		_ = removeAll(dir)
		return ref, err
	}
	return ref, nil
}

// updateHeader saves the new stubs, applies change to the header under its
// lock and then removes the directories change reports as replaced
func (s *stubRepository) updateHeader(ctx context.Context, stubs []models.Stub, change func(header *imposterFile, added []stubRef) ([]stubRef, error)) error {
	added := make([]stubRef, 0, len(stubs))
	for _, stub := range stubs {
		ref, err := s.saveStub(ctx, stub)
		if err != nil {
			s.discard(ctx, added)
			return err
		}
		added = append(added, ref)
	}

	var removed []stubRef
	err := readAndWriteFile(ctx, s.repo, s.headerPath(), func(header *imposterFile) error {
		var err error
		removed, err = change(header, added)
		return err
	})
	if err != nil {
		s.discard(ctx, added)
		return err
	}

	s.discard(ctx, removed)
	return nil
}

// discard removes stub directories that the header no longer references.
// meta.json goes first under its lock, so operations already holding a
// handle finish before the directory disappears and fail afterwards.
func (s *stubRepository) discard(ctx context.Context, refs []stubRef) {
	for _, ref := range refs {
		handle := s.handle(ref)
		err := s.repo.lockExisting(ctx, handle.metaPath(), func() error {
			if err := os.Remove(handle.metaPath()); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return errs.Database("failed to remove", handle.metaPath(), err)
			}
			return nil
		})
		if err != nil && !errors.Is(err, errNoDirectory) {
			s.repo.logger.Warn("Failed to retire stub", zap.String("path", handle.dir), zap.Error(err))
		}
		if err := removeAll(handle.dir); err != nil {
			s.repo.logger.Warn("Failed to remove stub directory", zap.String("path", handle.dir), zap.Error(err))
		}
	}
}

// Add appends a stub
func (s *stubRepository) Add(ctx context.Context, stub models.Stub) error {
	return s.InsertAtIndex(ctx, stub, -1)
}

// InsertAtIndex inserts a stub before index; a negative index or one past
// the end appends
func (s *stubRepository) InsertAtIndex(ctx context.Context, stub models.Stub, index int) error {
	return s.updateHeader(ctx, []models.Stub{stub}, func(header *imposterFile, added []stubRef) ([]stubRef, error) {
		position := index
		if position < 0 || position > len(header.Stubs) {
			position = len(header.Stubs)
		}
		stubs := make([]stubRef, 0, len(header.Stubs)+1)
		stubs = append(stubs, header.Stubs[:position]...)
		stubs = append(stubs, added[0])
		stubs = append(stubs, header.Stubs[position:]...)
		header.Stubs = stubs
		return nil, nil
	})
}

// DeleteAtIndex removes the stub at index and all of its artifacts
func (s *stubRepository) DeleteAtIndex(ctx context.Context, index int) error {
	return s.updateHeader(ctx, nil, func(header *imposterFile, _ []stubRef) ([]stubRef, error) {
		if index < 0 || index >= len(header.Stubs) {
			return nil, errs.MissingResource(fmt.Sprintf("no stub at index %d", index))
		}
		removed := header.Stubs[index]
		header.Stubs = append(header.Stubs[:index:index], header.Stubs[index+1:]...)
		return []stubRef{removed}, nil
	})
}

// OverwriteAtIndex replaces the stub at index with a fresh one
func (s *stubRepository) OverwriteAtIndex(ctx context.Context, stub models.Stub, index int) error {
	return s.updateHeader(ctx, []models.Stub{stub}, func(header *imposterFile, added []stubRef) ([]stubRef, error) {
		if index < 0 || index >= len(header.Stubs) {
			return nil, errs.MissingResource(fmt.Sprintf("no stub at index %d", index))
		}
		removed := header.Stubs[index]
		header.Stubs[index] = added[0]
		return []stubRef{removed}, nil
	})
}

// OverwriteAll replaces every stub
func (s *stubRepository) OverwriteAll(ctx context.Context, stubs []models.Stub) error {
	return s.updateHeader(ctx, stubs, func(header *imposterFile, added []stubRef) ([]stubRef, error) {
		removed := header.Stubs
		header.Stubs = added
		return removed, nil
	})
}

// ToJSON loads every stub concurrently, preserving order
func (s *stubRepository) ToJSON(_ context.Context, opts repository.JSONOptions) ([]models.Stub, error) {
	header, err := s.readHeader()
	if err != nil {
		return nil, err
	}

	loaded := make([]*models.Stub, len(header.Stubs))
	var group errgroup.Group
	group.SetLimit(16)
	for i, ref := range header.Stubs {
		group.Go(func() error {
			stub, err := s.handle(ref).load(opts.Debug)
			if errs.HasCode(err, errs.CodeMissingResource) {
				// deleted after the header was read
				return nil
			}
			if err != nil {
				return err
			}
			loaded[i] = &stub
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	stubs := make([]models.Stub, 0, len(loaded))
	for _, stub := range loaded {
		if stub != nil {
			stubs = append(stubs, *stub)
		}
	}
	return stubs, nil
}

// DeleteSavedProxyResponses removes directives recorded from proxies
func (s *stubRepository) DeleteSavedProxyResponses(ctx context.Context) error {
	return repository.DeleteSavedProxyResponses(ctx, s)
}

func (s *stubRepository) requestsDir() string {
	return filepath.Join(s.dir, "requests")
}

// AddRequest records an inbound request in its own file
func (s *stubRepository) AddRequest(ctx context.Context, request models.Request) error {
	return s.repo.writeFile(ctx, filepath.Join(s.requestsDir(), s.repo.names.next()+".json"), request)
}

// LoadRequests returns the recorded requests in arrival order
func (s *stubRepository) LoadRequests(context.Context) ([]models.Request, error) {
	names, err := listNames(s.requestsDir())
	if err != nil {
		return nil, err
	}

	requests := make([]models.Request, 0, len(names))
	for _, name := range names {
		var request models.Request
		found, err := s.repo.readFile(filepath.Join(s.requestsDir(), name), &request)
		if err != nil {
			return nil, err
		}
		if found {
			requests = append(requests, request)
		}
	}
	return requests, nil
}

// DeleteSavedRequests removes every recorded request
func (s *stubRepository) DeleteSavedRequests(context.Context) error {
	return removeAll(s.requestsDir())
}

// stubHandle addresses one stub directory
type stubHandle struct {
	repo       *Repository
	owner      *stubRepository
	dir        string
	id         string
	predicates map[string]interface{}
}

func (h *stubHandle) metaPath() string {
	return filepath.Join(h.dir, metaFile)
}

func (h *stubHandle) responsePath(ref string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(ref))
	if ref == "" || filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return "", errs.MissingResource("no response " + ref)
	}
	return filepath.Join(h.dir, clean), nil
}

// locked runs fn with the decoded meta.json while holding its lock. It never
// creates anything on disk, so a handle outliving its stub cannot bring the
// stub directory back.
func (h *stubHandle) locked(ctx context.Context, fn func(meta *stubMeta) error) error {
	path := h.metaPath()
	err := h.repo.lockExisting(ctx, path, func() error {
		var meta stubMeta
		found, err := h.repo.readFile(path, &meta)
		if err != nil {
			return err
		}
		if !found {
			return h.missing(path)
		}
		return fn(&meta)
	})
	if errors.Is(err, errNoDirectory) {
		return h.missing(path)
	}
	return err
}

// missing explains an absent meta.json. A stub the header no longer lists
// was deleted; one it still lists has a damaged directory.
func (h *stubHandle) missing(path string) error {
	header, err := h.owner.readHeader()
	if err != nil {
		return err
	}
	for _, ref := range header.Stubs {
		if ref.Meta.Dir == h.id {
			h.repo.logger.Error("Stub meta file is missing", zap.String("path", path))
			return errs.Database("meta file is missing", path, nil)
		}
	}
	return errs.MissingResource("stub " + h.id + " was deleted")
}

// ID returns the stub directory relative to the imposter directory
func (h *stubHandle) ID() string {
	return h.id
}

// Predicates returns the stub's raw predicates
func (h *stubHandle) Predicates() map[string]interface{} {
	return h.predicates
}

// AddResponse appends a directive to the rotation
func (h *stubHandle) AddResponse(ctx context.Context, directive models.ResponseDirective) error {
	return h.locked(ctx, func(meta *stubMeta) error {
		file := "responses/" + h.repo.names.next() + ".json"
		if err := h.repo.writeFile(ctx, filepath.Join(h.dir, filepath.FromSlash(file)), directive); err != nil {
			return err
		}
		meta.ResponseFiles = append(meta.ResponseFiles, file)
		meta.Append(len(meta.ResponseFiles)-1, directive.RepeatCount())
		return h.repo.replaceFile(ctx, h.metaPath(), meta)
	})
}

// NextResponse advances the rotation under the meta.json lock
func (h *stubHandle) NextResponse(ctx context.Context) (*repository.NextResponse, error) {
	next := &repository.NextResponse{Directive: models.ResponseDirective{Is: &models.Response{}}}
	err := h.locked(ctx, func(meta *stubMeta) error {
		index, ok := meta.Next()
		if !ok {
			return nil
		}
		if index < 0 || index >= len(meta.ResponseFiles) {
			return errs.CorruptedDatabase(h.metaPath(), fmt.Errorf("rotation refers to missing response %d", index))
		}
		if err := h.repo.replaceFile(ctx, h.metaPath(), meta); err != nil {
			return err
		}

		ref := meta.ResponseFiles[index]
		path, err := h.responsePath(ref)
		if err != nil {
			return err
		}
		var directive models.ResponseDirective
		found, err := h.repo.readFile(path, &directive)
		if err != nil {
			return err
		}
		if !found {
			return errs.Database("response file is missing", path, nil)
		}
		next = &repository.NextResponse{Directive: directive, Ref: ref}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return next, nil
}

// ReplaceResponse rewrites the stored directive named by ref
func (h *stubHandle) ReplaceResponse(ctx context.Context, ref string, directive models.ResponseDirective) error {
	if ref == "" {
		return nil
	}
	path, err := h.responsePath(ref)
	if err != nil {
		return err
	}
	return h.locked(ctx, func(*stubMeta) error {
		return h.repo.writeFile(ctx, path, directive)
	})
}

// RecordMatch appends a match record
func (h *stubHandle) RecordMatch(ctx context.Context, match models.Match) error {
	return h.locked(ctx, func(*stubMeta) error {
		return h.repo.writeFile(ctx, filepath.Join(h.dir, "matches", h.repo.names.next()+".json"), match)
	})
}

// load reads the stub's responses in rotation order of definition, plus its
// matches when debug is set
func (h *stubHandle) load(debug bool) (models.Stub, error) {
	stub := models.Stub{Predicates: h.predicates}

	var meta stubMeta
	found, err := h.repo.readFile(h.metaPath(), &meta)
	if err != nil {
		return stub, err
	}
	if !found {
		return stub, h.missing(h.metaPath())
	}

	stub.Responses = make([]models.ResponseDirective, 0, len(meta.ResponseFiles))
	for _, file := range meta.ResponseFiles {
		path, err := h.responsePath(file)
		if err != nil {
			return stub, err
		}
		var directive models.ResponseDirective
		if _, err := h.repo.readFile(path, &directive); err != nil {
			return stub, err
		}
		stub.Responses = append(stub.Responses, directive)
	}

	if !debug {
		return stub, nil
	}

	matchesDir := filepath.Join(h.dir, "matches")
	names, err := listNames(matchesDir)
	if err != nil {
		return stub, err
	}
	for _, name := range names {
		var match models.Match
		found, err := h.repo.readFile(filepath.Join(matchesDir, name), &match)
		if err != nil {
			return stub, err
		}
		if found {
			stub.Matches = append(stub.Matches, match)
		}
	}
	return stub, nil
}
