package filesystem

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comfortablynumb/pmp-imposter/internal/errs"
	"github.com/comfortablynumb/pmp-imposter/internal/models"
	"github.com/comfortablynumb/pmp-imposter/internal/repository"
	"github.com/comfortablynumb/pmp-imposter/internal/repository/repositorytest"
)

func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	return New(t.TempDir(), WithLockOptions(LockOptions{
		Retries:    50,
		MinTimeout: time.Millisecond,
		MaxTimeout: 20 * time.Millisecond,
		Factor:     1.5,
	}))
}

func TestFilesystemContract(t *testing.T) {
	repositorytest.Run(t, func(t *testing.T) repository.ImposterRepository {
		return newTestRepository(t)
	})
}

func TestLayout(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)
	imposter := &models.Imposter{
		Protocol: "http",
		Port:     4545,
		Config:   map[string]interface{}{"key": "value"},
		Stubs: []models.Stub{repositorytest.Stub("/a",
			repositorytest.IsResponse("one", 2),
			repositorytest.IsResponse("two", 0),
		)},
	}
	require.NoError(t, repo.Add(ctx, imposter, &repositorytest.StopRecorder{}))
	require.NoError(t, repo.StubsFor(4545).AddRequest(ctx, models.Request{"path": "/a"}))

	data, err := os.ReadFile(filepath.Join(repo.DataDir(), "4545", "imposter.json"))
	require.NoError(t, err)

	var header map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &header))
	assert.Equal(t, "http", header["protocol"])
	assert.Equal(t, "value", header["key"])

	stubs, ok := header["stubs"].([]interface{})
	require.True(t, ok)
	require.Len(t, stubs, 1)
	ref := stubs[0].(map[string]interface{})
	assert.NotNil(t, ref["predicates"])
	dir := ref["meta"].(map[string]interface{})["dir"].(string)
	assert.Regexp(t, `^stubs/[0-9a-f-]{36}$`, dir)

	var meta stubMeta
	data, err = os.ReadFile(filepath.Join(repo.DataDir(), "4545", filepath.FromSlash(dir), "meta.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &meta))
	assert.Len(t, meta.ResponseFiles, 2)
	assert.Equal(t, []int{0, 0, 1}, meta.OrderWithRepeats)
	assert.Equal(t, 0, meta.NextIndex)
	for _, file := range meta.ResponseFiles {
		assert.Regexp(t, `^responses/\d+-\d+-\d+\.json$`, file)
	}

	requests, err := listNames(filepath.Join(repo.DataDir(), "4545", "requests"))
	require.NoError(t, err)
	assert.Len(t, requests, 1)
}

func TestCorruptedJSON(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)
	require.NoError(t, repo.Add(ctx, &models.Imposter{Protocol: "http", Port: 3000}, nil))

	path := filepath.Join(repo.DataDir(), "3000", "imposter.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := repo.StubsFor(3000).Count(ctx)
	require.Error(t, err)
	assert.True(t, errs.HasCode(err, errs.CodeCorruptedDatabase), "got %v", err)
	assert.Contains(t, err.Error(), path)
}

func TestInterruptedMetaWriteKeepsOriginal(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)
	require.NoError(t, repo.Add(ctx, &models.Imposter{Protocol: "http", Port: 3000, Stubs: []models.Stub{
		repositorytest.Stub("/", repositorytest.IsResponse("first", 0), repositorytest.IsResponse("second", 0)),
	}}, nil))

	handle, found, err := repo.StubsFor(3000).First(ctx, repositorytest.MatchAll, 0)
	require.NoError(t, err)
	require.True(t, found)

	metaPath := filepath.Join(repo.DataDir(), "3000", filepath.FromSlash(handle.ID()), "meta.json")
	original, err := os.ReadFile(metaPath)
	require.NoError(t, err)

	repo.rename = func(string, string) error {
		return errors.New("simulated crash before rename")
	}

	_, err = handle.NextResponse(ctx)
	require.Error(t, err)
	assert.True(t, errs.HasCode(err, errs.CodeDatabase), "got %v", err)

	current, err := os.ReadFile(metaPath)
	require.NoError(t, err)
	assert.Equal(t, original, current)

	var meta stubMeta
	require.NoError(t, json.Unmarshal(current, &meta))
	assert.Equal(t, 0, meta.NextIndex)

	entries, err := os.ReadDir(filepath.Dir(metaPath))
	require.NoError(t, err)
	for _, entry := range entries {
		assert.NotRegexp(t, `\.tmp$`, entry.Name(), "temp file left behind")
	}

	repo.rename = os.Rename
	next, err := handle.NextResponse(ctx)
	require.NoError(t, err)
	assert.Equal(t, "first", next.Directive.Is.Body)
}

func TestRenameRetriesFileNotFound(t *testing.T) {
	repo := newTestRepository(t)
	repo.renameDelay = time.Millisecond

	var calls atomic.Int32
	repo.rename = func(from, to string) error {
		if calls.Add(1) <= 2 {
			return &os.LinkError{Op: "rename", Old: from, New: to, Err: fs.ErrNotExist}
		}
		return os.Rename(from, to)
	}

	path := filepath.Join(repo.DataDir(), "file.json")
	require.NoError(t, repo.writeFile(context.Background(), path, map[string]string{"a": "b"}))
	assert.Equal(t, int32(3), calls.Load())

	var got map[string]string
	found, err := repo.readFile(path, &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "b", got["a"])
}

func TestRenameGivesUpAfterBoundedAttempts(t *testing.T) {
	repo := newTestRepository(t)
	repo.renameDelay = time.Millisecond

	var calls atomic.Int32
	repo.rename = func(from, to string) error {
		calls.Add(1)
		return &os.LinkError{Op: "rename", Old: from, New: to, Err: fs.ErrNotExist}
	}

	err := repo.writeFile(context.Background(), filepath.Join(repo.DataDir(), "file.json"), "x")
	require.Error(t, err)
	assert.True(t, errs.HasCode(err, errs.CodeDatabase))
	assert.Equal(t, int32(repo.renameAttempts), calls.Load())
}

func TestStaleHandleLeavesNoArtifacts(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)
	require.NoError(t, repo.Add(ctx, &models.Imposter{Protocol: "http", Port: 3000, Stubs: []models.Stub{
		repositorytest.Stub("/a", repositorytest.IsResponse("a", 0)),
		repositorytest.Stub("/b", repositorytest.IsResponse("b", 0)),
	}}, nil))

	stubs := repo.StubsFor(3000)
	stale, _, err := stubs.First(ctx, repositorytest.MatchAll, 0)
	require.NoError(t, err)
	dir := filepath.Join(repo.DataDir(), "3000", filepath.FromSlash(stale.ID()))

	require.NoError(t, stubs.DeleteAtIndex(ctx, 0))
	_, err = os.Stat(dir)
	require.ErrorIs(t, err, fs.ErrNotExist)

	_, err = stale.NextResponse(ctx)
	assert.True(t, errs.HasCode(err, errs.CodeMissingResource), "got %v", err)
	err = stale.RecordMatch(ctx, models.Match{Timestamp: "late"})
	assert.True(t, errs.HasCode(err, errs.CodeMissingResource), "got %v", err)
	err = stale.AddResponse(ctx, repositorytest.IsResponse("late", 0))
	assert.True(t, errs.HasCode(err, errs.CodeMissingResource), "got %v", err)

	_, err = os.Stat(dir)
	assert.ErrorIs(t, err, fs.ErrNotExist, "deleted stub directory was recreated")
}

func TestMissingMetaIsDatabaseError(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)
	require.NoError(t, repo.Add(ctx, &models.Imposter{Protocol: "http", Port: 3000, Stubs: []models.Stub{
		repositorytest.Stub("/", repositorytest.IsResponse("first", 0)),
	}}, nil))

	stubs := repo.StubsFor(3000)
	handle, _, err := stubs.First(ctx, repositorytest.MatchAll, 0)
	require.NoError(t, err)
	metaPath := filepath.Join(repo.DataDir(), "3000", filepath.FromSlash(handle.ID()), "meta.json")
	require.NoError(t, os.Remove(metaPath))

	tests := []struct {
		name string
		run  func() error
	}{
		{"NextResponse", func() error {
			_, err := handle.NextResponse(ctx)
			return err
		}},
		{"AddResponse", func() error {
			return handle.AddResponse(ctx, repositorytest.IsResponse("second", 0))
		}},
		{"ToJSON", func() error {
			_, err := stubs.ToJSON(ctx, repository.JSONOptions{})
			return err
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.run()
			require.Error(t, err)
			assert.True(t, errs.HasCode(err, errs.CodeDatabase), "got %v", err)
			assert.Contains(t, err.Error(), "meta file is missing")
			var dbErr *errs.Error
			require.ErrorAs(t, err, &dbErr)
			assert.Equal(t, metaPath, dbErr.Source)

			_, statErr := os.Stat(metaPath)
			assert.ErrorIs(t, statErr, fs.ErrNotExist)
		})
	}
}

func TestLockExistingLeavesMissingDirectoryAlone(t *testing.T) {
	repo := newTestRepository(t)
	dir := filepath.Join(repo.DataDir(), "gone")

	err := repo.lockExisting(context.Background(), filepath.Join(dir, "meta.json"), func() error {
		t.Error("Critical section must not run without a directory")
		return nil
	})
	assert.ErrorIs(t, err, errNoDirectory)

	_, err = os.Stat(dir)
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestLockTimeout(t *testing.T) {
	repo := New(t.TempDir(), WithLockOptions(LockOptions{
		Retries:    2,
		MinTimeout: time.Millisecond,
		MaxTimeout: 2 * time.Millisecond,
		Factor:     1.5,
	}))
	path := filepath.Join(repo.DataDir(), "meta.json")

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- repo.withLock(context.Background(), path, func() error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	err := repo.withLock(context.Background(), path, func() error {
		t.Error("Critical section must not run without the lock")
		return nil
	})
	close(release)

	require.Error(t, err)
	assert.True(t, errs.HasCode(err, errs.CodeLock), "got %v", err)
	assert.True(t, errs.Retryable(err))
	require.NoError(t, <-done)

	// the lock is usable again once released
	require.NoError(t, repo.withLock(context.Background(), path, func() error { return nil }))
}

func TestLockReleasedOnError(t *testing.T) {
	repo := newTestRepository(t)
	path := filepath.Join(repo.DataDir(), "meta.json")

	boom := errors.New("boom")
	err := repo.withLock(context.Background(), path, func() error { return boom })
	assert.ErrorIs(t, err, boom)

	require.NoError(t, repo.withLock(context.Background(), path, func() error { return nil }))
}

type fakeController struct {
	port    int
	stopped bool
}

func (f *fakeController) Stop(context.Context) error {
	f.stopped = true
	return nil
}

func TestLoadAll(t *testing.T) {
	ctx := context.Background()
	dataDir := t.TempDir()

	first := New(dataDir)
	require.NoError(t, first.Add(ctx, &models.Imposter{Protocol: "http", Port: 3000, Stubs: []models.Stub{
		repositorytest.Stub("/", repositorytest.IsResponse("kept", 0)),
	}}, nil))
	require.NoError(t, first.Add(ctx, &models.Imposter{Protocol: "smtp", Port: 3001}, nil))
	require.NoError(t, os.MkdirAll(filepath.Join(dataDir, "3002"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "3002", "imposter.json"), []byte("garbage"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dataDir, "not-a-port"), 0o755))
	require.NoError(t, first.StopAll(ctx))

	second := New(dataDir)
	var revived []*fakeController
	registry := repository.ProtocolRegistry{
		"http": repository.ImposterFactoryFunc(func(_ context.Context, header *models.Imposter) (repository.Controller, error) {
			controller := &fakeController{port: header.Port}
			revived = append(revived, controller)
			return controller, nil
		}),
	}
	require.NoError(t, second.LoadAll(ctx, registry))

	require.Len(t, revived, 1)
	assert.Equal(t, 3000, revived[0].port)

	all, err := second.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, 3000, all[0].Port)
	require.Len(t, all[0].Stubs, 1)
	assert.Equal(t, "kept", all[0].Stubs[0].Responses[0].Is.Body)

	exists, err := second.Exists(ctx, 3001)
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = second.Del(ctx, 3000)
	require.NoError(t, err)
	assert.True(t, revived[0].stopped)
	_, err = os.Stat(filepath.Join(dataDir, "3000"))
	assert.True(t, os.IsNotExist(err))
}

func TestRotationAcrossRepositoryInstances(t *testing.T) {
	ctx := context.Background()
	dataDir := t.TempDir()

	writer := New(dataDir)
	require.NoError(t, writer.Add(ctx, &models.Imposter{Protocol: "http", Port: 3000, Stubs: []models.Stub{
		repositorytest.Stub("/", repositorytest.IsResponse("a", 0), repositorytest.IsResponse("b", 0)),
	}}, nil))

	handle, _, err := writer.StubsFor(3000).First(ctx, repositorytest.MatchAll, 0)
	require.NoError(t, err)
	next, err := handle.NextResponse(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", next.Directive.Is.Body)

	reader := New(dataDir)
	handle, _, err = reader.StubsFor(3000).First(ctx, repositorytest.MatchAll, 0)
	require.NoError(t, err)
	next, err = handle.NextResponse(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", next.Directive.Is.Body)
}
