// Package repositorytest holds the behavioral contract every repository
// implementation must satisfy. Implementations call Run from their tests.
package repositorytest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comfortablynumb/pmp-imposter/internal/errs"
	"github.com/comfortablynumb/pmp-imposter/internal/models"
	"github.com/comfortablynumb/pmp-imposter/internal/repository"
)

// Factory creates a fresh, empty repository for one test
type Factory func(t *testing.T) repository.ImposterRepository

// Run executes the contract suite against repositories built by newRepo
func Run(t *testing.T, newRepo Factory) {
	tests := []struct {
		name string
		run  func(t *testing.T, repo repository.ImposterRepository)
	}{
		{"RotationCycles", testRotationCycles},
		{"RotationCompletenessUnderConcurrency", testRotationCompleteness},
		{"EvenDistribution", testEvenDistribution},
		{"RoundTrip", testRoundTrip},
		{"InsertAtIndex", testInsertAtIndex},
		{"DeletionIsolation", testDeletionIsolation},
		{"StaleHandleAfterDelete", testStaleHandleAfterDelete},
		{"StaleHandleAfterOverwrite", testStaleHandleAfterOverwrite},
		{"StubIDs", testStubIDs},
		{"OverwriteAtIndex", testOverwriteAtIndex},
		{"IndexErrors", testIndexErrors},
		{"FirstFromStartIndex", testFirstFromStartIndex},
		{"EmptyStubReturnsEmptyIs", testEmptyStub},
		{"AddResponse", testAddResponse},
		{"ReplaceResponse", testReplaceResponse},
		{"MatchesInDebugSnapshot", testMatches},
		{"DeleteSavedProxyResponses", testDeleteSavedProxyResponses},
		{"Requests", testRequests},
		{"ImposterLifecycle", testImposterLifecycle},
		{"StopAll", testStopAll},
		{"DeleteAll", testDeleteAll},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.run(t, newRepo(t))
		})
	}
}

// StopRecorder is a controller that counts Stop calls
type StopRecorder struct {
	stops atomic.Int32
}

// Stop records the call
func (s *StopRecorder) Stop(context.Context) error {
	s.stops.Add(1)
	return nil
}

// Stops returns how many times Stop was called
func (s *StopRecorder) Stops() int {
	return int(s.stops.Load())
}

// IsResponse builds an is directive with the given body
func IsResponse(body interface{}, repeat int) models.ResponseDirective {
	return models.ResponseDirective{Is: &models.Response{Body: body}, Repeat: repeat}
}

// Stub builds a stub with a path predicate and the given responses
func Stub(path string, responses ...models.ResponseDirective) models.Stub {
	return models.Stub{
		Predicates: map[string]interface{}{"path": map[string]interface{}{"is": path}},
		Responses:  responses,
	}
}

// MatchAll is a stub filter that accepts every stub
func MatchAll(string, map[string]interface{}) bool { return true }

func addImposter(t *testing.T, repo repository.ImposterRepository, port int, stubs ...models.Stub) repository.StubRepository {
	t.Helper()
	imposter := &models.Imposter{Protocol: "http", Port: port, Stubs: stubs}
	require.NoError(t, repo.Add(context.Background(), imposter, &StopRecorder{}))
	return repo.StubsFor(port)
}

func stubAt(t *testing.T, stubs repository.StubRepository, index int) repository.StubHandle {
	t.Helper()
	count := -1
	handle, found, err := stubs.First(context.Background(), func(string, map[string]interface{}) bool {
		count++
		return count == index
	}, 0)
	require.NoError(t, err)
	require.True(t, found, "no stub at index %d", index)
	return handle
}

func bodyOf(t *testing.T, next *repository.NextResponse) string {
	t.Helper()
	require.NotNil(t, next.Directive.Is)
	return fmt.Sprint(next.Directive.Is.Body)
}

func nextBody(t *testing.T, handle repository.StubHandle) string {
	t.Helper()
	next, err := handle.NextResponse(context.Background())
	require.NoError(t, err)
	return bodyOf(t, next)
}

func asJSON(t *testing.T, value interface{}) string {
	t.Helper()
	data, err := json.Marshal(value)
	require.NoError(t, err)
	return string(data)
}

func testRotationCycles(t *testing.T, repo repository.ImposterRepository) {
	stubs := addImposter(t, repo, 3000, Stub("/", IsResponse("First", 0), IsResponse("Second", 0)))
	handle := stubAt(t, stubs, 0)

	var got []string
	for i := 0; i < 3; i++ {
		got = append(got, nextBody(t, handle))
	}
	assert.Equal(t, []string{"First", "Second", "First"}, got)
}

func testRotationCompleteness(t *testing.T, repo repository.ImposterRepository) {
	stubs := addImposter(t, repo, 3000, Stub("/",
		IsResponse("a", 1),
		IsResponse("b", 2),
		IsResponse("c", 3),
	))
	handle := stubAt(t, stubs, 0)

	const cycles = 3
	const perCycle = 6
	counts := resolveConcurrently(t, handle, cycles*perCycle)

	assert.Equal(t, map[string]int{"a": cycles * 1, "b": cycles * 2, "c": cycles * 3}, counts)

	// sequential order inside a cycle follows directive order
	var got []string
	for i := 0; i < perCycle; i++ {
		got = append(got, nextBody(t, handle))
	}
	assert.Equal(t, []string{"a", "b", "b", "c", "c", "c"}, got)
}

func testEvenDistribution(t *testing.T, repo repository.ImposterRepository) {
	var responses []models.ResponseDirective
	for i := 0; i < 10; i++ {
		responses = append(responses, IsResponse(map[string]interface{}{"value": i}, 0))
	}
	stubs := addImposter(t, repo, 3000, models.Stub{Responses: responses})
	handle := stubAt(t, stubs, 0)

	const k = 4
	var mu sync.Mutex
	counts := map[string]int{}
	var wg sync.WaitGroup
	for i := 0; i < k*10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			next, err := handle.NextResponse(context.Background())
			if !assert.NoError(t, err) {
				return
			}
			body, _ := next.Directive.Is.Body.(map[string]interface{})
			mu.Lock()
			counts[fmt.Sprint(body["value"])]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	for i := 0; i < 10; i++ {
		assert.Equal(t, k, counts[fmt.Sprint(i)], "value %d", i)
	}
}

func resolveConcurrently(t *testing.T, handle repository.StubHandle, n int) map[string]int {
	t.Helper()
	var mu sync.Mutex
	counts := map[string]int{}
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			next, err := handle.NextResponse(context.Background())
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			counts[fmt.Sprint(next.Directive.Is.Body)]++
			mu.Unlock()
		}()
	}
	wg.Wait()
	return counts
}

func testRoundTrip(t *testing.T, repo repository.ImposterRepository) {
	ctx := context.Background()
	stubs := addImposter(t, repo, 3000, Stub("/existing", IsResponse("existing", 0)))

	stub := models.Stub{
		Predicates: map[string]interface{}{
			"method":  map[string]interface{}{"is": "POST"},
			"headers": map[string]interface{}{"X-Key": map[string]interface{}{"exists": true}},
		},
		Responses: []models.ResponseDirective{
			{Is: &models.Response{StatusCode: 201, Headers: map[string]interface{}{"Location": "/x"}, Body: "created"}},
			{Proxy: &models.ProxyConfig{To: "http://downstream"}, Repeat: 2},
			{Inject: "function () { return {}; }"},
		},
	}
	require.NoError(t, stubs.Add(ctx, stub))

	all, err := stubs.ToJSON(ctx, repository.JSONOptions{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.JSONEq(t, asJSON(t, stub), asJSON(t, all[1]))

	count, err := stubs.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	imposter, err := repo.Get(ctx, 3000)
	require.NoError(t, err)
	require.Len(t, imposter.Stubs, 2)
	assert.JSONEq(t, asJSON(t, stub), asJSON(t, imposter.Stubs[1]))
}

func paths(t *testing.T, stubs repository.StubRepository) []string {
	t.Helper()
	all, err := stubs.ToJSON(context.Background(), repository.JSONOptions{})
	require.NoError(t, err)
	out := make([]string, 0, len(all))
	for _, stub := range all {
		path, _ := stub.Predicates["path"].(map[string]interface{})
		out = append(out, fmt.Sprint(path["is"]))
	}
	return out
}

func testInsertAtIndex(t *testing.T, repo repository.ImposterRepository) {
	ctx := context.Background()
	stubs := addImposter(t, repo, 3000, Stub("/a", IsResponse("a", 0)), Stub("/c", IsResponse("c", 0)))

	require.NoError(t, stubs.InsertAtIndex(ctx, Stub("/b", IsResponse("b", 0)), 1))
	require.NoError(t, stubs.InsertAtIndex(ctx, Stub("/first", IsResponse("first", 0)), 0))
	require.NoError(t, stubs.InsertAtIndex(ctx, Stub("/last", IsResponse("last", 0)), 99))

	assert.Equal(t, []string{"/first", "/a", "/b", "/c", "/last"}, paths(t, stubs))
}

func testDeletionIsolation(t *testing.T, repo repository.ImposterRepository) {
	ctx := context.Background()
	stubs := addImposter(t, repo, 3000,
		Stub("/a", IsResponse("a1", 0), IsResponse("a2", 0)),
		Stub("/b", IsResponse("b1", 0), IsResponse("b2", 0)),
		Stub("/c", IsResponse("c1", 0), IsResponse("c2", 0), IsResponse("c3", 0)),
	)

	third := stubAt(t, stubs, 2)
	assert.Equal(t, "c1", nextBody(t, third))
	require.NoError(t, third.RecordMatch(ctx, models.Match{Timestamp: "t1", Request: models.Request{"path": "/c"}}))

	require.NoError(t, stubs.DeleteAtIndex(ctx, 0))
	assert.Equal(t, []string{"/b", "/c"}, paths(t, stubs))

	moved := stubAt(t, stubs, 1)
	assert.Equal(t, third.ID(), moved.ID())
	assert.Equal(t, "c2", nextBody(t, moved))

	all, err := stubs.ToJSON(ctx, repository.JSONOptions{Debug: true})
	require.NoError(t, err)
	require.Len(t, all[1].Matches, 1)
	assert.Equal(t, "t1", all[1].Matches[0].Timestamp)
	assert.Empty(t, all[0].Matches)
	require.Len(t, all[1].Responses, 3)

	assert.Equal(t, "b1", nextBody(t, stubAt(t, stubs, 0)))
}

// requireDeleted asserts that every operation on a handle to a removed stub
// fails with a missing resource error
func requireDeleted(t *testing.T, handle repository.StubHandle) {
	t.Helper()
	ctx := context.Background()

	_, err := handle.NextResponse(ctx)
	assert.True(t, errs.HasCode(err, errs.CodeMissingResource), "NextResponse: %v", err)

	err = handle.RecordMatch(ctx, models.Match{Timestamp: "late", Request: models.Request{"path": "/a"}})
	assert.True(t, errs.HasCode(err, errs.CodeMissingResource), "RecordMatch: %v", err)

	err = handle.AddResponse(ctx, IsResponse("late", 0))
	assert.True(t, errs.HasCode(err, errs.CodeMissingResource), "AddResponse: %v", err)

	err = handle.ReplaceResponse(ctx, "0", IsResponse("late", 0))
	assert.True(t, errs.HasCode(err, errs.CodeMissingResource), "ReplaceResponse: %v", err)
}

func testStaleHandleAfterDelete(t *testing.T, repo repository.ImposterRepository) {
	ctx := context.Background()
	stubs := addImposter(t, repo, 3000, Stub("/a", IsResponse("a1", 0)), Stub("/b", IsResponse("b1", 0)))

	stale := stubAt(t, stubs, 0)
	assert.Equal(t, "a1", nextBody(t, stale))

	require.NoError(t, stubs.DeleteAtIndex(ctx, 0))
	requireDeleted(t, stale)

	all, err := stubs.ToJSON(ctx, repository.JSONOptions{Debug: true})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "/b", all[0].Predicates["path"].(map[string]interface{})["is"])
	assert.Empty(t, all[0].Matches)
	assert.Len(t, all[0].Responses, 1)
	assert.Equal(t, "b1", nextBody(t, stubAt(t, stubs, 0)))
}

func testStaleHandleAfterOverwrite(t *testing.T, repo repository.ImposterRepository) {
	ctx := context.Background()
	stubs := addImposter(t, repo, 3000, Stub("/a", IsResponse("a1", 0)))
	stale := stubAt(t, stubs, 0)

	require.NoError(t, stubs.OverwriteAtIndex(ctx, Stub("/a", IsResponse("fresh", 0)), 0))
	requireDeleted(t, stale)

	replacement := stubAt(t, stubs, 0)
	assert.NotEqual(t, stale.ID(), replacement.ID())
	assert.Equal(t, "fresh", nextBody(t, replacement))

	require.NoError(t, stubs.OverwriteAll(ctx, []models.Stub{Stub("/z", IsResponse("z", 0))}))
	requireDeleted(t, replacement)
}

func testStubIDs(t *testing.T, repo repository.ImposterRepository) {
	ctx := context.Background()
	stubs := addImposter(t, repo, 3000, Stub("/a", IsResponse("a", 0)), Stub("/b", IsResponse("b", 0)))
	first, second := stubAt(t, stubs, 0).ID(), stubAt(t, stubs, 1).ID()

	ids, err := repository.StubIDs(ctx, stubs)
	require.NoError(t, err)
	assert.Equal(t, map[string]struct{}{first: {}, second: {}}, ids)

	require.NoError(t, stubs.DeleteAtIndex(ctx, 0))
	ids, err = repository.StubIDs(ctx, stubs)
	require.NoError(t, err)
	assert.Equal(t, map[string]struct{}{second: {}}, ids)
}

func testOverwriteAtIndex(t *testing.T, repo repository.ImposterRepository) {
	ctx := context.Background()
	stubs := addImposter(t, repo, 3000, Stub("/a", IsResponse("a", 0)), Stub("/b", IsResponse("b", 0)))

	require.NoError(t, stubs.OverwriteAtIndex(ctx, Stub("/replaced", IsResponse("r", 0)), 0))
	assert.Equal(t, []string{"/replaced", "/b"}, paths(t, stubs))
	assert.Equal(t, "r", nextBody(t, stubAt(t, stubs, 0)))

	require.NoError(t, stubs.OverwriteAll(ctx, []models.Stub{Stub("/only", IsResponse("o", 0))}))
	assert.Equal(t, []string{"/only"}, paths(t, stubs))
}

func testIndexErrors(t *testing.T, repo repository.ImposterRepository) {
	ctx := context.Background()
	stubs := addImposter(t, repo, 3000, Stub("/a", IsResponse("a", 0)))

	err := stubs.DeleteAtIndex(ctx, 5)
	assert.True(t, errs.HasCode(err, errs.CodeMissingResource), "got %v", err)

	err = stubs.OverwriteAtIndex(ctx, Stub("/x"), -1)
	assert.True(t, errs.HasCode(err, errs.CodeMissingResource), "got %v", err)

	assert.Equal(t, []string{"/a"}, paths(t, stubs))
}

func testFirstFromStartIndex(t *testing.T, repo repository.ImposterRepository) {
	ctx := context.Background()
	stubs := addImposter(t, repo, 3000,
		Stub("/x", IsResponse("x0", 0)),
		Stub("/y", IsResponse("y", 0)),
		Stub("/x", IsResponse("x2", 0)),
	)

	isX := func(_ string, predicates map[string]interface{}) bool {
		path, _ := predicates["path"].(map[string]interface{})
		return path["is"] == "/x"
	}

	handle, found, err := stubs.First(ctx, isX, 0)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "x0", nextBody(t, handle))

	handle, found, err = stubs.First(ctx, isX, 1)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "x2", nextBody(t, handle))

	_, found, err = stubs.First(ctx, func(string, map[string]interface{}) bool { return false }, 0)
	require.NoError(t, err)
	assert.False(t, found)
}

func testEmptyStub(t *testing.T, repo repository.ImposterRepository) {
	stubs := addImposter(t, repo, 3000, models.Stub{})
	handle := stubAt(t, stubs, 0)

	next, err := handle.NextResponse(context.Background())
	require.NoError(t, err)
	require.NotNil(t, next.Directive.Is)
	assert.Equal(t, models.KindIs, next.Directive.Kind())
	assert.Nil(t, handle.Predicates())
}

func testAddResponse(t *testing.T, repo repository.ImposterRepository) {
	ctx := context.Background()
	stubs := addImposter(t, repo, 3000, Stub("/", IsResponse("one", 0)))
	handle := stubAt(t, stubs, 0)

	require.NoError(t, handle.AddResponse(ctx, IsResponse("two", 2)))

	var got []string
	for i := 0; i < 4; i++ {
		got = append(got, nextBody(t, handle))
	}
	assert.Equal(t, []string{"one", "two", "two", "one"}, got)
}

func testReplaceResponse(t *testing.T, repo repository.ImposterRepository) {
	ctx := context.Background()
	stubs := addImposter(t, repo, 3000, models.Stub{Responses: []models.ResponseDirective{
		{ProxyOnce: &models.ProxyConfig{To: "http://downstream"}},
		IsResponse("static", 0),
	}})
	handle := stubAt(t, stubs, 0)

	next, err := handle.NextResponse(ctx)
	require.NoError(t, err)
	require.Equal(t, models.KindProxyOnce, next.Directive.Kind())

	elapsed := int64(12)
	captured := models.ResponseDirective{Is: &models.Response{Body: "captured", ProxyResponseTime: &elapsed}}
	require.NoError(t, handle.ReplaceResponse(ctx, next.Ref, captured))

	assert.Equal(t, "static", nextBody(t, handle))
	assert.Equal(t, "captured", nextBody(t, handle))

	all, err := stubs.ToJSON(ctx, repository.JSONOptions{})
	require.NoError(t, err)
	assert.True(t, all[0].Responses[0].IsRecordedProxyResponse())
}

func testMatches(t *testing.T, repo repository.ImposterRepository) {
	ctx := context.Background()
	stubs := addImposter(t, repo, 3000, Stub("/", IsResponse("ok", 0)))
	handle := stubAt(t, stubs, 0)

	for i := 0; i < 3; i++ {
		require.NoError(t, handle.RecordMatch(ctx, models.Match{
			Timestamp: fmt.Sprintf("t%d", i),
			Request:   models.Request{"path": "/"},
			Response:  &models.Response{StatusCode: 200},
			Duration:  int64(i),
		}))
	}

	plain, err := stubs.ToJSON(ctx, repository.JSONOptions{})
	require.NoError(t, err)
	assert.Empty(t, plain[0].Matches)

	debug, err := stubs.ToJSON(ctx, repository.JSONOptions{Debug: true})
	require.NoError(t, err)
	require.Len(t, debug[0].Matches, 3)
	for i, match := range debug[0].Matches {
		assert.Equal(t, fmt.Sprintf("t%d", i), match.Timestamp)
	}
}

func testDeleteSavedProxyResponses(t *testing.T, repo repository.ImposterRepository) {
	ctx := context.Background()
	elapsed := int64(5)
	recorded := models.ResponseDirective{Is: &models.Response{Body: "recorded", ProxyResponseTime: &elapsed}}
	stubs := addImposter(t, repo, 3000,
		Stub("/mixed", recorded, IsResponse("kept", 0)),
		Stub("/recorded", recorded),
		Stub("/plain", IsResponse("plain", 0)),
	)

	require.NoError(t, stubs.DeleteSavedProxyResponses(ctx))

	assert.Equal(t, []string{"/mixed", "/plain"}, paths(t, stubs))
	all, err := stubs.ToJSON(ctx, repository.JSONOptions{})
	require.NoError(t, err)
	require.Len(t, all[0].Responses, 1)
	assert.Equal(t, "kept", all[0].Responses[0].Is.Body)
}

func testRequests(t *testing.T, repo repository.ImposterRepository) {
	ctx := context.Background()
	stubs := addImposter(t, repo, 3000)

	for i := 0; i < 3; i++ {
		require.NoError(t, stubs.AddRequest(ctx, models.Request{"path": fmt.Sprintf("/%d", i)}))
	}

	requests, err := stubs.LoadRequests(ctx)
	require.NoError(t, err)
	require.Len(t, requests, 3)
	for i, request := range requests {
		assert.Equal(t, fmt.Sprintf("/%d", i), request["path"])
	}

	imposter, err := repo.Get(ctx, 3000)
	require.NoError(t, err)
	assert.Len(t, imposter.Requests, 3)

	require.NoError(t, stubs.DeleteSavedRequests(ctx))
	requests, err = stubs.LoadRequests(ctx)
	require.NoError(t, err)
	assert.Empty(t, requests)
}

func testImposterLifecycle(t *testing.T, repo repository.ImposterRepository) {
	ctx := context.Background()
	controller := &StopRecorder{}
	imposter := &models.Imposter{
		Protocol: "http",
		Port:     3000,
		Name:     "orders",
		Config:   map[string]interface{}{"key": "value"},
		Stubs:    []models.Stub{Stub("/", IsResponse("ok", 0))},
	}
	require.NoError(t, repo.Add(ctx, imposter, controller))

	exists, err := repo.Exists(ctx, 3000)
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = repo.Exists(ctx, 3001)
	require.NoError(t, err)
	assert.False(t, exists)

	got, err := repo.Get(ctx, 3000)
	require.NoError(t, err)
	assert.Equal(t, "orders", got.Name)
	assert.Equal(t, "value", got.Config["key"])
	assert.Len(t, got.Stubs, 1)

	_, err = repo.Get(ctx, 3001)
	assert.True(t, errs.HasCode(err, errs.CodeMissingResource), "got %v", err)

	require.NoError(t, repo.Add(ctx, &models.Imposter{Protocol: "http", Port: 2000}, &StopRecorder{}))
	all, err := repo.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, 2000, all[0].Port)
	assert.Equal(t, 3000, all[1].Port)

	deleted, err := repo.Del(ctx, 3000)
	require.NoError(t, err)
	require.NotNil(t, deleted)
	assert.Len(t, deleted.Stubs, 1)
	assert.Equal(t, 1, controller.Stops())

	exists, err = repo.Exists(ctx, 3000)
	require.NoError(t, err)
	assert.False(t, exists)

	deleted, err = repo.Del(ctx, 3000)
	require.NoError(t, err)
	assert.Nil(t, deleted)
}

func testStopAll(t *testing.T, repo repository.ImposterRepository) {
	ctx := context.Background()
	controllers := []*StopRecorder{{}, {}, {}}
	for i, controller := range controllers {
		require.NoError(t, repo.Add(ctx, &models.Imposter{Protocol: "http", Port: 3000 + i}, controller))
	}

	require.NoError(t, repo.StopAll(ctx))
	for _, controller := range controllers {
		assert.Equal(t, 1, controller.Stops())
	}

	all, err := repo.All(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)

	later := &StopRecorder{}
	require.NoError(t, repo.Add(ctx, &models.Imposter{Protocol: "http", Port: 4000}, later))
	require.NoError(t, repo.StopAllSync(ctx))
	assert.Equal(t, 1, later.Stops())
}

func testDeleteAll(t *testing.T, repo repository.ImposterRepository) {
	ctx := context.Background()
	controller := &StopRecorder{}
	addImposter(t, repo, 3000, Stub("/", IsResponse("ok", 0)))
	require.NoError(t, repo.Add(ctx, &models.Imposter{Protocol: "http", Port: 3001}, controller))

	require.NoError(t, repo.DeleteAll(ctx))
	assert.Equal(t, 1, controller.Stops())

	all, err := repo.All(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)

	count, err := repo.StubsFor(3000).Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}
