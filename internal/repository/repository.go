// Package repository defines the storage contract for imposters, their stubs
// and their recorded requests, and provides the in-memory implementation.
// The filesystem implementation lives in the filesystem subpackage; both
// must be observably identical.
package repository

import (
	"context"

	"github.com/comfortablynumb/pmp-imposter/internal/models"
)

// Controller is the live, non-persistable side of a running imposter
type Controller interface {
	Stop(ctx context.Context) error
}

// ImposterFactory rebuilds a live imposter from its stored header
type ImposterFactory interface {
	Create(ctx context.Context, header *models.Imposter) (Controller, error)
}

// ImposterFactoryFunc adapts a function to ImposterFactory
type ImposterFactoryFunc func(ctx context.Context, header *models.Imposter) (Controller, error)

// Create calls f
func (f ImposterFactoryFunc) Create(ctx context.Context, header *models.Imposter) (Controller, error) {
	return f(ctx, header)
}

// ProtocolRegistry maps a protocol name to the factory that revives it
type ProtocolRegistry map[string]ImposterFactory

// StubFilter decides whether a stub's predicates accept the current request.
// id is stable for the lifetime of the stub and changes when it is replaced.
type StubFilter func(id string, predicates map[string]interface{}) bool

// NextResponse is the directive at the head of a stub's rotation. Ref
// identifies the stored directive so it can be replaced later.
type NextResponse struct {
	Directive models.ResponseDirective
	Ref       string
}

// JSONOptions controls stub snapshots
type JSONOptions struct {
	// Debug includes each stub's match history
	Debug bool
}

// StubHandle is a stable reference to one stored stub. It stays valid while
// other stubs are inserted or deleted around it.
type StubHandle interface {
	ID() string
	Predicates() map[string]interface{}
	AddResponse(ctx context.Context, directive models.ResponseDirective) error
	// NextResponse returns the current directive and advances the rotation
	NextResponse(ctx context.Context) (*NextResponse, error)
	// ReplaceResponse swaps the stored directive identified by ref
	ReplaceResponse(ctx context.Context, ref string, directive models.ResponseDirective) error
	RecordMatch(ctx context.Context, match models.Match) error
}

// StubRepository stores the ordered stubs of one imposter
type StubRepository interface {
	Count(ctx context.Context) (int, error)
	// First returns the first stub at or after startIndex accepted by filter
	First(ctx context.Context, filter StubFilter, startIndex int) (StubHandle, bool, error)
	Add(ctx context.Context, stub models.Stub) error
	InsertAtIndex(ctx context.Context, stub models.Stub, index int) error
	DeleteAtIndex(ctx context.Context, index int) error
	OverwriteAtIndex(ctx context.Context, stub models.Stub, index int) error
	OverwriteAll(ctx context.Context, stubs []models.Stub) error
	ToJSON(ctx context.Context, opts JSONOptions) ([]models.Stub, error)
	DeleteSavedProxyResponses(ctx context.Context) error
	AddRequest(ctx context.Context, request models.Request) error
	LoadRequests(ctx context.Context) ([]models.Request, error)
	DeleteSavedRequests(ctx context.Context) error
}

// ImposterRepository stores imposter headers and tracks their controllers.
// Imposters are identified by port.
type ImposterRepository interface {
	Add(ctx context.Context, imposter *models.Imposter, controller Controller) error
	// Get returns the imposter with stubs and requests filled in
	Get(ctx context.Context, id int) (*models.Imposter, error)
	All(ctx context.Context) ([]*models.Imposter, error)
	Exists(ctx context.Context, id int) (bool, error)
	// Del stops and removes the imposter; it returns nil when nothing was stored
	Del(ctx context.Context, id int) (*models.Imposter, error)
	// StopAll stops every controller concurrently, keeping durable data
	StopAll(ctx context.Context) error
	// StopAllSync stops every controller one at a time, keeping durable data
	StopAllSync(ctx context.Context) error
	DeleteAll(ctx context.Context) error
	LoadAll(ctx context.Context, registry ProtocolRegistry) error
	StubsFor(id int) StubRepository
}

// WithoutRecordedProxyResponses drops directives captured from proxies and
// any stub left without responses
func WithoutRecordedProxyResponses(stubs []models.Stub) []models.Stub {
	kept := make([]models.Stub, 0, len(stubs))
	for _, stub := range stubs {
		var responses []models.ResponseDirective
		for _, response := range stub.Responses {
			if !response.IsRecordedProxyResponse() {
				responses = append(responses, response)
			}
		}
		if len(responses) == 0 {
			continue
		}
		stub.Responses = responses
		kept = append(kept, stub)
	}
	return kept
}

// DeleteSavedProxyResponses rewrites stubs without recorded proxy responses
func DeleteSavedProxyResponses(ctx context.Context, stubs StubRepository) error {
	all, err := stubs.ToJSON(ctx, JSONOptions{})
	if err != nil {
		return err
	}
	return stubs.OverwriteAll(ctx, WithoutRecordedProxyResponses(all))
}

// StubIDs returns the ids of every stub currently stored
func StubIDs(ctx context.Context, stubs StubRepository) (map[string]struct{}, error) {
	ids := make(map[string]struct{})
	_, _, err := stubs.First(ctx, func(id string, _ map[string]interface{}) bool {
		ids[id] = struct{}{}
		return false
	}, 0)
	if err != nil {
		return nil, err
	}
	return ids, nil
}
