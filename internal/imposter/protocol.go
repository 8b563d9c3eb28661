package imposter

import (
	"context"
	"errors"
	"fmt"
	"syscall"

	"github.com/comfortablynumb/pmp-imposter/internal/errs"
	"github.com/comfortablynumb/pmp-imposter/internal/models"
)

// Handler answers the requests received by a protocol server
type Handler interface {
	GetResponseFor(ctx context.Context, request models.Request) (*models.Response, error)
}

// Server is a running protocol listener
type Server interface {
	// Port returns the bound port, which differs from the requested one when
	// port 0 was requested
	Port() int
	Close(ctx context.Context) error
}

// Protocol starts listeners for one protocol
type Protocol interface {
	Name() string
	Listen(ctx context.Context, header *models.Imposter, handler Handler) (Server, error)
	// TestRequest returns the synthetic request used to dry run stubs
	TestRequest() models.Request
}

// bindError converts listener errors into typed errors
func bindError(err error, port int) error {
	switch {
	case errors.Is(err, syscall.EADDRINUSE):
		return errs.ResourceConflict(fmt.Sprintf("port %d is already in use", port)).Wrap(err)
	case errors.Is(err, syscall.EACCES):
		return errs.InsufficientAccess(fmt.Sprintf("insufficient access to bind port %d", port)).Wrap(err)
	default:
		return fmt.Errorf("failed to listen on port %d: %w", port, err)
	}
}
