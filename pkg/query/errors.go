package query

import (
	"context"
	"errors"
	"fmt"

	"github.com/OFFIS-RIT/dygrag/pkg/ai"
)

var (
	// ErrNoData is returned before anything was indexed.
	ErrNoData = errors.New("no data indexed yet")
	// ErrUpstreamFailure wraps embedding and completion failures.
	ErrUpstreamFailure = errors.New("upstream service failure")
	// ErrTimeout is returned when the query deadline passed.
	ErrTimeout = errors.New("query timed out")
	// ErrInvalidParam is returned for unusable query parameters.
	ErrInvalidParam = errors.New("invalid query parameter")
)

// classify maps an error from a store or service call onto the user-visible
// kinds, keeping the cause.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	case errors.Is(err, ai.ErrUpstreamUnavailable), errors.Is(err, ai.ErrMalformedResponse):
		return fmt.Errorf("%w: %w", ErrUpstreamFailure, err)
	default:
		return err
	}
}
