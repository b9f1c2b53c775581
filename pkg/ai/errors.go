package ai

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrUpstreamUnavailable is the parent of rate-limit and transport failures.
	ErrUpstreamUnavailable = errors.New("upstream service unavailable")
	ErrRateLimited         = fmt.Errorf("%w: rate limited", ErrUpstreamUnavailable)
	ErrTransport           = fmt.Errorf("%w: transport failure", ErrUpstreamUnavailable)

	// ErrMalformedResponse marks output that could not be parsed into the
	// requested structure.
	ErrMalformedResponse = errors.New("malformed upstream response")
)

// RateLimited wraps err as a rate-limit failure, keeping the cause.
func RateLimited(err error) error {
	return fmt.Errorf("%w: %w", ErrRateLimited, err)
}

// Transport wraps err as a transport failure, keeping the cause.
func Transport(err error) error {
	return fmt.Errorf("%w: %w", ErrTransport, err)
}

// Malformed wraps err as a malformed-response failure.
func Malformed(err error) error {
	return fmt.Errorf("%w: %w", ErrMalformedResponse, err)
}

// ClassifyStatus maps an HTTP status from an upstream API to an error kind.
// It returns err unchanged for statuses that are not retryable.
func ClassifyStatus(status int, err error) error {
	switch {
	case status == 429:
		return RateLimited(err)
	case status >= 500, status == 408:
		return Transport(err)
	default:
		return err
	}
}

// ClassifyNetwork wraps network-level failures as transport errors and leaves
// context errors untouched so cancellation stays detectable.
func ClassifyNetwork(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Transport(err)
	}
	return err
}

// IsRetryable reports whether err is a transient upstream failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUpstreamUnavailable)
}
