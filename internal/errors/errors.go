// Package errors defines the failure taxonomy shared by the operator's
// components. Every component-level failure is caught at the reconcile
// boundary and translated into workload status; these sentinels carry the
// classification.
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUnknownRelation indicates an update for a relation name that is not one
// of the declared integration points. This is a programmer or configuration
// error and is fatal for the triggering update.
var ErrUnknownRelation = errors.New("unknown relation")

// ErrIncompleteState indicates that the inputs needed to render the workload
// configuration are not available yet. It is an expected transient condition,
// not a failure; callers must map it to the Waiting phase.
var ErrIncompleteState = errors.New("incomplete state")

// ErrNoMatchingRequest indicates an issued certificate that matches no
// outstanding signing request. The certificate is logged and dropped, and a
// fresh CSR is published.
var ErrNoMatchingRequest = errors.New("no matching certificate request")

// ErrWorkload indicates that applying the configuration or waiting for
// workload readiness failed. It surfaces as the Error phase and is retried
// with backoff.
var ErrWorkload = errors.New("workload error")

// ErrPlatformUnavailable indicates the required cluster API capability is
// absent. It is fatal and must not be retried in a loop.
var ErrPlatformUnavailable = errors.New("platform unavailable")

// IsUnknownRelation reports whether err is an unknown-relation error.
func IsUnknownRelation(err error) bool {
	return errors.Is(err, ErrUnknownRelation)
}

// IsIncompleteState reports whether err marks missing-but-expected inputs.
func IsIncompleteState(err error) bool {
	return errors.Is(err, ErrIncompleteState)
}

// IsNoMatchingRequest reports whether err marks a certificate protocol
// desync.
func IsNoMatchingRequest(err error) bool {
	return errors.Is(err, ErrNoMatchingRequest)
}

// IsWorkload reports whether err is a workload apply/readiness failure.
func IsWorkload(err error) bool {
	return errors.Is(err, ErrWorkload)
}

// IsPlatformUnavailable reports whether err marks a missing platform
// capability.
func IsPlatformUnavailable(err error) bool {
	return errors.Is(err, ErrPlatformUnavailable)
}

// WrapIncompleteState wraps err (or a plain message) as an incomplete-state
// condition.
func WrapIncompleteState(msg string) error {
	return fmt.Errorf("%w: %s", ErrIncompleteState, msg)
}

// WrapWorkload wraps an error as a workload failure.
func WrapWorkload(err error) error {
	if err == nil {
		return nil
	}
	if IsWorkload(err) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrWorkload, err)
}

// WrapPlatformUnavailable wraps an error as a platform capability failure.
func WrapPlatformUnavailable(err error) error {
	if err == nil {
		return nil
	}
	if IsPlatformUnavailable(err) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrPlatformUnavailable, err)
}

// IsTransientAPI reports whether err looks like a temporary Kubernetes API
// condition worth a plain retry.
func IsTransientAPI(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())
	transientPatterns := []string{
		"rate limit",
		"too many requests",
		"service unavailable",
		"internal server error",
		"context deadline exceeded",
		"timeout",
		"connection refused",
	}
	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

// ShouldRequeue determines whether an error warrants requeuing and after what
// delay. Incomplete state waits for the next trigger but keeps a safety-net
// requeue; workload failures rely on the controller's backoff; fatal
// classifications do not requeue.
func ShouldRequeue(err error) (bool, time.Duration) {
	switch {
	case err == nil:
		return false, 0
	case IsIncompleteState(err):
		return true, 1 * time.Minute
	case IsUnknownRelation(err), IsPlatformUnavailable(err):
		return false, 0
	case IsTransientAPI(err):
		return true, 5 * time.Second
	default:
		// Unknown errors default to requeue; the rate limiter applies backoff.
		return true, 0
	}
}
