package engine

import (
	"errors"

	apperrors "github.com/louisbranch/evcoord/internal/platform/errors"
	"github.com/louisbranch/evcoord/internal/services/coordinator/domain/book"
)

// PublishError reports a book that was persisted but not published. The
// command must not be resubmitted; the publish alone may be retried with
// Events.
type PublishError struct {
	Events book.EventBook
	err    error
}

func (e *PublishError) Error() string { return e.err.Error() }
func (e *PublishError) Unwrap() error { return e.err }

// NonRetryable returns true from IsNonRetryable checks.
func (e *PublishError) NonRetryable() bool { return true }

func newPublishError(events book.EventBook, cause error) *PublishError {
	return &PublishError{
		Events: events,
		err: apperrors.WrapWithMetadata(
			apperrors.CodePublishFailed,
			"events persisted but not published",
			map[string]string{"domain": events.Cover.Domain, "root": events.Cover.Root.String()},
			cause,
		),
	}
}

// IsNonRetryable returns true when the error (or any error in its chain)
// signals that the command must not be resubmitted.
func IsNonRetryable(err error) bool {
	var target interface{ NonRetryable() bool }
	if errors.As(err, &target) {
		return target.NonRetryable()
	}
	return false
}

// IsRetryable reports whether resubmitting the same command may succeed
// without the caller reloading state first.
func IsRetryable(err error) bool {
	if err == nil || IsNonRetryable(err) {
		return false
	}
	return apperrors.CodeOf(err).Retryable()
}

// classifyHandlerError keeps classified and context errors and marks
// everything else as a business-logic failure.
func classifyHandlerError(err error) error {
	var domainErr *apperrors.Error
	if errors.As(err, &domainErr) {
		return err
	}
	switch apperrors.CodeOf(err) {
	case apperrors.CodeDeadlineExceeded, apperrors.CodeCanceled:
		return apperrors.FromContext(err)
	}
	return apperrors.Wrap(apperrors.CodeHandlerFailed, "business logic failed: "+err.Error(), err)
}
