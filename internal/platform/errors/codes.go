// Package errors provides structured error handling for the coordination runtime.
//
// Every failure that crosses a component boundary (store, bus, coordinator,
// transport) carries a Code so callers can decide between reloading state,
// retrying, or giving up without parsing messages.
package errors

import "google.golang.org/grpc/codes"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Command validation errors
	CodeCommandEmpty          Code = "COMMAND_EMPTY"
	CodeCommandPayloadMissing Code = "COMMAND_PAYLOAD_MISSING"
	CodeCoverInvalid          Code = "COVER_INVALID"
	CodeDomainUnknown         Code = "DOMAIN_UNKNOWN"
	CodeEventsInvalid         Code = "EVENTS_INVALID"

	// Concurrency and business outcome errors
	CodeSequenceConflict Code = "SEQUENCE_CONFLICT"
	CodeSequenceMismatch Code = "SEQUENCE_MISMATCH"
	CodeBusinessRejected Code = "BUSINESS_REJECTED"

	// Storage errors
	CodeNotFound         Code = "NOT_FOUND"
	CodeStoreUnavailable Code = "STORE_UNAVAILABLE"

	// Transport errors
	CodeBusUnavailable   Code = "BUS_UNAVAILABLE"
	CodePublishFailed    Code = "PUBLISH_FAILED"
	CodeHandlerFailed    Code = "HANDLER_FAILED"
	CodeDeadlineExceeded Code = "DEADLINE_EXCEEDED"
	CodeCanceled         Code = "CANCELED"
)

// GRPCCode maps domain codes to gRPC status codes.
func (c Code) GRPCCode() codes.Code {
	switch c {
	// InvalidArgument - malformed or missing command fields, never retried
	case CodeCommandEmpty,
		CodeCommandPayloadMissing,
		CodeCoverInvalid,
		CodeDomainUnknown,
		CodeEventsInvalid:
		return codes.InvalidArgument

	// FailedPrecondition - caller must reload state and resubmit
	case CodeSequenceConflict,
		CodeSequenceMismatch,
		CodeBusinessRejected:
		return codes.FailedPrecondition

	case CodeNotFound:
		return codes.NotFound

	// Unavailable - transient infrastructure failures
	case CodeStoreUnavailable,
		CodeBusUnavailable,
		CodePublishFailed,
		CodeHandlerFailed:
		return codes.Unavailable

	case CodeDeadlineExceeded:
		return codes.DeadlineExceeded

	case CodeCanceled:
		return codes.Canceled

	default:
		return codes.Internal
	}
}

// CodeFromGRPC maps a gRPC status code back to the closest domain code. It is
// used by clients of remote handlers so their failures re-enter the taxonomy.
func CodeFromGRPC(code codes.Code) Code {
	switch code {
	case codes.InvalidArgument:
		return CodeCommandPayloadMissing
	case codes.FailedPrecondition, codes.Aborted:
		return CodeBusinessRejected
	case codes.NotFound:
		return CodeNotFound
	case codes.Unavailable, codes.ResourceExhausted:
		return CodeHandlerFailed
	case codes.DeadlineExceeded:
		return CodeDeadlineExceeded
	case codes.Canceled:
		return CodeCanceled
	default:
		return CodeUnknown
	}
}

// Retryable reports whether an operation failing with this code may be
// retried as-is without reloading aggregate state.
func (c Code) Retryable() bool {
	switch c {
	case CodeStoreUnavailable, CodeBusUnavailable, CodePublishFailed, CodeHandlerFailed, CodeDeadlineExceeded:
		return true
	default:
		return false
	}
}
