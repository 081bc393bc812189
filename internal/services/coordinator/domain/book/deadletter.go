package book

import (
	"maps"
	"time"
)

// RejectionKind classifies why a message ended in a dead-letter sink.
type RejectionKind int

const (
	RejectionUnspecified RejectionKind = iota
	RejectionSequenceMismatch
	RejectionBusiness
	RejectionHandlerFailure
	RejectionPayloadRetrieval
)

// String renders the kind for logs and headers.
func (k RejectionKind) String() string {
	switch k {
	case RejectionSequenceMismatch:
		return "sequence_mismatch"
	case RejectionBusiness:
		return "business_rejection"
	case RejectionHandlerFailure:
		return "handler_failure"
	case RejectionPayloadRetrieval:
		return "payload_retrieval_failed"
	default:
		return "unspecified"
	}
}

// RejectionDetails is the structured half of a dead letter's reason.
type RejectionDetails struct {
	Kind             RejectionKind
	ExpectedSequence uint64
	ActualSequence   uint64
	Message          string
}

// DeadLetter records a message some component could not make progress on.
// It is terminal unless an operator replays it.
type DeadLetter struct {
	Cover           Cover
	Command         *CommandBook
	Events          *EventBook
	RejectionReason string
	Details         RejectionDetails
	SourceComponent string
	OccurredAt      time.Time
	Metadata        map[string]string
}

// NewEventDeadLetter dead-letters an event book.
func NewEventDeadLetter(events EventBook, source, reason string, details RejectionDetails) DeadLetter {
	cloned := events.Clone()
	return DeadLetter{
		Cover:           events.Cover,
		Events:          &cloned,
		RejectionReason: reason,
		Details:         details,
		SourceComponent: source,
		OccurredAt:      time.Now().UTC(),
		Metadata:        map[string]string{},
	}
}

// NewCommandDeadLetter dead-letters a command book.
func NewCommandDeadLetter(command CommandBook, source, reason string, details RejectionDetails) DeadLetter {
	cloned := command.Clone()
	return DeadLetter{
		Cover:           command.Cover,
		Command:         &cloned,
		RejectionReason: reason,
		Details:         details,
		SourceComponent: source,
		OccurredAt:      time.Now().UTC(),
		Metadata:        map[string]string{},
	}
}

// Clone deep-copies the dead letter.
func (d DeadLetter) Clone() DeadLetter {
	cloned := d
	if d.Command != nil {
		command := d.Command.Clone()
		cloned.Command = &command
	}
	if d.Events != nil {
		events := d.Events.Clone()
		cloned.Events = &events
	}
	cloned.Metadata = maps.Clone(d.Metadata)
	return cloned
}
