package engine

import "time"

// Outcome labels a finished command.
type Outcome string

const (
	OutcomeAccepted    Outcome = "accepted"
	OutcomeNoop        Outcome = "noop"
	OutcomeRejected    Outcome = "rejected"
	OutcomeInvalid     Outcome = "invalid"
	OutcomeConflict    Outcome = "conflict"
	OutcomeFailed      Outcome = "failed"
	OutcomeUnpublished Outcome = "unpublished"
)

// Recorder receives coordinator measurements. observability/metrics
// implements it.
type Recorder interface {
	CommandHandled(domain string, outcome Outcome, elapsed time.Duration)
	AppendConflict(domain string)
}

type nopRecorder struct{}

func (nopRecorder) CommandHandled(string, Outcome, time.Duration) {}
func (nopRecorder) AppendConflict(string)                         {}
