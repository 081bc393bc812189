// Package engine coordinates command execution for one aggregate at a time:
// it validates intent, loads history, delegates the decision to business
// logic, appends the resulting events under the store's sequence
// precondition, and hands the persisted book to the bus.
//
// The coordinator holds no per-aggregate locks. Concurrent commands for the
// same aggregate race on Append; the loser receives a sequence conflict and
// the caller reloads and resubmits.
package engine
