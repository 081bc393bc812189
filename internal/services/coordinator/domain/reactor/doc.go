// Package reactor turns persisted events into new commands and read models.
//
// Sagas and process managers share one two-phase protocol: Prepare names the
// aggregates a reaction needs to see, the dispatcher loads their books, and
// Handle receives them and emits commands. The two calls are plain
// synchronous calls; the dispatcher does the fetching in between.
package reactor
