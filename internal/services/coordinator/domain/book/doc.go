// Package book defines the envelopes that travel through the coordination
// pipeline: covers, command books, event books, snapshots and dead letters.
//
// Payloads are opaque. The core routes them by cover and orders them by
// sequence, but only business logic interprets their bytes.
package book
