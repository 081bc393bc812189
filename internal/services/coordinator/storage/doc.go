// Package storage defines the persistence contract every event store backend
// satisfies: an atomic conditional append keyed by (domain, root, sequence),
// ordered range reads, replace-only snapshots, and handler position
// checkpoints.
//
// Backends live in subpackages (memory, sqlite, postgres, redis) and are
// selected at startup by configuration. storagetest holds the shared
// contract suite each backend runs in its own tests.
package storage
