// Package timeouts defines shared timeout constants used across the
// coordinator process. Centralizing these values keeps the gRPC, HTTP and
// broker boundaries consistent.
package timeouts

import "time"

// GRPCDial caps the wait for a handler endpoint to become healthy.
const GRPCDial = 2 * time.Second

// ReadHeader limits how long the metrics server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long the metrics server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 5 * time.Second

// Commit bounds a broker offset commit after a handled record.
const Commit = 5 * time.Second
