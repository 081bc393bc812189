package book

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Root identifies one aggregate instance within a domain.
type Root = uuid.UUID

// NewRoot returns a random root identifier.
func NewRoot() Root {
	return uuid.New()
}

// ParseRoot accepts both canonical UUID text and the 32-character hex form
// used as a partition key.
func ParseRoot(value string) (Root, error) {
	value = strings.TrimSpace(value)
	if len(value) == 32 {
		raw, err := hex.DecodeString(value)
		if err != nil {
			return Root{}, fmt.Errorf("parse root %q: %w", value, err)
		}
		return uuid.FromBytes(raw)
	}
	root, err := uuid.Parse(value)
	if err != nil {
		return Root{}, fmt.Errorf("parse root %q: %w", value, err)
	}
	return root, nil
}

// RootHex returns the lowercase hex encoding of root without separators.
func RootHex(root Root) string {
	return hex.EncodeToString(root[:])
}

// Cover routes a batch to one aggregate and threads the correlation id
// through every hop of the pipeline.
type Cover struct {
	Domain        string
	Root          Root
	CorrelationID string
}

// Validate reports whether the cover addresses an aggregate.
func (c Cover) Validate() error {
	if strings.TrimSpace(c.Domain) == "" {
		return fmt.Errorf("cover domain is required")
	}
	if strings.ContainsAny(c.Domain, " \t\n.") {
		return fmt.Errorf("cover domain %q must not contain whitespace or dots", c.Domain)
	}
	if c.Root == uuid.Nil {
		return fmt.Errorf("cover root is required")
	}
	return nil
}

// Key is the aggregate identity without correlation.
func (c Cover) Key() AggregateKey {
	return AggregateKey{Domain: c.Domain, Root: c.Root}
}

// String renders the cover for logs.
func (c Cover) String() string {
	return c.Domain + "/" + c.Root.String()
}

// AggregateKey identifies an aggregate; it is comparable and usable as a map key.
type AggregateKey struct {
	Domain string
	Root   Root
}

// String renders the key for logs and storage keys.
func (k AggregateKey) String() string {
	return k.Domain + "/" + k.Root.String()
}
