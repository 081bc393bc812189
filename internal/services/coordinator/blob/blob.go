// Package blob stores claim-check payloads. Keys are content addressed
// ("sha256:<hex>") so re-offloading the same bytes is idempotent.
package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const keyPrefix = "sha256:"

var (
	// ErrNotFound indicates the referenced payload is missing.
	ErrNotFound = errors.New("blob not found")
	// ErrInvalidKey indicates a key that is not a sha256 content address.
	ErrInvalidKey = errors.New("invalid blob key")
)

// Store persists offloaded payloads.
type Store interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Close() error
}

// Key returns the content address for data.
func Key(data []byte) string {
	sum := sha256.Sum256(data)
	return keyPrefix + hex.EncodeToString(sum[:])
}

// objectName strips the key prefix and validates the digest.
func objectName(key string) (string, error) {
	digest, ok := strings.CutPrefix(key, keyPrefix)
	if !ok || len(digest) != sha256.Size*2 {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	if _, err := hex.DecodeString(digest); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return digest, nil
}

// verify checks fetched bytes against their address.
func verify(key string, data []byte) error {
	if Key(data) != key {
		return fmt.Errorf("blob %s failed content verification", key)
	}
	return nil
}
