package book

import "errors"

var (
	// ErrNoPages indicates a command book without pages.
	ErrNoPages = errors.New("command book has no pages")
	// ErrMissingCommand indicates a page without a command payload.
	ErrMissingCommand = errors.New("command page has no payload")
	// ErrSequenceGap indicates event pages that are not contiguous.
	ErrSequenceGap = errors.New("event pages are not contiguous")
)
