package book

import "fmt"

// CommandPage is one command in a batch.
type CommandPage struct {
	// Sequence is the caller's expected next sequence for the aggregate;
	// it is only checked when HasSequence is set.
	Sequence    uint64
	HasSequence bool
	// Synchronous asks the coordinator to wait for in-process subscribers
	// before returning.
	Synchronous bool
	Command     *Payload
}

// CommandBook is a transient batch of commands for one aggregate.
type CommandBook struct {
	Cover Cover
	Pages []CommandPage
}

// Validate checks the structural requirements the coordinator enforces
// before any I/O happens.
func (b CommandBook) Validate() error {
	if len(b.Pages) == 0 {
		return ErrNoPages
	}
	for i, page := range b.Pages {
		if page.Command == nil || page.Command.IsZero() {
			return fmt.Errorf("page %d: %w", i, ErrMissingCommand)
		}
	}
	return nil
}

// ExpectedSequence returns the first explicit expected sequence in the book.
func (b CommandBook) ExpectedSequence() (uint64, bool) {
	for _, page := range b.Pages {
		if page.HasSequence {
			return page.Sequence, true
		}
	}
	return 0, false
}

// Synchronous reports whether any page requests synchronous handling.
func (b CommandBook) Synchronous() bool {
	for _, page := range b.Pages {
		if page.Synchronous {
			return true
		}
	}
	return false
}

// Clone deep-copies the book.
func (b CommandBook) Clone() CommandBook {
	cloned := CommandBook{Cover: b.Cover}
	if b.Pages != nil {
		cloned.Pages = make([]CommandPage, len(b.Pages))
		for i, page := range b.Pages {
			page.Command = clonePayloadPtr(page.Command)
			cloned.Pages[i] = page
		}
	}
	return cloned
}

// NewCommand builds a single-page command book expecting the given sequence.
func NewCommand(cover Cover, expected uint64, command Payload) CommandBook {
	return CommandBook{
		Cover: cover,
		Pages: []CommandPage{{
			Sequence:    expected,
			HasSequence: true,
			Command:     &command,
		}},
	}
}
