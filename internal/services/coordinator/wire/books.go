package wire

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/louisbranch/evcoord/internal/services/coordinator/domain/book"
)

func encodeCover(c book.Cover) []byte {
	var b []byte
	b = appendString(b, 1, c.Domain)
	if c.Root != uuid.Nil {
		b = appendBytes(b, 2, c.Root[:])
	}
	b = appendString(b, 3, c.CorrelationID)
	return b
}

func decodeCover(b []byte) (book.Cover, error) {
	var c book.Cover
	err := walk(b, coverSchema, func(f field) error {
		switch f.Num {
		case 1:
			c.Domain = string(f.Bytes)
		case 2:
			root, err := uuid.FromBytes(f.Bytes)
			if err != nil {
				return fmt.Errorf("cover root: %w", err)
			}
			c.Root = root
		case 3:
			c.CorrelationID = string(f.Bytes)
		}
		return nil
	})
	return c, err
}

func encodeCommandPage(p book.CommandPage) []byte {
	var b []byte
	if p.HasSequence {
		b = appendPresentVarint(b, 1, p.Sequence)
	}
	if p.Command != nil {
		b = appendAny(b, 2, *p.Command)
	}
	b = appendBool(b, 3, p.Synchronous)
	return b
}

func decodeCommandPage(b []byte) (book.CommandPage, error) {
	var p book.CommandPage
	err := walk(b, commandPageSchema, func(f field) error {
		switch f.Num {
		case 1:
			p.Sequence = f.Varint
			p.HasSequence = true
		case 2:
			payload, err := decodeAny(f.Bytes)
			if err != nil {
				return fmt.Errorf("command payload: %w", err)
			}
			p.Command = &payload
		case 3:
			p.Synchronous = f.Varint != 0
		}
		return nil
	})
	return p, err
}

// EncodeCommandBook encodes evcoord.v1.CommandBook.
func EncodeCommandBook(c book.CommandBook) []byte {
	var b []byte
	b = appendMessage(b, 1, encodeCover(c.Cover))
	for _, page := range c.Pages {
		b = appendMessage(b, 2, encodeCommandPage(page))
	}
	return b
}

// DecodeCommandBook decodes evcoord.v1.CommandBook.
func DecodeCommandBook(b []byte) (book.CommandBook, error) {
	var c book.CommandBook
	err := walk(b, commandBookSchema, func(f field) error {
		switch f.Num {
		case 1:
			cover, err := decodeCover(f.Bytes)
			if err != nil {
				return err
			}
			c.Cover = cover
		case 2:
			page, err := decodeCommandPage(f.Bytes)
			if err != nil {
				return err
			}
			c.Pages = append(c.Pages, page)
		}
		return nil
	})
	return c, err
}

func encodeEventPage(p book.EventPage) []byte {
	var b []byte
	b = appendVarint(b, 1, p.Sequence)
	b = appendAny(b, 2, p.Event)
	b = appendTimestamp(b, 3, p.CreatedAt)
	return b
}

func decodeEventPage(b []byte) (book.EventPage, error) {
	var p book.EventPage
	err := walk(b, eventPageSchema, func(f field) error {
		switch f.Num {
		case 1:
			p.Sequence = f.Varint
		case 2:
			payload, err := decodeAny(f.Bytes)
			if err != nil {
				return fmt.Errorf("event payload: %w", err)
			}
			p.Event = payload
		case 3:
			created, err := decodeTimestamp(f.Bytes)
			if err != nil {
				return fmt.Errorf("event created_at: %w", err)
			}
			p.CreatedAt = created
		}
		return nil
	})
	return p, err
}

func encodeSnapshot(s book.Snapshot) []byte {
	var b []byte
	b = appendVarint(b, 1, s.Sequence)
	b = appendAny(b, 2, s.State)
	return b
}

func decodeSnapshot(b []byte) (book.Snapshot, error) {
	var s book.Snapshot
	err := walk(b, snapshotSchema, func(f field) error {
		switch f.Num {
		case 1:
			s.Sequence = f.Varint
		case 2:
			state, err := decodeAny(f.Bytes)
			if err != nil {
				return fmt.Errorf("snapshot state: %w", err)
			}
			s.State = state
		}
		return nil
	})
	return s, err
}

// EncodeEventBook encodes evcoord.v1.EventBook.
func EncodeEventBook(e book.EventBook) []byte {
	var b []byte
	b = appendMessage(b, 1, encodeCover(e.Cover))
	for _, page := range e.Pages {
		b = appendMessage(b, 2, encodeEventPage(page))
	}
	if e.Snapshot != nil {
		b = appendMessage(b, 3, encodeSnapshot(*e.Snapshot))
	}
	b = appendString(b, 4, e.CorrelationID)
	return b
}

// DecodeEventBook decodes evcoord.v1.EventBook.
func DecodeEventBook(b []byte) (book.EventBook, error) {
	var e book.EventBook
	err := walk(b, eventBookSchema, func(f field) error {
		switch f.Num {
		case 1:
			cover, err := decodeCover(f.Bytes)
			if err != nil {
				return err
			}
			e.Cover = cover
		case 2:
			page, err := decodeEventPage(f.Bytes)
			if err != nil {
				return err
			}
			e.Pages = append(e.Pages, page)
		case 3:
			snapshot, err := decodeSnapshot(f.Bytes)
			if err != nil {
				return err
			}
			e.Snapshot = &snapshot
		case 4:
			e.CorrelationID = string(f.Bytes)
		}
		return nil
	})
	return e, err
}

// EncodeContextualCommand encodes evcoord.v1.ContextualCommand.
func EncodeContextualCommand(c book.ContextualCommand) []byte {
	var b []byte
	b = appendMessage(b, 1, EncodeCommandBook(c.Command))
	b = appendMessage(b, 2, EncodeEventBook(c.Events))
	return b
}

// DecodeContextualCommand decodes evcoord.v1.ContextualCommand.
func DecodeContextualCommand(b []byte) (book.ContextualCommand, error) {
	var c book.ContextualCommand
	err := walk(b, contextualCommandSchema, func(f field) error {
		var err error
		switch f.Num {
		case 1:
			c.Command, err = DecodeCommandBook(f.Bytes)
		case 2:
			c.Events, err = DecodeEventBook(f.Bytes)
		}
		return err
	})
	return c, err
}

// EncodeBusinessResponse encodes evcoord.v1.BusinessResponse.
func EncodeBusinessResponse(r book.BusinessResponse) []byte {
	if r.Rejected() {
		return appendString(nil, 2, r.Rejection)
	}
	if r.Events != nil {
		return appendMessage(nil, 1, EncodeEventBook(*r.Events))
	}
	return nil
}

// DecodeBusinessResponse decodes evcoord.v1.BusinessResponse.
func DecodeBusinessResponse(b []byte) (book.BusinessResponse, error) {
	var r book.BusinessResponse
	err := walk(b, businessResponseSchema, func(f field) error {
		switch f.Num {
		case 1:
			events, err := DecodeEventBook(f.Bytes)
			if err != nil {
				return err
			}
			r.Events = &events
		case 2:
			r.Rejection = string(f.Bytes)
		}
		return nil
	})
	return r, err
}

func encodeRejectionDetails(d book.RejectionDetails) []byte {
	var b []byte
	b = appendVarint(b, 1, uint64(d.Kind))
	b = appendVarint(b, 2, d.ExpectedSequence)
	b = appendVarint(b, 3, d.ActualSequence)
	b = appendString(b, 4, d.Message)
	return b
}

func decodeRejectionDetails(b []byte) (book.RejectionDetails, error) {
	var d book.RejectionDetails
	err := walk(b, rejectionDetailsSchema, func(f field) error {
		switch f.Num {
		case 1:
			d.Kind = book.RejectionKind(f.Varint)
		case 2:
			d.ExpectedSequence = f.Varint
		case 3:
			d.ActualSequence = f.Varint
		case 4:
			d.Message = string(f.Bytes)
		}
		return nil
	})
	return d, err
}

// EncodeDeadLetter encodes evcoord.v1.DeadLetter.
func EncodeDeadLetter(d book.DeadLetter) []byte {
	var b []byte
	b = appendMessage(b, 1, encodeCover(d.Cover))
	switch {
	case d.Command != nil:
		b = appendMessage(b, 2, EncodeCommandBook(*d.Command))
	case d.Events != nil:
		b = appendMessage(b, 3, EncodeEventBook(*d.Events))
	}
	b = appendString(b, 4, d.RejectionReason)
	b = appendMessage(b, 5, encodeRejectionDetails(d.Details))
	b = appendString(b, 6, d.SourceComponent)
	b = appendTimestamp(b, 7, d.OccurredAt)
	for _, key := range sortedKeys(d.Metadata) {
		var entry []byte
		entry = appendString(entry, 1, key)
		entry = appendString(entry, 2, d.Metadata[key])
		b = appendMessage(b, 8, entry)
	}
	return b
}

// DecodeDeadLetter decodes evcoord.v1.DeadLetter.
func DecodeDeadLetter(b []byte) (book.DeadLetter, error) {
	d := book.DeadLetter{Metadata: map[string]string{}}
	err := walk(b, deadLetterSchema, func(f field) error {
		switch f.Num {
		case 1:
			cover, err := decodeCover(f.Bytes)
			if err != nil {
				return err
			}
			d.Cover = cover
		case 2:
			command, err := DecodeCommandBook(f.Bytes)
			if err != nil {
				return err
			}
			d.Command = &command
		case 3:
			events, err := DecodeEventBook(f.Bytes)
			if err != nil {
				return err
			}
			d.Events = &events
		case 4:
			d.RejectionReason = string(f.Bytes)
		case 5:
			details, err := decodeRejectionDetails(f.Bytes)
			if err != nil {
				return err
			}
			d.Details = details
		case 6:
			d.SourceComponent = string(f.Bytes)
		case 7:
			occurred, err := decodeTimestamp(f.Bytes)
			if err != nil {
				return err
			}
			d.OccurredAt = occurred
		case 8:
			var key, value string
			if err := walk(f.Bytes, mapEntrySchema, func(entry field) error {
				switch entry.Num {
				case 1:
					key = string(entry.Bytes)
				case 2:
					value = string(entry.Bytes)
				}
				return nil
			}); err != nil {
				return fmt.Errorf("metadata entry: %w", err)
			}
			d.Metadata[key] = value
		}
		return nil
	})
	return d, err
}

// EncodeProjection encodes evcoord.v1.Projection.
func EncodeProjection(p book.Projection) []byte {
	var b []byte
	b = appendMessage(b, 1, encodeCover(p.Cover))
	b = appendString(b, 2, p.Projector)
	b = appendVarint(b, 3, p.Sequence)
	if p.State != nil {
		b = appendAny(b, 4, *p.State)
	}
	return b
}

// DecodeProjection decodes evcoord.v1.Projection.
func DecodeProjection(b []byte) (book.Projection, error) {
	var p book.Projection
	err := walk(b, projectionSchema, func(f field) error {
		switch f.Num {
		case 1:
			cover, err := decodeCover(f.Bytes)
			if err != nil {
				return err
			}
			p.Cover = cover
		case 2:
			p.Projector = string(f.Bytes)
		case 3:
			p.Sequence = f.Varint
		case 4:
			state, err := decodeAny(f.Bytes)
			if err != nil {
				return err
			}
			p.State = &state
		}
		return nil
	})
	return p, err
}
