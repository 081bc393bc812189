package redis

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/louisbranch/evcoord/internal/services/coordinator/domain/book"
)

// Sorted set members are protobuf-wire records so the member is unique per
// sequence and self-describing.
const (
	fieldSequence    protowire.Number = 1
	fieldType        protowire.Number = 2
	fieldValue       protowire.Number = 3
	fieldCreatedAt   protowire.Number = 4
	fieldCorrelation protowire.Number = 5
)

func encodePage(page book.EventPage, correlationID string) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldSequence, protowire.VarintType)
	b = protowire.AppendVarint(b, page.Sequence)
	b = protowire.AppendTag(b, fieldType, protowire.BytesType)
	b = protowire.AppendString(b, page.Event.Type)
	b = protowire.AppendTag(b, fieldValue, protowire.BytesType)
	b = protowire.AppendBytes(b, page.Event.Value)
	b = protowire.AppendTag(b, fieldCreatedAt, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(page.CreatedAt.UnixNano()))
	if correlationID != "" {
		b = protowire.AppendTag(b, fieldCorrelation, protowire.BytesType)
		b = protowire.AppendString(b, correlationID)
	}
	return b
}

func decodePage(b []byte) (book.EventPage, error) {
	var page book.EventPage
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return book.EventPage{}, fmt.Errorf("decode page tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldSequence && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return book.EventPage{}, fmt.Errorf("decode sequence: %w", protowire.ParseError(n))
			}
			page.Sequence = v
			b = b[n:]
		case num == fieldType && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return book.EventPage{}, fmt.Errorf("decode event type: %w", protowire.ParseError(n))
			}
			page.Event.Type = v
			b = b[n:]
		case num == fieldValue && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return book.EventPage{}, fmt.Errorf("decode event value: %w", protowire.ParseError(n))
			}
			page.Event.Value = append([]byte(nil), v...)
			b = b[n:]
		case num == fieldCreatedAt && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return book.EventPage{}, fmt.Errorf("decode created_at: %w", protowire.ParseError(n))
			}
			page.CreatedAt = time.Unix(0, int64(v)).UTC()
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return book.EventPage{}, fmt.Errorf("skip field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return page, nil
}
