package wire

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/louisbranch/evcoord/internal/services/coordinator/domain/book"
)

// field is one decoded tag/value pair. Bytes is set for length-delimited
// fields and Varint for varint fields.
type field struct {
	Num    protowire.Number
	Type   protowire.Type
	Bytes  []byte
	Varint uint64
}

// schema maps the field numbers a message declares to their wire type.
type schema map[protowire.Number]protowire.Type

const (
	isVarint = protowire.VarintType
	isBytes  = protowire.BytesType
)

var (
	coverSchema             = schema{1: isBytes, 2: isBytes, 3: isBytes}
	commandPageSchema       = schema{1: isVarint, 2: isBytes, 3: isVarint}
	commandBookSchema       = schema{1: isBytes, 2: isBytes}
	eventPageSchema         = schema{1: isVarint, 2: isBytes, 3: isBytes}
	snapshotSchema          = schema{1: isVarint, 2: isBytes}
	eventBookSchema         = schema{1: isBytes, 2: isBytes, 3: isBytes, 4: isBytes}
	contextualCommandSchema = schema{1: isBytes, 2: isBytes}
	businessResponseSchema  = schema{1: isBytes, 2: isBytes}
	rejectionDetailsSchema  = schema{1: isVarint, 2: isVarint, 3: isVarint, 4: isBytes}
	deadLetterSchema        = schema{1: isBytes, 2: isBytes, 3: isBytes, 4: isBytes, 5: isBytes, 6: isBytes, 7: isBytes, 8: isBytes}
	mapEntrySchema          = schema{1: isBytes, 2: isBytes}
	projectionSchema        = schema{1: isBytes, 2: isBytes, 3: isVarint, 4: isBytes}
	anySchema               = schema{1: isBytes, 2: isBytes}
	timestampSchema         = schema{1: isVarint, 2: isVarint}
	envelopeSchema          = schema{1: isBytes, 2: isBytes, 3: isBytes}
	blobReferenceSchema     = schema{1: isBytes, 2: isVarint, 3: isBytes}
	prepareResponseSchema   = schema{1: isBytes}
	reactorRequestSchema    = schema{1: isBytes, 2: isBytes}
	reactorResponseSchema   = schema{1: isBytes}
)

// walk visits every top-level field in b that fields declares. Undeclared
// fields are skipped; a declared field carrying another wire type is an
// error.
func walk(b []byte, fields schema, visit func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("consume tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		f := field{Num: num, Type: typ}
		switch typ {
		case protowire.VarintType:
			f.Varint, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			f.Bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("consume field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]
		want, declared := fields[num]
		if !declared {
			continue
		}
		if typ != want {
			return fmt.Errorf("field %d: wire type %d, want %d", num, typ, want)
		}
		if err := visit(f); err != nil {
			return err
		}
	}
	return nil
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendPresentVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	return appendVarint(b, num, 1)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// appendMessage always writes the field so presence survives an empty body.
func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

// google.protobuf.Any
func appendAny(b []byte, num protowire.Number, p book.Payload) []byte {
	var msg []byte
	msg = appendString(msg, 1, p.Type)
	msg = appendBytes(msg, 2, p.Value)
	return appendMessage(b, num, msg)
}

func decodeAny(b []byte) (book.Payload, error) {
	var p book.Payload
	err := walk(b, anySchema, func(f field) error {
		switch f.Num {
		case 1:
			p.Type = string(f.Bytes)
		case 2:
			p.Value = append([]byte(nil), f.Bytes...)
		}
		return nil
	})
	return p, err
}

// google.protobuf.Timestamp
func appendTimestamp(b []byte, num protowire.Number, t time.Time) []byte {
	if t.IsZero() {
		return b
	}
	var msg []byte
	msg = appendVarint(msg, 1, uint64(t.Unix()))
	msg = appendVarint(msg, 2, uint64(int64(t.Nanosecond())))
	return appendMessage(b, num, msg)
}

func decodeTimestamp(b []byte) (time.Time, error) {
	var seconds, nanos int64
	err := walk(b, timestampSchema, func(f field) error {
		switch f.Num {
		case 1:
			seconds = int64(f.Varint)
		case 2:
			nanos = int64(f.Varint)
		}
		return nil
	})
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(seconds, nanos).UTC(), nil
}
