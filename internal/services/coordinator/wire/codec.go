package wire

import (
	"fmt"

	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/proto"

	"github.com/louisbranch/evcoord/internal/services/coordinator/domain/book"
)

// CodecName is the gRPC content-subtype clients select with
// grpc.CallContentSubtype(CodecName).
const CodecName = "evcoord"

func init() {
	encoding.RegisterCodec(Codec{})
}

// Codec is a gRPC codec for the coordinator's message types. Generated
// protobuf messages (the health service) pass through to the proto encoding,
// so a server may force this codec for every call.
type Codec struct{}

// Name implements encoding.Codec.
func (Codec) Name() string { return CodecName }

// Marshal implements encoding.Codec.
func (Codec) Marshal(v any) ([]byte, error) {
	switch msg := v.(type) {
	case *book.CommandBook:
		return EncodeCommandBook(*msg), nil
	case *book.EventBook:
		return EncodeEventBook(*msg), nil
	case *book.ContextualCommand:
		return EncodeContextualCommand(*msg), nil
	case *book.BusinessResponse:
		return EncodeBusinessResponse(*msg), nil
	case *book.DeadLetter:
		return EncodeDeadLetter(*msg), nil
	case *book.Projection:
		return EncodeProjection(*msg), nil
	case *PrepareResponse:
		return encodePrepareResponse(*msg), nil
	case *ReactorRequest:
		return encodeReactorRequest(*msg), nil
	case *ReactorResponse:
		return encodeReactorResponse(*msg), nil
	case *Envelope:
		return EncodeEnvelope(*msg), nil
	case *Empty:
		return nil, nil
	case proto.Message:
		return proto.Marshal(msg)
	default:
		return nil, fmt.Errorf("wire codec: unsupported message %T", v)
	}
}

// Unmarshal implements encoding.Codec.
func (Codec) Unmarshal(data []byte, v any) error {
	var err error
	switch msg := v.(type) {
	case *book.CommandBook:
		*msg, err = DecodeCommandBook(data)
	case *book.EventBook:
		*msg, err = DecodeEventBook(data)
	case *book.ContextualCommand:
		*msg, err = DecodeContextualCommand(data)
	case *book.BusinessResponse:
		*msg, err = DecodeBusinessResponse(data)
	case *book.DeadLetter:
		*msg, err = DecodeDeadLetter(data)
	case *book.Projection:
		*msg, err = DecodeProjection(data)
	case *PrepareResponse:
		*msg, err = decodePrepareResponse(data)
	case *ReactorRequest:
		*msg, err = decodeReactorRequest(data)
	case *ReactorResponse:
		*msg, err = decodeReactorResponse(data)
	case *Envelope:
		*msg, err = DecodeEnvelope(data)
	case *Empty:
	case proto.Message:
		err = proto.Unmarshal(data, msg)
	default:
		return fmt.Errorf("wire codec: unsupported message %T", v)
	}
	if err != nil {
		return fmt.Errorf("wire codec: decode %T: %w", v, err)
	}
	return nil
}
