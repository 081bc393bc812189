package storage

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"

	"github.com/louisbranch/evcoord/internal/services/coordinator/domain/book"
)

// MarshalState encodes a snapshot state as a google.protobuf.Any so single
// column backends keep the type tag next to the bytes.
func MarshalState(state book.Payload) ([]byte, error) {
	data, err := proto.Marshal(&anypb.Any{TypeUrl: state.Type, Value: state.Value})
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot state: %w", err)
	}
	return data, nil
}

// UnmarshalState reverses MarshalState.
func UnmarshalState(data []byte) (book.Payload, error) {
	var wrapped anypb.Any
	if err := proto.Unmarshal(data, &wrapped); err != nil {
		return book.Payload{}, fmt.Errorf("unmarshal snapshot state: %w", err)
	}
	return book.Payload{Type: wrapped.GetTypeUrl(), Value: wrapped.GetValue()}, nil
}
