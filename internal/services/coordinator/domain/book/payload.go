package book

import "bytes"

// Payload is a type-tagged opaque blob. Type is owned by business logic
// (typically a protobuf type URL); Value is never inspected by the core.
type Payload struct {
	Type  string
	Value []byte
}

// IsZero reports whether the payload carries neither type nor bytes.
func (p Payload) IsZero() bool {
	return p.Type == "" && len(p.Value) == 0
}

// Clone returns a copy that shares no memory with p.
func (p Payload) Clone() Payload {
	return Payload{Type: p.Type, Value: bytes.Clone(p.Value)}
}

// Equal compares type and bytes.
func (p Payload) Equal(other Payload) bool {
	return p.Type == other.Type && bytes.Equal(p.Value, other.Value)
}

func clonePayloadPtr(p *Payload) *Payload {
	if p == nil {
		return nil
	}
	cloned := p.Clone()
	return &cloned
}
