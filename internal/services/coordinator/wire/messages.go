package wire

import (
	"slices"

	"github.com/louisbranch/evcoord/internal/services/coordinator/domain/book"
)

// BlobReference points at a payload offloaded to blob storage.
type BlobReference struct {
	Key   string
	Size  int64
	Cover book.Cover
}

// Envelope is the body of every bus message: an inline book, a claim-check
// reference to one, or a dead letter.
type Envelope struct {
	Events     *book.EventBook
	Reference  *BlobReference
	DeadLetter *book.DeadLetter
}

// EncodeEnvelope encodes evcoord.v1.Envelope.
func EncodeEnvelope(e Envelope) []byte {
	switch {
	case e.Events != nil:
		return appendMessage(nil, 1, EncodeEventBook(*e.Events))
	case e.Reference != nil:
		var ref []byte
		ref = appendString(ref, 1, e.Reference.Key)
		ref = appendVarint(ref, 2, uint64(e.Reference.Size))
		ref = appendMessage(ref, 3, encodeCover(e.Reference.Cover))
		return appendMessage(nil, 2, ref)
	case e.DeadLetter != nil:
		return appendMessage(nil, 3, EncodeDeadLetter(*e.DeadLetter))
	}
	return nil
}

// DecodeEnvelope decodes evcoord.v1.Envelope.
func DecodeEnvelope(b []byte) (Envelope, error) {
	var e Envelope
	err := walk(b, envelopeSchema, func(f field) error {
		switch f.Num {
		case 1:
			events, err := DecodeEventBook(f.Bytes)
			if err != nil {
				return err
			}
			e.Events = &events
		case 2:
			ref := BlobReference{}
			if err := walk(f.Bytes, blobReferenceSchema, func(rf field) error {
				switch rf.Num {
				case 1:
					ref.Key = string(rf.Bytes)
				case 2:
					ref.Size = int64(rf.Varint)
				case 3:
					cover, err := decodeCover(rf.Bytes)
					if err != nil {
						return err
					}
					ref.Cover = cover
				}
				return nil
			}); err != nil {
				return err
			}
			e.Reference = &ref
		case 3:
			letter, err := DecodeDeadLetter(f.Bytes)
			if err != nil {
				return err
			}
			e.DeadLetter = &letter
		}
		return nil
	})
	return e, err
}

// Empty is evcoord.v1.Empty.
type Empty struct{}

// PrepareResponse lists the destination aggregates a reactor needs.
type PrepareResponse struct {
	Destinations []book.Cover
}

// ReactorRequest carries the source book and the loaded destinations.
type ReactorRequest struct {
	Source       book.EventBook
	Destinations []book.EventBook
}

// ReactorResponse carries the commands a reactor emits.
type ReactorResponse struct {
	Commands []book.CommandBook
}

func encodePrepareResponse(r PrepareResponse) []byte {
	var b []byte
	for _, cover := range r.Destinations {
		b = appendMessage(b, 1, encodeCover(cover))
	}
	return b
}

func decodePrepareResponse(b []byte) (PrepareResponse, error) {
	var r PrepareResponse
	err := walk(b, prepareResponseSchema, func(f field) error {
		if f.Num != 1 {
			return nil
		}
		cover, err := decodeCover(f.Bytes)
		if err != nil {
			return err
		}
		r.Destinations = append(r.Destinations, cover)
		return nil
	})
	return r, err
}

func encodeReactorRequest(r ReactorRequest) []byte {
	var b []byte
	b = appendMessage(b, 1, EncodeEventBook(r.Source))
	for _, dest := range r.Destinations {
		b = appendMessage(b, 2, EncodeEventBook(dest))
	}
	return b
}

func decodeReactorRequest(b []byte) (ReactorRequest, error) {
	var r ReactorRequest
	err := walk(b, reactorRequestSchema, func(f field) error {
		switch f.Num {
		case 1:
			source, err := DecodeEventBook(f.Bytes)
			if err != nil {
				return err
			}
			r.Source = source
		case 2:
			dest, err := DecodeEventBook(f.Bytes)
			if err != nil {
				return err
			}
			r.Destinations = append(r.Destinations, dest)
		}
		return nil
	})
	return r, err
}

func encodeReactorResponse(r ReactorResponse) []byte {
	var b []byte
	for _, command := range r.Commands {
		b = appendMessage(b, 1, EncodeCommandBook(command))
	}
	return b
}

func decodeReactorResponse(b []byte) (ReactorResponse, error) {
	var r ReactorResponse
	err := walk(b, reactorResponseSchema, func(f field) error {
		if f.Num != 1 {
			return nil
		}
		command, err := DecodeCommandBook(f.Bytes)
		if err != nil {
			return err
		}
		r.Commands = append(r.Commands, command)
		return nil
	})
	return r, err
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}
