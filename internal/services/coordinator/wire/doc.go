// Package wire encodes the coordinator's books in protobuf wire format as
// described by api/proto/evcoord/v1/evcoord.proto. The same bytes travel
// over gRPC (through Codec) and as bus message bodies, so a handler written
// against the .proto in any language can read both.
package wire
