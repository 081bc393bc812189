// Package grpc groups the coordinator's gRPC surface: the inbound
// coordinator services, the clients for out-of-process handlers, and the
// interceptors shared by both. Messages travel in protobuf wire format
// through the codec registered by package wire.
package grpc
