// Package codec provides the serialization strategy for the Metadata and
// Trailer structures carried in FrameHeaders and FrameTrailer frames.
//
// The RPC request/response payload itself is never touched by this
// package — per spec.md §1 that serialization is owned by the
// per-method handler.Handler (the user's protobuf-or-equivalent
// serializer). codec only encodes the framing envelope around it:
//   - JSONCodec:   human-readable, easy to debug
//   - BinaryCodec: compact length-prefixed binary format
package codec

import "grpccore/message"

// Name identifies a codec for Get. The dispatch core and the client
// harness always use NameJSON; no channel option selects another codec.
type Name string

const (
	NameJSON   Name = "json"
	NameBinary Name = "binary"
)

// Codec is the strategy interface for (de)serializing Metadata and
// Trailer. Implementing this interface allows adding new envelope
// formats without touching the dispatch core.
type Codec interface {
	EncodeMetadata(m message.Metadata) ([]byte, error)
	DecodeMetadata(data []byte) (message.Metadata, error)
	EncodeTrailer(t message.Trailer) ([]byte, error)
	DecodeTrailer(data []byte) (message.Trailer, error)
	Name() Name
}

// Get is a factory function that returns the codec for name, defaulting
// to JSON for an unknown or empty name.
func Get(name Name) Codec {
	if name == NameBinary {
		return &BinaryCodec{}
	}
	return &JSONCodec{}
}
