// Package message defines the data carried across the wire between a
// dispatched stream and its transport: request/response metadata, the
// raw serialized payload for a single message, and the trailing status
// that terminates every call.
//
// This replaces the single request/response RPCMessage envelope the
// package used to carry: a stream now exchanges any number of Metadata
// and payload frames before a single terminal Trailer, matching the
// four streaming shapes the dispatch core supports.
package message

import "google.golang.org/grpc/codes"

// Metadata is the header/trailer key-value store carried on a stream.
// The pseudo-headers ":path" and "content-type" travel in the same map
// as user metadata, mirroring how HTTP/2 carries gRPC's framing.
type Metadata map[string][]string

// Get returns the first value for key, or "" if absent.
func (m Metadata) Get(key string) string {
	if m == nil {
		return ""
	}
	if v := m[key]; len(v) > 0 {
		return v[0]
	}
	return ""
}

// Set replaces all values for key.
func (m Metadata) Set(key, value string) {
	m[key] = []string{value}
}

// Clone returns a deep copy, never nil.
func (m Metadata) Clone() Metadata {
	out := make(Metadata, len(m))
	for k, v := range m {
		cp := make([]string, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out
}

// Trailer is the terminal status of a call, carried in the last frame
// the server writes for a stream.
type Trailer struct {
	Code     codes.Code
	Message  string
	Metadata Metadata
}
