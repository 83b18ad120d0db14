package handler

import (
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// unimplementedErr builds the exact wording spec.md §4.1/§6 requires.
func unimplementedErr(path string) error {
	return status.Error(codes.Unimplemented, fmt.Sprintf("The server does not implement the method %s", path))
}

// defaultUnimplementedFunc returns a handler callback matching shape's
// signature that immediately completes the call with UNIMPLEMENTED,
// installed by AddService when impl has no entry for a method.
func defaultUnimplementedFunc(shape Shape, path string) any {
	switch shape {
	case ClientStream:
		return func(stream ClientStreamServer, respond func(resp any, err error)) {
			respond(nil, unimplementedErr(path))
		}
	case ServerStream:
		return func(stream ServerStreamServer) error {
			return unimplementedErr(path)
		}
	case Bidi:
		return func(stream BidiStreamServer) error {
			return unimplementedErr(path)
		}
	default: // Unary
		return func(call *Call, respond func(resp any, err error)) {
			respond(nil, unimplementedErr(path))
		}
	}
}
