package codec

import "google.golang.org/grpc/codes"

func codeFromUint32(c uint32) codes.Code {
	return codes.Code(c)
}
