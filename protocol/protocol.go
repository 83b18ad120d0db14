// Package protocol implements the wire framing this module uses in place
// of the HTTP/2 transport spec.md treats as an external collaborator: a
// fixed-size 14-byte header followed by a variable-length body, solving
// TCP's sticky-packet problem the same way the original single-exchange
// frame format did, generalized to carry every frame a multiplexed
// streaming RPC call needs (headers, messages, half-close, trailer,
// cancel) instead of just one request/response pair.
//
// Frame format:
//
//	0      3  4  5  6         10        14
//	┌──────┬──┬──┬──┬─────────┬─────────┬───────────────┐
//	│magic │v │ft│rs│streamID │ bodyLen │    body ...    │
//	│ grc  │01│  │  │ uint32  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴─────────┴─────────┴───────────────┘
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Magic number bytes: "grc" (grpccore). Used to reject connections that
// aren't speaking this wire format before any body is parsed.
const (
	MagicNumber byte = 0x67 // 'g'
	MagicByte2  byte = 0x72 // 'r'
	MagicByte3  byte = 0x63 // 'c'
	Version     byte = 0x01
	HeaderSize  int  = 14 // 3 (magic) + 1 (version) + 1 (frameType) + 1 (reserved) + 4 (streamID) + 4 (bodyLen)
)

// FrameType distinguishes the seven frame kinds a stream can carry.
type FrameType byte

const (
	FrameHeaders   FrameType = 0 // first frame: JSON-encoded message.Metadata (":path", "content-type", user metadata)
	FrameMessage   FrameType = 1 // one fully-framed, already-serialized request or response payload
	FrameHalfClose FrameType = 2 // sender has no more messages on this stream (client-stream / bidi)
	FrameTrailer   FrameType = 3 // terminal status: JSON-encoded message.Trailer
	FrameCancel    FrameType = 4 // peer cancelled the stream; no body
	FrameHeartbeat FrameType = 5 // keep-alive probe; streamID 0, no body
	FrameReject    FrameType = 6 // this module's stand-in for HTTP status 415: body is a UTF-8 reason string
)

// Header is the fixed 14-byte frame header.
type Header struct {
	FrameType FrameType
	StreamID  uint32 // identifies the RPC call this frame belongs to; 0 is reserved for heartbeats
	BodyLen   uint32
}

// Encode writes a complete frame (header + body) to w.
// The caller must hold a per-connection write lock if multiple goroutines
// share the same writer, otherwise frames from different streams will
// interleave and corrupt the connection.
func Encode(w io.Writer, h *Header, body []byte) error {
	buf := make([]byte, HeaderSize)

	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = byte(h.FrameType)
	buf[5] = 0 // reserved
	binary.BigEndian.PutUint32(buf[6:10], h.StreamID)
	binary.BigEndian.PutUint32(buf[10:14], h.BodyLen)

	if _, err := w.Write(buf); err != nil {
		return err
	}
	if len(body) > 0 {
		if _, err := w.Write(body); err != nil {
			return err
		}
	}
	return nil
}

// Decode reads a complete frame (header + body) from r.
// Uses io.ReadFull to guarantee exactly N bytes are read, preventing
// partial reads from being mistaken for malformed frames.
func Decode(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, fmt.Errorf("invalid magic number: %x", headerBuf[0:3])
	}
	if headerBuf[3] != Version {
		return nil, nil, fmt.Errorf("unsupported version: %d", headerBuf[3])
	}

	frameType := FrameType(headerBuf[4])
	switch frameType {
	case FrameHeaders, FrameMessage, FrameHalfClose, FrameTrailer, FrameCancel, FrameHeartbeat, FrameReject:
	default:
		return nil, nil, fmt.Errorf("unsupported frame type: %d", frameType)
	}

	streamID := binary.BigEndian.Uint32(headerBuf[6:10])
	bodyLen := binary.BigEndian.Uint32(headerBuf[10:14])

	body := make([]byte, bodyLen)
	if bodyLen > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, nil, err
		}
	}

	return &Header{
		FrameType: frameType,
		StreamID:  streamID,
		BodyLen:   bodyLen,
	}, body, nil
}
