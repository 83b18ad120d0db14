package protocol

import (
	"bytes"
	"testing"
)

func TestEncodeDecode(t *testing.T) {
	header := Header{
		FrameType: FrameMessage,
		StreamID:  12345,
		BodyLen:   11,
	}
	body := []byte("hello world")

	var buf bytes.Buffer
	if err := Encode(&buf, &header, body); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	decodedHeader, decodedBody, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if decodedHeader.FrameType != header.FrameType {
		t.Errorf("FrameType mismatch: got %d, want %d", decodedHeader.FrameType, header.FrameType)
	}
	if decodedHeader.StreamID != header.StreamID {
		t.Errorf("StreamID mismatch: got %d, want %d", decodedHeader.StreamID, header.StreamID)
	}
	if decodedHeader.BodyLen != header.BodyLen {
		t.Errorf("BodyLen mismatch: got %d, want %d", decodedHeader.BodyLen, header.BodyLen)
	}
	if !bytes.Equal(decodedBody, body) {
		t.Errorf("Body mismatch: got %s, want %s", string(decodedBody), string(body))
	}
}

func TestDecodeInvalidMagic(t *testing.T) {
	invalidHeader := []byte{0x00, 0x00, 0x00, Version, byte(FrameMessage), 0x00, 0x00, 0x00, 0x30, 0x39, 0x00, 0x00, 0x00, 0x0B}
	var buf bytes.Buffer
	buf.Write(invalidHeader)
	buf.Write([]byte("hello world"))

	_, _, err := Decode(&buf)
	if err == nil {
		t.Fatal("expected error for invalid magic number, got nil")
	}
	if !bytes.Contains([]byte(err.Error()), []byte("invalid magic number")) {
		t.Errorf("error message should contain 'invalid magic number', got: %v", err)
	}
}

func TestDecodeEmptyBody(t *testing.T) {
	header := Header{
		FrameType: FrameHeartbeat,
		StreamID:  0,
		BodyLen:   0,
	}
	var buf bytes.Buffer
	if err := Encode(&buf, &header, nil); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	decodedHeader, decodedBody, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if decodedHeader.FrameType != FrameHeartbeat {
		t.Errorf("FrameType mismatch: got %d, want %d", decodedHeader.FrameType, FrameHeartbeat)
	}
	if decodedHeader.BodyLen != 0 {
		t.Errorf("BodyLen mismatch: got %d, want 0", decodedHeader.BodyLen)
	}
	if len(decodedBody) != 0 {
		t.Errorf("expected empty body, got length %d", len(decodedBody))
	}
}

func TestDecodeInvalidVersion(t *testing.T) {
	var buf bytes.Buffer
	invalidFrame := []byte{
		MagicNumber, MagicByte2, MagicByte3,
		0xFF, // wrong version
		byte(FrameMessage),
		0,
		0, 0, 0, 1, // streamID
		0, 0, 0, 0, // bodyLen
	}
	buf.Write(invalidFrame)

	_, _, err := Decode(&buf)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !bytes.Contains([]byte(err.Error()), []byte("unsupported version")) {
		t.Errorf("error message should contain 'unsupported version', got: %v", err)
	}
}

func TestDecodeInvalidFrameType(t *testing.T) {
	var buf bytes.Buffer
	invalidFrame := []byte{
		MagicNumber, MagicByte2, MagicByte3,
		Version,
		0xEE, // unknown frame type
		0,
		0, 0, 0, 1,
		0, 0, 0, 0,
	}
	buf.Write(invalidFrame)

	_, _, err := Decode(&buf)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !bytes.Contains([]byte(err.Error()), []byte("unsupported frame type")) {
		t.Errorf("error message should contain 'unsupported frame type', got: %v", err)
	}
}

func TestDecodeLargeBody(t *testing.T) {
	var buf bytes.Buffer

	largeBody := make([]byte, 1024*1024)
	for i := range largeBody {
		largeBody[i] = byte(i % 256)
	}

	header := &Header{
		FrameType: FrameMessage,
		StreamID:  999,
		BodyLen:   uint32(len(largeBody)),
	}

	if err := Encode(&buf, header, largeBody); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	_, decodedBody, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !bytes.Equal(decodedBody, largeBody) {
		t.Errorf("large body content mismatch")
	}
}
