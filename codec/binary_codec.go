package codec

import (
	"encoding/binary"
	"errors"

	"grpccore/message"
)

// BinaryCodec implements a compact binary serialization for the Metadata
// and Trailer envelope, the same length-prefixed layout strategy the
// original RPCMessage binary codec used: every string carries a 2-byte
// length prefix; the trailer's status code is a 4-byte field.
//
// Metadata format:
//
//	┌───────────┬──────────────────────────────────────────┐
//	│keyCount(2)│ per key: keyLen(2) key valCount(2) vals…  │
//	└───────────┴──────────────────────────────────────────┘
//	each value: valLen(2) val bytes
type BinaryCodec struct{}

func (c *BinaryCodec) EncodeMetadata(m message.Metadata) ([]byte, error) {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, uint16(len(m)))

	for k, vs := range m {
		kb := []byte(k)
		head := make([]byte, 2+len(kb)+2)
		binary.BigEndian.PutUint16(head[0:2], uint16(len(kb)))
		copy(head[2:], kb)
		binary.BigEndian.PutUint16(head[2+len(kb):], uint16(len(vs)))
		buf = append(buf, head...)
		for _, v := range vs {
			vb := []byte(v)
			if len(vb) > 0xFFFF {
				return nil, errors.New("BinaryCodec: metadata value too large")
			}
			vh := make([]byte, 2)
			binary.BigEndian.PutUint16(vh, uint16(len(vb)))
			buf = append(buf, vh...)
			buf = append(buf, vb...)
		}
	}
	return buf, nil
}

func (c *BinaryCodec) DecodeMetadata(data []byte) (message.Metadata, error) {
	m := message.Metadata{}
	if len(data) < 2 {
		return m, nil
	}
	offset := 0
	keyCount := int(binary.BigEndian.Uint16(data[offset : offset+2]))
	offset += 2
	for i := 0; i < keyCount; i++ {
		if offset+2 > len(data) {
			return nil, errors.New("BinaryCodec: truncated metadata key length")
		}
		keyLen := int(binary.BigEndian.Uint16(data[offset : offset+2]))
		offset += 2
		if offset+keyLen+2 > len(data) {
			return nil, errors.New("BinaryCodec: truncated metadata key")
		}
		key := string(data[offset : offset+keyLen])
		offset += keyLen
		valCount := int(binary.BigEndian.Uint16(data[offset : offset+2]))
		offset += 2
		vals := make([]string, 0, valCount)
		for j := 0; j < valCount; j++ {
			if offset+2 > len(data) {
				return nil, errors.New("BinaryCodec: truncated metadata value length")
			}
			valLen := int(binary.BigEndian.Uint16(data[offset : offset+2]))
			offset += 2
			if offset+valLen > len(data) {
				return nil, errors.New("BinaryCodec: truncated metadata value")
			}
			vals = append(vals, string(data[offset:offset+valLen]))
			offset += valLen
		}
		m[key] = vals
	}
	return m, nil
}

func (c *BinaryCodec) EncodeTrailer(t message.Trailer) ([]byte, error) {
	mdBytes, err := c.EncodeMetadata(t.Metadata)
	if err != nil {
		return nil, err
	}
	msgBytes := []byte(t.Message)
	buf := make([]byte, 4+2+len(msgBytes))
	binary.BigEndian.PutUint32(buf[0:4], uint32(t.Code))
	binary.BigEndian.PutUint16(buf[4:6], uint16(len(msgBytes)))
	copy(buf[6:], msgBytes)
	buf = append(buf, mdBytes...)
	return buf, nil
}

func (c *BinaryCodec) DecodeTrailer(data []byte) (message.Trailer, error) {
	if len(data) < 6 {
		return message.Trailer{}, errors.New("BinaryCodec: truncated trailer")
	}
	code := codeFromUint32(binary.BigEndian.Uint32(data[0:4]))
	msgLen := int(binary.BigEndian.Uint16(data[4:6]))
	if 6+msgLen > len(data) {
		return message.Trailer{}, errors.New("BinaryCodec: truncated trailer message")
	}
	msg := string(data[6 : 6+msgLen])
	md, err := c.DecodeMetadata(data[6+msgLen:])
	if err != nil {
		return message.Trailer{}, err
	}
	return message.Trailer{Code: code, Message: msg, Metadata: md}, nil
}

func (c *BinaryCodec) Name() Name {
	return NameBinary
}
