package codec

import (
	"encoding/json"

	"grpccore/message"
)

// JSONCodec uses Go's standard library encoding/json for the metadata
// and trailer envelope. Human-readable, cross-language, easy to debug.
type JSONCodec struct{}

func (c *JSONCodec) EncodeMetadata(m message.Metadata) ([]byte, error) {
	return json.Marshal(m)
}

func (c *JSONCodec) DecodeMetadata(data []byte) (message.Metadata, error) {
	m := message.Metadata{}
	if len(data) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

type jsonTrailer struct {
	Code     uint32            `json:"code"`
	Message  string            `json:"message"`
	Metadata message.Metadata  `json:"metadata,omitempty"`
}

func (c *JSONCodec) EncodeTrailer(t message.Trailer) ([]byte, error) {
	return json.Marshal(jsonTrailer{Code: uint32(t.Code), Message: t.Message, Metadata: t.Metadata})
}

func (c *JSONCodec) DecodeTrailer(data []byte) (message.Trailer, error) {
	var jt jsonTrailer
	if err := json.Unmarshal(data, &jt); err != nil {
		return message.Trailer{}, err
	}
	return message.Trailer{Code: codeFromUint32(jt.Code), Message: jt.Message, Metadata: jt.Metadata}, nil
}

func (c *JSONCodec) Name() Name {
	return NameJSON
}
