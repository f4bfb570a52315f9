package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
)

type DataType string

const (
	DataTypeJSON   DataType = "json"
	DataTypeText   DataType = "text"
	DataTypeBinary DataType = "binary"
)

var (
	ErrInvalidJSON     = errors.New("payload is not valid JSON")
	ErrUnknownDataType = errors.New("unknown data type")
)

// Payload is message data together with how clients should interpret it.
// Data always holds a JSON value: the document itself for json, a JSON
// string for text and a base64 JSON string for binary.
type Payload struct {
	DataType DataType
	Data     json.RawMessage
}

func (p Payload) dataType() DataType {
	if p.DataType == "" {
		return DataTypeJSON
	}
	return p.DataType
}

func (p Payload) data() json.RawMessage {
	if len(p.Data) == 0 {
		return json.RawMessage("null")
	}
	return p.Data
}

// JSONPayload wraps an already encoded JSON document.
func JSONPayload(raw []byte) (Payload, error) {
	if !json.Valid(raw) {
		return Payload{}, ErrInvalidJSON
	}
	return Payload{DataType: DataTypeJSON, Data: json.RawMessage(raw)}, nil
}

func TextPayload(text string) Payload {
	b, _ := json.Marshal(text)
	return Payload{DataType: DataTypeText, Data: b}
}

func BinaryPayload(data []byte) Payload {
	b, _ := json.Marshal(base64.StdEncoding.EncodeToString(data))
	return Payload{DataType: DataTypeBinary, Data: b}
}

// PayloadFromBody converts an HTTP request body according to its content
// type. An empty content type is treated as JSON.
func PayloadFromBody(contentType string, body []byte) (Payload, error) {
	mediaType := "application/json"
	if contentType != "" {
		mt, _, err := mime.ParseMediaType(contentType)
		if err != nil {
			return Payload{}, fmt.Errorf("parse content type %q: %w", contentType, err)
		}
		mediaType = mt
	}
	switch mediaType {
	case "application/json":
		return JSONPayload(body)
	case "text/plain":
		return TextPayload(string(body)), nil
	case "application/octet-stream":
		return BinaryPayload(body), nil
	default:
		return Payload{}, fmt.Errorf("%w: content type %q", ErrUnknownDataType, mediaType)
	}
}

// PayloadFromClient validates the data of an inbound sendToGroup frame.
// Clients send text as a JSON string and binary as a base64 JSON string.
func PayloadFromClient(dataType DataType, data json.RawMessage) (Payload, error) {
	switch dataType {
	case "", DataTypeJSON:
		if len(data) == 0 {
			return Payload{DataType: DataTypeJSON}, nil
		}
		return JSONPayload(data)
	case DataTypeText, DataTypeBinary:
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return Payload{}, fmt.Errorf("%s data must be a JSON string: %w", dataType, err)
		}
		if dataType == DataTypeBinary {
			if _, err := base64.StdEncoding.DecodeString(s); err != nil {
				return Payload{}, fmt.Errorf("binary data must be base64: %w", err)
			}
		}
		return Payload{DataType: dataType, Data: data}, nil
	default:
		return Payload{}, fmt.Errorf("%w: %q", ErrUnknownDataType, dataType)
	}
}
