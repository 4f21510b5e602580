package esc

import (
	"strings"
)

// Serializer converts request bodies to wire bytes and response bytes back to values.
type Serializer interface {
	Encode(input interface{}) ([]byte, error)
	Decode(mimetype string, data []byte) (interface{}, error)
	ContentType() string
}

// JSONSerializer is the default Serializer and speaks application/json.
type JSONSerializer struct{}

// NewJSONSerializer creates the default JSON Serializer.
func NewJSONSerializer() *JSONSerializer {
	return &JSONSerializer{}
}

// ContentType yields the mimetype sent with encoded bodies.
func (s *JSONSerializer) ContentType() string {
	return "application/json"
}

// Encode converts a request body into bytes.
// Byte slices and strings are passed through untouched so pre-rendered payloads survive as-is.
func (s *JSONSerializer) Encode(input interface{}) ([]byte, error) {

	switch body := input.(type) {
	case nil:
		return nil, nil
	case []byte:
		return body, nil
	case string:
		return []byte(body), nil
	default:
		data, err := json.Marshal(input)
		if err != nil {
			return nil, &SerializationError{Err: err}
		}
		return data, nil
	}
}

// Decode converts response bytes into a value based on the response mimetype.
// JSON bodies decode into generic values, everything else comes back as a string.
func (s *JSONSerializer) Decode(mimetype string, data []byte) (interface{}, error) {

	if len(data) == 0 {
		return nil, nil
	}

	if strings.Contains(mimetype, "application/json") {
		var value interface{}
		if err := json.Unmarshal(data, &value); err != nil {
			return nil, &SerializationError{Err: err}
		}
		return value, nil
	}

	return string(data), nil
}
