// Package codec converts numeric arrays to and from the text form carried in
// bus payloads: big-endian IEEE-754 float64 elements, base64 wrapped.
package codec

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const elemSize = 8

// ErrMalformedPayload is returned when an encoded array cannot be decoded.
var ErrMalformedPayload = errors.New("malformed payload")

// Encode returns the base64 text for values. An empty slice encodes to "".
func Encode(values []float64) string {
	if len(values) == 0 {
		return ""
	}
	buf := make([]byte, len(values)*elemSize)
	for i, v := range values {
		binary.BigEndian.PutUint64(buf[i*elemSize:], math.Float64bits(v))
	}
	return base64.StdEncoding.EncodeToString(buf)
}

// Decode parses text produced by Encode. NaN and infinities keep their bit
// patterns.
func Decode(text string) ([]float64, error) {
	if text == "" {
		return []float64{}, nil
	}
	buf, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if len(buf)%elemSize != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a multiple of %d", ErrMalformedPayload, len(buf), elemSize)
	}
	out := make([]float64, len(buf)/elemSize)
	for i := range out {
		out[i] = math.Float64frombits(binary.BigEndian.Uint64(buf[i*elemSize:]))
	}
	return out, nil
}

// DecodeField decodes params[key] when present. A missing or empty field
// yields nil without error; a non-string field is malformed.
func DecodeField(params map[string]any, key string) ([]float64, error) {
	raw, ok := params[key]
	if !ok || raw == nil {
		return nil, nil
	}
	s, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("%w: field %q is %T, want string", ErrMalformedPayload, key, raw)
	}
	if s == "" {
		return nil, nil
	}
	vals, err := Decode(s)
	if err != nil {
		return nil, fmt.Errorf("field %q: %w", key, err)
	}
	return vals, nil
}
