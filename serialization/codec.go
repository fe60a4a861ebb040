// Package serialization provides the hooks applied to message bodies: Encode
// before a publish and Decode before a delivery reaches its handler.
package serialization

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnsupportedType is wrapped when a codec cannot handle a value's type.
var ErrUnsupportedType = errors.New("serialization: unsupported type")

// SerializationError reports a failed Encode or Decode.
type SerializationError struct {
	Op  string // "encode" or "decode"
	Err error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("serialization error: %s failed: %v", e.Op, e.Err)
}

func (e *SerializationError) Unwrap() error {
	return e.Err
}

// Codec turns application values into message bodies and back.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte) (any, error)
}

// Identity passes bodies through unchanged. Strings are sent as their bytes.
type Identity struct{}

// Encode implements Codec
func (Identity) Encode(v any) ([]byte, error) {
	switch body := v.(type) {
	case []byte:
		return body, nil
	case string:
		return []byte(body), nil
	case nil:
		return nil, nil
	}
	return nil, &SerializationError{Op: "encode", Err: fmt.Errorf("%w: %T", ErrUnsupportedType, v)}
}

// Decode implements Codec
func (Identity) Decode(data []byte) (any, error) {
	return data, nil
}

// JSON encodes with encoding/json and decodes into generic values
// (map[string]any, []any, float64, string, bool or nil).
type JSON struct{}

// Encode implements Codec
func (JSON) Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, &SerializationError{Op: "encode", Err: err}
	}
	return data, nil
}

// Decode implements Codec
func (JSON) Decode(data []byte) (any, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, &SerializationError{Op: "decode", Err: err}
	}
	return v, nil
}

// TypedJSON decodes bodies into a fresh T, returned as *T.
type TypedJSON[T any] struct{}

// NewTypedJSON returns a JSON codec bound to T.
func NewTypedJSON[T any]() TypedJSON[T] {
	return TypedJSON[T]{}
}

// Encode implements Codec
func (TypedJSON[T]) Encode(v any) ([]byte, error) {
	return JSON{}.Encode(v)
}

// Decode implements Codec
func (TypedJSON[T]) Decode(data []byte) (any, error) {
	v := new(T)
	if err := json.Unmarshal(data, v); err != nil {
		return nil, &SerializationError{Op: "decode", Err: err}
	}
	return v, nil
}

// Funcs adapts a pair of plain functions. A nil function behaves like Identity.
type Funcs struct {
	EncodeFunc func(v any) ([]byte, error)
	DecodeFunc func(data []byte) (any, error)
}

// Encode implements Codec
func (f Funcs) Encode(v any) ([]byte, error) {
	if f.EncodeFunc == nil {
		return Identity{}.Encode(v)
	}
	data, err := f.EncodeFunc(v)
	if err != nil {
		return nil, wrap("encode", err)
	}
	return data, nil
}

// Decode implements Codec
func (f Funcs) Decode(data []byte) (any, error) {
	if f.DecodeFunc == nil {
		return Identity{}.Decode(data)
	}
	v, err := f.DecodeFunc(data)
	if err != nil {
		return nil, wrap("decode", err)
	}
	return v, nil
}

// OrIdentity returns c, or Identity when c is nil.
func OrIdentity(c Codec) Codec {
	if c == nil {
		return Identity{}
	}
	return c
}

func wrap(op string, err error) error {
	var serr *SerializationError
	if errors.As(err, &serr) {
		return err
	}
	return &SerializationError{Op: op, Err: err}
}
