package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// IndexMax is the largest index a Message can carry
const IndexMax int64 = math.MaxInt64

// ErrMalformedMessage is returned by Decode for any byte sequence Encode would not produce
var ErrMalformedMessage = errors.New("malformed message")

// ErrNegativeIndex is returned by Encode for indices below zero
var ErrNegativeIndex = errors.New("message index must be non-negative")

// Message is one unit of the exchange
type Message struct {
	Index int64 `json:"index"`
}

// Codec turns Messages into bytes and back
type Codec interface {
	Name() string
	Encode(m Message) ([]byte, error)
	Decode(data []byte) (Message, error)
}

// DefaultCodec is the JSON codec understood by every peer of the cookbook app
var DefaultCodec Codec = JSONCodec{}

// Encode encodes m with the default codec
func Encode(m Message) ([]byte, error) {
	return DefaultCodec.Encode(m)
}

// Decode decodes data with the default codec
func Decode(data []byte) (Message, error) {
	return DefaultCodec.Decode(data)
}

// CodecByName returns the codec registered under name ("json" or "proto")
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec{}, nil
	case "proto", "protobuf":
		return ProtoCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

func malformed(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrMalformedMessage, fmt.Sprintf(format, args...))
}

// JSONCodec encodes Messages as compact {"index":N} objects
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Encode(m Message) ([]byte, error) {
	if m.Index < 0 {
		return nil, ErrNegativeIndex
	}
	return json.Marshal(m)
}

// Decode only accepts the exact bytes Encode produces: the payload is
// re-encoded after parsing and compared byte for byte.
func (c JSONCodec) Decode(data []byte) (Message, error) {
	if len(data) == 0 {
		return Message{}, malformed("empty payload")
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Message{}, malformed("%v", err)
	}
	field, ok := raw["index"]
	if !ok || len(raw) != 1 {
		return Message{}, malformed("expected a single index field")
	}

	var m Message
	if err := json.Unmarshal(field, &m.Index); err != nil {
		return Message{}, malformed("index: %v", err)
	}
	if m.Index < 0 {
		return Message{}, malformed("negative index %d", m.Index)
	}

	canonical, err := c.Encode(m)
	if err != nil || !bytes.Equal(canonical, data) {
		return Message{}, malformed("non-canonical encoding")
	}
	return m, nil
}

// ProtoCodec encodes Messages as a protobuf Int64Value
type ProtoCodec struct{}

func (ProtoCodec) Name() string { return "proto" }

func (ProtoCodec) Encode(m Message) ([]byte, error) {
	if m.Index < 0 {
		return nil, ErrNegativeIndex
	}
	// Index 0 would marshal to zero bytes, which cannot be told apart from
	// an absent payload on the wire, so the field is always emitted.
	return marshalAlways(m.Index), nil
}

func (c ProtoCodec) Decode(data []byte) (Message, error) {
	if len(data) == 0 {
		return Message{}, malformed("empty payload")
	}

	var v wrapperspb.Int64Value
	if err := proto.Unmarshal(data, &v); err != nil {
		return Message{}, malformed("%v", err)
	}
	if len(v.ProtoReflect().GetUnknown()) > 0 {
		return Message{}, malformed("unknown fields")
	}
	if v.GetValue() < 0 {
		return Message{}, malformed("negative index %d", v.GetValue())
	}

	m := Message{Index: v.GetValue()}
	if !bytes.Equal(marshalAlways(m.Index), data) {
		return Message{}, malformed("non-canonical encoding")
	}
	return m, nil
}

// marshalAlways writes field 1 even when the value is zero
func marshalAlways(index int64) []byte {
	buf := protowire.AppendTag(nil, 1, protowire.VarintType)
	return protowire.AppendVarint(buf, uint64(index))
}
