// Package codec encodes checkpoints for durable stores.
//
// A Codec turns a value into bytes and back. JSON and MessagePack codecs are
// provided; either can be wrapped with gzip or zstd compression via
// Compressed. A codec's Name is recorded next to every stored payload so a
// reader can pick the matching codec with ByName, even after the writer's
// configuration changed.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec serializes values.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Name() string
}

// JSONCodec encodes with encoding/json.
type JSONCodec struct{}

// NewJSONCodec returns a JSON codec.
func NewJSONCodec() Codec { return JSONCodec{} }

func (JSONCodec) Encode(v any) ([]byte, error) { return json.Marshal(v) }

func (JSONCodec) Decode(data []byte, v any) error { return json.Unmarshal(data, v) }

func (JSONCodec) Name() string { return "json" }

// MsgPackCodec encodes with MessagePack. Struct fields are named by their json
// tags, so types only need one set of tags.
type MsgPackCodec struct{}

// NewMsgPackCodec returns a MessagePack codec.
func NewMsgPackCodec() Codec { return MsgPackCodec{} }

func (MsgPackCodec) Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (MsgPackCodec) Decode(data []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	return dec.Decode(v)
}

func (MsgPackCodec) Name() string { return "msgpack" }

// ByName returns the codec that produced name, as reported by Name. Names
// have the form "<codec>" or "<codec>+<compression>".
func ByName(name string) (Codec, error) {
	base, comp, _ := strings.Cut(name, "+")
	var c Codec
	switch base {
	case "json":
		c = NewJSONCodec()
	case "msgpack":
		c = NewMsgPackCodec()
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
	if comp == "" {
		return c, nil
	}
	ct := Compression(comp)
	if !ct.Valid() || ct == CompressionNone {
		return nil, fmt.Errorf("unknown compression in codec %q", name)
	}
	return Compressed(c, ct), nil
}
