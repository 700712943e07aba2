package task

import (
	"encoding/json"
	"fmt"

	cbor "github.com/fxamacker/cbor/v2"
)

// Codec serializes tasks and emit data for the wire. Client and worker must agree on it.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

var defaultCBOR Codec

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("building CBOR encoder: %s", err))
	}
	dm, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("building CBOR decoder: %s", err))
	}
	defaultCBOR = cborCodec{enc: em, dec: dm}
}

// CBOR returns the default codec: canonical CBOR, so equal values encode to equal bytes.
func CBOR() Codec { return defaultCBOR }

func (c cborCodec) Name() string                       { return "cbor" }
func (c cborCodec) Marshal(v any) ([]byte, error)      { return c.enc.Marshal(v) }
func (c cborCodec) Unmarshal(data []byte, v any) error { return c.dec.Unmarshal(data, v) }

type jsonCodec struct{}

// JSON returns a JSON codec, handy when a worker is not written in Go.
func JSON() Codec { return jsonCodec{} }

func (jsonCodec) Name() string                       { return "json" }
func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// ByName looks up a codec by the name used in config and on the worker command line.
func ByName(name string) (Codec, error) {
	switch name {
	case "", "cbor":
		return CBOR(), nil
	case "json":
		return JSON(), nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}
