package envelope

import (
	"encoding/json"

	"proof-rpc/bridgeerr"
)

// Version is the wire version written by NewCodec.
const Version uint8 = 1

// Codec encodes envelopes into a versioned JSON object:
//
//	{"v":1,"tag":"ok","value":<T>}
//	{"v":1,"tag":"err","error":<E>}
//
// The same Codec must be configured on the client and the worker. Bytes are
// carried as base64 by encoding/json, which is lossless.
type Codec struct {
	version uint8
}

func NewCodec() Codec {
	return Codec{version: Version}
}

// NewCodecVersion builds a codec pinned to a specific wire version.
func NewCodecVersion(v uint8) Codec {
	return Codec{version: v}
}

func (c Codec) Version() uint8 {
	return c.version
}

type wireEnvelope struct {
	Version uint8           `json:"v"`
	Tag     Tag             `json:"tag"`
	Value   json.RawMessage `json:"value,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
}

// Encode serializes env. Untagged envelopes are rejected.
func Encode[T, E any](c Codec, env Envelope[T, E]) ([]byte, error) {
	w := wireEnvelope{Version: c.version, Tag: env.tag}

	var err error
	switch env.tag {
	case TagSuccess:
		w.Value, err = json.Marshal(env.value)
	case TagFailure:
		w.Error, err = json.Marshal(env.err)
	default:
		return nil, bridgeerr.Protocol("encode", nil, "envelope has no tag")
	}
	if err != nil {
		return nil, bridgeerr.Protocol("encode", err, "marshal %s payload", env.tag)
	}

	return json.Marshal(&w)
}

// Decode parses data produced by Encode. A version or tag mismatch is a
// protocol error; it is never coerced into either variant.
func Decode[T, E any](c Codec, data []byte) (Envelope[T, E], error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return Envelope[T, E]{}, bridgeerr.Protocol("decode", err, "malformed envelope")
	}
	if w.Version != c.version {
		return Envelope[T, E]{}, bridgeerr.Protocol("decode", nil,
			"envelope version mismatch: got %d, want %d", w.Version, c.version)
	}

	switch w.Tag {
	case TagSuccess:
		var v T
		if len(w.Value) > 0 {
			if err := json.Unmarshal(w.Value, &v); err != nil {
				return Envelope[T, E]{}, bridgeerr.Protocol("decode", err, "success payload")
			}
		}
		return Success[T, E](v), nil
	case TagFailure:
		var e E
		if len(w.Error) > 0 {
			if err := json.Unmarshal(w.Error, &e); err != nil {
				return Envelope[T, E]{}, bridgeerr.Protocol("decode", err, "failure payload")
			}
		}
		return Failure[T, E](e), nil
	default:
		return Envelope[T, E]{}, bridgeerr.Protocol("decode", nil, "unknown envelope tag %q", w.Tag)
	}
}

// DecodeResult decodes a string-error envelope, folding any decode error into
// a Failure that describes the mismatch.
func DecodeResult[T any](c Codec, data []byte) Result[T] {
	env, err := Decode[T, string](c, data)
	if err != nil {
		return FromError[T](err)
	}
	return env
}
