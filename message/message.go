// Package message defines the message structure exchanged between client and worker.
//
// RPCMessage is the unit carried by every frame. It gets serialized by the codec layer
// and wrapped in a protocol frame for transmission over the worker channel.
package message

import "encoding/json"

// Operation names understood by the worker dispatcher.
const (
	OpPing          = "ping"
	OpInitialize    = "initialize"
	OpGenerateProof = "generateProof"
	OpVerifyProof   = "verifyProof"
)

// RPCMessage carries the data for a single request or response.
//
//   - On request:  Operation is set, Payload is the JSON array of positional arguments.
//   - On response: Payload is the operation's reply (an encoded envelope, or the raw
//     liveness string for ping). Error is non-empty only when the worker could not
//     dispatch the request at all (unknown operation, malformed args, channel closed).
type RPCMessage struct {
	Operation string // one of the Op* constants
	Error     string
	Payload   []byte
}

// EncodeArgs marshals positional arguments into a request payload.
func EncodeArgs(args ...any) ([]byte, error) {
	if args == nil {
		args = []any{}
	}
	return json.Marshal(args)
}

// DecodeArgs splits a request payload into its raw positional arguments.
func DecodeArgs(payload []byte) ([]json.RawMessage, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}
