// Package proxy exposes the worker's operations as typed calls over a channel.
//
// Every call except Ping returns the decoded envelope as is. Failures on the way
// (channel errors, dispatch errors, undecodable replies) become Failure envelopes,
// so callers only ever inspect one shape.
package proxy

import (
	"context"

	"proof-rpc/circuit"
	"proof-rpc/envelope"
	"proof-rpc/message"

	"golang.org/x/xerrors"
)

// Caller is the request/response primitive the proxy runs on.
// *transport.ClientTransport implements it.
type Caller interface {
	Call(ctx context.Context, operation string, args ...any) (*message.RPCMessage, error)
}

type Proxy struct {
	caller Caller
	codec  envelope.Codec
}

// New returns a proxy decoding replies with codec, which must match the worker's.
func New(caller Caller, codec envelope.Codec) *Proxy {
	return &Proxy{caller: caller, codec: codec}
}

// Ping returns the worker's liveness string. It carries no envelope.
func (p *Proxy) Ping(ctx context.Context) (string, error) {
	resp, err := p.caller.Call(ctx, message.OpPing)
	if err != nil {
		return "", err
	}
	if resp.Error != "" {
		return "", xerrors.New(resp.Error)
	}
	return string(resp.Payload), nil
}

func (p *Proxy) Initialize(ctx context.Context) envelope.Result[struct{}] {
	return call[struct{}](ctx, p, message.OpInitialize)
}

func (p *Proxy) GenerateProof(ctx context.Context, in circuit.Input) envelope.Result[circuit.ProofResult] {
	return call[circuit.ProofResult](ctx, p, message.OpGenerateProof, in)
}

func (p *Proxy) VerifyProof(ctx context.Context, proof []byte, publicInputs []string) envelope.Result[bool] {
	return call[bool](ctx, p, message.OpVerifyProof, proof, publicInputs)
}

func call[T any](ctx context.Context, p *Proxy, op string, args ...any) envelope.Result[T] {
	resp, err := p.caller.Call(ctx, op, args...)
	if err != nil {
		return envelope.FromError[T](err)
	}
	if resp.Error != "" {
		return envelope.Fail[T]("%s", resp.Error)
	}
	return envelope.DecodeResult[T](p.codec, resp.Payload)
}
