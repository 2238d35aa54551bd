package proxy

import (
	"context"
	"testing"

	"proof-rpc/bridgeerr"
	"proof-rpc/circuit"
	"proof-rpc/envelope"
	"proof-rpc/message"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedCaller replies from a table keyed by operation.
type scriptedCaller struct {
	replies map[string]*message.RPCMessage
	err     error
	calls   []string
	args    [][]any
}

func (s *scriptedCaller) Call(_ context.Context, op string, args ...any) (*message.RPCMessage, error) {
	s.calls = append(s.calls, op)
	s.args = append(s.args, args)
	if s.err != nil {
		return nil, s.err
	}
	return s.replies[op], nil
}

func encoded[T any](t *testing.T, env envelope.Result[T]) []byte {
	t.Helper()
	data, err := envelope.Encode(envelope.NewCodec(), env)
	require.NoError(t, err)
	return data
}

func TestPing(t *testing.T) {
	c := &scriptedCaller{replies: map[string]*message.RPCMessage{
		message.OpPing: {Operation: message.OpPing, Payload: []byte("proof worker ready")},
	}}
	got, err := New(c, envelope.NewCodec()).Ping(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "proof worker ready", got)

	c.replies[message.OpPing] = &message.RPCMessage{Error: "rate limit exceeded"}
	_, err = New(c, envelope.NewCodec()).Ping(context.Background())
	assert.EqualError(t, err, "rate limit exceeded")
}

func TestEnvelopePassedThrough(t *testing.T) {
	want := circuit.ProofResult{Proof: []byte{0x01, 0xff, 0x00}, PublicInputs: []string{"25", "true"}}
	c := &scriptedCaller{replies: map[string]*message.RPCMessage{
		message.OpGenerateProof: {Payload: encoded(t, envelope.Ok(want))},
		message.OpVerifyProof:   {Payload: encoded(t, envelope.Ok(true))},
		message.OpInitialize:    {Payload: encoded(t, envelope.Fail[struct{}]("engine: initialize: failed to initialize engine: boom"))},
	}}
	p := New(c, envelope.NewCodec())
	ctx := context.Background()

	proof := p.GenerateProof(ctx, circuit.Input{Age: 25})
	got, ok := proof.Value()
	require.True(t, ok, proof.String())
	assert.Equal(t, want, got)
	assert.Equal(t, []any{circuit.Input{Age: 25}}, c.args[0])

	valid, ok := p.VerifyProof(ctx, want.Proof, want.PublicInputs).Value()
	require.True(t, ok)
	assert.True(t, valid)
	assert.Equal(t, []any{want.Proof, want.PublicInputs}, c.args[1])

	msg, failed := p.Initialize(ctx).Err()
	require.True(t, failed)
	assert.Equal(t, "engine: initialize: failed to initialize engine: boom", msg)
}

func TestTransportErrorBecomesFailure(t *testing.T) {
	c := &scriptedCaller{err: bridgeerr.Closed(message.OpGenerateProof, "worker channel closed")}
	res := New(c, envelope.NewCodec()).GenerateProof(context.Background(), circuit.Input{Age: 30})

	msg, failed := res.Err()
	require.True(t, failed)
	assert.Equal(t, "closed: generateProof: worker channel closed", msg)
}

func TestDispatchErrorBecomesFailure(t *testing.T) {
	c := &scriptedCaller{replies: map[string]*message.RPCMessage{
		message.OpVerifyProof: {Error: "protocol: verifyProof: unknown operation"},
	}}
	msg, failed := New(c, envelope.NewCodec()).VerifyProof(context.Background(), nil, nil).Err()
	require.True(t, failed)
	assert.Equal(t, "protocol: verifyProof: unknown operation", msg)
}

func TestCodecMismatchBecomesFailure(t *testing.T) {
	c := &scriptedCaller{replies: map[string]*message.RPCMessage{
		message.OpVerifyProof: {Payload: encoded(t, envelope.Ok(true))},
	}}
	res := New(c, envelope.NewCodecVersion(9)).VerifyProof(context.Background(), nil, nil)
	msg, failed := res.Err()
	require.True(t, failed)
	assert.Contains(t, msg, "envelope version mismatch")
}
