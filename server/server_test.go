package server

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"proof-rpc/circuit"
	"proof-rpc/codec"
	"proof-rpc/envelope"
	"proof-rpc/message"
	"proof-rpc/middleware"
	"proof-rpc/protocol"
	"proof-rpc/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func startPipe(t *testing.T, svr *Server, ct codec.CodecType) *transport.ClientTransport {
	t.Helper()
	spawner := &transport.PipeSpawner{Serve: svr.ServeConn, Codec: ct}
	tr, err := spawner.Spawn(context.Background(), transport.Locator{})
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestServeConnRoundTrip(t *testing.T) {
	for _, ct := range []codec.CodecType{codec.CodecTypeJSON, codec.CodecTypeBinary} {
		t.Run(ct.String(), func(t *testing.T) {
			svr := NewServer(NewDispatcher(&fakeBackend{}))
			tr := startPipe(t, svr, ct)
			ctx := context.Background()

			resp, err := tr.Call(ctx, message.OpPing)
			require.NoError(t, err)
			assert.Equal(t, PingReply, string(resp.Payload))

			resp, err = tr.Call(ctx, message.OpInitialize)
			require.NoError(t, err)
			assert.True(t, envelope.DecodeResult[struct{}](envelope.NewCodec(), resp.Payload).IsSuccess())

			resp, err = tr.Call(ctx, message.OpGenerateProof, circuit.Input{Age: 25})
			require.NoError(t, err)
			res, ok := envelope.DecodeResult[circuit.ProofResult](envelope.NewCodec(), resp.Payload).Value()
			require.True(t, ok)
			assert.Equal(t, []string{"25", "true"}, res.PublicInputs)
		})
	}
}

// 慢请求不能阻塞同一连接上的 ping
func TestSlowRequestDoesNotBlockPing(t *testing.T) {
	backend := &fakeBackend{bootDelay: 300 * time.Millisecond}
	svr := NewServer(NewDispatcher(backend))
	tr := startPipe(t, svr, codec.CodecTypeJSON)

	_, initCh, err := tr.Send(message.OpInitialize)
	require.NoError(t, err)

	start := time.Now()
	resp, err := tr.Call(context.Background(), message.OpPing)
	require.NoError(t, err)
	assert.Equal(t, PingReply, string(resp.Payload))
	assert.Less(t, time.Since(start), 250*time.Millisecond)

	<-initCh
}

func TestConcurrentCallsOnOneChannel(t *testing.T) {
	svr := NewServer(NewDispatcher(&fakeBackend{}))
	tr := startPipe(t, svr, codec.CodecTypeBinary)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := tr.Call(context.Background(), message.OpPing)
			assert.NoError(t, err)
			if err == nil {
				assert.Equal(t, PingReply, string(resp.Payload))
			}
		}()
	}
	wg.Wait()
}

func TestMiddlewareChain(t *testing.T) {
	svr := NewServer(NewDispatcher(&fakeBackend{}))
	svr.Use(middleware.RecoverMiddleware(zap.NewNop()))
	svr.Use(middleware.RateLimitMiddleware(1, 1))
	tr := startPipe(t, svr, codec.CodecTypeJSON)
	ctx := context.Background()

	resp, err := tr.Call(ctx, message.OpInitialize)
	require.NoError(t, err)
	assert.Empty(t, resp.Error)

	resp, err = tr.Call(ctx, message.OpGenerateProof, circuit.Input{Age: 25})
	require.NoError(t, err)
	assert.Equal(t, "rate limit exceeded", resp.Error)

	resp, err = tr.Call(ctx, message.OpPing)
	require.NoError(t, err)
	assert.Empty(t, resp.Error)
}

func TestMalformedRequestBody(t *testing.T) {
	svr := NewServer(NewDispatcher(&fakeBackend{}))
	client, worker := net.Pipe()
	go svr.ServeConn(worker)
	defer client.Close()

	go func() {
		h := &protocol.Header{CodecType: byte(codec.CodecTypeJSON), MsgType: protocol.MsgTypeRequest, Seq: 7}
		_ = protocol.Encode(client, h, []byte("not json"))
	}()

	h, body, err := protocol.Decode(client)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), h.Seq)
	assert.Equal(t, protocol.MsgTypeResponse, h.MsgType)

	var resp message.RPCMessage
	require.NoError(t, codec.GetCodec(codec.CodecTypeJSON).Decode(body, &resp))
	assert.Contains(t, resp.Error, "malformed request")
}

func TestOversizedResponseBecomesError(t *testing.T) {
	d := NewDispatcher(&fakeBackend{})
	d.Register("dump", func(context.Context, []json.RawMessage) ([]byte, error) {
		return make([]byte, protocol.MaxBodyLen), nil
	})
	tr := startPipe(t, NewServer(d), codec.CodecTypeBinary)

	resp, err := tr.Call(context.Background(), "dump")
	require.NoError(t, err)
	assert.Contains(t, resp.Error, "response too large")
	assert.Empty(t, resp.Payload)

	resp, err = tr.Call(context.Background(), message.OpPing)
	require.NoError(t, err)
	assert.Equal(t, PingReply, string(resp.Payload))
}

func TestServeAndShutdown(t *testing.T) {
	svr := NewServer(NewDispatcher(&fakeBackend{}))
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	served := make(chan error, 1)
	go func() { served <- svr.ServeListener(l) }()

	spawner := &transport.DialSpawner{Codec: codec.CodecTypeJSON}
	tr, err := spawner.Spawn(context.Background(), transport.Locator{Address: l.Addr().String()})
	require.NoError(t, err)
	defer tr.Close()

	resp, err := tr.Call(context.Background(), message.OpPing)
	require.NoError(t, err)
	assert.Equal(t, PingReply, string(resp.Payload))

	require.NoError(t, svr.Shutdown(time.Second))
	require.NoError(t, <-served)

	// open channels are closed by Shutdown
	select {
	case <-tr.Done():
	case <-time.After(time.Second):
		t.Fatal("client channel still open after shutdown")
	}
}
