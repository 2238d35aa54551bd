// Package transport implements the caller side of a worker channel.
//
// ClientTransport multiplexes concurrent calls over a single byte stream to the
// background worker. Each request gets a unique sequence ID, and a dedicated
// goroutine (recvLoop) reads responses and routes them to the waiting caller:
//
//	goroutine-1 ──Send(seq=1)──┐
//	goroutine-2 ──Send(seq=2)──┼──→ worker stdin / conn ──→ Worker
//	goroutine-3 ──Send(seq=3)──┘
//
//	recvLoop:  ←── response(seq=2) → pending[2] chan → goroutine-2 wakes up
//
// When the stream breaks (worker crash, Close) every pending caller is released
// with a closed-channel error; nobody waits forever.
package transport

import (
	"context"
	"errors"
	"io"
	"proof-rpc/bridgeerr"
	"proof-rpc/codec"
	"proof-rpc/message"
	"proof-rpc/protocol"
	"sync"
	"time"

	"go.uber.org/zap"
)

const DefaultHeartbeatInterval = 30 * time.Second

// ClientTransport manages a single multiplexed worker channel.
type ClientTransport struct {
	conn    io.ReadWriteCloser
	codec   codec.CodecType
	logger  *zap.Logger
	seq     uint32     // protected by sending
	pending sync.Map   // map[uint32]chan *message.RPCMessage
	sending sync.Mutex // serializes whole frames on conn

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Option configures a ClientTransport.
type Option func(*options)

type options struct {
	logger    *zap.Logger
	heartbeat time.Duration
}

// WithLogger sets the transport logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithHeartbeat sets the heartbeat interval. Zero disables heartbeats.
func WithHeartbeat(d time.Duration) Option {
	return func(o *options) { o.heartbeat = d }
}

// NewClientTransport wraps conn and starts the receive loop and, unless disabled,
// the heartbeat loop.
func NewClientTransport(conn io.ReadWriteCloser, codecType codec.CodecType, opts ...Option) *ClientTransport {
	o := options{logger: zap.NewNop(), heartbeat: DefaultHeartbeatInterval}
	for _, opt := range opts {
		opt(&o)
	}

	t := &ClientTransport{
		conn:   conn,
		codec:  codecType,
		logger: o.logger,
		done:   make(chan struct{}),
	}
	go t.recvLoop()
	if o.heartbeat > 0 {
		go t.heartbeatLoop(o.heartbeat)
	}
	return t
}

// Send serializes and sends a request. It returns the sequence number and a
// channel that receives exactly one response, or is closed if the channel dies
// before the response arrives.
func (t *ClientTransport) Send(operation string, args ...any) (uint32, <-chan *message.RPCMessage, error) {
	if err := t.Err(); err != nil {
		return 0, nil, err
	}

	payload, err := message.EncodeArgs(args...)
	if err != nil {
		return 0, nil, bridgeerr.Protocol(operation, err, "encode arguments")
	}
	body, err := codec.GetCodec(t.codec).Encode(&message.RPCMessage{
		Operation: operation,
		Payload:   payload,
	})
	if err != nil {
		return 0, nil, bridgeerr.Protocol(operation, err, "encode request")
	}
	// An oversized frame would be rejected by the worker's frame reader and
	// take the whole channel down with it; fail this call alone instead.
	if len(body) > int(protocol.MaxBodyLen) {
		return 0, nil, bridgeerr.Protocol(operation, protocol.ErrBodyTooLarge, "request too large")
	}

	t.sending.Lock()
	defer t.sending.Unlock()

	t.seq++
	seq := t.seq

	// Register before writing so recvLoop can never see a reply it cannot route.
	respChan := make(chan *message.RPCMessage, 1)
	t.pending.Store(seq, respChan)

	// Close may have drained pending between Err() and Store.
	if err := t.Err(); err != nil {
		t.pending.Delete(seq)
		return 0, nil, err
	}

	header := protocol.Header{
		CodecType: byte(t.codec),
		MsgType:   protocol.MsgTypeRequest,
		Seq:       seq,
	}
	if err := protocol.Encode(t.conn, &header, body); err != nil {
		if _, ok := t.pending.LoadAndDelete(seq); ok {
			return 0, nil, bridgeerr.Transport(operation, err, "write request frame")
		}
		// recvLoop already failed the call; report the channel error.
		return 0, nil, t.errOr(bridgeerr.Transport(operation, err, "write request frame"))
	}

	return seq, respChan, nil
}

// Call sends a request and waits for its response, the channel's death, or ctx.
// A call abandoned through ctx is forgotten; its late response is dropped.
func (t *ClientTransport) Call(ctx context.Context, operation string, args ...any) (*message.RPCMessage, error) {
	seq, ch, err := t.Send(operation, args...)
	if err != nil {
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, t.errOr(bridgeerr.Closed(operation, "worker channel closed"))
		}
		return resp, nil
	case <-ctx.Done():
		t.pending.Delete(seq)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, bridgeerr.Timeout(operation, "no response before deadline")
		}
		return nil, bridgeerr.Transport(operation, ctx.Err(), "call abandoned")
	}
}

// recvLoop is the only reader of conn. Frames must be read sequentially to
// keep frame boundaries intact.
func (t *ClientTransport) recvLoop() {
	for {
		header, body, err := protocol.Decode(t.conn)
		if err != nil {
			t.fail(bridgeerr.Transport("recv", err, "worker channel broken"))
			return
		}
		if header.MsgType != protocol.MsgTypeResponse {
			continue
		}

		value, ok := t.pending.LoadAndDelete(header.Seq)
		if !ok {
			// Abandoned by its caller (probe timeout); nobody is listening.
			t.logger.Debug("dropping stale response", zap.Uint32("seq", header.Seq))
			continue
		}

		resp := &message.RPCMessage{}
		if err := codec.GetCodec(codec.CodecType(header.CodecType)).Decode(body, resp); err != nil {
			resp = &message.RPCMessage{Error: bridgeerr.Protocol("recv", err, "decode response").Error()}
		}
		value.(chan *message.RPCMessage) <- resp
	}
}

// heartbeatLoop keeps idle TCP channels alive. It exits when the channel closes.
func (t *ClientTransport) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
		}

		header := &protocol.Header{
			CodecType: byte(t.codec),
			MsgType:   protocol.MsgTypeHeartbeat,
		}
		t.sending.Lock()
		err := protocol.Encode(t.conn, header, nil)
		t.sending.Unlock()
		if err != nil {
			t.fail(bridgeerr.Transport("heartbeat", err, "worker channel broken"))
			return
		}
	}
}

// fail marks the channel dead with err and releases every pending caller.
func (t *ClientTransport) fail(err error) {
	t.closeOnce.Do(func() {
		t.closeErr = err
		close(t.done)
		t.logger.Debug("worker channel closed", zap.Error(err))
		t.conn.Close()
	})
	t.closeAllPending()
}

func (t *ClientTransport) closeAllPending() {
	t.pending.Range(func(key, _ any) bool {
		if value, ok := t.pending.LoadAndDelete(key); ok {
			close(value.(chan *message.RPCMessage))
		}
		return true
	})
}

// Close tears the channel down. In-flight calls resolve with a closed error.
func (t *ClientTransport) Close() error {
	t.fail(bridgeerr.Closed("terminate", "worker channel closed"))
	return nil
}

// Done is closed once the channel is dead.
func (t *ClientTransport) Done() <-chan struct{} {
	return t.done
}

// Err returns why the channel died, or nil while it is alive.
func (t *ClientTransport) Err() error {
	select {
	case <-t.done:
		return t.closeErr
	default:
		return nil
	}
}

func (t *ClientTransport) errOr(fallback error) error {
	if err := t.Err(); err != nil {
		return err
	}
	return fallback
}

// Codec returns the frame codec used by this transport.
func (t *ClientTransport) Codec() codec.CodecType {
	return t.codec
}
