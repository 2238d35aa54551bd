// Package server implements the worker side of the bridge: the frame loop,
// the middleware chain, and the operation dispatcher.
//
// Request processing pipeline:
//
//	worker channel (stdio, pipe or tcp conn) → serveConn (single goroutine reads frames)
//	  → for each request: go handleRequest (parallel processing)
//	    → Codec.Decode → Middleware Chain → Dispatcher.Handle → Codec.Encode → write response
package server

import (
	"context"
	"errors"
	"io"
	"net"
	"proof-rpc/bridgeerr"
	"proof-rpc/codec"
	"proof-rpc/message"
	"proof-rpc/middleware"
	"proof-rpc/protocol"
	"proof-rpc/registry"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
	"golang.org/x/xerrors"
)

// Server hosts one Dispatcher behind any number of worker channels.
type Server struct {
	dispatcher  *Dispatcher
	listener    net.Listener
	wg          conc.WaitGroup          // Tracks in-flight requests for graceful shutdown
	shutdown    atomic.Bool             // Set during shutdown to suppress Accept errors
	middlewares []middleware.Middleware // Applied in the order they were added
	handler     middleware.HandlerFunc  // middleware(middleware(...(dispatcher.Handle)))
	buildOnce   sync.Once
	logger      *zap.Logger

	// Address publication, nil registry when running over stdio.
	registry      registry.Registry
	name          string
	advertiseAddr string
	ttl           int64

	connMu sync.Mutex // guards listener and conns
	conns  map[io.ReadWriteCloser]struct{}
}

type Option func(*Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithRegistry publishes advertiseAddr under name while the server listens.
// advertiseAddr differs from the listen address because ":9000" is not routable.
func WithRegistry(reg registry.Registry, name, advertiseAddr string, ttl int64) Option {
	return func(s *Server) {
		s.registry = reg
		s.name = name
		s.advertiseAddr = advertiseAddr
		s.ttl = ttl
	}
}

func NewServer(d *Dispatcher, opts ...Option) *Server {
	s := &Server{
		dispatcher: d,
		logger:     zap.NewNop(),
		conns:      make(map[io.ReadWriteCloser]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Use registers a middleware. It has no effect once the server handles its first request.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.middlewares = append(svr.middlewares, mw)
}

func (svr *Server) build() {
	svr.buildOnce.Do(func() {
		svr.handler = middleware.Chain(svr.middlewares...)(svr.dispatcher.Handle)
	})
}

// Serve listens on address and serves every accepted connection.
func (svr *Server) Serve(network, address string) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return xerrors.Errorf("listen %s: %w", address, err)
	}
	return svr.ServeListener(listener)
}

// ServeListener serves connections accepted from l until Shutdown.
func (svr *Server) ServeListener(l net.Listener) error {
	svr.build()
	svr.connMu.Lock()
	svr.listener = l
	svr.connMu.Unlock()

	if svr.registry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := svr.registry.Register(ctx, svr.name, registry.Instance{Addr: svr.advertiseAddr}, svr.ttl)
		cancel()
		if err != nil {
			return xerrors.Errorf("register worker address: %w", err)
		}
		svr.logger.Info("worker address registered", zap.String("name", svr.name), zap.String("addr", svr.advertiseAddr))
	}

	for {
		conn, err := l.Accept()
		if err != nil {
			// listener.Close() during Shutdown makes Accept fail.
			if svr.shutdown.Load() {
				return nil
			}
			return err
		}
		go svr.ServeConn(conn)
	}
}

// ServeConn serves a single worker channel until it reaches EOF or breaks.
// The worker binary uses it over stdin/stdout.
func (svr *Server) ServeConn(conn io.ReadWriteCloser) {
	svr.build()
	svr.track(conn, true)
	defer func() {
		svr.track(conn, false)
		conn.Close()
	}()

	writeMu := &sync.Mutex{} // Per-channel write lock, shared by all requests on this channel
	for {
		header, body, err := protocol.Decode(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !svr.shutdown.Load() {
				svr.logger.Debug("worker channel closed", zap.Error(err))
			}
			return
		}

		if header.MsgType != protocol.MsgTypeRequest {
			continue // heartbeats keep the channel alive and need no answer
		}

		// A slow proof must not block pings arriving behind it.
		svr.wg.Go(func() {
			svr.handleRequest(header, body, conn, writeMu)
		})
	}
}

func (svr *Server) track(conn io.ReadWriteCloser, add bool) {
	svr.connMu.Lock()
	defer svr.connMu.Unlock()
	if add {
		svr.conns[conn] = struct{}{}
	} else {
		delete(svr.conns, conn)
	}
}

func (svr *Server) handleRequest(header *protocol.Header, body []byte, conn io.Writer, writeMu *sync.Mutex) {
	c := codec.GetCodec(codec.CodecType(header.CodecType))

	var resp *message.RPCMessage
	req := message.RPCMessage{}
	if err := c.Decode(body, &req); err != nil {
		resp = &message.RPCMessage{Error: bridgeerr.Protocol("decode", err, "malformed request").Error()}
	} else {
		resp = svr.handler(context.Background(), &req)
	}

	result, err := c.Encode(resp)
	if err == nil && len(result) > int(protocol.MaxBodyLen) {
		svr.logger.Warn("response too large", zap.String("operation", req.Operation), zap.Int("bytes", len(result)))
		result, err = c.Encode(&message.RPCMessage{
			Operation: req.Operation,
			Error:     bridgeerr.Protocol(req.Operation, protocol.ErrBodyTooLarge, "response too large").Error(),
		})
	}
	if err != nil {
		svr.logger.Error("failed to encode response", zap.String("operation", req.Operation), zap.Error(err))
		return
	}

	// Same Seq as the request; this is how responses find their caller.
	replyHeader := protocol.Header{
		CodecType: header.CodecType,
		MsgType:   protocol.MsgTypeResponse,
		Seq:       header.Seq,
	}

	writeMu.Lock()
	defer writeMu.Unlock()
	if err := protocol.Encode(conn, &replyHeader, result); err != nil {
		svr.logger.Debug("failed to write response", zap.Uint32("seq", header.Seq), zap.Error(err))
	}
}

// Shutdown performs graceful shutdown:
//  1. Deregister the worker address (clients stop resolving to this worker)
//  2. Set shutdown flag and close the listener
//  3. Wait for in-flight requests to finish (with timeout)
//  4. Close the remaining channels
func (svr *Server) Shutdown(timeout time.Duration) error {
	if svr.registry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := svr.registry.Deregister(ctx, svr.name, svr.advertiseAddr); err != nil {
			svr.logger.Warn("failed to deregister worker address", zap.Error(err))
		}
		cancel()
	}

	svr.shutdown.Store(true)
	svr.connMu.Lock()
	if svr.listener != nil {
		svr.listener.Close()
	}
	svr.connMu.Unlock()

	done := make(chan struct{})
	go func() {
		if r := svr.wg.WaitAndRecover(); r != nil {
			svr.logger.Error("request handler panicked", zap.Error(r.AsError()))
		}
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = xerrors.New("timeout waiting for ongoing requests to finish")
	}

	svr.connMu.Lock()
	for conn := range svr.conns {
		conn.Close()
	}
	svr.connMu.Unlock()
	return err
}
