package server

import (
	"context"
	"encoding/json"
	"fmt"
	"proof-rpc/bridgeerr"
	"proof-rpc/circuit"
	"proof-rpc/envelope"
	"proof-rpc/message"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// PingReply is the fixed liveness answer to ping.
const PingReply = "proof worker ready"

// Backend is the engine-side capability the dispatcher drives.
// circuit.Backend is the production implementation.
type Backend interface {
	Boot(ctx context.Context) error
	Prove(ctx context.Context, in circuit.Input) (circuit.ProofResult, error)
	Verify(ctx context.Context, proof []byte, publicInputs []string) (bool, error)
}

// Handler answers one operation. It returns the response payload; an error
// means the request could not be dispatched at all and is reported in the
// message's Error field.
type Handler func(ctx context.Context, args []json.RawMessage) ([]byte, error)

// Dispatcher is the worker-side handler registry. It is the only owner of the
// backend and its initialized flag.
type Dispatcher struct {
	backend  Backend
	codec    envelope.Codec
	logger   *zap.Logger

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	initMu      sync.Mutex // serializes initialize
	initialized atomic.Bool
}

type DispatcherOption func(*Dispatcher)

func WithEnvelopeCodec(c envelope.Codec) DispatcherOption {
	return func(d *Dispatcher) { d.codec = c }
}

func WithDispatcherLogger(l *zap.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

// NewDispatcher registers ping, initialize, generateProof and verifyProof.
func NewDispatcher(backend Backend, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		backend:  backend,
		codec:    envelope.NewCodec(),
		logger:   zap.NewNop(),
		handlers: make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(d)
	}

	d.Register(message.OpPing, d.ping)
	d.Register(message.OpInitialize, typed(d, message.OpInitialize, d.initialize))
	d.Register(message.OpGenerateProof, typed(d, message.OpGenerateProof, d.generateProof))
	d.Register(message.OpVerifyProof, typed(d, message.OpVerifyProof, d.verifyProof))
	return d
}

// Register adds or replaces the handler for operation. It is safe to call
// while requests are being served.
func (d *Dispatcher) Register(operation string, h Handler) {
	d.handlersMu.Lock()
	defer d.handlersMu.Unlock()
	d.handlers[operation] = h
}

// Initialized reports whether initialize has succeeded.
func (d *Dispatcher) Initialized() bool {
	return d.initialized.Load()
}

// Handle is the innermost middleware.HandlerFunc of the worker.
func (d *Dispatcher) Handle(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
	resp := &message.RPCMessage{Operation: req.Operation}

	d.handlersMu.RLock()
	h, ok := d.handlers[req.Operation]
	d.handlersMu.RUnlock()
	if !ok {
		resp.Error = bridgeerr.Protocol(req.Operation, nil, "unknown operation").Error()
		return resp
	}
	args, err := message.DecodeArgs(req.Payload)
	if err != nil {
		resp.Error = bridgeerr.Protocol(req.Operation, err, "malformed arguments").Error()
		return resp
	}

	payload, err := h(ctx, args)
	if err != nil {
		resp.Error = err.Error()
		return resp
	}
	resp.Payload = payload
	return resp
}

// typed adapts an envelope-returning operation into a Handler. Errors and
// panics from fn become Failure envelopes; they never escape the worker.
func typed[T any](d *Dispatcher, op string, fn func(ctx context.Context, args []json.RawMessage) (T, error)) Handler {
	return func(ctx context.Context, args []json.RawMessage) ([]byte, error) {
		return envelope.Encode(d.codec, invoke(ctx, d.logger, op, args, fn))
	}
}

func invoke[T any](ctx context.Context, logger *zap.Logger, op string, args []json.RawMessage, fn func(context.Context, []json.RawMessage) (T, error)) (result envelope.Result[T]) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("engine panicked", zap.String("operation", op), zap.Any("panic", r))
			result = envelope.FromError[T](bridgeerr.Engine(op, nil, "panic: %s", fmt.Sprint(r)))
		}
	}()

	v, err := fn(ctx, args)
	if err != nil {
		return envelope.FromError[T](err)
	}
	return envelope.Ok(v)
}

func (d *Dispatcher) ping(context.Context, []json.RawMessage) ([]byte, error) {
	return []byte(PingReply), nil
}

func (d *Dispatcher) initialize(ctx context.Context, _ []json.RawMessage) (struct{}, error) {
	d.initMu.Lock()
	defer d.initMu.Unlock()

	if d.initialized.Load() {
		return struct{}{}, nil
	}
	if err := d.backend.Boot(ctx); err != nil {
		d.logger.Error("engine initialization failed", zap.Error(err))
		return struct{}{}, bridgeerr.Engine(message.OpInitialize, err, "failed to initialize engine")
	}
	d.initialized.Store(true)
	d.logger.Info("engine initialized")
	return struct{}{}, nil
}

func (d *Dispatcher) generateProof(ctx context.Context, args []json.RawMessage) (circuit.ProofResult, error) {
	if !d.initialized.Load() {
		return circuit.ProofResult{}, bridgeerr.NotReady(message.OpGenerateProof)
	}
	var in circuit.Input
	if err := arg(message.OpGenerateProof, args, 0, &in); err != nil {
		return circuit.ProofResult{}, err
	}

	res, err := d.backend.Prove(ctx, in)
	if err != nil {
		return circuit.ProofResult{}, bridgeerr.Engine(message.OpGenerateProof, err, "")
	}
	return res, nil
}

func (d *Dispatcher) verifyProof(ctx context.Context, args []json.RawMessage) (bool, error) {
	if !d.initialized.Load() {
		return false, bridgeerr.NotReady(message.OpVerifyProof)
	}
	var (
		proof        []byte
		publicInputs []string
	)
	if err := arg(message.OpVerifyProof, args, 0, &proof); err != nil {
		return false, err
	}
	if err := arg(message.OpVerifyProof, args, 1, &publicInputs); err != nil {
		return false, err
	}

	ok, err := d.backend.Verify(ctx, proof, publicInputs)
	if err != nil {
		return false, bridgeerr.Engine(message.OpVerifyProof, err, "proof verification failed")
	}
	return ok, nil
}

func arg(op string, args []json.RawMessage, i int, v any) error {
	if i >= len(args) {
		return bridgeerr.Protocol(op, nil, "missing argument %d", i)
	}
	if err := json.Unmarshal(args[i], v); err != nil {
		return bridgeerr.Protocol(op, err, "argument %d", i)
	}
	return nil
}
