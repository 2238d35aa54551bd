// Package client is the caller-facing side of the proof bridge.
//
// A Client owns one worker channel and brings it to the ready state lazily:
// the first business call probes the worker and initializes its engine, and
// every later call is forwarded directly. Concurrent callers share a single
// bring-up attempt.
//
// Terminate is final. A terminated client fails every call with a closed error
// and never respawns its worker; build a new Client instead.
package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"proof-rpc/bridgeerr"
	"proof-rpc/circuit"
	"proof-rpc/envelope"
	"proof-rpc/handshake"
	"proof-rpc/message"
	"proof-rpc/proxy"
	"proof-rpc/transport"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DefaultInitializeTimeout bounds the initialize call of a bring-up, which runs
// detached from every caller's context.
const DefaultInitializeTimeout = time.Minute

type Client struct {
	id          string
	spawner     transport.Spawner
	locator     transport.Locator
	codec       envelope.Codec
	probe       *handshake.Probe
	initTimeout time.Duration
	logger      *zap.Logger

	mu         sync.Mutex
	state      State
	reason     string // why the last bring-up failed
	channel    *transport.ClientTransport
	proxy      *proxy.Proxy
	terminated bool

	readyGroup singleflight.Group
}

type Option func(*Client)

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithEnvelopeCodec must match the codec the worker dispatcher was built with.
func WithEnvelopeCodec(codec envelope.Codec) Option {
	return func(c *Client) { c.codec = codec }
}

func WithProbe(p *handshake.Probe) Option {
	return func(c *Client) { c.probe = p }
}

// WithInitializeTimeout bounds the engine initialize that follows a successful
// probe. Non-positive values keep DefaultInitializeTimeout.
func WithInitializeTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.initTimeout = d
		}
	}
}

// New spawns the worker at loc and returns an uninitialized client.
func New(ctx context.Context, spawner transport.Spawner, loc transport.Locator, opts ...Option) (*Client, error) {
	c := &Client{
		id:          uuid.NewString(),
		spawner:     spawner,
		locator:     loc,
		codec:       envelope.NewCodec(),
		initTimeout: DefaultInitializeTimeout,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.probe == nil {
		c.probe = handshake.New(handshake.DefaultConfig(), handshake.WithLogger(c.logger))
	}
	c.logger = c.logger.With(zap.String("client", c.id))

	ch, err := spawner.Spawn(ctx, loc)
	if err != nil {
		return nil, err
	}
	c.channel = ch
	c.proxy = proxy.New(ch, c.codec)
	c.logger.Debug("worker spawned", zap.Stringer("locator", loc))
	return c, nil
}

// ID identifies the client in logs.
func (c *Client) ID() string {
	return c.id
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Initialized reports whether the client has reached Ready.
func (c *Client) Initialized() bool {
	return c.State() == Ready
}

// Ping asks the worker for its liveness string without touching the ready state.
func (c *Client) Ping(ctx context.Context) (string, error) {
	p, err := c.current("ping")
	if err != nil {
		return "", err
	}
	return p.Ping(ctx)
}

// Initialize probes the worker and initializes its engine, once.
func (c *Client) Initialize(ctx context.Context) envelope.Result[struct{}] {
	return c.ensureReady(ctx)
}

func (c *Client) GenerateProof(ctx context.Context, in circuit.Input) envelope.Result[circuit.ProofResult] {
	if r := c.ensureReady(ctx); r.IsFailure() {
		return envelope.Recast[circuit.ProofResult](r)
	}
	p, err := c.current("generateProof")
	if err != nil {
		return envelope.FromError[circuit.ProofResult](err)
	}
	return p.GenerateProof(ctx, in)
}

func (c *Client) VerifyProof(ctx context.Context, proof []byte, publicInputs []string) envelope.Result[bool] {
	if r := c.ensureReady(ctx); r.IsFailure() {
		return envelope.Recast[bool](r)
	}
	p, err := c.current("verifyProof")
	if err != nil {
		return envelope.FromError[bool](err)
	}
	return p.VerifyProof(ctx, proof, publicInputs)
}

// Terminate closes the worker channel. Calls in flight resolve to a closed
// Failure; later calls fail fast.
func (c *Client) Terminate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.terminated {
		return
	}
	c.terminated = true
	c.state = Uninitialized
	if c.channel != nil {
		c.channel.Close()
	}
	c.channel = nil
	c.proxy = nil
	c.logger.Debug("client terminated")
}

func (c *Client) current(op string) (*proxy.Proxy, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.terminated {
		return nil, bridgeerr.Closed(op, "client terminated")
	}
	return c.proxy, nil
}

// ensureReady returns immediately once Ready. Otherwise the caller joins the
// in-flight bring-up, or starts one. The bring-up runs detached from any single
// caller's ctx so that one caller giving up does not fail the others.
func (c *Client) ensureReady(ctx context.Context) envelope.Result[struct{}] {
	c.mu.Lock()
	switch {
	case c.terminated:
		c.mu.Unlock()
		return envelope.FromError[struct{}](bridgeerr.Closed("initialize", "client terminated"))
	case c.state == Ready:
		c.mu.Unlock()
		return envelope.Ok(struct{}{})
	}
	c.mu.Unlock()

	ch := c.readyGroup.DoChan("ready", func() (any, error) {
		return c.bringUp(context.WithoutCancel(ctx)), nil
	})
	select {
	case res := <-ch:
		return res.Val.(envelope.Result[struct{}])
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return envelope.FromError[struct{}](bridgeerr.Timeout("initialize", "worker not ready before deadline"))
		}
		return envelope.FromError[struct{}](bridgeerr.Transport("initialize", ctx.Err(), "initialize abandoned"))
	}
}

func (c *Client) bringUp(ctx context.Context) envelope.Result[struct{}] {
	// A caller may start a flight just after the previous one reached Ready.
	if c.State() == Ready {
		return envelope.Ok(struct{}{})
	}

	p, ch, err := c.channelForBringUp(ctx)
	if err != nil {
		return c.fail(err.Error())
	}
	if ok := c.transition(Probing); !ok {
		return envelope.FromError[struct{}](bridgeerr.Closed("initialize", "client terminated"))
	}

	if err := c.probe.Run(ctx, channelPinger{Proxy: p, channel: ch}); err != nil {
		return c.fail(err.Error())
	}
	if ok := c.transition(Initializing); !ok {
		return envelope.FromError[struct{}](bridgeerr.Closed("initialize", "client terminated"))
	}

	initCtx, cancel := context.WithTimeout(ctx, c.initTimeout)
	res := p.Initialize(initCtx)
	cancel()
	if msg, failed := res.Err(); failed {
		return c.fail(msg)
	}
	if ok := c.transition(Ready); !ok {
		return envelope.FromError[struct{}](bridgeerr.Closed("initialize", "client terminated"))
	}
	return res
}

// channelForBringUp returns the proxy to probe, respawning the worker if the
// previous attempt left its channel dead.
func (c *Client) channelForBringUp(ctx context.Context) (*proxy.Proxy, *transport.ClientTransport, error) {
	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		return nil, nil, bridgeerr.Closed("initialize", "client terminated")
	}
	if c.channel != nil && c.channel.Err() == nil {
		p, ch := c.proxy, c.channel
		c.mu.Unlock()
		return p, ch, nil
	}
	c.mu.Unlock()

	c.logger.Info("respawning worker", zap.Stringer("locator", c.locator))
	ch, err := c.spawner.Spawn(ctx, c.locator)
	if err != nil {
		return nil, nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.terminated {
		ch.Close()
		return nil, nil, bridgeerr.Closed("initialize", "client terminated")
	}
	c.channel = ch
	c.proxy = proxy.New(ch, c.codec)
	return c.proxy, ch, nil
}

// channelPinger reports pings on a dead channel as closed, so the probe stops
// instead of retrying a worker that has already exited.
type channelPinger struct {
	*proxy.Proxy
	channel *transport.ClientTransport
}

func (p channelPinger) Ping(ctx context.Context) (string, error) {
	s, err := p.Proxy.Ping(ctx)
	if err != nil {
		if cerr := p.channel.Err(); cerr != nil {
			return "", bridgeerr.Closed(message.OpPing, "%v", cerr)
		}
	}
	return s, err
}

// transition moves to next unless the client was terminated meanwhile.
func (c *Client) transition(next State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.terminated {
		return false
	}
	c.logger.Debug("client state", zap.Stringer("from", c.state), zap.Stringer("to", next))
	c.state = next
	c.reason = ""
	return true
}

func (c *Client) fail(reason string) envelope.Result[struct{}] {
	c.mu.Lock()
	if !c.terminated {
		c.state = Failed
		c.reason = reason
	}
	c.mu.Unlock()
	c.logger.Warn("worker bring-up failed", zap.String("reason", reason))
	return envelope.Fail[struct{}]("%s", reason)
}

// FailureReason returns why the client is in the Failed state, or "".
func (c *Client) FailureReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}
